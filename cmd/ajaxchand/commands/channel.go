// Copyright © 2026 Niko Carpenter <niko@nikocarpenter.com>
//
// This source code is governed by the MIT license, which can be found in the LICENSE file.

package commands

import (
	"fmt"
	"os"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/n0ot/ajaxchan/pkg/channel"
)

var channelType string

// channelCmd represents the channel command
var channelCmd = &cobra.Command{
	Use:   "channel",
	Short: "Encode and decode channel names",
}

var channelEncodeCmd = &cobra.Command{
	Use:   "encode <name>",
	Short: "Print the wire form of a channel",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		t, err := channel.ParseType(channelType)
		if err != nil {
			return err
		}
		c, err := channel.NewWithType(args[0], t)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), c)
		return nil
	},
}

var channelDecodeCmd = &cobra.Command{
	Use:   "decode <channel>",
	Short: "Print the name and type of an encoded channel",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := channel.Parse(args[0])
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "name: %s\ntype: %s\n", c.Name(), c.Type())
		return nil
	},
}

var channelCheckCmd = &cobra.Command{
	Use:   "check <file>",
	Short: "Validate a YAML list of channels, printing their wire forms",
	Long: `check reads a YAML list of channels. Each entry is either an encoded channel,
like "upload|s", or a mapping with a name and a type:

  - upload|s
  - name: progress
    type: drop`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := os.ReadFile(args[0])
		if err != nil {
			return errors.Wrap(err, "Read channels")
		}
		var channels []channel.Channel
		if err := yaml.Unmarshal(data, &channels); err != nil {
			return errors.Wrapf(err, "Parse %s", args[0])
		}
		for _, c := range channels {
			fmt.Fprintln(cmd.OutOrStdout(), c)
		}
		return nil
	},
}

func init() {
	RootCmd.AddCommand(channelCmd)
	channelCmd.AddCommand(channelEncodeCmd, channelDecodeCmd, channelCheckCmd)
	channelEncodeCmd.Flags().StringVarP(&channelType, "type", "t", "queue", "channel type: queue or drop")
}
