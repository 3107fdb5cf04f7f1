// Copyright © 2026 Niko Carpenter <niko@nikocarpenter.com>
//
// This source code is governed by the MIT license, which can be found in the LICENSE file.

package commands

import (
	"fmt"
	"os"
	"path"

	homedir "github.com/mitchellh/go-homedir"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var cfgDir string

// RootCmd represents the base command when called without any subcommands
var RootCmd = &cobra.Command{
	Use:   "ajaxchand",
	Short: "AJAX channel gateway",
	Long: `ajaxchand serves AJAX requests over websockets, on named channels.

Requests on a queue channel run one after another, in the order they were sent.
Requests on a drop channel are discarded while the channel is busy.`,
	SilenceErrors:     true,
	SilenceUsage:      true,
	DisableAutoGenTag: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	if err := RootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	RootCmd.PersistentFlags().StringVar(&cfgDir, "config", "", "config directory (default is $HOME/.config/ajaxchand)")
}

// initConfig reads in config file and ENV variables if set.
func initConfig() {
	if cfgDir == "" {
		// Find home directory.
		home, err := homedir.Dir()
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}

		// Search for config in $HOME/.config/ajaxchand
		cfgDir = path.Join(home, ".config", "ajaxchand")
	}

	viper.AddConfigPath(cfgDir)
	viper.SetConfigName("ajaxchand")
	viper.SetEnvPrefix("ajaxchand")
	viper.AutomaticEnv()

	os.Setenv("CONFDIR", cfgDir)

	// A missing config file is fine; every option has a default.
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			fmt.Fprintf(os.Stderr, "Error loading config file: %s\n", err)
			os.Exit(1)
		}
	}
}
