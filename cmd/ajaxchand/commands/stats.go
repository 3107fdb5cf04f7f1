// Copyright © 2026 Niko Carpenter <niko@nikocarpenter.com>
//
// This source code is governed by the MIT license, which can be found in the LICENSE file.

package commands

import (
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/url"
	"os"
	"sort"
	"time"

	humanize "github.com/dustin/go-humanize"
	"github.com/gorilla/websocket"
	"github.com/howeyc/gopass"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/n0ot/ajaxchan/pkg/server"
)

var (
	statsPort              string
	skipTLSVerification    bool
	statsServerCertificate string
	statsPassword          string
	promptForPassword      bool
)

// statsCmd represents the stats command
var statsCmd = &cobra.Command{
	Use:   "stats [host]",
	Short: "Print stats from an ajaxchand server",
	Long: `stats queries an ajaxchand server for running stats.

If the host is omitted, the local ajaxchand server will be queried.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		host := "127.0.0.1"
		if len(args) > 0 {
			host = args[0]
			if disableTLS {
				fmt.Fprintln(os.Stderr, "Warning: TLS is disabled. All traffic including your stats password will be sent in the clear.")
			} else if skipTLSVerification {
				fmt.Fprintln(os.Stderr, "Warning: skipping TLS verification is insecure.")
			}
		} else {
			// Use the options from the local server's configuration.
			if _, port, err := net.SplitHostPort(viper.GetString("server.bind")); err != nil {
				fmt.Fprintf(os.Stderr, "Warning: cannot determine local server port from config; using \"%s\"\n", statsPort)
			} else {
				statsPort = port
			}
			disableTLS = disableTLS || !viper.GetBool("tls.useTls")
			skipTLSVerification = true
			statsPassword = viper.GetString("server.statsPassword")
			if !disableTLS {
				fmt.Fprintln(os.Stderr, "Skipping TLS verification for local server query")
			}
		}
		return getStats(cmd.OutOrStdout(), host)
	},
}

func init() {
	RootCmd.AddCommand(statsCmd)
	statsCmd.Flags().StringVarP(&statsPort, "port", "P", "6837", "port of the server to query stats for")
	statsCmd.Flags().BoolVarP(&disableTLS, "disable-tls", "d", false, "disable connecting over TLS")
	statsCmd.Flags().BoolVarP(&skipTLSVerification, "no-tls-verify", "n", false, "skip TLS verification\n    This is insecure, an attacker can get your password, and you should only use this for testing")
	statsCmd.Flags().StringVarP(&statsServerCertificate, "server-certificate", "s", "", "file containing the PEM encoded certificate to use for server verification, instead of the system's certificate store")
	statsCmd.Flags().BoolVarP(&promptForPassword, "prompt-for-password", "p", false, "prompt for the server's stats password\n    If unset, the password is the same as the local server's.")
}

func getStats(out io.Writer, statsHost string) error {
	if promptForPassword {
		fmt.Printf("Password: ")
		pass, err := gopass.GetPasswd()
		if err != nil {
			return err
		}
		statsPassword = string(pass)
	}

	if statsPassword == "" {
		statsPassword = os.Getenv("AJAXCHAND_STATS_PASSWORD")
	}

	if statsPassword == "" {
		return errors.New("A stats password is required")
	}

	statsAddr := net.JoinHostPort(statsHost, statsPort)
	u := url.URL{Scheme: "wss", Host: statsAddr, Path: "/ws"}
	dialer := *websocket.DefaultDialer
	if disableTLS {
		u.Scheme = "ws"
	} else {
		var certPool *x509.CertPool
		if statsServerCertificate != "" {
			cert, err := os.ReadFile(statsServerCertificate)
			if err != nil {
				return errors.Wrap(err, "Open server certificate")
			}
			certPool = x509.NewCertPool()
			certPool.AppendCertsFromPEM(cert)
		}
		dialer.TLSClientConfig = &tls.Config{
			InsecureSkipVerify: skipTLSVerification,
			RootCAs:            certPool,
		}
	}

	conn, _, err := dialer.Dial(u.String(), nil)
	if err != nil {
		return errors.Wrap(err, "Connect to ajaxchand server")
	}
	defer conn.Close()

	stats, err := requestStats(conn, statsPassword)
	if err != nil {
		return err
	}

	// Don't display the default port in the output.
	friendlyAddr := statsHost
	if statsPort != "6837" {
		friendlyAddr = statsAddr
	}
	printStats(out, friendlyAddr, stats)
	return nil
}

// requestStats sends a stat request on conn, and waits for the stats.
func requestStats(conn *websocket.Conn, password string) (server.Stats, error) {
	err := conn.WriteJSON(server.ClientStatMessage{
		GenericClientMessage: server.GenericClientMessage{
			Type: "stat",
		},
		Password: password,
	})
	if err != nil {
		return server.Stats{}, errors.Wrap(err, "Request stats")
	}

	// Leave time for the server's wrong password delay.
	conn.SetReadDeadline(time.Now().Add(15 * time.Second))

	messages := map[string]func() server.Message{
		"error": func() server.Message { return &server.ClientErrorResponse{} },
		"stats": func() server.Message { return &server.ClientStatsResponse{} },
	}

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				return server.Stats{}, errors.New("Connection closed by remote host")
			}
			return server.Stats{}, errors.Wrap(err, "Get stats response from server")
		}
		var unknownMSG server.GenericClientMessage
		if err := json.Unmarshal(raw, &unknownMSG); err != nil {
			return server.Stats{}, errors.Wrap(err, "Get stats response from server")
		}
		if messages[unknownMSG.Type] == nil {
			// Ignore all unknown messages
			continue
		}

		msg := messages[unknownMSG.Type]()
		if err := json.Unmarshal(raw, msg); err != nil {
			return server.Stats{}, errors.Wrap(err, "Get stats response from server")
		}

		switch msg := msg.(type) {
		case *server.ClientErrorResponse:
			return server.Stats{}, errors.Errorf("Server returned an error: %s", msg.Error)
		case *server.ClientStatsResponse:
			return msg.Stats, nil
		}
	}
}

func printStats(out io.Writer, addr string, stats server.Stats) {
	fmt.Fprintf(out, `Stats for %s:
Uptime: %s

Number of clients: %s
Max clients: %s, %s (%s)
Channels used: %s
`, addr, stats.Uptime.Round(time.Second),
		humanize.Comma(int64(stats.NumClients)),
		humanize.Comma(int64(stats.MaxClients)), humanize.Time(stats.MaxClientsTime), stats.MaxClientsTime.Format(time.RFC1123),
		humanize.Comma(int64(stats.NumChannels)))

	if len(stats.Requests) == 0 {
		return
	}
	outcomes := make([]string, 0, len(stats.Requests))
	for outcome := range stats.Requests {
		outcomes = append(outcomes, outcome)
	}
	sort.Strings(outcomes)
	fmt.Fprintln(out, "\nRequests:")
	for _, outcome := range outcomes {
		fmt.Fprintf(out, "  %s: %s\n", outcome, humanize.Comma(int64(stats.Requests[outcome])))
	}
}
