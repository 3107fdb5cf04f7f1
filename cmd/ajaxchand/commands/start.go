// Copyright © 2026 Niko Carpenter <niko@nikocarpenter.com>
//
// This source code is governed by the MIT license, which can be found in the LICENSE file.

package commands

import (
	"context"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/n0ot/ajaxchan/pkg/caching"
	"github.com/n0ot/ajaxchan/pkg/channel"
	"github.com/n0ot/ajaxchan/pkg/server"
)

var disableTLS bool

// startCmd represents the start command
var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Starts the ajaxchand server",
	RunE:  runServer,
}

func init() {
	RootCmd.AddCommand(startCmd)

	startCmd.Flags().StringP("bind", "b", "127.0.0.1:6837", "Bind the server to host:port. Leave host empty to bind to all interfaces.")
	viper.BindPFlag("server.bind", startCmd.Flags().Lookup("bind"))
	startCmd.Flags().IntP("time-between-pings", "t", 30, "How often pings should be sent in seconds (0 disables)")
	viper.BindPFlag("server.timeBetweenPings", startCmd.Flags().Lookup("time-between-pings"))
	startCmd.Flags().IntP("pings-until-timeout", "p", 2, "Number of pings that can pass before inactive clients are dropped (0 disables timeout)")
	viper.BindPFlag("server.pingsUntilTimeout", startCmd.Flags().Lookup("pings-until-timeout"))
	startCmd.Flags().StringP("resources", "r", "", "Directory of static resources to serve (empty disables)")
	viper.BindPFlag("resources.dir", startCmd.Flags().Lookup("resources"))
	startCmd.Flags().StringP("log-level", "l", "info", "Log level: debug, info, warn or error")
	viper.BindPFlag("log.level", startCmd.Flags().Lookup("log-level"))
	startCmd.Flags().BoolVarP(&disableTLS, "disable-tls", "d", false, "Overrides config option to enable TLS")

	setDefaults()
}

// setDefaults sets the defaults of options without a flag.
func setDefaults() {
	viper.SetDefault("server.statsPassword", "")
	viper.SetDefault("server.allowedOrigins", []string{})
	viper.SetDefault("ajax.defaultChannel", "0|s")
	viper.SetDefault("ajax.requestTimeout", "60s")
	viper.SetDefault("ajax.processingTimeout", "60s")
	viper.SetDefault("resources.versionParameter", caching.DefaultVersionParameter)
	viper.SetDefault("resources.version", "lastmodified")
	viper.SetDefault("resources.staticVersion", "")
	viper.SetDefault("resources.cacheSize", 1000)
	viper.SetDefault("tls.useTls", true)
}

func newLogger() (*logrus.Logger, error) {
	log := logrus.New()
	log.Out = os.Stderr
	log.Formatter = new(logrus.TextFormatter)

	level, err := logrus.ParseLevel(viper.GetString("log.level"))
	if err != nil {
		return nil, errors.Wrap(err, "log.level")
	}
	log.Level = level
	return log, nil
}

// newServer configures a server from the loaded configuration.
func newServer(log *logrus.Logger) (*server.Server, error) {
	defaultChannel, err := channel.Parse(viper.GetString("ajax.defaultChannel"))
	if err != nil {
		return nil, errors.Wrap(err, "ajax.defaultChannel")
	}

	srv := &server.Server{
		TimeBetweenPings:  viper.GetDuration("server.timeBetweenPings") * time.Second,
		PingsUntilTimeout: viper.GetInt("server.pingsUntilTimeout"),
		StatsPassword:     viper.GetString("server.statsPassword"),
		AllowedOrigins:    viper.GetStringSlice("server.allowedOrigins"),
		DefaultChannel:    defaultChannel,
		RequestTimeout:    viper.GetDuration("ajax.requestTimeout"),
		ProcessingTimeout: viper.GetDuration("ajax.processingTimeout"),
		Log:               log,
	}

	if dir := os.ExpandEnv(viper.GetString("resources.dir")); dir != "" {
		info, err := os.Stat(dir)
		if err != nil {
			return nil, errors.Wrap(err, "resources.dir")
		}
		if !info.IsDir() {
			return nil, errors.Errorf("resources.dir: %s is not a directory", dir)
		}
		srv.Resources = afero.NewReadOnlyFs(afero.NewBasePathFs(afero.NewOsFs(), dir))
		if srv.Strategy, err = newStrategy(log); err != nil {
			return nil, err
		}
	}
	return srv, nil
}

// newStrategy builds the caching strategy for static resources.
func newStrategy(log *logrus.Logger) (caching.Strategy, error) {
	var version caching.ResourceVersion
	switch kind := strings.ToLower(viper.GetString("resources.version")); kind {
	case "static":
		static := viper.GetString("resources.staticVersion")
		if static == "" {
			static = Version
		}
		version = caching.StaticVersion(static)
	case "lastmodified":
		version = caching.LastModifiedVersion{}
	case "md5":
		version = caching.MessageDigestVersion{Log: log}
	default:
		return nil, errors.Errorf("resources.version: unknown version %q; want static, lastmodified or md5", kind)
	}

	if size := viper.GetInt("resources.cacheSize"); size > 0 {
		if _, ok := version.(caching.StaticVersion); !ok {
			cached, err := caching.NewCachingVersion(version, size)
			if err != nil {
				return nil, errors.Wrap(err, "resources.cacheSize")
			}
			version = cached
		}
	}

	strategy, err := caching.NewQueryStringWithVersionParameter(viper.GetString("resources.versionParameter"), version)
	if err != nil {
		return nil, errors.Wrap(err, "resources.versionParameter")
	}
	return strategy, nil
}

func runServer(cmd *cobra.Command, args []string) error {
	log, err := newLogger()
	if err != nil {
		return err
	}
	srv, err := newServer(log)
	if err != nil {
		return err
	}

	bindAddr := viper.GetString("server.bind")
	certFile := os.ExpandEnv(viper.GetString("tls.certFile"))
	keyFile := os.ExpandEnv(viper.GetString("tls.keyFile"))
	useTLS := viper.GetBool("tls.useTls")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Info("Starting ajaxchand")
	errs := make(chan error, 1)
	go func() {
		if useTLS && !disableTLS {
			errs <- srv.ListenAndServeTLS(bindAddr, certFile, keyFile)
		} else {
			errs <- srv.ListenAndServe(bindAddr)
		}
	}()

	select {
	case err := <-errs:
		return err
	case <-ctx.Done():
	}

	log.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return <-errs
}
