// Copyright © 2026 Niko Carpenter <niko@nikocarpenter.com>
//
// This source code is governed by the MIT license, which can be found in the LICENSE file.

// Package server implements an AJAX channel gateway.
// Clients connect over a websocket, and send requests on named channels;
// each channel either queues its requests, or drops them while busy.
package server

import (
	"context"
	"crypto/tls"
	"encoding/json"
	stdlog "log"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"github.com/n0ot/ajaxchan/pkg/caching"
	"github.com/n0ot/ajaxchan/pkg/channel"
	"github.com/n0ot/ajaxchan/pkg/metrics"
	"github.com/n0ot/ajaxchan/pkg/queue"
)

// Server contains state for an AJAX channel gateway.
// Set its fields before calling Handler or one of the Serve methods, and don't change them afterward.
type Server struct {
	// TimeBetweenPings specifies the amount of time that will elapse before clients will be sent a ping.
	// If 0, no pings will be sent.
	TimeBetweenPings time.Duration

	// PingsUntilTimeout specifies the number of pings to be sent before unresponsive clients will be kicked.
	// If TimeBetweenPings is 0, this field has no effect.
	PingsUntilTimeout int

	// TLSConfig optionally provides a TLS configuration for use by ListenAndServeTLS.
	TLSConfig *tls.Config

	// StatsPassword sets the password for retrieving stats. If empty, stats are disabled.
	StatsPassword string

	// AllowedOrigins lists the origins allowed to open websockets, besides the server's own.
	// "*" allows every origin.
	AllowedOrigins []string

	// DefaultChannel is used by requests that don't name a channel.
	// If zero, queue.DefaultChannel is used.
	DefaultChannel channel.Channel

	// RequestTimeout and ProcessingTimeout bound how long a request may occupy its channel,
	// unless the request sets its own. If 0, the queue package's defaults are used.
	RequestTimeout    time.Duration
	ProcessingTimeout time.Duration

	// Resources holds the static resources served under ResourcesPath. If nil, none are served.
	Resources afero.Fs

	// Strategy decorates resource URLs and responses. If nil, resources are served uncached.
	Strategy caching.Strategy

	Log *logrus.Logger

	initOnce   sync.Once
	registry   *registry
	metrics    *metrics.Metrics
	observer   queue.Observer
	upgrader   websocket.Upgrader
	handler    http.Handler
	lock       sync.Mutex // Protects httpServer and shutdown
	httpServer *http.Server
	shutdown   bool
}

func (srv *Server) init() {
	srv.initOnce.Do(func() {
		if srv.Log == nil {
			srv.Log = logrus.StandardLogger()
		}
		srv.registry = newRegistry()
		srv.metrics = metrics.New()
		srv.observer = queue.ObserverFunc(func(c channel.Channel, o queue.Outcome) {
			srv.registry.Observe(c, o)
			srv.metrics.Observe(c, o)
		})
		srv.upgrader = websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     srv.checkOrigin,
		}

		mux := http.NewServeMux()
		mux.HandleFunc("/ws", srv.serveClient)
		mux.HandleFunc(ResourcesPath, srv.serveResource)
		mux.HandleFunc("/health", srv.serveHealth)
		mux.Handle("/metrics", srv.metrics.Handler())
		srv.handler = mux
	})
}

// Handler returns the server's HTTP handler.
func (srv *Server) Handler() http.Handler {
	srv.init()
	return srv.handler
}

// Stats gets stats for this server.
func (srv *Server) Stats() Stats {
	srv.init()
	return srv.registry.Stats()
}

// ListenAndServe listens for connections on the network, and serves them.
func (srv *Server) ListenAndServe(addr string) error {
	srv.init()
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return errors.Wrap(err, "Listen")
	}
	defer listener.Close()

	srv.Log.WithFields(logrus.Fields{
		"addr":        addr,
		"tls_enabled": false,
	}).Info("Listening for incoming connections")
	return srv.Serve(listener)
}

// ListenAndServeTLS behaves just like ListenAndServe, but wraps the connection with TLS.
func (srv *Server) ListenAndServeTLS(addr, certFile, keyFile string) error {
	srv.init()
	if certFile != "" && keyFile != "" {
		cert, err := tls.LoadX509KeyPair(certFile, keyFile)
		if err != nil {
			return errors.Wrap(err, "Load X.509 key pair")
		}
		srv.TLSConfig = &tls.Config{Certificates: []tls.Certificate{cert}}
	}
	if srv.TLSConfig == nil {
		return errors.New("No TLSConfig set in server, and no certFile/keyFile given")
	}

	listener, err := tls.Listen("tcp", addr, srv.TLSConfig)
	if err != nil {
		return errors.Wrap(err, "Listen TLS")
	}
	defer listener.Close()

	srv.Log.WithFields(logrus.Fields{
		"addr":        addr,
		"tls_enabled": true,
	}).Info("Listening for incoming connections")
	return srv.Serve(listener)
}

// Serve serves the gateway on listener until Shutdown is called.
func (srv *Server) Serve(listener net.Listener) error {
	srv.init()
	srv.Log.WithFields(logrus.Fields{
		"time_between_pings":  srv.TimeBetweenPings,
		"pings_until_timeout": srv.PingsUntilTimeout,
		"default_channel":     srv.defaultChannel().String(),
	}).Info("Server started")

	errorLog := srv.Log.WriterLevel(logrus.ErrorLevel)
	defer errorLog.Close()
	httpServer := &http.Server{
		Handler:           srv.handler,
		ReadHeaderTimeout: 10 * time.Second,
		ErrorLog:          stdlog.New(errorLog, "", 0),
	}
	srv.lock.Lock()
	if srv.shutdown {
		srv.lock.Unlock()
		return nil
	}
	srv.httpServer = httpServer
	srv.lock.Unlock()

	stopPings := make(chan struct{})
	defer close(stopPings)
	go srv.pingLoop(stopPings)

	if err := httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
		return errors.Wrap(err, "Serve")
	}
	return nil
}

// Shutdown stops accepting connections, and waits for open HTTP requests to finish.
// Websocket clients are disconnected.
func (srv *Server) Shutdown(ctx context.Context) error {
	srv.init()
	srv.lock.Lock()
	httpServer := srv.httpServer
	srv.shutdown = true
	srv.lock.Unlock()

	srv.registry.each(func(c *client) {
		c.stop("Server shutting down")
	})
	if httpServer == nil {
		return nil
	}
	return errors.Wrap(httpServer.Shutdown(ctx), "Shutdown")
}

// pingLoop periodically pings clients until stop is closed.
func (srv *Server) pingLoop(stop <-chan struct{}) {
	// If TimeBetweenPings is 0,
	// pingsCH will remain nil, and clients will not be pinged.
	var pingsCH <-chan time.Time
	if srv.TimeBetweenPings > 0 {
		ticker := time.NewTicker(srv.TimeBetweenPings)
		defer ticker.Stop()
		pingsCH = ticker.C
	}

	for {
		select {
		case <-pingsCH:
			srv.pingClients()
		case <-stop:
			return
		}
	}
}

// pingClients pings every client, and kicks those that haven't replied to PingsUntilTimeout pings.
func (srv *Server) pingClients() {
	var timeout time.Duration
	if srv.PingsUntilTimeout > 0 {
		timeout = srv.TimeBetweenPings * time.Duration(srv.PingsUntilTimeout)
	}
	srv.registry.each(func(c *client) {
		c.ping(timeout)
	})
}

func (srv *Server) defaultChannel() channel.Channel {
	if srv.DefaultChannel.IsZero() {
		return queue.DefaultChannel
	}
	return srv.DefaultChannel
}

// checkOrigin allows websockets from the server's own host, and from AllowedOrigins.
func (srv *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	if strings.EqualFold(u.Host, r.Host) {
		return true
	}
	for _, allowed := range srv.AllowedOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
	}
	return false
}

type healthResponse struct {
	Status     string `json:"status"`
	Uptime     string `json:"uptime"`
	NumClients int    `json:"num_clients"`
}

func (srv *Server) serveHealth(w http.ResponseWriter, r *http.Request) {
	stats := srv.registry.Stats()
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(healthResponse{
		Status:     "ok",
		Uptime:     stats.Uptime.Round(time.Second).String(),
		NumClients: stats.NumClients,
	})
}
