// Copyright © 2026 Niko Carpenter <niko@nikocarpenter.com>
//
// This source code is governed by the MIT license, which can be found in the LICENSE file.

// Package metrics exports channel and client metrics to Prometheus.
package metrics

import (
	"net/http"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/n0ot/ajaxchan/pkg/channel"
	"github.com/n0ot/ajaxchan/pkg/queue"
)

const namespace = "ajaxchan"

// Metrics holds the collectors for one server.
type Metrics struct {
	registry *prometheus.Registry
	requests *prometheus.CounterVec
	clients  prometheus.Gauge
}

// New creates metrics registered with a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		requests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "requests_total",
				Help:      "Count of AJAX requests by channel type and outcome.",
			},
			// Channel names are chosen by clients, so they are not a label.
			[]string{"type", "outcome"},
		),
		clients: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "clients",
			Help:      "Number of connected clients.",
		}),
	}
	m.registry.MustRegister(m.requests, m.clients)
	return m
}

// Observe counts an outcome. It implements queue.Observer.
func (m *Metrics) Observe(c channel.Channel, o queue.Outcome) {
	m.requests.WithLabelValues(strings.ToLower(c.Type().String()), o.String()).Inc()
}

// ClientConnected increments the number of connected clients.
func (m *Metrics) ClientConnected() {
	m.clients.Inc()
}

// ClientDisconnected decrements the number of connected clients.
func (m *Metrics) ClientDisconnected() {
	m.clients.Dec()
}

// Handler serves the metrics in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
