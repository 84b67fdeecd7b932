/*
 *  Copyright (c) 2021 Neil Alexander
 *
 *  This Source Code Form is subject to the terms of the Mozilla Public
 *  License, v. 2.0. If a copy of the MPL was not distributed with this
 *  file, You can obtain one at http://mozilla.org/MPL/2.0/.
 */

package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the collectors of one mail subsystem instance. Tests pass a
// fresh registry, the process uses the default one.
type Metrics struct {
	registry prometheus.Gatherer

	IMAPConnections *prometheus.CounterVec
	IMAPRejected    prometheus.Counter
	IMAPCommands    *prometheus.HistogramVec
	IMAPOpen        prometheus.Gauge
	SMTPDeliveries  *prometheus.CounterVec
	OutboundResults *prometheus.CounterVec
	MXLookups       *prometheus.CounterVec
	PoolReuse       *prometheus.CounterVec
	DKIMGenerated   prometheus.Counter
}

func New(reg prometheus.Registerer, gather prometheus.Gatherer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		registry: gather,
		IMAPConnections: f.NewCounterVec(prometheus.CounterOpts{
			Name: "hostmail_imap_connection_total",
			Help: "Incoming IMAP connections.",
		}, []string{"service"}), // imap, imaps
		IMAPRejected: f.NewCounter(prometheus.CounterOpts{
			Name: "hostmail_imap_connection_rejected_total",
			Help: "IMAP connections closed for exceeding the per-IP limit.",
		}),
		IMAPCommands: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "hostmail_imap_command_duration_seconds",
			Help:    "IMAP command duration and result in seconds.",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.100, 0.5, 1, 5, 10, 20},
		}, []string{"cmd", "result"}), // ok, no, bad, error
		IMAPOpen: f.NewGauge(prometheus.GaugeOpts{
			Name: "hostmail_imap_connections_open",
			Help: "Currently open IMAP connections.",
		}),
		SMTPDeliveries: f.NewCounterVec(prometheus.CounterOpts{
			Name: "hostmail_smtp_delivery_total",
			Help: "Inbound SMTP messages by outcome.",
		}, []string{"result"}), // inbox, sent, rejected, error
		OutboundResults: f.NewCounterVec(prometheus.CounterOpts{
			Name: "hostmail_outbound_delivery_total",
			Help: "Outbound recipient deliveries by outcome.",
		}, []string{"result"}), // sent, failed, ratelimited
		MXLookups: f.NewCounterVec(prometheus.CounterOpts{
			Name: "hostmail_mx_lookup_total",
			Help: "MX resolutions, cached or not.",
		}, []string{"source"}), // cache, dns
		PoolReuse: f.NewCounterVec(prometheus.CounterOpts{
			Name: "hostmail_outbound_pool_total",
			Help: "Outbound connections taken from the pool or dialed.",
		}, []string{"source"}), // pool, dial, stale
		DKIMGenerated: f.NewCounter(prometheus.CounterOpts{
			Name: "hostmail_dkim_keys_generated_total",
			Help: "DKIM key pairs generated.",
		}),
	}
}

// NewDefault registers with the default prometheus registry.
func NewDefault() *Metrics {
	return New(prometheus.DefaultRegisterer, prometheus.DefaultGatherer)
}

// NewIsolated uses a private registry.
func NewIsolated() *Metrics {
	reg := prometheus.NewRegistry()
	return New(reg, reg)
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
