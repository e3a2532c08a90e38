// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

// Package metrics exports sync engine events as Prometheus metrics.
package metrics

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mobiletoly/go-kiosksync/kiosksync"
)

const defaultNamespace = "kiosk"

// Collector implements kiosksync.Recorder on its own registry
type Collector struct {
	registry *prometheus.Registry

	fetches       *prometheus.CounterVec
	fetchDuration *prometheus.HistogramVec
	sends         *prometheus.CounterVec
	sweeps        *prometheus.CounterVec
	sweepDuration prometheus.Histogram
	sweepSent     prometheus.Counter
	evictions     *prometheus.CounterVec
	queueDepth    *prometheus.GaugeVec
}

var _ kiosksync.Recorder = (*Collector)(nil)

// New creates a collector. An empty namespace defaults to "kiosk".
func New(namespace string) *Collector {
	if namespace == "" {
		namespace = defaultNamespace
	}
	c := &Collector{
		registry: prometheus.NewRegistry(),
		fetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "sync", Name: "fetches_total",
			Help: "Catalog reads by entity and the source that served them.",
		}, []string{"entity", "source"}),
		fetchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "sync", Name: "fetch_duration_seconds",
			Help:    "Latency of catalog reads including cache fallback.",
			Buckets: prometheus.DefBuckets,
		}, []string{"entity"}),
		sends: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "sync", Name: "sends_total",
			Help: "Queue item delivery attempts by item type and outcome.",
		}, []string{"outcome", "type"}),
		sweeps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "sync", Name: "sweeps_total",
			Help: "Queue sweeps by outcome.",
		}, []string{"outcome"}),
		sweepDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "sync", Name: "sweep_duration_seconds",
			Help:    "Duration of queue sweeps that ran.",
			Buckets: prometheus.DefBuckets,
		}),
		sweepSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "sync", Name: "sweep_items_sent_total",
			Help: "Queue items delivered by sweeps.",
		}),
		evictions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "queue", Name: "evictions_total",
			Help: "Telemetry items evicted to keep the queue bounded.",
		}, []string{"type"}),
		queueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "queue", Name: "depth",
			Help: "Queue items waiting for delivery by type.",
		}, []string{"type"}),
	}
	c.registry.MustRegister(
		c.fetches, c.fetchDuration,
		c.sends,
		c.sweeps, c.sweepDuration, c.sweepSent,
		c.evictions, c.queueDepth,
	)
	return c
}

// Registry exposes the underlying registry for extra collectors
func (c *Collector) Registry() *prometheus.Registry { return c.registry }

// Handler serves the registry in the Prometheus exposition format
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

// WatchOnline registers a gauge reporting 1 while online() is true.
func (c *Collector) WatchOnline(namespace string, online func() bool) error {
	if namespace == "" {
		namespace = defaultNamespace
	}
	return c.registry.Register(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace, Subsystem: "sync", Name: "online",
		Help: "1 while the backend is believed reachable.",
	}, func() float64 {
		if online() {
			return 1
		}
		return 0
	}))
}

// Observe records one engine event.
func (c *Collector) Observe(_ context.Context, ev kiosksync.Event) {
	switch ev.Op {
	case kiosksync.MetricsOpFetch:
		c.fetches.WithLabelValues(ev.Subject, ev.Outcome).Inc()
		c.fetchDuration.WithLabelValues(ev.Subject).Observe(ev.Duration.Seconds())
	case kiosksync.MetricsOpSend:
		c.sends.WithLabelValues(ev.Outcome, ev.Subject).Inc()
	case kiosksync.MetricsOpSweep:
		c.sweeps.WithLabelValues(ev.Outcome).Inc()
		if ev.Outcome != kiosksync.OutcomeSkipped {
			c.sweepDuration.Observe(ev.Duration.Seconds())
			c.sweepSent.Add(float64(ev.Count))
		}
	case kiosksync.MetricsOpEvict:
		c.evictions.WithLabelValues(ev.Subject).Add(float64(ev.Count))
	case kiosksync.MetricsOpQueueDepth:
		c.queueDepth.WithLabelValues(ev.Subject).Set(float64(ev.Count))
	}
}
