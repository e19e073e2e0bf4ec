// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package subscription

import "github.com/prometheus/client_golang/prometheus"

// Metrics are the broker's Prometheus collectors. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	subscribers *prometheus.GaugeVec
	broadcasts  *prometheus.CounterVec
	deliveries  *prometheus.CounterVec
	evictions   prometheus.Counter
	replays     *prometheus.CounterVec
}

// NewMetrics creates the broker collectors and registers them with
// registerer.
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	metrics := &Metrics{
		subscribers: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "clusterio",
			Subsystem: "subscription",
			Name:      "subscribers",
			Help:      "Links currently subscribed, by event.",
		}, []string{"event"}),
		broadcasts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "clusterio",
			Subsystem: "subscription",
			Name:      "broadcasts_total",
			Help:      "Events broadcast, by event.",
		}, []string{"event"}),
		deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "clusterio",
			Subsystem: "subscription",
			Name:      "deliveries_total",
			Help:      "Events queued to subscribed links, by event.",
		}, []string{"event"}),
		evictions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "clusterio",
			Subsystem: "subscription",
			Name:      "evictions_total",
			Help:      "Subscription entries removed because their link closed.",
		}),
		replays: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "clusterio",
			Subsystem: "subscription",
			Name:      "replays_total",
			Help:      "Replay handler invocations, by event and result.",
		}, []string{"event", "result"}),
	}
	registerer.MustRegister(
		metrics.subscribers,
		metrics.broadcasts,
		metrics.deliveries,
		metrics.evictions,
		metrics.replays,
	)
	return metrics
}

func (m *Metrics) setSubscribers(event string, count int) {
	if m == nil {
		return
	}
	m.subscribers.WithLabelValues(event).Set(float64(count))
}

func (m *Metrics) broadcast(event string, delivered int) {
	if m == nil {
		return
	}
	m.broadcasts.WithLabelValues(event).Inc()
	m.deliveries.WithLabelValues(event).Add(float64(delivered))
}

func (m *Metrics) evicted(count int) {
	if m == nil {
		return
	}
	m.evictions.Add(float64(count))
}

func (m *Metrics) replay(event, result string) {
	if m == nil {
		return
	}
	m.replays.WithLabelValues(event, result).Inc()
}
