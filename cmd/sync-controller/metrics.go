// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import "github.com/prometheus/client_golang/prometheus"

// controllerMetrics are the controller's own collectors. The broker
// registers its collectors separately.
type controllerMetrics struct {
	links   *prometheus.GaugeVec
	saves   *prometheus.CounterVec
	records *prometheus.GaugeVec
}

func newControllerMetrics(registerer prometheus.Registerer) *controllerMetrics {
	metrics := &controllerMetrics{
		links: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "clusterio",
			Subsystem: "controller",
			Name:      "links",
			Help:      "Open links, by remote address kind.",
		}, []string{"kind"}),
		saves: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "clusterio",
			Subsystem: "controller",
			Name:      "store_saves_total",
			Help:      "Store save attempts, by store and result.",
		}, []string{"store", "result"}),
		records: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "clusterio",
			Subsystem: "controller",
			Name:      "store_entries",
			Help:      "Live entries, by store.",
		}, []string{"store"}),
	}
	registerer.MustRegister(metrics.links, metrics.saves, metrics.records)
	return metrics
}
