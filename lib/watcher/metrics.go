// Copyright (C) 2025 The Warden Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package watcher

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricBackendEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "warden",
		Subsystem: "watcher",
		Name:      "backend_events_total",
		Help:      "Number of filesystem notifications received, per backend kind.",
	}, []string{"backend"})
	metricBackendOverflowsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "warden",
		Subsystem: "watcher",
		Name:      "backend_overflows_total",
		Help:      "Number of times a backend dropped notifications because its queue overflowed.",
	}, []string{"backend"})
	metricSubtreeWatchers = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "warden",
		Subsystem: "watcher",
		Name:      "subtree_watchers",
		Help:      "Number of live recursive subtree watchers.",
	})
	metricInjectedRecrawlsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "warden",
		Subsystem: "watcher",
		Name:      "injected_recrawls_total",
		Help:      "Number of recrawls injected through the debug interface.",
	})
)
