// Copyright (C) 2025 The Warden Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package root

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricLiveRoots = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "warden",
		Subsystem: "root",
		Name:      "live_roots",
		Help:      "Number of root objects whose services have not yet wound down.",
	})
	metricWatchedRoots = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "warden",
		Subsystem: "root",
		Name:      "watched_roots",
		Help:      "Number of roots currently registered for watching.",
	})
	metricChangesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "warden",
		Subsystem: "root",
		Name:      "changes_processed_total",
		Help:      "Number of change records handed to the view, per root.",
	}, []string{"root"})
	metricRecrawlsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "warden",
		Subsystem: "root",
		Name:      "recrawls_total",
		Help:      "Number of full recrawls performed, per root.",
	}, []string{"root"})
)
