// Copyright (C) 2025 The Warden Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package api

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "warden",
		Subsystem: "api",
		Name:      "requests_total",
		Help:      "Number of API requests served, per method and path.",
	}, []string{"method", "path"})
	metricRequestSeconds = promauto.NewSummaryVec(prometheus.SummaryOpts{
		Namespace: "warden",
		Subsystem: "api",
		Name:      "request_seconds",
		Help:      "Time spent serving API requests, per method and path.",
	}, []string{"method", "path"})
)

func metricsMiddleware(h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t0 := time.Now()
		h.ServeHTTP(w, r)
		metricRequestsTotal.WithLabelValues(r.Method, r.URL.Path).Inc()
		metricRequestSeconds.WithLabelValues(r.Method, r.URL.Path).Observe(time.Since(t0).Seconds())
	})
}
