// Copyright (c) 2024 Karl Gaissmaier
// SPDX-License-Identifier: MIT

package main

import "github.com/prometheus/client_golang/prometheus"

type metrics struct {
	ruleCount     prometheus.Gauge
	subtableCount prometheus.Gauge
	lookupLatency prometheus.Histogram
	lookupMiss    prometheus.Counter
}

func newMetrics(reg prometheus.Registerer) *metrics {
	m := &metrics{
		ruleCount: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "classifierctl",
			Name:      "rule_count",
			Help:      "Number of rules currently installed in the classifier.",
		}),
		subtableCount: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "classifierctl",
			Name:      "subtable_count",
			Help:      "Number of distinct masks currently tracked.",
		}),
		lookupLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "classifierctl",
			Name:      "lookup_latency_seconds",
			Help:      "Lookup call latency.",
			Buckets:   prometheus.ExponentialBuckets(1e-7, 4, 12),
		}),
		lookupMiss: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "classifierctl",
			Name:      "lookup_miss_total",
			Help:      "Lookups that matched no rule.",
		}),
	}
	reg.MustRegister(m.ruleCount, m.subtableCount, m.lookupLatency, m.lookupMiss)
	return m
}
