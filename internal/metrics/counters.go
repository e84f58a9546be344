// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

// EngineMetrics holds the event counters the engine increments as it runs.
// Gauges derived from the database live in LifecycleCollector instead.
type EngineMetrics struct {
	ScanRunsTotal            *prometheus.CounterVec
	ActionItemsTotal         *prometheus.CounterVec
	IntegrationRequestsTotal *prometheus.CounterVec
}

func NewEngineMetrics(r *prometheus.Registry) *EngineMetrics {
	m := &EngineMetrics{
		ScanRunsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "warden",
			Subsystem: "scan",
			Name:      "runs_total",
			Help:      "Total number of scan runs by library and outcome",
		}, []string{"library_id", "library_name", "outcome"}),
		ActionItemsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "warden",
			Subsystem: "action",
			Name:      "items_total",
			Help:      "Total number of items acted on by library, action and outcome",
		}, []string{"library_id", "library_name", "action", "outcome"}),
		IntegrationRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "warden",
			Subsystem: "integration",
			Name:      "requests_total",
			Help:      "Total number of integration requests by service, operation and outcome",
		}, []string{"integration", "operation", "outcome"}),
	}

	r.MustRegister(m.ScanRunsTotal)
	r.MustRegister(m.ActionItemsTotal)
	r.MustRegister(m.IntegrationRequestsTotal)
	return m
}

func (m *EngineMetrics) GetScanRunsTotal(libraryID int, libraryName, outcome string) prometheus.Counter {
	return m.ScanRunsTotal.With(prometheus.Labels{
		"library_id":   strconv.Itoa(libraryID),
		"library_name": libraryName,
		"outcome":      outcome,
	})
}

func (m *EngineMetrics) GetActionItemsTotal(libraryID int, libraryName string) *prometheus.CounterVec {
	return m.ActionItemsTotal.MustCurryWith(prometheus.Labels{
		"library_id":   strconv.Itoa(libraryID),
		"library_name": libraryName,
	})
}

func (m *EngineMetrics) GetIntegrationRequestsTotal(integration, operation, outcome string) prometheus.Counter {
	return m.IntegrationRequestsTotal.With(prometheus.Labels{
		"integration": integration,
		"operation":   operation,
		"outcome":     outcome,
	})
}
