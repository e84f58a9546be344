// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog/log"

	"github.com/autobrr/warden/internal/models"
)

type MetricsManager struct {
	registry           *prometheus.Registry
	lifecycleCollector *LifecycleCollector
	engineMetrics      *EngineMetrics
}

func NewMetricsManager(itemStore *models.ItemStore, libraryStore *models.LibraryStore) *MetricsManager {
	registry := prometheus.NewRegistry()

	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	lifecycleCollector := NewLifecycleCollector(itemStore, libraryStore)
	registry.MustRegister(lifecycleCollector)

	engineMetrics := NewEngineMetrics(registry)

	log.Info().Msg("Metrics manager initialized with lifecycle collector")

	return &MetricsManager{
		registry:           registry,
		lifecycleCollector: lifecycleCollector,
		engineMetrics:      engineMetrics,
	}
}

func (m *MetricsManager) GetRegistry() *prometheus.Registry {
	return m.registry
}

func (m *MetricsManager) Engine() *EngineMetrics {
	return m.engineMetrics
}
