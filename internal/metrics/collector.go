// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package metrics

import (
	"context"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"

	"github.com/autobrr/warden/internal/models"
)

type LifecycleCollector struct {
	itemStore    *models.ItemStore
	libraryStore *models.LibraryStore

	itemsDesc        *prometheus.Desc
	trashItemsDesc   *prometheus.Desc
	trashBytesDesc   *prometheus.Desc
	scrapeErrorsDesc *prometheus.Desc
}

func NewLifecycleCollector(itemStore *models.ItemStore, libraryStore *models.LibraryStore) *LifecycleCollector {
	return &LifecycleCollector{
		itemStore:    itemStore,
		libraryStore: libraryStore,

		itemsDesc: prometheus.NewDesc(
			"warden_library_items",
			"Number of library items by lifecycle state",
			[]string{"library_id", "library_name", "state"},
			nil,
		),
		trashItemsDesc: prometheus.NewDesc(
			"warden_trash_items",
			"Number of items staged in trash awaiting purge by library",
			[]string{"library_id", "library_name"},
			nil,
		),
		trashBytesDesc: prometheus.NewDesc(
			"warden_trash_bytes",
			"Bytes staged in trash awaiting purge by library",
			[]string{"library_id", "library_name"},
			nil,
		),
		scrapeErrorsDesc: prometheus.NewDesc(
			"warden_scrape_errors_total",
			"Total number of scrape errors by type",
			[]string{"type"},
			nil,
		),
	}
}

func (c *LifecycleCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.itemsDesc
	ch <- c.trashItemsDesc
	ch <- c.trashBytesDesc
	ch <- c.scrapeErrorsDesc
}

func (c *LifecycleCollector) reportError(ch chan<- prometheus.Metric, errorType string) {
	ch <- prometheus.MustNewConstMetric(
		c.scrapeErrorsDesc,
		prometheus.CounterValue,
		1,
		errorType,
	)
}

func (c *LifecycleCollector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if c.itemStore == nil || c.libraryStore == nil {
		log.Debug().Msg("Stores are nil, skipping lifecycle metrics collection")
		return
	}

	libraries, err := c.libraryStore.List(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to list libraries for metrics")
		c.reportError(ch, "libraries")
		return
	}

	names := make(map[int]string, len(libraries))
	for _, lib := range libraries {
		names[lib.ID] = lib.Name
	}

	counts, err := c.itemStore.CountByStates(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to count items for metrics")
		c.reportError(ch, "item_counts")
	} else {
		for _, count := range counts {
			ch <- prometheus.MustNewConstMetric(
				c.itemsDesc,
				prometheus.GaugeValue,
				float64(count.Count),
				strconv.Itoa(count.LibraryID),
				names[count.LibraryID],
				string(count.State),
			)
		}
	}

	usage, err := c.itemStore.TrashUsageByLibrary(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to sum trash usage for metrics")
		c.reportError(ch, "trash_usage")
		return
	}

	for _, u := range usage {
		libraryIDStr := strconv.Itoa(u.LibraryID)
		libraryName := names[u.LibraryID]

		ch <- prometheus.MustNewConstMetric(
			c.trashItemsDesc,
			prometheus.GaugeValue,
			float64(u.Items),
			libraryIDStr,
			libraryName,
		)
		ch <- prometheus.MustNewConstMetric(
			c.trashBytesDesc,
			prometheus.GaugeValue,
			float64(u.Bytes),
			libraryIDStr,
			libraryName,
		)
	}
}
