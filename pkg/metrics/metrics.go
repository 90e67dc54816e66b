/*
 * Copyright (c) 2024. Ant Group. All rights reserved.
 *
 * SPDX-License-Identifier: Apache-2.0
 */

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const (
	namespace = "nydus_ufo"

	coreLabel    = "core_id"
	sourceLabel  = "source"
	outcomeLabel = "outcome"
)

var (
	Registry = prometheus.NewRegistry()

	ResidentBytes = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "resident_bytes",
			Help:      "Bytes of object memory currently populated.",
		},
		[]string{coreLabel},
	)

	Objects = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "objects",
			Help:      "Number of live objects.",
		},
		[]string{coreLabel},
	)

	FaultWorkers = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "fault_workers",
			Help:      "Number of live fault handling workers.",
		},
		[]string{coreLabel},
	)

	Faults = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "faults_total",
			Help:      "Page faults delivered to the core.",
		},
		[]string{coreLabel},
	)

	FaultErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fault_errors_total",
			Help:      "Page faults that could not be resolved.",
		},
		[]string{coreLabel},
	)

	ChunkLoads = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chunk_loads_total",
			Help:      "Chunks loaded, by where their content came from.",
		},
		[]string{coreLabel, sourceLabel},
	)

	PopulateDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "populate_duration_seconds",
			Help:      "Time spent in populate callbacks.",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 10),
		},
		[]string{coreLabel},
	)

	EvictedChunks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "evicted_chunks_total",
			Help:      "Chunks evicted, by what eviction had to do with their content.",
		},
		[]string{coreLabel, outcomeLabel},
	)

	EvictedBytes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "evicted_bytes_total",
			Help:      "Bytes of object memory returned to the kernel by eviction.",
		},
		[]string{coreLabel},
	)
)

func init() {
	Registry.MustRegister(
		ResidentBytes,
		Objects,
		FaultWorkers,
		Faults,
		FaultErrors,
		ChunkLoads,
		PopulateDuration,
		EvictedChunks,
		EvictedBytes,
	)
}

// Forget drops every series of a core that has shut down.
func Forget(coreID string) {
	labels := prometheus.Labels{coreLabel: coreID}
	ResidentBytes.DeletePartialMatch(labels)
	Objects.DeletePartialMatch(labels)
	FaultWorkers.DeletePartialMatch(labels)
	Faults.DeletePartialMatch(labels)
	FaultErrors.DeletePartialMatch(labels)
	ChunkLoads.DeletePartialMatch(labels)
	PopulateDuration.DeletePartialMatch(labels)
	EvictedChunks.DeletePartialMatch(labels)
	EvictedBytes.DeletePartialMatch(labels)
}
