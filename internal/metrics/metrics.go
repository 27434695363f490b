// SPDX-License-Identifier: MIT

// Package metrics holds the cross-package prometheus collectors. Packages
// with purely local counters register them via promauto next to the code
// that increments them; only metrics shared between packages live here.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// BusDroppedTotal counts progress messages superseded by lossy-latest
	// coalescing, per task topic and reason.
	BusDroppedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "vodub",
		Name:      "bus_dropped_total",
		Help:      "Progress messages dropped or superseded per topic and reason",
	}, []string{"topic", "reason"})

	// BusSubscribers tracks live subscribers per task topic.
	BusSubscribers = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "vodub",
		Name:      "bus_subscribers",
		Help:      "Current number of progress bus subscribers",
	}, []string{"topic"})

	// StageTotal counts finished stage executions by stage name and result.
	StageTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "vodub",
		Name:      "stage_total",
		Help:      "Total stage executions by result",
	}, []string{"stage", "result"})

	// StagesRunning tracks the number of stages currently holding a pool slot.
	StagesRunning = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "vodub",
		Name:      "stages_running",
		Help:      "Stages currently executing in the worker pool",
	})

	// GPUTokenWaitSeconds observes time spent waiting for the GPU-exclusive token.
	GPUTokenWaitSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "vodub",
		Name:      "gpu_token_wait_seconds",
		Help:      "Time spent waiting for the GPU serialization token",
		Buckets:   prometheus.ExponentialBuckets(0.1, 2, 10),
	})

	// StateWriteTotal counts state.json writes by result.
	StateWriteTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "vodub",
		Name:      "state_write_total",
		Help:      "Total state.json writes by result",
	}, []string{"result"})
)

// IncBusDrop records a dropped/superseded bus message.
func IncBusDrop(topic, reason string) {
	BusDroppedTotal.WithLabelValues(topic, reason).Inc()
}
