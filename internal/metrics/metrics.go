// Package metrics exposes Prometheus instrumentation for the tile pipeline.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	TilesProcessed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "fiberorient3d_tiles_processed_total",
			Help: "Total number of tiles merged into the global output maps",
		},
	)

	TileFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fiberorient3d_tile_failures_total",
			Help: "Total number of per-tile failures by failure state",
		},
		[]string{"state"},
	)

	TileRetries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "fiberorient3d_tile_retries_total",
			Help: "Total number of tile retry attempts",
		},
	)

	TileDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "fiberorient3d_tile_duration_seconds",
			Help:    "End-to-end processing duration per tile",
			Buckets: prometheus.DefBuckets,
		},
	)

	NonFiniteVoxels = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "fiberorient3d_nonfinite_voxels_total",
			Help: "Total number of non-finite input voxels zeroed during filtering",
		},
	)
)
