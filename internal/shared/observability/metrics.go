package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics definitions
var (
	FileDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "citystid_file_seconds",
		Help:    "Time spent converting a single city-model file.",
		Buckets: prometheus.DefBuckets,
	}, []string{"theme"})

	FilesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "citystid_files_total",
		Help: "Total number of files handled, by theme and outcome.",
	}, []string{"theme", "status"})

	FeaturesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "citystid_features_total",
		Help: "Total number of feature records emitted.",
	}, []string{"theme"})

	TriangulationFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "citystid_triangulation_failures_total",
		Help: "Total number of polygons that could not be ear-clipped.",
	})

	RasterizeErrorsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "citystid_rasterize_errors_total",
		Help: "Total number of triangles the rasterizer rejected.",
	})

	CodeListCacheHitsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "citystid_codelist_cache_hits_total",
		Help: "Total number of code-list lookups served from cache.",
	})

	CodeListCacheMissesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "citystid_codelist_cache_misses_total",
		Help: "Total number of code-list documents parsed.",
	})

	WatcherEventsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "citystid_watcher_events_total",
		Help: "Total number of file system events received by the watcher.",
	})

	WriteQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "citystid_write_queue_depth",
		Help: "Current number of manifest writes waiting to be persisted.",
	})

	WriteQueueEnqueuedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "citystid_write_queue_enqueued_total",
		Help: "Total number of manifest writes offered to the in-memory queue, by result.",
	}, []string{"result"})

	WriteQueueApplyErrorsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "citystid_write_queue_apply_errors_total",
		Help: "Total number of manifest batch apply errors.",
	})

	WriteQueueProcessedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "citystid_write_queue_processed_total",
		Help: "Total number of manifest writes successfully applied.",
	})

	WriteQueueFlushLatencySeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "citystid_write_queue_flush_seconds",
		Help:    "Latency for applying a manifest write batch.",
		Buckets: prometheus.DefBuckets,
	})
)
