// Package metrics exposes the proxy's Prometheus metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the session engine.
type Metrics struct {
	// Client side
	ClientReq     prometheus.Counter
	SessAccepted  prometheus.Counter
	SessClosed    prometheus.Counter
	SessPipeline  prometheus.Counter
	SessReadahead prometheus.Counter
	SessLinger    prometheus.Counter
	SessHerd      prometheus.Counter

	// Cache
	CacheHit     prometheus.Counter
	CacheHitPass prometheus.Counter
	CacheMiss    prometheus.Counter

	// Backend side
	BackendRetry prometheus.Counter
	Fetch        prometheus.Counter
	Pass         prometheus.Counter
	Pipe         prometheus.Counter

	// State machine
	Restarts  prometheus.Counter
	Errors    *prometheus.CounterVec
	ReqDur    prometheus.Histogram
	BusyObjs  prometheus.Gauge
	ParkedSes prometheus.Gauge

	// Storage
	StoreBytes *prometheus.GaugeVec
	StoreFail  *prometheus.CounterVec
}

// New creates and registers all metrics with the given registerer.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		ClientReq: factory.NewCounter(prometheus.CounterOpts{
			Name: "edged_client_req_total",
			Help: "Total client requests started",
		}),
		SessAccepted: factory.NewCounter(prometheus.CounterOpts{
			Name: "edged_sessions_accepted_total",
			Help: "Total client sessions accepted",
		}),
		SessClosed: factory.NewCounter(prometheus.CounterOpts{
			Name: "edged_sessions_closed_total",
			Help: "Total client sessions closed",
		}),
		SessPipeline: factory.NewCounter(prometheus.CounterOpts{
			Name: "edged_sessions_pipeline_total",
			Help: "Requests served from an already-buffered pipeline",
		}),
		SessReadahead: factory.NewCounter(prometheus.CounterOpts{
			Name: "edged_sessions_readahead_total",
			Help: "Sessions that re-entered wait with partial data buffered",
		}),
		SessLinger: factory.NewCounter(prometheus.CounterOpts{
			Name: "edged_sessions_linger_total",
			Help: "Sessions kept on the worker for keepalive linger",
		}),
		SessHerd: factory.NewCounter(prometheus.CounterOpts{
			Name: "edged_sessions_herd_total",
			Help: "Sessions parked on the waiter",
		}),
		CacheHit: factory.NewCounter(prometheus.CounterOpts{
			Name: "edged_cache_hit_total",
			Help: "Cache hits",
		}),
		CacheHitPass: factory.NewCounter(prometheus.CounterOpts{
			Name: "edged_cache_hitpass_total",
			Help: "Hits on hit-for-pass objects",
		}),
		CacheMiss: factory.NewCounter(prometheus.CounterOpts{
			Name: "edged_cache_miss_total",
			Help: "Cache misses",
		}),
		BackendRetry: factory.NewCounter(prometheus.CounterOpts{
			Name: "edged_backend_retry_total",
			Help: "Fetch header retries on recycled backend connections",
		}),
		Fetch: factory.NewCounter(prometheus.CounterOpts{
			Name: "edged_fetch_total",
			Help: "Completed backend body fetches",
		}),
		Pass: factory.NewCounter(prometheus.CounterOpts{
			Name: "edged_pass_total",
			Help: "Requests passed to the backend uncached",
		}),
		Pipe: factory.NewCounter(prometheus.CounterOpts{
			Name: "edged_pipe_total",
			Help: "Sessions switched to pipe mode",
		}),
		Restarts: factory.NewCounter(prometheus.CounterOpts{
			Name: "edged_restarts_total",
			Help: "Request restarts",
		}),
		Errors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "edged_errors_total",
			Help: "Synthesized error responses by status",
		}, []string{"status"}),
		ReqDur: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "edged_request_duration_seconds",
			Help:    "Request duration from parse to completion",
			Buckets: prometheus.DefBuckets,
		}),
		BusyObjs: factory.NewGauge(prometheus.GaugeOpts{
			Name: "edged_busy_objects",
			Help: "Objects currently being fetched",
		}),
		ParkedSes: factory.NewGauge(prometheus.GaugeOpts{
			Name: "edged_parked_sessions",
			Help: "Sessions parked behind busy objects",
		}),
		StoreBytes: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "edged_store_bytes",
			Help: "Bytes in use per object store",
		}, []string{"store"}),
		StoreFail: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "edged_store_alloc_failures_total",
			Help: "Object allocation failures per store",
		}, []string{"store"}),
	}
}
