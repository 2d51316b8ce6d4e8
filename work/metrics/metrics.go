package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// ActiveSessions tracks the number of live playback sessions in the registry.
// This metric is a gauge, rising on session creation and falling on close or
// idle sweep.
var ActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "vidgate_active_sessions",
	Help: "Number of live playback sessions",
})

// Resolutions counts source resolution attempts per adapter. The "outcome"
// label distinguishes success from the failure classes (no_source, probe
// failures, redirect loops).
var Resolutions = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "vidgate_resolutions_total",
	Help: "Source resolution attempts",
}, []string{"adapter", "outcome"})

// CacheHits and CacheMisses count segment cache lookups. A miss always
// corresponds to exactly one upstream fetch regardless of how many requests
// are waiting on it, because fetches are single-flight per key.
var (
	CacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "vidgate_segment_cache_hits_total",
		Help: "Segment cache hits",
	})
	CacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "vidgate_segment_cache_misses_total",
		Help: "Segment cache misses",
	})
)

// CacheEvictions counts entries evicted to keep the cache within its byte
// budget. Expired entries dropped on read are counted here as well.
var CacheEvictions = promauto.NewCounter(prometheus.CounterOpts{
	Name: "vidgate_segment_cache_evictions_total",
	Help: "Segment cache evictions",
})

// CacheBytes tracks the current total size of cached segment payloads.
var CacheBytes = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "vidgate_segment_cache_bytes",
	Help: "Current segment cache size in bytes",
})

// UpstreamRetries counts retry attempts consumed by the upstream client,
// labeled by host so flapping sources stand out.
var UpstreamRetries = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "vidgate_upstream_retries_total",
	Help: "Upstream fetch retries",
}, []string{"host"})

// BytesServed counts bytes streamed to the player, labeled by kind
// (manifest or segment).
var BytesServed = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "vidgate_bytes_served_total",
	Help: "Total bytes served to the player",
}, []string{"kind"})

// SessionFallbacks counts segment requests served via direct-URL fallback
// because their session id no longer resolved to a live session.
var SessionFallbacks = promauto.NewCounter(prometheus.CounterOpts{
	Name: "vidgate_session_fallbacks_total",
	Help: "Segment requests served without a live session",
})
