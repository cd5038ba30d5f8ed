// Package metrics exposes the Prometheus instrumentation for the candle
// pipeline: tick drops, finalizations, notifier backpressure and durable-write
// health.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all counters and gauges for the pipeline.
type Metrics struct {
	TicksTotal        prometheus.Counter
	MalformedTicks    prometheus.Counter
	OutOfOrderTicks   prometheus.Counter
	CandlesFinalized  prometheus.Counter
	PartialRollups    prometheus.Counter
	DuplicateAppends  prometheus.Counter
	PersistTimeouts   prometheus.Counter
	PersistRetries    prometheus.Counter
	PersistDegraded   prometheus.Gauge
	NotifierDrops     *prometheus.CounterVec // label: subscriber
	HotCacheEvictions prometheus.Counter
}

// New registers a fresh metrics set on its own registry. Each component gets
// the set injected; nothing is registered globally.
func New() *Metrics {
	return build(prometheus.NewRegistry())
}

// NewWithRegistry registers on the supplied registry, for callers that serve
// several subsystems from one /metrics endpoint.
func NewWithRegistry(reg *prometheus.Registry) *Metrics {
	return build(reg)
}

func build(reg *prometheus.Registry) *Metrics {
	m := &Metrics{
		TicksTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tickstore_ticks_total",
			Help: "Ticks ingested, including dropped ones.",
		}),
		MalformedTicks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tickstore_malformed_ticks_total",
			Help: "Ticks dropped for failing validation.",
		}),
		OutOfOrderTicks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tickstore_out_of_order_ticks_total",
			Help: "Ticks dropped for arriving behind the pending bucket.",
		}),
		CandlesFinalized: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tickstore_candles_finalized_total",
			Help: "Base-granularity candles finalized.",
		}),
		PartialRollups: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tickstore_partial_rollups_total",
			Help: "Coarse candles finalized with gaps in their constituents.",
		}),
		DuplicateAppends: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tickstore_duplicate_appends_total",
			Help: "Conflicting re-appends rejected by the store.",
		}),
		PersistTimeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tickstore_persist_timeouts_total",
			Help: "Durable writes that exceeded the latency bound.",
		}),
		PersistRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tickstore_persist_retries_total",
			Help: "Asynchronous durable-write retry attempts.",
		}),
		PersistDegraded: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tickstore_persist_degraded",
			Help: "1 while the store runs memory-only because persistence is unavailable.",
		}),
		NotifierDrops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tickstore_notifier_dropped_events_total",
			Help: "Events dropped per subscriber due to a full queue.",
		}, []string{"subscriber"}),
		HotCacheEvictions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tickstore_hot_cache_evictions_total",
			Help: "Candles evicted from the in-memory hot window.",
		}),
	}
	reg.MustRegister(
		m.TicksTotal, m.MalformedTicks, m.OutOfOrderTicks, m.CandlesFinalized,
		m.PartialRollups, m.DuplicateAppends, m.PersistTimeouts, m.PersistRetries,
		m.PersistDegraded, m.NotifierDrops, m.HotCacheEvictions,
	)
	return m
}

// Handler serves the registry over HTTP for the /metrics endpoint.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}
