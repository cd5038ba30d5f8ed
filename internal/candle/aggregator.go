package candle

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/marketbeam/tickstore/internal/interval"
	"github.com/marketbeam/tickstore/internal/logger"
	"github.com/marketbeam/tickstore/internal/metrics"
	"github.com/marketbeam/tickstore/internal/pricecache"
)

// SourceLive marks candles built from the live tick stream.
const SourceLive = "live"

// OutOfOrderTickError reports a tick whose bucket is behind the pending one.
// Such ticks are dropped; they must never reopen a finalized candle.
type OutOfOrderTickError struct {
	Tick          Tick
	PendingBucket time.Time
}

func (e *OutOfOrderTickError) Error() string {
	return fmt.Sprintf("out-of-order tick for %s at %s: pending bucket starts %s",
		e.Tick.Instrument, e.Tick.EventTime, e.PendingBucket)
}

// Sink receives finalized candles. *store.Store satisfies it.
type Sink interface {
	Append(ctx context.Context, c Candle) error
}

// PriceUpdater receives every valid tick regardless of candle state.
// *pricecache.Cache satisfies it.
type PriceUpdater interface {
	Update(instrument string, price float64, volume int64, observedAt time.Time) bool
}

// Events receives pipeline notifications. *notifier.Bus satisfies it.
type Events interface {
	CandleUpdated(c Candle)
	CandleFinalized(c Candle)
	PriceUpdated(s pricecache.Snapshot)
}

// Rollup receives finalized base candles for consolidation into coarser
// granularities. *Consolidator satisfies it.
type Rollup interface {
	Feed(ctx context.Context, c Candle) error
}

// AggregatorConfig wires the aggregator's collaborators. Store and Prices are
// required; Events and Rollup may be nil.
type AggregatorConfig struct {
	Base    interval.Granularity
	Store   Sink
	Prices  PriceUpdater
	Events  Events
	Rollup  Rollup
	Metrics *metrics.Metrics
	Logger  *zap.SugaredLogger
}

// Aggregator turns the tick stream into finalized base-granularity candles,
// holding exactly one mutable pending candle per instrument. Ingest calls for
// the same instrument are serialized by a per-instrument mutex; different
// instruments proceed independently.
type Aggregator struct {
	base    interval.Granularity
	store   Sink
	prices  PriceUpdater
	events  Events
	rollup  Rollup
	metrics *metrics.Metrics
	log     *zap.SugaredLogger

	mu     sync.RWMutex
	states map[string]*instrumentState
}

type instrumentState struct {
	mu      sync.Mutex
	pending *Candle
}

func NewAggregator(cfg AggregatorConfig) (*Aggregator, error) {
	if !cfg.Base.Valid() {
		return nil, fmt.Errorf("aggregator base granularity %q: %w", cfg.Base, interval.ErrUnsupported)
	}
	if cfg.Store == nil {
		return nil, fmt.Errorf("aggregator requires a store")
	}
	if cfg.Prices == nil {
		return nil, fmt.Errorf("aggregator requires a price cache")
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.New()
	}
	if cfg.Logger == nil {
		cfg.Logger = logger.Nop()
	}
	return &Aggregator{
		base:    cfg.Base,
		store:   cfg.Store,
		prices:  cfg.Prices,
		events:  cfg.Events,
		rollup:  cfg.Rollup,
		metrics: cfg.Metrics,
		log:     cfg.Logger,
		states:  make(map[string]*instrumentState),
	}, nil
}

func (a *Aggregator) state(instrument string) *instrumentState {
	a.mu.RLock()
	st, ok := a.states[instrument]
	a.mu.RUnlock()
	if ok {
		return st
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if st, ok = a.states[instrument]; ok {
		return st
	}
	st = &instrumentState{}
	a.states[instrument] = st
	return st
}

// Ingest folds one tick into the pending candle for its instrument. The
// latest-price cache is updated for every valid tick, even when the candle
// path rejects it. Errors are per-tick: callers log them and move on.
func (a *Aggregator) Ingest(ctx context.Context, tick Tick) error {
	a.metrics.TicksTotal.Inc()

	if err := tick.Validate(); err != nil {
		a.metrics.MalformedTicks.Inc()
		a.log.Warnw("dropping malformed tick", "instrument", tick.Instrument, "error", err)
		return err
	}

	// Price snapshot first: it must advance even if the bucket logic below
	// drops the tick.
	if a.prices.Update(tick.Instrument, tick.Price, tick.Volume, tick.EventTime.UTC()) && a.events != nil {
		a.events.PriceUpdated(pricecache.Snapshot{
			Instrument: tick.Instrument,
			Price:      tick.Price,
			Volume:     tick.Volume,
			ObservedAt: tick.EventTime.UTC(),
		})
	}

	bucket := a.base.Truncate(tick.EventTime)
	st := a.state(tick.Instrument)
	st.mu.Lock()
	defer st.mu.Unlock()

	switch {
	case st.pending == nil:
		st.pending = a.open(tick, bucket)

	case bucket.Equal(st.pending.BucketStart):
		a.merge(st.pending, tick)

	case bucket.After(st.pending.BucketStart):
		a.finalizeLocked(ctx, st)
		st.pending = a.open(tick, bucket)

	default:
		// Tick belongs to an already-closed bucket.
		a.metrics.OutOfOrderTicks.Inc()
		err := &OutOfOrderTickError{Tick: tick, PendingBucket: st.pending.BucketStart}
		a.log.Warnw("dropping out-of-order tick",
			"instrument", tick.Instrument,
			"event_time", tick.EventTime,
			"pending_bucket", st.pending.BucketStart)
		return err
	}

	if a.events != nil {
		a.events.CandleUpdated(*st.pending)
	}
	return nil
}

func (a *Aggregator) open(tick Tick, bucket time.Time) *Candle {
	return &Candle{
		Instrument:  tick.Instrument,
		Granularity: a.base,
		BucketStart: bucket,
		Open:        tick.Price,
		High:        tick.Price,
		Low:         tick.Price,
		Close:       tick.Price,
		Volume:      tick.Volume,
		Source:      SourceLive,
	}
}

func (a *Aggregator) merge(pending *Candle, tick Tick) {
	if tick.Price > pending.High {
		pending.High = tick.Price
	}
	if tick.Price < pending.Low {
		pending.Low = tick.Price
	}
	pending.Close = tick.Price
	pending.Volume += tick.Volume
}

// finalizeLocked commits the pending candle and clears it. The caller holds
// the instrument lock.
func (a *Aggregator) finalizeLocked(ctx context.Context, st *instrumentState) {
	c := *st.pending
	st.pending = nil

	if err := a.store.Append(ctx, c); err != nil {
		// Isolated to this bucket: the conflicting or failed candle is logged
		// and the stream moves on. The store counts duplicate conflicts.
		a.log.Errorw("failed to commit finalized candle",
			"instrument", c.Instrument, "bucket", c.BucketStart, "error", err)
		return
	}
	a.metrics.CandlesFinalized.Inc()
	if a.events != nil {
		a.events.CandleFinalized(c)
	}
	if a.rollup != nil {
		if err := a.rollup.Feed(ctx, c); err != nil {
			a.log.Warnw("rollup rejected finalized candle",
				"instrument", c.Instrument, "bucket", c.BucketStart, "error", err)
		}
	}
}

// Pending returns a copy of the open candle for an instrument, if any.
// Chart consumers use it to render the forming bar.
func (a *Aggregator) Pending(instrument string) (Candle, bool) {
	st := a.state(instrument)
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.pending == nil {
		return Candle{}, false
	}
	return *st.pending, true
}

// Flush finalizes the pending candle for one instrument immediately, without
// waiting for a boundary-crossing tick. Used at session end.
func (a *Aggregator) Flush(ctx context.Context, instrument string) {
	st := a.state(instrument)
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.pending != nil {
		a.finalizeLocked(ctx, st)
	}
}

// FlushAll finalizes every pending candle. Called at shutdown so that at most
// in-flight ticks, not whole buckets, are lost.
func (a *Aggregator) FlushAll(ctx context.Context) {
	a.mu.RLock()
	instruments := make([]string, 0, len(a.states))
	for name := range a.states {
		instruments = append(instruments, name)
	}
	a.mu.RUnlock()
	for _, name := range instruments {
		a.Flush(ctx, name)
	}
}
