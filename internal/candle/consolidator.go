package candle

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/marketbeam/tickstore/internal/interval"
	"github.com/marketbeam/tickstore/internal/logger"
	"github.com/marketbeam/tickstore/internal/metrics"
)

// SourceRollup marks candles derived from finer candles by consolidation.
const SourceRollup = "rollup"

// ConsolidatorConfig wires the roll-up engine. Store may be nil when the
// consolidator is used purely for batch derivation.
type ConsolidatorConfig struct {
	Base    interval.Granularity
	Targets []interval.Granularity
	Store   Sink
	Events  Events
	Metrics *metrics.Metrics
	Logger  *zap.SugaredLogger
}

// Consolidator rolls finalized base candles up into coarser granularities.
// It works incrementally (Feed, as each base candle finalizes) and in bulk
// (Consolidate / Backfill); both paths produce identical coarse candles for
// the same input.
type Consolidator struct {
	base    interval.Granularity
	targets []interval.Granularity
	store   Sink
	events  Events
	metrics *metrics.Metrics
	log     *zap.SugaredLogger

	// forming state, keyed by instrument then target granularity. The
	// aggregator serializes finalization per instrument but different
	// instruments finalize concurrently, so all access goes through mu.
	// One lock is enough: Feed runs once per base bucket per instrument.
	mu      sync.Mutex
	forming map[string]map[interval.Granularity]*rollupState
}

type rollupState struct {
	candle   Candle
	lastBase time.Time
	count    int
	gapped   bool
}

func NewConsolidator(cfg ConsolidatorConfig) (*Consolidator, error) {
	if !cfg.Base.Valid() {
		return nil, fmt.Errorf("consolidator base granularity %q: %w", cfg.Base, interval.ErrUnsupported)
	}
	if len(cfg.Targets) == 0 {
		cfg.Targets = interval.Coarser()
	}
	for _, g := range cfg.Targets {
		if !g.MultipleOf(cfg.Base) {
			return nil, fmt.Errorf("target granularity %s is not a multiple of %s", g, cfg.Base)
		}
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.New()
	}
	if cfg.Logger == nil {
		cfg.Logger = logger.Nop()
	}
	return &Consolidator{
		base:    cfg.Base,
		targets: cfg.Targets,
		store:   cfg.Store,
		events:  cfg.Events,
		metrics: cfg.Metrics,
		log:     cfg.Logger,
		forming: make(map[string]map[interval.Granularity]*rollupState),
	}, nil
}

// Consolidate derives coarse candles from an ordered run of finer candles.
// All inputs must share one instrument and one granularity. Groups with gaps
// still produce a candle; completeness is the caller's concern, mirroring the
// incremental path's partial finalization.
func (e *Consolidator) Consolidate(fine []Candle, coarse interval.Granularity) ([]Candle, error) {
	if len(fine) == 0 {
		return nil, nil
	}
	fineG := fine[0].Granularity
	if !coarse.MultipleOf(fineG) {
		return nil, fmt.Errorf("cannot consolidate %s candles into %s", fineG, coarse)
	}
	instrument := fine[0].Instrument

	sorted := make([]Candle, len(fine))
	copy(sorted, fine)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].BucketStart.Before(sorted[j].BucketStart) })

	type group struct {
		bucket  time.Time
		candles []Candle
	}
	var groups []group
	for i, c := range sorted {
		if err := c.Validate(); err != nil {
			return nil, fmt.Errorf("invalid candle at index %d: %w", i, err)
		}
		if c.Instrument != instrument {
			return nil, fmt.Errorf("candle at index %d has instrument %s, expected %s", i, c.Instrument, instrument)
		}
		if c.Granularity != fineG {
			return nil, fmt.Errorf("candle at index %d has granularity %s, expected %s", i, c.Granularity, fineG)
		}
		bucket := coarse.Truncate(c.BucketStart)
		if len(groups) == 0 || !groups[len(groups)-1].bucket.Equal(bucket) {
			groups = append(groups, group{bucket: bucket})
		}
		groups[len(groups)-1].candles = append(groups[len(groups)-1].candles, c)
	}

	out := make([]Candle, 0, len(groups))
	for _, g := range groups {
		agg := Candle{
			Instrument:  instrument,
			Granularity: coarse,
			BucketStart: g.bucket,
			Open:        g.candles[0].Open,
			High:        g.candles[0].High,
			Low:         g.candles[0].Low,
			Close:       g.candles[len(g.candles)-1].Close,
			Source:      SourceRollup,
		}
		for _, c := range g.candles {
			if c.High > agg.High {
				agg.High = c.High
			}
			if c.Low < agg.Low {
				agg.Low = c.Low
			}
			agg.Volume += c.Volume
		}
		if err := agg.Validate(); err != nil {
			return nil, fmt.Errorf("invalid consolidated candle for bucket %s: %w", g.bucket, err)
		}
		out = append(out, agg)
	}
	return out, nil
}

// Feed folds one finalized base candle into every forming coarse candle for
// its instrument. Crossing a coarse boundary finalizes the forming candle and
// commits it to the store; a gap in the base sequence is logged and the
// eventual candle flagged as partial rather than blocking the roll-up.
func (e *Consolidator) Feed(ctx context.Context, c Candle) error {
	if c.Granularity != e.base {
		return fmt.Errorf("feed expects %s candles, got %s", e.base, c.Granularity)
	}
	if err := c.Validate(); err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	byTarget, ok := e.forming[c.Instrument]
	if !ok {
		byTarget = make(map[interval.Granularity]*rollupState, len(e.targets))
		e.forming[c.Instrument] = byTarget
	}

	baseDur := e.base.Duration()
	for _, target := range e.targets {
		bucket := target.Truncate(c.BucketStart)
		st, ok := byTarget[target]

		if ok && bucket.Before(st.candle.BucketStart) {
			e.log.Warnw("skipping stale base candle in rollup",
				"instrument", c.Instrument, "target", target,
				"bucket", c.BucketStart, "forming", st.candle.BucketStart)
			continue
		}

		if ok && bucket.After(st.candle.BucketStart) {
			e.finalize(ctx, c.Instrument, target, st)
			ok = false
		}

		if !ok {
			byTarget[target] = &rollupState{
				candle: Candle{
					Instrument:  c.Instrument,
					Granularity: target,
					BucketStart: bucket,
					Open:        c.Open,
					High:        c.High,
					Low:         c.Low,
					Close:       c.Close,
					Volume:      c.Volume,
					Source:      SourceRollup,
				},
				lastBase: c.BucketStart,
				count:    1,
			}
			continue
		}

		if !c.BucketStart.Equal(st.lastBase.Add(baseDur)) {
			// Missing base candles inside this coarse bucket. Keep
			// accumulating so batch and incremental stay equivalent, but
			// remember the hole.
			st.gapped = true
			e.log.Warnw("gap in base candles within rollup bucket",
				"instrument", c.Instrument, "target", target,
				"expected", st.lastBase.Add(baseDur), "got", c.BucketStart)
		}
		if c.High > st.candle.High {
			st.candle.High = c.High
		}
		if c.Low < st.candle.Low {
			st.candle.Low = c.Low
		}
		st.candle.Close = c.Close
		st.candle.Volume += c.Volume
		st.lastBase = c.BucketStart
		st.count++
	}
	return nil
}

// finalize commits a forming coarse candle, flagging incomplete coverage.
func (e *Consolidator) finalize(ctx context.Context, instrument string, target interval.Granularity, st *rollupState) {
	expected := int(target.Duration() / e.base.Duration())
	if st.gapped || st.count < expected {
		e.metrics.PartialRollups.Inc()
		e.log.Warnw("finalizing coarse candle with incomplete coverage",
			"instrument", instrument, "granularity", target,
			"bucket", st.candle.BucketStart, "have", st.count, "want", expected)
	}
	delete(e.forming[instrument], target)

	if e.store != nil {
		if err := e.store.Append(ctx, st.candle); err != nil {
			e.log.Errorw("failed to commit rollup candle",
				"instrument", instrument, "granularity", target,
				"bucket", st.candle.BucketStart, "error", err)
			return
		}
	}
	if e.events != nil {
		e.events.CandleFinalized(st.candle)
	}
}

// Flush finalizes every forming coarse candle for an instrument, e.g. at
// market close when no further base candles will arrive for the session.
func (e *Consolidator) Flush(ctx context.Context, instrument string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	byTarget := e.forming[instrument]
	for target, st := range byTarget {
		e.finalize(ctx, instrument, target, st)
	}
}

// Backfill consolidates a batch of fetched base candles into every target
// granularity and commits both the base candles and the derived ones.
// Re-appending candles the store already holds is a no-op, so overlapping
// fetch windows are safe.
func (e *Consolidator) Backfill(ctx context.Context, fine []Candle) error {
	if len(fine) == 0 {
		return nil
	}
	if e.store == nil {
		return fmt.Errorf("backfill requires a store")
	}
	if err := e.appendBatch(ctx, fine); err != nil {
		return err
	}
	for _, target := range e.targets {
		coarse, err := e.Consolidate(fine, target)
		if err != nil {
			return fmt.Errorf("backfill consolidate to %s: %w", target, err)
		}
		if err := e.appendBatch(ctx, coarse); err != nil {
			return err
		}
	}
	return nil
}

// appendBatch commits candles one by one. A conflicting duplicate is logged
// and skipped: correcting an already-finalized candle takes an explicit
// Replace, never a silent overwrite from a backfill.
func (e *Consolidator) appendBatch(ctx context.Context, candles []Candle) error {
	for _, c := range candles {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		err := e.store.Append(ctx, c)
		if err == nil {
			continue
		}
		var dup *DuplicateBucketError
		if errors.As(err, &dup) {
			e.log.Warnw("backfill candle conflicts with stored candle, keeping stored",
				"instrument", c.Instrument, "granularity", c.Granularity,
				"bucket", c.BucketStart)
			continue
		}
		return fmt.Errorf("backfill append %s %s %s: %w", c.Instrument, c.Granularity, c.BucketStart, err)
	}
	return nil
}
