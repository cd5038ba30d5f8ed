// Package candle holds the canonical market-data types and the two engines
// that produce candles: the live tick aggregator and the roll-up consolidator.
package candle

import (
	"errors"
	"fmt"
	"time"

	"github.com/marketbeam/tickstore/internal/interval"
)

// Tick is a single observed trade or quote event. Ticks are ephemeral; only
// the candles built from them are persisted.
type Tick struct {
	Instrument string    `json:"instrument"`
	Price      float64   `json:"price"`
	Volume     int64     `json:"volume"`
	EventTime  time.Time `json:"event_time"`
}

// MalformedTickError reports a tick that failed validation and was dropped.
type MalformedTickError struct {
	Tick   Tick
	Reason string
}

func (e *MalformedTickError) Error() string {
	return fmt.Sprintf("malformed tick for %s at %s: %s", e.Tick.Instrument, e.Tick.EventTime, e.Reason)
}

// Validate rejects ticks the aggregator must not fold into a candle.
// Zero-volume ticks (index prints, heartbeats) are valid.
func (t Tick) Validate() error {
	switch {
	case t.Instrument == "":
		return &MalformedTickError{Tick: t, Reason: "empty instrument"}
	case t.EventTime.IsZero():
		return &MalformedTickError{Tick: t, Reason: "zero event time"}
	case t.Price <= 0:
		return &MalformedTickError{Tick: t, Reason: "non-positive price"}
	case t.Volume < 0:
		return &MalformedTickError{Tick: t, Reason: "negative volume"}
	}
	return nil
}

// DuplicateBucketError reports an attempt to append a candle that conflicts
// with an already-finalized candle for the same (instrument, granularity,
// bucket) key. Re-appending an identical candle is a no-op instead.
type DuplicateBucketError struct {
	Existing Candle
	Incoming Candle
}

func (e *DuplicateBucketError) Error() string {
	return fmt.Sprintf("duplicate bucket %s %s %s: conflicting candle already finalized",
		e.Existing.Instrument, e.Existing.Granularity, e.Existing.BucketStart)
}

// Candle is an OHLCV aggregate over one bucket. A candle handed to the store
// is finalized and immutable; only the aggregator holds mutable pending ones.
type Candle struct {
	Instrument  string               `json:"instrument"`
	Granularity interval.Granularity `json:"granularity"`
	BucketStart time.Time            `json:"bucket_start"`
	Open        float64              `json:"open"`
	High        float64              `json:"high"`
	Low         float64              `json:"low"`
	Close       float64              `json:"close"`
	Volume      int64                `json:"volume"`
	// Source records provenance ("live", "wallex", "rollup", ...). It is
	// audit metadata and does not participate in Equal.
	Source string `json:"source,omitempty"`
}

// Validate checks the OHLC invariants every stored candle must satisfy.
func (c Candle) Validate() error {
	if c.Instrument == "" {
		return errors.New("candle instrument is empty")
	}
	if !c.Granularity.Valid() {
		return fmt.Errorf("candle granularity %q: %w", c.Granularity, interval.ErrUnsupported)
	}
	if c.BucketStart.IsZero() {
		return errors.New("candle bucket start is zero")
	}
	if !c.BucketStart.Equal(c.Granularity.Truncate(c.BucketStart)) {
		return fmt.Errorf("candle bucket start %s is not aligned to %s", c.BucketStart, c.Granularity)
	}
	if c.Open <= 0 || c.High <= 0 || c.Low <= 0 || c.Close <= 0 {
		return errors.New("candle prices must be positive")
	}
	if c.High < c.Low {
		return errors.New("candle high is below low")
	}
	if c.Open < c.Low || c.Open > c.High {
		return errors.New("candle open is outside [low, high]")
	}
	if c.Close < c.Low || c.Close > c.High {
		return errors.New("candle close is outside [low, high]")
	}
	if c.Volume < 0 {
		return errors.New("candle volume is negative")
	}
	return nil
}

// Equal reports whether two candles carry the same data for the same bucket.
// Source is provenance, not identity, and is ignored.
func (c Candle) Equal(o Candle) bool {
	return c.Instrument == o.Instrument &&
		c.Granularity == o.Granularity &&
		c.BucketStart.Equal(o.BucketStart) &&
		c.Open == o.Open && c.High == o.High &&
		c.Low == o.Low && c.Close == o.Close &&
		c.Volume == o.Volume
}

// BucketEnd returns the exclusive end of the candle's bucket.
func (c Candle) BucketEnd() time.Time {
	return c.BucketStart.Add(c.Granularity.Duration())
}
