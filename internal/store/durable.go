package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/marketbeam/tickstore/internal/candle"
	"github.com/marketbeam/tickstore/internal/interval"
)

// ErrNoData is returned by queries that found nothing to report, so callers
// can distinguish "no candles" from a zero value.
var ErrNoData = errors.New("no data in requested range")

// PersistenceTimeoutError reports a durable write that exceeded its latency
// bound. The candle remains committed in the hot cache; the write is retried
// asynchronously.
type PersistenceTimeoutError struct {
	Key    Key
	Bucket time.Time
}

func (e *PersistenceTimeoutError) Error() string {
	return fmt.Sprintf("durable write timed out for %s %s bucket %s",
		e.Key.Instrument, e.Key.Granularity, e.Bucket)
}

// Key identifies one candle series.
type Key struct {
	Instrument  string
	Granularity interval.Granularity
}

func (k Key) String() string {
	return k.Instrument + "/" + k.Granularity.String()
}

// Durable is the append-only persistence layer behind the hot cache. Records
// are self-describing and replayable in order; a backend must detect a
// conflicting re-append of an existing bucket and return
// *candle.DuplicateBucketError rather than overwrite.
type Durable interface {
	// Append persists one finalized candle. Appending an identical candle
	// again is a no-op.
	Append(ctx context.Context, c candle.Candle) error
	// Replace overwrites the candle for an existing bucket. It is the only
	// sanctioned mutation of persisted data.
	Replace(ctx context.Context, c candle.Candle) error
	// LoadRange returns candles with bucket start in [from, to), ascending.
	LoadRange(ctx context.Context, key Key, from, to time.Time) ([]candle.Candle, error)
	// LoadLatest returns the most recent n candles, oldest first.
	LoadLatest(ctx context.Context, key Key, n int) ([]candle.Candle, error)
	// Keys enumerates every series the backend holds.
	Keys(ctx context.Context) ([]Key, error)
	Close() error
}
