// Package broker adapts external market-data providers to the ingestion
// pipeline: historical candle fetches for backfill and live trade streams
// that feed the aggregator as ticks.
package broker

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/marketbeam/tickstore/internal/candle"
	"github.com/marketbeam/tickstore/internal/interval"
)

// TickHandler receives each decoded live trade. It must not block; slow
// consumers buffer on their side.
type TickHandler func(candle.Tick)

// Broker is a market-data provider. Implementations translate provider
// symbols, timeframes, and payloads into the engine's types.
type Broker interface {
	Name() string

	// FetchHistorical returns finalized candles with bucket start in
	// [from, to), ascending.
	FetchHistorical(ctx context.Context, instrument string, g interval.Granularity, from, to time.Time) ([]candle.Candle, error)

	// FetchIntraday returns the most recent candles for the current session.
	FetchIntraday(ctx context.Context, instrument string, g interval.Granularity, count int) ([]candle.Candle, error)

	// StreamLive connects to the provider's trade feed and invokes handler
	// for every trade until ctx is cancelled. Reconnection is the
	// implementation's responsibility; StreamLive only returns on ctx
	// cancellation or an unrecoverable error.
	StreamLive(ctx context.Context, instruments []string, handler TickHandler) error
}

// ErrStreamClosed is returned by StreamLive when the feed was shut down from
// the provider side and reconnection is disabled.
var ErrStreamClosed = errors.New("live stream closed")

// retry runs fn with exponential backoff, capped at five minutes. Attempts
// stop early when ctx is done.
func retry(ctx context.Context, log *zap.SugaredLogger, attempts int, delay time.Duration, fn func() error) error {
	backoff := delay
	var err error
	for i := 1; i <= attempts; i++ {
		if err = fn(); err == nil {
			return nil
		}
		log.Warnw("retrying after transient error",
			"attempt", i, "of", attempts, "backoff", backoff, "error", err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		if backoff < 5*time.Minute {
			backoff *= 2
			if backoff > 5*time.Minute {
				backoff = 5 * time.Minute
			}
		}
	}
	return err
}
