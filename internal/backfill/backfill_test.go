package backfill

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marketbeam/tickstore/internal/broker"
	"github.com/marketbeam/tickstore/internal/candle"
	"github.com/marketbeam/tickstore/internal/interval"
)

type brokerStub struct {
	mu      sync.Mutex
	candles []candle.Candle
	fails   int
	calls   int
	froms   []time.Time
}

func (b *brokerStub) Name() string { return "stub" }

func (b *brokerStub) FetchHistorical(ctx context.Context, instrument string, g interval.Granularity, from, to time.Time) ([]candle.Candle, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls++
	b.froms = append(b.froms, from)
	if b.fails > 0 {
		b.fails--
		return nil, errors.New("provider unavailable")
	}
	return b.candles, nil
}

func (b *brokerStub) FetchIntraday(ctx context.Context, instrument string, g interval.Granularity, count int) ([]candle.Candle, error) {
	return b.FetchHistorical(ctx, instrument, g, time.Time{}, time.Time{})
}

func (b *brokerStub) StreamLive(ctx context.Context, instruments []string, handler broker.TickHandler) error {
	<-ctx.Done()
	return ctx.Err()
}

type fillerStub struct {
	mu      sync.Mutex
	batches [][]candle.Candle
}

func (f *fillerStub) Backfill(ctx context.Context, fine []candle.Candle) error {
	f.mu.Lock()
	f.batches = append(f.batches, fine)
	f.mu.Unlock()
	return nil
}

type latestStub struct {
	latest []candle.Candle
}

func (l *latestStub) QueryLatestN(ctx context.Context, instrument string, g interval.Granularity, n int) ([]candle.Candle, error) {
	return l.latest, nil
}

func run(t *testing.T, cfg Config) *Service {
	t.Helper()
	svc, err := New(cfg)
	require.NoError(t, err)
	return svc
}

func TestService_Cycle(t *testing.T) {
	ctx := context.Background()
	t0 := time.Date(2024, 3, 5, 9, 0, 0, 0, time.UTC)
	fetched := []candle.Candle{{
		Instrument: "BTCUSDT", Granularity: interval.Min1, BucketStart: t0,
		Open: 100, High: 101, Low: 99, Close: 100, Volume: 1, Source: "stub",
	}}

	t.Run("Fetched candles reach the filler", func(t *testing.T) {
		bkr := &brokerStub{candles: fetched}
		filler := &fillerStub{}
		svc := run(t, Config{Instruments: []string{"BTCUSDT"}, Broker: bkr, Filler: filler})

		require.NoError(t, svc.cycle(ctx, "BTCUSDT"))
		require.Len(t, filler.batches, 1)
		assert.Equal(t, fetched, filler.batches[0])
	})

	t.Run("Resumes from latest stored candle", func(t *testing.T) {
		bkr := &brokerStub{candles: fetched}
		svc := run(t, Config{
			Instruments: []string{"BTCUSDT"},
			Broker:      bkr,
			Filler:      &fillerStub{},
			Store:       &latestStub{latest: fetched},
		})

		require.NoError(t, svc.cycle(ctx, "BTCUSDT"))
		require.Len(t, bkr.froms, 1)
		assert.Equal(t, t0, bkr.froms[0], "fetch starts at the last stored bucket")
	})

	t.Run("Transient failures retried", func(t *testing.T) {
		bkr := &brokerStub{candles: fetched, fails: 2}
		filler := &fillerStub{}
		svc := run(t, Config{
			Instruments: []string{"BTCUSDT"},
			Broker:      bkr,
			Filler:      filler,
			RetryDelay:  time.Millisecond,
		})

		require.NoError(t, svc.cycle(ctx, "BTCUSDT"))
		assert.Equal(t, 3, bkr.calls)
		assert.Len(t, filler.batches, 1)
	})

	t.Run("Exhausted retries surface the error", func(t *testing.T) {
		bkr := &brokerStub{fails: 99}
		svc := run(t, Config{
			Instruments: []string{"BTCUSDT"},
			Broker:      bkr,
			Filler:      &fillerStub{},
			MaxRetries:  2,
			RetryDelay:  time.Millisecond,
		})

		assert.Error(t, svc.cycle(ctx, "BTCUSDT"))
	})

	t.Run("Empty fetch is quiet", func(t *testing.T) {
		filler := &fillerStub{}
		svc := run(t, Config{Instruments: []string{"BTCUSDT"}, Broker: &brokerStub{}, Filler: filler})
		require.NoError(t, svc.cycle(ctx, "BTCUSDT"))
		assert.Empty(t, filler.batches)
	})
}

func TestService_StartStop(t *testing.T) {
	bkr := &brokerStub{}
	svc := run(t, Config{
		Instruments: []string{"BTCUSDT", "ETHUSDT"},
		Broker:      bkr,
		Filler:      &fillerStub{},
		FetchCycle:  time.Hour, // only the immediate first cycle runs
	})

	svc.Start(context.Background())
	require.Eventually(t, func() bool {
		bkr.mu.Lock()
		defer bkr.mu.Unlock()
		return bkr.calls >= 2
	}, 2*time.Second, 5*time.Millisecond)
	svc.Stop()
}

func TestNew_Validation(t *testing.T) {
	_, err := New(Config{Broker: &brokerStub{}, Filler: &fillerStub{}})
	assert.Error(t, err, "instruments required")
	_, err = New(Config{Instruments: []string{"X"}, Filler: &fillerStub{}})
	assert.Error(t, err, "broker required")
	_, err = New(Config{Instruments: []string{"X"}, Broker: &brokerStub{}})
	assert.Error(t, err, "filler required")
}
