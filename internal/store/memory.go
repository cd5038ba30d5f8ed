package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/marketbeam/tickstore/internal/candle"
)

// Memory is an in-process Durable used by tests and dry runs. It applies the
// same idempotence rules as the real backends.
type Memory struct {
	mu     sync.RWMutex
	data   map[Key][]candle.Candle
	closed bool

	// FailAppends, when set, makes Append return the given error. Tests use
	// it to drive the store into degraded mode.
	failMu     sync.Mutex
	failErr    error
	appendHook func(candle.Candle)
}

func NewMemory() *Memory {
	return &Memory{data: make(map[Key][]candle.Candle)}
}

// Fail makes subsequent Appends return err; Fail(nil) restores normal
// operation.
func (m *Memory) Fail(err error) {
	m.failMu.Lock()
	m.failErr = err
	m.failMu.Unlock()
}

// OnAppend registers a hook invoked for every successful Append.
func (m *Memory) OnAppend(fn func(candle.Candle)) {
	m.failMu.Lock()
	m.appendHook = fn
	m.failMu.Unlock()
}

func (m *Memory) Append(ctx context.Context, c candle.Candle) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.failMu.Lock()
	failErr, hook := m.failErr, m.appendHook
	m.failMu.Unlock()
	if failErr != nil {
		return failErr
	}

	key := Key{Instrument: c.Instrument, Granularity: c.Granularity}
	m.mu.Lock()
	candles := m.data[key]
	idx := sort.Search(len(candles), func(i int) bool {
		return !candles[i].BucketStart.Before(c.BucketStart)
	})
	if idx < len(candles) && candles[idx].BucketStart.Equal(c.BucketStart) {
		existing := candles[idx]
		m.mu.Unlock()
		if existing.Equal(c) {
			return nil
		}
		return &candle.DuplicateBucketError{Existing: existing, Incoming: c}
	}
	candles = append(candles, candle.Candle{})
	copy(candles[idx+1:], candles[idx:])
	candles[idx] = c
	m.data[key] = candles
	m.mu.Unlock()

	if hook != nil {
		hook(c)
	}
	return nil
}

func (m *Memory) Replace(ctx context.Context, c candle.Candle) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	key := Key{Instrument: c.Instrument, Granularity: c.Granularity}
	m.mu.Lock()
	defer m.mu.Unlock()
	candles := m.data[key]
	for i := range candles {
		if candles[i].BucketStart.Equal(c.BucketStart) {
			candles[i] = c
			return nil
		}
	}
	// Replace of an absent bucket stores it; the store layer already
	// enforces existence on the audited path.
	idx := sort.Search(len(candles), func(i int) bool {
		return !candles[i].BucketStart.Before(c.BucketStart)
	})
	candles = append(candles, candle.Candle{})
	copy(candles[idx+1:], candles[idx:])
	candles[idx] = c
	m.data[key] = candles
	return nil
}

func (m *Memory) LoadRange(ctx context.Context, key Key, from, to time.Time) ([]candle.Candle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return filterRange(m.data[key], from.UTC(), to.UTC()), nil
}

func (m *Memory) LoadLatest(ctx context.Context, key Key, n int) ([]candle.Candle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	candles := m.data[key]
	if len(candles) > n {
		candles = candles[len(candles)-n:]
	}
	return append([]candle.Candle(nil), candles...), nil
}

func (m *Memory) Keys(ctx context.Context) ([]Key, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	keys := make([]Key, 0, len(m.data))
	for k := range m.data {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })
	return keys, nil
}

func (m *Memory) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}

// Count reports how many candles are stored for a series.
func (m *Memory) Count(key Key) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.data[key])
}
