// Package store is the authoritative holder of finalized candles: a bounded
// in-memory hot window per series backed by an append-only durable log.
// Mutation goes through per-series locks; readers share them.
package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/marketbeam/tickstore/internal/candle"
	"github.com/marketbeam/tickstore/internal/interval"
	"github.com/marketbeam/tickstore/internal/logger"
	"github.com/marketbeam/tickstore/internal/metrics"
)

// Alerter surfaces persistence trouble to an operator. *alert.Telegram
// satisfies it; nil disables alerting.
type Alerter interface {
	Send(msg string) error
}

// Config tunes the store. Durable may be nil for a purely in-memory store
// (tests, dry runs); everything else has working defaults.
type Config struct {
	Durable        Durable
	HotWindow      int           // candles kept in memory per series, default 500
	PersistTimeout time.Duration // bound on the synchronous durable write, default 2s
	RetryBackoff   time.Duration // base delay between async retries, default 5s
	MaxRetries     int           // async retry attempts per candle, default 5
	Metrics        *metrics.Metrics
	Logger         *zap.SugaredLogger
	Alerter        Alerter
}

// Store implements the time-series store. A candle is committed once it is in
// the hot window; the durable write happens within PersistTimeout or is
// retried in the background so a slow disk never stalls ingestion.
type Store struct {
	durable        Durable
	hotWindow      int
	persistTimeout time.Duration
	retryBackoff   time.Duration
	maxRetries     int
	metrics        *metrics.Metrics
	log            *zap.SugaredLogger
	alerter        Alerter

	mu     sync.RWMutex
	series map[Key]*series

	degraded atomic.Bool
	wg       sync.WaitGroup
	closing  chan struct{}
}

type series struct {
	mu      sync.RWMutex
	candles []candle.Candle // ascending by BucketStart, unique buckets
}

func New(cfg Config) *Store {
	if cfg.HotWindow <= 0 {
		cfg.HotWindow = 500
	}
	if cfg.PersistTimeout <= 0 {
		cfg.PersistTimeout = 2 * time.Second
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = 5 * time.Second
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 5
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.New()
	}
	if cfg.Logger == nil {
		cfg.Logger = logger.Nop()
	}
	return &Store{
		durable:        cfg.Durable,
		hotWindow:      cfg.HotWindow,
		persistTimeout: cfg.PersistTimeout,
		retryBackoff:   cfg.RetryBackoff,
		maxRetries:     cfg.MaxRetries,
		metrics:        cfg.Metrics,
		log:            cfg.Logger,
		alerter:        cfg.Alerter,
		series:         make(map[Key]*series),
		closing:        make(chan struct{}),
	}
}

func (s *Store) seriesFor(key Key) *series {
	s.mu.RLock()
	sr, ok := s.series[key]
	s.mu.RUnlock()
	if ok {
		return sr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if sr, ok = s.series[key]; ok {
		return sr
	}
	sr = &series{}
	s.series[key] = sr
	return sr
}

// Degraded reports whether the store is running memory-only because the
// durable backend is unavailable.
func (s *Store) Degraded() bool { return s.degraded.Load() }

// Append commits a finalized candle. Re-appending an identical candle is a
// no-op; a conflicting candle for an occupied bucket returns
// *candle.DuplicateBucketError. The durable write blocks at most
// PersistTimeout; past that the candle stays hot-committed and the write is
// retried asynchronously.
func (s *Store) Append(ctx context.Context, c candle.Candle) error {
	if err := c.Validate(); err != nil {
		return fmt.Errorf("append: %w", err)
	}
	c.BucketStart = c.BucketStart.UTC()
	key := Key{Instrument: c.Instrument, Granularity: c.Granularity}
	sr := s.seriesFor(key)

	sr.mu.Lock()
	idx := sort.Search(len(sr.candles), func(i int) bool {
		return !sr.candles[i].BucketStart.Before(c.BucketStart)
	})
	if idx < len(sr.candles) && sr.candles[idx].BucketStart.Equal(c.BucketStart) {
		existing := sr.candles[idx]
		sr.mu.Unlock()
		if existing.Equal(c) {
			return nil
		}
		s.metrics.DuplicateAppends.Inc()
		return &candle.DuplicateBucketError{Existing: existing, Incoming: c}
	}
	sr.candles = append(sr.candles, candle.Candle{})
	copy(sr.candles[idx+1:], sr.candles[idx:])
	sr.candles[idx] = c
	if len(sr.candles) > s.hotWindow {
		evicted := len(sr.candles) - s.hotWindow
		sr.candles = append(sr.candles[:0:0], sr.candles[evicted:]...)
		s.metrics.HotCacheEvictions.Add(float64(evicted))
	}
	sr.mu.Unlock()

	s.persist(key, c)
	return nil
}

// persist performs the bounded durable write and hands failures to the async
// retry path. Uses a background context so a cancelled ingest cannot abort a
// committed candle's write.
func (s *Store) persist(key Key, c candle.Candle) {
	if s.durable == nil {
		return
	}
	dctx, cancel := context.WithTimeout(context.Background(), s.persistTimeout)
	err := s.durable.Append(dctx, c)
	cancel()

	switch {
	case err == nil:
		s.recovered()

	case isDuplicate(err):
		// The durable log holds a different candle for this bucket, outside
		// the hot window. Never overwrite; an operator Replace is required.
		s.metrics.DuplicateAppends.Inc()
		s.log.Warnw("durable log conflicts with appended candle",
			"series", key, "bucket", c.BucketStart, "error", err)

	case errors.Is(err, context.DeadlineExceeded):
		s.metrics.PersistTimeouts.Inc()
		perr := &PersistenceTimeoutError{Key: key, Bucket: c.BucketStart}
		s.log.Warnw("durable write exceeded latency bound, retrying in background",
			"series", key, "bucket", c.BucketStart)
		s.alert(perr.Error())
		s.retryAsync(key, c)

	default:
		s.degrade(key, err)
		s.retryAsync(key, c)
	}
}

func isDuplicate(err error) bool {
	var dup *candle.DuplicateBucketError
	return errors.As(err, &dup)
}

func (s *Store) degrade(key Key, err error) {
	if s.degraded.CompareAndSwap(false, true) {
		s.metrics.PersistDegraded.Set(1)
		s.log.Errorw("persistence unavailable, store running memory-only",
			"series", key, "error", err)
		s.alert(fmt.Sprintf("persistence unavailable (%v); candles held in memory only", err))
	}
}

func (s *Store) recovered() {
	if s.degraded.CompareAndSwap(true, false) {
		s.metrics.PersistDegraded.Set(0)
		s.log.Infow("persistence recovered, durable writes resumed")
		s.alert("persistence recovered")
	}
}

func (s *Store) alert(msg string) {
	if s.alerter == nil {
		return
	}
	if err := s.alerter.Send(msg); err != nil {
		s.log.Warnw("failed to deliver operator alert", "error", err)
	}
}

// retryAsync keeps trying the durable write with linear backoff until it
// succeeds, the attempts run out, or the store closes. The candle is already
// hot-committed either way.
func (s *Store) retryAsync(key Key, c candle.Candle) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for attempt := 1; attempt <= s.maxRetries; attempt++ {
			select {
			case <-s.closing:
				return
			case <-time.After(time.Duration(attempt) * s.retryBackoff):
			}
			s.metrics.PersistRetries.Inc()
			dctx, cancel := context.WithTimeout(context.Background(), s.persistTimeout)
			err := s.durable.Append(dctx, c)
			cancel()
			if err == nil {
				s.recovered()
				return
			}
			if isDuplicate(err) {
				return
			}
			s.log.Warnw("durable write retry failed",
				"series", key, "bucket", c.BucketStart,
				"attempt", attempt, "error", err)
		}
		s.alert(fmt.Sprintf("durable write abandoned after %d retries for %s bucket %s; candle remains in hot cache only",
			s.maxRetries, key, c.BucketStart))
	}()
}

// Replace is the explicit, audited correction path for a finalized candle.
// The bucket must already exist; the replacement is validated, logged with
// the candle it displaces and written through synchronously.
func (s *Store) Replace(ctx context.Context, c candle.Candle) error {
	if err := c.Validate(); err != nil {
		return fmt.Errorf("replace: %w", err)
	}
	c.BucketStart = c.BucketStart.UTC()
	key := Key{Instrument: c.Instrument, Granularity: c.Granularity}
	sr := s.seriesFor(key)

	sr.mu.Lock()
	idx := sort.Search(len(sr.candles), func(i int) bool {
		return !sr.candles[i].BucketStart.Before(c.BucketStart)
	})
	if idx >= len(sr.candles) || !sr.candles[idx].BucketStart.Equal(c.BucketStart) {
		sr.mu.Unlock()
		return fmt.Errorf("replace: no finalized candle for %s bucket %s", key, c.BucketStart)
	}
	old := sr.candles[idx]
	sr.candles[idx] = c
	sr.mu.Unlock()

	s.log.Warnw("replacing finalized candle",
		"series", key, "bucket", c.BucketStart,
		"old_open", old.Open, "old_high", old.High, "old_low", old.Low,
		"old_close", old.Close, "old_volume", old.Volume,
		"new_open", c.Open, "new_high", c.High, "new_low", c.Low,
		"new_close", c.Close, "new_volume", c.Volume)

	if s.durable == nil {
		return nil
	}
	dctx, cancel := context.WithTimeout(ctx, s.persistTimeout)
	defer cancel()
	if err := s.durable.Replace(dctx, c); err != nil {
		return fmt.Errorf("replace: durable write: %w", err)
	}
	return nil
}

// QueryRange returns candles with bucket start in [from, to), ascending.
// Ranges older than the hot window fall through to the durable log.
func (s *Store) QueryRange(ctx context.Context, instrument string, g interval.Granularity, from, to time.Time) ([]candle.Candle, error) {
	from, to = from.UTC(), to.UTC()
	key := Key{Instrument: instrument, Granularity: g}
	sr := s.seriesFor(key)

	sr.mu.RLock()
	hot := filterRange(sr.candles, from, to)
	hotCoversFrom := len(sr.candles) > 0 && !from.Before(sr.candles[0].BucketStart)
	sr.mu.RUnlock()

	if hotCoversFrom || s.durable == nil || s.degraded.Load() {
		return hot, nil
	}
	cold, err := s.durable.LoadRange(ctx, key, from, to)
	if err != nil {
		return nil, fmt.Errorf("query range %s: %w", key, err)
	}
	return mergeAscending(cold, hot), nil
}

// QueryLatestN returns the most recent n finalized candles, oldest first.
func (s *Store) QueryLatestN(ctx context.Context, instrument string, g interval.Granularity, n int) ([]candle.Candle, error) {
	if n <= 0 {
		return nil, nil
	}
	key := Key{Instrument: instrument, Granularity: g}
	sr := s.seriesFor(key)

	sr.mu.RLock()
	hot := append([]candle.Candle(nil), sr.candles...)
	sr.mu.RUnlock()

	if len(hot) >= n || s.durable == nil || s.degraded.Load() {
		if len(hot) > n {
			hot = hot[len(hot)-n:]
		}
		return hot, nil
	}
	cold, err := s.durable.LoadLatest(ctx, key, n)
	if err != nil {
		return nil, fmt.Errorf("query latest %s: %w", key, err)
	}
	merged := mergeAscending(cold, hot)
	if len(merged) > n {
		merged = merged[len(merged)-n:]
	}
	return merged, nil
}

// PriceRange holds the extrema over a query window.
type PriceRange struct {
	Low  float64
	High float64
}

// GetPriceRange scans base-granularity candles over the trailing window and
// returns the lowest low and highest high. An empty window yields ErrNoData,
// never (0, 0).
func (s *Store) GetPriceRange(ctx context.Context, instrument string, window time.Duration) (PriceRange, error) {
	now := time.Now().UTC()
	candles, err := s.QueryRange(ctx, instrument, interval.Base, now.Add(-window), now)
	if err != nil {
		return PriceRange{}, err
	}
	if len(candles) == 0 {
		return PriceRange{}, fmt.Errorf("price range for %s over %s: %w", instrument, window, ErrNoData)
	}
	pr := PriceRange{Low: candles[0].Low, High: candles[0].High}
	for _, c := range candles[1:] {
		if c.Low < pr.Low {
			pr.Low = c.Low
		}
		if c.High > pr.High {
			pr.High = c.High
		}
	}
	return pr, nil
}

// Rehydrate rebuilds every hot window from the durable log. Called once at
// startup, before ingestion begins.
func (s *Store) Rehydrate(ctx context.Context) error {
	if s.durable == nil {
		return nil
	}
	keys, err := s.durable.Keys(ctx)
	if err != nil {
		return fmt.Errorf("rehydrate: %w", err)
	}
	total := 0
	for _, key := range keys {
		candles, err := s.durable.LoadLatest(ctx, key, s.hotWindow)
		if err != nil {
			return fmt.Errorf("rehydrate %s: %w", key, err)
		}
		sr := s.seriesFor(key)
		sr.mu.Lock()
		sr.candles = candles
		sr.mu.Unlock()
		total += len(candles)
	}
	s.log.Infow("rehydrated hot cache from durable log", "series", len(keys), "candles", total)
	return nil
}

// Close waits for in-flight background writes (bounded by ctx) and closes the
// durable backend.
func (s *Store) Close(ctx context.Context) error {
	close(s.closing)
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.log.Warnw("store close timed out waiting for background writes")
	}
	if s.durable == nil {
		return nil
	}
	return s.durable.Close()
}

func filterRange(sorted []candle.Candle, from, to time.Time) []candle.Candle {
	lo := sort.Search(len(sorted), func(i int) bool {
		return !sorted[i].BucketStart.Before(from)
	})
	hi := sort.Search(len(sorted), func(i int) bool {
		return !sorted[i].BucketStart.Before(to)
	})
	return append([]candle.Candle(nil), sorted[lo:hi]...)
}

// mergeAscending combines two sorted runs, preferring the hot copy when both
// hold the same bucket (the hot cache may be ahead of a lagging durable log).
func mergeAscending(cold, hot []candle.Candle) []candle.Candle {
	if len(cold) == 0 {
		return hot
	}
	if len(hot) == 0 {
		return cold
	}
	out := make([]candle.Candle, 0, len(cold)+len(hot))
	i, j := 0, 0
	for i < len(cold) && j < len(hot) {
		switch {
		case cold[i].BucketStart.Before(hot[j].BucketStart):
			out = append(out, cold[i])
			i++
		case hot[j].BucketStart.Before(cold[i].BucketStart):
			out = append(out, hot[j])
			j++
		default:
			out = append(out, hot[j])
			i++
			j++
		}
	}
	out = append(out, cold[i:]...)
	out = append(out, hot[j:]...)
	return out
}
