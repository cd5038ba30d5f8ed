// Package backfill keeps the stored history gap-free: it periodically fetches
// base-granularity candles from a broker and runs them through batch
// consolidation, so restarts and feed outages heal without operator action.
package backfill

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/marketbeam/tickstore/internal/broker"
	"github.com/marketbeam/tickstore/internal/candle"
	"github.com/marketbeam/tickstore/internal/interval"
	"github.com/marketbeam/tickstore/internal/logger"
)

// Filler consumes fetched base candles. *candle.Consolidator satisfies it.
type Filler interface {
	Backfill(ctx context.Context, fine []candle.Candle) error
}

// Latest looks up the newest stored candle so each cycle fetches only the
// missing tail. *store.Store satisfies it.
type Latest interface {
	QueryLatestN(ctx context.Context, instrument string, g interval.Granularity, n int) ([]candle.Candle, error)
}

type Config struct {
	Instruments []string
	Broker      broker.Broker
	Filler      Filler
	Store       Latest
	FetchCycle  time.Duration // default 30s
	MaxRetries  int           // default 3
	RetryDelay  time.Duration // default 3s
	ColdStart   time.Duration // history fetched when a series is empty, default 24h
	Logger      *zap.SugaredLogger
}

// Service runs one fetch loop per instrument.
type Service struct {
	cfg Config
	log *zap.SugaredLogger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(cfg Config) (*Service, error) {
	if cfg.Broker == nil {
		return nil, fmt.Errorf("backfill: no broker configured")
	}
	if cfg.Filler == nil {
		return nil, fmt.Errorf("backfill: no filler configured")
	}
	if len(cfg.Instruments) == 0 {
		return nil, fmt.Errorf("backfill: no instruments configured")
	}
	if cfg.FetchCycle <= 0 {
		cfg.FetchCycle = 30 * time.Second
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 3 * time.Second
	}
	if cfg.ColdStart <= 0 {
		cfg.ColdStart = 24 * time.Hour
	}
	if cfg.Logger == nil {
		cfg.Logger = logger.Nop()
	}
	return &Service{cfg: cfg, log: cfg.Logger}, nil
}

func (s *Service) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(len(s.cfg.Instruments))
	for _, instrument := range s.cfg.Instruments {
		go func(inst string) {
			defer s.wg.Done()
			s.runLoop(ctx, inst)
		}(instrument)
	}
	s.log.Infow("backfill service started",
		"instruments", len(s.cfg.Instruments), "cycle", s.cfg.FetchCycle)
}

// Stop cancels the loops and waits up to 30s for in-flight fetches.
func (s *Service) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.log.Infow("backfill service stopped")
	case <-time.After(30 * time.Second):
		s.log.Warnw("backfill service stop timed out")
	}
}

func (s *Service) runLoop(ctx context.Context, instrument string) {
	// First cycle immediately, then on the ticker.
	if err := s.cycle(ctx, instrument); err != nil && ctx.Err() == nil {
		s.log.Errorw("backfill cycle failed", "instrument", instrument, "error", err)
	}
	ticker := time.NewTicker(s.cfg.FetchCycle)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.cycle(ctx, instrument); err != nil && ctx.Err() == nil {
				s.log.Errorw("backfill cycle failed", "instrument", instrument, "error", err)
			}
		}
	}
}

// cycle fetches the missing tail of base candles and feeds it to the filler.
// Already-stored candles come back as duplicates and are skipped downstream,
// so overlapping the last stored bucket is safe.
func (s *Service) cycle(ctx context.Context, instrument string) error {
	now := time.Now().UTC()
	from := now.Add(-s.cfg.ColdStart)
	if s.cfg.Store != nil {
		latest, err := s.cfg.Store.QueryLatestN(ctx, instrument, interval.Base, 1)
		if err != nil {
			return fmt.Errorf("latest lookup: %w", err)
		}
		if len(latest) > 0 {
			from = latest[0].BucketStart
		}
	}

	fetched, err := s.fetchWithRetry(ctx, instrument, from, now)
	if err != nil {
		return err
	}
	if len(fetched) == 0 {
		return nil
	}
	if err := s.cfg.Filler.Backfill(ctx, fetched); err != nil {
		return fmt.Errorf("consolidate: %w", err)
	}
	s.log.Debugw("backfill cycle complete",
		"instrument", instrument, "candles", len(fetched), "from", from)
	return nil
}

func (s *Service) fetchWithRetry(ctx context.Context, instrument string, from, to time.Time) ([]candle.Candle, error) {
	var lastErr error
	for attempt := 1; attempt <= s.cfg.MaxRetries; attempt++ {
		fetched, err := s.cfg.Broker.FetchHistorical(ctx, instrument, interval.Base, from, to)
		if err == nil {
			return fetched, nil
		}
		lastErr = err
		// Exponential backoff with ±20% jitter so instrument loops do not
		// hammer the provider in lockstep.
		backoff := time.Duration(float64(s.cfg.RetryDelay) * math.Pow(2, float64(attempt-1)))
		jitter := rand.Float64()*0.4 - 0.2
		backoff = time.Duration(float64(backoff) * (1 + jitter))
		s.log.Warnw("historical fetch failed, backing off",
			"instrument", instrument, "attempt", attempt, "backoff", backoff, "error", err)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
		}
	}
	return nil, fmt.Errorf("fetch %s after %d attempts: %w", instrument, s.cfg.MaxRetries, lastErr)
}
