// Package notifier decouples the candle pipeline from its consumers. Delivery
// is best-effort and bounded: a slow subscriber loses its oldest queued events
// instead of stalling ingestion, and is expected to re-query the store for
// authoritative state.
package notifier

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/marketbeam/tickstore/internal/candle"
	"github.com/marketbeam/tickstore/internal/logger"
	"github.com/marketbeam/tickstore/internal/metrics"
	"github.com/marketbeam/tickstore/internal/pricecache"
)

// Kind discriminates the event payload.
type Kind string

const (
	KindCandleUpdated   Kind = "candle_updated"   // pending candle mutated
	KindCandleFinalized Kind = "candle_finalized" // candle committed to the store
	KindPriceUpdated    Kind = "price_updated"    // latest-price cache changed
)

// Event is a single pipeline notification. Candle is set for candle kinds,
// Snapshot for price updates.
type Event struct {
	Kind     Kind
	Candle   candle.Candle
	Snapshot pricecache.Snapshot
	At       time.Time
}

// Subscription is one consumer's bounded event queue.
type Subscription struct {
	name   string
	ch     chan Event
	missed atomic.Uint64
	bus    *Bus
}

// Events returns the receive side of the queue. The channel is closed when
// the subscription or the bus is closed.
func (s *Subscription) Events() <-chan Event { return s.ch }

// Missed reports how many events were dropped for this subscriber.
func (s *Subscription) Missed() uint64 { return s.missed.Load() }

// Close detaches the subscriber and closes its channel.
func (s *Subscription) Close() { s.bus.unsubscribe(s.name) }

// Bus fans events out to subscribers without ever blocking a producer.
type Bus struct {
	mu     sync.RWMutex
	subs   map[string]*Subscription
	closed bool

	metrics *metrics.Metrics
	log     *zap.SugaredLogger
}

func New(m *metrics.Metrics, log *zap.SugaredLogger) *Bus {
	if m == nil {
		m = metrics.New()
	}
	if log == nil {
		log = logger.Nop()
	}
	return &Bus{subs: make(map[string]*Subscription), metrics: m, log: log}
}

// Subscribe registers a named consumer with a bounded queue. Names must be
// unique; buffer must be at least 1.
func (b *Bus) Subscribe(name string, buffer int) (*Subscription, error) {
	if buffer < 1 {
		buffer = 1
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, fmt.Errorf("notifier: bus is closed")
	}
	if _, exists := b.subs[name]; exists {
		return nil, fmt.Errorf("notifier: subscriber %q already exists", name)
	}
	sub := &Subscription{name: name, ch: make(chan Event, buffer), bus: b}
	b.subs[name] = sub
	return sub, nil
}

func (b *Bus) unsubscribe(name string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if sub, ok := b.subs[name]; ok {
		close(sub.ch)
		delete(b.subs, name)
	}
}

// Publish delivers an event to every subscriber. When a queue is full the
// oldest queued event is discarded and the subscriber's missed counter grows.
func (b *Bus) Publish(e Event) {
	if e.At.IsZero() {
		e.At = time.Now().UTC()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for _, sub := range b.subs {
		select {
		case sub.ch <- e:
			continue
		default:
		}
		// Queue full: shed the oldest event, then try once more. A consumer
		// racing us may have freed a slot already, in which case the new
		// event is the one shed.
		select {
		case <-sub.ch:
		default:
		}
		select {
		case sub.ch <- e:
		default:
		}
		sub.missed.Add(1)
		b.metrics.NotifierDrops.WithLabelValues(sub.name).Inc()
		b.log.Debugw("notifier queue full, dropped oldest event", "subscriber", sub.name)
	}
}

// CandleUpdated publishes a pending-candle mutation.
func (b *Bus) CandleUpdated(c candle.Candle) {
	b.Publish(Event{Kind: KindCandleUpdated, Candle: c})
}

// CandleFinalized publishes a candle committed to the store.
func (b *Bus) CandleFinalized(c candle.Candle) {
	b.Publish(Event{Kind: KindCandleFinalized, Candle: c})
}

// PriceUpdated publishes a latest-price change.
func (b *Bus) PriceUpdated(s pricecache.Snapshot) {
	b.Publish(Event{Kind: KindPriceUpdated, Snapshot: s})
}

// Close stops delivery and closes all subscriber channels.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for name, sub := range b.subs {
		close(sub.ch)
		delete(b.subs, name)
	}
}
