// Package pricecache keeps the single most recent trade snapshot per
// instrument. It is independent of candle state: valuation consumers read it
// even while a bucket is still forming.
package pricecache

import (
	"sync"
	"time"
)

// Snapshot is the last observed price for one instrument. Exactly one exists
// per instrument; it is overwritten in place and never historized.
type Snapshot struct {
	Instrument string
	Price      float64
	Volume     int64
	ObservedAt time.Time
}

// Cache is a concurrency-safe last-write-wins snapshot table.
type Cache struct {
	mu    sync.RWMutex
	snaps map[string]Snapshot
}

func New() *Cache {
	return &Cache{snaps: make(map[string]Snapshot)}
}

// Update records a snapshot unless it is strictly older than the cached one.
// Equal timestamps overwrite, so ties resolve deterministically by arrival
// order. Returns false when the update was rejected as stale.
func (c *Cache) Update(instrument string, price float64, volume int64, observedAt time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cur, ok := c.snaps[instrument]; ok && observedAt.Before(cur.ObservedAt) {
		return false
	}
	c.snaps[instrument] = Snapshot{
		Instrument: instrument,
		Price:      price,
		Volume:     volume,
		ObservedAt: observedAt,
	}
	return true
}

// Get returns the snapshot for an instrument. ok is false when no tick has
// ever been observed; callers must not assume a zero default.
func (c *Cache) Get(instrument string) (Snapshot, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s, ok := c.snaps[instrument]
	return s, ok
}

// Instruments lists every instrument with a snapshot.
func (c *Cache) Instruments() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.snaps))
	for k := range c.snaps {
		out = append(out, k)
	}
	return out
}
