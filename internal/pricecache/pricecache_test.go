package pricecache

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCache_Update(t *testing.T) {
	t0 := time.Date(2024, 3, 5, 9, 0, 0, 0, time.UTC)

	t.Run("First observation lands", func(t *testing.T) {
		c := New()
		assert.True(t, c.Update("BTCUSDT", 100, 1, t0))
		snap, ok := c.Get("BTCUSDT")
		require.True(t, ok)
		assert.Equal(t, 100.0, snap.Price)
		assert.Equal(t, t0, snap.ObservedAt)
	})

	t.Run("Newer observation overwrites", func(t *testing.T) {
		c := New()
		c.Update("BTCUSDT", 100, 1, t0)
		assert.True(t, c.Update("BTCUSDT", 105, 2, t0.Add(time.Second)))
		snap, _ := c.Get("BTCUSDT")
		assert.Equal(t, 105.0, snap.Price)
	})

	t.Run("Equal timestamp overwrites", func(t *testing.T) {
		c := New()
		c.Update("BTCUSDT", 100, 1, t0)
		assert.True(t, c.Update("BTCUSDT", 101, 1, t0))
		snap, _ := c.Get("BTCUSDT")
		assert.Equal(t, 101.0, snap.Price)
	})

	t.Run("Older observation rejected", func(t *testing.T) {
		c := New()
		c.Update("BTCUSDT", 100, 1, t0)
		assert.False(t, c.Update("BTCUSDT", 90, 1, t0.Add(-time.Second)))
		snap, _ := c.Get("BTCUSDT")
		assert.Equal(t, 100.0, snap.Price)
	})

	t.Run("Unknown instrument", func(t *testing.T) {
		c := New()
		_, ok := c.Get("NOPE")
		assert.False(t, ok)
	})
}

func TestCache_Concurrency(t *testing.T) {
	c := New()
	t0 := time.Date(2024, 3, 5, 9, 0, 0, 0, time.UTC)

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				c.Update("BTCUSDT", float64(100+i), 1, t0.Add(time.Duration(i)*time.Millisecond))
				c.Get("BTCUSDT")
			}
		}(w)
	}
	wg.Wait()

	// Whatever interleaving happened, the surviving snapshot must be the
	// newest observation.
	snap, ok := c.Get("BTCUSDT")
	require.True(t, ok)
	assert.Equal(t, t0.Add(199*time.Millisecond), snap.ObservedAt)
	assert.Equal(t, 299.0, snap.Price)
}

func TestCache_Instruments(t *testing.T) {
	c := New()
	t0 := time.Date(2024, 3, 5, 9, 0, 0, 0, time.UTC)
	c.Update("BTCUSDT", 100, 1, t0)
	c.Update("ETHUSDT", 20, 1, t0)
	assert.ElementsMatch(t, []string{"BTCUSDT", "ETHUSDT"}, c.Instruments())
}
