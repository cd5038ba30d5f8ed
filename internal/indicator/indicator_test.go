package indicator

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSMA(t *testing.T) {
	t.Run("Rolling window", func(t *testing.T) {
		got := SMA([]float64{1, 2, 3, 4, 5}, 3)
		require.Len(t, got, 5)
		assert.True(t, math.IsNaN(got[0]))
		assert.True(t, math.IsNaN(got[1]))
		assert.InDelta(t, 2.0, got[2], 1e-9)
		assert.InDelta(t, 3.0, got[3], 1e-9)
		assert.InDelta(t, 4.0, got[4], 1e-9)
	})

	t.Run("Insufficient data", func(t *testing.T) {
		assert.Nil(t, SMA([]float64{1, 2}, 3))
		assert.Nil(t, SMA([]float64{1, 2, 3}, 0))
	})
}

func TestEMA(t *testing.T) {
	t.Run("Seeded with SMA", func(t *testing.T) {
		got := EMA([]float64{10, 10, 10, 10}, 3)
		require.Len(t, got, 4)
		assert.True(t, math.IsNaN(got[1]))
		assert.InDelta(t, 10.0, got[2], 1e-9)
		assert.InDelta(t, 10.0, got[3], 1e-9)
	})

	t.Run("Responds to moves", func(t *testing.T) {
		got := EMA([]float64{10, 10, 10, 20}, 3)
		// k = 0.5: 20*0.5 + 10*0.5 = 15
		assert.InDelta(t, 15.0, got[3], 1e-9)
	})
}

func TestRSI(t *testing.T) {
	t.Run("Monotonic rise saturates at 100", func(t *testing.T) {
		got := RSI([]float64{1, 2, 3, 4, 5, 6, 7}, 3)
		require.Len(t, got, 7)
		assert.True(t, math.IsNaN(got[1]))
		for _, v := range got[2:] {
			assert.InDelta(t, 100.0, v, 1e-9)
		}
	})

	t.Run("Values stay within bounds", func(t *testing.T) {
		prices := []float64{44, 44.3, 44.1, 43.6, 44.3, 44.8, 45.1, 45.4, 45.8, 46.1, 45.9, 46.3, 46.8, 46.2, 46.0}
		got := RSI(prices, 14)
		require.Len(t, got, len(prices))
		last := got[len(got)-1]
		assert.False(t, math.IsNaN(last))
		assert.Greater(t, last, 0.0)
		assert.Less(t, last, 100.0)
	})

	t.Run("Insufficient data", func(t *testing.T) {
		assert.Nil(t, RSI([]float64{1, 2}, 3))
	})
}
