package candle

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/marketbeam/tickstore/internal/interval"
)

func validCandle() Candle {
	return Candle{
		Instrument:  "BTCUSDT",
		Granularity: interval.Min1,
		BucketStart: time.Date(2024, 3, 5, 9, 17, 0, 0, time.UTC),
		Open:        100,
		High:        105,
		Low:         95,
		Close:       102,
		Volume:      35,
		Source:      SourceLive,
	}
}

func TestCandleValidate(t *testing.T) {
	t.Run("Valid candle passes", func(t *testing.T) {
		assert.NoError(t, validCandle().Validate())
	})

	t.Run("Misaligned bucket start", func(t *testing.T) {
		c := validCandle()
		c.BucketStart = c.BucketStart.Add(30 * time.Second)
		assert.Error(t, c.Validate())
	})

	t.Run("High below low", func(t *testing.T) {
		c := validCandle()
		c.High, c.Low = 95, 105
		assert.Error(t, c.Validate())
	})

	t.Run("Open outside range", func(t *testing.T) {
		c := validCandle()
		c.Open = 110
		assert.Error(t, c.Validate())
	})

	t.Run("Close outside range", func(t *testing.T) {
		c := validCandle()
		c.Close = 90
		assert.Error(t, c.Validate())
	})

	t.Run("Non-positive price", func(t *testing.T) {
		c := validCandle()
		c.Low = 0
		assert.Error(t, c.Validate())
	})

	t.Run("Negative volume", func(t *testing.T) {
		c := validCandle()
		c.Volume = -1
		assert.Error(t, c.Validate())
	})

	t.Run("Unknown granularity", func(t *testing.T) {
		c := validCandle()
		c.Granularity = "7m"
		assert.Error(t, c.Validate())
	})
}

func TestCandleEqual(t *testing.T) {
	a := validCandle()

	t.Run("Source does not participate", func(t *testing.T) {
		b := a
		b.Source = SourceRollup
		assert.True(t, a.Equal(b))
	})

	t.Run("Differing close", func(t *testing.T) {
		b := a
		b.Close = 103
		assert.False(t, a.Equal(b))
	})

	t.Run("Same instant in different locations", func(t *testing.T) {
		b := a
		b.BucketStart = a.BucketStart.In(time.FixedZone("X", 3600))
		assert.True(t, a.Equal(b))
	})
}

func TestTickValidate(t *testing.T) {
	now := time.Date(2024, 3, 5, 9, 17, 42, 0, time.UTC)

	assert.NoError(t, Tick{Instrument: "BTCUSDT", Price: 100, Volume: 1, EventTime: now}.Validate())
	assert.NoError(t, Tick{Instrument: "BTCUSDT", Price: 100, Volume: 0, EventTime: now}.Validate(),
		"zero volume is a valid price-only print")

	assert.Error(t, Tick{Price: 100, Volume: 1, EventTime: now}.Validate())
	assert.Error(t, Tick{Instrument: "BTCUSDT", Price: 0, Volume: 1, EventTime: now}.Validate())
	assert.Error(t, Tick{Instrument: "BTCUSDT", Price: -1, Volume: 1, EventTime: now}.Validate())
	assert.Error(t, Tick{Instrument: "BTCUSDT", Price: 100, Volume: -1, EventTime: now}.Validate())
	assert.Error(t, Tick{Instrument: "BTCUSDT", Price: 100, Volume: 1}.Validate())
}

func TestBucketEnd(t *testing.T) {
	c := validCandle()
	assert.Equal(t, c.BucketStart.Add(time.Minute), c.BucketEnd())

	c.Granularity = interval.Hour1
	c.BucketStart = time.Date(2024, 3, 5, 9, 0, 0, 0, time.UTC)
	assert.Equal(t, time.Date(2024, 3, 5, 10, 0, 0, 0, time.UTC), c.BucketEnd())
}
