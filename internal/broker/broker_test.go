package broker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marketbeam/tickstore/internal/candle"
	"github.com/marketbeam/tickstore/internal/interval"
)

func TestNormalizeSymbol(t *testing.T) {
	assert.Equal(t, "BTCUSDT", NormalizeSymbol("btc-usdt"))
	assert.Equal(t, "BTCUSDT", NormalizeSymbol("BTCUSDT"))
	assert.Equal(t, "ETHIRT", NormalizeSymbol("eth-irt"))
}

func TestWallexResolution(t *testing.T) {
	assert.Equal(t, "1", wallexResolution(interval.Min1))
	assert.Equal(t, "5", wallexResolution(interval.Min5))
	assert.Equal(t, "60", wallexResolution(interval.Hour1))
	assert.Equal(t, "1D", wallexResolution(interval.Day1))
}

func TestTradeEventToTick(t *testing.T) {
	t0 := time.Date(2024, 3, 5, 9, 17, 42, 0, time.UTC)

	t.Run("Valid trade", func(t *testing.T) {
		ev := tradeEvent{Price: "50000.5", Quantity: "3", Timestamp: t0}
		tick, err := ev.toTick("BTCUSDT")
		require.NoError(t, err)
		assert.Equal(t, "BTCUSDT", tick.Instrument)
		assert.Equal(t, 50000.5, tick.Price)
		assert.Equal(t, int64(3), tick.Volume)
		assert.Equal(t, t0, tick.EventTime)
	})

	t.Run("Unparseable price", func(t *testing.T) {
		ev := tradeEvent{Price: "n/a", Quantity: "1", Timestamp: t0}
		_, err := ev.toTick("BTCUSDT")
		assert.Error(t, err)
	})

	t.Run("Negative price fails validation", func(t *testing.T) {
		ev := tradeEvent{Price: "-1", Quantity: "1", Timestamp: t0}
		_, err := ev.toTick("BTCUSDT")
		assert.Error(t, err)
	})
}

func TestStreamDispatch(t *testing.T) {
	s := NewStream(StreamConfig{})
	channels := map[string]string{"BTCUSDT@trade": "BTCUSDT"}

	t.Run("Known channel forwards", func(t *testing.T) {
		var got []candle.Tick
		payload := `["BTCUSDT@trade",{"isBuyOrder":true,"quantity":"2","price":"100.5","timestamp":"2024-03-05T09:17:42Z"}]`
		s.dispatch(payload, channels, func(tick candle.Tick) { got = append(got, tick) })
		require.Len(t, got, 1)
		assert.Equal(t, "BTCUSDT", got[0].Instrument)
		assert.Equal(t, 100.5, got[0].Price)
		assert.Equal(t, int64(2), got[0].Volume)
	})

	t.Run("Unknown channel ignored", func(t *testing.T) {
		var got []candle.Tick
		payload := `["ETHUSDT@trade",{"quantity":"2","price":"100.5","timestamp":"2024-03-05T09:17:42Z"}]`
		s.dispatch(payload, channels, func(tick candle.Tick) { got = append(got, tick) })
		assert.Empty(t, got)
	})

	t.Run("Garbage frame ignored", func(t *testing.T) {
		var got []candle.Tick
		s.dispatch(`["subscribe"`, channels, func(tick candle.Tick) { got = append(got, tick) })
		s.dispatch(`not json at all`, channels, func(tick candle.Tick) { got = append(got, tick) })
		assert.Empty(t, got)
	})
}
