package notifier

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marketbeam/tickstore/internal/candle"
	"github.com/marketbeam/tickstore/internal/interval"
)

func testCandle(close float64) candle.Candle {
	return candle.Candle{
		Instrument:  "BTCUSDT",
		Granularity: interval.Min1,
		BucketStart: time.Date(2024, 3, 5, 9, 0, 0, 0, time.UTC),
		Open:        close, High: close, Low: close, Close: close,
		Volume: 1, Source: "live",
	}
}

func TestBus_Subscribe(t *testing.T) {
	bus := New(nil, nil)
	defer bus.Close()

	sub, err := bus.Subscribe("charts", 4)
	require.NoError(t, err)
	require.NotNil(t, sub)

	_, err = bus.Subscribe("charts", 4)
	assert.Error(t, err, "duplicate subscriber names rejected")
}

func TestBus_Publish(t *testing.T) {
	bus := New(nil, nil)
	defer bus.Close()

	sub, err := bus.Subscribe("charts", 4)
	require.NoError(t, err)

	bus.CandleFinalized(testCandle(100))

	select {
	case ev := <-sub.Events():
		assert.Equal(t, KindCandleFinalized, ev.Kind)
		assert.Equal(t, 100.0, ev.Candle.Close)
	case <-time.After(time.Second):
		t.Fatal("no event delivered")
	}
}

func TestBus_DropOldestOnOverflow(t *testing.T) {
	bus := New(nil, nil)
	defer bus.Close()

	sub, err := bus.Subscribe("slow", 2)
	require.NoError(t, err)

	// Nobody drains: the queue holds 2, so publishing 5 drops the 3 oldest.
	for i := 0; i < 5; i++ {
		bus.CandleUpdated(testCandle(float64(100 + i)))
	}

	assert.Equal(t, uint64(3), sub.Missed())

	got := make([]float64, 0, 2)
	for len(got) < 2 {
		select {
		case ev := <-sub.Events():
			got = append(got, ev.Candle.Close)
		case <-time.After(time.Second):
			t.Fatal("queued events missing")
		}
	}
	assert.Equal(t, []float64{103, 104}, got, "newest events survive")
}

func TestBus_SlowSubscriberDoesNotBlockOthers(t *testing.T) {
	bus := New(nil, nil)
	defer bus.Close()

	_, err := bus.Subscribe("stalled", 1)
	require.NoError(t, err)
	fast, err := bus.Subscribe("fast", 16)
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			bus.CandleUpdated(testCandle(float64(i + 1)))
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a stalled subscriber")
	}

	received := 0
	for received < 10 {
		select {
		case <-fast.Events():
			received++
		case <-time.After(time.Second):
			t.Fatalf("fast subscriber saw %d of 10 events", received)
		}
	}
}

func TestBus_CloseUnblocksSubscribers(t *testing.T) {
	bus := New(nil, nil)
	sub, err := bus.Subscribe("charts", 4)
	require.NoError(t, err)

	bus.Close()

	_, open := <-sub.Events()
	assert.False(t, open, "subscriber channel closes with the bus")
}
