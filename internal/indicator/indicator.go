// Package indicator provides moving averages and oscillators computed over
// finalized candle series. Positions before the warm-up period are NaN.
//
// The ingest pipeline does not call into this package; it exists for
// downstream consumers (screeners, signal jobs) reading candles from the
// store.
package indicator

import (
	"math"

	"github.com/marketbeam/tickstore/internal/candle"
)

// Closes extracts the close series from candles, oldest first.
func Closes(candles []candle.Candle) []float64 {
	out := make([]float64, len(candles))
	for i, c := range candles {
		out[i] = c.Close
	}
	return out
}

// SMA computes the simple moving average over period. The first period-1
// positions are NaN.
func SMA(prices []float64, period int) []float64 {
	if len(prices) < period || period <= 0 {
		return nil
	}
	out := make([]float64, len(prices))
	for i := 0; i < period-1; i++ {
		out[i] = math.NaN()
	}
	var sum float64
	for i, p := range prices {
		sum += p
		if i >= period {
			sum -= prices[i-period]
		}
		if i >= period-1 {
			out[i] = sum / float64(period)
		}
	}
	return out
}

// EMA computes the exponential moving average, seeded with the SMA of the
// first period values.
func EMA(prices []float64, period int) []float64 {
	if len(prices) < period || period <= 0 {
		return nil
	}
	out := make([]float64, len(prices))
	for i := 0; i < period-1; i++ {
		out[i] = math.NaN()
	}
	var seed float64
	for i := 0; i < period; i++ {
		seed += prices[i]
	}
	out[period-1] = seed / float64(period)
	k := 2.0 / float64(period+1)
	for i := period; i < len(prices); i++ {
		out[i] = prices[i]*k + out[i-1]*(1-k)
	}
	return out
}
