// Package valuation computes holding values and P&L from latest-price
// snapshots. Money math runs on decimals so repeated float rounding never
// leaks into reported values.
//
// Like indicator, this is consumer-facing surface: portfolio tooling marks
// holdings against the price cache, the ingest pipeline never calls it.
package valuation

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/marketbeam/tickstore/internal/pricecache"
)

// Holding is a quantity of an instrument with its acquisition cost.
type Holding struct {
	Instrument string
	Quantity   decimal.Decimal
	CostBasis  decimal.Decimal // total cost, not per unit
}

// Valuation is the marked-to-latest-price view of a holding.
type Valuation struct {
	Instrument  string
	Quantity    decimal.Decimal
	MarketValue decimal.Decimal
	CostBasis   decimal.Decimal
	PnL         decimal.Decimal
	PnLPercent  decimal.Decimal
	PricedAt    time.Time
}

// Prices supplies the latest observed price per instrument.
// *pricecache.Cache satisfies it.
type Prices interface {
	Get(instrument string) (pricecache.Snapshot, bool)
}

// Value marks a holding against the latest price. Instruments with no
// observed price yet return an error rather than a zero valuation.
func Value(prices Prices, h Holding) (Valuation, error) {
	snap, ok := prices.Get(h.Instrument)
	if !ok {
		return Valuation{}, fmt.Errorf("valuation: no price observed for %s", h.Instrument)
	}
	price := decimal.NewFromFloat(snap.Price)
	mv := h.Quantity.Mul(price)
	pnl := mv.Sub(h.CostBasis)
	pct := decimal.Zero
	if !h.CostBasis.IsZero() {
		pct = pnl.Div(h.CostBasis).Mul(decimal.NewFromInt(100))
	}
	return Valuation{
		Instrument:  h.Instrument,
		Quantity:    h.Quantity,
		MarketValue: mv,
		CostBasis:   h.CostBasis,
		PnL:         pnl,
		PnLPercent:  pct,
		PricedAt:    snap.ObservedAt,
	}, nil
}

// ValueAll marks every holding, skipping instruments without prices and
// reporting them alongside the total.
func ValueAll(prices Prices, holdings []Holding) (total decimal.Decimal, vals []Valuation, unpriced []string) {
	total = decimal.Zero
	for _, h := range holdings {
		v, err := Value(prices, h)
		if err != nil {
			unpriced = append(unpriced, h.Instrument)
			continue
		}
		vals = append(vals, v)
		total = total.Add(v.MarketValue)
	}
	return total, vals, unpriced
}
