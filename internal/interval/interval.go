// Package interval defines the fixed set of candle granularities and the
// bucket-alignment rules shared by the aggregator, consolidator and store.
package interval

import (
	"errors"
	"time"
)

// Granularity is the duration of one candle bucket, e.g. "1m" or "5m".
// Coarser granularities are exact integer multiples of Min1.
type Granularity string

const (
	Min1  Granularity = "1m"
	Min5  Granularity = "5m"
	Min15 Granularity = "15m"
	Min30 Granularity = "30m"
	Hour1 Granularity = "1h"
	Day1  Granularity = "1d"
)

// Base is the granularity live ticks are aggregated into.
const Base = Min1

var ErrUnsupported = errors.New("unsupported granularity")

// Parse validates a granularity string.
func Parse(s string) (Granularity, error) {
	g := Granularity(s)
	if g.Duration() == 0 {
		return "", ErrUnsupported
	}
	return g, nil
}

// Duration returns the bucket length, or 0 for an unknown granularity.
func (g Granularity) Duration() time.Duration {
	switch g {
	case Min1:
		return time.Minute
	case Min5:
		return 5 * time.Minute
	case Min15:
		return 15 * time.Minute
	case Min30:
		return 30 * time.Minute
	case Hour1:
		return time.Hour
	case Day1:
		return 24 * time.Hour
	default:
		return 0
	}
}

func (g Granularity) Valid() bool { return g.Duration() > 0 }

func (g Granularity) String() string { return string(g) }

// Truncate aligns t down to the start of its bucket. Buckets are aligned to
// UTC midnight, so a 5m bucket for 09:17:42 starts at 09:15:00.
func (g Granularity) Truncate(t time.Time) time.Time {
	return t.UTC().Truncate(g.Duration())
}

// MultipleOf reports whether g is an exact integer multiple of base.
func (g Granularity) MultipleOf(base Granularity) bool {
	bd := base.Duration()
	gd := g.Duration()
	if bd == 0 || gd == 0 || gd <= bd {
		return false
	}
	return gd%bd == 0
}

// Supported returns all granularities, finest first.
func Supported() []Granularity {
	return []Granularity{Min1, Min5, Min15, Min30, Hour1, Day1}
}

// Coarser returns the granularities derived from the base by consolidation.
func Coarser() []Granularity {
	return []Granularity{Min5, Min15, Min30, Hour1, Day1}
}
