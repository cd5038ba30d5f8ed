package interval

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	t.Run("Supported granularities", func(t *testing.T) {
		for _, raw := range []string{"1m", "5m", "15m", "30m", "1h", "1d"} {
			g, err := Parse(raw)
			require.NoError(t, err)
			assert.Equal(t, raw, g.String())
			assert.True(t, g.Valid())
		}
	})

	t.Run("Unsupported granularity", func(t *testing.T) {
		_, err := Parse("7m")
		assert.ErrorIs(t, err, ErrUnsupported)
	})
}

func TestTruncate(t *testing.T) {
	t.Run("Mid-bucket tick aligns down", func(t *testing.T) {
		ts := time.Date(2024, 3, 5, 9, 17, 42, 123456789, time.UTC)
		assert.Equal(t, time.Date(2024, 3, 5, 9, 17, 0, 0, time.UTC), Min1.Truncate(ts))
		assert.Equal(t, time.Date(2024, 3, 5, 9, 15, 0, 0, time.UTC), Min5.Truncate(ts))
		assert.Equal(t, time.Date(2024, 3, 5, 9, 15, 0, 0, time.UTC), Min15.Truncate(ts))
		assert.Equal(t, time.Date(2024, 3, 5, 9, 0, 0, 0, time.UTC), Hour1.Truncate(ts))
		assert.Equal(t, time.Date(2024, 3, 5, 0, 0, 0, 0, time.UTC), Day1.Truncate(ts))
	})

	t.Run("Boundary maps to itself", func(t *testing.T) {
		ts := time.Date(2024, 3, 5, 9, 15, 0, 0, time.UTC)
		assert.Equal(t, ts, Min5.Truncate(ts))
	})

	t.Run("Non-UTC input converts", func(t *testing.T) {
		loc := time.FixedZone("IRST", int(3*time.Hour/time.Second)+30*60)
		ts := time.Date(2024, 3, 5, 12, 47, 30, 0, loc)
		got := Min5.Truncate(ts)
		assert.Equal(t, time.UTC, got.Location())
		assert.Equal(t, time.Date(2024, 3, 5, 9, 15, 0, 0, time.UTC), got)
	})
}

func TestMultipleOf(t *testing.T) {
	assert.True(t, Min5.MultipleOf(Min1))
	assert.True(t, Hour1.MultipleOf(Min5))
	assert.True(t, Day1.MultipleOf(Hour1))
	assert.False(t, Min1.MultipleOf(Min1))
	assert.False(t, Min5.MultipleOf(Hour1))
}

func TestCoarser(t *testing.T) {
	for _, g := range Coarser() {
		assert.NotEqual(t, Base, g)
		assert.True(t, g.MultipleOf(Base))
	}
}
