package system

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/crawlkit/internal/metrics"
)

var _ metrics.Clock = New()

func TestNowIsCurrentUTC(t *testing.T) {
	t.Parallel()

	before := time.Now().Add(-time.Second)
	got := New().Now()

	require.Equal(t, time.UTC, got.Location())
	require.WithinRange(t, got, before, time.Now().Add(time.Second))
}

func TestNowNeverGoesBackwards(t *testing.T) {
	t.Parallel()

	clk := New()
	prev := clk.Now()
	for range 100 {
		next := clk.Now()
		require.False(t, next.Before(prev), "%v before %v", next, prev)
		prev = next
	}
}
