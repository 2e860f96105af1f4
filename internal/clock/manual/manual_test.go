package manual

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestManualClockSleepAdvances(t *testing.T) {
	t.Parallel()

	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	clk := New(start)

	require.NoError(t, clk.Sleep(context.Background(), 2*time.Second))
	require.NoError(t, clk.Sleep(context.Background(), 0))
	clk.Advance(time.Second)

	require.Equal(t, start.Add(3*time.Second), clk.Now())
	require.Equal(t, []time.Duration{2 * time.Second}, clk.Sleeps())
	require.Equal(t, 2*time.Second, clk.Slept())
}

func TestManualClockSleepCanceled(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	clk := New(time.Time{})
	require.ErrorIs(t, clk.Sleep(ctx, time.Second), context.Canceled)
	require.Empty(t, clk.Sleeps())
}
