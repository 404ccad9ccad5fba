package scheduler

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func identity(v int) int { return v }

func runAsync[K comparable, T any](ctx context.Context, t *testing.T, s *Scheduler[K, T]) <-chan error {
	t.Helper()
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	return done
}

func TestNewValidates(t *testing.T) {
	t.Parallel()

	_, err := New[int, int](Config{MaxConcurrency: 0}, identity, func(context.Context, int) {}, zap.NewNop())
	require.Error(t, err)

	_, err = New[int, int](Config{MaxConcurrency: 1}, nil, func(context.Context, int) {}, zap.NewNop())
	require.Error(t, err)
}

func TestSchedulerBoundsConcurrency(t *testing.T) {
	t.Parallel()

	for _, capacity := range []int{1, 3, 5} {
		capacity := capacity
		t.Run(fmt.Sprintf("capacity_%d", capacity), func(t *testing.T) {
			t.Parallel()

			var current, peak, handled atomic.Int64
			s, err := New[int, int](Config{MaxConcurrency: capacity}, identity, func(context.Context, int) {
				n := current.Add(1)
				for {
					p := peak.Load()
					if n <= p || peak.CompareAndSwap(p, n) {
						break
					}
				}
				time.Sleep(5 * time.Millisecond)
				current.Add(-1)
				handled.Add(1)
			}, zap.NewNop())
			require.NoError(t, err)

			for i := 0; i < 25; i++ {
				s.Submit(i)
			}
			done := runAsync(context.Background(), t, s)

			require.Eventually(t, func() bool { return handled.Load() == 25 }, 5*time.Second, 5*time.Millisecond)
			require.LessOrEqual(t, peak.Load(), int64(capacity))
			require.Positive(t, peak.Load())

			s.Stop()
			require.NoError(t, <-done)
			require.Equal(t, StateStopped, s.State())
		})
	}
}

func TestSchedulerDispatchesInFIFOOrder(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	var order []int
	s, err := New[int, int](Config{MaxConcurrency: 1}, identity, func(_ context.Context, v int) {
		mu.Lock()
		order = append(order, v)
		mu.Unlock()
	}, zap.NewNop())
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		s.Submit(i)
	}
	done := runAsync(context.Background(), t, s)
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(order) == 5
	}, time.Second, 5*time.Millisecond)
	s.Stop()
	require.NoError(t, <-done)
	require.Equal(t, []int{0, 1, 2, 3, 4}, order)
}

func TestSchedulerPauseBlocksDispatch(t *testing.T) {
	t.Parallel()

	var handled atomic.Int64
	s, err := New[int, int](Config{MaxConcurrency: 2}, identity, func(context.Context, int) {
		handled.Add(1)
	}, zap.NewNop())
	require.NoError(t, err)

	s.Pause()
	s.Pause()
	for i := 0; i < 3; i++ {
		s.Submit(i)
	}
	done := runAsync(context.Background(), t, s)

	require.Eventually(t, func() bool { return s.State() == StatePaused }, time.Second, time.Millisecond)
	time.Sleep(30 * time.Millisecond)
	require.Zero(t, handled.Load())

	s.Unpause()
	s.Unpause()
	require.Eventually(t, func() bool { return handled.Load() == 3 }, time.Second, 5*time.Millisecond)
	require.Equal(t, StateRunning, s.State())

	s.Stop()
	require.NoError(t, <-done)
}

func TestSchedulerPauseLeavesInFlightWork(t *testing.T) {
	t.Parallel()

	started := make(chan struct{})
	release := make(chan struct{})
	var canceled atomic.Bool
	s, err := New[int, int](Config{MaxConcurrency: 1}, identity, func(ctx context.Context, _ int) {
		close(started)
		select {
		case <-ctx.Done():
			canceled.Store(true)
		case <-release:
		}
	}, zap.NewNop())
	require.NoError(t, err)

	s.Submit(1)
	done := runAsync(context.Background(), t, s)
	<-started
	s.Pause()
	close(release)

	require.Eventually(t, func() bool { return s.InFlight() == 0 }, time.Second, time.Millisecond)
	require.False(t, canceled.Load())
	s.Stop()
	require.NoError(t, <-done)
}

func TestRemoveByKeyCancelsInFlight(t *testing.T) {
	t.Parallel()

	started := make(chan struct{}, 1)
	var canceled, handled atomic.Int64
	s, err := New[int, int](Config{MaxConcurrency: 1}, identity, func(ctx context.Context, v int) {
		if v == 1 {
			started <- struct{}{}
			<-ctx.Done()
			canceled.Add(1)
			return
		}
		handled.Add(1)
	}, zap.NewNop())
	require.NoError(t, err)

	s.Submit(1)
	s.Submit(2)
	done := runAsync(context.Background(), t, s)
	<-started
	require.True(t, s.Tracked(1))

	require.True(t, s.RemoveByKey(1))
	require.False(t, s.Tracked(1))

	// The single permit comes back, so the next item runs.
	require.Eventually(t, func() bool { return handled.Load() == 1 }, time.Second, time.Millisecond)
	require.Equal(t, int64(1), canceled.Load())
	require.Eventually(t, func() bool { return s.InFlight() == 0 }, time.Second, time.Millisecond)

	s.Stop()
	require.NoError(t, <-done)
}

func TestRemoveByKeySuppressesQueuedItem(t *testing.T) {
	t.Parallel()

	var handled atomic.Int64
	skipped := make(chan int, 4)
	s, err := New[int, int](Config{MaxConcurrency: 1}, identity, func(context.Context, int) {
		handled.Add(1)
	}, zap.NewNop(), WithOnDone[int, int](func(v int, wasSkipped bool) {
		if wasSkipped {
			skipped <- v
		}
	}))
	require.NoError(t, err)

	s.Pause()
	s.Submit(7)
	require.False(t, s.RemoveByKey(7))
	done := runAsync(context.Background(), t, s)
	s.Unpause()

	select {
	case v := <-skipped:
		require.Equal(t, 7, v)
	case <-time.After(time.Second):
		t.Fatal("queued item was not skipped")
	}
	require.Zero(t, handled.Load())

	s.Stop()
	require.NoError(t, <-done)
}

func TestSubmitClearsEarlierRemoval(t *testing.T) {
	t.Parallel()

	var handled atomic.Int64
	s, err := New[int, int](Config{MaxConcurrency: 1}, identity, func(context.Context, int) {
		handled.Add(1)
	}, zap.NewNop())
	require.NoError(t, err)

	require.False(t, s.RemoveByKey(3))
	s.Submit(3)
	done := runAsync(context.Background(), t, s)
	require.Eventually(t, func() bool { return handled.Load() == 1 }, time.Second, time.Millisecond)

	s.Stop()
	require.NoError(t, <-done)
}

func TestStopDoesNotCancelInFlight(t *testing.T) {
	t.Parallel()

	started := make(chan struct{})
	release := make(chan struct{})
	var canceled atomic.Bool
	s, err := New[int, int](Config{MaxConcurrency: 2}, identity, func(ctx context.Context, _ int) {
		close(started)
		select {
		case <-ctx.Done():
			canceled.Store(true)
		case <-release:
		}
	}, zap.NewNop())
	require.NoError(t, err)

	s.Submit(1)
	done := runAsync(context.Background(), t, s)
	<-started
	s.Stop()

	select {
	case <-done:
		t.Fatal("Run returned before in-flight work finished")
	case <-time.After(20 * time.Millisecond):
	}
	close(release)
	require.NoError(t, <-done)
	require.False(t, canceled.Load())
}

func TestRunReturnsOnContextCancel(t *testing.T) {
	t.Parallel()

	s, err := New[int, int](Config{MaxConcurrency: 1}, identity, func(context.Context, int) {}, zap.NewNop())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := runAsync(ctx, t, s)
	cancel()
	require.ErrorIs(t, <-done, context.Canceled)
	require.Equal(t, StateStopped, s.State())
}

func TestAdvanceDrainIsMonotonic(t *testing.T) {
	t.Parallel()

	s, err := New[int, int](Config{MaxConcurrency: 1}, identity, func(context.Context, int) {}, zap.NewNop())
	require.NoError(t, err)

	require.Equal(t, MoreWork, s.DrainStatus())
	require.True(t, s.AdvanceDrain(SourceExhausted))
	require.False(t, s.AdvanceDrain(SourceExhausted))
	require.False(t, s.AdvanceDrain(MoreWork))
	require.Equal(t, SourceExhausted, s.DrainStatus())
	require.True(t, s.AdvanceDrain(QueueDrained))
	require.False(t, s.AdvanceDrain(SourceExhausted))
	require.Equal(t, QueueDrained, s.DrainStatus())
	require.Equal(t, "queue_drained", s.DrainStatus().String())
}

func TestStatusSummarizesQueue(t *testing.T) {
	t.Parallel()

	s, err := New[int, int](Config{MaxConcurrency: 1}, identity, func(context.Context, int) {}, zap.NewNop())
	require.NoError(t, err)
	s.Submit(1)
	s.Submit(2)

	st := s.Status()
	require.Equal(t, "idle", st.State)
	require.Equal(t, "more_work", st.Drain)
	require.Equal(t, 2, st.Pending)
	require.Zero(t, st.InFlight)
}
