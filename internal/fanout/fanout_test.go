package fanout

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/querygate/querygate/internal/executor"
	"github.com/querygate/querygate/pkg/logger"
)

func newTestCoordinator(t *testing.T, maxParallel int) *Coordinator {
	t.Helper()
	c, err := New(Config{Logger: logger.New(false), MaxParallel: maxParallel})
	require.NoError(t, err)
	t.Cleanup(c.Stop)
	return c
}

func TestFanout_Run_PreservesRequestOrder(t *testing.T) {
	t.Parallel()

	c := newTestCoordinator(t, 4)
	connections := []string{"a", "b", "c", "d"}

	outcomes := c.Run(t.Context(), connections, func(_ context.Context, _ int, name string) (*executor.Result, error) {
		if name == "a" {
			// Slowest first; order must still follow the request.
			time.Sleep(30 * time.Millisecond)
		}
		return &executor.Result{Connection: name}, nil
	})

	require.Len(t, outcomes, len(connections))
	for i, name := range connections {
		require.Equal(t, name, outcomes[i].Connection)
		require.NotNil(t, outcomes[i].Result)
		require.NoError(t, outcomes[i].Err)
	}
}

func TestFanout_Run_IsolatesFailures(t *testing.T) {
	t.Parallel()

	c := newTestCoordinator(t, 2)
	boom := errors.New("backend down")

	outcomes := c.Run(t.Context(), []string{"ok1", "bad", "ok2"}, func(_ context.Context, _ int, name string) (*executor.Result, error) {
		if name == "bad" {
			return nil, boom
		}
		return &executor.Result{Connection: name}, nil
	})

	require.Len(t, outcomes, 3)
	require.NoError(t, outcomes[0].Err)
	require.ErrorIs(t, outcomes[1].Err, boom)
	require.Nil(t, outcomes[1].Result)
	require.NoError(t, outcomes[2].Err, "a failing connection must not abort the others")
}

func TestFanout_Run_BoundsParallelism(t *testing.T) {
	t.Parallel()

	c := newTestCoordinator(t, 2)

	var inFlight, peak atomic.Int32
	connections := []string{"a", "b", "c", "d", "e", "f"}

	c.Run(t.Context(), connections, func(_ context.Context, _ int, name string) (*executor.Result, error) {
		now := inFlight.Add(1)
		for {
			old := peak.Load()
			if now <= old || peak.CompareAndSwap(old, now) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		inFlight.Add(-1)
		return &executor.Result{Connection: name}, nil
	})

	require.LessOrEqual(t, peak.Load(), int32(2))
}

func TestFanout_Run_IndexFollowsSlot(t *testing.T) {
	t.Parallel()

	c := newTestCoordinator(t, 2)
	connections := []string{"dup", "dup", "other"}

	var seen [3]atomic.Int32
	outcomes := c.Run(t.Context(), connections, func(_ context.Context, index int, name string) (*executor.Result, error) {
		seen[index].Add(1)
		require.Equal(t, connections[index], name)
		return &executor.Result{Connection: name}, nil
	})

	require.Len(t, outcomes, 3)
	for i := range seen {
		require.Equal(t, int32(1), seen[i].Load(), "each slot runs exactly once, duplicates included")
	}
}

func TestFanout_Run_Empty(t *testing.T) {
	t.Parallel()

	c := newTestCoordinator(t, 2)
	outcomes := c.Run(t.Context(), nil, func(_ context.Context, _ int, _ string) (*executor.Result, error) {
		t.Fatal("runner must not be called")
		return nil, nil
	})
	require.Empty(t, outcomes)
}
