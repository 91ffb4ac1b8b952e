package service

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type countingEvictor struct {
	calls   atomic.Int64
	maxIdle atomic.Int64
}

func (c *countingEvictor) EvictIdle(_ context.Context, maxIdle time.Duration) int {
	c.calls.Add(1)
	c.maxIdle.Store(int64(maxIdle))
	return 1
}

func TestIdleReaperSweepsUntilCancelled(t *testing.T) {
	ev := &countingEvictor{}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		NewIdleReaper(ev, 5*time.Millisecond, time.Minute).Start(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool { return ev.calls.Load() >= 2 }, time.Second, time.Millisecond)
	require.Equal(t, int64(time.Minute), ev.maxIdle.Load())

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("reaper did not stop after cancel")
	}
}

func TestIdleReaperDisabledWithoutTimeout(t *testing.T) {
	ev := &countingEvictor{}
	done := make(chan struct{})
	go func() {
		NewIdleReaper(ev, time.Millisecond, 0).Start(context.Background())
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("disabled reaper should return immediately")
	}
	require.Zero(t, ev.calls.Load())
}
