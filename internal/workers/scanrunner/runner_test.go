package scanrunner

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPool_BoundsConcurrency(t *testing.T) {
	p := New(2, nil)
	ctx := context.Background()

	var running, peak atomic.Int32
	release := make(chan struct{})
	for i := 0; i < 6; i++ {
		p.Submit(ctx, "t", func(context.Context) error {
			n := running.Add(1)
			for {
				old := peak.Load()
				if n <= old || peak.CompareAndSwap(old, n) {
					break
				}
			}
			<-release
			running.Add(-1)
			return nil
		}, nil)
	}

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(2), running.Load())
	close(release)

	wctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	require.NoError(t, p.Wait(wctx))
	assert.Equal(t, int32(2), peak.Load())
}

func TestPool_SubmitDoesNotBlock(t *testing.T) {
	p := New(1, nil)
	ctx, cancel := context.WithCancel(context.Background())

	block := make(chan struct{})
	p.Submit(ctx, "blocker", func(context.Context) error { <-block; return nil }, nil)

	start := time.Now()
	var ran atomic.Bool
	p.Submit(ctx, "queued", func(context.Context) error { ran.Store(true); return nil }, nil)
	assert.Less(t, time.Since(start), 100*time.Millisecond)

	cancel()
	close(block)
	require.NoError(t, p.Wait(context.Background()))
}

func TestPool_TaskErrorIsContained(t *testing.T) {
	p := New(1, nil)
	var after atomic.Bool
	p.Submit(context.Background(), "bad", func(context.Context) error { return errors.New("boom") }, nil)
	p.Submit(context.Background(), "good", func(context.Context) error { after.Store(true); return nil }, nil)
	require.NoError(t, p.Wait(context.Background()))
	assert.True(t, after.Load())
}

func TestPool_DroppedTaskIsReported(t *testing.T) {
	p := New(1, nil)
	ctx, cancel := context.WithCancel(context.Background())

	block := make(chan struct{})
	started := make(chan struct{})
	p.Submit(ctx, "blocker", func(context.Context) error { close(started); <-block; return nil }, nil)
	<-started

	var ran atomic.Bool
	dropped := make(chan error, 1)
	p.Submit(ctx, "queued", func(context.Context) error { ran.Store(true); return nil }, func(err error) { dropped <- err })

	cancel()
	select {
	case err := <-dropped:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("queued task was not reported as dropped")
	}
	close(block)
	require.NoError(t, p.Wait(context.Background()))
	assert.False(t, ran.Load())
}

func TestPool_WaitHonorsContext(t *testing.T) {
	p := New(1, nil)
	block := make(chan struct{})
	defer close(block)
	p.Go(func() { <-block })

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, p.Wait(ctx), context.DeadlineExceeded)
}

func TestEvery_StopsWhenFnReturnsFalse(t *testing.T) {
	calls := 0
	err := Every(context.Background(), time.Millisecond, func() bool {
		calls++
		return calls < 3
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestEvery_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := Every(ctx, time.Hour, func() bool { return true })
	assert.ErrorIs(t, err, context.Canceled)
}
