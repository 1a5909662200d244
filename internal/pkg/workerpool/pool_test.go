package workerpool

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	logger "github.com/Gopher0727/Orbo/middleware/log"
)

func newStartedPool(t *testing.T, workers, queue int) *Pool {
	t.Helper()
	p := New(workers, queue, logger.NewNop())
	p.Start()
	t.Cleanup(p.Stop)
	return p
}

func TestPool_SubmitRunsJobs(t *testing.T) {
	p := newStartedPool(t, 4, 16)

	var n atomic.Int32
	done := make(chan struct{}, 10)
	for i := 0; i < 10; i++ {
		require.NoError(t, p.Submit(func() {
			n.Add(1)
			done <- struct{}{}
		}))
	}
	for i := 0; i < 10; i++ {
		<-done
	}
	assert.Equal(t, int32(10), n.Load())
}

func TestPool_SurvivesPanics(t *testing.T) {
	p := newStartedPool(t, 1, 4)

	require.NoError(t, p.Submit(func() { panic("boom") }))
	done := make(chan struct{})
	require.NoError(t, p.Submit(func() { close(done) }))

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker did not survive the panic")
	}
}

func TestPool_SubmitAfterStop(t *testing.T) {
	p := New(1, 1, logger.NewNop())
	p.Start()
	p.Stop()
	assert.ErrorIs(t, p.Submit(func() {}), ErrStopped)
}

func TestPool_SubmitContextFullQueue(t *testing.T) {
	p := New(1, 0, logger.NewNop())
	// not started: nothing drains the queue

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, p.SubmitContext(ctx, func() {}), context.DeadlineExceeded)
}

func TestRun_IsolatesFailures(t *testing.T) {
	p := newStartedPool(t, 3, 8)

	items := []int{1, 2, 3, 4, 5, 6}
	res := Run(context.Background(), p, items, time.Second, func(_ context.Context, item int) error {
		switch item {
		case 2:
			return errors.New("platform error")
		case 4:
			panic("bad item")
		}
		return nil
	})

	assert.Equal(t, 6, res.Total)
	assert.Equal(t, 4, res.Succeeded)
	assert.Zero(t, res.Skipped)
	require.Len(t, res.Failed, 2)

	failed := map[int]string{}
	for _, f := range res.Failed {
		failed[f.Item] = f.Err.Error()
	}
	assert.Equal(t, "platform error", failed[2])
	assert.Contains(t, failed[4], "panic: bad item")
}

func TestRun_ItemTimeout(t *testing.T) {
	p := newStartedPool(t, 2, 4)

	res := Run(context.Background(), p, []string{"slow", "fast"}, 20*time.Millisecond, func(ctx context.Context, item string) error {
		if item == "slow" {
			<-ctx.Done()
			return ctx.Err()
		}
		return nil
	})

	assert.Equal(t, 1, res.Succeeded)
	require.Len(t, res.Failed, 1)
	assert.Equal(t, "slow", res.Failed[0].Item)
	assert.ErrorIs(t, res.Failed[0].Err, context.DeadlineExceeded)
}

func TestRun_BatchDeadlineSkipsRemaining(t *testing.T) {
	p := newStartedPool(t, 1, 0)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	items := make([]int, 20)
	res := Run(ctx, p, items, time.Second, func(ctx context.Context, _ int) error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(10 * time.Millisecond):
			return nil
		}
	})

	assert.Equal(t, 20, res.Total)
	assert.Positive(t, res.Skipped)
	assert.Equal(t, res.Total, res.Succeeded+res.Skipped+len(res.Failed))
}

func TestRun_Empty(t *testing.T) {
	p := newStartedPool(t, 1, 1)
	res := Run(context.Background(), p, []int(nil), time.Second, func(context.Context, int) error { return nil })
	assert.Equal(t, BatchResult[int]{}, res)
}
