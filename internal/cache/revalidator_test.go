package cache

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestRevalidatorRunsTasks(t *testing.T) {
	r := NewRevalidator(RevalidatorConfig{Workers: 2, QueueSize: 4}, zaptest.NewLogger(t), nil)
	defer r.Close(context.Background())

	done := make(chan struct{})
	require.True(t, r.Submit("k", func(ctx context.Context) error {
		_, hasDeadline := ctx.Deadline()
		assert.True(t, hasDeadline)
		close(done)
		return nil
	}))

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("task did not run")
	}
	assert.Eventually(t, func() bool { return r.Pending() == 0 }, time.Second, 5*time.Millisecond)
}

func TestRevalidatorCoalescesKey(t *testing.T) {
	r := NewRevalidator(RevalidatorConfig{Workers: 1, QueueSize: 4}, zaptest.NewLogger(t), nil)
	defer r.Close(context.Background())

	block := make(chan struct{})
	var runs atomic.Int32
	task := func(ctx context.Context) error {
		runs.Add(1)
		<-block
		return nil
	}

	require.True(t, r.Submit("same", task))
	assert.False(t, r.Submit("same", task))
	assert.False(t, r.Submit("same", task))
	assert.Equal(t, 1, r.Pending())

	close(block)
	require.Eventually(t, func() bool { return r.Pending() == 0 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(1), runs.Load())

	// Once finished the key may be scheduled again.
	assert.True(t, r.Submit("same", func(ctx context.Context) error { return nil }))
}

func TestRevalidatorDropsWhenQueueFull(t *testing.T) {
	r := NewRevalidator(RevalidatorConfig{Workers: 1, QueueSize: 1}, zaptest.NewLogger(t), nil)
	defer r.Close(context.Background())

	started := make(chan struct{})
	block := make(chan struct{})
	require.True(t, r.Submit("running", func(ctx context.Context) error {
		close(started)
		<-block
		return nil
	}))
	<-started

	require.True(t, r.Submit("queued", func(ctx context.Context) error { return nil }))
	assert.False(t, r.Submit("overflow", func(ctx context.Context) error { return nil }))
	assert.Equal(t, 2, r.Pending())

	close(block)
	assert.Eventually(t, func() bool { return r.Pending() == 0 }, time.Second, 5*time.Millisecond)
}

func TestRevalidatorSurvivesPanicsAndErrors(t *testing.T) {
	r := NewRevalidator(RevalidatorConfig{Workers: 1, QueueSize: 4}, zaptest.NewLogger(t), nil)
	defer r.Close(context.Background())

	require.True(t, r.Submit("panics", func(ctx context.Context) error { panic("origin exploded") }))
	require.True(t, r.Submit("fails", func(ctx context.Context) error { return errors.New("timeout") }))

	done := make(chan struct{})
	require.True(t, r.Submit("after", func(ctx context.Context) error {
		close(done)
		return nil
	}))

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker died after panic")
	}
}

func TestRevalidatorThrottles(t *testing.T) {
	r := NewRevalidator(RevalidatorConfig{Workers: 1, QueueSize: 16, Rate: 1}, zaptest.NewLogger(t), nil)
	defer r.Close(context.Background())

	noop := func(ctx context.Context) error { return nil }
	assert.True(t, r.Submit("a", noop))
	assert.False(t, r.Submit("b", noop))
}

func TestRevalidatorClose(t *testing.T) {
	r := NewRevalidator(RevalidatorConfig{Workers: 1, QueueSize: 4}, zaptest.NewLogger(t), nil)

	var runs atomic.Int32
	for _, key := range []string{"a", "b", "c"} {
		require.True(t, r.Submit(key, func(ctx context.Context) error {
			runs.Add(1)
			return nil
		}))
	}

	require.NoError(t, r.Close(context.Background()))
	assert.Equal(t, int32(3), runs.Load(), "queued tasks drain before Close returns")
	assert.False(t, r.Submit("late", func(ctx context.Context) error { return nil }))
	assert.NoError(t, r.Close(context.Background()))
}
