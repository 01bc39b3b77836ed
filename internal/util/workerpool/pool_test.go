package workerpool

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestPool_RunsTasks(t *testing.T) {
	p := New(Config{Name: "test", MaxWorkers: 2, QueueSize: 10, Logger: zap.NewNop()})
	defer p.Stop(time.Second)

	var ran int32
	for i := 0; i < 5; i++ {
		require.NoError(t, p.Submit(Task{ID: "t", Fn: func(ctx context.Context) error {
			atomic.AddInt32(&ran, 1)
			return nil
		}}))
	}

	assert.Eventually(t, func() bool { return atomic.LoadInt32(&ran) == 5 }, time.Second, 5*time.Millisecond)
	assert.Eventually(t, func() bool { return p.Stats().Completed == 5 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, uint64(5), p.Stats().Submitted)
}

func TestPool_CountsFailuresAndPanics(t *testing.T) {
	p := New(Config{Name: "test", MaxWorkers: 1, QueueSize: 4})
	defer p.Stop(time.Second)

	require.NoError(t, p.Submit(Task{ID: "err", Fn: func(ctx context.Context) error { return errors.New("boom") }}))
	require.NoError(t, p.Submit(Task{ID: "panic", Fn: func(ctx context.Context) error { panic("boom") }}))

	assert.Eventually(t, func() bool { return p.Stats().Failed == 2 }, time.Second, 5*time.Millisecond)
}

func TestPool_QueueFull(t *testing.T) {
	block := make(chan struct{})
	depths := make(chan int, 10)
	p := New(Config{Name: "test", MaxWorkers: 1, QueueSize: 1, OnQueueDepth: func(d int) { depths <- d }})
	defer func() {
		close(block)
		p.Stop(time.Second)
	}()

	started := make(chan struct{})
	require.NoError(t, p.Submit(Task{Fn: func(ctx context.Context) error {
		close(started)
		<-block
		return nil
	}}))
	<-started

	require.NoError(t, p.Submit(Task{Fn: func(ctx context.Context) error { return nil }}))
	err := p.Submit(Task{Fn: func(ctx context.Context) error { return nil }})
	assert.ErrorIs(t, err, ErrQueueFull)
	assert.True(t, p.Stats().Saturated())
	assert.Equal(t, uint64(1), p.Stats().Rejected)
}

func TestPool_StoppedRejects(t *testing.T) {
	p := New(Config{Name: "test"})
	require.NoError(t, p.Stop(time.Second))

	err := p.Submit(Task{Fn: func(ctx context.Context) error { return nil }})
	assert.ErrorIs(t, err, ErrStopped)

	err = p.SubmitWithContext(context.Background(), Task{Fn: func(ctx context.Context) error { return nil }})
	assert.ErrorIs(t, err, ErrStopped)
}

func TestPool_StopDropsQueuedTasks(t *testing.T) {
	block := make(chan struct{})
	p := New(Config{Name: "test", MaxWorkers: 1, QueueSize: 4})

	started := make(chan struct{})
	require.NoError(t, p.Submit(Task{ID: "running", Fn: func(ctx context.Context) error {
		close(started)
		<-block
		return nil
	}}))
	<-started

	var ran, dropped int32
	var dropErr atomic.Value
	for i := 0; i < 3; i++ {
		require.NoError(t, p.Submit(Task{
			ID: "queued",
			Fn: func(ctx context.Context) error {
				atomic.AddInt32(&ran, 1)
				return nil
			},
			OnDrop: func(err error) {
				atomic.AddInt32(&dropped, 1)
				dropErr.Store(err)
			},
		}))
	}

	go func() {
		time.Sleep(20 * time.Millisecond)
		close(block)
	}()
	require.NoError(t, p.Stop(time.Second))

	assert.Equal(t, int32(0), atomic.LoadInt32(&ran))
	assert.Equal(t, int32(3), atomic.LoadInt32(&dropped))
	assert.ErrorIs(t, dropErr.Load().(error), ErrStopped)
	assert.Equal(t, uint64(3), p.Stats().Dropped)
	assert.Equal(t, 0, p.Stats().Queued)
}

func TestPool_SubmitWithContextWaitsForSpace(t *testing.T) {
	block := make(chan struct{})
	p := New(Config{Name: "test", MaxWorkers: 1, QueueSize: 1})
	defer p.Stop(time.Second)

	started := make(chan struct{})
	require.NoError(t, p.Submit(Task{Fn: func(ctx context.Context) error {
		close(started)
		<-block
		return nil
	}}))
	<-started
	require.NoError(t, p.Submit(Task{Fn: func(ctx context.Context) error { return nil }}))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := p.SubmitWithContext(ctx, Task{Fn: func(ctx context.Context) error { return nil }})
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	close(block)
	err = p.SubmitWithContext(context.Background(), Task{Fn: func(ctx context.Context) error { return nil }})
	require.NoError(t, err)
	assert.Eventually(t, func() bool { return p.Stats().Completed == 3 }, time.Second, 5*time.Millisecond)
}
