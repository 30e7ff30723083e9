package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestNewFixedDelay_Validation(t *testing.T) {
	_, err := NewFixedDelay("x", 0, func(context.Context) error { return nil }, nil)
	assert.ErrorIs(t, err, ErrInvalidConfig)

	_, err = NewFixedDelay("x", time.Second, nil, nil)
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestFixedDelay_RunsUntilCancelled(t *testing.T) {
	var calls atomic.Int64
	job, err := NewFixedDelay("tick", 5*time.Millisecond, func(context.Context) error {
		calls.Add(1)
		return nil
	}, zap.NewNop())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- job.Run(ctx) }()

	require.Eventually(t, func() bool { return calls.Load() >= 3 }, time.Second, time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancellation")
	}
	assert.Equal(t, calls.Load(), job.Runs())
}

func TestFixedDelay_RunsNeverOverlap(t *testing.T) {
	var active, maxActive atomic.Int64
	job, err := NewFixedDelay("slow", time.Millisecond, func(context.Context) error {
		n := active.Add(1)
		defer active.Add(-1)
		if n > maxActive.Load() {
			maxActive.Store(n)
		}
		time.Sleep(10 * time.Millisecond)
		return nil
	}, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 80*time.Millisecond)
	defer cancel()
	require.NoError(t, job.Run(ctx))

	assert.Equal(t, int64(1), maxActive.Load())
	assert.GreaterOrEqual(t, job.Runs(), int64(2))
}

func TestFixedDelay_DelayCountsFromEndOfRun(t *testing.T) {
	var starts []time.Time
	job, err := NewFixedDelay("spaced", 20*time.Millisecond, func(context.Context) error {
		starts = append(starts, time.Now())
		time.Sleep(30 * time.Millisecond)
		return nil
	}, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()
	require.NoError(t, job.Run(ctx))

	require.GreaterOrEqual(t, len(starts), 2)
	for i := 1; i < len(starts); i++ {
		assert.GreaterOrEqual(t, starts[i].Sub(starts[i-1]), 50*time.Millisecond)
	}
}

func TestFixedDelay_RecoversPanicsAndLogsErrors(t *testing.T) {
	core, recorded := observer.New(zapcore.ErrorLevel)
	var calls atomic.Int64
	job, err := NewFixedDelay("flaky", time.Millisecond, func(context.Context) error {
		switch calls.Add(1) {
		case 1:
			panic("boom")
		case 2:
			return errors.New("failed run")
		}
		return nil
	}, zap.New(core))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		for calls.Load() < 3 {
			time.Sleep(time.Millisecond)
		}
		cancel()
	}()
	require.NoError(t, job.Run(ctx))

	assert.Equal(t, 1, recorded.FilterMessage("fixed-delay job panicked").Len())
	assert.Equal(t, 1, recorded.FilterMessage("fixed-delay job failed").Len())
}

func TestFixedDelay_InitialDelay(t *testing.T) {
	var calls atomic.Int64
	job, err := NewFixedDelay("late", time.Millisecond, func(context.Context) error {
		calls.Add(1)
		return nil
	}, nil)
	require.NoError(t, err)
	job.WithInitialDelay(time.Hour)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	require.NoError(t, job.Run(ctx))

	assert.Zero(t, calls.Load())
}

func TestFixedDelay_RejectsConcurrentRun(t *testing.T) {
	started := make(chan struct{})
	job, err := NewFixedDelay("single", time.Hour, func(context.Context) error {
		close(started)
		return nil
	}, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = job.Run(ctx) }()
	<-started

	assert.ErrorIs(t, job.Run(ctx), ErrAlreadyRunning)
}
