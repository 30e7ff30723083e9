// Package scheduler runs recurring background work.
package scheduler

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Task is one run of a recurring job
type Task func(ctx context.Context) error

// FixedDelay runs a task repeatedly, waiting Interval between the end of one
// run and the start of the next. Runs never overlap, and a slow run pushes
// the following one back instead of piling up.
type FixedDelay struct {
	name         string
	interval     time.Duration
	initialDelay time.Duration
	task         Task
	logger       *zap.Logger

	running atomic.Bool
	runs    atomic.Int64
}

// NewFixedDelay creates a runner. The first run starts immediately unless
// WithInitialDelay is used.
func NewFixedDelay(name string, interval time.Duration, task Task, logger *zap.Logger) (*FixedDelay, error) {
	if interval <= 0 {
		return nil, fmt.Errorf("%w: %s interval must be positive, got %s", ErrInvalidConfig, name, interval)
	}
	if task == nil {
		return nil, fmt.Errorf("%w: %s task is nil", ErrInvalidConfig, name)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FixedDelay{
		name:     name,
		interval: interval,
		task:     task,
		logger:   logger.With(zap.String("job", name)),
	}, nil
}

// WithInitialDelay delays the first run
func (f *FixedDelay) WithInitialDelay(d time.Duration) *FixedDelay {
	f.initialDelay = d
	return f
}

// Name returns the job name
func (f *FixedDelay) Name() string {
	return f.name
}

// Runs returns how many runs have completed
func (f *FixedDelay) Runs() int64 {
	return f.runs.Load()
}

// Run blocks until ctx is cancelled. An in-flight run is allowed to finish
// (it sees the cancelled ctx) before Run returns.
func (f *FixedDelay) Run(ctx context.Context) error {
	if !f.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer f.running.Store(false)

	timer := time.NewTimer(f.initialDelay)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			f.logger.Debug("fixed-delay job stopped")
			return nil
		case <-timer.C:
		}

		f.runOnce(ctx)
		timer.Reset(f.interval)
	}
}

func (f *FixedDelay) runOnce(ctx context.Context) {
	defer f.runs.Add(1)
	defer func() {
		if r := recover(); r != nil {
			f.logger.Error("fixed-delay job panicked", zap.Any("panic", r), zap.Stack("stack"))
		}
	}()

	if err := f.task(ctx); err != nil && ctx.Err() == nil {
		f.logger.Error("fixed-delay job failed", zap.Error(err))
	}
}
