package scheduler

import "errors"

var (
	// ErrInvalidConfig is returned when configuration is invalid
	ErrInvalidConfig = errors.New("invalid scheduler configuration")

	// ErrAlreadyRunning is returned when Run is called on a runner that is already running
	ErrAlreadyRunning = errors.New("scheduler is already running")
)
