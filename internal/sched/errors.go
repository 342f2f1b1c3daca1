package sched

import "errors"

var (
	// ErrShutdown is returned for submissions arriving after shutdown.
	// Work is never silently dropped; callers see the rejection.
	ErrShutdown = errors.New("job pools are shut down")

	ErrNilWork   = errors.New("job work is nil")
	ErrNilGroup  = errors.New("job group is nil")
	ErrBadPeriod = errors.New("job period is negative")
)
