package scheduler

import (
	"errors"
	"fmt"
)

var (
	// ErrQueueFull is returned synchronously by Submit when the bounded
	// queue is at capacity. Deliberate backpressure; never retried here.
	ErrQueueFull = errors.New("job queue is full")

	// ErrNoWorkerAvailable fails a generation job that executes while no
	// model is loaded. A normal outcome after an explicit unload, distinct
	// from an internal fault.
	ErrNoWorkerAvailable = errors.New("no worker available")

	// ErrShuttingDown is returned for submissions after Shutdown has begun
	// and used to fail jobs still queued at that point.
	ErrShuttingDown = errors.New("worker pool is shutting down")

	// ErrUnknownMode is returned when a switch targets a mode the
	// configuration does not define.
	ErrUnknownMode = errors.New("unknown mode")
)

// ModeLoadError reports a worker factory failure during a mode switch. The
// pool is left unloaded when this is returned.
type ModeLoadError struct {
	Mode string
	Err  error
}

func (e *ModeLoadError) Error() string {
	return fmt.Sprintf("failed to load mode %q: %v", e.Mode, e.Err)
}

func (e *ModeLoadError) Unwrap() error { return e.Err }

// IsModeLoadError reports whether err came from a failed mode load.
func IsModeLoadError(err error) bool {
	var target *ModeLoadError
	return errors.As(err, &target)
}
