package fsm

import "errors"

var (
	// ErrGroupFaulted is returned once a state machine apply has failed.
	// The group stops making progress and every queued or later closure
	// fails with this error.
	ErrGroupFaulted = errors.New("replication group faulted")

	// ErrCallerStopped is returned when a task is submitted after Shutdown.
	ErrCallerStopped = errors.New("fsm caller stopped")
)
