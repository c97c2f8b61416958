package device

import "errors"

var (
	// ErrDeviceCrashed is raised when an actor's worker fails a command.
	ErrDeviceCrashed = errors.New("device crashed")

	// ErrDeviceUnrecoverable is returned once the recovery budget is spent
	// and the device is still crashed.
	ErrDeviceUnrecoverable = errors.New("device unrecoverable")

	ErrActorStopped = errors.New("actor stopped")
	ErrNotConnected = errors.New("device not connected")
)
