package runtime

import "errors"

var (
	// The operation is not valid in the container's current state.
	ErrState = errors.New("invalid lifecycle transition")

	// The container is running and must be stopped first.
	ErrRunning = errors.New("container is running")

	// Container setup failed before the process could start.
	ErrContainer = errors.New("container setup failed")
)
