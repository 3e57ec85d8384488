package isolation

import "errors"

var (
	// Establishing namespaces, chroot, or resource limits failed.
	ErrSetup = errors.New("isolation setup failed")

	// The target process could not be executed.
	ErrExec = errors.New("process execution failed")
)
