//go:build !linux

package isolation

import "fmt"

// Reports whether this process was re-executed as a container init.
// Namespace isolation only exists on Linux, so this is always false.
func IsInitProcess() bool {
	return false
}

// Entry point for the container init process. Unreachable off Linux.
func RunInit() error {
	return fmt.Errorf("%w: namespace isolation requires linux", ErrSetup)
}
