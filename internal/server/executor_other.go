//go:build !linux

package server

import "github.com/kilnhq/kilnd/internal/isolation"

// Namespace isolation only exists on Linux.
func defaultExecutor() isolation.Executor {
	return isolation.ProcessExecutor{}
}
