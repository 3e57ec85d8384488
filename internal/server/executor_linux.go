//go:build linux

package server

import (
	"os"

	"github.com/kilnhq/kilnd/internal/isolation"
)

// Picks the strongest executor available. Namespace isolation needs
// privileges for clone(2) with namespace flags.
func defaultExecutor() isolation.Executor {
	if os.Geteuid() == 0 {
		return isolation.NamespaceExecutor{}
	}
	return isolation.ProcessExecutor{}
}
