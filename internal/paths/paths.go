package paths

import (
	"os"
	"path/filepath"

	"github.com/adrg/xdg"
)

const (

	// Name used for directory and file naming.
	daemonName = "kilnd"

	// Default permission mode for directories.
	DefaultDirMode os.FileMode = 0755

	// Default permission mode for files.
	DefaultFileMode os.FileMode = 0644
)

// Path to the directory for runtime files (sockets, PIDs).
//
//	Linux:   $XDG_RUNTIME_DIR/kilnd or /run/user/<uid>/kilnd
//	macOS:   ~/Library/Caches/kilnd/run
func Runtime() string {
	if xdg.RuntimeDir != "" {
		return filepath.Join(xdg.RuntimeDir, daemonName)
	}
	return filepath.Join(xdg.CacheHome, daemonName, "run")
}

// Default path to the Unix domain socket for CLI-to-daemon communication.
//
//	Linux:   $XDG_RUNTIME_DIR/kilnd/kilnd.sock
//	macOS:   ~/Library/Caches/kilnd/run/kilnd.sock
func Socket() string {
	return filepath.Join(Runtime(), daemonName+".sock")
}

// Default path to the PID file.
//
//	Linux:   $XDG_RUNTIME_DIR/kilnd/kilnd.pid
//	macOS:   ~/Library/Caches/kilnd/run/kilnd.pid
func PIDFile() string {
	return filepath.Join(Runtime(), daemonName+".pid")
}

// Default path to the persistent data directory.
//
//	Linux:   ~/.local/share/kilnd
//	macOS:   ~/Library/Application Support/kilnd
func Data() string {
	return filepath.Join(xdg.DataHome, daemonName)
}

// Path to the content-addressed layer blob directory under a data root.
func Layers(dataDir string) string {
	return filepath.Join(dataDir, "layers")
}

// Path to the image manifest directory under a data root.
func Images(dataDir string) string {
	return filepath.Join(dataDir, "images")
}

// Path to the tag directory under a data root.
func Tags(dataDir string) string {
	return filepath.Join(dataDir, "tags")
}

// Path to the directory of unpacked (materialized) layers under a data root.
func Unpacked(dataDir string) string {
	return filepath.Join(dataDir, "unpacked")
}

// Path to the container state directory under a data root.
func Containers(dataDir string) string {
	return filepath.Join(dataDir, "containers")
}

// Path to the persisted build cache file under a data root.
func BuildCache(dataDir string) string {
	return filepath.Join(dataDir, "buildcache.json")
}

// Path to the scratch directory for in-progress builds under a data root.
func Scratch(dataDir string) string {
	return filepath.Join(dataDir, "scratch")
}
