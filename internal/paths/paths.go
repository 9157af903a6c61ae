package paths

import (
	"os"
	"path/filepath"

	"github.com/adrg/xdg"
)

const (

	// Name used for directory and file naming.
	programName = "kiln"

	// Default permission mode for directories.
	DefaultDirMode os.FileMode = 0755

	// Default permission mode for files.
	DefaultFileMode os.FileMode = 0644
)

// Path to the directory for runtime files (sockets, PIDs).
//
//	Linux:   $XDG_RUNTIME_DIR/kiln or /run/user/<uid>/kiln
//	macOS:   ~/Library/Caches/kiln/run
func Runtime() string {
	if xdg.RuntimeDir != "" {
		return filepath.Join(xdg.RuntimeDir, programName)
	}
	return filepath.Join(xdg.CacheHome, programName, "run")
}

// Default path to the Unix domain socket for CLI-to-daemon communication.
//
//	Linux:   $XDG_RUNTIME_DIR/kiln/kiln.sock
//	macOS:   ~/Library/Caches/kiln/run/kiln.sock
func Socket() string {
	return filepath.Join(Runtime(), "kiln.sock")
}

// Default path to the PID file.
//
//	Linux:   $XDG_RUNTIME_DIR/kiln/kiln.pid
//	macOS:   ~/Library/Caches/kiln/run/kiln.pid
func PIDFile() string {
	return filepath.Join(Runtime(), "kiln.pid")
}

// Default root of the dependency cache store.
//
//	Linux:   $XDG_CACHE_HOME/kiln/deps or ~/.cache/kiln/deps
//	macOS:   ~/Library/Caches/kiln/deps
func DependencyCache() string {
	return filepath.Join(xdg.CacheHome, programName, "deps")
}
