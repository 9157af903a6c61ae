// Parses flags, configures logging, and runs the kiln commands.
//
// Global flags:
//
//	-q, --quiet     Suppress informational output.
//	-v, --verbose   Enable verbose output (timestamps).
//	-d, --debug     Enable debug output.
//	-s, --socket    Unix socket path of the daemon.
//	    --cache     Dependency cache directory ($KILN_CACHE).
//
// Flags override build-time defaults set via linker flags. After parsing, the
// global logger is rebuilt to reflect the final level and verbosity before
// the selected command runs.
//
// The build and recipe commands run in-process by default, talking to
// containerd directly. With --daemon they are forwarded to a running
// "kiln start" over its socket instead.
package cli
