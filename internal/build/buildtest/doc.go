// Package buildtest provides an in-memory sandbox backend for exercising
// the build pipeline without a container runtime.
//
// Sandboxes hold their filesystem in memory. Commands are dispatched to
// handlers registered by exact command string; "test -f" and "test -e"
// are built in. Exported images are real OCI archives, so the pipeline's
// verification runs unchanged.
package buildtest
