// Package server implements the kiln daemon.
//
// The daemon listens on a Unix domain socket for JSON-encoded commands
// from the kiln CLI. Each connection carries a single request-response
// exchange: the client sends a newline-delimited JSON envelope, the
// server dispatches the command, and writes the result back before
// closing the connection. Closing the connection early cancels the
// command.
//
// Build commands are delegated to the build package. Every build shares
// the daemon's sandbox backend and dependency cache, so concurrent builds
// of the same dependency set cook it only once.
//
// Example usage:
//
//	srv, err := server.New(server.Config{
//	    Backend: build.NewRuntimeBackend(rt),
//	    Cache:   store,
//	})
//	if err != nil {
//	    return err
//	}
//
//	if err := srv.Start(); err != nil {
//	    return err
//	}
//	defer srv.Stop()
//
//	srv.Wait()
package server
