package cli

import (
	"context"
	"log/slog"

	"github.com/cruciblehq/kiln/internal/server"
)

// Represents the 'kiln start' command.
type StartCmd struct {
	Containerd ContainerdFlags `embed:""`
}

// Executes the start command.
//
// Starts the daemon on a Unix domain socket and blocks until the context
// is cancelled (e.g. via SIGINT or SIGTERM) or a client requests shutdown.
func (c *StartCmd) Run(ctx context.Context) error {
	store, err := openCache()
	if err != nil {
		return err
	}

	rt, backend, err := c.Containerd.backend()
	if err != nil {
		return err
	}
	defer rt.Close()

	srv, err := server.New(server.Config{
		SocketPath: RootCmd.Socket,
		Backend:    backend,
		Cache:      store,
	})
	if err != nil {
		return err
	}

	if err := srv.Start(); err != nil {
		return err
	}

	slog.Info("kiln is running", "cache", store.Root())

	select {
	case <-ctx.Done():
	case <-srv.Done():
	}

	slog.Info("shutting down")
	return srv.Stop()
}
