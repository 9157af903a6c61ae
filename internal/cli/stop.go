package cli

import (
	"context"
	"log/slog"

	"github.com/cruciblehq/kiln/internal/protocol"
)

// Represents the 'kiln stop' command.
type StopCmd struct{}

// Asks the running daemon to shut down.
func (c *StopCmd) Run(ctx context.Context) error {
	if _, err := protocol.Call[struct{}](ctx, socketPath(), protocol.CmdShutdown, nil); err != nil {
		return err
	}
	slog.Info("daemon stopping")
	return nil
}
