package cli

import (
	"context"
	"fmt"

	"github.com/cruciblehq/kiln/internal/protocol"
)

// Represents the 'kiln status' command.
type StatusCmd struct{}

// Executes the status command.
func (c *StatusCmd) Run(ctx context.Context) error {
	res, err := protocol.Call[protocol.StatusResult](ctx, socketPath(), protocol.CmdStatus, nil)
	if err != nil {
		return err
	}

	fmt.Printf("version: %s\npid:     %d\nuptime:  %s\nbuilds:  %d\n", res.Version, res.Pid, res.Uptime, res.Builds)
	return nil
}
