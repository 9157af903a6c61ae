package build

import (
	"context"
	"log/slog"
	"strings"

	"github.com/pkg/errors"
)

// Longest stderr excerpt carried in a command error.
const maxStderr = 4096

// Runs command in sb with the state's working directory and environment.
// A non-zero exit is reported as [ErrCommandFailed].
func runStep(ctx context.Context, sb Sandbox, state *stepState, command string) error {
	if state.workdir != "" {
		if err := sb.MkdirAll(ctx, state.workdir); err != nil {
			return err
		}
	}

	slog.Debug("run", "command", command, "workdir", state.workdir)

	result, err := sb.Exec(ctx, command, state.environ(), state.workdir)
	if err != nil {
		return err
	}
	if result.ExitCode != 0 {
		return errors.Wrapf(ErrCommandFailed, "%q exited with code %d: %s", command, result.ExitCode, tail(result.Stderr, maxStderr))
	}
	return nil
}

// Reports whether a regular file exists at p inside sb.
func fileExists(ctx context.Context, sb Sandbox, p string) (bool, error) {
	return succeeds(ctx, sb, "test -f "+quote(p))
}

// Reports whether anything exists at p inside sb.
func pathExists(ctx context.Context, sb Sandbox, p string) (bool, error) {
	return succeeds(ctx, sb, "test -e "+quote(p))
}

func succeeds(ctx context.Context, sb Sandbox, command string) (bool, error) {
	result, err := sb.Exec(ctx, command, nil, "")
	if err != nil {
		return false, err
	}
	return result.ExitCode == 0, nil
}

// Quotes s for /bin/sh.
func quote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// Returns the last n bytes of s, trimmed of surrounding whitespace.
func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) > n {
		s = "..." + s[len(s)-n:]
	}
	return s
}
