package runtime

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"slices"
	"strings"
	"sync/atomic"
	"syscall"

	containerd "github.com/containerd/containerd/v2/client"
	"github.com/containerd/containerd/v2/pkg/cio"
	specs "github.com/opencontainers/runtime-spec/specs-go"
)

// Shell used to interpret stage commands.
const shell = "/bin/sh"

var execSeq atomic.Uint64

// Returns a unique exec process identifier.
func nextExecID() string {
	return fmt.Sprintf("exec-%d", execSeq.Add(1))
}

// Output of a command execution inside a container.
type ExecResult struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// Runs a shell command inside the container.
//
// The command is passed to /bin/sh as a single argument. env and workdir
// override the container's OCI spec for this execution only. A non-zero
// exit code is reported in the result, not as an error.
func (c *Container) Exec(ctx context.Context, command string, env []string, workdir string) (*ExecResult, error) {
	var stdout bytes.Buffer
	exitCode, stderr, err := c.execCommand(ctx, nil, &stdout, env, workdir, shell, "-c", command)
	if err != nil {
		return nil, err
	}

	return &ExecResult{
		ExitCode: exitCode,
		Stdout:   stdout.String(),
		Stderr:   stderr,
	}, nil
}

// Builds the OCI process spec for a command, starting from the
// container's own process spec.
func (c *Container) processSpec(ctx context.Context, env []string, workdir string, args ...string) (*specs.Process, error) {
	ctr, err := c.client.LoadContainer(ctx, c.id)
	if err != nil {
		return nil, err
	}

	spec, err := ctr.Spec(ctx)
	if err != nil {
		return nil, err
	}

	pspec := *spec.Process
	pspec.Terminal = false
	pspec.Args = args

	if len(env) > 0 {
		pspec.Env = mergeEnv(pspec.Env, env)
	}
	if workdir != "" {
		pspec.Cwd = workdir
	}

	return &pspec, nil
}

// Merges override env vars on top of a base env slice. The result is
// sorted by key.
func mergeEnv(base, overrides []string) []string {
	merged := make(map[string]string, len(base)+len(overrides))
	for _, entry := range slices.Concat(base, overrides) {
		if k, v, ok := strings.Cut(entry, "="); ok {
			merged[k] = v
		}
	}

	keys := make([]string, 0, len(merged))
	for k := range merged {
		keys = append(keys, k)
	}
	slices.Sort(keys)

	result := make([]string, 0, len(keys))
	for _, k := range keys {
		result = append(result, k+"="+merged[k])
	}
	return result
}

// Runs args inside the container and returns the exit code and captured
// stderr.
func (c *Container) execCommand(ctx context.Context, stdin io.Reader, stdout io.Writer, env []string, workdir string, args ...string) (int, string, error) {
	pspec, err := c.processSpec(ctx, env, workdir, args...)
	if err != nil {
		return 0, "", wrap(ErrRuntime, err)
	}

	var stderr bytes.Buffer
	exitCode, err := c.execProcess(ctx, pspec, stdin, stdout, &stderr)
	if err != nil {
		return 0, "", err
	}
	return exitCode, stderr.String(), nil
}

// Attaches a process to the container's running task and waits for it.
//
// When stdin is provided, the process stdin is closed once the reader is
// drained. The containerd shim holds both ends of the stdin FIFO, so EOF
// does not propagate on its own.
func (c *Container) execProcess(ctx context.Context, pspec *specs.Process, stdin io.Reader, stdout, stderr io.Writer) (int, error) {
	ctr, err := c.client.LoadContainer(ctx, c.id)
	if err != nil {
		return 0, wrap(ErrRuntime, err)
	}
	task, err := ctr.Task(ctx, nil)
	if err != nil {
		return 0, wrap(ErrRuntime, err)
	}

	if stdout == nil {
		stdout = io.Discard
	}
	if stderr == nil {
		stderr = io.Discard
	}

	var drained <-chan struct{}
	if stdin != nil {
		er := newEOFReader(stdin)
		stdin, drained = er, er.eof
	}

	process, err := task.Exec(ctx, nextExecID(), pspec, cio.NewCreator(
		cio.WithStreams(stdin, stdout, stderr),
	))
	if err != nil {
		return 0, wrap(ErrRuntime, err)
	}
	defer process.Delete(context.WithoutCancel(ctx))

	statusC, err := process.Wait(ctx)
	if err != nil {
		return 0, wrap(ErrRuntime, err)
	}
	if err := process.Start(ctx); err != nil {
		return 0, wrap(ErrRuntime, err)
	}

	if drained != nil {
		done := make(chan struct{})
		defer close(done)
		go closeStdinOnDrain(drained, done, func() {
			process.CloseIO(ctx, containerd.WithStdinCloser)
		})
	}

	var status containerd.ExitStatus
	select {
	case status = <-statusC:
	case <-ctx.Done():
		process.Kill(context.WithoutCancel(ctx), syscall.SIGKILL)
		return 0, wrap(ErrRuntime, ctx.Err())
	}

	code, _, err := status.Result()
	if err != nil {
		return 0, wrap(ErrRuntime, err)
	}
	return int(code), nil
}

// Calls closeIO once drained is closed. Returns without calling it when
// done closes first, as it does when the process exits before reading all
// of its input.
func closeStdinOnDrain(drained, done <-chan struct{}, closeIO func()) {
	select {
	case <-drained:
		closeIO()
	case <-done:
	}
}
