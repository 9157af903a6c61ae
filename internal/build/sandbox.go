package build

import (
	"context"
	"io"

	"github.com/cruciblehq/kiln/internal/runtime"
)

// An isolated filesystem with a running shell, in which one stage runs.
//
// [runtime.Container] is the production implementation.
type Sandbox interface {
	Exec(ctx context.Context, command string, env []string, workdir string) (*runtime.ExecResult, error)
	MkdirAll(ctx context.Context, dir string) error
	CopyTo(ctx context.Context, r io.Reader, destDir string) error
	CopyFrom(ctx context.Context, w io.Writer, p string) error
	Stop(ctx context.Context) error
	Export(ctx context.Context, dest string, opts runtime.ExportOptions) error
	Destroy(ctx context.Context) error
}

// Starts sandboxes from base images.
type Backend interface {
	Start(ctx context.Context, image, id, platform string) (Sandbox, error)
}

// Backend running sandboxes as containerd containers.
type RuntimeBackend struct {
	rt *runtime.Runtime
}

// Returns a backend that starts containers on rt.
func NewRuntimeBackend(rt *runtime.Runtime) *RuntimeBackend {
	return &RuntimeBackend{rt: rt}
}

func (b *RuntimeBackend) Start(ctx context.Context, image, id, platform string) (Sandbox, error) {
	ctr, err := b.rt.StartContainer(ctx, image, id, platform)
	if err != nil {
		return nil, err
	}
	return ctr, nil
}
