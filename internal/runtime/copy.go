package runtime

import (
	"context"
	"io"
	"path"
	"sync"

	"github.com/pkg/errors"
)

// Creates a directory inside the container, including parents.
func (c *Container) MkdirAll(ctx context.Context, dir string) error {
	return c.mustExec(ctx, "mkdir", nil, nil, "mkdir", "-p", dir)
}

// Extracts the tar stream r into destDir inside the container.
//
// destDir is created first if it does not exist.
func (c *Container) CopyTo(ctx context.Context, r io.Reader, destDir string) error {
	if err := c.MkdirAll(ctx, destDir); err != nil {
		return err
	}
	return c.mustExec(ctx, "tar extract", r, nil, "tar", "xf", "-", "-C", destDir)
}

// Streams the file or directory at p inside the container to w as a tar
// archive whose single top-level entry is the base name of p.
func (c *Container) CopyFrom(ctx context.Context, w io.Writer, p string) error {
	return c.mustExec(ctx, "tar archive", nil, w, "tar", "cf", "-", "-C", path.Dir(p), path.Base(p))
}

// Runs args and turns a non-zero exit into an error mentioning desc.
func (c *Container) mustExec(ctx context.Context, desc string, stdin io.Reader, stdout io.Writer, args ...string) error {
	exitCode, stderr, err := c.execCommand(ctx, stdin, stdout, nil, "", args...)
	if err != nil {
		return err
	}
	if exitCode != 0 {
		return errors.Wrapf(ErrRuntime, "%s failed with exit code %d (%s)", desc, exitCode, stderr)
	}
	return nil
}

// Reader that closes eof the first time the underlying reader is drained.
type eofReader struct {
	io.Reader
	once sync.Once
	eof  chan struct{}
}

func newEOFReader(r io.Reader) *eofReader {
	return &eofReader{Reader: r, eof: make(chan struct{})}
}

func (r *eofReader) Read(p []byte) (int, error) {
	n, err := r.Reader.Read(p)
	if err == io.EOF {
		r.once.Do(func() { close(r.eof) })
	}
	return n, err
}
