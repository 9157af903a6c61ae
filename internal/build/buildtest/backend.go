package buildtest

import (
	"archive/tar"
	"bytes"
	"context"
	"fmt"
	"io"
	"maps"
	"path"
	"slices"
	"strings"
	"sync"

	"github.com/containerd/platforms"
	"github.com/cruciblehq/kiln/internal/build"
	"github.com/cruciblehq/kiln/internal/image"
	"github.com/cruciblehq/kiln/internal/runtime"
	v1 "github.com/google/go-containerregistry/pkg/v1"
	"github.com/google/go-containerregistry/pkg/v1/empty"
	"github.com/google/go-containerregistry/pkg/v1/mutate"
	"github.com/google/go-containerregistry/pkg/v1/tarball"
	"github.com/pkg/errors"
)

// An entry of a sandbox filesystem.
type File struct {
	Data []byte
	Mode int64 // Permission bits.
	Dir  bool
}

// Runs a command inside sb and returns its exit code and stderr.
type Handler func(sb *Sandbox, workdir string, env []string) (int, string)

// In-memory [build.Backend].
type Backend struct {
	mu        sync.Mutex
	images    map[string]map[string]File
	handlers  map[string]Handler
	counts    map[string]int
	sandboxes []*Sandbox
}

// Creates an empty backend.
func New() *Backend {
	return &Backend{
		images:   make(map[string]map[string]File),
		handlers: make(map[string]Handler),
		counts:   make(map[string]int),
	}
}

// Registers a base image whose filesystem holds files, keyed by absolute
// path. Parent directories are implied.
func (b *Backend) AddImage(ref string, files map[string]File) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.images[ref] = files
}

// Registers the handler run for the exact command string.
func (b *Backend) Handle(command string, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[command] = h
}

// Returns how many times command was run.
func (b *Backend) Count(command string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.counts[command]
}

// Returns every sandbox started, in order.
func (b *Backend) Sandboxes() []*Sandbox {
	b.mu.Lock()
	defer b.mu.Unlock()
	return slices.Clone(b.sandboxes)
}

// Returns the sandboxes started from img, in order.
func (b *Backend) SandboxesOf(img string) []*Sandbox {
	var out []*Sandbox
	for _, sb := range b.Sandboxes() {
		if sb.Image == img {
			out = append(out, sb)
		}
	}
	return out
}

// Starts a sandbox from a registered image.
func (b *Backend) Start(ctx context.Context, img, id, platform string) (build.Sandbox, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	base, ok := b.images[img]
	if !ok {
		return nil, errors.Wrapf(runtime.ErrPull, "%s: not found", img)
	}

	sb := &Sandbox{
		ID:       id,
		Image:    img,
		Platform: platform,
		backend:  b,
		files:    make(map[string]File),
	}
	for p, f := range base {
		sb.put(p, f)
	}
	b.sandboxes = append(b.sandboxes, sb)
	return sb, nil
}

func (b *Backend) dispatch(command string) (Handler, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.counts[command]++
	h, ok := b.handlers[command]
	return h, ok
}

// In-memory [build.Sandbox].
type Sandbox struct {
	ID       string
	Image    string
	Platform string

	backend   *Backend
	mu        sync.Mutex
	files     map[string]File
	stopped   bool
	destroyed bool
}

func (sb *Sandbox) Exec(ctx context.Context, command string, env []string, workdir string) (*runtime.ExecResult, error) {
	if err := sb.usable(ctx); err != nil {
		return nil, err
	}

	if flag, arg, ok := parseTest(command); ok {
		f, exists := sb.Stat(arg)
		code := 1
		if exists && (flag == "-e" || !f.Dir) {
			code = 0
		}
		return &runtime.ExecResult{ExitCode: code}, nil
	}

	h, ok := sb.backend.dispatch(command)
	if !ok {
		return &runtime.ExecResult{ExitCode: 127, Stderr: "sh: " + command + ": not found"}, nil
	}
	code, stderr := h(sb, workdir, env)
	return &runtime.ExecResult{ExitCode: code, Stderr: stderr}, nil
}

// Recognizes "test -f 'path'" and "test -e 'path'".
func parseTest(command string) (flag, arg string, ok bool) {
	rest, ok := strings.CutPrefix(command, "test ")
	if !ok {
		return "", "", false
	}
	flag, arg, ok = strings.Cut(rest, " ")
	if !ok || (flag != "-f" && flag != "-e") {
		return "", "", false
	}
	return flag, strings.Trim(arg, "'"), true
}

func (sb *Sandbox) MkdirAll(ctx context.Context, dir string) error {
	if err := sb.usable(ctx); err != nil {
		return err
	}
	sb.mu.Lock()
	defer sb.mu.Unlock()
	sb.put(dir, File{Dir: true, Mode: 0755})
	return nil
}

func (sb *Sandbox) CopyTo(ctx context.Context, r io.Reader, destDir string) error {
	if err := sb.usable(ctx); err != nil {
		return err
	}

	tr := tar.NewReader(r)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}

		p := path.Join(destDir, hdr.Name)
		switch hdr.Typeflag {
		case tar.TypeDir:
			sb.mu.Lock()
			sb.put(p, File{Dir: true, Mode: hdr.Mode & 0777})
			sb.mu.Unlock()
		case tar.TypeReg:
			data, err := io.ReadAll(tr)
			if err != nil {
				return err
			}
			sb.WriteFile(p, data, hdr.Mode&0777)
		}
	}

	_, err := io.Copy(io.Discard, r)
	return err
}

func (sb *Sandbox) CopyFrom(ctx context.Context, w io.Writer, p string) error {
	if err := sb.usable(ctx); err != nil {
		return err
	}

	p = path.Clean(p)
	entries := sb.tree(p)
	if len(entries) == 0 {
		return errors.Errorf("tar: %s: Cannot stat: No such file or directory", p)
	}

	tw := tar.NewWriter(w)
	for _, name := range slices.Sorted(maps.Keys(entries)) {
		rel := path.Base(p)
		if name != p {
			rel = path.Join(rel, strings.TrimPrefix(name, p+"/"))
		}
		if err := writeEntry(tw, rel, entries[name]); err != nil {
			return err
		}
	}
	return tw.Close()
}

func (sb *Sandbox) Stop(ctx context.Context) error {
	sb.mu.Lock()
	defer sb.mu.Unlock()
	sb.stopped = true
	return nil
}

// Writes the sandbox filesystem as a single-layer image archive.
func (sb *Sandbox) Export(ctx context.Context, dest string, opts runtime.ExportOptions) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	entries := sb.tree("/")
	for _, name := range slices.Sorted(maps.Keys(entries)) {
		if name == "/" {
			continue
		}
		if err := writeEntry(tw, strings.TrimPrefix(name, "/"), entries[name]); err != nil {
			return err
		}
	}
	if err := tw.Close(); err != nil {
		return err
	}

	data := buf.Bytes()
	layer, err := tarball.LayerFromOpener(func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(data)), nil
	})
	if err != nil {
		return err
	}

	img, err := mutate.AppendLayers(empty.Image, layer)
	if err != nil {
		return err
	}

	spec, err := platforms.Parse(sb.Platform)
	if err != nil {
		return err
	}

	cfg, err := img.ConfigFile()
	if err != nil {
		return err
	}
	cfg = cfg.DeepCopy()
	cfg.OS, cfg.Architecture, cfg.Variant = spec.OS, spec.Architecture, spec.Variant
	cfg.Config = v1.Config{Entrypoint: opts.Entrypoint, Labels: opts.Labels}

	img, err = mutate.ConfigFile(img, cfg)
	if err != nil {
		return err
	}
	return image.WriteArchive(img, dest)
}

func (sb *Sandbox) Destroy(ctx context.Context) error {
	sb.mu.Lock()
	defer sb.mu.Unlock()
	sb.destroyed = true
	clear(sb.files)
	return nil
}

// Reports whether Destroy was called.
func (sb *Sandbox) Destroyed() bool {
	sb.mu.Lock()
	defer sb.mu.Unlock()
	return sb.destroyed
}

// Writes a regular file, creating parent directories.
func (sb *Sandbox) WriteFile(p string, data []byte, mode int64) {
	sb.mu.Lock()
	defer sb.mu.Unlock()
	sb.put(p, File{Data: data, Mode: mode})
}

// Returns the content of the regular file at p.
func (sb *Sandbox) ReadFile(p string) ([]byte, bool) {
	f, ok := sb.Stat(p)
	if !ok || f.Dir {
		return nil, false
	}
	return f.Data, true
}

// Returns the entry at p.
func (sb *Sandbox) Stat(p string) (File, bool) {
	sb.mu.Lock()
	defer sb.mu.Unlock()
	f, ok := sb.files[path.Clean(p)]
	return f, ok
}

// Removes p and everything below it.
func (sb *Sandbox) Remove(p string) {
	sb.mu.Lock()
	defer sb.mu.Unlock()
	p = path.Clean(p)
	for name := range sb.files {
		if name == p || strings.HasPrefix(name, p+"/") {
			delete(sb.files, name)
		}
	}
}

func (sb *Sandbox) usable(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	sb.mu.Lock()
	defer sb.mu.Unlock()
	if sb.destroyed {
		return fmt.Errorf("sandbox %s destroyed", sb.ID)
	}
	return nil
}

// Stores f at p and creates missing parents. Callers hold mu.
func (sb *Sandbox) put(p string, f File) {
	p = path.Clean(p)
	for dir := path.Dir(p); ; dir = path.Dir(dir) {
		if _, ok := sb.files[dir]; !ok {
			sb.files[dir] = File{Dir: true, Mode: 0755}
		}
		if dir == "/" {
			break
		}
	}
	if p != "/" {
		sb.files[p] = f
	}
}

// Returns p and every entry below it.
func (sb *Sandbox) tree(p string) map[string]File {
	sb.mu.Lock()
	defer sb.mu.Unlock()
	out := make(map[string]File)
	for name, f := range sb.files {
		if name == p || p == "/" || strings.HasPrefix(name, p+"/") {
			out[name] = f
		}
	}
	return out
}

func writeEntry(tw *tar.Writer, name string, f File) error {
	hdr := &tar.Header{Name: name, Mode: f.Mode, Typeflag: tar.TypeReg, Size: int64(len(f.Data))}
	if f.Dir {
		hdr = &tar.Header{Name: name + "/", Mode: f.Mode, Typeflag: tar.TypeDir}
	}
	if err := tw.WriteHeader(hdr); err != nil {
		return err
	}
	if !f.Dir {
		_, err := tw.Write(f.Data)
		return err
	}
	return nil
}
