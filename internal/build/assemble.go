package build

import (
	"context"
	"log/slog"
	"os"
	"path"
	"path/filepath"

	"github.com/cruciblehq/kiln/internal/image"
	"github.com/cruciblehq/kiln/internal/runtime"
	v1 "github.com/google/go-containerregistry/pkg/v1"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/pkg/errors"
)

// Label carrying the recipe digest on the runtime image.
const recipeLabel = "dev.kiln.recipe"

// A file carried from the builder into the runtime image.
type artifact struct {
	src        string // Absolute path in the builder.
	dest       string // Absolute path in the runtime image.
	executable bool
}

// Assembles, verifies, and publishes the runtime image of every platform.
//
// Images are exported into a staging directory next to the output
// directory and only moved into place once all of them pass verification
// and the optional push succeeded.
func (p *pipeline) assemble(ctx context.Context) error {
	parent := filepath.Dir(p.opts.Output)
	if err := os.MkdirAll(parent, 0755); err != nil {
		return wrap(ErrFileSystemOperation, err)
	}
	staging, err := os.MkdirTemp(parent, "."+filepath.Base(p.opts.Output)+"-")
	if err != nil {
		return wrap(ErrFileSystemOperation, err)
	}
	defer os.RemoveAll(staging)

	var imgs []v1.Image
	for _, t := range p.targets {
		a, err := p.assembleTarget(ctx, t, staging)
		if err != nil {
			return errors.Wrapf(err, "platform %s", t.platform)
		}
		defer a.Close()
		imgs = append(imgs, a.Image)
	}

	if p.opts.Push != "" {
		if err := p.push(ctx, imgs); err != nil {
			return err
		}
	}

	return p.publish()
}

func (p *pipeline) assembleTarget(ctx context.Context, t *target, staging string) (*image.Archive, error) {
	rt := p.manifest.Runtime

	sb, err := p.start(ctx, rt.Image, "runtime", t.platform)
	if err != nil {
		return nil, err
	}
	t.runtime = sb

	if cmd := rt.InstallCommand(); cmd != "" {
		if err := runStep(ctx, sb, newStepState("", nil), cmd); err != nil {
			return nil, err
		}
	}

	artifacts := p.artifacts()
	for _, a := range artifacts {
		ok, err := fileExists(ctx, t.builder, a.src)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, errors.Errorf("%s is missing from the builder", a.src)
		}
	}
	for _, a := range artifacts {
		if err := copyBetween(ctx, t.builder, a.src, sb, a.dest); err != nil {
			return nil, err
		}
	}

	if err := sb.Stop(ctx); err != nil {
		return nil, err
	}

	archive := filepath.Join(staging, platformSlug(t.platform)+".tar")
	err = sb.Export(ctx, archive, runtime.ExportOptions{
		Entrypoint: []string{rt.Executable},
		Labels: map[string]string{
			ocispec.AnnotationTitle: p.manifest.Name,
			recipeLabel:             p.digest.String(),
		},
	})
	if err != nil {
		return nil, err
	}

	a, err := image.Open(archive, t.platform)
	if err != nil {
		return nil, err
	}
	if err := image.Verify(a.Image, p.expectations(artifacts)); err != nil {
		a.Close()
		return nil, err
	}

	t.staged = archive
	slog.Info("runtime image verified", "platform", t.platform)
	return a, nil
}

// Returns the executable followed by the staged files.
func (p *pipeline) artifacts() []artifact {
	tc := p.manifest.Toolchain
	out := []artifact{{
		src:        path.Join(tc.Workdir, tc.Artifact),
		dest:       p.manifest.Runtime.Executable,
		executable: true,
	}}
	for _, f := range p.manifest.Files {
		out = append(out, artifact{src: f.Builder, dest: f.Destination})
	}
	return out
}

// Returns what the runtime image must and must not contain.
func (p *pipeline) expectations(artifacts []artifact) image.Expectations {
	exp := image.Expectations{
		Forbidden:  append([]string{p.manifest.Toolchain.Workdir}, p.manifest.Toolchain.Markers...),
		Entrypoint: []string{p.manifest.Runtime.Executable},
	}
	for _, a := range artifacts {
		exp.Required = append(exp.Required, image.Requirement{Path: a.dest, Executable: a.executable})
	}
	return exp
}

// Pushes the verified images, as an index when there are several.
func (p *pipeline) push(ctx context.Context, imgs []v1.Image) error {
	var err error
	if len(imgs) == 1 {
		p.pushed, err = image.Push(ctx, imgs[0], p.opts.Push)
	} else {
		p.pushed, err = image.PushIndex(ctx, imgs, p.opts.Push)
	}
	return err
}
