package build

import (
	"context"
	"log/slog"
	"os"
	"path"
	"path/filepath"

	"github.com/pkg/errors"
)

// Copies the source tree and the staged files into every builder, runs the
// build command, and checks that it produced the artifact.
func (p *pipeline) compile(ctx context.Context) error {
	if err := p.checkStagedFiles(); err != nil {
		return err
	}

	for _, t := range p.targets {
		if err := p.compileTarget(ctx, t); err != nil {
			return errors.Wrapf(err, "platform %s", t.platform)
		}
	}
	return nil
}

// Fails with [ErrStaging] when a staged file is missing from the source
// tree, before anything is copied.
func (p *pipeline) checkStagedFiles() error {
	for _, f := range p.manifest.Files {
		info, err := os.Stat(filepath.Join(p.opts.Context, filepath.FromSlash(f.Source)))
		if err != nil {
			return wrapf(ErrStaging, err, "%s", f.Source)
		}
		if !info.Mode().IsRegular() {
			return errors.Wrapf(ErrStaging, "%s is not a regular file", f.Source)
		}
	}
	return nil
}

func (p *pipeline) compileTarget(ctx context.Context, t *target) error {
	tc := p.manifest.Toolchain

	if err := copyTree(ctx, t.builder, p.opts.Context, tc.Workdir, p.filter); err != nil {
		return err
	}

	for _, f := range p.manifest.Files {
		src := filepath.Join(p.opts.Context, filepath.FromSlash(f.Source))
		if err := copyFile(ctx, t.builder, src, f.Builder); err != nil {
			return wrapf(ErrStaging, err, "%s", f.Source)
		}
	}

	if err := runStep(ctx, t.builder, newStepState(tc.Workdir, tc.Env), tc.Build); err != nil {
		return err
	}

	artifact := path.Join(tc.Workdir, tc.Artifact)
	ok, err := fileExists(ctx, t.builder, artifact)
	if err != nil {
		return err
	}
	if !ok {
		return errors.Errorf("build command did not produce %s", artifact)
	}

	slog.Info("compiled", "artifact", artifact, "platform", t.platform)
	return nil
}
