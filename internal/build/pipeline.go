package build

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/containerd/platforms"
	"github.com/cruciblehq/kiln/internal/manifest"
	"github.com/cruciblehq/kiln/internal/recipe"
	"github.com/hashicorp/go-multierror"
	"github.com/opencontainers/go-digest"
	"github.com/pkg/errors"
)

// Shared state of one build run.
type pipeline struct {
	runID   string
	opts    Options
	machine *machine

	manifest *manifest.Manifest // With defaults applied.
	recipe   *recipe.Recipe
	digest   digest.Digest
	filter   *ignoreFilter
	targets  []*target // One per platform, in build order.

	sandboxes []Sandbox // Every sandbox started, destroyed when the run ends.
	images    []string
	pushed    string
}

// Per-platform state of a run.
type target struct {
	platform string
	builder  Sandbox
	runtime  Sandbox
	cacheKey digest.Digest
	cacheHit bool
	staged   string // Verified image archive awaiting publication.
}

func newPipeline(runID string, opts Options) *pipeline {
	return &pipeline{
		runID:   runID,
		opts:    opts,
		machine: newMachine(opts.Observer),
	}
}

type stage struct {
	to   State
	kind error
	name string
	run  func(context.Context) error
}

// Runs every stage in order, stopping at the first failure.
func (p *pipeline) run(ctx context.Context) error {
	stages := []stage{
		{RecipeGenerated, ErrRecipe, "recipe", p.plan},
		{DependenciesCached, ErrDependencyBuild, "dependencies", p.cook},
		{Compiled, ErrCompile, "compile", p.compile},
		{Assembled, ErrAssembly, "assemble", p.assemble},
	}

	for _, s := range stages {
		if err := ctx.Err(); err != nil {
			return p.machine.fail(s.kind, err)
		}

		slog.Info("stage started", "run", p.runID, "stage", s.name)
		if err := s.run(ctx); err != nil {
			return p.machine.fail(s.kind, err)
		}
		if err := p.machine.advance(s.to); err != nil {
			return err
		}
	}

	return p.machine.advance(Done)
}

// Generates the recipe and settles the build description.
func (p *pipeline) plan(ctx context.Context) error {
	m, err := p.loadManifest()
	if err != nil {
		return err
	}

	r, err := recipe.Generate(p.opts.Context, recipe.Options{Ecosystem: m.Ecosystem})
	if err != nil {
		return err
	}

	m.ApplyDefaults(r.Ecosystem)
	if err := m.Validate(); err != nil {
		return err
	}

	d, err := r.Digest()
	if err != nil {
		return err
	}

	plats, err := p.platforms(m)
	if err != nil {
		return err
	}

	filter, err := p.loadFilter(m)
	if err != nil {
		return err
	}

	p.manifest, p.recipe, p.digest, p.filter = m, r, d, filter
	for _, platform := range plats {
		p.targets = append(p.targets, &target{platform: platform})
	}

	slog.Info("recipe generated", "digest", d, "ecosystem", r.Ecosystem, "dependencies", len(r.Dependencies), "platforms", plats)
	return nil
}

// Returns a private copy of the build description.
func (p *pipeline) loadManifest() (*manifest.Manifest, error) {
	if p.opts.Manifest == nil {
		return manifest.Load(p.opts.Context)
	}

	m := *p.opts.Manifest
	m.Files = append([]manifest.File(nil), m.Files...)
	return &m, nil
}

// Returns the normalized platforms to build.
func (p *pipeline) platforms(m *manifest.Manifest) ([]string, error) {
	if len(p.opts.Platforms) == 0 {
		return m.TargetPlatforms()
	}

	out := make([]string, 0, len(p.opts.Platforms))
	for _, s := range p.opts.Platforms {
		spec, err := platforms.Parse(s)
		if err != nil {
			return nil, errors.Wrapf(manifest.ErrInvalid, "platform %q: %v", s, err)
		}
		out = append(out, platforms.Format(spec))
	}
	return out, nil
}

// Builds the source copy filter. The output directory is excluded when it
// lies inside the source tree.
func (p *pipeline) loadFilter(m *manifest.Manifest) (*ignoreFilter, error) {
	extra := append([]string{}, m.Ignore...)

	root, err := filepath.Abs(p.opts.Context)
	if err != nil {
		return nil, err
	}
	if rel, err := filepath.Rel(root, p.opts.Output); err == nil && rel != "." && !strings.HasPrefix(rel, "..") {
		extra = append(extra, "/"+filepath.ToSlash(rel)+"/")
	}

	return loadIgnore(p.opts.Context, extra)
}

// Starts a sandbox and records it for cleanup.
func (p *pipeline) start(ctx context.Context, image, role, platform string) (Sandbox, error) {
	id := p.sandboxID(role, platform)
	slog.Info("starting sandbox", "id", id, "image", image, "platform", platform)

	sb, err := p.opts.Backend.Start(ctx, image, id, platform)
	if err != nil {
		return nil, err
	}
	p.sandboxes = append(p.sandboxes, sb)
	return sb, nil
}

// Destroys every sandbox of the run. All failures are reported.
func (p *pipeline) destroy(ctx context.Context) error {
	var merr error
	for _, sb := range p.sandboxes {
		if err := sb.Destroy(ctx); err != nil {
			merr = multierror.Append(merr, err)
		}
	}
	p.sandboxes = nil
	return merr
}

// Returns a sandbox ID unique to this run, role, and platform.
func (p *pipeline) sandboxID(role, platform string) string {
	name := "kiln"
	if p.manifest != nil {
		name = p.manifest.Name
	}
	return fmt.Sprintf("%s-%s-%s-%s", name, p.runID[:8], platformSlug(platform), role)
}

// Returns the output directory for a platform.
//
// A single-platform build writes straight into the output directory. A
// multi-platform build gets one subdirectory per platform (e.g.
// {output}/linux-amd64).
func (p *pipeline) platformOutput(platform string) string {
	if len(p.targets) == 1 {
		return p.opts.Output
	}
	return filepath.Join(p.opts.Output, platformSlug(platform))
}

// Moves every staged image into the output directory. When a move fails,
// the images already moved are removed again.
func (p *pipeline) publish() (err error) {
	var moved []string
	defer func() {
		if err == nil {
			return
		}
		for _, dest := range moved {
			os.Remove(dest)
			if dir := filepath.Dir(dest); dir != p.opts.Output {
				os.Remove(dir)
			}
		}
		p.images = nil
	}()

	for _, t := range p.targets {
		dir := p.platformOutput(t.platform)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return wrap(ErrFileSystemOperation, err)
		}

		dest := filepath.Join(dir, ImageFilename)
		if err := os.Rename(t.staged, dest); err != nil {
			return wrap(ErrFileSystemOperation, err)
		}
		moved = append(moved, dest)
		p.images = append(p.images, dest)
	}
	return nil
}

func (p *pipeline) report(err error) *Report {
	r := &Report{
		RunID:        p.runID,
		States:       append([]State(nil), p.machine.visited...),
		RecipeDigest: p.digest,
		CacheHit:     len(p.targets) > 0,
		Images:       p.images,
		Pushed:       p.pushed,
		Err:          err,
	}
	for _, t := range p.targets {
		r.CacheHit = r.CacheHit && t.cacheHit
	}
	return r
}

// Converts a platform string to a filesystem-safe slug ("linux/amd64"
// becomes "linux-amd64").
func platformSlug(platform string) string {
	return strings.ReplaceAll(platform, "/", "-")
}
