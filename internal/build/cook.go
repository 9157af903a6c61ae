package build

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"path"
	"slices"

	"github.com/cruciblehq/kiln/internal/cache"
	"github.com/cruciblehq/kiln/internal/manifest"
	"github.com/opencontainers/go-digest"
	"github.com/pkg/errors"
)

// Environment variable pointing cook commands at the recipe.
const recipeEnv = "KILN_RECIPE"

// Inputs that decide the content of a dependency cache entry.
type cacheKeyInput struct {
	Recipe   digest.Digest `json:"recipe"`
	Platform string        `json:"platform"`
	Image    string        `json:"image"`
	Workdir  string        `json:"workdir"`
	Cook     string        `json:"cook"`
	Env      []string      `json:"env"`
	Cache    []string      `json:"cache"`
}

// Derives the cache key of the dependency layer.
//
// Only the recipe digest varies with the source tree. The remaining inputs
// come from the build description and change only when the toolchain does.
func cacheKey(recipeDigest digest.Digest, platform string, t manifest.Toolchain) (digest.Digest, error) {
	in := cacheKeyInput{
		Recipe:   recipeDigest,
		Platform: platform,
		Image:    t.Image,
		Workdir:  t.Workdir,
		Cook:     t.Cook,
		Env:      newStepState("", t.Env).environ(),
		Cache:    slices.Sorted(slices.Values(t.Cache)),
	}

	b, err := json.Marshal(in)
	if err != nil {
		return "", err
	}
	return digest.FromBytes(b), nil
}

// Starts one builder per platform and fills it with compiled
// dependencies, from the cache when possible.
func (p *pipeline) cook(ctx context.Context) error {
	for _, t := range p.targets {
		if err := p.cookTarget(ctx, t); err != nil {
			return errors.Wrapf(err, "platform %s", t.platform)
		}
	}
	return nil
}

func (p *pipeline) cookTarget(ctx context.Context, t *target) error {
	tc := p.manifest.Toolchain

	key, err := cacheKey(p.digest, t.platform, tc)
	if err != nil {
		return err
	}
	t.cacheKey = key

	t.builder, err = p.start(ctx, tc.Image, "builder", t.platform)
	if err != nil {
		return err
	}
	if err := t.builder.MkdirAll(ctx, tc.Workdir); err != nil {
		return err
	}

	entry, ok, err := p.opts.Cache.Lookup(key)
	if err != nil {
		return err
	}
	if ok {
		slog.Info("dependency cache hit", "key", key, "platform", t.platform)
		if err := p.restore(ctx, t.builder, entry); err != nil {
			return err
		}
		t.cacheHit = true
		return p.opts.Cache.Touch(key)
	}

	slog.Info("dependency cache miss", "key", key, "platform", t.platform)
	return p.cookDependencies(ctx, t)
}

// Extracts every layer of entry into the builder.
func (p *pipeline) restore(ctx context.Context, sb Sandbox, entry *cache.Entry) error {
	for _, layer := range entry.Layers {
		rc, err := p.opts.Cache.OpenLayer(entry, layer)
		if err != nil {
			return err
		}

		err = sb.CopyTo(ctx, rc, path.Dir(layer.Path))
		rc.Close()
		if err != nil {
			return wrapf(ErrCopy, err, "restoring %s", layer.Path)
		}
		slog.Debug("layer restored", "path", layer.Path, "blob", layer.Blob)
	}
	return nil
}

// Compiles the dependencies against the skeleton and publishes the cache
// directories.
func (p *pipeline) cookDependencies(ctx context.Context, t *target) error {
	tc := p.manifest.Toolchain

	pr, pw := io.Pipe()
	go func() {
		pw.CloseWithError(p.recipe.Skeleton(pw))
	}()
	err := t.builder.CopyTo(ctx, pr, tc.Workdir)
	pr.CloseWithError(io.ErrClosedPipe)
	if err != nil {
		return wrapf(ErrCopy, err, "skeleton")
	}

	state := newStepState(tc.Workdir, tc.Env).with(map[string]string{
		recipeEnv: path.Join(tc.Workdir, "recipe.json"),
	})
	if err := runStep(ctx, t.builder, state, tc.Cook); err != nil {
		return err
	}

	var sources []cache.Source
	for _, dir := range tc.Cache {
		ok, err := pathExists(ctx, t.builder, dir)
		if err != nil {
			return err
		}
		if !ok {
			slog.Debug("cache path absent after cook", "path", dir)
			continue
		}

		sources = append(sources, cache.Source{
			Path: dir,
			Write: func(ctx context.Context, w io.Writer) error {
				return t.builder.CopyFrom(ctx, w, dir)
			},
		})
	}

	entry, err := p.opts.Cache.Publish(ctx, t.cacheKey, sources)
	if err != nil {
		return err
	}

	slog.Info("dependency cache published", "key", entry.Key, "layers", len(entry.Layers))
	return nil
}
