package runtime

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"maps"
	"os"

	"github.com/containerd/containerd/v2/core/containers"
	"github.com/containerd/containerd/v2/core/content"
	"github.com/containerd/containerd/v2/core/images"
	"github.com/containerd/containerd/v2/core/images/archive"
	"github.com/containerd/containerd/v2/pkg/rootfs"
	"github.com/containerd/platforms"
	"github.com/opencontainers/go-digest"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/pkg/errors"
)

// Image config overrides applied when a container is exported.
type ExportOptions struct {
	Entrypoint []string          // Replaces the entrypoint and clears cmd when non-empty.
	Labels     map[string]string // Merged into the config labels.
}

// Commits the container's filesystem changes and writes the result as an
// OCI archive at dest.
//
// The diff between the container's snapshot and its parent becomes a new
// layer on top of the base image. The stored image record is never
// modified: the mutated manifest, config, and index are written as
// ephemeral blobs held by a lease until the archive is written. The
// container should be stopped first.
func (c *Container) Export(ctx context.Context, dest string, opts ExportOptions) error {
	loaded, err := c.client.LoadContainer(ctx, c.id)
	if err != nil {
		return wrap(ErrRuntime, err)
	}

	info, err := loaded.Info(ctx)
	if err != nil {
		return wrap(ErrRuntime, err)
	}

	layer, diffID, err := c.snapshotDiff(ctx, info)
	if err != nil {
		return wrap(ErrRuntime, err)
	}

	ctx, done, err := c.client.WithLease(ctx)
	if err != nil {
		return wrap(ErrRuntime, err)
	}
	defer done(context.WithoutCancel(ctx))

	target, err := c.exportTarget(ctx, info.Image, func(manifest *ocispec.Manifest, config *ocispec.Image) {
		manifest.Layers = append(manifest.Layers, layer)
		config.RootFS.DiffIDs = append(config.RootFS.DiffIDs, diffID)
		if len(opts.Entrypoint) > 0 {
			config.Config.Entrypoint = opts.Entrypoint
			config.Config.Cmd = nil
		}
		if len(opts.Labels) > 0 {
			if config.Config.Labels == nil {
				config.Config.Labels = make(map[string]string, len(opts.Labels))
			}
			maps.Copy(config.Config.Labels, opts.Labels)
		}
	})
	if err != nil {
		return wrap(ErrRuntime, err)
	}

	if err := c.writeArchive(ctx, target, info.Image, dest); err != nil {
		return wrap(ErrRuntime, err)
	}

	slog.Info("image exported", "path", dest)
	return nil
}

// Computes the diff between the container's snapshot and its parent.
func (c *Container) snapshotDiff(ctx context.Context, info containers.Container) (ocispec.Descriptor, digest.Digest, error) {
	layer, err := rootfs.CreateDiff(ctx,
		info.SnapshotKey,
		c.client.SnapshotService(info.Snapshotter),
		c.client.DiffService(),
	)
	if err != nil {
		return ocispec.Descriptor{}, "", err
	}

	diffID, err := images.GetDiffID(ctx, c.client.ContentStore(), layer)
	if err != nil {
		return ocispec.Descriptor{}, "", err
	}

	return layer, diffID, nil
}

// Writes target to an OCI tar archive at dest, keeping only the
// container's platform.
func (c *Container) writeArchive(ctx context.Context, target ocispec.Descriptor, imageName, dest string) error {
	p, err := platforms.Parse(c.platform)
	if err != nil {
		return err
	}

	f, err := os.Create(dest)
	if err != nil {
		return err
	}

	err = c.client.Export(ctx, f,
		archive.WithManifest(target, imageName),
		archive.WithPlatform(platforms.Only(p)),
	)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	return err
}

// Applies mutate to the image's platform manifest and config and returns
// the descriptor to export.
//
// When the image root is an index, a new single-entry index is written
// holding only the mutated manifest. Other platforms are dropped since
// their layers are usually not in the content store.
func (c *Container) exportTarget(ctx context.Context, imageName string, mutate func(*ocispec.Manifest, *ocispec.Image)) (ocispec.Descriptor, error) {
	img, err := c.client.ImageService().Get(ctx, imageName)
	if err != nil {
		return ocispec.Descriptor{}, err
	}

	target, index, err := c.resolveManifest(ctx, img.Target, imageName)
	if err != nil {
		return ocispec.Descriptor{}, err
	}

	manifest, err := readJSON[ocispec.Manifest](ctx, c.client.ContentStore(), target)
	if err != nil {
		return ocispec.Descriptor{}, err
	}
	config, err := readJSON[ocispec.Image](ctx, c.client.ContentStore(), manifest.Config)
	if err != nil {
		return ocispec.Descriptor{}, err
	}

	mutate(&manifest, &config)

	manifest.Config, err = c.writeBlob(ctx, manifest.Config.MediaType, config, imageName+"-config")
	if err != nil {
		return ocispec.Descriptor{}, err
	}

	desc, err := c.writeBlob(ctx, target.MediaType, manifest, imageName+"-manifest", content.WithLabels(manifestGCLabels(manifest)))
	if err != nil || index == nil {
		return desc, err
	}

	index.Manifests = []ocispec.Descriptor{desc}
	return c.writeBlob(ctx, img.Target.MediaType, index, imageName+"-index", content.WithLabels(indexGCLabels(*index)))
}

// Resolves the image root descriptor to the manifest for the container's
// platform. The returned index is nil when the root already is a manifest.
//
// Some registries serve index entries without platform metadata. Those
// entries are inspected through their image config, as containerd itself does.
func (c *Container) resolveManifest(ctx context.Context, root ocispec.Descriptor, imageName string) (ocispec.Descriptor, *ocispec.Index, error) {
	if !images.IsIndexType(root.MediaType) {
		return root, nil, nil
	}

	cs := c.client.ContentStore()
	idx, err := readJSON[ocispec.Index](ctx, cs, root)
	if err != nil {
		return ocispec.Descriptor{}, nil, err
	}
	if len(idx.Manifests) == 0 {
		return ocispec.Descriptor{}, nil, errors.Wrapf(ErrEmptyIndex, "%s", imageName)
	}

	p, err := platforms.Parse(c.platform)
	if err != nil {
		return ocispec.Descriptor{}, nil, err
	}
	matcher := platforms.OnlyStrict(p)

	for _, m := range idx.Manifests {
		if m.Platform != nil && matcher.Match(*m.Platform) {
			return m, &idx, nil
		}
	}
	for _, m := range idx.Manifests {
		if m.Platform != nil || !images.IsManifestType(m.MediaType) {
			continue
		}
		manifest, err := readJSON[ocispec.Manifest](ctx, cs, m)
		if err != nil {
			continue
		}
		config, err := readJSON[ocispec.Image](ctx, cs, manifest.Config)
		if err != nil {
			continue
		}
		if matcher.Match(config.Platform) {
			return m, &idx, nil
		}
	}

	return idx.Manifests[0], &idx, nil
}

// Reads a JSON blob from the content store.
func readJSON[T any](ctx context.Context, p content.Provider, desc ocispec.Descriptor) (T, error) {
	var v T
	b, err := content.ReadBlob(ctx, p, desc)
	if err != nil {
		return v, err
	}
	err = json.Unmarshal(b, &v)
	return v, err
}

// Serializes v into the content store and returns its descriptor.
func (c *Container) writeBlob(ctx context.Context, mediaType string, v any, ref string, opts ...content.Opt) (ocispec.Descriptor, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return ocispec.Descriptor{}, err
	}
	desc := ocispec.Descriptor{
		MediaType: mediaType,
		Digest:    digest.FromBytes(b),
		Size:      int64(len(b)),
	}
	if err := content.WriteBlob(ctx, c.client.ContentStore(), ref, bytes.NewReader(b), desc, opts...); err != nil {
		return ocispec.Descriptor{}, err
	}
	return desc, nil
}

// Returns containerd GC reference labels tying a manifest to its config
// and layers.
func manifestGCLabels(m ocispec.Manifest) map[string]string {
	labels := map[string]string{
		"containerd.io/gc.ref.content.config": m.Config.Digest.String(),
	}
	for i, layer := range m.Layers {
		labels[fmt.Sprintf("containerd.io/gc.ref.content.l.%d", i)] = layer.Digest.String()
	}
	return labels
}

// Returns containerd GC reference labels tying an index to its manifests.
func indexGCLabels(idx ocispec.Index) map[string]string {
	labels := make(map[string]string, len(idx.Manifests))
	for i, m := range idx.Manifests {
		labels[fmt.Sprintf("containerd.io/gc.ref.content.m.%d", i)] = m.Digest.String()
	}
	return labels
}
