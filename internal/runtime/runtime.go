package runtime

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"strings"

	containerd "github.com/containerd/containerd/v2/client"
	"github.com/containerd/containerd/v2/core/images"
	"github.com/containerd/errdefs"
	"github.com/containerd/platforms"
	"github.com/distribution/reference"
)

const (

	// Prefix marking an image reference as a local OCI archive path.
	ArchivePrefix = "oci-archive:"

	// Default snapshotter for container filesystems. fuse-overlayfs provides
	// overlay semantics without requiring root privileges (no mount(2)),
	// allowing kiln to run as a regular user.
	DefaultSnapshotter = "fuse-overlayfs"

	// OCI runtime shim for running containers.
	ociRuntime = "io.containerd.runc.v2"
)

// Connection settings for a containerd daemon.
type Options struct {
	Address     string // Path of the containerd socket.
	Namespace   string // Namespace scoping every containerd object.
	Snapshotter string // Snapshotter name. Empty means [DefaultSnapshotter].
}

// Manages the containerd client and provides image and container operations.
type Runtime struct {
	client      *containerd.Client // Containerd client for managing containers and images.
	snapshotter string
}

// Creates a runtime connected to the containerd socket at opts.Address.
//
// The runtime must be closed when no longer needed.
func New(opts Options) (*Runtime, error) {
	client, err := containerd.New(opts.Address, containerd.WithDefaultNamespace(opts.Namespace))
	if err != nil {
		return nil, wrap(ErrRuntime, err)
	}

	snapshotter := opts.Snapshotter
	if snapshotter == "" {
		snapshotter = DefaultSnapshotter
	}

	return &Runtime{client: client, snapshotter: snapshotter}, nil
}

// Closes the containerd client connection.
func (rt *Runtime) Close() error {
	return rt.client.Close()
}

// Obtains the image named by ref, unpacks it for platform, and starts a
// container from it.
//
// A ref starting with [ArchivePrefix] names a local OCI archive, which is
// imported and tagged with a deterministic name derived from its path.
// Any other ref is pulled from its registry. A long-running task (sleep
// infinity) is started so that subsequent Exec calls have a running
// process to attach to. Any existing container with the same ID is removed
// before the new one is created. Building for a platform other than the
// host requires QEMU / binfmt_misc support in the kernel.
func (rt *Runtime) StartContainer(ctx context.Context, ref, id, platform string) (*Container, error) {
	if platform == "" {
		platform = platforms.DefaultString()
	}

	tag, err := rt.obtainImage(ctx, ref, platform)
	if err != nil {
		return nil, err
	}

	c := &Container{
		client:      rt.client,
		id:          id,
		platform:    platform,
		snapshotter: rt.snapshotter,
	}

	// Remove any stale container from a previous build with the same ID.
	c.remove(ctx)

	image, err := rt.resolveImage(ctx, tag, platform)
	if err != nil {
		return nil, wrap(ErrRuntime, err)
	}

	ctr, err := c.create(ctx, image)
	if err != nil {
		return nil, wrap(ErrRuntime, err)
	}

	if err := c.startTask(ctx, ctr); err != nil {
		ctr.Delete(ctx, containerd.WithSnapshotCleanup)
		return nil, wrap(ErrRuntime, err)
	}

	slog.Debug("container started", "id", id, "image", tag, "platform", platform)

	return c, nil
}

// Makes the image named by ref available and unpacked, returning the name
// it is stored under.
func (rt *Runtime) obtainImage(ctx context.Context, ref, platform string) (string, error) {
	if path, ok := strings.CutPrefix(ref, ArchivePrefix); ok {
		tag := imageTag(path)

		source, err := rt.importArchive(ctx, path)
		if err != nil {
			return "", wrap(ErrRuntime, err)
		}
		if err := rt.tagImage(ctx, source, tag); err != nil {
			return "", wrap(ErrRuntime, err)
		}
		if err := rt.unpackImage(ctx, tag, platform); err != nil {
			return "", wrap(ErrRuntime, err)
		}
		return tag, nil
	}

	name, err := normalizeRef(ref)
	if err != nil {
		return "", wrap(ErrPull, err)
	}

	if err := rt.pullImage(ctx, name, platform); err != nil {
		return "", wrap(ErrPull, err)
	}
	return name, nil
}

// Pulls an image for a single platform and unpacks it into the snapshotter.
func (rt *Runtime) pullImage(ctx context.Context, name, platform string) error {
	p, err := platforms.Parse(platform)
	if err != nil {
		return err
	}

	slog.Info("pulling image", "ref", name, "platform", platform)

	_, err = rt.client.Pull(ctx, name,
		containerd.WithPlatformMatcher(platforms.Only(p)),
		containerd.WithPullUnpack,
		containerd.WithPullSnapshotter(rt.snapshotter),
	)
	return err
}

// Imports an OCI archive into the content store.
//
// The archive must contain exactly one image. Multi-platform archives
// are supported (single OCI index with per-platform manifests).
func (rt *Runtime) importArchive(ctx context.Context, path string) (images.Image, error) {
	fh, err := os.Open(path)
	if err != nil {
		return images.Image{}, err
	}
	defer fh.Close()

	imported, err := rt.client.Import(ctx, fh)
	if err != nil {
		return images.Image{}, err
	}

	// One record per entry in the archive's index.json. Platform selection
	// happens later, so a multi-platform archive still has a single record.
	if len(imported) == 0 {
		return images.Image{}, ErrEmptyArchive
	} else if len(imported) > 1 {
		return images.Image{}, ErrMultipleImages
	}

	return imported[0], nil
}

// Tags an imported image under a deterministic name.
//
// Updates the tag if it already exists. Removes the source record when
// its name differs from the tag to avoid duplicates.
func (rt *Runtime) tagImage(ctx context.Context, source images.Image, tag string) error {
	is := rt.client.ImageService()

	img := images.Image{
		Name:   tag,
		Target: source.Target,
	}

	if _, err := is.Create(ctx, img); err != nil {
		if !errdefs.IsAlreadyExists(err) {
			return err
		}
		if _, err := is.Update(ctx, img, "target"); err != nil {
			return err
		}
	}

	if source.Name != tag {
		_ = is.Delete(ctx, source.Name)
	}

	return nil
}

// Unpacks the image layers for the target platform into the snapshotter.
func (rt *Runtime) unpackImage(ctx context.Context, tag, platform string) error {
	image, err := rt.resolveImage(ctx, tag, platform)
	if err != nil {
		return err
	}

	return image.Unpack(ctx, rt.snapshotter)
}

// Looks up a stored image and selects the manifest for the given platform.
func (rt *Runtime) resolveImage(ctx context.Context, tag, platform string) (containerd.Image, error) {
	p, err := platforms.Parse(platform)
	if err != nil {
		return nil, err
	}

	img, err := rt.client.ImageService().Get(ctx, tag)
	if err != nil {
		return nil, err
	}

	return containerd.NewImageWithPlatform(rt.client, img, platforms.Only(p)), nil
}

// Produces a containerd image tag from an archive path.
//
// The path is hashed to produce a tag that is always valid for OCI references
// regardless of which characters the path contains.
func imageTag(path string) string {
	h := sha256.Sum256([]byte(path))
	return fmt.Sprintf("import/%s:latest", hex.EncodeToString(h[:]))
}

// Expands a short image reference ("debian:bookworm-slim") to the fully
// qualified form containerd resolves ("docker.io/library/debian:bookworm-slim").
func normalizeRef(ref string) (string, error) {
	named, err := reference.ParseDockerRef(ref)
	if err != nil {
		return "", err
	}
	return named.String(), nil
}
