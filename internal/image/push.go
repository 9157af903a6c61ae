package image

import (
	"context"
	"log/slog"

	"github.com/google/go-containerregistry/pkg/authn"
	"github.com/google/go-containerregistry/pkg/name"
	v1 "github.com/google/go-containerregistry/pkg/v1"
	"github.com/google/go-containerregistry/pkg/v1/empty"
	"github.com/google/go-containerregistry/pkg/v1/mutate"
	"github.com/google/go-containerregistry/pkg/v1/remote"
	"github.com/google/go-containerregistry/pkg/v1/types"
)

// Pushes img to the registry reference ref and returns the pushed digest
// reference.
//
// Credentials are resolved through the default keychain (docker config and
// credential helpers). Additional remote options are applied after the
// defaults.
func Push(ctx context.Context, img v1.Image, ref string, opts ...remote.Option) (string, error) {
	r, options, err := pushTarget(ctx, ref, opts)
	if err != nil {
		return "", err
	}

	if err := remote.Write(r, img, options...); err != nil {
		return "", wrapf(ErrPublish, err, "pushing %s", r)
	}

	return pushed(r, img)
}

// Pushes imgs as a single multi-platform index under ref and returns the
// pushed digest reference. The platform of each entry is taken from the
// image config.
func PushIndex(ctx context.Context, imgs []v1.Image, ref string, opts ...remote.Option) (string, error) {
	r, options, err := pushTarget(ctx, ref, opts)
	if err != nil {
		return "", err
	}

	idx := mutate.IndexMediaType(empty.Index, types.OCIImageIndex)
	for _, img := range imgs {
		cfg, err := img.ConfigFile()
		if err != nil {
			return "", wrapf(ErrPublish, err, "reading config")
		}
		idx = mutate.AppendManifests(idx, mutate.IndexAddendum{
			Add: img,
			Descriptor: v1.Descriptor{
				Platform: &v1.Platform{OS: cfg.OS, Architecture: cfg.Architecture, Variant: cfg.Variant},
			},
		})
	}

	if err := remote.WriteIndex(r, idx, options...); err != nil {
		return "", wrapf(ErrPublish, err, "pushing %s", r)
	}

	return pushed(r, idx)
}

func pushTarget(ctx context.Context, ref string, opts []remote.Option) (name.Reference, []remote.Option, error) {
	r, err := name.ParseReference(ref)
	if err != nil {
		return nil, nil, wrapf(ErrPublish, err, "parsing %q", ref)
	}

	options := append([]remote.Option{
		remote.WithContext(ctx),
		remote.WithAuthFromKeychain(authn.DefaultKeychain),
	}, opts...)

	return r, options, nil
}

// Returns the digest reference of what was pushed to r.
func pushed(r name.Reference, artifact interface{ Digest() (v1.Hash, error) }) (string, error) {
	d, err := artifact.Digest()
	if err != nil {
		return "", wrapf(ErrPublish, err, "computing digest")
	}

	ref := r.Context().Digest(d.String()).String()
	slog.Info("image pushed", "ref", ref)
	return ref, nil
}
