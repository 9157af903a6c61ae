package image

import (
	"archive/tar"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/containerd/platforms"
	v1 "github.com/google/go-containerregistry/pkg/v1"
	"github.com/google/go-containerregistry/pkg/v1/empty"
	"github.com/google/go-containerregistry/pkg/v1/layout"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/pkg/errors"
)

// An OCI archive extracted for inspection.
//
// The image reads its blobs lazily from the extracted layout, so the
// archive must stay open while the image is in use.
type Archive struct {
	Image v1.Image
	dir   string
}

// Opens the OCI archive at path and selects the image for platform.
//
// Nested indexes are descended. Manifests without platform information
// match any platform. An empty platform selects the first image found.
func Open(path, platform string) (*Archive, error) {
	var matcher platforms.Matcher
	if platform != "" {
		p, err := platforms.Parse(platform)
		if err != nil {
			return nil, errors.Wrapf(err, "parsing platform %q", platform)
		}
		matcher = platforms.NewMatcher(p)
	}

	dir, err := os.MkdirTemp("", "kiln-image-")
	if err != nil {
		return nil, errors.Wrap(err, "creating extraction directory")
	}

	a := &Archive{dir: dir}
	if err := extractArchive(path, dir); err != nil {
		a.Close()
		return nil, wrapf(ErrArchive, err, "%s", path)
	}

	idx, err := layout.ImageIndexFromPath(dir)
	if err != nil {
		a.Close()
		return nil, wrapf(ErrArchive, err, "%s", path)
	}

	img, err := selectImage(idx, matcher)
	if err != nil {
		a.Close()
		return nil, errors.Wrap(err, path)
	}

	a.Image = img
	return a, nil
}

// Removes the extracted layout.
func (a *Archive) Close() error {
	return os.RemoveAll(a.dir)
}

// Writes img as a single-image OCI archive at path.
func WriteArchive(img v1.Image, path string) error {
	dir, err := os.MkdirTemp("", "kiln-layout-")
	if err != nil {
		return errors.Wrap(err, "creating layout directory")
	}
	defer os.RemoveAll(dir)

	lp, err := layout.Write(dir, empty.Index)
	if err != nil {
		return errors.Wrap(err, "writing layout")
	}

	var opts []layout.Option
	if cfg, err := img.ConfigFile(); err == nil && cfg.OS != "" {
		opts = append(opts, layout.WithPlatform(v1.Platform{
			OS:           cfg.OS,
			Architecture: cfg.Architecture,
			Variant:      cfg.Variant,
		}))
	}
	if err := lp.AppendImage(img, opts...); err != nil {
		return errors.Wrap(err, "appending image")
	}

	f, err := os.Create(path)
	if err != nil {
		return errors.Wrapf(err, "creating %s", path)
	}
	defer f.Close()

	tw := tar.NewWriter(f)
	if err := writeDir(tw, dir); err != nil {
		return errors.Wrapf(err, "writing %s", path)
	}
	if err := tw.Close(); err != nil {
		return errors.Wrapf(err, "writing %s", path)
	}
	return f.Close()
}

// Walks the index for the first image whose platform satisfies matcher.
func selectImage(idx v1.ImageIndex, matcher platforms.Matcher) (v1.Image, error) {
	manifest, err := idx.IndexManifest()
	if err != nil {
		return nil, errors.Wrap(err, "reading index manifest")
	}

	for _, desc := range manifest.Manifests {
		switch {
		case desc.MediaType.IsIndex():
			child, err := idx.ImageIndex(desc.Digest)
			if err != nil {
				return nil, errors.Wrapf(err, "reading index %s", desc.Digest)
			}
			img, err := selectImage(child, matcher)
			if errors.Is(err, ErrNoImage) {
				continue
			}
			return img, err

		case desc.MediaType.IsImage():
			if matcher != nil && desc.Platform != nil && !matcher.Match(toSpec(*desc.Platform)) {
				continue
			}
			img, err := idx.Image(desc.Digest)
			if err != nil {
				return nil, errors.Wrapf(err, "reading image %s", desc.Digest)
			}
			return img, nil
		}
	}

	return nil, ErrNoImage
}

func toSpec(p v1.Platform) ocispec.Platform {
	return ocispec.Platform{
		OS:           p.OS,
		Architecture: p.Architecture,
		Variant:      p.Variant,
		OSVersion:    p.OSVersion,
	}
}

// Extracts a tar archive into dir. Only directories and regular files are
// accepted, and no entry may escape dir.
func extractArchive(path, dir string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	tr := tar.NewReader(f)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}

		name := filepath.FromSlash(strings.TrimPrefix(hdr.Name, "./"))
		target := filepath.Join(dir, name)
		if target != dir && !strings.HasPrefix(target, dir+string(filepath.Separator)) {
			return errors.Errorf("entry %q escapes archive root", hdr.Name)
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0755); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
				return err
			}
			if err := writeFile(target, tr); err != nil {
				return err
			}
		default:
			return errors.Errorf("entry %q has unsupported type %q", hdr.Name, hdr.Typeflag)
		}
	}
}

func writeFile(path string, r io.Reader) error {
	out, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, r); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// Writes the contents of dir to tw with paths relative to dir.
func writeDir(tw *tar.Writer, dir string) error {
	return filepath.WalkDir(dir, func(p string, d os.DirEntry, err error) error {
		if err != nil || p == dir {
			return err
		}

		rel, err := filepath.Rel(dir, p)
		if err != nil {
			return err
		}

		info, err := d.Info()
		if err != nil {
			return err
		}
		hdr, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return err
		}
		hdr.Name = filepath.ToSlash(rel)
		if d.IsDir() {
			hdr.Name += "/"
		}

		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		if !info.Mode().IsRegular() {
			return nil
		}

		f, err := os.Open(p)
		if err != nil {
			return err
		}
		defer f.Close()
		_, err = io.Copy(tw, f)
		return err
	})
}
