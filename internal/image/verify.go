package image

import (
	"archive/tar"
	"io"
	"path"
	"slices"
	"strings"

	v1 "github.com/google/go-containerregistry/pkg/v1"
	"github.com/google/go-containerregistry/pkg/v1/mutate"
	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
)

// A filesystem entry of a flattened image.
type File struct {
	Path     string // Absolute, cleaned path.
	Type     byte   // Tar type flag.
	Mode     int64
	Size     int64
	Linkname string
}

// A path that must exist in the image as a regular file.
type Requirement struct {
	Path       string
	Executable bool
}

// What a runtime image must and must not contain.
type Expectations struct {
	Required   []Requirement
	Forbidden  []string // Path prefixes that must be absent, except for required paths and their parents.
	Entrypoint []string // Exact entrypoint. Cmd must be empty.
}

// Returns the flattened filesystem of img keyed by absolute path.
//
// Whiteouts are applied, so the result is what a container started from
// the image would see.
func Contents(img v1.Image) (map[string]File, error) {
	rc := mutate.Extract(img)
	defer rc.Close()

	files := make(map[string]File)
	tr := tar.NewReader(rc)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return files, nil
		}
		if err != nil {
			return nil, errors.Wrap(err, "reading image filesystem")
		}

		p := path.Clean("/" + hdr.Name)
		files[p] = File{
			Path:     p,
			Type:     hdr.Typeflag,
			Mode:     hdr.Mode,
			Size:     hdr.Size,
			Linkname: hdr.Linkname,
		}
	}
}

// Checks img against exp. Every violation is reported.
func Verify(img v1.Image, exp Expectations) error {
	files, err := Contents(img)
	if err != nil {
		return wrap(ErrVerify, err)
	}

	var merr error
	fail := func(format string, args ...any) {
		merr = multierror.Append(merr, errors.Errorf(format, args...))
	}

	required := make(map[string]bool, len(exp.Required))
	for _, r := range exp.Required {
		p := path.Clean(r.Path)
		required[p] = true

		f, ok := files[p]
		switch {
		case !ok:
			fail("%s is missing", p)
		case f.Type != tar.TypeReg:
			fail("%s is not a regular file", p)
		case r.Executable && f.Mode&0111 == 0:
			fail("%s is not executable", p)
		}
	}

	var present []string
	for p := range files {
		if required[p] || isParent(p, required) {
			continue
		}
		for _, prefix := range exp.Forbidden {
			if within(p, path.Clean(prefix)) {
				present = append(present, p)
				break
			}
		}
	}
	slices.Sort(present)
	for _, p := range present {
		fail("%s must not be present", p)
	}

	cfg, err := img.ConfigFile()
	if err != nil {
		fail("reading config: %v", err)
	} else if exp.Entrypoint != nil {
		if !slices.Equal(cfg.Config.Entrypoint, exp.Entrypoint) {
			fail("entrypoint is %q, want %q", cfg.Config.Entrypoint, exp.Entrypoint)
		}
		if len(cfg.Config.Cmd) > 0 {
			fail("cmd is %q, want none", cfg.Config.Cmd)
		}
	}

	if merr != nil {
		return wrap(ErrVerify, merr)
	}
	return nil
}

// Reports whether p is prefix or lies below it.
func within(p, prefix string) bool {
	return p == prefix || prefix == "/" || strings.HasPrefix(p, prefix+"/")
}

// Reports whether dir is an ancestor of a required path.
func isParent(dir string, required map[string]bool) bool {
	for r := range required {
		if strings.HasPrefix(r, dir+"/") || dir == "/" {
			return true
		}
	}
	return false
}
