package recipe

import (
	"archive/tar"
	"io"
	"path"
	"slices"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// Modification time stamped on every skeleton entry. Real sources copied
// over the skeleton are always newer, so incremental compilers rebuild them.
var skeletonModTime = time.Unix(0, 0).UTC()

// Stub contents per target kind.
var stubSources = map[TargetKind]string{
	TargetLib:     "",
	TargetBin:     "fn main() {}\n",
	TargetExample: "fn main() {}\n",
	TargetTest:    "",
	TargetBench:   "fn main() {}\n",
}

// Writes the skeleton project as a tar stream.
//
// The archive holds the encoded recipe, every manifest and lockfile at its
// original path, and a stub source for every target. Entry order and
// metadata are fixed, so equal recipes produce identical archives.
func (r *Recipe) Skeleton(w io.Writer) error {
	encoded, err := r.Encode()
	if err != nil {
		return err
	}

	files := map[string]string{Filename: string(encoded)}

	for _, m := range r.Manifests {
		files[m.Path] = m.Contents
		dir := path.Dir(m.Path)
		for _, t := range m.Targets {
			p := path.Join(dir, t.Path)
			if _, ok := files[p]; !ok {
				files[p] = stubSources[t.Kind]
			}
		}
	}
	for _, l := range r.Lockfiles {
		files[l.Path] = l.Contents
	}

	tw := tar.NewWriter(w)

	for _, dir := range parentDirs(files) {
		if err := tw.WriteHeader(&tar.Header{
			Typeflag: tar.TypeDir,
			Name:     dir + "/",
			Mode:     0755,
			ModTime:  skeletonModTime,
			Format:   tar.FormatPAX,
		}); err != nil {
			return errors.Wrap(err, "writing skeleton")
		}
	}

	names := make([]string, 0, len(files))
	for name := range files {
		names = append(names, name)
	}
	slices.Sort(names)

	for _, name := range names {
		if err := writeSkeletonFile(tw, name, files[name]); err != nil {
			return errors.Wrap(err, "writing skeleton")
		}
	}

	return tw.Close()
}

// Writes a single regular file entry.
func writeSkeletonFile(tw *tar.Writer, name, contents string) error {
	if err := tw.WriteHeader(&tar.Header{
		Typeflag: tar.TypeReg,
		Name:     name,
		Mode:     0644,
		Size:     int64(len(contents)),
		ModTime:  skeletonModTime,
		Format:   tar.FormatPAX,
	}); err != nil {
		return err
	}
	_, err := io.WriteString(tw, contents)
	return err
}

// Returns every directory that contains a file, parents first.
func parentDirs(files map[string]string) []string {
	seen := make(map[string]bool)
	for name := range files {
		for dir := path.Dir(name); dir != "." && dir != "/"; dir = path.Dir(dir) {
			seen[strings.TrimPrefix(dir, "./")] = true
		}
	}

	dirs := make([]string, 0, len(seen))
	for dir := range seen {
		dirs = append(dirs, dir)
	}
	slices.Sort(dirs)
	return dirs
}
