package recipe

import (
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/pkg/errors"
	"golang.org/x/mod/modfile"
	"golang.org/x/mod/module"
)

// Builds a Go recipe from every go.mod in the tree and the go.sum beside it.
func generateGo(root string, found *discovered) (*Recipe, error) {
	r := &Recipe{}

	for _, p := range found.goManifests {
		manifest, deps, err := readGoMod(root, p)
		if err != nil {
			return nil, err
		}

		sumPath := sibling(p, goChecksums)
		if slices.Contains(found.goChecksums, sumPath) {
			lock, sums, err := readGoSum(root, sumPath)
			if err != nil {
				return nil, err
			}
			for i := range deps {
				deps[i].Checksum = sums[deps[i].Name+" "+deps[i].Version]
			}
			r.Lockfiles = append(r.Lockfiles, lock)
		}

		r.Manifests = append(r.Manifests, manifest)
		r.Dependencies = append(r.Dependencies, deps...)
	}

	return r, nil
}

// Parses a go.mod and returns its normalized form and requirements.
//
// Requiring the same module at two versions is a conflict. Replacements
// are recorded as the source of the dependency they replace.
func readGoMod(root, p string) (Manifest, []Dependency, error) {
	data, err := os.ReadFile(filepath.Join(root, filepath.FromSlash(p)))
	if err != nil {
		return Manifest{}, nil, errors.Wrapf(err, "reading %s", p)
	}

	f, err := modfile.Parse(p, data, nil)
	if err != nil {
		return Manifest{}, nil, errors.Wrapf(ErrMalformedManifest, "%v", err)
	}
	if f.Module == nil {
		return Manifest{}, nil, errors.Wrapf(ErrMalformedManifest, "%s: module directive missing", p)
	}

	seen := make(map[string]string, len(f.Require))
	deps := make([]Dependency, 0, len(f.Require))

	for _, req := range f.Require {
		if err := module.Check(req.Mod.Path, req.Mod.Version); err != nil {
			return Manifest{}, nil, errors.Wrapf(ErrMalformedManifest, "%s: %v", p, err)
		}
		if prev, ok := seen[req.Mod.Path]; ok && prev != req.Mod.Version {
			return Manifest{}, nil, errors.Wrapf(ErrConflict, "%s: %s required at %s and %s", p, req.Mod.Path, prev, req.Mod.Version)
		}
		seen[req.Mod.Path] = req.Mod.Version
		deps = append(deps, Dependency{Name: req.Mod.Path, Version: req.Mod.Version})
	}

	for _, rep := range f.Replace {
		source := "replace:" + rep.New.Path + "@" + rep.New.Version
		if rep.New.Version == "" {
			source = "path:" + rep.New.Path
		}
		for i := range deps {
			if deps[i].Name != rep.Old.Path {
				continue
			}
			if rep.Old.Version != "" && deps[i].Version != rep.Old.Version {
				continue
			}
			deps[i].Source = source
		}
	}

	f.Cleanup()
	out, err := f.Format()
	if err != nil {
		return Manifest{}, nil, errors.Wrapf(err, "formatting %s", p)
	}

	return Manifest{Path: p, Contents: string(out)}, deps, nil
}

// Parses a go.sum, returning its normalized form and the module hashes
// keyed by "path version".
func readGoSum(root, p string) (Lockfile, map[string]string, error) {
	data, err := os.ReadFile(filepath.Join(root, filepath.FromSlash(p)))
	if err != nil {
		return Lockfile{}, nil, errors.Wrapf(err, "reading %s", p)
	}

	hashes := make(map[string]string)
	var lines []string

	for n, line := range strings.Split(string(data), "\n") {
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		if len(fields) != 3 {
			return Lockfile{}, nil, errors.Wrapf(ErrMalformedManifest, "%s:%d: expected 3 fields, got %d", p, n+1, len(fields))
		}

		key := fields[0] + " " + fields[1]
		if prev, ok := hashes[key]; ok && prev != fields[2] {
			return Lockfile{}, nil, errors.Wrapf(ErrConflict, "%s:%d: %s has hashes %s and %s", p, n+1, key, prev, fields[2])
		}
		hashes[key] = fields[2]
		lines = append(lines, strings.Join(fields, " "))
	}

	slices.Sort(lines)
	lines = slices.Compact(lines)

	contents := strings.Join(lines, "\n")
	if contents != "" {
		contents += "\n"
	}

	return Lockfile{Path: p, Contents: contents}, hashes, nil
}
