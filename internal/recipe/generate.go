package recipe

import (
	"io/fs"
	"log/slog"
	"path"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
)

// Manifest file names inspected by the generator. Every other file in the
// tree is ignored.
const (
	cargoManifest = "Cargo.toml"
	cargoLockfile = "Cargo.lock"
	goManifest    = "go.mod"
	goChecksums   = "go.sum"
)

// Directories never descended into while discovering manifests.
var skippedDirs = map[string]bool{
	"target":       true,
	"vendor":       true,
	"node_modules": true,
}

// Controls recipe generation.
type Options struct {
	Ecosystem Ecosystem // Forces an ecosystem. Empty means detect from the tree.
}

// Manifest files found in a source tree, as slash-separated relative paths.
type discovered struct {
	cargoManifests []string
	cargoLockfiles []string
	goManifests    []string
	goChecksums    []string
}

// Generates the recipe for the source tree rooted at root.
//
// Only dependency manifests are read. Malformed or conflicting manifests
// abort generation and no recipe is returned.
func Generate(root string, opts Options) (*Recipe, error) {
	found, err := discover(root)
	if err != nil {
		return nil, err
	}

	eco, err := detect(found, opts.Ecosystem)
	if err != nil {
		return nil, err
	}

	var r *Recipe
	switch eco {
	case Cargo:
		r, err = generateCargo(root, found)
	case Go:
		r, err = generateGo(root, found)
	}
	if err != nil {
		return nil, err
	}

	r.Version = FormatVersion
	r.Ecosystem = eco
	r.canonicalize()

	slog.Debug("recipe generated",
		"ecosystem", eco,
		"manifests", len(r.Manifests),
		"dependencies", len(r.Dependencies),
	)

	return r, nil
}

// Walks the tree and records every manifest file.
func discover(root string) (*discovered, error) {
	found := &discovered{}

	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}

		if d.IsDir() {
			if p != root && (strings.HasPrefix(d.Name(), ".") || skippedDirs[d.Name()]) {
				return filepath.SkipDir
			}
			return nil
		}

		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)

		switch d.Name() {
		case cargoManifest:
			found.cargoManifests = append(found.cargoManifests, rel)
		case cargoLockfile:
			found.cargoLockfiles = append(found.cargoLockfiles, rel)
		case goManifest:
			found.goManifests = append(found.goManifests, rel)
		case goChecksums:
			found.goChecksums = append(found.goChecksums, rel)
		}
		return nil
	})
	if err != nil {
		return nil, errors.Wrapf(err, "walking %s", root)
	}

	return found, nil
}

// Picks the ecosystem for the tree. A forced ecosystem must have at least
// one manifest present.
func detect(found *discovered, forced Ecosystem) (Ecosystem, error) {
	hasCargo := len(found.cargoManifests) > 0
	hasGo := len(found.goManifests) > 0

	switch forced {
	case Cargo:
		if !hasCargo {
			return "", errors.Wrapf(ErrNoManifest, "no %s", cargoManifest)
		}
		return Cargo, nil
	case Go:
		if !hasGo {
			return "", errors.Wrapf(ErrNoManifest, "no %s", goManifest)
		}
		return Go, nil
	case "":
	default:
		return "", errors.Errorf("unknown ecosystem %q", forced)
	}

	switch {
	case hasCargo && hasGo:
		return "", ErrAmbiguousEcosystem
	case hasCargo:
		return Cargo, nil
	case hasGo:
		return Go, nil
	default:
		return "", ErrNoManifest
	}
}

// Returns the sibling of a manifest path, e.g. the go.sum next to a go.mod.
func sibling(manifestPath, name string) string {
	return path.Join(path.Dir(manifestPath), name)
}
