package recipe

import (
	"bytes"
	"cmp"
	_ "crypto/sha256" // Registers the canonical digest algorithm.
	"encoding/json"
	"slices"

	"github.com/opencontainers/go-digest"
	"github.com/pkg/errors"
)

const (

	// Encoding format version written to every recipe.
	FormatVersion = 1

	// Conventional file name of an encoded recipe inside a builder.
	Filename = "recipe.json"

	// Version substituted for local workspace packages.
	maskedVersion = "0.0.1"
)

// Identifies the package manager whose manifests a recipe was built from.
type Ecosystem string

const (
	Cargo Ecosystem = "cargo"
	Go    Ecosystem = "go"
)

// Kind of compilation target declared by a manifest.
type TargetKind string

const (
	TargetLib     TargetKind = "lib"
	TargetBin     TargetKind = "bin"
	TargetExample TargetKind = "example"
	TargetTest    TargetKind = "test"
	TargetBench   TargetKind = "bench"
)

// Deterministic description of a project's external dependencies.
type Recipe struct {
	Version      int          `json:"version"`
	Ecosystem    Ecosystem    `json:"ecosystem"`
	Manifests    []Manifest   `json:"manifests"`
	Lockfiles    []Lockfile   `json:"lockfiles,omitempty"`
	Dependencies []Dependency `json:"dependencies"`
}

// A normalized dependency manifest and the targets it declares.
type Manifest struct {
	Path     string   `json:"path"`              // Slash-separated path relative to the source root.
	Contents string   `json:"contents"`          // Normalized manifest text.
	Targets  []Target `json:"targets,omitempty"` // Compilation targets, paths relative to the manifest.
}

// A normalized lockfile.
type Lockfile struct {
	Path     string `json:"path"`
	Contents string `json:"contents"`
}

// A compilation target that needs a stub source in the skeleton.
type Target struct {
	Kind TargetKind `json:"kind"`
	Name string     `json:"name"`
	Path string     `json:"path"`
}

// An external dependency identity.
type Dependency struct {
	Name     string `json:"name"`
	Version  string `json:"version"`
	Source   string `json:"source,omitempty"`
	Checksum string `json:"checksum,omitempty"`
}

// Encodes the recipe. The output depends only on the recipe's content.
func (r *Recipe) Encode() ([]byte, error) {
	r.canonicalize()

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(r); err != nil {
		return nil, errors.Wrap(err, "encoding recipe")
	}
	return buf.Bytes(), nil
}

// Returns the content digest of the encoded recipe.
func (r *Recipe) Digest() (digest.Digest, error) {
	b, err := r.Encode()
	if err != nil {
		return "", err
	}
	return digest.FromBytes(b), nil
}

// Decodes a recipe produced by [Recipe.Encode].
func Decode(data []byte) (*Recipe, error) {
	var r Recipe
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, errors.Wrap(err, "decoding recipe")
	}
	if r.Version != FormatVersion {
		return nil, errors.Wrapf(ErrUnsupportedVersion, "version %d", r.Version)
	}
	r.canonicalize()
	return &r, nil
}

// Sorts every list and removes duplicate dependencies so that equal recipes
// encode identically regardless of discovery order.
func (r *Recipe) canonicalize() {
	slices.SortFunc(r.Manifests, func(a, b Manifest) int {
		return cmp.Compare(a.Path, b.Path)
	})
	for i := range r.Manifests {
		slices.SortFunc(r.Manifests[i].Targets, compareTargets)
		r.Manifests[i].Targets = slices.Compact(r.Manifests[i].Targets)
	}

	slices.SortFunc(r.Lockfiles, func(a, b Lockfile) int {
		return cmp.Compare(a.Path, b.Path)
	})

	slices.SortFunc(r.Dependencies, compareDependencies)
	r.Dependencies = slices.Compact(r.Dependencies)
	if r.Dependencies == nil {
		r.Dependencies = []Dependency{}
	}
}

func compareTargets(a, b Target) int {
	return cmp.Or(
		cmp.Compare(a.Kind, b.Kind),
		cmp.Compare(a.Name, b.Name),
		cmp.Compare(a.Path, b.Path),
	)
}

func compareDependencies(a, b Dependency) int {
	return cmp.Or(
		cmp.Compare(a.Name, b.Name),
		cmp.Compare(a.Version, b.Version),
		cmp.Compare(a.Source, b.Source),
		cmp.Compare(a.Checksum, b.Checksum),
	)
}
