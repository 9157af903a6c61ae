package recipe

import (
	"bytes"
	"cmp"
	"os"
	"path"
	"path/filepath"
	"slices"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/pkg/errors"
)

// Tables of a Cargo manifest that declare dependencies.
var cargoDependencyTables = []string{"dependencies", "dev-dependencies", "build-dependencies"}

// Target tables of a Cargo manifest and the directory holding their default
// sources.
var cargoTargetTables = []struct {
	key  string
	kind TargetKind
	dir  string
}{
	{key: "bin", kind: TargetBin, dir: "src/bin"},
	{key: "example", kind: TargetExample, dir: "examples"},
	{key: "test", kind: TargetTest, dir: "tests"},
	{key: "bench", kind: TargetBench, dir: "benches"},
}

// Cargo.lock layout. Only the fields that identify dependencies are kept.
type cargoLock struct {
	Version  int                `toml:"version,omitempty"`
	Packages []cargoLockPackage `toml:"package"`
	Metadata map[string]string  `toml:"metadata,omitempty"`
}

type cargoLockPackage struct {
	Name         string   `toml:"name"`
	Version      string   `toml:"version"`
	Source       string   `toml:"source,omitempty"`
	Checksum     string   `toml:"checksum,omitempty"`
	Dependencies []string `toml:"dependencies,omitempty"`
}

// A parsed Cargo.toml together with its path.
type cargoDocument struct {
	path string
	doc  map[string]any
}

// Builds a cargo recipe from the manifests and lockfiles in the tree.
func generateCargo(root string, found *discovered) (*Recipe, error) {
	docs := make([]cargoDocument, 0, len(found.cargoManifests))
	local := make(map[string]bool)

	for _, p := range found.cargoManifests {
		doc, err := readCargoManifest(root, p)
		if err != nil {
			return nil, err
		}
		if name, ok := packageName(doc); ok {
			local[name] = true
		}
		docs = append(docs, cargoDocument{path: p, doc: doc})
	}

	r := &Recipe{}

	for _, d := range docs {
		targets, err := cargoTargets(root, d.path, d.doc)
		if err != nil {
			return nil, err
		}

		normalizeCargoManifest(d.doc)

		contents, err := encodeTOML(d.doc)
		if err != nil {
			return nil, errors.Wrapf(err, "encoding %s", d.path)
		}

		r.Manifests = append(r.Manifests, Manifest{
			Path:     d.path,
			Contents: contents,
			Targets:  targets,
		})
	}

	if len(found.cargoLockfiles) == 0 {
		deps, err := declaredCargoDependencies(docs)
		if err != nil {
			return nil, err
		}
		r.Dependencies = deps
		return r, nil
	}

	for _, p := range found.cargoLockfiles {
		lock, deps, err := readCargoLock(root, p, local)
		if err != nil {
			return nil, err
		}
		r.Lockfiles = append(r.Lockfiles, lock)
		r.Dependencies = append(r.Dependencies, deps...)
	}

	return r, nil
}

// Parses a Cargo.toml. A manifest must declare a package or a workspace.
func readCargoManifest(root, p string) (map[string]any, error) {
	data, err := os.ReadFile(filepath.Join(root, filepath.FromSlash(p)))
	if err != nil {
		return nil, errors.Wrapf(err, "reading %s", p)
	}

	var doc map[string]any
	if err := toml.Unmarshal(data, &doc); err != nil {
		return nil, errors.Wrapf(ErrMalformedManifest, "%s: %v", p, err)
	}

	_, hasPackage := doc["package"].(map[string]any)
	_, hasWorkspace := doc["workspace"].(map[string]any)
	if !hasPackage && !hasWorkspace {
		return nil, errors.Wrapf(ErrMalformedManifest, "%s: neither [package] nor [workspace] declared", p)
	}

	if hasPackage {
		if _, ok := packageName(doc); !ok {
			return nil, errors.Wrapf(ErrMalformedManifest, "%s: package.name missing", p)
		}
	}

	if err := checkDependencySpecs(p, doc); err != nil {
		return nil, err
	}

	return doc, nil
}

// Rejects dependency entries that are neither a version string nor a table.
func checkDependencySpecs(p string, doc map[string]any) error {
	for _, tbl := range dependencyTables(doc) {
		for name, spec := range tbl {
			switch spec.(type) {
			case string, map[string]any:
			default:
				return errors.Wrapf(ErrMalformedManifest, "%s: dependency %q has invalid specification", p, name)
			}
		}
	}
	return nil
}

// Returns the package name declared by the manifest.
func packageName(doc map[string]any) (string, bool) {
	pkg, ok := doc["package"].(map[string]any)
	if !ok {
		return "", false
	}
	name, ok := pkg["name"].(string)
	return name, ok && name != ""
}

// Returns every dependency table of the manifest, including those nested
// under [target.<cfg>] and [workspace].
func dependencyTables(doc map[string]any) []map[string]any {
	var tables []map[string]any

	collect := func(parent map[string]any) {
		for _, key := range cargoDependencyTables {
			if tbl, ok := parent[key].(map[string]any); ok {
				tables = append(tables, tbl)
			}
		}
	}

	collect(doc)

	if targets, ok := doc["target"].(map[string]any); ok {
		for _, cfg := range targets {
			if tbl, ok := cfg.(map[string]any); ok {
				collect(tbl)
			}
		}
	}

	if ws, ok := doc["workspace"].(map[string]any); ok {
		if tbl, ok := ws["dependencies"].(map[string]any); ok {
			tables = append(tables, tbl)
		}
	}

	return tables
}

// Masks local version numbers in place.
//
// The package version, the workspace package version, and the version of
// every path dependency are replaced so that releasing the application does
// not change the recipe.
func normalizeCargoManifest(doc map[string]any) {
	if pkg, ok := doc["package"].(map[string]any); ok {
		if _, ok := pkg["version"].(string); ok {
			pkg["version"] = maskedVersion
		}
	}

	if ws, ok := doc["workspace"].(map[string]any); ok {
		if wp, ok := ws["package"].(map[string]any); ok {
			if _, ok := wp["version"].(string); ok {
				wp["version"] = maskedVersion
			}
		}
	}

	for _, tbl := range dependencyTables(doc) {
		for _, spec := range tbl {
			m, ok := spec.(map[string]any)
			if !ok {
				continue
			}
			if _, isPath := m["path"]; !isPath {
				continue
			}
			if _, hasVersion := m["version"]; hasVersion {
				m["version"] = maskedVersion
			}
		}
	}
}

// Collects the compilation targets of a manifest.
//
// Declared targets come from [lib], [[bin]], [[example]], [[test]], and
// [[bench]]. Library and binary targets are also auto-discovered from the
// conventional source locations, using file existence only.
func cargoTargets(root, manifestPath string, doc map[string]any) ([]Target, error) {
	pkgName, hasPackage := packageName(doc)
	if !hasPackage {
		return nil, nil
	}

	dir := filepath.Join(root, filepath.FromSlash(path.Dir(manifestPath)))
	var targets []Target

	hasLib := false
	if lib, ok := doc["lib"].(map[string]any); ok {
		hasLib = true
		targets = append(targets, Target{
			Kind: TargetLib,
			Name: stringOr(lib["name"], strings.ReplaceAll(pkgName, "-", "_")),
			Path: stringOr(lib["path"], "src/lib.rs"),
		})
	}

	for _, tt := range cargoTargetTables {
		entries, ok := tables(doc[tt.key])
		if !ok {
			continue
		}
		for _, entry := range entries {
			name, ok := entry["name"].(string)
			if !ok || name == "" {
				return nil, errors.Wrapf(ErrMalformedManifest, "%s: [[%s]] without name", manifestPath, tt.key)
			}
			def := path.Join(tt.dir, name+".rs")
			if tt.kind == TargetBin && name == pkgName {
				def = "src/main.rs"
			}
			targets = append(targets, Target{
				Kind: tt.kind,
				Name: name,
				Path: stringOr(entry["path"], def),
			})
		}
	}

	if !hasLib && exists(filepath.Join(dir, "src", "lib.rs")) {
		targets = append(targets, Target{
			Kind: TargetLib,
			Name: strings.ReplaceAll(pkgName, "-", "_"),
			Path: "src/lib.rs",
		})
	}

	pkg := doc["package"].(map[string]any)
	if autobins, set := pkg["autobins"].(bool); !set || autobins {
		discovered, err := discoverBins(dir, pkgName)
		if err != nil {
			return nil, errors.Wrapf(err, "discovering binaries of %s", manifestPath)
		}
		for _, bin := range discovered {
			if !hasTargetPath(targets, bin.Path) {
				targets = append(targets, bin)
			}
		}
	}

	return targets, nil
}

// Finds src/main.rs and src/bin/*.rs under a package directory.
func discoverBins(dir, pkgName string) ([]Target, error) {
	var bins []Target

	if exists(filepath.Join(dir, "src", "main.rs")) {
		bins = append(bins, Target{Kind: TargetBin, Name: pkgName, Path: "src/main.rs"})
	}

	entries, err := os.ReadDir(filepath.Join(dir, "src", "bin"))
	if err != nil {
		if os.IsNotExist(err) {
			return bins, nil
		}
		return nil, err
	}

	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".rs") {
			continue
		}
		bins = append(bins, Target{
			Kind: TargetBin,
			Name: strings.TrimSuffix(e.Name(), ".rs"),
			Path: "src/bin/" + e.Name(),
		})
	}

	return bins, nil
}

// Parses and normalizes a Cargo.lock, returning its external dependencies.
func readCargoLock(root, p string, local map[string]bool) (Lockfile, []Dependency, error) {
	data, err := os.ReadFile(filepath.Join(root, filepath.FromSlash(p)))
	if err != nil {
		return Lockfile{}, nil, errors.Wrapf(err, "reading %s", p)
	}

	var lock cargoLock
	if _, err := toml.Decode(string(data), &lock); err != nil {
		return Lockfile{}, nil, errors.Wrapf(ErrMalformedManifest, "%s: %v", p, err)
	}

	checksums := make(map[string]string, len(lock.Packages))
	var deps []Dependency

	for i := range lock.Packages {
		pkg := &lock.Packages[i]
		if pkg.Name == "" || pkg.Version == "" {
			return Lockfile{}, nil, errors.Wrapf(ErrMalformedManifest, "%s: package entry %d lacks name or version", p, i+1)
		}

		id := pkg.Name + "@" + pkg.Version + "@" + pkg.Source
		if prev, ok := checksums[id]; ok && prev != pkg.Checksum {
			return Lockfile{}, nil, errors.Wrapf(ErrConflict, "%s: %s %s has checksums %q and %q", p, pkg.Name, pkg.Version, prev, pkg.Checksum)
		}
		checksums[id] = pkg.Checksum

		for j, dep := range pkg.Dependencies {
			fields := strings.Fields(dep)
			if len(fields) > 1 && local[fields[0]] {
				fields[1] = maskedVersion
				pkg.Dependencies[j] = strings.Join(fields, " ")
			}
		}

		if pkg.Source == "" && local[pkg.Name] {
			pkg.Version = maskedVersion
			continue
		}

		deps = append(deps, Dependency{
			Name:     pkg.Name,
			Version:  pkg.Version,
			Source:   pkg.Source,
			Checksum: pkg.Checksum,
		})
	}

	slices.SortFunc(lock.Packages, func(a, b cargoLockPackage) int {
		return cmp.Or(
			cmp.Compare(a.Name, b.Name),
			cmp.Compare(a.Version, b.Version),
			cmp.Compare(a.Source, b.Source),
		)
	})
	lock.Packages = slices.CompactFunc(lock.Packages, func(a, b cargoLockPackage) bool {
		return a.Name == b.Name && a.Version == b.Version && a.Source == b.Source
	})

	contents, err := encodeTOML(lock)
	if err != nil {
		return Lockfile{}, nil, errors.Wrapf(err, "encoding %s", p)
	}

	return Lockfile{Path: p, Contents: contents}, deps, nil
}

// Derives dependencies from the manifests when no lockfile exists.
//
// Path dependencies are local and skipped. Exact pins ("=x.y.z") of the
// same registry crate must agree across the workspace.
func declaredCargoDependencies(docs []cargoDocument) ([]Dependency, error) {
	var deps []Dependency
	pins := make(map[string]string)

	for _, d := range docs {
		for _, tbl := range dependencyTables(d.doc) {
			for key, spec := range tbl {
				dep, ok := declaredDependency(key, spec)
				if !ok {
					continue
				}

				if dep.Source == "registry" && strings.HasPrefix(dep.Version, "=") {
					if prev, ok := pins[dep.Name]; ok && prev != dep.Version {
						return nil, errors.Wrapf(ErrConflict, "%s: %s pinned to %s and %s", d.path, dep.Name, prev, dep.Version)
					}
					pins[dep.Name] = dep.Version
				}

				deps = append(deps, dep)
			}
		}
	}

	return deps, nil
}

// Converts a single manifest dependency entry.
func declaredDependency(key string, spec any) (Dependency, bool) {
	switch s := spec.(type) {
	case string:
		return Dependency{Name: key, Version: s, Source: "registry"}, true
	case map[string]any:
		if _, isPath := s["path"]; isPath {
			return Dependency{}, false
		}
		if ws, _ := s["workspace"].(bool); ws {
			return Dependency{}, false
		}

		dep := Dependency{
			Name:    stringOr(s["package"], key),
			Version: stringOr(s["version"], "*"),
			Source:  "registry",
		}
		if git, ok := s["git"].(string); ok {
			dep.Source = "git+" + git
			for _, ref := range []string{"rev", "tag", "branch"} {
				if v, ok := s[ref].(string); ok {
					dep.Source += "?" + ref + "=" + v
					break
				}
			}
		}
		return dep, true
	}
	return Dependency{}, false
}

// Encodes a value as TOML. Map keys are emitted in sorted order.
func encodeTOML(v any) (string, error) {
	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(v); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// Normalizes an array of tables decoded into an interface value.
func tables(v any) ([]map[string]any, bool) {
	switch t := v.(type) {
	case []map[string]any:
		return t, true
	case []any:
		out := make([]map[string]any, 0, len(t))
		for _, e := range t {
			m, ok := e.(map[string]any)
			if !ok {
				return nil, false
			}
			out = append(out, m)
		}
		return out, true
	}
	return nil, false
}

func hasTargetPath(targets []Target, p string) bool {
	return slices.ContainsFunc(targets, func(t Target) bool {
		return t.Path == p
	})
}

func stringOr(v any, def string) string {
	if s, ok := v.(string); ok && s != "" {
		return s
	}
	return def
}

func exists(p string) bool {
	_, err := os.Stat(p)
	return err == nil
}
