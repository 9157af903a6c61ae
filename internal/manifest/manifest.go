package manifest

import (
	"os"
	"path"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/containerd/platforms"
	"github.com/cruciblehq/kiln/internal/recipe"
	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
)

// Conventional name of the build description in a source tree.
const Filename = "kiln.toml"

// Package manager of the runtime base image.
type PackageManager string

const (
	Apt  PackageManager = "apt"
	Apk  PackageManager = "apk"
	None PackageManager = "none"
)

var (
	namePattern    = regexp.MustCompile(`^[a-z0-9][a-z0-9._-]*$`)
	packagePattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9.+:=_-]*$`)
)

// Build description of a project.
type Manifest struct {
	Name      string           `toml:"name"`
	Ecosystem recipe.Ecosystem `toml:"ecosystem"`
	Platforms []string         `toml:"platforms"`
	Ignore    []string         `toml:"ignore"` // Patterns excluded from the source copy.
	Toolchain Toolchain        `toml:"toolchain"`
	Runtime   Runtime          `toml:"runtime"`
	Files     []File           `toml:"files"`
}

// Image and commands that compile dependencies and the application.
type Toolchain struct {
	Image    string            `toml:"image"`
	Workdir  string            `toml:"workdir"`
	Cook     string            `toml:"cook"`     // Compiles dependencies against the skeleton.
	Build    string            `toml:"build"`    // Compiles the application.
	Artifact string            `toml:"artifact"` // Executable produced by Build, relative to Workdir.
	Cache    []string          `toml:"cache"`    // Directories captured after Cook.
	Env      map[string]string `toml:"env"`
	Markers  []string          `toml:"markers"` // Toolchain paths that must not reach the runtime image.
}

// Base image and layout of the runtime image.
type Runtime struct {
	Image          string         `toml:"image"`
	PackageManager PackageManager `toml:"package_manager"`
	Packages       []string       `toml:"packages"`
	Executable     string         `toml:"executable"`
}

// A file carried from the source tree into the runtime image.
type File struct {
	Source      string `toml:"source"`      // Path relative to the source root.
	Builder     string `toml:"builder"`     // Absolute path inside the builder.
	Destination string `toml:"destination"` // Absolute path inside the runtime image.
}

// Loads the build description from dir.
func Load(dir string) (*Manifest, error) {
	return LoadFile(filepath.Join(dir, Filename))
}

// Loads the build description at path.
func LoadFile(p string) (*Manifest, error) {
	data, err := os.ReadFile(p)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.Wrapf(ErrNotFound, "%s", p)
		}
		return nil, errors.Wrapf(err, "reading %s", p)
	}

	m, err := Parse(data)
	if err != nil {
		return nil, errors.Wrap(err, p)
	}
	return m, nil
}

// Parses a build description. Unknown keys are rejected.
func Parse(data []byte) (*Manifest, error) {
	var m Manifest
	md, err := toml.Decode(string(data), &m)
	if err != nil {
		return nil, errors.Wrapf(ErrInvalid, "%v", err)
	}

	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return nil, errors.Wrapf(ErrInvalid, "unknown keys: %s", strings.Join(keys, ", "))
	}

	return &m, nil
}

// Fills unset fields with the defaults of the ecosystem. A configured
// ecosystem takes precedence over eco.
func (m *Manifest) ApplyDefaults(eco recipe.Ecosystem) {
	if m.Ecosystem == "" {
		m.Ecosystem = eco
	}

	t := &m.Toolchain
	r := &m.Runtime

	if t.Workdir == "" {
		t.Workdir = "/app"
	}

	switch m.Ecosystem {
	case recipe.Cargo:
		setDefault(&t.Image, "docker.io/library/rust:1-bookworm")
		setDefault(&t.Cook, "cargo build --release")
		setDefault(&t.Build, "cargo build --release --bin "+m.Name)
		setDefault(&t.Artifact, "target/release/"+m.Name)
		if t.Cache == nil {
			t.Cache = []string{path.Join(t.Workdir, "target"), "/usr/local/cargo/registry", "/usr/local/cargo/git"}
		}
		if t.Markers == nil {
			t.Markers = []string{"/usr/local/cargo", "/usr/local/rustup"}
		}
		if r.Packages == nil {
			r.Packages = []string{"openssl", "ca-certificates"}
		}
	case recipe.Go:
		setDefault(&t.Image, "docker.io/library/golang:1-bookworm")
		setDefault(&t.Cook, "go mod download")
		setDefault(&t.Build, "go build -o bin/"+m.Name+" .")
		setDefault(&t.Artifact, "bin/"+m.Name)
		if t.Cache == nil {
			t.Cache = []string{"/go/pkg/mod", "/root/.cache/go-build"}
		}
		if t.Markers == nil {
			t.Markers = []string{"/usr/local/go", "/go/pkg"}
		}
		if r.Packages == nil {
			r.Packages = []string{"ca-certificates"}
		}
	}

	setDefault(&r.Image, "docker.io/library/debian:bookworm-slim")
	if r.PackageManager == "" {
		r.PackageManager = Apt
	}
	setDefault(&r.Executable, "/usr/local/bin/"+m.Name)

	for i := range m.Files {
		f := &m.Files[i]
		base := path.Base(filepath.ToSlash(f.Source))
		setDefault(&f.Builder, path.Join(t.Workdir, base))
		setDefault(&f.Destination, path.Join(path.Dir(r.Executable), base))
	}
}

// Checks that the description is complete and consistent. Every problem
// found is reported.
func (m *Manifest) Validate() error {
	var merr error
	fail := func(format string, args ...any) {
		merr = multierror.Append(merr, errors.Errorf(format, args...))
	}

	if !namePattern.MatchString(m.Name) {
		fail("name %q must be lowercase alphanumeric", m.Name)
	}

	switch m.Ecosystem {
	case recipe.Cargo, recipe.Go:
	default:
		fail("unknown ecosystem %q", m.Ecosystem)
	}

	for _, p := range m.Platforms {
		if _, err := platforms.Parse(p); err != nil {
			fail("platform %q: %v", p, err)
		}
	}

	for _, pattern := range m.Ignore {
		if _, err := path.Match(pattern, ""); err != nil {
			fail("ignore pattern %q: %v", pattern, err)
		}
	}

	t := m.Toolchain
	if t.Image == "" {
		fail("toolchain.image is required")
	}
	if !path.IsAbs(t.Workdir) {
		fail("toolchain.workdir %q must be absolute", t.Workdir)
	}
	if strings.TrimSpace(t.Cook) == "" {
		fail("toolchain.cook is required")
	}
	if strings.TrimSpace(t.Build) == "" {
		fail("toolchain.build is required")
	}
	if t.Artifact == "" {
		fail("toolchain.artifact is required")
	}
	for _, c := range t.Cache {
		if !path.IsAbs(c) {
			fail("toolchain.cache entry %q must be absolute", c)
		}
	}
	for _, mk := range t.Markers {
		if !path.IsAbs(mk) {
			fail("toolchain.markers entry %q must be absolute", mk)
		}
	}

	r := m.Runtime
	if r.Image == "" {
		fail("runtime.image is required")
	}
	if !path.IsAbs(r.Executable) {
		fail("runtime.executable %q must be absolute", r.Executable)
	}
	switch r.PackageManager {
	case Apt, Apk:
	case None:
		if len(r.Packages) > 0 {
			fail("runtime.packages given with package manager %q", None)
		}
	default:
		fail("unknown package manager %q", r.PackageManager)
	}
	for _, p := range r.Packages {
		if !packagePattern.MatchString(p) {
			fail("runtime.packages entry %q is not a package name", p)
		}
	}

	destinations := map[string]bool{path.Clean(r.Executable): true}
	for _, f := range m.Files {
		src := filepath.ToSlash(f.Source)
		if src == "" || path.IsAbs(src) || path.Clean(src) != src || strings.HasPrefix(src, "../") || src == ".." {
			fail("files.source %q must be a clean path inside the source tree", f.Source)
		}
		if !path.IsAbs(f.Builder) {
			fail("files.builder %q must be absolute", f.Builder)
		}
		if !path.IsAbs(f.Destination) {
			fail("files.destination %q must be absolute", f.Destination)
			continue
		}
		dest := path.Clean(f.Destination)
		if destinations[dest] {
			fail("files.destination %q is used twice", f.Destination)
		}
		destinations[dest] = true
	}

	if merr != nil {
		return errors.Wrapf(ErrInvalid, "%v", merr)
	}
	return nil
}

// Returns the shell command that installs the runtime packages and removes
// the package manager's metadata in the same step. Returns an empty string
// when nothing is to be installed.
func (r Runtime) InstallCommand() string {
	if len(r.Packages) == 0 {
		return ""
	}

	pkgs := strings.Join(r.Packages, " ")
	switch r.PackageManager {
	case Apt:
		return "apt-get update" +
			" && DEBIAN_FRONTEND=noninteractive apt-get install -y --no-install-recommends " + pkgs +
			" && apt-get clean" +
			" && rm -rf /var/lib/apt/lists/*"
	case Apk:
		return "apk add --no-cache " + pkgs
	}
	return ""
}

// Returns the platforms to build, or the host platform when none are
// configured.
func (m *Manifest) TargetPlatforms() ([]string, error) {
	if len(m.Platforms) == 0 {
		return []string{platforms.DefaultString()}, nil
	}

	out := make([]string, 0, len(m.Platforms))
	for _, p := range m.Platforms {
		spec, err := platforms.Parse(p)
		if err != nil {
			return nil, errors.Wrapf(ErrInvalid, "platform %q: %v", p, err)
		}
		out = append(out, platforms.Format(spec))
	}
	return out, nil
}

func setDefault(field *string, value string) {
	if *field == "" {
		*field = value
	}
}
