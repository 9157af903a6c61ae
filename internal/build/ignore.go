package build

import (
	"bufio"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
)

// Name of the file listing paths left out of the source copy.
const IgnoreFile = ".kilnignore"

// Always left out of the source copy. Only the root entries are matched.
var defaultIgnores = []string{"/.git", "/target/"}

// Decides which paths of the source tree are copied into the builder.
//
// A pattern without a slash matches a path element at any depth. A pattern
// with a slash is matched against the whole path relative to the root; a
// leading slash only anchors it. A trailing slash restricts the pattern to
// directories. Matching uses [path.Match] syntax.
type ignoreFilter struct {
	patterns []ignorePattern
}

type ignorePattern struct {
	glob     string
	anchored bool
	dirOnly  bool
}

// Loads the ignore file of root, if any, and adds the default and extra
// patterns.
func loadIgnore(root string, extra []string) (*ignoreFilter, error) {
	lines := append([]string{}, defaultIgnores...)

	f, err := os.Open(filepath.Join(root, IgnoreFile))
	switch {
	case err == nil:
		defer f.Close()
		sc := bufio.NewScanner(f)
		for sc.Scan() {
			lines = append(lines, sc.Text())
		}
		if err := sc.Err(); err != nil {
			return nil, errors.Wrapf(err, "reading %s", IgnoreFile)
		}
	case !os.IsNotExist(err):
		return nil, errors.Wrapf(err, "opening %s", IgnoreFile)
	}

	return newIgnoreFilter(append(lines, extra...))
}

// Compiles the patterns in lines. Blank lines and lines starting with #
// are skipped.
func newIgnoreFilter(lines []string) (*ignoreFilter, error) {
	filter := &ignoreFilter{}
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		var p ignorePattern
		if strings.HasSuffix(line, "/") {
			p.dirOnly = true
			line = strings.TrimRight(line, "/")
		}
		if strings.Contains(line, "/") {
			p.anchored = true
			line = strings.TrimPrefix(line, "/")
		}
		p.glob = path.Clean(line)

		if _, err := path.Match(p.glob, ""); err != nil {
			return nil, errors.Wrapf(err, "ignore pattern %q", line)
		}
		filter.patterns = append(filter.patterns, p)
	}
	return filter, nil
}

// Reports whether the slash-separated relative path rel is excluded.
func (f *ignoreFilter) excludes(rel string, dir bool) bool {
	if f == nil {
		return false
	}
	for _, p := range f.patterns {
		if p.dirOnly && !dir {
			continue
		}
		target := rel
		if !p.anchored {
			target = path.Base(rel)
		}
		if ok, _ := path.Match(p.glob, target); ok {
			return true
		}
	}
	return false
}
