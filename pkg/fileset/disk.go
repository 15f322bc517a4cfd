package fileset

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"sort"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/rotisserie/eris"
)

// Resolve expands the passed glob patterns relative to base and returns the matching regular files as sorted,
// slash-separated relative paths. Patterns that don't match anything are skipped.
func Resolve(base string, patterns []string) ([]string, error) {
	seen := map[string]bool{}
	result := []string{}
	fsys := os.DirFS(base)

	for _, pattern := range patterns {
		matches, err := doublestar.Glob(fsys, filepath.ToSlash(pattern))
		if err != nil {
			return nil, eris.Wrapf(err, "failed to resolve pattern %s", pattern)
		}

		for _, match := range matches {
			if seen[match] {
				continue
			}

			info, err := fs.Stat(fsys, match)
			if err != nil {
				return nil, eris.Wrapf(err, "failed to check %s", match)
			}
			if info.IsDir() {
				continue
			}

			seen[match] = true
			result = append(result, match)
		}
	}

	sort.Strings(result)
	return result, nil
}

// Load reads every file matched by patterns below base into a new FileSet.
func Load(ctx context.Context, base string, patterns []string) (FileSet, error) {
	names, err := Resolve(base, patterns)
	if err != nil {
		return FileSet{}, err
	}

	b := New(base).Edit()
	for _, name := range names {
		if err := ctx.Err(); err != nil {
			return FileSet{}, err
		}

		content, err := os.ReadFile(filepath.Join(base, filepath.FromSlash(name)))
		if err != nil {
			return FileSet{}, eris.Wrapf(err, "failed to read %s", name)
		}
		b.files[name] = content
	}

	return b.Build(), nil
}

// Write stores every file of the set below dir and returns the written paths (joined with dir).
func (s FileSet) Write(dir string) ([]string, error) {
	written := make([]string, 0, len(s.files))
	for _, name := range s.Paths() {
		dest := filepath.Join(dir, filepath.FromSlash(name))
		err := os.MkdirAll(filepath.Dir(dest), 0o755)
		if err != nil {
			return written, eris.Wrapf(err, "failed to create directory for %s", dest)
		}

		err = os.WriteFile(dest, s.files[name], 0o644)
		if err != nil {
			return written, eris.Wrapf(err, "failed to write %s", dest)
		}
		written = append(written, dest)
	}

	return written, nil
}
