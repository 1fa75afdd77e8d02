// Package materialize copies a cached artifact tree into the output tree,
// filtering leaf files by their relative path.
package materialize

import (
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"
)

const dirPerm = 0o755

// Filter selects leaf files by forward-slash relative path. A nil Includes
// admits everything; an empty non-nil Includes admits nothing. A nil
// Excludes drops nothing.
type Filter struct {
	Includes []string
	Excludes []string
}

// Allows reports whether rel passes the filter.
func (f Filter) Allows(rel string) bool {
	if f.Includes != nil && !slices.Contains(f.Includes, rel) {
		return false
	}
	if f.Excludes != nil && slices.Contains(f.Excludes, rel) {
		return false
	}
	return true
}

// Materialize copies every file under src that passes filter into dest,
// preserving relative paths. Directories are created lazily, so a subtree
// whose files are all filtered out leaves nothing behind. It returns the
// number of files copied.
func Materialize(src, dest string, filter Filter) (int, error) {
	return walk(src, filter, func(path, rel string) error {
		target := filepath.Join(dest, filepath.FromSlash(rel))
		if err := os.MkdirAll(filepath.Dir(target), dirPerm); err != nil {
			return fmt.Errorf("creating %s: %w", filepath.Dir(target), err)
		}
		return CopyFile(path, target)
	})
}

// Count reports how many files Materialize would copy without touching
// dest.
func Count(src, _ string, filter Filter) (int, error) {
	return walk(src, filter, func(string, string) error { return nil })
}

func walk(src string, filter Filter, visit func(path, rel string) error) (int, error) {
	n := 0
	err := filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}

		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		rel = strings.TrimPrefix(filepath.ToSlash(rel), "/")
		if !filter.Allows(rel) {
			return nil
		}
		if err := visit(path, rel); err != nil {
			return err
		}
		n++
		return nil
	})
	if err != nil {
		return n, fmt.Errorf("materializing %s: %w", src, err)
	}
	return n, nil
}

// CopyFile copies src to dst byte for byte, keeping src's permission bits.
func CopyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("opening %s: %w", src, err)
	}
	defer in.Close()

	info, err := in.Stat()
	if err != nil {
		return fmt.Errorf("stat %s: %w", src, err)
	}

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, info.Mode().Perm())
	if err != nil {
		return fmt.Errorf("creating %s: %w", dst, err)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return fmt.Errorf("copying %s: %w", src, err)
	}
	return out.Close()
}

// CopyTree copies every file under src into dest unfiltered.
func CopyTree(src, dest string) (int, error) {
	return Materialize(src, dest, Filter{})
}
