// Package store manages the artifact cache, keyed by package name and
// version.
//
// Layout under the root:
//
//	<name>/<version>/haven.json   metadata, written last
//	<name>/<version>/artifact/    the files
//
// An entry exists exactly when its haven.json exists. A fetch interrupted
// before the metadata lands leaves nothing a lookup will report.
package store

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/havenpkg/haven/pkg/config"
	"github.com/havenpkg/haven/pkg/errors"
)

const (
	dirPerm    = 0o755
	filePerm   = 0o644
	hashPrefix = "sha256:"

	// ArtifactDirName holds an entry's files.
	ArtifactDirName = "artifact"
	// MetadataFile is the entry's metadata document.
	MetadataFile = config.DescriptorFileName

	metadataMemoSize = 512
)

type Store interface {
	// Root returns the store root directory.
	Root() string
	// Path returns the absolute filesystem path for the given segments
	// joined under the store root. Does not create or verify the path.
	Path(segments ...string) string
	// Exists reports whether the path at the given segments exists.
	Exists(segments ...string) (bool, error)
	// EnsureDir creates the directory at segments, including parents.
	EnsureDir(segments ...string) error
	// Remove deletes the entire tree at segments. Each segment must pass
	// ValidSegment.
	Remove(segments ...string) error
	// HashDir computes a "sha256:<hex>" hash over all file names and
	// contents in the directory at segments, walking in sorted order.
	HashDir(segments ...string) (string, error)
	// WriteFile writes data to the file at segments, creating parents.
	WriteFile(data []byte, perm os.FileMode, segments ...string) error
	// ReadFile reads the file at segments.
	ReadFile(segments ...string) ([]byte, error)

	// Lookup returns the cache entry for name at version. It fails with
	// errors.NotFound when no metadata exists.
	Lookup(name, version string) (*Entry, error)
	// WriteMetadata atomically writes the entry's metadata, which makes
	// the entry visible to Lookup.
	WriteMetadata(name, version string, meta *config.Descriptor) (*Entry, error)
	// VersionDir is <root>/<name>/<version>.
	VersionDir(name, version string) string
	// ArtifactDir is <root>/<name>/<version>/artifact.
	ArtifactDir(name, version string) string
	// Clear removes every entry.
	Clear() error
}

// Entry is one cached (name, version) pair.
type Entry struct {
	Name     string
	Version  string
	Dir      string
	Metadata *config.Descriptor
}

// ArtifactDir returns the directory holding the entry's files.
func (e *Entry) ArtifactDir() string {
	return filepath.Join(e.Dir, ArtifactDirName)
}

// Dependencies returns the declared dependencies of the cached package.
func (e *Entry) Dependencies() []config.Dependency {
	if e.Metadata == nil {
		return nil
	}
	return e.Metadata.Dependencies
}

// ValidSegment reports whether s can name one directory under the cache
// root: non-empty, local and free of separators.
func ValidSegment(s string) error {
	if s == "" || s == "." || s == ".." || strings.ContainsAny(s, `/\`) || !filepath.IsLocal(s) {
		return fmt.Errorf("invalid path segment %q", s)
	}
	return nil
}

func checkEntry(name, version string) error {
	if err := ValidSegment(name); err != nil {
		return errors.Backend(err, "package name")
	}
	if err := ValidSegment(version); err != nil {
		return errors.Backend(err, "version of %s", name)
	}
	return nil
}

func New(root string) Store {
	memo, _ := lru.New[string, *config.Descriptor](metadataMemoSize)
	return &store{root: root, memo: memo}
}

type store struct {
	root string
	// memo holds parsed metadata keyed by "name@version".
	memo *lru.Cache[string, *config.Descriptor]
}

var _ Store = &store{}

func memoKey(name, version string) string {
	return name + "@" + version
}

func (s *store) Root() string {
	return s.root
}

func (s *store) Path(segments ...string) string {
	return filepath.Join(append([]string{s.root}, segments...)...)
}

func (s *store) Exists(segments ...string) (bool, error) {
	_, err := os.Stat(s.Path(segments...))
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, err
}

func (s *store) EnsureDir(segments ...string) error {
	return os.MkdirAll(s.Path(segments...), dirPerm)
}

func (s *store) Remove(segments ...string) error {
	for _, seg := range segments {
		if err := ValidSegment(seg); err != nil {
			return errors.Backend(err, "removing from cache")
		}
	}
	if len(segments) >= 2 {
		s.memo.Remove(memoKey(segments[0], segments[1]))
	} else {
		s.memo.Purge()
	}
	return os.RemoveAll(s.Path(segments...))
}

func (s *store) HashDir(segments ...string) (string, error) {
	return HashDir(s.Path(segments...))
}

// HashDir hashes every file name and content under dir in sorted order.
func HashDir(dir string) (string, error) {
	h := sha256.New()

	var files []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			rel, err := filepath.Rel(dir, path)
			if err != nil {
				return err
			}
			files = append(files, filepath.ToSlash(rel))
		}
		return nil
	})
	if err != nil {
		return "", err
	}

	sort.Strings(files)

	for _, f := range files {
		data, err := os.ReadFile(filepath.Join(dir, filepath.FromSlash(f)))
		if err != nil {
			return "", err
		}
		h.Write([]byte(f))
		h.Write(data)
	}

	return hashPrefix + hex.EncodeToString(h.Sum(nil)), nil
}

func (s *store) WriteFile(data []byte, perm os.FileMode, segments ...string) error {
	path := s.Path(segments...)
	if err := os.MkdirAll(filepath.Dir(path), dirPerm); err != nil {
		return err
	}
	return os.WriteFile(path, data, perm)
}

func (s *store) ReadFile(segments ...string) ([]byte, error) {
	return os.ReadFile(s.Path(segments...))
}

func (s *store) VersionDir(name, version string) string {
	return s.Path(name, version)
}

func (s *store) ArtifactDir(name, version string) string {
	return s.Path(name, version, ArtifactDirName)
}

func (s *store) Lookup(name, version string) (*Entry, error) {
	if err := checkEntry(name, version); err != nil {
		return nil, err
	}
	metaPath := s.Path(name, version, MetadataFile)
	if _, err := os.Stat(metaPath); err != nil {
		if os.IsNotExist(err) {
			return nil, errors.NotFound(name, version)
		}
		return nil, errors.Backend(err, "checking cache for %s@%s", name, version)
	}

	entry := &Entry{Name: name, Version: version, Dir: s.VersionDir(name, version)}
	if meta, ok := s.memo.Get(memoKey(name, version)); ok {
		entry.Metadata = meta
		return entry, nil
	}

	meta, err := config.LoadDescriptor(metaPath)
	if err != nil {
		return nil, errors.Backend(err, "reading cached metadata for %s@%s", name, version)
	}
	s.memo.Add(memoKey(name, version), meta)
	entry.Metadata = meta
	return entry, nil
}

func (s *store) WriteMetadata(name, version string, meta *config.Descriptor) (*Entry, error) {
	if err := checkEntry(name, version); err != nil {
		return nil, err
	}
	data, err := meta.Marshal(config.FormatJSON)
	if err != nil {
		return nil, errors.Backend(err, "encoding metadata for %s@%s", name, version)
	}

	dir := s.VersionDir(name, version)
	if err := os.MkdirAll(dir, dirPerm); err != nil {
		return nil, errors.Backend(err, "creating %s", dir)
	}

	tmp := filepath.Join(dir, "."+MetadataFile+"."+uuid.NewString()+".tmp")
	if err := os.WriteFile(tmp, data, filePerm); err != nil {
		return nil, errors.Backend(err, "writing metadata for %s@%s", name, version)
	}
	if err := os.Rename(tmp, filepath.Join(dir, MetadataFile)); err != nil {
		os.Remove(tmp)
		return nil, errors.Backend(err, "committing metadata for %s@%s", name, version)
	}

	s.memo.Add(memoKey(name, version), meta)
	return &Entry{Name: name, Version: version, Dir: dir, Metadata: meta}, nil
}

func (s *store) Clear() error {
	s.memo.Purge()
	entries, err := os.ReadDir(s.root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("reading cache root: %w", err)
	}
	for _, e := range entries {
		if err := os.RemoveAll(filepath.Join(s.root, e.Name())); err != nil {
			return fmt.Errorf("removing %s: %w", e.Name(), err)
		}
	}
	return nil
}
