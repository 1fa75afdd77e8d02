package repository

import (
	"archive/tar"
	"context"
	stderrors "errors"
	"io"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/klauspost/compress/gzip"

	"github.com/havenpkg/haven/pkg/errors"
	"github.com/havenpkg/haven/pkg/materialize"
)

// ErrRefNotFound is returned by a Snapshotter when the ref does not exist.
var ErrRefNotFound = stderrors.New("ref not found")

// DefaultCodeloadURL serves GitHub source tarballs.
const DefaultCodeloadURL = "https://codeload.github.com"

// Snapshotter downloads the tree of a git repository at a ref.
type Snapshotter interface {
	Supports(src Source) bool
	// Snapshot writes the tree at ref into dest. A missing ref yields
	// ErrRefNotFound.
	Snapshot(ctx context.Context, src Source, ref, dest string) error
}

// DefaultSnapshotters uses GitHub tarballs where possible and a shallow
// git clone everywhere else.
func DefaultSnapshotters(opts Options) []Snapshotter {
	return []Snapshotter{
		&TarballSnapshotter{BaseURL: DefaultCodeloadURL, Host: "github.com", http: httpGetter{client: opts.httpClient()}},
		&CloneSnapshotter{},
	}
}

// TarballSnapshotter downloads <BaseURL>/<owner>/<repo>/tar.gz/<ref> and
// unpacks it without its top-level directory.
type TarballSnapshotter struct {
	BaseURL string
	Host    string
	http    httpGetter
}

// NewTarballSnapshotter serves sources on host from baseURL.
func NewTarballSnapshotter(baseURL, host string, opts Options) *TarballSnapshotter {
	return &TarballSnapshotter{
		BaseURL: strings.TrimSuffix(baseURL, "/"),
		Host:    host,
		http:    httpGetter{client: opts.httpClient()},
	}
}

func (t *TarballSnapshotter) Supports(src Source) bool {
	return src.Host == t.Host
}

func (t *TarballSnapshotter) Snapshot(ctx context.Context, src Source, ref, dest string) error {
	url := t.BaseURL + "/" + src.Owner + "/" + src.Repo + "/tar.gz/" + ref
	body, err := t.http.get(ctx, url)
	if statusOf(err) == http.StatusNotFound {
		return ErrRefNotFound
	}
	if err != nil {
		return err
	}
	defer body.Close()

	if err := untarStripped(body, dest); err != nil {
		return errors.Backend(err, "unpacking %s", url)
	}
	return nil
}

// untarStripped unpacks a gzipped tarball into dest, dropping the first
// path component of every entry.
func untarStripped(r io.Reader, dest string) error {
	zr, err := gzip.NewReader(r)
	if err != nil {
		return err
	}
	defer zr.Close()

	tr := tar.NewReader(zr)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}

		name := strings.TrimPrefix(path.Clean("/"+hdr.Name), "/")
		_, rel, found := strings.Cut(name, "/")
		if !found || rel == "" {
			continue
		}
		target, err := safeJoin(dest, rel)
		if err != nil {
			return err
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o755); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := writeFile(target, tr, hdr.FileInfo().Mode().Perm()); err != nil {
				return err
			}
		}
	}
}

func writeFile(target string, r io.Reader, perm os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, perm|0o200)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// CloneSnapshotter clones the tag with go-git and copies the worktree
// without .git.
type CloneSnapshotter struct{}

func (c *CloneSnapshotter) Supports(Source) bool {
	return true
}

func (c *CloneSnapshotter) Snapshot(ctx context.Context, src Source, ref, dest string) error {
	tmp, err := os.MkdirTemp("", "haven-clone-*")
	if err != nil {
		return errors.Backend(err, "creating clone directory")
	}
	defer os.RemoveAll(tmp)

	opts := &git.CloneOptions{
		URL:           src.CloneURL,
		ReferenceName: plumbing.NewTagReferenceName(ref),
		SingleBranch:  true,
	}
	if src.Host != "" {
		opts.Depth = 1
	}

	if _, err := git.PlainCloneContext(ctx, tmp, false, opts); err != nil {
		if isMissingRef(err) {
			return ErrRefNotFound
		}
		return errors.Transport(err, "cloning %s at %s", src.CloneURL, ref)
	}

	if err := os.RemoveAll(filepath.Join(tmp, ".git")); err != nil {
		return errors.Backend(err, "removing .git from clone")
	}
	if _, err := materialize.CopyTree(tmp, dest); err != nil {
		return errors.Backend(err, "copying clone of %s", src.CloneURL)
	}
	return nil
}

func isMissingRef(err error) bool {
	if stderrors.Is(err, plumbing.ErrReferenceNotFound) {
		return true
	}
	var noMatch git.NoMatchingRefSpecError
	return stderrors.As(err, &noMatch)
}
