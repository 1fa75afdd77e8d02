// Package deploy publishes installed artifacts to a package's first
// distribution repository.
package deploy

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"io/fs"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/charmbracelet/log"
	"github.com/minio/minio-go/v7"

	"github.com/havenpkg/haven/pkg/config"
	"github.com/havenpkg/haven/pkg/errors"
	"github.com/havenpkg/haven/pkg/registry"
	"github.com/havenpkg/haven/pkg/repository"
	"github.com/havenpkg/haven/pkg/store"
)

// Deployer uploads what the installer put in the cache. Files go first and
// each artifact's haven.json last, so a reader of the target never sees
// metadata for a partial upload.
type Deployer struct {
	Config     *config.Global
	Store      store.Store
	HTTPClient *http.Client
	Logger     *log.Logger
}

// target is one distribution repository.
type target interface {
	put(ctx context.Context, key, path string) error
	String() string
}

type upload struct {
	key  string
	path string
}

// Deploy publishes every artifact of desc. It returns the number of files
// uploaded, metadata included.
func (d *Deployer) Deploy(ctx context.Context, desc *config.Descriptor) (int, error) {
	if err := config.CheckSnapshots(desc); err != nil {
		return 0, err
	}
	refs := desc.DistributionRepositories()
	if len(refs) == 0 {
		return 0, fmt.Errorf("%s has no distribution repository", desc.Name)
	}

	t, err := d.target(refs[0])
	if err != nil {
		return 0, err
	}

	logger := d.logger()
	n := 0
	for _, a := range desc.Artifacts {
		name := desc.ArtifactName(a)
		entry, err := d.Store.Lookup(name, desc.Version)
		if err != nil {
			return n, fmt.Errorf("artifact %s@%s is not installed: %w", name, desc.Version, err)
		}

		uploads, err := collect(entry)
		if err != nil {
			return n, err
		}
		for _, u := range uploads {
			logger.Debug("uploading", "target", t, "key", u.key)
			if err := t.put(ctx, u.key, u.path); err != nil {
				return n, err
			}
			n++
		}
		logger.Info("deployed artifact", "name", name, "version", desc.Version, "target", t)
	}
	return n, nil
}

// collect lists the entry's files as keys relative to the repository root,
// with the metadata document last.
func collect(entry *store.Entry) ([]upload, error) {
	var uploads []upload
	root := entry.ArtifactDir()
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) && path == root {
				return filepath.SkipDir
			}
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		uploads = append(uploads, upload{
			key:  strings.Join([]string{entry.Name, entry.Version, store.ArtifactDirName, filepath.ToSlash(rel)}, "/"),
			path: path,
		})
		return nil
	})
	if err != nil {
		return nil, errors.Backend(err, "reading installed artifact %s@%s", entry.Name, entry.Version)
	}

	uploads = append(uploads, upload{
		key:  strings.Join([]string{entry.Name, entry.Version, store.MetadataFile}, "/"),
		path: filepath.Join(entry.Dir, store.MetadataFile),
	})
	return uploads, nil
}

func (d *Deployer) target(ref config.RepositoryRef) (target, error) {
	if ref.Type == repository.TypeS3 || strings.HasPrefix(ref.URL, "s3://") {
		bucket, prefix, err := repository.ParseS3URL(ref.URL)
		if err != nil {
			return nil, err
		}
		client, err := repository.NewS3Client(d.Config.S3)
		if err != nil {
			return nil, err
		}
		return &s3Target{url: ref.URL, bucket: bucket, prefix: prefix, client: client}, nil
	}

	if _, err := url.Parse(ref.URL); err != nil {
		return nil, fmt.Errorf("parsing distribution url %q: %w", ref.URL, err)
	}
	client := d.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: d.Config.Timeouts.Request}
	}
	return &httpTarget{url: strings.TrimSuffix(ref.URL, "/"), client: client}, nil
}

func (d *Deployer) logger() *log.Logger {
	if d.Logger != nil {
		return d.Logger
	}
	return log.Default()
}

// httpTarget posts each file as a multipart form to a haven registry.
type httpTarget struct {
	url    string
	client *http.Client
}

func (t *httpTarget) String() string { return t.url }

func (t *httpTarget) put(ctx context.Context, key, path string) error {
	dest := t.url + "/" + key

	f, err := os.Open(path)
	if err != nil {
		return errors.Backend(err, "opening %s", path)
	}
	defer f.Close()

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile(registry.UploadField, filepath.Base(path))
	if err != nil {
		return errors.Backend(err, "building upload for %s", key)
	}
	if _, err := io.Copy(part, f); err != nil {
		return errors.Backend(err, "reading %s", path)
	}
	if err := mw.Close(); err != nil {
		return errors.Backend(err, "building upload for %s", key)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, dest, &body)
	if err != nil {
		return errors.Backend(err, "building request for %s", dest)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := t.client.Do(req)
	if err != nil {
		return errors.Transport(err, "POST %s", dest)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return errors.Transport(nil, "POST %s: status %d", dest, resp.StatusCode)
	}
	return nil
}

type s3Target struct {
	url    string
	bucket string
	prefix string
	client *minio.Client
}

func (t *s3Target) String() string { return t.url }

func (t *s3Target) put(ctx context.Context, key, path string) error {
	objectKey := repository.ObjectKey(t.prefix, key)
	if _, err := t.client.FPutObject(ctx, t.bucket, objectKey, path, minio.PutObjectOptions{}); err != nil {
		return errors.Transport(err, "uploading s3://%s/%s", t.bucket, objectKey)
	}
	return nil
}
