package repository

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"path"
	"strings"

	"github.com/charmbracelet/log"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/havenpkg/haven/pkg/config"
	"github.com/havenpkg/haven/pkg/errors"
	"github.com/havenpkg/haven/pkg/store"
)

const (
	defaultS3Endpoint = "s3.amazonaws.com"
	defaultS3Region   = "us-east-1"
)

// S3 serves a bucket laid out like the cache:
// s3://<bucket>/<prefix>/<name>/<version>/{haven.json,artifact/...}.
type S3 struct {
	url    string
	bucket string
	prefix string
	client *minio.Client
	logger *log.Logger
}

var _ Repository = &S3{}

func NewS3(rawURL string, opts Options) (*S3, error) {
	bucket, prefix, err := ParseS3URL(rawURL)
	if err != nil {
		return nil, err
	}
	client, err := NewS3Client(opts.Config.S3)
	if err != nil {
		return nil, err
	}
	return &S3{
		url:    rawURL,
		bucket: bucket,
		prefix: prefix,
		client: client,
		logger: opts.logger(),
	}, nil
}

// ParseS3URL splits s3://bucket/some/prefix into its bucket and prefix.
func ParseS3URL(raw string) (bucket, prefix string, err error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", "", fmt.Errorf("parsing %q: %w", raw, err)
	}
	if u.Scheme != "s3" || u.Host == "" {
		return "", "", fmt.Errorf("%q is not an s3://bucket/prefix url", raw)
	}
	return u.Host, strings.Trim(u.Path, "/"), nil
}

// NewS3Client builds a minio client. Empty credentials give anonymous
// access.
func NewS3Client(cfg config.S3Options) (*minio.Client, error) {
	endpoint := strings.TrimSpace(cfg.Endpoint)
	if endpoint == "" {
		endpoint = defaultS3Endpoint
	}
	region := strings.TrimSpace(cfg.Region)
	if region == "" {
		region = defaultS3Region
	}

	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: region,
	})
	if err != nil {
		return nil, fmt.Errorf("init s3 client: %w", err)
	}
	return client, nil
}

// ObjectKey joins key segments under prefix.
func ObjectKey(prefix string, segments ...string) string {
	return path.Join(append([]string{prefix}, segments...)...)
}

func (s *S3) Name() string {
	return TypeS3 + " " + s.url
}

func (s *S3) Fetch(ctx context.Context, req Request, cache store.Store) (*store.Entry, error) {
	entry, err := s.fetch(ctx, req, cache)
	if err != nil {
		discard(cache, req)
		return nil, err
	}
	return entry, nil
}

func (s *S3) fetch(ctx context.Context, req Request, cache store.Store) (*store.Entry, error) {
	metaKey := ObjectKey(s.prefix, req.Name, req.Version, config.DescriptorFileName)
	data, err := s.get(ctx, metaKey)
	if err != nil {
		if isMissingObject(err) {
			return nil, errors.NotFound(req.Name, req.Version)
		}
		return nil, errors.Transport(err, "getting s3://%s/%s", s.bucket, metaKey)
	}
	meta, err := config.UnmarshalDescriptor(data, config.FormatJSON)
	if err != nil {
		return nil, errors.Backend(err, "parsing s3://%s/%s", s.bucket, metaKey)
	}

	artifactPrefix := ObjectKey(s.prefix, req.Name, req.Version, store.ArtifactDirName) + "/"
	dest := cache.ArtifactDir(req.Name, req.Version)
	n := 0
	// Returning early must stop the listing goroutine.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	for obj := range s.client.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{
		Prefix:    artifactPrefix,
		Recursive: true,
	}) {
		if obj.Err != nil {
			return nil, errors.Transport(obj.Err, "listing s3://%s/%s", s.bucket, artifactPrefix)
		}
		rel := strings.TrimPrefix(obj.Key, artifactPrefix)
		if rel == "" || strings.HasSuffix(rel, "/") {
			continue
		}
		target, err := safeJoin(dest, rel)
		if err != nil {
			return nil, errors.Backend(err, "object %s", obj.Key)
		}
		if err := s.client.FGetObject(ctx, s.bucket, obj.Key, target, minio.GetObjectOptions{}); err != nil {
			return nil, errors.Transport(err, "downloading s3://%s/%s", s.bucket, obj.Key)
		}
		n++
	}

	s.logger.Debug("downloaded s3 artifact", "name", req.Name, "version", req.Version, "files", n)
	return cache.WriteMetadata(req.Name, req.Version, meta)
}

func (s *S3) get(ctx context.Context, key string) ([]byte, error) {
	obj, err := s.client.GetObject(ctx, s.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, err
	}
	defer obj.Close()
	return io.ReadAll(obj)
}

func isMissingObject(err error) bool {
	code := minio.ToErrorResponse(err).Code
	return code == "NoSuchKey" || code == "NoSuchBucket"
}
