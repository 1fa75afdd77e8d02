// Package repository implements the backends haven fetches artifacts from.
//
// Every backend ends a successful fetch by populating the cache and handing
// back the cache entry; none of them writes to the output tree. A clean miss
// is reported as errors.NotFound so the resolver can try the next backend.
// Anything else aborts resolution.
package repository

import (
	"context"
	stderrors "errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/charmbracelet/log"

	"github.com/havenpkg/haven/pkg/config"
	"github.com/havenpkg/haven/pkg/store"
)

// Repository types as they appear in descriptors and config files.
const (
	TypeLocal  = "local"
	TypeMaven  = "maven"
	TypeHaven  = "haven"
	TypeRemote = "remote"
	TypeBower  = "bower"
	TypeGit    = "git"
	TypeS3     = "s3"
)

// ErrUnknownType is returned by New for a repository type it cannot build.
var ErrUnknownType = stderrors.New("unknown repository type")

type Repository interface {
	// Name identifies the repository in logs: "<type> <url>".
	Name() string
	// Fetch makes name@version available in cache and returns its entry.
	Fetch(ctx context.Context, req Request, cache store.Store) (*store.Entry, error)
}

// Request names the artifact to fetch.
type Request struct {
	Name    string
	Version string
}

func (r Request) String() string {
	return r.Name + "@" + r.Version
}

// Options carries what backends share.
type Options struct {
	Config *config.Global
	// HTTPClient defaults to a client bounded by Config.Timeouts.Request.
	HTTPClient *http.Client
	Logger     *log.Logger
	// Snapshotters overrides how git-registry sources are downloaded.
	Snapshotters []Snapshotter
}

func (o Options) logger() *log.Logger {
	if o.Logger != nil {
		return o.Logger
	}
	return log.Default()
}

func (o Options) httpClient() *http.Client {
	if o.HTTPClient != nil {
		return o.HTTPClient
	}
	c := &http.Client{}
	if o.Config != nil {
		c.Timeout = o.Config.Timeouts.Request
	}
	return c
}

// New builds the backend for ref.
func New(ref config.RepositoryRef, opts Options) (Repository, error) {
	if opts.Config == nil {
		return nil, fmt.Errorf("repository %s: no config", ref.URL)
	}

	typ := ref.Type
	if typ == "" && strings.HasPrefix(ref.URL, "s3://") {
		typ = TypeS3
	}

	switch typ {
	case TypeLocal:
		return NewLocal(ref.URL), nil
	case TypeMaven:
		return NewMaven(ref.URL, opts), nil
	case TypeHaven, TypeRemote:
		return NewRemote(ref.URL, opts), nil
	case TypeBower, TypeGit:
		return NewGitRegistry(ref.URL, opts), nil
	case TypeS3:
		return NewS3(ref.URL, opts)
	default:
		return nil, fmt.Errorf("%w %q for %s", ErrUnknownType, ref.Type, ref.URL)
	}
}

// Chain builds backends for refs in order. Refs with an unknown type are
// logged and left out.
func Chain(refs []config.RepositoryRef, opts Options) ([]Repository, error) {
	repos := make([]Repository, 0, len(refs))
	for _, ref := range refs {
		repo, err := New(ref, opts)
		if stderrors.Is(err, ErrUnknownType) {
			opts.logger().Warn("skipping repository", "type", ref.Type, "url", ref.URL)
			continue
		}
		if err != nil {
			return nil, err
		}
		repos = append(repos, repo)
	}
	return repos, nil
}

// discard removes a half-populated version directory after a failed fetch.
func discard(cache store.Store, req Request) {
	cache.Remove(req.Name, req.Version)
}
