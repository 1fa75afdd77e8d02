package repository

import (
	"context"
	stderrors "errors"
	"fmt"
	"net/url"
	"os"
	"strings"

	"github.com/charmbracelet/log"

	"github.com/havenpkg/haven/pkg/config"
	"github.com/havenpkg/haven/pkg/errors"
	"github.com/havenpkg/haven/pkg/store"
)

// GitRegistry resolves a name through a bower-style package index to a
// hosted git repository, then snapshots the tag matching the version. A
// missing tag is retried once with a "v" prefix.
//
// Dependencies of the hosted package are not discovered: its own manifest
// declares version ranges, which haven does not solve.
type GitRegistry struct {
	url          string
	http         httpGetter
	snapshotters []Snapshotter
	logger       *log.Logger
}

var _ Repository = &GitRegistry{}

// indexEntry is the package index answer for GET <url>/packages/<name>.
type indexEntry struct {
	Name string `json:"name"`
	URL  string `json:"url"`
}

func NewGitRegistry(url string, opts Options) *GitRegistry {
	snapshotters := opts.Snapshotters
	if snapshotters == nil {
		snapshotters = DefaultSnapshotters(opts)
	}
	return &GitRegistry{
		url:          strings.TrimSuffix(url, "/"),
		http:         httpGetter{client: opts.httpClient()},
		snapshotters: snapshotters,
		logger:       opts.logger(),
	}
}

func (g *GitRegistry) Name() string {
	return TypeBower + " " + g.url
}

func (g *GitRegistry) Fetch(ctx context.Context, req Request, cache store.Store) (*store.Entry, error) {
	entry, err := g.fetch(ctx, req, cache)
	if err != nil {
		discard(cache, req)
		return nil, err
	}
	return entry, nil
}

func (g *GitRegistry) fetch(ctx context.Context, req Request, cache store.Store) (*store.Entry, error) {
	indexURL := g.url + "/packages/" + url.PathEscape(req.Name)
	var pkg indexEntry
	if err := g.http.getJSON(ctx, indexURL, &pkg); err != nil {
		return nil, missAs(err, req)
	}
	if pkg.URL == "" {
		return nil, errors.Backend(nil, "package index has no url for %s", req.Name)
	}

	src, err := ParseSource(pkg.URL)
	if err != nil {
		return nil, errors.Backend(err, "package %s", req.Name)
	}
	snap := g.snapshotterFor(src)
	if snap == nil {
		return nil, errors.Backend(nil, "no way to download %s", pkg.URL)
	}

	dest := cache.ArtifactDir(req.Name, req.Version)
	for _, ref := range []string{req.Version, "v" + req.Version} {
		g.logger.Debug("downloading snapshot", "source", src, "ref", ref)
		err = snap.Snapshot(ctx, src, ref, dest)
		if err == nil {
			return cache.WriteMetadata(req.Name, req.Version, &config.Descriptor{
				Name:    req.Name,
				Version: req.Version,
			})
		}
		if !stderrors.Is(err, ErrRefNotFound) {
			return nil, err
		}
		if err := os.RemoveAll(dest); err != nil {
			return nil, errors.Backend(err, "clearing %s", dest)
		}
	}
	return nil, errors.NotFound(req.Name, req.Version)
}

func (g *GitRegistry) snapshotterFor(src Source) Snapshotter {
	for _, s := range g.snapshotters {
		if s.Supports(src) {
			return s
		}
	}
	return nil
}

// Source is a hosted git repository.
type Source struct {
	// CloneURL is what git clones from.
	CloneURL string
	// Host is empty for local repositories.
	Host  string
	Owner string
	Repo  string
}

func (s Source) String() string {
	if s.Host == "" {
		return s.CloneURL
	}
	return s.Host + "/" + s.Owner + "/" + s.Repo
}

// ParseSource understands https://, git:// and ssh URLs, scp-style
// git@host:owner/repo addresses, and local paths.
func ParseSource(raw string) (Source, error) {
	if raw == "" {
		return Source{}, fmt.Errorf("empty repository url")
	}
	if strings.HasPrefix(raw, "/") || strings.HasPrefix(raw, "file://") || strings.HasPrefix(raw, ".") {
		return Source{CloneURL: raw}, nil
	}

	// scp-like: git@github.com:owner/repo.git
	if !strings.Contains(raw, "://") {
		at := strings.Index(raw, "@")
		colon := strings.Index(raw, ":")
		if colon < 0 || colon < at {
			return Source{}, fmt.Errorf("unrecognized repository url %q", raw)
		}
		host := raw[at+1 : colon]
		return sourceFromPath(raw, host, raw[colon+1:])
	}

	u, err := url.Parse(raw)
	if err != nil {
		return Source{}, fmt.Errorf("parsing repository url %q: %w", raw, err)
	}
	return sourceFromPath(raw, u.Hostname(), u.Path)
}

func sourceFromPath(raw, host, p string) (Source, error) {
	parts := strings.Split(strings.Trim(p, "/"), "/")
	if len(parts) < 2 || parts[0] == "" || parts[1] == "" {
		return Source{}, fmt.Errorf("repository url %q has no owner/repo", raw)
	}
	return Source{
		CloneURL: raw,
		Host:     host,
		Owner:    parts[0],
		Repo:     strings.TrimSuffix(parts[1], ".git"),
	}, nil
}
