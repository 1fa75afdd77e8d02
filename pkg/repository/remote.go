package repository

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/charmbracelet/log"
	"golang.org/x/sync/errgroup"

	"github.com/havenpkg/haven/pkg/config"
	"github.com/havenpkg/haven/pkg/errors"
	"github.com/havenpkg/haven/pkg/store"
)

// ListingQuery selects the JSON directory listing on a haven registry.
const ListingQuery = "view=json"

// Listing is the directory document a haven registry serves for
// GET <dir>/?view=json.
type Listing struct {
	Resources   []ListingEntry `json:"resources"`
	Directories []ListingEntry `json:"directories"`
}

type ListingEntry struct {
	Name string `json:"name"`
}

// Remote fetches from a haven registry: <url>/<name>/<version>/haven.json
// followed by the artifact/ tree, discovered through directory listings.
type Remote struct {
	url         string
	http        httpGetter
	maxDepth    int
	concurrency int
	logger      *log.Logger
}

var _ Repository = &Remote{}

func NewRemote(url string, opts Options) *Remote {
	r := &Remote{
		url:         strings.TrimSuffix(url, "/"),
		http:        httpGetter{client: opts.httpClient()},
		maxDepth:    opts.Config.Remote.MaxDepth,
		concurrency: opts.Config.Remote.Concurrency,
		logger:      opts.logger(),
	}
	if r.concurrency < 1 {
		r.concurrency = 1
	}
	return r
}

func (r *Remote) Name() string {
	return TypeHaven + " " + r.url
}

func (r *Remote) versionURL(req Request) (*url.URL, error) {
	u, err := url.Parse(r.url + "/")
	if err != nil {
		return nil, errors.Backend(err, "parsing repository url %s", r.url)
	}
	return u.JoinPath(req.Name, req.Version), nil
}

func (r *Remote) Fetch(ctx context.Context, req Request, cache store.Store) (*store.Entry, error) {
	entry, err := r.fetch(ctx, req, cache)
	if err != nil {
		discard(cache, req)
		return nil, err
	}
	return entry, nil
}

func (r *Remote) fetch(ctx context.Context, req Request, cache store.Store) (*store.Entry, error) {
	base, err := r.versionURL(req)
	if err != nil {
		return nil, err
	}

	metaURL := base.JoinPath(config.DescriptorFileName).String()
	body, err := r.http.get(ctx, metaURL)
	if err != nil {
		return nil, missAs(err, req)
	}
	data, err := io.ReadAll(body)
	body.Close()
	if err != nil {
		return nil, errors.Transport(err, "reading %s", metaURL)
	}
	meta, err := config.UnmarshalDescriptor(data, config.FormatJSON)
	if err != nil {
		return nil, errors.Backend(err, "parsing %s", metaURL)
	}

	artifactURL := base.JoinPath(store.ArtifactDirName)
	artifactURL.Path += "/"

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.concurrency)
	w := &treeWalk{
		remote:  r,
		group:   g,
		ctx:     gctx,
		visited: make(map[string]bool),
	}
	walkErr := w.walk(artifactURL, cache.ArtifactDir(req.Name, req.Version), 0)
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if walkErr != nil {
		return nil, walkErr
	}

	r.logger.Debug("downloaded remote artifact", "name", req.Name, "version", req.Version, "files", w.files)
	return cache.WriteMetadata(req.Name, req.Version, meta)
}

// treeWalk lists directories on the calling goroutine and hands file
// downloads to the group.
type treeWalk struct {
	remote  *Remote
	group   *errgroup.Group
	ctx     context.Context
	visited map[string]bool
	files   int
}

func (w *treeWalk) walk(dir *url.URL, localDir string, depth int) error {
	if depth > w.remote.maxDepth {
		return errors.Backend(nil, "listing %s is deeper than %d levels", dir, w.remote.maxDepth)
	}
	key := dir.String()
	if w.visited[key] {
		return errors.Backend(nil, "listing cycle at %s", key)
	}
	w.visited[key] = true

	listURL := *dir
	listURL.RawQuery = ListingQuery

	var listing Listing
	if err := w.remote.http.getJSON(w.ctx, listURL.String(), &listing); err != nil {
		// A version published without files has no artifact/ listing.
		if depth == 0 && statusOf(err) == http.StatusNotFound {
			return os.MkdirAll(localDir, 0o755)
		}
		return brokenAs(err, listURL.String())
	}

	for _, res := range listing.Resources {
		if err := validEntryName(res.Name); err != nil {
			return errors.Backend(err, "listing %s", key)
		}
		src := dir.JoinPath(res.Name).String()
		dst := filepath.Join(localDir, res.Name)
		w.files++
		w.group.Go(func() error {
			return brokenAs(w.remote.http.download(w.ctx, src, dst), src)
		})
	}

	for _, sub := range listing.Directories {
		if err := validEntryName(sub.Name); err != nil {
			return errors.Backend(err, "listing %s", key)
		}
		next := dir.JoinPath(sub.Name)
		next.Path += "/"
		if err := w.walk(next, filepath.Join(localDir, sub.Name), depth+1); err != nil {
			return err
		}
	}
	return nil
}

// validEntryName rejects listing names that are not a single path segment.
func validEntryName(name string) error {
	if name == "" || name == "." || name == ".." || strings.ContainsAny(name, `/\`) {
		return errors.Backend(nil, "invalid entry name %q", name)
	}
	return nil
}
