// Package resolver walks a dependency list: cache first, then each
// repository in order, then the artifact's own dependencies, then its files.
//
// A dependency pulled in transitively is followed only when its own scope is
// transient, and it is placed under the scope of the artifact importing it.
// Sub-dependencies are always placed before the artifact that needs them,
// so a failure deeper in the graph never leaves a half-placed importer.
package resolver

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sync"

	"github.com/charmbracelet/log"
	"golang.org/x/sync/errgroup"

	"github.com/havenpkg/haven/pkg/config"
	"github.com/havenpkg/haven/pkg/errors"
	"github.com/havenpkg/haven/pkg/materialize"
	"github.com/havenpkg/haven/pkg/repository"
	"github.com/havenpkg/haven/pkg/store"
)

// MaterializeFunc copies the filtered artifact tree at src into dest.
type MaterializeFunc func(src, dest string, filter materialize.Filter) (int, error)

type Resolver struct {
	Config *config.Global
	Cache  store.Store
	// Repositories are tried in order on a cache miss.
	Repositories []repository.Repository
	// Materialize defaults to materialize.Materialize.
	Materialize MaterializeFunc
	Logger      *log.Logger
	Hooks       Hooks
	// Jobs overrides Config.Jobs when positive.
	Jobs int

	entries keyedMutex
	places  keyedMutex
}

func New(cfg *config.Global, cache store.Store, repos []repository.Repository) *Resolver {
	return &Resolver{Config: cfg, Cache: cache, Repositories: repos}
}

// importer is what a dependency list hangs off: nothing for the top level,
// otherwise the artifact whose metadata declared it.
type importer struct {
	transitive bool
	scope      string
	name       string
	// chain holds name@version of every artifact above this list.
	chain []string
}

func (imp importer) child(name, version, placement string) importer {
	return importer{
		transitive: true,
		scope:      placement,
		name:       name,
		chain:      append(slices.Clip(imp.chain), name+"@"+version),
	}
}

// Resolve fetches, walks and materializes deps. The first error aborts the
// whole list.
func (r *Resolver) Resolve(ctx context.Context, deps []config.Dependency) error {
	if r.Config.Timeouts.Resolve > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.Config.Timeouts.Resolve)
		defer cancel()
	}
	return r.resolve(ctx, deps, importer{})
}

func (r *Resolver) resolve(ctx context.Context, deps []config.Dependency, from importer) error {
	if len(deps) == 0 {
		return nil
	}

	if r.jobs() <= 1 {
		for _, dep := range deps {
			if err := r.resolveOne(ctx, dep, from); err != nil {
				return err
			}
		}
		return nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.jobs())
	for _, dep := range deps {
		g.Go(func() error {
			return r.resolveOne(gctx, dep, from)
		})
	}
	return g.Wait()
}

func (r *Resolver) resolveOne(ctx context.Context, dep config.Dependency, from importer) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	scope := dep.Scope
	if scope == "" {
		scope = r.Config.Defaults.Scope
	}
	if from.transitive && !r.Config.IsTransient(scope) {
		r.logger().Debug("skipping dependency", "name", dep.Name, "version", dep.Version, "scope", scope, "importer", from.name)
		r.hooks().OnSkip(ctx, from.name, dep, scope)
		return nil
	}

	placement := scope
	if from.transitive {
		placement = from.scope
	}
	if err := checkNames(dep.Name, dep.Version, placement); err != nil {
		return err
	}

	key := dep.Name + "@" + dep.Version
	if slices.Contains(from.chain, key) {
		return errors.Backend(nil, "dependency cycle: %s depends on itself", key)
	}

	entry, err := r.locate(ctx, repository.Request{Name: dep.Name, Version: dep.Version})
	if err != nil {
		return err
	}

	if err := r.resolve(ctx, entry.Dependencies(), from.child(dep.Name, dep.Version, placement)); err != nil {
		return err
	}

	return r.place(ctx, entry, dep, placement, from.name)
}

// checkNames keeps name, version and scope to single path segments: they
// become directories in both the cache and the output path.
func checkNames(name, version, scope string) error {
	for _, field := range []struct{ what, value string }{
		{"name", name},
		{"version", version},
		{"scope", scope},
	} {
		if err := store.ValidSegment(field.value); err != nil {
			return errors.Backend(err, "dependency %s@%s: bad %s", name, version, field.what)
		}
	}
	return nil
}

// locate returns the cache entry for req, fetching it on a miss. Lookups of
// the same name@version never overlap.
func (r *Resolver) locate(ctx context.Context, req repository.Request) (*store.Entry, error) {
	unlock := r.entries.lock(req.String())
	defer unlock()

	entry, err := r.Cache.Lookup(req.Name, req.Version)
	if err == nil {
		r.logger().Debug("cache hit", "name", req.Name, "version", req.Version)
		r.hooks().OnCacheHit(ctx, req.Name, req.Version)
		return entry, nil
	}
	if !errors.IsNotFound(err) {
		return nil, err
	}

	for _, repo := range r.Repositories {
		entry, err := repo.Fetch(ctx, req, r.Cache)
		if err == nil {
			r.logger().Info("fetched", "name", req.Name, "version", req.Version, "repository", repo.Name())
			r.hooks().OnFetch(ctx, req.Name, req.Version, repo.Name())
			return entry, nil
		}
		if !errors.IsNotFound(err) {
			return nil, fmt.Errorf("fetching %s from %s: %w", req, repo.Name(), err)
		}
		r.logger().Debug("not in repository", "name", req.Name, "version", req.Version, "repository", repo.Name())
	}

	r.hooks().OnNotFound(ctx, req.Name, req.Version)
	return nil, errors.NotFound(req.Name, req.Version)
}

// place copies the entry's files into <path>/<placement>/<name>.
func (r *Resolver) place(ctx context.Context, entry *store.Entry, dep config.Dependency, placement, importerName string) error {
	dest := filepath.Join(r.Config.Path, placement, entry.Name)

	unlock := r.places.lock(placement + "/" + entry.Name)
	defer unlock()

	src := entry.ArtifactDir()
	files := 0
	if _, err := os.Stat(src); err == nil {
		n, err := r.materializer()(src, dest, materialize.Filter{Includes: dep.Includes, Excludes: dep.Excludes})
		if err != nil {
			return errors.Backend(err, "placing %s@%s", entry.Name, entry.Version)
		}
		files = n
	} else if !os.IsNotExist(err) {
		return errors.Backend(err, "reading %s", src)
	}

	r.logger().Info("placed", "name", entry.Name, "version", entry.Version, "scope", placement, "files", files)
	r.hooks().OnMaterialize(ctx, Placement{
		Importer: importerName,
		Name:     entry.Name,
		Version:  entry.Version,
		Scope:    placement,
		Dest:     dest,
		Files:    files,
	})
	return nil
}

func (r *Resolver) jobs() int {
	if r.Jobs > 0 {
		return r.Jobs
	}
	return r.Config.Jobs
}

func (r *Resolver) logger() *log.Logger {
	if r.Logger != nil {
		return r.Logger
	}
	return log.Default()
}

func (r *Resolver) hooks() Hooks {
	if r.Hooks != nil {
		return r.Hooks
	}
	return NoopHooks{}
}

func (r *Resolver) materializer() MaterializeFunc {
	if r.Materialize != nil {
		return r.Materialize
	}
	return materialize.Materialize
}

// keyedMutex serializes work per key.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func (k *keyedMutex) lock(key string) func() {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = make(map[string]*sync.Mutex)
	}
	m, ok := k.locks[key]
	if !ok {
		m = &sync.Mutex{}
		k.locks[key] = m
	}
	k.mu.Unlock()

	m.Lock()
	return m.Unlock
}
