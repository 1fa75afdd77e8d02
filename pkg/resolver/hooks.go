package resolver

import (
	"context"

	"github.com/havenpkg/haven/pkg/config"
)

// Placement describes an artifact copied into the output tree.
type Placement struct {
	// Importer is the artifact that pulled this one in, or "" at top level.
	Importer string
	Name     string
	Version  string
	Scope    string
	Dest     string
	Files    int
}

// Hooks receives resolution events. Implementations must be safe for
// concurrent use when the resolver runs with more than one job.
type Hooks interface {
	// OnSkip records a transitive dependency left out by the scope gate.
	OnSkip(ctx context.Context, importer string, dep config.Dependency, scope string)
	// OnCacheHit records a dependency found in the cache.
	OnCacheHit(ctx context.Context, name, version string)
	// OnFetch records a dependency fetched from a repository.
	OnFetch(ctx context.Context, name, version, repository string)
	// OnNotFound records a dependency no repository could supply.
	OnNotFound(ctx context.Context, name, version string)
	// OnMaterialize records files placed in the output tree.
	OnMaterialize(ctx context.Context, p Placement)
}

// NoopHooks is a no-op implementation of Hooks.
type NoopHooks struct{}

func (NoopHooks) OnSkip(context.Context, string, config.Dependency, string) {}
func (NoopHooks) OnCacheHit(context.Context, string, string)                {}
func (NoopHooks) OnFetch(context.Context, string, string, string)           {}
func (NoopHooks) OnNotFound(context.Context, string, string)                {}
func (NoopHooks) OnMaterialize(context.Context, Placement)                  {}

// MultiHooks fans events out to several hooks in order.
type MultiHooks []Hooks

func (m MultiHooks) OnSkip(ctx context.Context, importer string, dep config.Dependency, scope string) {
	for _, h := range m {
		h.OnSkip(ctx, importer, dep, scope)
	}
}

func (m MultiHooks) OnCacheHit(ctx context.Context, name, version string) {
	for _, h := range m {
		h.OnCacheHit(ctx, name, version)
	}
}

func (m MultiHooks) OnFetch(ctx context.Context, name, version, repository string) {
	for _, h := range m {
		h.OnFetch(ctx, name, version, repository)
	}
}

func (m MultiHooks) OnNotFound(ctx context.Context, name, version string) {
	for _, h := range m {
		h.OnNotFound(ctx, name, version)
	}
}

func (m MultiHooks) OnMaterialize(ctx context.Context, p Placement) {
	for _, h := range m {
		h.OnMaterialize(ctx, p)
	}
}
