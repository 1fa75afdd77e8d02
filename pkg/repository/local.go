package repository

import (
	"context"

	"github.com/havenpkg/haven/pkg/store"
)

// Local serves entries straight out of another root with the cache layout.
// Nothing is copied into the global cache; the resolver walks the foreign
// entry in place.
type Local struct {
	root store.Store
}

var _ Repository = &Local{}

func NewLocal(root string) *Local {
	return &Local{root: store.New(root)}
}

func (l *Local) Name() string {
	return TypeLocal + " " + l.root.Root()
}

func (l *Local) Fetch(ctx context.Context, req Request, _ store.Store) (*store.Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return l.root.Lookup(req.Name, req.Version)
}
