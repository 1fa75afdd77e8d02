// Package graph records what a resolution placed and renders it as a
// Graphviz diagram.
package graph

import (
	"bytes"
	"cmp"
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/goccy/go-graphviz"

	"github.com/havenpkg/haven/pkg/config"
	"github.com/havenpkg/haven/pkg/resolver"
)

// Node is one placed artifact.
type Node struct {
	Name    string
	Version string
	Scope   string
	Files   int
	// Source is the repository the artifact came from, or "cache".
	Source string
}

// Edge points from an importer to the dependency it declared. Skipped edges
// are transitive dependencies the scope gate left out.
type Edge struct {
	From    string
	To      string
	Skipped bool
}

// Recorder implements resolver.Hooks. It is safe for concurrent use.
type Recorder struct {
	resolver.NoopHooks

	root    string
	mu      sync.Mutex
	nodes   map[string]*Node
	edges   map[Edge]bool
	sources map[string]string
}

var _ resolver.Hooks = &Recorder{}

// NewRecorder starts a graph rooted at the package being resolved.
func NewRecorder(root string) *Recorder {
	return &Recorder{
		root:    root,
		nodes:   make(map[string]*Node),
		edges:   make(map[Edge]bool),
		sources: make(map[string]string),
	}
}

func (r *Recorder) OnCacheHit(_ context.Context, name, version string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sources[name+"@"+version] = "cache"
}

func (r *Recorder) OnFetch(_ context.Context, name, version, repository string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sources[name+"@"+version] = repository
}

func (r *Recorder) OnSkip(_ context.Context, importer string, dep config.Dependency, scope string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := skippedID(dep, scope)
	r.edges[Edge{From: importer, To: id, Skipped: true}] = true
}

func (r *Recorder) OnMaterialize(_ context.Context, p resolver.Placement) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nodes[p.Name] = &Node{
		Name:    p.Name,
		Version: p.Version,
		Scope:   p.Scope,
		Files:   p.Files,
		Source:  r.sources[p.Name+"@"+p.Version],
	}
	from := p.Importer
	if from == "" {
		from = r.root
	}
	r.edges[Edge{From: from, To: p.Name}] = true
}

func skippedID(dep config.Dependency, scope string) string {
	return fmt.Sprintf("%s@%s (%s)", dep.Name, dep.Version, scope)
}

// Nodes returns the placed artifacts sorted by name.
func (r *Recorder) Nodes() []Node {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Node, 0, len(r.nodes))
	for _, n := range r.nodes {
		out = append(out, *n)
	}
	slices.SortFunc(out, func(a, b Node) int { return cmp.Compare(a.Name, b.Name) })
	return out
}

// Edges returns every recorded edge in a stable order.
func (r *Recorder) Edges() []Edge {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Edge, 0, len(r.edges))
	for e := range r.edges {
		out = append(out, e)
	}
	slices.SortFunc(out, func(a, b Edge) int {
		return cmp.Or(cmp.Compare(a.From, b.From), cmp.Compare(a.To, b.To))
	})
	return out
}

// DOT renders the graph in Graphviz DOT format.
func (r *Recorder) DOT() string {
	var buf bytes.Buffer
	buf.WriteString("digraph haven {\n")
	buf.WriteString("  rankdir=LR;\n")
	buf.WriteString("  node [shape=box, style=\"rounded,filled\", fillcolor=white];\n")
	buf.WriteString("\n")

	fmt.Fprintf(&buf, "  %q [fillcolor=lightblue];\n", r.root)
	for _, n := range r.Nodes() {
		label := fmt.Sprintf("%s\n%s\n%s, %d files", n.Name, n.Version, n.Scope, n.Files)
		fmt.Fprintf(&buf, "  %q [label=%q];\n", n.Name, label)
	}

	edges := r.Edges()
	for _, e := range edges {
		if e.Skipped {
			fmt.Fprintf(&buf, "  %q [style=\"rounded,dashed\", fontcolor=grey];\n", e.To)
		}
	}

	buf.WriteString("\n")
	for _, e := range edges {
		if e.Skipped {
			fmt.Fprintf(&buf, "  %q -> %q [style=dashed, color=grey];\n", e.From, e.To)
			continue
		}
		fmt.Fprintf(&buf, "  %q -> %q;\n", e.From, e.To)
	}
	buf.WriteString("}\n")
	return buf.String()
}

// SVG renders the graph with the embedded Graphviz.
func (r *Recorder) SVG(ctx context.Context) ([]byte, error) {
	gv, err := graphviz.New(ctx)
	if err != nil {
		return nil, fmt.Errorf("init graphviz: %w", err)
	}
	defer gv.Close()

	g, err := graphviz.ParseBytes([]byte(r.DOT()))
	if err != nil {
		return nil, fmt.Errorf("parse DOT: %w", err)
	}
	defer g.Close()

	var buf bytes.Buffer
	if err := gv.Render(ctx, g, graphviz.SVG, &buf); err != nil {
		return nil, fmt.Errorf("render: %w", err)
	}
	return buf.Bytes(), nil
}
