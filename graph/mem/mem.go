// Package mem implements an in-memory graph backend.
package mem

import (
	"context"
	"sort"
	"sync"

	"github.com/bobg/dist"
	"github.com/bobg/dist/graph"
)

var _ graph.Backend = &Backend{}

// Backend is a memory-based implementation of a graph backend.
type Backend struct {
	mu    sync.Mutex
	nodes map[string]graph.Node
}

// New produces a new Backend.
func New() *Backend {
	return &Backend{nodes: make(map[string]graph.Node)}
}

// Get implements graph.Backend.Get.
func (b *Backend) Get(_ context.Context, key string) (graph.Node, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if n, ok := b.nodes[key]; ok {
		return n.Clone(), nil
	}
	return nil, dist.ErrNotFound
}

// Put implements graph.Backend.Put.
func (b *Backend) Put(_ context.Context, key string, node graph.Node) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nodes[key] = node.Clone()
	return nil
}

// ListChildren implements graph.Backend.ListChildren.
// The callback runs without the lock held.
func (b *Backend) ListChildren(ctx context.Context, parent string, f func(string, graph.Node) error) error {
	type pair struct {
		key  string
		node graph.Node
	}

	b.mu.Lock()
	var children []pair
	for k, n := range b.nodes {
		if graph.IsChild(parent, k) {
			children = append(children, pair{key: k, node: n.Clone()})
		}
	}
	b.mu.Unlock()

	sort.Slice(children, func(i, j int) bool { return children[i].key < children[j].key })
	for _, c := range children {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := f(c.key, c.node); err != nil {
			return err
		}
	}
	return nil
}

// ListKeys implements graph.Backend.ListKeys.
// The callback runs without the lock held.
func (b *Backend) ListKeys(ctx context.Context, start string, f func(string) error) error {
	b.mu.Lock()
	var keys []string
	for k := range b.nodes {
		if k > start {
			keys = append(keys, k)
		}
	}
	b.mu.Unlock()

	sort.Strings(keys)
	for _, k := range keys {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := f(k); err != nil {
			return err
		}
	}
	return nil
}

func init() {
	graph.Register("mem", func(context.Context, map[string]interface{}) (graph.Backend, error) {
		return New(), nil
	})
}
