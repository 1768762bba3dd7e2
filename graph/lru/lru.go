// Package lru implements a graph backend that acts as a least-recently-used cache for a nested backend.
package lru

import (
	"context"

	lru "github.com/hashicorp/golang-lru"
	"github.com/pkg/errors"

	"github.com/bobg/dist"
	"github.com/bobg/dist/graph"
)

var _ graph.Backend = &Backend{}

// Backend implements a memory-based least-recently-used cache for a graph backend.
// It caches only nodes fetched by Get or written by Put;
// listings always go to the nested backend.
// Writes pass through to the nested backend.
type Backend struct {
	c *lru.Cache // key->graph.Node
	b graph.Backend
}

// New produces a new Backend backed by `b` and caching up to `size` nodes.
func New(b graph.Backend, size int) (*Backend, error) {
	c, err := lru.New(size)
	return &Backend{b: b, c: c}, err
}

// Get implements graph.Backend.Get.
func (b *Backend) Get(ctx context.Context, key string) (graph.Node, error) {
	if got, ok := b.c.Get(key); ok {
		return got.(graph.Node).Clone(), nil
	}
	n, err := b.b.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	b.c.Add(key, n.Clone())
	return n, nil
}

// Put implements graph.Backend.Put.
func (b *Backend) Put(ctx context.Context, key string, node graph.Node) error {
	if err := b.b.Put(ctx, key, node); err != nil {
		b.c.Remove(key)
		return err
	}
	b.c.Add(key, node.Clone())
	return nil
}

// ListChildren implements graph.Backend.ListChildren.
func (b *Backend) ListChildren(ctx context.Context, parent string, f func(string, graph.Node) error) error {
	return b.b.ListChildren(ctx, parent, f)
}

// ListKeys implements graph.Backend.ListKeys.
func (b *Backend) ListKeys(ctx context.Context, start string, f func(string) error) error {
	return b.b.ListKeys(ctx, start, f)
}

func init() {
	graph.Register("lru", func(ctx context.Context, conf map[string]interface{}) (graph.Backend, error) {
		size, ok := dist.Int64(conf["size"])
		if !ok {
			return nil, errors.New(`missing "size" parameter`)
		}
		nested, err := graph.Nested(ctx, conf, "nested")
		if err != nil {
			return nil, err
		}
		return New(nested, int(size))
	})
}
