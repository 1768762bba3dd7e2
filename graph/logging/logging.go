// Package logging implements a graph backend that delegates everything to a nested backend,
// logging operations as they happen.
package logging

import (
	"context"

	"go.uber.org/zap"

	"github.com/bobg/dist/graph"
)

var _ graph.Backend = &Backend{}

// Backend is a graph backend that logs each operation on a nested backend.
type Backend struct {
	b      graph.Backend
	logger *zap.Logger
}

// New produces a new Backend logging operations on `b` to `logger`.
func New(b graph.Backend, logger *zap.Logger) *Backend {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Backend{b: b, logger: logger}
}

// Get implements graph.Backend.Get.
func (b *Backend) Get(ctx context.Context, key string) (graph.Node, error) {
	n, err := b.b.Get(ctx, key)
	if err != nil {
		b.logger.Info("Get", zap.String("key", key), zap.Error(err))
	} else {
		b.logger.Info("Get", zap.String("key", key), zap.Int64("state", n.State()))
	}
	return n, err
}

// Put implements graph.Backend.Put.
func (b *Backend) Put(ctx context.Context, key string, node graph.Node) error {
	err := b.b.Put(ctx, key, node)
	if err != nil {
		b.logger.Error("Put", zap.String("key", key), zap.Error(err))
	} else {
		b.logger.Info("Put", zap.String("key", key), zap.Int64("state", node.State()), zap.Bool("tombstone", node.IsTombstone()))
	}
	return err
}

// ListChildren implements graph.Backend.ListChildren.
func (b *Backend) ListChildren(ctx context.Context, parent string, f func(string, graph.Node) error) error {
	b.logger.Info("ListChildren", zap.String("parent", parent))
	return b.b.ListChildren(ctx, parent, func(key string, n graph.Node) error {
		err := f(key, n)
		if err != nil {
			b.logger.Error("in ListChildren", zap.String("key", key), zap.Error(err))
		} else {
			b.logger.Debug("ListChildren", zap.String("key", key))
		}
		return err
	})
}

// ListKeys implements graph.Backend.ListKeys.
func (b *Backend) ListKeys(ctx context.Context, start string, f func(string) error) error {
	b.logger.Info("ListKeys", zap.String("start", start))
	return b.b.ListKeys(ctx, start, func(key string) error {
		err := f(key)
		if err != nil {
			b.logger.Error("in ListKeys", zap.String("key", key), zap.Error(err))
		} else {
			b.logger.Debug("ListKeys", zap.String("key", key))
		}
		return err
	})
}

func init() {
	graph.Register("logging", func(ctx context.Context, conf map[string]interface{}) (graph.Backend, error) {
		nested, err := graph.Nested(ctx, conf, "nested")
		if err != nil {
			return nil, err
		}
		logger, err := zap.NewProduction()
		if err != nil {
			return nil, err
		}
		return New(nested, logger.Named("graph")), nil
	})
}
