package graph

import (
	"context"
	"sort"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/bobg/dist"
)

// Sync synchronizes two or more backends.
// It runs ListKeys on all of them.
// For each key,
// the node with the highest state is copied to every backend
// where it is missing or older.
// Subscribers of any Graph wrapping these backends are not notified;
// use Graph.Pull for that.
func Sync(ctx context.Context, backends []Backend) error {
	if len(backends) < 2 {
		return nil
	}

	// Key lists are gathered in full before any writing,
	// so that no backend is written while it is being listed.
	keys := make([][]string, len(backends))
	eg, ctx2 := errgroup.WithContext(ctx)
	for i, b := range backends {
		i, b := i, b
		eg.Go(func() error {
			return b.ListKeys(ctx2, "", func(key string) error {
				keys[i] = append(keys[i], key)
				return nil
			})
		})
	}
	if err := eg.Wait(); err != nil {
		return errors.Wrap(err, "listing keys")
	}

	var all []string
	for _, k := range keys {
		all = append(all, k...)
	}
	sort.Strings(all)

	for i, key := range all {
		if i > 0 && all[i-1] == key {
			continue
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := syncKey(ctx, key, backends); err != nil {
			return err
		}
	}
	return nil
}

func syncKey(ctx context.Context, key string, backends []Backend) error {
	var (
		best      Node
		bestState int64
		nodes     = make([]Node, len(backends))
	)
	for i, b := range backends {
		n, err := b.Get(ctx, key)
		if errors.Is(err, dist.ErrNotFound) {
			continue
		}
		if err != nil {
			return errors.Wrapf(err, "getting %s", key)
		}
		nodes[i] = n
		if best == nil || n.State() > bestState {
			best, bestState = n, n.State()
		}
	}
	if best == nil {
		return nil
	}
	for i, b := range backends {
		if nodes[i] != nil && nodes[i].State() >= bestState {
			continue
		}
		if err := b.Put(ctx, key, best); err != nil {
			return errors.Wrapf(err, "storing %s", key)
		}
	}
	return nil
}
