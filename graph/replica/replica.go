// Package replica implements a graph backend that replicates writes across nested backends.
package replica

import (
	"context"
	"sort"
	"sync"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/bobg/dist"
	"github.com/bobg/dist/graph"
)

var _ graph.Backend = (*Backend)(nil)

// Backend is a graph backend that delegates reads and writes to two sets of nested backends.
// One set is synchronous:
// writes to all of these must succeed before a call to Put returns,
// and an error from any will cause Put to fail.
// The other set is asynchronous:
// a call to Put queues writes on these backends but does not wait for them to finish.
// However, if any asynchronous write encounters an error,
// the whole Backend is put into an error state and further operations will fail.
//
// Reads consult only the synchronous backends.
// When they disagree about a node, the one with the highest state wins.
type Backend struct {
	sync   []graph.Backend
	async  []chan<- write
	cancel context.CancelFunc

	mu  sync.Mutex // protects err
	err error      // the error from an async goroutine, if any
}

type write struct {
	key  string
	node graph.Node
}

// New produces a new Backend.
// The set of synchronous backends must be non-empty.
// The set of asynchronous backends may be empty.
// If there are any asynchronous backends,
// goroutines are launched for them,
// and canceling the given context object causes those to exit,
// placing the Backend in an error state.
//
// Normally, writes to asynchronous backends do not block calls to Put,
// but the queue for each nested backend has a fixed length given by n,
// which must be 1 or greater.
// If any async backend falls too far behind,
// Put will block until all requests can be queued.
func New(ctx context.Context, sync []graph.Backend, async []graph.Backend, n int) *Backend {
	result := &Backend{sync: sync}

	if len(async) > 0 {
		ctx, result.cancel = context.WithCancel(ctx)
		for _, a := range async {
			ch := make(chan write, n)
			result.async = append(result.async, ch)
			go result.runAsync(ctx, a, ch)
		}
	}

	return result
}

// Runs as a goroutine until ctx is canceled or an error occurs.
func (b *Backend) runAsync(ctx context.Context, backend graph.Backend, writes <-chan write) {
	for {
		select {
		case <-ctx.Done():
			b.setErr(ctx.Err())
			return

		case w := <-writes:
			if err := backend.Put(ctx, w.key, w.node); err != nil {
				b.setErr(err)
				b.cancel()
				return
			}
		}
	}
}

func (b *Backend) setErr(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.err == nil {
		b.err = err
	}
}

func (b *Backend) checkErr() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return errors.Wrap(b.err, "in async-backend goroutine")
}

// Put implements graph.Backend.Put.
// The node is stored in all synchronous nested backends.
// An error from any of them causes Put to return an error.
//
// A request to write the node is queued for any asynchronous nested backends.
// Normally this does not block the call to Put,
// but if any async backend falls too far behind,
// Put must wait for space to open in its request queue before proceeding.
// The size of this queue is given by the int passed to New.
func (b *Backend) Put(ctx context.Context, key string, node graph.Node) error {
	if err := b.checkErr(); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, backend := range b.sync {
		backend := backend
		g.Go(func() error {
			return backend.Put(gctx, key, node.Clone())
		})
	}

	for _, ch := range b.async {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ch <- write{key: key, node: node.Clone()}:
		}
	}

	return g.Wait()
}

// Get implements graph.Backend.Get.
// It delegates the request to all of the synchronous backends in b
// and returns the node with the highest state.
// If none has the node, it returns dist.ErrNotFound.
func (b *Backend) Get(ctx context.Context, key string) (graph.Node, error) {
	if err := b.checkErr(); err != nil {
		return nil, err
	}

	nodes := make([]graph.Node, len(b.sync))
	g, gctx := errgroup.WithContext(ctx)
	for i, backend := range b.sync {
		i, backend := i, backend
		g.Go(func() error {
			n, err := backend.Get(gctx, key)
			if errors.Is(err, dist.ErrNotFound) {
				return nil
			}
			nodes[i] = n
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var best graph.Node
	for _, n := range nodes {
		if n != nil && (best == nil || n.State() > best.State()) {
			best = n
		}
	}
	if best == nil {
		return nil, dist.ErrNotFound
	}
	return best, nil
}

// ListChildren implements graph.Backend.ListChildren.
// It synthesizes the result from the union of the synchronous backends' children,
// choosing the node with the highest state for each key.
func (b *Backend) ListChildren(ctx context.Context, parent string, f func(string, graph.Node) error) error {
	if err := b.checkErr(); err != nil {
		return err
	}

	var (
		mu       sync.Mutex
		children = make(map[string]graph.Node)
	)
	g, gctx := errgroup.WithContext(ctx)
	for _, backend := range b.sync {
		backend := backend
		g.Go(func() error {
			return backend.ListChildren(gctx, parent, func(key string, n graph.Node) error {
				mu.Lock()
				defer mu.Unlock()
				if prev, ok := children[key]; !ok || n.State() > prev.State() {
					children[key] = n
				}
				return nil
			})
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	keys := make([]string, 0, len(children))
	for k := range children {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if err := f(k, children[k]); err != nil {
			return err
		}
	}
	return nil
}

// ListKeys implements graph.Backend.ListKeys.
// It synthesizes the result from the union of the synchronous backends' keys.
func (b *Backend) ListKeys(ctx context.Context, start string, f func(string) error) error {
	if err := b.checkErr(); err != nil {
		return err
	}

	var (
		mu   sync.Mutex
		keys = make(map[string]struct{})
	)
	g, gctx := errgroup.WithContext(ctx)
	for _, backend := range b.sync {
		backend := backend
		g.Go(func() error {
			return backend.ListKeys(gctx, start, func(key string) error {
				mu.Lock()
				keys[key] = struct{}{}
				mu.Unlock()
				return nil
			})
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	sorted := make([]string, 0, len(keys))
	for k := range keys {
		sorted = append(sorted, k)
	}
	sort.Strings(sorted)
	for _, k := range sorted {
		if err := f(k); err != nil {
			return err
		}
	}
	return nil
}

func init() {
	graph.Register("replica", func(ctx context.Context, conf map[string]interface{}) (graph.Backend, error) {
		syncBackends, err := nestedList(ctx, conf, "sync")
		if err != nil {
			return nil, err
		}
		if len(syncBackends) == 0 {
			return nil, errors.New(`missing "sync" parameter`)
		}
		asyncBackends, err := nestedList(ctx, conf, "async")
		if err != nil {
			return nil, err
		}

		queueLen, ok := dist.Int64(conf["queuelen"])
		if !ok || queueLen < 1 {
			queueLen = 10
		}

		return New(ctx, syncBackends, asyncBackends, int(queueLen)), nil
	})
}

func nestedList(ctx context.Context, conf map[string]interface{}, param string) ([]graph.Backend, error) {
	items, _ := conf[param].([]interface{})
	var result []graph.Backend
	for i, item := range items {
		nested, ok := item.(map[string]interface{})
		if !ok {
			return nil, errors.Errorf("%s item %d is not a mapping", param, i)
		}
		b, err := graph.CreateFromConf(ctx, nested)
		if err != nil {
			return nil, errors.Wrapf(err, "creating nested %s backend %d", param, i)
		}
		result = append(result, b)
	}
	return result, nil
}
