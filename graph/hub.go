package graph

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/bobg/dist"
)

// Graph is a graph store:
// a Backend plus field merging and live subscriptions.
// It is safe for concurrent use.
type Graph struct {
	b      Backend
	logger *zap.Logger
	now    func() time.Time

	mu        sync.Mutex
	closed    bool
	nodeSubs  map[string]map[*Subscription]struct{}
	childSubs map[string]map[*Subscription]struct{}
}

// Option is an option to New.
type Option func(*Graph)

// WithLogger sets the logger of a Graph.
func WithLogger(logger *zap.Logger) Option {
	return func(g *Graph) {
		if logger != nil {
			g.logger = logger
		}
	}
}

// WithClock sets the clock a Graph uses to assign states.
func WithClock(now func() time.Time) Option {
	return func(g *Graph) {
		g.now = now
	}
}

// New produces a new Graph storing its nodes in b.
func New(b Backend, opts ...Option) *Graph {
	g := &Graph{
		b:         b,
		logger:    zap.NewNop(),
		now:       time.Now,
		nodeSubs:  make(map[string]map[*Subscription]struct{}),
		childSubs: make(map[string]map[*Subscription]struct{}),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Backend returns the Backend beneath g.
func (g *Graph) Backend() Backend {
	return g.b
}

// Get returns the fields of the node at key.
// It returns dist.ErrNotFound if the node is absent or tombstoned.
func (g *Graph) Get(ctx context.Context, key string) (Node, error) {
	if g.isClosed() {
		return nil, ErrClosed
	}
	n, err := g.b.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	if n.IsTombstone() {
		return nil, dist.ErrNotFound
	}
	return n.Fields(), nil
}

// Put merges fields into the node at key,
// creating it if necessary.
// A field whose value is nil is removed from the node.
// Subscribers to the node and to its parent are notified.
func (g *Graph) Put(ctx context.Context, key string, fields Node) error {
	if len(fields) == 0 {
		return errors.New("no fields to put")
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if g.closed {
		return ErrClosed
	}

	old, err := g.b.Get(ctx, key)
	if err != nil && !errors.Is(err, dist.ErrNotFound) {
		return errors.Wrapf(err, "reading %s", key)
	}

	merged := old.Fields()
	if merged == nil {
		merged = make(Node, len(fields))
	}
	for k, v := range fields {
		if k == MetaKey {
			continue
		}
		if v == nil {
			delete(merged, k)
		} else {
			merged[k] = v
		}
	}

	return g.write(ctx, key, merged.WithMeta(key, g.nextState(old)))
}

// Delete tombstones the node at key.
// Subscribers to the node and to its parent are notified.
func (g *Graph) Delete(ctx context.Context, key string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.closed {
		return ErrClosed
	}

	old, err := g.b.Get(ctx, key)
	if errors.Is(err, dist.ErrNotFound) {
		old = nil
	} else if err != nil {
		return errors.Wrapf(err, "reading %s", key)
	}

	return g.write(ctx, key, Node(nil).WithMeta(key, g.nextState(old)))
}

// Ingest stores a node that arrived from a peer,
// metadata included,
// if it is newer than the node already at key.
// It reports whether the node was stored.
// Subscribers are notified of stored nodes
// exactly as for local writes.
func (g *Graph) Ingest(ctx context.Context, key string, node Node) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.closed {
		return false, ErrClosed
	}

	old, err := g.b.Get(ctx, key)
	if errors.Is(err, dist.ErrNotFound) {
		old = nil
	} else if err != nil {
		return false, errors.Wrapf(err, "reading %s", key)
	}
	if old != nil && old.State() >= node.State() {
		return false, nil
	}

	return true, g.write(ctx, key, node.Fields().WithMeta(key, node.State()))
}

// Pull ingests every node in peer that is newer than g's copy.
// It returns the number of nodes ingested.
func (g *Graph) Pull(ctx context.Context, peer Backend) (int, error) {
	var keys []string
	err := peer.ListKeys(ctx, "", func(key string) error {
		keys = append(keys, key)
		return nil
	})
	if err != nil {
		return 0, errors.Wrap(err, "listing peer keys")
	}

	var n int
	for _, key := range keys {
		node, err := peer.Get(ctx, key)
		if errors.Is(err, dist.ErrNotFound) {
			continue
		}
		if err != nil {
			return n, errors.Wrapf(err, "getting %s from peer", key)
		}
		ok, err := g.Ingest(ctx, key, node)
		if err != nil {
			return n, err
		}
		if ok {
			n++
		}
	}
	return n, nil
}

// Caller must obtain a lock.
func (g *Graph) write(ctx context.Context, key string, node Node) error {
	if err := g.b.Put(ctx, key, node); err != nil {
		return errors.Wrapf(err, "storing %s", key)
	}
	g.logger.Debug("wrote node", zap.String("key", key), zap.Int64("state", node.State()), zap.Bool("tombstone", node.IsTombstone()))
	g.notify(key, node)
	return nil
}

// Caller must obtain a lock.
func (g *Graph) notify(key string, node Node) {
	for s := range g.nodeSubs[key] {
		s.deliver(Event{Key: key, Node: node.Fields()})
	}
	parent, _ := Parent(key)
	for s := range g.childSubs[parent] {
		s.deliver(Event{Key: key, Node: node.Fields()})
	}
}

// States increase strictly per node even if the clock does not.
func (g *Graph) nextState(old Node) int64 {
	state := g.now().UnixNano() / int64(time.Millisecond)
	if prev := old.State(); state <= prev {
		state = prev + 1
	}
	return state
}

// Subscribe subscribes to the node at key.
// The first event describes the node's current state
// (with a nil Node if it is absent or tombstoned);
// subsequent events describe each change to it.
func (g *Graph) Subscribe(ctx context.Context, key string) (*Subscription, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.closed {
		return nil, ErrClosed
	}

	n, err := g.b.Get(ctx, key)
	if err != nil && !errors.Is(err, dist.ErrNotFound) {
		return nil, errors.Wrapf(err, "reading %s", key)
	}

	s := g.register(g.nodeSubs, key)
	s.deliver(Event{Key: key, Node: n.Fields()})
	return s, nil
}

// SubscribeChildren subscribes to the direct children of parent.
// The first events describe each existing child, tombstones included;
// subsequent events describe each change to any child.
func (g *Graph) SubscribeChildren(ctx context.Context, parent string) (*Subscription, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.closed {
		return nil, ErrClosed
	}

	var initial []Event
	err := g.b.ListChildren(ctx, parent, func(key string, n Node) error {
		initial = append(initial, Event{Key: key, Node: n.Fields()})
		return nil
	})
	if err != nil {
		return nil, errors.Wrapf(err, "listing children of %s", parent)
	}

	s := g.register(g.childSubs, parent)
	for _, ev := range initial {
		s.deliver(ev)
	}
	return s, nil
}

// Caller must obtain a lock.
func (g *Graph) register(subs map[string]map[*Subscription]struct{}, key string) *Subscription {
	var s *Subscription
	s = newSubscription(func() {
		g.mu.Lock()
		defer g.mu.Unlock()
		delete(subs[key], s)
		if len(subs[key]) == 0 {
			delete(subs, key)
		}
	})
	if subs[key] == nil {
		subs[key] = make(map[*Subscription]struct{})
	}
	subs[key][s] = struct{}{}
	return s
}

// Close closes every open subscription
// and makes further operations on g fail with ErrClosed.
// It does not close the Backend.
func (g *Graph) Close() error {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return nil
	}
	g.closed = true
	var subs []*Subscription
	for _, m := range []map[string]map[*Subscription]struct{}{g.nodeSubs, g.childSubs} {
		for _, set := range m {
			for s := range set {
				subs = append(subs, s)
			}
		}
	}
	g.mu.Unlock()

	for _, s := range subs {
		s.Close()
	}
	return nil
}

func (g *Graph) isClosed() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.closed
}
