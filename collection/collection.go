package collection

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/bobg/dist"
	"github.com/bobg/dist/graph"
	"github.com/bobg/dist/identity"
	"github.com/bobg/dist/metrics"
)

// Collection is a live view of one identity's index.
// A fresh view is sent on Views after every event from the graph store.
type Collection struct {
	id      *identity.Identity
	sub     *graph.Subscription
	logger  *zap.Logger
	metrics *metrics.Metrics

	out    chan []dist.IndexEntry
	done   chan struct{}
	exited chan struct{}
	once   sync.Once

	cbmu sync.Mutex // held while a Run callback is called
}

type attachConf struct {
	logger  *zap.Logger
	metrics *metrics.Metrics
}

// Option is an option to Attach.
type Option func(*attachConf)

// WithLogger sets the logger of a Collection.
func WithLogger(logger *zap.Logger) Option {
	return func(c *attachConf) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithMetrics sets the metrics of a Collection.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *attachConf) {
		c.metrics = m
	}
}

// Attach subscribes to the index of id.
// It returns dist.ErrNotReady if id is nil
// (no identity has been authenticated yet)
// or if the graph store is closed.
func Attach(ctx context.Context, g graph.Store, id *identity.Identity, opts ...Option) (*Collection, error) {
	if id == nil {
		return nil, errors.Wrap(dist.ErrNotReady, "no identity")
	}
	conf := attachConf{logger: zap.NewNop()}
	for _, opt := range opts {
		opt(&conf)
	}

	parent := id.IndexParent()
	sub, err := g.SubscribeChildren(ctx, parent)
	if errors.Is(err, graph.ErrClosed) {
		return nil, errors.Wrap(dist.ErrNotReady, err.Error())
	}
	if err != nil {
		return nil, errors.Wrapf(err, "subscribing to %s", parent)
	}

	c := &Collection{
		id:      id,
		sub:     sub,
		logger:  conf.logger,
		metrics: conf.metrics,
		out:     make(chan []dist.IndexEntry),
		done:    make(chan struct{}),
		exited:  make(chan struct{}),
	}
	c.metrics.CollectionAttached()
	go c.run()
	return c, nil
}

// Views is the channel of views, newest entry first.
// It is closed when the Collection is closed.
func (c *Collection) Views() <-chan []dist.IndexEntry {
	return c.out
}

// Close detaches c from the graph store and discards its entries.
// Once it returns, nothing further is sent on Views,
// and no callback passed to Run is running or will run again.
// It is safe to call Close more than once
// and from any goroutine,
// except from within a callback passed to Run,
// which must return an error instead.
func (c *Collection) Close() {
	c.once.Do(func() {
		close(c.done)
		c.sub.Close()
	})
	<-c.exited

	// Wait out a callback in progress.
	c.cbmu.Lock()
	c.cbmu.Unlock()
}

// Run calls fn with each view until c is closed or ctx is canceled.
// It runs fn on the calling goroutine.
// If fn returns an error, Run stops and returns it.
// Run closes c before returning.
func (c *Collection) Run(ctx context.Context, fn func([]dist.IndexEntry) error) error {
	defer c.Close()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case view, ok := <-c.out:
			if !ok {
				return nil
			}
			if err := c.dispatch(fn, view); err != nil {
				return err
			}
		}
	}
}

// The check of done and the call of fn are atomic with respect to Close.
func (c *Collection) dispatch(fn func([]dist.IndexEntry) error, view []dist.IndexEntry) error {
	c.cbmu.Lock()
	defer c.cbmu.Unlock()

	select {
	case <-c.done:
		return nil
	default:
	}
	return fn(view)
}

// The Reconciler lives and dies with this goroutine.
func (c *Collection) run() {
	defer close(c.exited)
	defer close(c.out)
	defer c.metrics.CollectionDetached()

	var r Reconciler
	for {
		select {
		case <-c.done:
			return
		case ev, ok := <-c.sub.Events():
			if !ok {
				return
			}
			_, key := graph.Parent(ev.Key)
			view := r.Apply(key, ev.Node)
			if ev.Node == nil {
				c.metrics.RecordCollectionEvent(metrics.Tombstone)
			} else {
				c.metrics.RecordCollectionEvent(metrics.Upsert)
			}
			c.logger.Debug("index event", zap.String("key", key), zap.Bool("removed", ev.Node == nil), zap.Int("entries", len(view)))

			select {
			case <-c.done:
				return
			case c.out <- view:
			}
		}
	}
}

// Load returns the current view of id's index,
// computed by the same reconciliation a Collection performs,
// without subscribing.
func Load(ctx context.Context, b graph.Backend, id *identity.Identity) ([]dist.IndexEntry, error) {
	if id == nil {
		return nil, errors.Wrap(dist.ErrNotReady, "no identity")
	}
	var r Reconciler
	err := b.ListChildren(ctx, id.IndexParent(), func(key string, n graph.Node) error {
		_, name := graph.Parent(key)
		r.Apply(name, n.Fields())
		return nil
	})
	if err != nil {
		return nil, errors.Wrapf(err, "listing %s", id.IndexParent())
	}
	return r.View(), nil
}

// Remove takes the record at addr out of id's index.
// The record itself is untouched.
// Removing an entry that is not there is not an error.
func Remove(ctx context.Context, g graph.Store, id *identity.Identity, addr dist.Address, m *metrics.Metrics) error {
	if id == nil {
		return errors.Wrap(dist.ErrNotReady, "no identity")
	}
	addr, err := dist.ParseAddress(string(addr))
	if err != nil {
		return err
	}
	key := id.IndexKey(addr)
	err = g.Delete(ctx, key)
	if errors.Is(err, graph.ErrClosed) {
		return errors.Wrap(dist.ErrNotReady, err.Error())
	}
	if err != nil {
		return errors.Wrapf(err, "removing %s", key)
	}
	m.RecordRemoval()
	return nil
}
