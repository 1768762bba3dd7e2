package records

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"

	"github.com/bobg/dist"
	"github.com/bobg/dist/graph"
)

// State is the state of a Watcher.
type State int32

// Watcher states.
const (
	Subscribing State = iota // no delivery yet
	Delivering               // last delivery was a verified record
	NotFound                 // last delivery was absent or failed verification
	Closed
)

func (s State) String() string {
	switch s {
	case Subscribing:
		return "subscribing"
	case Delivering:
		return "delivering"
	case NotFound:
		return "not found"
	case Closed:
		return "closed"
	}
	return "unknown"
}

// Watcher is a live subscription to the record at one address.
//
// Each delivery from the graph store is verified before it is passed on.
// A nil *dist.Record on Updates means the record is absent
// or its content failed verification;
// a later delivery may still produce a valid record.
type Watcher struct {
	s    *Service
	addr dist.Address
	sub  *graph.Subscription

	out    chan *dist.Record
	done   chan struct{}
	exited chan struct{}
	once   sync.Once
	state  int32

	cbmu sync.Mutex // held while a Run callback is called
}

// Watch starts watching the record at addr.
// It returns dist.ErrInvalidAddress if addr is malformed
// and dist.ErrNotReady if the graph store is closed.
func (s *Service) Watch(ctx context.Context, addr dist.Address) (*Watcher, error) {
	addr, err := dist.ParseAddress(string(addr))
	if err != nil {
		return nil, err
	}

	sub, err := s.g.Subscribe(ctx, string(addr))
	if errors.Is(err, graph.ErrClosed) {
		return nil, errors.Wrap(dist.ErrNotReady, err.Error())
	}
	if err != nil {
		return nil, errors.Wrapf(err, "subscribing to %s", addr)
	}

	w := &Watcher{
		s:      s,
		addr:   addr,
		sub:    sub,
		out:    make(chan *dist.Record),
		done:   make(chan struct{}),
		exited: make(chan struct{}),
	}
	s.metrics.WatcherOpened()
	go w.run()
	return w, nil
}

// Address is the address being watched.
func (w *Watcher) Address() dist.Address {
	return w.addr
}

// Updates is the channel of verified deliveries, in arrival order.
// It is closed when the Watcher is closed.
func (w *Watcher) Updates() <-chan *dist.Record {
	return w.out
}

// State is the current state of w.
func (w *Watcher) State() State {
	return State(atomic.LoadInt32(&w.state))
}

// Close stops w.
// Once it returns, nothing further is sent on Updates,
// including the result of any verification that was in progress,
// and no callback passed to Run is running or will run again.
// It is safe to call Close more than once
// and from any goroutine,
// except from within a callback passed to Run,
// which must return an error instead.
func (w *Watcher) Close() {
	w.once.Do(func() {
		close(w.done)
		w.sub.Close()
	})
	<-w.exited

	// Wait out a callback in progress.
	w.cbmu.Lock()
	w.cbmu.Unlock()
}

// Run calls fn with each update until w is closed or ctx is canceled.
// It runs fn on the calling goroutine.
// If fn returns an error, Run stops and returns it.
// Run closes w before returning.
func (w *Watcher) Run(ctx context.Context, fn func(*dist.Record) error) error {
	defer w.Close()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case rec, ok := <-w.out:
			if !ok {
				return nil
			}
			if err := w.dispatch(fn, rec); err != nil {
				return err
			}
		}
	}
}

// The check of done and the call of fn are atomic with respect to Close.
func (w *Watcher) dispatch(fn func(*dist.Record) error, rec *dist.Record) error {
	w.cbmu.Lock()
	defer w.cbmu.Unlock()

	select {
	case <-w.done:
		return nil
	default:
	}
	return fn(rec)
}

// Deliveries are processed one at a time, in order.
// The watcher is Closed once run exits,
// whether by Close or because the graph store closed.
func (w *Watcher) run() {
	defer close(w.exited)
	defer close(w.out)
	defer w.s.metrics.WatcherClosed()
	defer atomic.StoreInt32(&w.state, int32(Closed))

	for {
		select {
		case <-w.done:
			return
		case ev, ok := <-w.sub.Events():
			if !ok {
				return
			}
			rec, result := w.s.verify(w.addr, ev.Node)

			select {
			case <-w.done:
				return
			default:
			}
			w.s.metrics.RecordDelivery(result)
			if rec != nil {
				atomic.StoreInt32(&w.state, int32(Delivering))
			} else {
				atomic.StoreInt32(&w.state, int32(NotFound))
			}

			select {
			case <-w.done:
				return
			case w.out <- rec:
			}
		}
	}
}
