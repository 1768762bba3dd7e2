package graph

import "sync"

// Subscription is a stream of Events for a node or for the children of a node.
//
// Events are queued without bound,
// so a slow reader never blocks writers to the graph.
// Once Close returns,
// no further event is delivered
// and the Events channel is closed.
type Subscription struct {
	out     chan Event
	wake    chan struct{}
	done    chan struct{}
	exited  chan struct{}
	once    sync.Once
	release func()

	mu    sync.Mutex
	queue []Event
}

func newSubscription(release func()) *Subscription {
	s := &Subscription{
		out:     make(chan Event),
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
		exited:  make(chan struct{}),
		release: release,
	}
	go s.pump()
	return s
}

// Events is the channel on which events arrive, in the order they happened.
// It is closed when the subscription ends.
func (s *Subscription) Events() <-chan Event {
	return s.out
}

// Close ends the subscription.
// Events still queued are discarded.
// It is safe to call Close more than once,
// and from any goroutine,
// including one that is reading from Events.
func (s *Subscription) Close() {
	s.once.Do(func() {
		if s.release != nil {
			s.release()
		}
		close(s.done)
	})
	<-s.exited
}

// Never blocks.
func (s *Subscription) deliver(ev Event) {
	s.mu.Lock()
	s.queue = append(s.queue, ev)
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// The pump is the only goroutine that sends on s.out.
func (s *Subscription) pump() {
	defer close(s.exited)
	defer close(s.out)

	for {
		select {
		case <-s.done:
			return
		case <-s.wake:
		}

		for {
			ev, ok := s.next()
			if !ok {
				break
			}
			select {
			case <-s.done:
				return
			case s.out <- ev:
			}
		}
	}
}

func (s *Subscription) next() (Event, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.queue) == 0 {
		return Event{}, false
	}
	ev := s.queue[0]
	s.queue[0] = Event{}
	s.queue = s.queue[1:]
	return ev, true
}
