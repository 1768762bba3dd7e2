package graph_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/pkg/errors"

	"github.com/bobg/dist"
	"github.com/bobg/dist/graph"
	"github.com/bobg/dist/graph/mem"
)

func recv(t *testing.T, s *graph.Subscription) graph.Event {
	t.Helper()
	select {
	case ev, ok := <-s.Events():
		if !ok {
			t.Fatal("subscription closed unexpectedly")
		}
		return ev
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for event")
	}
	return graph.Event{}
}

func expectNone(t *testing.T, s *graph.Subscription) {
	t.Helper()
	select {
	case ev, ok := <-s.Events():
		if ok {
			t.Fatalf("got unexpected event %+v", ev)
		}
	case <-time.After(50 * time.Millisecond):
	}
}

func TestPutMerge(t *testing.T) {
	ctx := context.Background()
	g := graph.New(mem.New())
	defer g.Close()

	if _, err := g.Get(ctx, "k"); !errors.Is(err, dist.ErrNotFound) {
		t.Fatalf("got error %v, want ErrNotFound", err)
	}
	if err := g.Put(ctx, "k", graph.Node{"a": "1", "b": "2"}); err != nil {
		t.Fatal(err)
	}
	if err := g.Put(ctx, "k", graph.Node{"b": "3", "a": nil, "c": "4"}); err != nil {
		t.Fatal(err)
	}
	got, err := g.Get(ctx, "k")
	if err != nil {
		t.Fatal(err)
	}
	want := graph.Node{"b": "3", "c": "4"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("mismatch (-want +got):\n%s", diff)
	}

	if err = g.Delete(ctx, "k"); err != nil {
		t.Fatal(err)
	}
	if _, err = g.Get(ctx, "k"); !errors.Is(err, dist.ErrNotFound) {
		t.Errorf("got error %v after delete, want ErrNotFound", err)
	}

	// A put after a tombstone starts fresh.
	if err = g.Put(ctx, "k", graph.Node{"d": "5"}); err != nil {
		t.Fatal(err)
	}
	got, err = g.Get(ctx, "k")
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(graph.Node{"d": "5"}, got); diff != "" {
		t.Errorf("mismatch (-want +got):\n%s", diff)
	}
}

func TestStatesIncrease(t *testing.T) {
	ctx := context.Background()
	b := mem.New()
	fixed := time.Unix(1000, 0)
	g := graph.New(b, graph.WithClock(func() time.Time { return fixed }))
	defer g.Close()

	var last int64
	for i := 0; i < 3; i++ {
		if err := g.Put(ctx, "k", graph.Node{"i": i}); err != nil {
			t.Fatal(err)
		}
		n, err := b.Get(ctx, "k")
		if err != nil {
			t.Fatal(err)
		}
		if n.State() <= last {
			t.Errorf("state %d did not increase past %d", n.State(), last)
		}
		last = n.State()
	}
}

func TestSubscribe(t *testing.T) {
	ctx := context.Background()
	g := graph.New(mem.New())
	defer g.Close()

	s, err := g.Subscribe(ctx, "k")
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	if ev := recv(t, s); ev.Key != "k" || ev.Node != nil {
		t.Errorf("got initial event %+v, want absent node", ev)
	}

	if err = g.Put(ctx, "k", graph.Node{"a": "1"}); err != nil {
		t.Fatal(err)
	}
	if err = g.Put(ctx, "other", graph.Node{"a": "1"}); err != nil {
		t.Fatal(err)
	}
	if err = g.Put(ctx, "k", graph.Node{"a": "2"}); err != nil {
		t.Fatal(err)
	}
	if err = g.Delete(ctx, "k"); err != nil {
		t.Fatal(err)
	}

	if ev := recv(t, s); ev.Node["a"] != "1" {
		t.Errorf("got %+v, want a=1", ev)
	}
	if ev := recv(t, s); ev.Node["a"] != "2" {
		t.Errorf("got %+v, want a=2", ev)
	}
	if ev := recv(t, s); ev.Node != nil {
		t.Errorf("got %+v, want tombstone", ev)
	}
	expectNone(t, s)
}

func TestSubscribeChildren(t *testing.T) {
	ctx := context.Background()
	g := graph.New(mem.New())
	defer g.Close()

	if err := g.Put(ctx, "p/k1", graph.Node{"id": "1"}); err != nil {
		t.Fatal(err)
	}
	if err := g.Put(ctx, "p/k1/deeper", graph.Node{"id": "x"}); err != nil {
		t.Fatal(err)
	}

	s, err := g.SubscribeChildren(ctx, "p")
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	if ev := recv(t, s); ev.Key != "p/k1" || ev.Node["id"] != "1" {
		t.Errorf("got initial event %+v", ev)
	}

	if err = g.Put(ctx, "p/k2", graph.Node{"id": "2"}); err != nil {
		t.Fatal(err)
	}
	if err = g.Put(ctx, "q/k3", graph.Node{"id": "3"}); err != nil {
		t.Fatal(err)
	}
	if err = g.Delete(ctx, "p/k1"); err != nil {
		t.Fatal(err)
	}

	if ev := recv(t, s); ev.Key != "p/k2" {
		t.Errorf("got %+v, want p/k2", ev)
	}
	if ev := recv(t, s); ev.Key != "p/k1" || ev.Node != nil {
		t.Errorf("got %+v, want tombstone of p/k1", ev)
	}
	expectNone(t, s)
}

func TestCloseDiscards(t *testing.T) {
	ctx := context.Background()
	g := graph.New(mem.New())
	defer g.Close()

	s, err := g.Subscribe(ctx, "k")
	if err != nil {
		t.Fatal(err)
	}
	// Queue up events without reading them.
	for i := 0; i < 10; i++ {
		if err = g.Put(ctx, "k", graph.Node{"i": i}); err != nil {
			t.Fatal(err)
		}
	}
	s.Close()

	for range s.Events() {
		t.Fatal("got an event after Close")
	}

	// Closing twice is harmless, and writes after close go nowhere.
	s.Close()
	if err = g.Put(ctx, "k", graph.Node{"i": "after"}); err != nil {
		t.Fatal(err)
	}
}

func TestCloseFromReader(t *testing.T) {
	ctx := context.Background()
	g := graph.New(mem.New())
	defer g.Close()

	s, err := g.Subscribe(ctx, "k")
	if err != nil {
		t.Fatal(err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for range s.Events() {
			s.Close()
		}
	}()

	for i := 0; i < 5; i++ {
		if err = g.Put(ctx, "k", graph.Node{"i": i}); err != nil {
			t.Fatal(err)
		}
	}

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("reader never finished")
	}
}

func TestGraphClose(t *testing.T) {
	ctx := context.Background()
	g := graph.New(mem.New())

	s, err := g.SubscribeChildren(ctx, "p")
	if err != nil {
		t.Fatal(err)
	}
	if err = g.Close(); err != nil {
		t.Fatal(err)
	}
	for range s.Events() {
	}
	if err = g.Put(ctx, "p/k", graph.Node{"a": "1"}); !errors.Is(err, graph.ErrClosed) {
		t.Errorf("got error %v, want ErrClosed", err)
	}
	if _, err = g.Subscribe(ctx, "k"); !errors.Is(err, graph.ErrClosed) {
		t.Errorf("got error %v, want ErrClosed", err)
	}
}

func TestIngest(t *testing.T) {
	ctx := context.Background()
	g := graph.New(mem.New())
	defer g.Close()

	s, err := g.Subscribe(ctx, "k")
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	recv(t, s)

	ok, err := g.Ingest(ctx, "k", graph.Node{"a": "new"}.WithMeta("k", 10))
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Error("newer node was not ingested")
	}
	if ev := recv(t, s); ev.Node["a"] != "new" {
		t.Errorf("got %+v, want a=new", ev)
	}

	ok, err = g.Ingest(ctx, "k", graph.Node{"a": "old"}.WithMeta("k", 5))
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Error("older node was ingested")
	}
	expectNone(t, s)
}

func TestPull(t *testing.T) {
	ctx := context.Background()
	peer := mem.New()
	for i, key := range []string{"a", "b/c"} {
		if err := peer.Put(ctx, key, graph.Node{"v": key}.WithMeta(key, int64(i+1))); err != nil {
			t.Fatal(err)
		}
	}

	g := graph.New(mem.New())
	defer g.Close()

	n, err := g.Pull(ctx, peer)
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Errorf("pulled %d nodes, want 2", n)
	}
	if n, err = g.Pull(ctx, peer); err != nil || n != 0 {
		t.Errorf("second pull: got %d, %v; want 0, nil", n, err)
	}
}

func TestSync(t *testing.T) {
	ctx := context.Background()
	var (
		b1 = mem.New()
		b2 = mem.New()
		b3 = mem.New()
	)
	put := func(b graph.Backend, key, v string, state int64) {
		t.Helper()
		if err := b.Put(ctx, key, graph.Node{"v": v}.WithMeta(key, state)); err != nil {
			t.Fatal(err)
		}
	}
	put(b1, "x", "old", 1)
	put(b2, "x", "new", 2)
	put(b3, "y", "only", 1)

	if err := graph.Sync(ctx, []graph.Backend{b1, b2, b3}); err != nil {
		t.Fatal(err)
	}

	for i, b := range []graph.Backend{b1, b2, b3} {
		x, err := b.Get(ctx, "x")
		if err != nil {
			t.Fatalf("backend %d: %s", i, err)
		}
		if x["v"] != "new" {
			t.Errorf("backend %d: got x=%v, want new", i, x["v"])
		}
		if _, err = b.Get(ctx, "y"); err != nil {
			t.Errorf("backend %d: %s", i, err)
		}
	}
}

func TestKeys(t *testing.T) {
	cases := []struct {
		key, parent, name string
	}{
		{key: "abc", parent: "", name: "abc"},
		{key: "~pub/dists/abc", parent: "~pub/dists", name: "abc"},
		{key: "~@alias", parent: "", name: "~@alias"},
	}
	for _, tc := range cases {
		parent, name := graph.Parent(tc.key)
		if parent != tc.parent || name != tc.name {
			t.Errorf("Parent(%q) = %q, %q; want %q, %q", tc.key, parent, name, tc.parent, tc.name)
		}
		if !graph.IsChild(tc.parent, tc.key) {
			t.Errorf("IsChild(%q, %q) is false", tc.parent, tc.key)
		}
	}
	if graph.IsChild("~pub/dists", "~pub/dists/a/b") {
		t.Error("grandchild counted as child")
	}
	if got := graph.Join("~pub", "dists", "abc"); got != "~pub/dists/abc" {
		t.Errorf("got %q", got)
	}
}
