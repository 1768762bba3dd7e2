package collection

import (
	"context"
	"math/rand"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/bobg/dist"
	"github.com/bobg/dist/graph"
	"github.com/bobg/dist/graph/mem"
	"github.com/bobg/dist/identity"
	"github.com/bobg/dist/metrics"
)

func entry(addr string, createdAt int64) graph.Node {
	return graph.Node{
		dist.FieldID:          addr,
		dist.FieldDescription: "d-" + addr,
		dist.FieldCreatedAt:   createdAt,
		dist.FieldFilename:    "f",
	}
}

func keys(view []dist.IndexEntry) []string {
	var result []string
	for _, e := range view {
		result = append(result, e.EntryKey)
	}
	return result
}

func TestReconcilerOrdering(t *testing.T) {
	var r Reconciler
	r.Apply("k1", entry("k1", 100))
	view := r.Apply("k2", entry("k2", 200))
	if diff := cmp.Diff([]string{"k2", "k1"}, keys(view)); diff != "" {
		t.Errorf("mismatch (-want +got):\n%s", diff)
	}
	if view[0].Description != "d-k2" || view[0].FilenamePreview != "f" {
		t.Errorf("got %+v", view[0])
	}
}

func TestReconcilerIdempotent(t *testing.T) {
	var r Reconciler
	first := r.Apply("k1", entry("k1", 100))
	second := r.Apply("k1", entry("k1", 100))
	if diff := cmp.Diff(first, second); diff != "" {
		t.Errorf("mismatch (-first +second):\n%s", diff)
	}
	if r.Len() != 1 {
		t.Errorf("got %d entries, want 1", r.Len())
	}
}

func TestReconcilerSameKeyOverwrite(t *testing.T) {
	const key = "k1"
	v1 := graph.Node{
		dist.FieldID:          key,
		dist.FieldDescription: "one",
		dist.FieldCreatedAt:   int64(100),
		dist.FieldFilename:    "first.txt",
	}
	v2 := graph.Node{
		dist.FieldID:          key,
		dist.FieldDescription: "two",
		dist.FieldCreatedAt:   int64(200),
		dist.FieldFilename:    "second.txt",
	}

	var both Reconciler
	both.Apply(key, v1)
	got := both.Apply(key, v2)

	var last Reconciler
	want := last.Apply(key, v2)

	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("mismatch (-latest only +both):\n%s", diff)
	}
	wantEntry := dist.IndexEntry{
		EntryKey:        key,
		Address:         key,
		Description:     "two",
		CreatedAt:       200,
		FilenamePreview: "second.txt",
	}
	if diff := cmp.Diff([]dist.IndexEntry{wantEntry}, got); diff != "" {
		t.Errorf("mismatch (-want +got):\n%s", diff)
	}
}

func TestReconcilerTombstones(t *testing.T) {
	var r Reconciler

	// Removing what was never there is fine.
	if view := r.Apply("nope", nil); len(view) != 0 {
		t.Errorf("got %v", view)
	}

	r.Apply("k1", entry("k1", 100))
	r.Apply("k2", entry("k2", 200))
	view := r.Apply("k1", nil)
	if diff := cmp.Diff([]string{"k2"}, keys(view)); diff != "" {
		t.Errorf("mismatch (-want +got):\n%s", diff)
	}

	// Re-added after removal.
	view = r.Apply("k1", entry("k1", 300))
	if diff := cmp.Diff([]string{"k1", "k2"}, keys(view)); diff != "" {
		t.Errorf("mismatch (-want +got):\n%s", diff)
	}
}

func TestReconcilerDefaults(t *testing.T) {
	var r Reconciler
	view := r.Apply("abc", graph.Node{"junk": true})
	want := []dist.IndexEntry{{EntryKey: "abc", Address: "abc"}}
	if diff := cmp.Diff(want, view); diff != "" {
		t.Errorf("mismatch (-want +got):\n%s", diff)
	}
}

func TestReconcilerOutOfOrder(t *testing.T) {
	type event struct {
		key  string
		node graph.Node
	}
	events := []event{
		{"a", entry("a", 10)},
		{"b", entry("b", 50)},
		{"c", entry("c", 30)},
		{"d", entry("d", 40)},
		{"e", entry("e", 20)},
	}
	want := []string{"b", "d", "c", "e", "a"}

	rng := rand.New(rand.NewSource(1))
	for i := 0; i < 20; i++ {
		var r Reconciler
		var view []dist.IndexEntry
		for _, j := range rng.Perm(len(events)) {
			view = r.Apply(events[j].key, events[j].node)
		}
		if diff := cmp.Diff(want, keys(view)); diff != "" {
			t.Errorf("permutation %d: mismatch (-want +got):\n%s", i, diff)
		}
	}
}

var alice = &identity.Identity{Alias: "alice", Pub: "a1ce"}

func recvView(t *testing.T, c *Collection) []dist.IndexEntry {
	t.Helper()
	select {
	case view, ok := <-c.Views():
		if !ok {
			t.Fatal("collection closed unexpectedly")
		}
		return view
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for view")
	}
	return nil
}

func TestAttach(t *testing.T) {
	ctx := context.Background()
	g := graph.New(mem.New())
	defer g.Close()
	m := metrics.New(prometheus.NewRegistry())

	const (
		addr1 = "00000000000000000000000000000001"
		addr2 = "00000000000000000000000000000002"
	)

	if err := g.Put(ctx, alice.IndexKey(addr1), entry(addr1, 100)); err != nil {
		t.Fatal(err)
	}
	// Someone else's index is not ours.
	if err := g.Put(ctx, "~b0b/dists/"+addr2, entry(addr2, 500)); err != nil {
		t.Fatal(err)
	}

	c, err := Attach(ctx, g, alice, WithMetrics(m))
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()
	if got := testutil.ToFloat64(m.Collections); got != 1 {
		t.Errorf("got %v attached collections, want 1", got)
	}

	if diff := cmp.Diff([]string{addr1}, keys(recvView(t, c))); diff != "" {
		t.Errorf("mismatch (-want +got):\n%s", diff)
	}

	if err = g.Put(ctx, alice.IndexKey(addr2), entry(addr2, 200)); err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]string{addr2, addr1}, keys(recvView(t, c))); diff != "" {
		t.Errorf("mismatch (-want +got):\n%s", diff)
	}

	if err = Remove(ctx, g, alice, addr2, m); err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]string{addr1}, keys(recvView(t, c))); diff != "" {
		t.Errorf("mismatch (-want +got):\n%s", diff)
	}
	if got := testutil.ToFloat64(m.Removed); got != 1 {
		t.Errorf("got %v removals, want 1", got)
	}
	if got := testutil.ToFloat64(m.CollectionEvents.WithLabelValues(metrics.Upsert)); got != 2 {
		t.Errorf("got %v upsert events, want 2", got)
	}
	if got := testutil.ToFloat64(m.CollectionEvents.WithLabelValues(metrics.Tombstone)); got != 1 {
		t.Errorf("got %v tombstone events, want 1", got)
	}

	c.Close()
	if got := testutil.ToFloat64(m.Collections); got != 0 {
		t.Errorf("got %v attached collections after Close, want 0", got)
	}
}

func TestAttachNotReady(t *testing.T) {
	ctx := context.Background()
	g := graph.New(mem.New())

	if _, err := Attach(ctx, g, nil); !errors.Is(err, dist.ErrNotReady) {
		t.Errorf("got error %v without an identity, want ErrNotReady", err)
	}
	g.Close()
	if _, err := Attach(ctx, g, alice); !errors.Is(err, dist.ErrNotReady) {
		t.Errorf("got error %v after graph close, want ErrNotReady", err)
	}
}

func TestCloseDiscards(t *testing.T) {
	ctx := context.Background()
	g := graph.New(mem.New())
	defer g.Close()

	c, err := Attach(ctx, g, alice)
	if err != nil {
		t.Fatal(err)
	}
	for i, addr := range []string{"a", "b", "c"} {
		if err = g.Put(ctx, alice.IndexParent()+"/"+addr, entry(addr, int64(i))); err != nil {
			t.Fatal(err)
		}
	}
	c.Close()
	for view := range c.Views() {
		t.Errorf("got view %v after Close", view)
	}
	c.Close()
}

func TestRunStopsOnError(t *testing.T) {
	ctx := context.Background()
	g := graph.New(mem.New())
	defer g.Close()

	if err := g.Put(ctx, alice.IndexParent()+"/x", entry("x", 1)); err != nil {
		t.Fatal(err)
	}
	c, err := Attach(ctx, g, alice)
	if err != nil {
		t.Fatal(err)
	}

	errStop := errors.New("stop")
	var calls int
	err = c.Run(ctx, func([]dist.IndexEntry) error {
		calls++
		return errStop
	})
	if !errors.Is(err, errStop) {
		t.Fatalf("got error %v, want %v", err, errStop)
	}
	if calls != 1 {
		t.Errorf("got %d calls, want 1", calls)
	}
}

func TestNoCallbackAfterClose(t *testing.T) {
	ctx := context.Background()
	g := graph.New(mem.New())
	defer g.Close()

	c, err := Attach(ctx, g, alice)
	if err != nil {
		t.Fatal(err)
	}
	for i, addr := range []string{"a", "b", "c", "d", "e"} {
		if err = g.Put(ctx, alice.IndexParent()+"/"+addr, entry(addr, int64(i))); err != nil {
			t.Fatal(err)
		}
	}

	var (
		closed     int32
		late       int32
		closeStart sync.Once
	)
	done := make(chan error, 1)
	go func() {
		done <- c.Run(ctx, func([]dist.IndexEntry) error {
			if atomic.LoadInt32(&closed) != 0 {
				atomic.AddInt32(&late, 1)
			}
			closeStart.Do(func() {
				go func() {
					c.Close()
					atomic.StoreInt32(&closed, 1)
				}()
			})
			time.Sleep(20 * time.Millisecond)
			return nil
		})
	}()

	select {
	case err = <-done:
		if err != nil {
			t.Fatal(err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return")
	}
	if n := atomic.LoadInt32(&late); n != 0 {
		t.Errorf("callback ran %d time(s) after Close returned", n)
	}
}

func TestLoad(t *testing.T) {
	ctx := context.Background()
	b := mem.New()
	g := graph.New(b)
	defer g.Close()

	parent := alice.IndexParent()
	for _, e := range []struct {
		key string
		at  int64
	}{{"k1", 100}, {"k2", 200}, {"k3", 300}} {
		if err := g.Put(ctx, parent+"/"+e.key, entry(e.key, e.at)); err != nil {
			t.Fatal(err)
		}
	}
	if err := g.Delete(ctx, parent+"/k3"); err != nil {
		t.Fatal(err)
	}

	view, err := Load(ctx, b, alice)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]string{"k2", "k1"}, keys(view)); diff != "" {
		t.Errorf("mismatch (-want +got):\n%s", diff)
	}

	if _, err = Load(ctx, b, nil); !errors.Is(err, dist.ErrNotReady) {
		t.Errorf("got error %v without an identity, want ErrNotReady", err)
	}
}

func TestRemoveInvalidAddress(t *testing.T) {
	g := graph.New(mem.New())
	defer g.Close()
	if err := Remove(context.Background(), g, alice, "xyz", nil); !errors.Is(err, dist.ErrInvalidAddress) {
		t.Errorf("got error %v, want ErrInvalidAddress", err)
	}
}
