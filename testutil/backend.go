// Package testutil contains conformance tests shared by the graph backends.
package testutil

import (
	"context"
	"sort"
	"strings"
	"testing"
	"testing/quick"

	"github.com/google/go-cmp/cmp"
	"github.com/pkg/errors"

	"github.com/bobg/dist"
	"github.com/bobg/dist/graph"
)

// ReadWrite stores, overwrites, and tombstones nodes in an empty backend,
// checking that Get reflects each step.
func ReadWrite(ctx context.Context, t *testing.T, b graph.Backend) {
	t.Helper()

	if _, err := b.Get(ctx, "nonexistent"); !errors.Is(err, dist.ErrNotFound) {
		t.Fatalf("got error %v for a missing node, want ErrNotFound", err)
	}

	const key = "abc/def"

	n1 := graph.Node{"description": "first", "filename": "a.txt"}.WithMeta(key, 100)
	if err := b.Put(ctx, key, n1); err != nil {
		t.Fatal(err)
	}
	checkNode(ctx, t, b, key, 100, map[string]string{"description": "first", "filename": "a.txt"})

	n2 := graph.Node{"description": "second"}.WithMeta(key, 200)
	if err := b.Put(ctx, key, n2); err != nil {
		t.Fatal(err)
	}
	checkNode(ctx, t, b, key, 200, map[string]string{"description": "second"})

	if err := b.Put(ctx, key, graph.Node(nil).WithMeta(key, 300)); err != nil {
		t.Fatal(err)
	}
	got, err := b.Get(ctx, key)
	if err != nil {
		t.Fatal(err)
	}
	if !got.IsTombstone() {
		t.Errorf("got %v, want a tombstone", got)
	}
	if got.State() != 300 {
		t.Errorf("got tombstone state %d, want 300", got.State())
	}
}

func checkNode(ctx context.Context, t *testing.T, b graph.Backend, key string, wantState int64, want map[string]string) {
	t.Helper()

	got, err := b.Get(ctx, key)
	if err != nil {
		t.Fatal(err)
	}
	if got.State() != wantState {
		t.Errorf("got state %d, want %d", got.State(), wantState)
	}
	gotFields := make(map[string]string)
	for k, v := range got.Fields() {
		s, ok := v.(string)
		if !ok {
			t.Errorf("field %s has type %T, want string", k, v)
			continue
		}
		gotFields[k] = s
	}
	if diff := cmp.Diff(want, gotFields); diff != "" {
		t.Errorf("mismatch (-want +got):\n%s", diff)
	}
}

// Children checks that ListChildren produces exactly the direct children of a key, in order.
func Children(ctx context.Context, t *testing.T, b graph.Backend) {
	t.Helper()

	keys := []string{
		"~pub/dists/k2",
		"~pub/dists/k1",
		"~pub/dists/k1/nested",
		"~pub/distsx",
		"~pub/other/k3",
		"~pub/dists",
		"toplevel",
	}
	for i, key := range keys {
		n := graph.Node{"id": key}.WithMeta(key, int64(i+1))
		if err := b.Put(ctx, key, n); err != nil {
			t.Fatal(err)
		}
	}

	cases := []struct {
		parent string
		want   []string
	}{
		{parent: "~pub/dists", want: []string{"~pub/dists/k1", "~pub/dists/k2"}},
		{parent: "~pub/dists/k1", want: []string{"~pub/dists/k1/nested"}},
		{parent: "~pub", want: []string{"~pub/dists", "~pub/distsx"}},
		{parent: "~nobody/dists"},
	}
	for _, tc := range cases {
		var got []string
		err := b.ListChildren(ctx, tc.parent, func(key string, n graph.Node) error {
			if id, _ := n["id"].(string); id != key {
				t.Errorf("child %s has id %q", key, id)
			}
			got = append(got, key)
			return nil
		})
		if err != nil {
			t.Fatal(err)
		}
		if diff := cmp.Diff(tc.want, got); diff != "" {
			t.Errorf("children of %s mismatch (-want +got):\n%s", tc.parent, diff)
		}
	}
}

// AllKeys writes a random set of nodes to an empty backend
// and makes sure that the right set of keys comes back from ListKeys.
func AllKeys(ctx context.Context, t *testing.T, backendFactory func() graph.Backend) {
	t.Helper()

	if err := quick.Check(allKeysHelper(ctx, t, backendFactory), &quick.Config{MaxCount: 20}); err != nil {
		t.Error(err)
	}
}

func allKeysHelper(ctx context.Context, t *testing.T, backendFactory func() graph.Backend) func([]string) bool {
	return func(rawKeys []string) bool {
		var (
			b    = backendFactory()
			want []string
			seen = make(map[string]bool)
		)
		for _, raw := range rawKeys {
			key := sanitizeKey(raw)
			if key == "" || seen[key] {
				continue
			}
			seen[key] = true
			want = append(want, key)
			if err := b.Put(ctx, key, graph.Node{"v": raw}.WithMeta(key, 1)); err != nil {
				t.Fatal(err)
			}
		}
		sort.Strings(want)

		var got []string
		err := b.ListKeys(ctx, "", func(key string) error {
			got = append(got, key)
			return nil
		})
		if err != nil {
			t.Fatal(err)
		}

		if diff := cmp.Diff(want, got); diff != "" {
			t.Logf("mismatch (-want +got):\n%s", diff)
			return false
		}

		if len(want) > 1 {
			var tail []string
			err = b.ListKeys(ctx, want[0], func(key string) error {
				tail = append(tail, key)
				return nil
			})
			if err != nil {
				t.Fatal(err)
			}
			if diff := cmp.Diff(want[1:], tail); diff != "" {
				t.Logf("mismatch after %s (-want +got):\n%s", want[0], diff)
				return false
			}
		}
		return true
	}
}

// Keys are made of lowercase letters and digits in non-empty slash-separated segments,
// so that every backend can represent them.
func sanitizeKey(raw string) string {
	var segs []string
	for _, seg := range strings.Split(raw, "/") {
		var buf strings.Builder
		for _, r := range seg {
			switch {
			case 'a' <= r && r <= 'z', '0' <= r && r <= '9':
				buf.WriteRune(r)
			case r >= 0x80:
				buf.WriteByte('a' + byte(r%26))
			}
		}
		if buf.Len() > 0 {
			segs = append(segs, buf.String())
		}
	}
	return strings.Join(segs, "/")
}
