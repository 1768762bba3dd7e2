// Package collection maintains the live, sorted view of an identity's private index of records.
package collection

import (
	"sort"

	"github.com/bobg/dist"
	"github.com/bobg/dist/graph"
)

// Reconciler folds an unordered stream of index-entry events into a keyed map
// and derives the sorted view from it.
// The zero Reconciler is ready to use.
// It is not safe for concurrent use.
type Reconciler struct {
	entries map[string]dist.IndexEntry
}

// Apply applies one event and returns the resulting view.
// A non-nil node replaces whatever was known under key.
// A nil node removes key, if present.
func (r *Reconciler) Apply(key string, n graph.Node) []dist.IndexEntry {
	if n == nil {
		delete(r.entries, key)
		return r.View()
	}
	if r.entries == nil {
		r.entries = make(map[string]dist.IndexEntry)
	}
	r.entries[key] = dist.IndexEntryFromFields(key, n)
	return r.View()
}

// View returns the known entries, newest first.
// Entries with equal creation times are ordered by key.
// The result is freshly allocated on each call.
func (r *Reconciler) View() []dist.IndexEntry {
	view := make([]dist.IndexEntry, 0, len(r.entries))
	for _, e := range r.entries {
		view = append(view, e)
	}
	sort.Slice(view, func(i, j int) bool {
		if view[i].CreatedAt != view[j].CreatedAt {
			return view[i].CreatedAt > view[j].CreatedAt
		}
		return view[i].EntryKey < view[j].EntryKey
	})
	return view
}

// Len is the number of known entries.
func (r *Reconciler) Len() int {
	return len(r.entries)
}
