// Package graph implements a small replicated key/value graph store
// with live subscriptions.
//
// A node is a flat mapping of field names to scalar values,
// stored under a slash-separated key.
// Every stored node carries a metadata field (MetaKey)
// recording its key and the state (a millisecond timestamp) at which it was written;
// when two replicas disagree about a node, the higher state wins.
// A node with no fields besides its metadata is a tombstone.
//
// Persistence is delegated to a Backend.
// Subscriptions, field merging, and change notification are provided by Graph,
// which wraps a Backend.
package graph

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/pkg/errors"

	"github.com/bobg/dist"
)

// MetaKey is the reserved field holding a node's metadata.
const MetaKey = "_"

const (
	metaSoul  = "#"
	metaState = ">"
)

// ErrClosed is the error for operations on a closed Graph.
var ErrClosed = errors.New("graph closed")

type (
	// Node is the content of a graph node.
	Node map[string]interface{}

	// Event is a change notification for a single node.
	// A nil Node means the node is absent or has been tombstoned.
	Event struct {
		Key  string
		Node Node
	}

	// Backend is the persistence layer beneath a Graph.
	// Implementations must be safe for concurrent use.
	Backend interface {
		// Get returns the stored node at key, metadata included.
		// It returns dist.ErrNotFound if nothing was ever stored there.
		Get(ctx context.Context, key string) (Node, error)

		// Put stores node at key,
		// replacing whatever was there.
		// The node includes its metadata.
		Put(ctx context.Context, key string, node Node) error

		// ListChildren calls f for each direct child of parent
		// (keys of the form parent/name, where name contains no slash),
		// in key order.
		ListChildren(ctx context.Context, parent string, f func(key string, node Node) error) error

		// ListKeys calls f for each key greater than start, in key order.
		ListKeys(ctx context.Context, start string, f func(key string) error) error
	}
)

// Join joins key segments with slashes.
func Join(parts ...string) string {
	return strings.Join(parts, "/")
}

// Parent returns the parent of key and the final segment of key.
// A key with no slash has an empty parent.
func Parent(key string) (parent, name string) {
	i := strings.LastIndexByte(key, '/')
	if i < 0 {
		return "", key
	}
	return key[:i], key[i+1:]
}

// IsChild tells whether key is a direct child of parent.
func IsChild(parent, key string) bool {
	p, name := Parent(key)
	return p == parent && name != ""
}

// ChildRange gives the half-open key range [lo, hi) containing every descendant of parent.
func ChildRange(parent string) (lo, hi string) {
	return parent + "/", parent + "0" // '0' is the byte after '/'
}

// State is the write state of n, from its metadata.
// It is zero for a node without metadata.
func (n Node) State() int64 {
	meta, ok := n[MetaKey].(map[string]interface{})
	if !ok {
		return 0
	}
	s, _ := dist.Int64(meta[metaState])
	return s
}

// IsTombstone tells whether n has no fields besides its metadata.
// A nil Node is a tombstone.
func (n Node) IsTombstone() bool {
	for k := range n {
		if k != MetaKey {
			return false
		}
	}
	return true
}

// Fields returns a copy of n without its metadata,
// or nil if n is a tombstone.
func (n Node) Fields() Node {
	if n.IsTombstone() {
		return nil
	}
	result := make(Node, len(n))
	for k, v := range n {
		if k != MetaKey {
			result[k] = v
		}
	}
	return result
}

// WithMeta returns a copy of n carrying metadata for key and state.
func (n Node) WithMeta(key string, state int64) Node {
	result := make(Node, len(n)+1)
	for k, v := range n {
		result[k] = v
	}
	result[MetaKey] = map[string]interface{}{
		metaSoul:  key,
		metaState: state,
	}
	return result
}

// Marshal encodes a node for storage.
func Marshal(n Node) ([]byte, error) {
	b, err := json.Marshal(n)
	return b, errors.Wrap(err, "encoding node")
}

// Unmarshal decodes a node encoded with Marshal.
func Unmarshal(b []byte) (Node, error) {
	var n Node
	if err := json.Unmarshal(b, &n); err != nil {
		return nil, errors.Wrap(err, "decoding node")
	}
	return n, nil
}

// Clone returns a copy of n that shares no mutable state with it.
func (n Node) Clone() Node {
	if n == nil {
		return nil
	}
	result := make(Node, len(n))
	for k, v := range n {
		if m, ok := v.(map[string]interface{}); ok {
			c := make(map[string]interface{}, len(m))
			for mk, mv := range m {
				c[mk] = mv
			}
			v = c
		}
		result[k] = v
	}
	return result
}

// Store is the interface of a Graph,
// for consumers that only read, write, and subscribe.
type Store interface {
	Get(ctx context.Context, key string) (Node, error)
	Put(ctx context.Context, key string, fields Node) error
	Delete(ctx context.Context, key string) error
	Subscribe(ctx context.Context, key string) (*Subscription, error)
	SubscribeChildren(ctx context.Context, parent string) (*Subscription, error)
}

var _ Store = (*Graph)(nil)
