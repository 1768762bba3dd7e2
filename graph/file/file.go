// Package file implements a graph backend as a file hierarchy.
//
// The node at key a/b/c is stored in ROOT/a.d/b.d/c.node,
// with each key segment path-escaped.
// Writes are atomic (via rename)
// and serialized across processes with a file lock.
package file

import (
	"context"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bobg/flock"
	"github.com/pkg/errors"

	"github.com/bobg/dist"
	"github.com/bobg/dist/graph"
)

var _ graph.Backend = &Backend{}

const (
	nodeSuffix = ".node"
	dirSuffix  = ".d"
	lockName   = "lock"
)

// Backend is a file-based implementation of a graph backend.
type Backend struct {
	root    string
	flocker flock.Locker
}

// New produces a new Backend storing data beneath `root`.
func New(root string) *Backend {
	return &Backend{root: root}
}

func (b *Backend) noderoot() string {
	return filepath.Join(b.root, "nodes")
}

func (b *Backend) dirpath(key string) string {
	if key == "" {
		return b.noderoot()
	}
	segs := strings.Split(key, "/")
	elems := make([]string, 0, 1+len(segs))
	elems = append(elems, b.noderoot())
	for _, seg := range segs {
		elems = append(elems, url.PathEscape(seg)+dirSuffix)
	}
	return filepath.Join(elems...)
}

func (b *Backend) nodepath(key string) string {
	parent, name := graph.Parent(key)
	return filepath.Join(b.dirpath(parent), url.PathEscape(name)+nodeSuffix)
}

// Get implements graph.Backend.Get.
func (b *Backend) Get(_ context.Context, key string) (graph.Node, error) {
	path := b.nodepath(key)
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, dist.ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrapf(err, "reading %s", path)
	}
	return graph.Unmarshal(data)
}

// Put implements graph.Backend.Put.
func (b *Backend) Put(_ context.Context, key string, node graph.Node) error {
	data, err := graph.Marshal(node)
	if err != nil {
		return err
	}

	var (
		path = b.nodepath(key)
		dir  = filepath.Dir(path)
	)
	if err = os.MkdirAll(dir, 0755); err != nil {
		return errors.Wrapf(err, "ensuring path %s exists", dir)
	}

	unlock, err := b.lock()
	if err != nil {
		return err
	}
	defer unlock()

	tmp, err := os.CreateTemp(dir, "tmp")
	if err != nil {
		return errors.Wrapf(err, "creating temp file in %s", dir)
	}
	tmpname := tmp.Name()
	defer os.Remove(tmpname)

	_, err = tmp.Write(data)
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return errors.Wrapf(err, "writing %s", tmpname)
	}
	return errors.Wrapf(os.Rename(tmpname, path), "renaming %s to %s", tmpname, path)
}

func (b *Backend) lock() (func(), error) {
	if err := os.MkdirAll(b.root, 0755); err != nil {
		return nil, errors.Wrapf(err, "ensuring %s exists", b.root)
	}
	path := filepath.Join(b.root, lockName)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDONLY, 0644)
	if err != nil {
		return nil, errors.Wrapf(err, "creating lock file %s", path)
	}
	f.Close()

	if err = b.flocker.Lock(path); err != nil {
		return nil, errors.Wrapf(err, "locking %s", path)
	}
	return func() { b.flocker.Unlock(path) }, nil
}

// ListChildren implements graph.Backend.ListChildren.
func (b *Backend) ListChildren(ctx context.Context, parent string, f func(string, graph.Node) error) error {
	dir := b.dirpath(parent)
	entries, err := os.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return errors.Wrapf(err, "reading dir %s", dir)
	}

	var keys []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), nodeSuffix) {
			continue
		}
		name, err := url.PathUnescape(strings.TrimSuffix(e.Name(), nodeSuffix))
		if err != nil {
			continue
		}
		if parent == "" {
			keys = append(keys, name)
		} else {
			keys = append(keys, graph.Join(parent, name))
		}
	}
	sort.Strings(keys)

	for _, key := range keys {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, err := b.Get(ctx, key)
		if errors.Is(err, dist.ErrNotFound) {
			continue
		}
		if err != nil {
			return err
		}
		if err = f(key, n); err != nil {
			return err
		}
	}
	return nil
}

// ListKeys implements graph.Backend.ListKeys.
func (b *Backend) ListKeys(ctx context.Context, start string, f func(string) error) error {
	var keys []string
	err := filepath.WalkDir(b.noderoot(), func(path string, d fs.DirEntry, err error) error {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.HasSuffix(path, nodeSuffix) {
			return nil
		}
		key, ok := b.keyFromPath(path)
		if ok && key > start {
			keys = append(keys, key)
		}
		return nil
	})
	if err != nil {
		return errors.Wrapf(err, "walking %s", b.noderoot())
	}

	sort.Strings(keys)
	for _, key := range keys {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := f(key); err != nil {
			return err
		}
	}
	return nil
}

func (b *Backend) keyFromPath(path string) (string, bool) {
	rel, err := filepath.Rel(b.noderoot(), path)
	if err != nil {
		return "", false
	}
	parts := strings.Split(filepath.ToSlash(rel), "/")
	for i, part := range parts {
		if i == len(parts)-1 {
			part = strings.TrimSuffix(part, nodeSuffix)
		} else {
			part = strings.TrimSuffix(part, dirSuffix)
		}
		seg, err := url.PathUnescape(part)
		if err != nil {
			return "", false
		}
		parts[i] = seg
	}
	return graph.Join(parts...), true
}

func init() {
	graph.Register("file", func(ctx context.Context, conf map[string]interface{}) (graph.Backend, error) {
		root, ok := conf["root"].(string)
		if !ok {
			return nil, errors.New(`missing "root" parameter`)
		}
		return New(root), nil
	})
}
