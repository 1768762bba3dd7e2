// Package gcs implements a graph backend on Google Cloud Storage.
package gcs

import (
	"context"
	stderrs "errors"
	"io"
	"strconv"
	"strings"

	"cloud.google.com/go/storage"
	"github.com/pkg/errors"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"

	"github.com/bobg/dist"
	"github.com/bobg/dist/graph"
)

var _ graph.Backend = &Backend{}

// Backend is a Google Cloud Storage-based implementation of a graph backend.
// Each node is one object, named by its key.
type Backend struct {
	bucket *storage.BucketHandle
}

// New produces a new Backend.
func New(bucket *storage.BucketHandle) *Backend {
	return &Backend{bucket: bucket}
}

const (
	objPrefix = "n:"
	stateKey  = "state"
)

func nodeObjName(key string) string {
	return objPrefix + key
}

func keyFromNodeObjName(name string) string {
	return strings.TrimPrefix(name, objPrefix)
}

// Get implements graph.Backend.Get.
func (b *Backend) Get(ctx context.Context, key string) (graph.Node, error) {
	name := nodeObjName(key)
	r, err := b.bucket.Object(name).NewReader(ctx)
	if stderrs.Is(err, storage.ErrObjectNotExist) {
		return nil, dist.ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrapf(err, "reading object %s", name)
	}
	defer r.Close()

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, errors.Wrapf(err, "reading contents of object %s", name)
	}
	return graph.Unmarshal(data)
}

// Put implements graph.Backend.Put.
func (b *Backend) Put(ctx context.Context, key string, node graph.Node) error {
	data, err := graph.Marshal(node)
	if err != nil {
		return err
	}

	var (
		name = nodeObjName(key)
		w    = b.bucket.Object(name).NewWriter(ctx)
	)
	w.ContentType = "application/json"
	w.Metadata = map[string]string{stateKey: strconv.FormatInt(node.State(), 10)}

	if _, err = w.Write(data); err != nil {
		w.Close()
		return errors.Wrapf(err, "writing object %s", name)
	}
	return errors.Wrapf(w.Close(), "closing object %s", name)
}

// ListChildren implements graph.Backend.ListChildren.
func (b *Backend) ListChildren(ctx context.Context, parent string, f func(string, graph.Node) error) error {
	prefix := objPrefix
	if parent != "" {
		prefix += parent + "/"
	}
	return b.each(ctx, &storage.Query{Prefix: prefix, Delimiter: "/"}, func(key string) error {
		if !graph.IsChild(parent, key) {
			return nil
		}
		n, err := b.Get(ctx, key)
		if errors.Is(err, dist.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		return f(key, n)
	})
}

// ListKeys implements graph.Backend.ListKeys.
func (b *Backend) ListKeys(ctx context.Context, start string, f func(string) error) error {
	q := &storage.Query{Prefix: objPrefix, StartOffset: nodeObjName(start)}
	return b.each(ctx, q, func(key string) error {
		if key <= start {
			return nil
		}
		return f(key)
	})
}

func (b *Backend) each(ctx context.Context, q *storage.Query, f func(string) error) error {
	iter := b.bucket.Objects(ctx, q)
	for {
		attrs, err := iter.Next()
		if stderrs.Is(err, iterator.Done) {
			return nil
		}
		if err != nil {
			return errors.Wrap(err, "iterating over objects")
		}
		if attrs.Name == "" {
			// A synthetic "directory" entry.
			continue
		}
		if err = f(keyFromNodeObjName(attrs.Name)); err != nil {
			return err
		}
	}
}

func init() {
	graph.Register("gcs", func(ctx context.Context, conf map[string]interface{}) (graph.Backend, error) {
		var options []option.ClientOption
		creds, ok := conf["creds"].(string)
		if !ok {
			return nil, errors.New(`missing "creds" parameter`)
		}
		bucketName, ok := conf["bucket"].(string)
		if !ok {
			return nil, errors.New(`missing "bucket" parameter`)
		}
		options = append(options, option.WithCredentialsFile(creds))
		c, err := storage.NewClient(ctx, options...)
		if err != nil {
			return nil, errors.Wrap(err, "creating cloud storage client")
		}
		return New(c.Bucket(bucketName)), nil
	})
}
