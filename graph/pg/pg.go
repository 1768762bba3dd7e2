// Package pg implements a graph backend on Postgresql.
package pg

import (
	"context"
	"database/sql"
	stderrs "errors"

	"github.com/bobg/sqlutil"
	_ "github.com/lib/pq"
	"github.com/pkg/errors"

	"github.com/bobg/dist"
	"github.com/bobg/dist/graph"
)

var _ graph.Backend = &Backend{}

// Backend is a Postgresql-based graph backend.
type Backend struct {
	db *sql.DB
}

// Schema is the SQL that New executes.
// It creates the `graph_nodes` table if it does not exist.
// (If it does exist, it must have the columns, constraints, and indexing described here.)
const Schema = `
CREATE TABLE IF NOT EXISTS graph_nodes (
  key TEXT PRIMARY KEY NOT NULL,
  parent TEXT NOT NULL,
  state BIGINT NOT NULL,
  data JSONB NOT NULL
);

CREATE INDEX IF NOT EXISTS graph_nodes_parent_idx ON graph_nodes (parent, key);
`

// New produces a new Backend using `db` for storage.
// It expects to create table `graph_nodes`,
// or for that table already to exist with the correct schema.
// (See variable Schema.)
func New(ctx context.Context, db *sql.DB) (*Backend, error) {
	_, err := db.ExecContext(ctx, Schema)
	return &Backend{db: db}, errors.Wrap(err, "creating schema")
}

// Get implements graph.Backend.Get.
func (b *Backend) Get(ctx context.Context, key string) (graph.Node, error) {
	const q = `SELECT data FROM graph_nodes WHERE key = $1`

	var data []byte
	err := b.db.QueryRowContext(ctx, q, key).Scan(&data)
	if stderrs.Is(err, sql.ErrNoRows) {
		return nil, dist.ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrapf(err, "querying node %s", key)
	}
	return graph.Unmarshal(data)
}

// Put implements graph.Backend.Put.
func (b *Backend) Put(ctx context.Context, key string, node graph.Node) error {
	const q = `INSERT INTO graph_nodes (key, parent, state, data) VALUES ($1, $2, $3, $4)
		ON CONFLICT (key) DO UPDATE SET parent = EXCLUDED.parent, state = EXCLUDED.state, data = EXCLUDED.data`

	data, err := graph.Marshal(node)
	if err != nil {
		return err
	}
	parent, _ := graph.Parent(key)
	_, err = b.db.ExecContext(ctx, q, key, parent, node.State(), string(data))
	return errors.Wrapf(err, "storing node %s", key)
}

// ListChildren implements graph.Backend.ListChildren.
func (b *Backend) ListChildren(ctx context.Context, parent string, f func(string, graph.Node) error) error {
	const q = `SELECT key, data FROM graph_nodes WHERE parent = $1 ORDER BY key COLLATE "C"`

	return sqlutil.ForQueryRows(ctx, b.db, q, parent, func(key string, data []byte) error {
		if !graph.IsChild(parent, key) {
			return nil
		}
		n, err := graph.Unmarshal(data)
		if err != nil {
			return errors.Wrapf(err, "in node %s", key)
		}
		return f(key, n)
	})
}

// ListKeys implements graph.Backend.ListKeys.
func (b *Backend) ListKeys(ctx context.Context, start string, f func(string) error) error {
	const q = `SELECT key FROM graph_nodes WHERE key > $1 COLLATE "C" ORDER BY key COLLATE "C"`
	return sqlutil.ForQueryRows(ctx, b.db, q, start, f)
}

func init() {
	graph.Register("pg", func(ctx context.Context, conf map[string]interface{}) (graph.Backend, error) {
		conn, ok := conf["conn"].(string)
		if !ok {
			return nil, errors.New(`missing "conn" parameter`)
		}
		db, err := sql.Open("postgres", conn)
		if err != nil {
			return nil, errors.Wrap(err, "opening db")
		}
		return New(ctx, db)
	})
}
