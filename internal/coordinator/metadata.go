package coordinator

import (
	"context"

	"go.uber.org/zap"

	"github.com/forest6511/secretmgr/internal/metadata"
)

// MetadataQuery is a statement against a metadata store with positional
// arguments.
type MetadataQuery struct {
	DB    string
	Query string
	Args  []any
}

// QueryMetadata runs a read-only query and returns every row.
func (c *Coordinator) QueryMetadata(ctx context.Context, q MetadataQuery) (*metadata.ResultSet, error) {
	r := c.begin("metadata.get", zap.String("db", q.DB))

	if err := required([2]string{"db", q.DB}, [2]string{"query", q.Query}); err != nil {
		return nil, r.finish(err)
	}
	if err := ctx.Err(); err != nil {
		return nil, r.finish(err)
	}

	r.transition(Executing)
	r.log.Debug("running query", zap.Int("params", len(q.Args)))
	rs, err := c.recorder(q.DB).Query(ctx, q.Query, q.Args...)
	if err != nil {
		return nil, r.finish(err)
	}
	return rs, r.finish(nil, zap.Int("rows", rs.Len()))
}

// DeleteMetadata runs a DELETE statement and returns the rows removed.
func (c *Coordinator) DeleteMetadata(ctx context.Context, q MetadataQuery) (int64, error) {
	r := c.begin("metadata.delete", zap.String("db", q.DB))

	if err := required([2]string{"db", q.DB}, [2]string{"query", q.Query}); err != nil {
		return 0, r.finish(err)
	}
	if err := ctx.Err(); err != nil {
		return 0, r.finish(err)
	}

	r.transition(Executing)
	n, err := c.recorder(q.DB).DeleteRows(ctx, q.Query, q.Args...)
	if err != nil {
		return 0, r.finish(err)
	}
	return n, r.finish(nil, zap.Int64("rows", n))
}
