// Package metadata records non-secret audit data about stored secrets in a
// SQLite database with a single secrets table.
//
// Each call opens the database file, performs its work and closes it again.
// Reads go through a read-only connection so a query can never modify the
// store.
package metadata

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/forest6511/secretmgr/pkg/sqlitedsn"
)

// TimestampLayout is the text format of every timestamp column.
const TimestampLayout = "2006-01-02 15:04:05"

// Error kinds returned by the recorder.
var (
	ErrSchemaFailed = errors.New("metadata: schema bootstrap failed")
	ErrWriteFailed  = errors.New("metadata: write failed")
	ErrQueryFailed  = errors.New("metadata: query failed")
)

// Record is one row of the secrets table. Timestamps are assigned by the
// recorder on insert.
type Record struct {
	Name              string
	Type              string
	Owner             string
	StorageLocation   string
	Environment       string
	ExpirationDate    string // empty stores NULL
	RotationFrequency int
	ComplianceTags    string
	AssociatedService string
	IsEncrypted       bool
}

// ResultSet is a fully materialized query result. Rows hold values in
// column order, so repeated column names (SELECT name, name or a join with
// two id columns) are kept apart.
type ResultSet struct {
	Columns []string `json:"columns" yaml:"columns"`
	Rows    [][]any  `json:"rows" yaml:"rows"`
}

// Len returns the number of rows.
func (r *ResultSet) Len() int {
	return len(r.Rows)
}

// Maps returns the rows keyed by column name, in row order. When a column
// name repeats, the rightmost value wins.
func (r *ResultSet) Maps() []map[string]any {
	out := make([]map[string]any, 0, len(r.Rows))
	for _, row := range r.Rows {
		m := make(map[string]any, len(r.Columns))
		for i, col := range r.Columns {
			m[col] = row[i]
		}
		out = append(out, m)
	}
	return out
}

// Recorder reads and writes one metadata database file.
type Recorder struct {
	path string
	now  func() time.Time
}

// Option configures a Recorder.
type Option func(*Recorder)

// WithClock overrides the time source used for timestamps.
func WithClock(now func() time.Time) Option {
	return func(r *Recorder) { r.now = now }
}

// NewRecorder returns a recorder for the database at path. The file is not
// touched until the first call.
func NewRecorder(path string, opts ...Option) *Recorder {
	r := &Recorder{path: path, now: time.Now}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Path returns the database file path.
func (r *Recorder) Path() string {
	return r.path
}

type openMode string

const (
	modeCreate   openMode = sqlitedsn.ModeCreate
	modeWrite    openMode = sqlitedsn.ModeReadWrite
	modeReadOnly openMode = sqlitedsn.ModeReadOnly
)

func (r *Recorder) open(ctx context.Context, mode openMode) (*sql.DB, error) {
	db, err := sql.Open("sqlite", sqlitedsn.File(r.path, string(mode), "busy_timeout(5000)"))
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", r.path, err)
	}
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("open %s: %w", r.path, err)
	}
	return db, nil
}

// EnsureSchema creates the database file and the secrets table when they do
// not exist. It never drops or rewrites existing rows.
func (r *Recorder) EnsureSchema(ctx context.Context) error {
	if dir := filepath.Dir(r.path); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("%w: %w", ErrSchemaFailed, err)
		}
	}

	db, err := r.open(ctx, modeCreate)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrSchemaFailed, err)
	}
	defer db.Close()

	if err := runMigrations(db); err != nil {
		return fmt.Errorf("%w: %w", ErrSchemaFailed, err)
	}
	return nil
}

// Insert adds rec with created_at and last_updated_at set to now and
// last_accessed_at left NULL.
func (r *Recorder) Insert(ctx context.Context, rec Record) error {
	const query = `
		INSERT INTO secrets (name, type, created_at, last_accessed_at, last_updated_at,
		                     owner, storage_location, environment, expiration_date,
		                     rotation_frequency, compliance_tags, associated_service, is_encrypted)
		VALUES (?, ?, ?, NULL, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	db, err := r.open(ctx, modeWrite)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrWriteFailed, err)
	}
	defer db.Close()

	ts := r.timestamp()
	_, err = db.ExecContext(ctx, query,
		rec.Name, rec.Type, ts, ts,
		nullString(rec.Owner), nullString(rec.StorageLocation), nullString(rec.Environment),
		nullString(rec.ExpirationDate), rec.RotationFrequency, nullString(rec.ComplianceTags),
		nullString(rec.AssociatedService), rec.IsEncrypted,
	)
	if err != nil {
		return fmt.Errorf("%w: insert %s: %w", ErrWriteFailed, rec.Name, err)
	}
	return nil
}

// Query runs a read statement with positional args and returns every row.
// Byte slices are returned as strings.
func (r *Recorder) Query(ctx context.Context, query string, args ...any) (*ResultSet, error) {
	db, err := r.open(ctx, modeReadOnly)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrQueryFailed, err)
	}
	defer db.Close()

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrQueryFailed, err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrQueryFailed, err)
	}

	rs := &ResultSet{Columns: cols, Rows: [][]any{}}
	for rows.Next() {
		values := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("%w: scan row: %w", ErrQueryFailed, err)
		}
		for i, v := range values {
			if b, ok := v.([]byte); ok {
				values[i] = string(b)
			}
		}
		rs.Rows = append(rs.Rows, values)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrQueryFailed, err)
	}
	return rs, nil
}

// DeleteRows executes a DELETE statement and returns the number of rows
// removed. Any other kind of statement is refused.
func (r *Recorder) DeleteRows(ctx context.Context, query string, args ...any) (int64, error) {
	if !isDelete(query) {
		return 0, fmt.Errorf("%w: statement is not a DELETE", ErrWriteFailed)
	}
	return r.exec(ctx, query, args...)
}

// TouchAccessed sets last_accessed_at to now for every row named name.
func (r *Recorder) TouchAccessed(ctx context.Context, name string) (int64, error) {
	return r.exec(ctx, `UPDATE secrets SET last_accessed_at = ? WHERE name = ?`, r.timestamp(), name)
}

func (r *Recorder) exec(ctx context.Context, query string, args ...any) (int64, error) {
	db, err := r.open(ctx, modeWrite)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrWriteFailed, err)
	}
	defer db.Close()

	res, err := db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrWriteFailed, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("%w: rows affected: %w", ErrWriteFailed, err)
	}
	return n, nil
}

func (r *Recorder) timestamp() string {
	return r.now().Format(TimestampLayout)
}

func isDelete(query string) bool {
	fields := strings.Fields(query)
	return len(fields) > 0 && strings.EqualFold(fields[0], "DELETE")
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
