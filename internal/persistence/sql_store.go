package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// SQLStore implements Store and CheckStore on database/sql. The same code
// serves SQLite and PostgreSQL; only placeholder style and the serial
// column type differ.
//
// It expects an *sql.DB that uses a matching driver. The caller is
// responsible for importing it, e.g.:
//
//	import _ "modernc.org/sqlite"
//	import _ "github.com/jackc/pgx/v5/stdlib"
//
// SQLite ":memory:" databases must be opened with db.SetMaxOpenConns(1) so
// every statement sees the same database.
type SQLStore struct {
	db *sql.DB
	d  dialect
}

// Ensure SQLStore implements the interfaces.
var (
	_ Store      = (*SQLStore)(nil)
	_ CheckStore = (*SQLStore)(nil)
)

// NewSQLiteStore initializes the schema in db and returns a store using
// SQLite syntax.
func NewSQLiteStore(db *sql.DB) (*SQLStore, error) {
	return newSQLStore(db, sqliteDialect)
}

// NewPostgresStore initializes the schema in db and returns a store using
// PostgreSQL syntax.
func NewPostgresStore(db *sql.DB) (*SQLStore, error) {
	return newSQLStore(db, postgresDialect)
}

func newSQLStore(db *sql.DB, d dialect) (*SQLStore, error) {
	s := &SQLStore{db: db, d: d}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("init %s schema: %w", d.name, err)
	}
	return s, nil
}

func (s *SQLStore) initSchema() error {
	for _, stmt := range s.d.schema() {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// DB returns the underlying database handle.
func (s *SQLStore) DB() *sql.DB { return s.db }

// Dialect returns "sqlite" or "postgres".
func (s *SQLStore) Dialect() string { return s.d.name }

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func (s *SQLStore) exec(ctx context.Context, q querier, query string, args ...any) (sql.Result, error) {
	return q.ExecContext(ctx, s.d.rebind(query), args...)
}

func (s *SQLStore) query(ctx context.Context, q querier, query string, args ...any) (*sql.Rows, error) {
	return q.QueryContext(ctx, s.d.rebind(query), args...)
}

func (s *SQLStore) queryRow(ctx context.Context, q querier, query string, args ...any) *sql.Row {
	return q.QueryRowContext(ctx, s.d.rebind(query), args...)
}

// withTx runs fn inside a transaction, committing on success.
func (s *SQLStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

// changed reports whether an UPDATE touched at least one row.
func changed(res sql.Result) (bool, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// statusIn builds "col IN (?, ?)" for a list of statuses. It returns an
// always-true clause when statuses is empty.
func statusIn[T ~string](col string, statuses []T) (string, []any) {
	if len(statuses) == 0 {
		return "1 = 1", nil
	}
	args := make([]any, len(statuses))
	for i, st := range statuses {
		args[i] = string(st)
	}
	return col + " IN (" + placeholders(len(statuses)) + ")", args
}

// likePrefix escapes LIKE metacharacters in p and appends the wildcard.
func likePrefix(p string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(p) + "%"
}
