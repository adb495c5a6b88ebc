// Package postgres persists versioned resources in PostgreSQL with PostGIS.
// Resource tables are addressed generically from their schema declaration;
// many-to-many fields live in "{resource}_{field}" join tables.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"

	"ban/internal/resource/schema"
	"ban/internal/resource/store"
	dErrors "ban/pkg/domain-errors"
	"ban/pkg/platform/tx"
)

const (
	defaultTxTimeout = 5 * time.Second

	codeUniqueViolation = "23505"
)

// dbtx is the query surface shared by *sql.DB and *sql.Tx.
type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Store is the PostgreSQL implementation of store.Store.
type Store struct {
	db      *sql.DB
	tables  map[string]*table
	timeout time.Duration
}

var _ store.Store = (*Store)(nil)

type Option func(*Store)

// WithTxTimeout bounds how long a transaction may run.
func WithTxTimeout(d time.Duration) Option {
	return func(s *Store) { s.timeout = d }
}

// New builds a store for every resource of registry.
func New(db *sql.DB, registry *schema.Registry, opts ...Option) *Store {
	s := &Store{db: db, tables: make(map[string]*table), timeout: defaultTxTimeout}
	for _, name := range registry.Names() {
		s.tables[name] = newTable(registry.MustGet(name))
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// RunInTx runs fn in a database transaction carried by the context. Calls
// made with a context that already carries a transaction join it.
func (s *Store) RunInTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if _, ok := tx.From(ctx); ok {
		return fn(ctx)
	}
	if err := ctx.Err(); err != nil {
		return dErrors.Wrap(err, dErrors.CodeTimeout, "transaction aborted: context cancelled")
	}
	if _, hasDeadline := ctx.Deadline(); !hasDeadline && s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		_ = sqlTx.Rollback()
	}()

	if err := fn(tx.WithTx(ctx, sqlTx)); err != nil {
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// Ping checks connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) conn(ctx context.Context) dbtx {
	if sqlTx, ok := tx.From(ctx); ok {
		return sqlTx
	}
	return s.db
}

func (s *Store) table(resource string) (*table, error) {
	t, ok := s.tables[resource]
	if !ok {
		return nil, fmt.Errorf("unknown resource %q", resource)
	}
	return t, nil
}

func isUniqueViolation(err error) (*pq.Error, bool) {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == codeUniqueViolation {
		return pqErr, true
	}
	return nil, false
}

// uniqueViolation maps a "{table}_{column}_key" constraint to the field it
// protects.
func uniqueViolation(resource string, pqErr *pq.Error) *store.UniqueViolation {
	field := strings.TrimSuffix(strings.TrimPrefix(pqErr.Constraint, resource+"_"), "_key")
	return &store.UniqueViolation{Resource: resource, Field: field}
}

func checkAffected(res sql.Result, err error) (int64, error) {
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	return n, nil
}
