// Package memory is an in-process implementation of the resource store.
// Transactions are serialized and roll back by restoring a snapshot.
package memory

import (
	"context"
	"sync"
	"time"

	"ban/internal/resource/models"
	"ban/internal/resource/schema"
	"ban/internal/resource/store"
	dErrors "ban/pkg/domain-errors"
	"ban/pkg/platform/tx"
)

const defaultTxTimeout = 5 * time.Second

type state struct {
	records   map[string]map[int64]*models.Record
	versions  []*models.Version
	flags     []*models.Flag
	diffs     []*models.Diff
	redirects []*models.Redirect
	seq       map[string]int64
}

func newState() *state {
	return &state{
		records: make(map[string]map[int64]*models.Record),
		seq:     make(map[string]int64),
	}
}

func (s *state) next(table string) int64 {
	s.seq[table]++
	return s.seq[table]
}

func (s *state) clone() *state {
	c := &state{
		records:   make(map[string]map[int64]*models.Record, len(s.records)),
		versions:  make([]*models.Version, len(s.versions)),
		flags:     make([]*models.Flag, len(s.flags)),
		diffs:     make([]*models.Diff, len(s.diffs)),
		redirects: make([]*models.Redirect, len(s.redirects)),
		seq:       make(map[string]int64, len(s.seq)),
	}
	for resource, rows := range s.records {
		c.records[resource] = make(map[int64]*models.Record, len(rows))
		for pk, rec := range rows {
			c.records[resource][pk] = rec.Clone()
		}
	}
	for i, v := range s.versions {
		cp := *v
		if v.Period.Upper != nil {
			u := *v.Period.Upper
			cp.Period.Upper = &u
		}
		c.versions[i] = &cp
	}
	for i, f := range s.flags {
		cp := *f
		c.flags[i] = &cp
	}
	for i, d := range s.diffs {
		cp := *d
		c.diffs[i] = &cp
	}
	for i, r := range s.redirects {
		cp := *r
		c.redirects[i] = &cp
	}
	for k, v := range s.seq {
		c.seq[k] = v
	}
	return c
}

// Store keeps every table in memory.
//
// Transactions hold txMu exclusively. Calls made outside a transaction hold
// it shared, so they wait for the transaction in flight and never observe
// writes that may still roll back.
type Store struct {
	registry *schema.Registry
	timeout  time.Duration

	txMu sync.RWMutex
	mu   sync.RWMutex
	data *state
}

var _ store.Store = (*Store)(nil)

type Option func(*Store)

// WithTxTimeout bounds how long a transaction may run.
func WithTxTimeout(d time.Duration) Option {
	return func(s *Store) { s.timeout = d }
}

func New(registry *schema.Registry, opts ...Option) *Store {
	s := &Store{registry: registry, timeout: defaultTxTimeout, data: newState()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) read(ctx context.Context) func() {
	if tx.InScope(ctx, s) {
		s.mu.RLock()
		return s.mu.RUnlock
	}
	s.txMu.RLock()
	s.mu.RLock()
	return func() {
		s.mu.RUnlock()
		s.txMu.RUnlock()
	}
}

func (s *Store) write(ctx context.Context) func() {
	if tx.InScope(ctx, s) {
		s.mu.Lock()
		return s.mu.Unlock
	}
	s.txMu.RLock()
	s.mu.Lock()
	return func() {
		s.mu.Unlock()
		s.txMu.RUnlock()
	}
}

// RunInTx serializes fn against other transactions and restores the previous
// state when fn fails. Calls made with a context already inside a
// transaction of this store join it.
func (s *Store) RunInTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if tx.InScope(ctx, s) {
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

	s.txMu.Lock()
	defer s.txMu.Unlock()

	s.mu.RLock()
	snapshot := s.data.clone()
	s.mu.RUnlock()

	err := fn(tx.WithScope(ctx, s))
	if err == nil {
		err = ctx.Err()
	}
	if err != nil {
		s.mu.Lock()
		s.data = snapshot
		s.mu.Unlock()
		return err
	}
	return nil
}
