package feed

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"
)

// PostgresCursor keeps relay positions in the feed_cursor table.
type PostgresCursor struct {
	db *sql.DB
}

func NewPostgresCursor(db *sql.DB) *PostgresCursor {
	return &PostgresCursor{db: db}
}

func (c *PostgresCursor) Load(ctx context.Context, name string) (int64, error) {
	var increment int64
	err := c.db.QueryRowContext(ctx, `SELECT increment FROM feed_cursor WHERE name = $1`, name).Scan(&increment)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("select feed cursor: %w", err)
	}
	return increment, nil
}

func (c *PostgresCursor) Save(ctx context.Context, name string, increment int64) error {
	_, err := c.db.ExecContext(ctx, `
		INSERT INTO feed_cursor (name, increment, updated_at) VALUES ($1, $2, $3)
		ON CONFLICT (name) DO UPDATE SET increment = EXCLUDED.increment, updated_at = EXCLUDED.updated_at`,
		name, increment, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("upsert feed cursor: %w", err)
	}
	return nil
}

// MemoryCursor is the in-process cursor used with the memory store.
type MemoryCursor struct {
	mu        sync.Mutex
	positions map[string]int64
}

func NewMemoryCursor() *MemoryCursor {
	return &MemoryCursor{positions: map[string]int64{}}
}

func (c *MemoryCursor) Load(_ context.Context, name string) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.positions[name], nil
}

func (c *MemoryCursor) Save(_ context.Context, name string, increment int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.positions[name] = increment
	return nil
}
