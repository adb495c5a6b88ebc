// Package feed relays the diff ledger to Kafka and runs the periodic
// maintenance jobs of the server.
package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"ban/internal/resource/handler"
	"ban/internal/resource/models"
	"ban/pkg/platform/circuit"
)

const (
	defaultCursorName = "kafka"
	defaultBatchSize  = 500
)

// DiffSource lists ledger entries after an increment.
type DiffSource interface {
	Diffs(ctx context.Context, after int64, limit int, resource string) ([]*models.Diff, error)
}

// Cursor persists the last relayed increment per relay name.
type Cursor interface {
	Load(ctx context.Context, name string) (int64, error)
	Save(ctx context.Context, name string, increment int64) error
}

// Publisher delivers a batch of messages, all or nothing.
type Publisher interface {
	Publish(ctx context.Context, msgs []Message) error
}

// Message is one rendered diff.
type Message struct {
	Key       []byte
	Value     []byte
	Increment int64
	Resource  string
	CreatedAt time.Time
}

// Relay tails the ledger from its cursor and hands each diff to the publisher.
type Relay struct {
	source    DiffSource
	cursor    Cursor
	publisher Publisher
	name      string
	batchSize int
	logger    *slog.Logger
	metrics   *Metrics
	breaker   *circuit.Breaker
	now       func() time.Time

	mu   sync.Mutex
	wake chan struct{}
}

type Option func(*Relay)

func WithLogger(logger *slog.Logger) Option {
	return func(r *Relay) { r.logger = logger }
}

func WithMetrics(m *Metrics) Option {
	return func(r *Relay) { r.metrics = m }
}

func WithBatchSize(n int) Option {
	return func(r *Relay) {
		if n > 0 {
			r.batchSize = n
		}
	}
}

// WithBreaker stops Notify from triggering drains while the broker keeps
// failing. CatchUp still drains and closes the circuit once batches go through.
func WithBreaker(b *circuit.Breaker) Option {
	return func(r *Relay) { r.breaker = b }
}

// WithName selects the cursor row, so several relays can tail the ledger.
func WithName(name string) Option {
	return func(r *Relay) {
		if name != "" {
			r.name = name
		}
	}
}

func NewRelay(source DiffSource, cursor Cursor, publisher Publisher, opts ...Option) *Relay {
	r := &Relay{
		source:    source,
		cursor:    cursor,
		publisher: publisher,
		name:      defaultCursorName,
		batchSize: defaultBatchSize,
		logger:    slog.Default(),
		now:       time.Now,
		wake:      make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Notify asks Run for a drain. Pending requests coalesce.
func (r *Relay) Notify() {
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

// Run drains once, then on every Notify until ctx is done. Drain failures
// are logged and retried on the next wake-up.
func (r *Relay) Run(ctx context.Context) error {
	r.Notify()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-r.wake:
			if r.breaker != nil && r.breaker.IsOpen() {
				r.logger.DebugContext(ctx, "diff relay circuit open, waiting for catch-up", "relay", r.name)
				continue
			}
			if _, err := r.Drain(ctx); err != nil && ctx.Err() == nil {
				r.logger.ErrorContext(ctx, "diff relay drain failed", "relay", r.name, "error", err)
			}
		}
	}
}

// CatchUp drains whatever the circuit state. Schedule it so a relay whose
// circuit opened keeps probing the broker.
func (r *Relay) CatchUp(ctx context.Context) error {
	n, err := r.Drain(ctx)
	if err != nil {
		return err
	}
	if n > 0 {
		r.logger.InfoContext(ctx, "diff relay caught up", "relay", r.name, "count", n)
	}
	return nil
}

// Drain publishes every diff past the cursor and returns how many were sent.
// The cursor moves only after a batch is acknowledged, so a failed batch is
// sent again on the next drain.
func (r *Relay) Drain(ctx context.Context) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	after, err := r.cursor.Load(ctx, r.name)
	if err != nil {
		return 0, fmt.Errorf("load cursor: %w", err)
	}
	total := 0
	for {
		diffs, err := r.source.Diffs(ctx, after, r.batchSize, "")
		if err != nil {
			return total, fmt.Errorf("list diffs after %d: %w", after, err)
		}
		if len(diffs) == 0 {
			return total, nil
		}

		msgs, err := encode(diffs)
		if err != nil {
			return total, err
		}
		if err := r.publisher.Publish(ctx, msgs); err != nil {
			if r.metrics != nil {
				r.metrics.Failures.Inc()
			}
			r.recordOutcome(ctx, err)
			return total, fmt.Errorf("publish diffs after %d: %w", after, err)
		}
		r.recordOutcome(ctx, nil)

		last := diffs[len(diffs)-1]
		if err := r.cursor.Save(ctx, r.name, last.PK); err != nil {
			return total, fmt.Errorf("save cursor %d: %w", last.PK, err)
		}
		after = last.PK
		total += len(diffs)
		if r.metrics != nil {
			r.metrics.observe(msgs, r.now())
		}
		r.logger.DebugContext(ctx, "diffs relayed", "relay", r.name, "count", len(diffs), "increment", after)

		if len(diffs) < r.batchSize {
			return total, nil
		}
	}
}

func (r *Relay) recordOutcome(ctx context.Context, err error) {
	if r.breaker == nil {
		return
	}
	var change circuit.Change
	if err != nil {
		_, change = r.breaker.RecordFailure()
	} else {
		_, change = r.breaker.RecordSuccess()
	}
	switch {
	case change.Opened:
		r.logger.WarnContext(ctx, "diff relay circuit opened", "relay", r.name, "error", err)
	case change.Closed:
		r.logger.InfoContext(ctx, "diff relay circuit closed", "relay", r.name)
	}
	if r.metrics != nil && (change.Opened || change.Closed) {
		r.metrics.setCircuit(r.breaker.IsOpen())
	}
}

func encode(diffs []*models.Diff) ([]Message, error) {
	msgs := make([]Message, 0, len(diffs))
	for _, d := range diffs {
		body, err := handler.RenderDiff(d)
		if err != nil {
			return nil, err
		}
		value, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encode diff %d: %w", d.PK, err)
		}
		msgs = append(msgs, Message{
			Key:       []byte(d.ResourceID),
			Value:     value,
			Increment: d.PK,
			Resource:  d.ResourceName,
			CreatedAt: d.CreatedAt,
		})
	}
	return msgs, nil
}

func formatIncrement(n int64) []byte {
	return []byte(strconv.FormatInt(n, 10))
}
