// Package batch runs a list of REST operations against the resource API
// inside one store transaction.
package batch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	dErrors "ban/pkg/domain-errors"
	"ban/pkg/platform/httputil"
	"ban/pkg/requestcontext"
)

// Path is where the executor is mounted. Entries may not target it.
const Path = "/batch"

const defaultMaxEntries = 1000

// TxRunner opens the transaction every entry joins.
type TxRunner interface {
	RunInTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// Entry is one operation of a batch.
type Entry struct {
	Method string          `json:"method"`
	Path   string          `json:"path"`
	Body   json.RawMessage `json:"body,omitempty"`
}

// Response is the outcome of one applied entry.
type Response struct {
	Status int             `json:"status"`
	Body   json.RawMessage `json:"body"`
}

// Failure is the envelope returned when an entry aborts the batch.
type Failure struct {
	httputil.ErrorResponse
	Index int `json:"index"`
}

// Executor dispatches entries to the resource router.
type Executor struct {
	router     http.Handler
	tx         TxRunner
	logger     *slog.Logger
	metrics    *Metrics
	tracer     trace.Tracer
	maxEntries int
}

type Option func(*Executor)

func WithLogger(logger *slog.Logger) Option {
	return func(e *Executor) { e.logger = logger }
}

func WithMetrics(m *Metrics) Option {
	return func(e *Executor) { e.metrics = m }
}

func WithTracer(t trace.Tracer) Option {
	return func(e *Executor) { e.tracer = t }
}

// WithMaxEntries caps the number of entries accepted in one batch.
func WithMaxEntries(n int) Option {
	return func(e *Executor) {
		if n > 0 {
			e.maxEntries = n
		}
	}
}

// New creates an Executor. router serves the resource routes without
// authentication; the batch request's principal is inherited by every entry.
func New(router http.Handler, runner TxRunner, opts ...Option) *Executor {
	e := &Executor{
		router:     router,
		tx:         runner,
		logger:     slog.Default(),
		tracer:     otel.Tracer("ban/batch"),
		maxEntries: defaultMaxEntries,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// abort carries the response of the entry that stopped the batch.
type abort struct {
	index  int
	status int
	header http.Header
	body   []byte
}

func (a *abort) Error() string {
	return fmt.Sprintf("batch entry %d failed with status %d", a.index, a.status)
}

// Register mounts POST /batch.
func (e *Executor) Register(r chi.Router) {
	r.Post(Path, e.ServeHTTP)
}

func (e *Executor) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	start := time.Now()

	var entries []Entry
	if err := httputil.DecodeJSON(r.Body, &entries); err != nil {
		httputil.WriteError(w, err)
		return
	}
	if len(entries) == 0 {
		httputil.WriteError(w, dErrors.New(dErrors.CodeBadRequest, "batch must contain at least one request"))
		return
	}
	if len(entries) > e.maxEntries {
		httputil.WriteError(w, dErrors.New(dErrors.CodeBadRequest,
			fmt.Sprintf("batch is limited to %d requests", e.maxEntries)))
		return
	}
	for i, entry := range entries {
		if err := entry.validate(); err != nil {
			e.writeFailure(w, i, err)
			return
		}
	}

	ctx, span := e.tracer.Start(ctx, "batch.execute", trace.WithAttributes(attribute.Int("ban.batch.size", len(entries))))
	defer span.End()

	responses := make([]Response, 0, len(entries))
	err := e.tx.RunInTx(ctx, func(ctx context.Context) error {
		responses = responses[:0]
		for i, entry := range entries {
			rec := e.dispatch(ctx, r, entry)
			if rec.status < 200 || rec.status > 299 {
				return &abort{index: i, status: rec.status, header: rec.header, body: rec.buf.Bytes()}
			}
			responses = append(responses, Response{Status: rec.status, Body: rawBody(rec.buf.Bytes())})
		}
		return nil
	})

	var failed *abort
	switch {
	case errors.As(err, &failed):
		span.SetAttributes(attribute.Int("ban.batch.failed_index", failed.index))
		e.observe(len(entries), "aborted", start)
		e.logger.InfoContext(ctx, "batch aborted",
			"index", failed.index,
			"status", failed.status,
			"size", len(entries),
			"request_id", requestcontext.RequestID(ctx),
		)
		e.writeAbort(w, failed)
	case err != nil:
		span.RecordError(err)
		e.observe(len(entries), "error", start)
		e.logger.ErrorContext(ctx, "batch failed", "error", err, "request_id", requestcontext.RequestID(ctx))
		httputil.WriteError(w, err)
	default:
		e.observe(len(entries), "committed", start)
		e.logAudit(ctx, "batch_committed", "size", len(entries))
		httputil.WriteJSON(w, http.StatusOK, map[string]any{"responses": responses})
	}
}

func (e Entry) validate() error {
	method := strings.ToUpper(e.Method)
	switch method {
	case http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
	case "":
		return dErrors.Validation("Invalid batch entry", map[string]string{"method": "Missing data for required field."})
	default:
		return dErrors.Validation("Invalid batch entry", map[string]string{"method": "Unsupported method."})
	}
	if e.Path == "" {
		return dErrors.Validation("Invalid batch entry", map[string]string{"path": "Missing data for required field."})
	}
	u, err := url.Parse(e.Path)
	if err != nil || !strings.HasPrefix(u.Path, "/") || u.Host != "" {
		return dErrors.Validation("Invalid batch entry", map[string]string{"path": "Must be an absolute path."})
	}
	if strings.TrimSuffix(u.Path, "/") == Path {
		return dErrors.New(dErrors.CodeBadRequest, "batch requests cannot be nested")
	}
	if method != http.MethodDelete && isNull(e.Body) {
		return dErrors.Validation("Invalid batch entry", map[string]string{"body": "Missing data for required field."})
	}
	return nil
}

// dispatch serves one entry with the transaction context of the batch.
func (e *Executor) dispatch(ctx context.Context, outer *http.Request, entry Entry) *recorder {
	rec := newRecorder()

	// Drop the routing state of the outer request so the router matches the
	// entry path from its root.
	ctx = context.WithValue(ctx, chi.RouteCtxKey, nil)

	var body io.Reader = http.NoBody
	if !isNull(entry.Body) {
		body = bytes.NewReader(entry.Body)
	}
	req, err := http.NewRequestWithContext(ctx, strings.ToUpper(entry.Method), entry.Path, body)
	if err != nil {
		httputil.WriteError(rec, dErrors.Wrap(err, dErrors.CodeBadRequest, "invalid batch entry"))
		return rec
	}
	req.Host = outer.Host
	req.RemoteAddr = outer.RemoteAddr
	req.TLS = outer.TLS
	for _, name := range []string{"Accept", "X-Forwarded-Proto", "User-Agent"} {
		if v := outer.Header.Get(name); v != "" {
			req.Header.Set(name, v)
		}
	}
	if body != http.NoBody {
		req.Header.Set("Content-Type", httputil.ContentType)
	}

	e.router.ServeHTTP(rec, req)
	return rec
}

func (e *Executor) writeAbort(w http.ResponseWriter, failed *abort) {
	out := Failure{Index: failed.index}
	if len(failed.body) > 0 {
		_ = json.Unmarshal(failed.body, &out.ErrorResponse)
	}
	if out.Error == "" {
		out.Error = strings.ToLower(strings.ReplaceAll(http.StatusText(failed.status), " ", "_"))
	}
	if loc := failed.header.Get("Location"); loc != "" {
		w.Header().Set("Location", loc)
	}
	for _, l := range failed.header.Values("Link") {
		w.Header().Add("Link", l)
	}
	httputil.WriteJSON(w, failed.status, out)
}

func (e *Executor) writeFailure(w http.ResponseWriter, index int, err error) {
	status, body := httputil.ErrorBody(err)
	httputil.WriteJSON(w, status, Failure{ErrorResponse: body, Index: index})
}

func (e *Executor) observe(size int, outcome string, start time.Time) {
	if e.metrics != nil {
		e.metrics.Observe(size, outcome, start)
	}
}

func (e *Executor) logAudit(ctx context.Context, event string, attributes ...any) {
	if e.logger == nil {
		return
	}
	args := append(attributes, "event", event, "log_type", "audit")
	if p, ok := requestcontext.Actor(ctx); ok {
		args = append(args, "session_pk", p.SessionPK)
	}
	if requestID := requestcontext.RequestID(ctx); requestID != "" {
		args = append(args, "request_id", requestID)
	}
	e.logger.InfoContext(ctx, event, args...)
}

func isNull(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null"))
}

func rawBody(b []byte) json.RawMessage {
	trimmed := bytes.TrimSpace(b)
	if len(trimmed) == 0 || !json.Valid(trimmed) {
		return json.RawMessage("null")
	}
	return json.RawMessage(trimmed)
}
