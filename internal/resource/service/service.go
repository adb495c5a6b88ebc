// Package service drives reads and writes of versioned resources: identifier
// resolution, validation, optimistic merging, version snapshots, diffs and
// redirects.
package service

import (
	"context"
	"errors"
	"log/slog"
	"strconv"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"ban/internal/resource/cache"
	"ban/internal/resource/identifier"
	"ban/internal/resource/mask"
	"ban/internal/resource/metrics"
	"ban/internal/resource/models"
	"ban/internal/resource/schema"
	"ban/internal/resource/store"
	"ban/internal/resource/validator"
	"ban/pkg/attrs"
	dErrors "ban/pkg/domain-errors"
	"ban/pkg/platform/sentinel"
	"ban/pkg/requestcontext"
)

// Service orchestrates resource reads and writes.
type Service struct {
	registry   *schema.Registry
	store      store.Store
	refs       *cache.Refs
	validator  *validator.Validator
	serializer *mask.Serializer
	metrics    *metrics.Metrics
	logger     *slog.Logger
	tracer     trace.Tracer
}

type Option func(*Service)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		s.logger = logger
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) {
		s.metrics = m
	}
}

// WithCache replaces the default process-local reference cache.
func WithCache(refs *cache.Refs) Option {
	return func(s *Service) {
		s.refs = refs
	}
}

func WithTracer(t trace.Tracer) Option {
	return func(s *Service) {
		s.tracer = t
	}
}

// New constructs a Service.
func New(registry *schema.Registry, st store.Store, opts ...Option) *Service {
	s := &Service{
		registry: registry,
		store:    st,
		logger:   slog.Default(),
		tracer:   otel.Tracer("ban/resource"),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.refs == nil {
		s.refs = cache.NewRefs(cache.NewMemory(), cache.WithLogger(s.logger))
	}
	l := &lookup{s: s}
	s.validator = validator.New(l)
	s.serializer = mask.NewSerializer(registry, l)
	return s
}

// Registry exposes the schema registry.
func (s *Service) Registry() *schema.Registry {
	return s.registry
}

// Schema returns the schema of a resource or a not found error.
func (s *Service) Schema(resource string) (*schema.Schema, error) {
	sch, ok := s.registry.Get(resource)
	if !ok {
		return nil, dErrors.New(dErrors.CodeNotFound, "unknown resource "+strconv.Quote(resource))
	}
	return sch, nil
}

// lookup adapts the store to the validator, the identifier resolver and the
// serializer.
type lookup struct {
	s *Service
}

func (l *lookup) FindBy(ctx context.Context, resource, name, value string) ([]*models.Record, error) {
	if name == identifier.PK {
		pk, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return nil, nil
		}
		rec, err := l.s.store.Get(ctx, resource, pk)
		if errors.Is(err, sentinel.ErrNotFound) {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		return []*models.Record{rec}, nil
	}
	return l.s.store.FindBy(ctx, resource, name, value)
}

func (l *lookup) Follow(ctx context.Context, resource, name, value string) ([]*models.Record, error) {
	return l.s.follow(ctx, resource, name, value)
}

func (l *lookup) Reference(ctx context.Context, resource string, raw any) (*models.Record, error) {
	sch, err := l.s.Schema(resource)
	if err != nil {
		return nil, err
	}
	return identifier.ResolveReference(ctx, l, sch, raw)
}

func (l *lookup) Taken(ctx context.Context, resource, field string, value any, exclude int64) (bool, error) {
	return l.s.store.Taken(ctx, resource, field, value, exclude)
}

func (l *lookup) Load(ctx context.Context, resource string, pk int64) (*models.Record, error) {
	return l.s.store.Get(ctx, resource, pk)
}

func (l *lookup) Ref(ctx context.Context, resource string, pk int64) (models.Ref, error) {
	return l.s.refs.Get(ctx, resource, pk, func(ctx context.Context) (models.Ref, error) {
		rec, err := l.s.store.Get(ctx, resource, pk)
		if err != nil {
			return models.Ref{}, err
		}
		ref := rec.Ref()
		ref.Deleted = rec.IsDeleted()
		return ref, nil
	})
}

func (l *lookup) Related(ctx context.Context, rel schema.Relation, pk int64) ([]*models.Record, error) {
	return l.s.store.Related(ctx, rel, pk)
}

// actor returns the session attached to ctx. Every write is attributed.
func actor(ctx context.Context) (requestcontext.Principal, error) {
	p, ok := requestcontext.Actor(ctx)
	if !ok || p.SessionPK == 0 {
		return requestcontext.Principal{}, dErrors.New(dErrors.CodeUnauthorized, "no active session")
	}
	return p, nil
}

// translate maps store and identifier failures to coded errors. Identifier
// signals (redirects, deleted) pass through untouched for the transport.
func translate(err error, message string) error {
	if err == nil {
		return nil
	}
	var (
		de       *dErrors.Error
		redirect *identifier.RedirectError
		multiple *identifier.MultipleRedirectsError
		deleted  *identifier.DeletedError
		invalid  *identifier.InvalidIdentifierError
		unique   *store.UniqueViolation
		unknown  *mask.UnknownFieldError
	)
	switch {
	case errors.As(err, &de), errors.As(err, &redirect), errors.As(err, &multiple), errors.As(err, &deleted):
		return err
	case errors.As(err, &invalid):
		return dErrors.Wrap(err, dErrors.CodeBadRequest, invalid.Error())
	case errors.As(err, &unknown):
		return dErrors.Wrap(err, dErrors.CodeBadRequest, unknown.Error())
	case errors.As(err, &unique):
		return dErrors.Validation("Invalid data", map[string]string{unique.Field: validator.MsgAlreadyExists})
	case errors.Is(err, sentinel.ErrNotFound):
		return dErrors.Wrap(err, dErrors.CodeNotFound, message+": not found")
	case errors.Is(err, sentinel.ErrConflict):
		return dErrors.Wrap(err, dErrors.CodeConflict, "version conflict")
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return dErrors.Wrap(err, dErrors.CodeTimeout, message)
	default:
		return dErrors.Wrap(err, dErrors.CodeInternal, message)
	}
}

func (s *Service) startSpan(ctx context.Context, name, resource string) (context.Context, trace.Span) {
	return s.tracer.Start(ctx, name, trace.WithAttributes(attribute.String("ban.resource", resource)))
}

func (s *Service) logAudit(ctx context.Context, event string, attributes ...any) {
	if requestID := requestcontext.RequestID(ctx); requestID != "" {
		attributes = append(attributes, "request_id", requestID)
	}
	if p, ok := requestcontext.Actor(ctx); ok {
		attributes = append(attributes, "session_id", p.SessionID, "contributor_type", p.ContributorType)
	}
	args := append(attributes, "event", event, "log_type", "audit")
	if s.logger != nil {
		s.logger.InfoContext(ctx, event, args...)
	}
	if id, ok := attrs.String(attributes, "resource_id"); ok && id != "" {
		trace.SpanFromContext(ctx).AddEvent(event, trace.WithAttributes(attribute.String("ban.resource_id", id)))
	}
}

func (s *Service) observeWrite(resource, operation string) {
	if s.metrics != nil {
		s.metrics.IncrementWrite(resource, operation)
	}
}

func (s *Service) incrementMerge() {
	if s.metrics != nil {
		s.metrics.IncrementMerge()
	}
}

func (s *Service) incrementConflict() {
	if s.metrics != nil {
		s.metrics.IncrementConflict()
	}
}

func (s *Service) incrementRedirect() {
	if s.metrics != nil {
		s.metrics.IncrementRedirect()
	}
}
