package service

import (
	"context"
	"errors"
	"strconv"
	"strings"

	"golang.org/x/sync/errgroup"

	"ban/internal/resource/identifier"
	"ban/internal/resource/mask"
	"ban/internal/resource/models"
	"ban/internal/resource/schema"
	"ban/internal/resource/store"
	"ban/internal/resource/validator"
	dErrors "ban/pkg/domain-errors"
	"ban/pkg/platform/tx"
)

// Pagination bounds.
const (
	DefaultLimit = 20
	MaxLimit     = 1000
)

// Page is one page of a collection.
type Page[T any] struct {
	Items  []T
	Total  int
	Limit  int
	Offset int
}

// HasNext reports whether another page follows.
func (p *Page[T]) HasNext() bool {
	return p.Offset+p.Limit < p.Total
}

// HasPrevious reports whether a page precedes.
func (p *Page[T]) HasPrevious() bool {
	return p.Offset > 0
}

// ClampPage normalizes limit and offset.
func ClampPage(limit, offset int) (int, int) {
	if limit <= 0 {
		limit = DefaultLimit
	}
	if limit > MaxLimit {
		limit = MaxLimit
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}

// Get resolves ref. Besides coded errors it returns the identifier signals
// *identifier.RedirectError, *identifier.MultipleRedirectsError and
// *identifier.DeletedError, which the transport renders as 302, 300 and 410.
func (s *Service) Get(ctx context.Context, resource, ref string) (*models.Record, error) {
	sch, err := s.Schema(resource)
	if err != nil {
		return nil, err
	}
	rec, err := identifier.Resolve(ctx, &lookup{s: s}, sch, ref)
	if err != nil {
		return nil, translate(err, resource+" "+ref)
	}
	return rec, nil
}

// Render serializes rec through m.
func (s *Service) Render(ctx context.Context, rec *models.Record, m mask.Mask) (map[string]any, error) {
	out, err := s.serializer.Render(ctx, rec, m)
	if err != nil {
		return nil, translate(err, "failed to render "+rec.Resource)
	}
	return out, nil
}

// RenderMany serializes recs through m.
func (s *Service) RenderMany(ctx context.Context, recs []*models.Record, m mask.Mask) ([]map[string]any, error) {
	out, err := s.serializer.RenderMany(ctx, recs, m)
	if err != nil {
		return nil, translate(err, "failed to render collection")
	}
	return out, nil
}

// List returns live records of resource matching filters. Filter values on
// relations accept any reference; a reference that matches nothing yields
// an empty page.
func (s *Service) List(ctx context.Context, resource string, filters map[string]string, limit, offset int) (*Page[*models.Record], error) {
	sch, err := s.Schema(resource)
	if err != nil {
		return nil, err
	}
	limit, offset = ClampPage(limit, offset)
	page := &Page[*models.Record]{Items: []*models.Record{}, Limit: limit, Offset: offset}

	q := store.Query{Filters: map[string]any{}, Limit: limit, Offset: offset}
	for name, raw := range filters {
		value, matchable, err := s.filterValue(ctx, sch, name, raw)
		if err != nil {
			return nil, err
		}
		if !matchable {
			return page, nil
		}
		q.Filters[name] = value
	}

	fetch := func(ctx context.Context) error {
		items, err := s.store.List(ctx, sch.Name, q)
		if err != nil {
			return err
		}
		page.Items = items
		return nil
	}
	count := func(ctx context.Context) error {
		total, err := s.store.Count(ctx, sch.Name, q)
		if err != nil {
			return err
		}
		page.Total = total
		return nil
	}

	// A transaction is bound to one connection, so queries inside it stay
	// sequential.
	if tx.Active(ctx) {
		if err := fetch(ctx); err != nil {
			return nil, translate(err, "failed to list "+resource)
		}
		if err := count(ctx); err != nil {
			return nil, translate(err, "failed to count "+resource)
		}
		return page, nil
	}
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return fetch(gctx) })
	g.Go(func() error { return count(gctx) })
	if err := g.Wait(); err != nil {
		return nil, translate(err, "failed to list "+resource)
	}
	return page, nil
}

func (s *Service) filterValue(ctx context.Context, sch *schema.Schema, name, raw string) (any, bool, error) {
	if name == schema.FieldID {
		return raw, true, nil
	}
	f, ok := sch.Field(name)
	if !ok {
		return nil, false, dErrors.New(dErrors.CodeBadRequest, "unknown filter "+strconv.Quote(name))
	}
	switch f.Type {
	case schema.ForeignKey, schema.ManyToMany:
		target, err := s.Schema(f.Target)
		if err != nil {
			return nil, false, err
		}
		rec, err := identifier.ResolveReference(ctx, &lookup{s: s}, target, raw)
		if err != nil {
			var invalid *identifier.InvalidIdentifierError
			if errors.As(err, &invalid) {
				return nil, false, translate(err, "")
			}
			return nil, false, nil
		}
		return rec.PK, true, nil
	case schema.String:
		value := strings.TrimSpace(raw)
		if f.Coerce != nil {
			if coerced, ok := f.Coerce(value).(string); ok {
				value = coerced
			}
		}
		return value, true, nil
	case schema.Integer:
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return nil, false, dErrors.New(dErrors.CodeBadRequest, "filter "+strconv.Quote(name)+" expects an integer")
		}
		return n, true, nil
	case schema.Boolean:
		b, err := strconv.ParseBool(raw)
		if err != nil {
			return nil, false, dErrors.New(dErrors.CodeBadRequest, "filter "+strconv.Quote(name)+" expects a boolean")
		}
		return b, true, nil
	default:
		return nil, false, dErrors.New(dErrors.CodeBadRequest, "field "+strconv.Quote(name)+" cannot be filtered")
	}
}

// Versions lists the versions of a resource, oldest first.
func (s *Service) Versions(ctx context.Context, resource, ref string, limit, offset int) (*Page[*models.Version], error) {
	sch, err := s.Schema(resource)
	if err != nil {
		return nil, err
	}
	rec, err := s.target(ctx, sch, ref, true)
	if err != nil {
		return nil, translate(err, resource+" "+ref)
	}
	limit, offset = ClampPage(limit, offset)
	versions, err := s.store.ListVersions(ctx, sch.Name, rec.PK, limit, offset)
	if err != nil {
		return nil, translate(err, "failed to list versions")
	}
	total, err := s.store.CountVersions(ctx, sch.Name, rec.PK)
	if err != nil {
		return nil, translate(err, "failed to count versions")
	}
	return &Page[*models.Version]{Items: versions, Total: total, Limit: limit, Offset: offset}, nil
}

// Version loads one version. vref is a sequential number or an ISO-8601
// date or datetime selecting the version active at that instant.
func (s *Service) Version(ctx context.Context, resource, ref, vref string) (*models.Version, error) {
	sch, err := s.Schema(resource)
	if err != nil {
		return nil, err
	}
	rec, err := s.target(ctx, sch, ref, true)
	if err != nil {
		return nil, translate(err, resource+" "+ref)
	}

	var v *models.Version
	if n, convErr := strconv.Atoi(vref); convErr == nil {
		v, err = s.store.GetVersion(ctx, sch.Name, rec.PK, n)
	} else {
		at, parseErr := validator.ParseTime(vref)
		if parseErr != nil {
			return nil, dErrors.New(dErrors.CodeBadRequest, "invalid version reference "+strconv.Quote(vref))
		}
		v, err = s.store.VersionAt(ctx, sch.Name, rec.PK, at)
	}
	if err != nil {
		return nil, translate(err, "version "+vref)
	}
	return v, nil
}

// Diffs lists the change ledger after the increment cursor.
func (s *Service) Diffs(ctx context.Context, after int64, limit int, resource string) ([]*models.Diff, error) {
	if resource != "" {
		if _, err := s.Schema(resource); err != nil {
			return nil, err
		}
	}
	if after < 0 {
		after = 0
	}
	limit, _ = ClampPage(limit, 0)
	diffs, err := s.store.ListDiffs(ctx, after, limit, resource)
	if err != nil {
		return nil, translate(err, "failed to list diffs")
	}
	return diffs, nil
}
