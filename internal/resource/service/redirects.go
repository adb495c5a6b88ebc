package service

import (
	"cmp"
	"context"
	"errors"
	"slices"
	"strconv"

	"ban/internal/resource/identifier"
	"ban/internal/resource/models"
	"ban/internal/resource/schema"
	"ban/pkg/platform/sentinel"
	"ban/pkg/requestcontext"
)

// follow resolves a former identifier value to the live records it leads to.
// Redirects landing on a deleted record continue through the redirects of
// that record's id. The walk is bounded by the number of redirects of the
// resource, so a corrupted graph cannot loop.
func (s *Service) follow(ctx context.Context, resource, name, value string) ([]*models.Record, error) {
	limit, err := s.store.CountRedirects(ctx, resource)
	if err != nil {
		return nil, err
	}
	queue, err := s.store.RedirectTargets(ctx, resource, name, value)
	if err != nil {
		return nil, err
	}

	seen := map[int64]bool{}
	var live []*models.Record
	for hops := 0; len(queue) > 0 && hops <= limit; hops++ {
		var next []int64
		for _, pk := range queue {
			if seen[pk] {
				continue
			}
			seen[pk] = true
			rec, err := s.store.Get(ctx, resource, pk)
			if errors.Is(err, sentinel.ErrNotFound) {
				continue
			}
			if err != nil {
				return nil, err
			}
			if !rec.IsDeleted() {
				live = append(live, rec)
				continue
			}
			more, err := s.store.RedirectTargets(ctx, resource, identifier.ID, rec.ID)
			if err != nil {
				return nil, err
			}
			next = append(next, more...)
		}
		queue = next
	}
	slices.SortFunc(live, func(a, b *models.Record) int {
		return cmp.Compare(a.PK, b.PK)
	})
	return live, nil
}

// Redirects lists the former identifier values that lead to a resource.
func (s *Service) Redirects(ctx context.Context, resource, ref string) ([]string, error) {
	sch, err := s.Schema(resource)
	if err != nil {
		return nil, err
	}
	rec, err := s.target(ctx, sch, ref, true)
	if err != nil {
		return nil, translate(err, "failed to load "+resource)
	}
	redirects, err := s.store.RedirectsTo(ctx, sch.Name, rec.PK)
	if err != nil {
		return nil, translate(err, "failed to list redirects")
	}
	out := make([]string, 0, len(redirects))
	for _, r := range redirects {
		out = append(out, identifier.Format(r.Identifier, r.Value))
	}
	return out, nil
}

// AddRedirect makes the former reference old lead to the resource. Adding a
// redirect from the id of another resource also moves every redirect that
// led to that resource. Adding an existing redirect is a no-op.
func (s *Service) AddRedirect(ctx context.Context, resource, ref, old string) error {
	sch, err := s.Schema(resource)
	if err != nil {
		return err
	}
	if _, err := actor(ctx); err != nil {
		return err
	}
	name, value, err := s.redirectSource(sch, old)
	if err != nil {
		return err
	}
	ctx, span := s.startSpan(ctx, "resource.redirect.add", resource)
	defer span.End()

	var target *models.Record
	err = s.store.RunInTx(ctx, func(ctx context.Context) error {
		rec, err := s.target(ctx, sch, ref, false)
		if err != nil {
			return err
		}
		target = rec
		if currentValue(rec, name) == value {
			return invalid(map[string]string{"identifier": "A resource cannot redirect to itself."})
		}

		holders, err := (&lookup{s: s}).FindBy(ctx, sch.Name, name, value)
		if err != nil {
			return err
		}
		var previous *models.Record
		for _, h := range holders {
			if !h.IsDeleted() {
				return invalid(map[string]string{"identifier": "Value is in use by " + h.ID + "."})
			}
			if name == identifier.ID {
				previous = h
			}
		}

		err = s.store.AddRedirect(ctx, &models.Redirect{
			ModelName:  sch.Name,
			Identifier: name,
			Value:      value,
			ModelPK:    rec.PK,
			CreatedAt:  requestcontext.Now(ctx),
		})
		if errors.Is(err, sentinel.ErrAlreadyUsed) {
			return nil
		}
		if err != nil {
			return err
		}
		if previous != nil {
			return s.store.RetargetRedirects(ctx, sch.Name, previous.PK, rec.PK)
		}
		return nil
	})
	if err != nil {
		span.RecordError(err)
		return translate(err, "failed to add redirect")
	}
	s.incrementRedirect()
	s.logAudit(ctx, "redirect_added", "resource", resource, "resource_id", target.ID,
		"from", identifier.Format(name, value))
	return nil
}

// RemoveRedirect deletes exactly one redirect leading to the resource.
func (s *Service) RemoveRedirect(ctx context.Context, resource, ref, old string) error {
	sch, err := s.Schema(resource)
	if err != nil {
		return err
	}
	if _, err := actor(ctx); err != nil {
		return err
	}
	name, value, err := s.redirectSource(sch, old)
	if err != nil {
		return err
	}

	var target *models.Record
	err = s.store.RunInTx(ctx, func(ctx context.Context) error {
		rec, err := s.target(ctx, sch, ref, true)
		if err != nil {
			return err
		}
		target = rec
		return s.store.RemoveRedirect(ctx, sch.Name, name, value, rec.PK)
	})
	if err != nil {
		return translate(err, "redirect "+identifier.Format(name, value))
	}
	s.logAudit(ctx, "redirect_removed", "resource", resource, "resource_id", target.ID,
		"from", identifier.Format(name, value))
	return nil
}

func (s *Service) redirectSource(sch *schema.Schema, old string) (string, string, error) {
	name, value, err := identifier.Parse(old)
	if err != nil {
		return "", "", invalid(map[string]string{"identifier": "Invalid reference."})
	}
	if name == identifier.PK {
		return "", "", invalid(map[string]string{"identifier": "Redirects cannot use pk."})
	}
	if !sch.IsIdentifier(name) {
		return "", "", invalid(map[string]string{"identifier": "Invalid identifier " + strconv.Quote(name) + "."})
	}
	return name, value, nil
}

func currentValue(rec *models.Record, name string) string {
	switch name {
	case identifier.ID:
		return rec.ID
	case identifier.PK:
		return strconv.FormatInt(rec.PK, 10)
	default:
		return rec.String(name)
	}
}
