package memory

import (
	"context"
	"reflect"
	"slices"
	"sort"

	"ban/internal/resource/models"
	"ban/internal/resource/schema"
	"ban/internal/resource/store"
	"ban/pkg/platform/sentinel"
)

func (s *Store) Insert(ctx context.Context, rec *models.Record) error {
	defer s.write(ctx)()

	if err := s.checkUnique(rec); err != nil {
		return err
	}
	rows := s.data.records[rec.Resource]
	if rows == nil {
		rows = make(map[int64]*models.Record)
		s.data.records[rec.Resource] = rows
	}
	rec.PK = s.data.next(rec.Resource)
	rows[rec.PK] = rec.Clone()
	return nil
}

func (s *Store) Update(ctx context.Context, rec *models.Record) error {
	defer s.write(ctx)()

	if _, ok := s.data.records[rec.Resource][rec.PK]; !ok {
		return sentinel.ErrNotFound
	}
	if err := s.checkUnique(rec); err != nil {
		return err
	}
	s.data.records[rec.Resource][rec.PK] = rec.Clone()
	return nil
}

func (s *Store) checkUnique(rec *models.Record) error {
	for _, other := range s.data.records[rec.Resource] {
		if other.PK != rec.PK && other.ID == rec.ID {
			return &store.UniqueViolation{Resource: rec.Resource, Field: schema.FieldID}
		}
	}
	sch, ok := s.registry.Get(rec.Resource)
	if !ok {
		return nil
	}
	for _, f := range sch.Fields {
		if !f.Unique || isBlank(rec.Get(f.Name)) {
			continue
		}
		for _, other := range s.data.records[rec.Resource] {
			if other.PK != rec.PK && equalValue(other.Get(f.Name), rec.Get(f.Name)) {
				return &store.UniqueViolation{Resource: rec.Resource, Field: f.Name}
			}
		}
	}
	return nil
}

func (s *Store) Get(ctx context.Context, resource string, pk int64) (*models.Record, error) {
	defer s.read(ctx)()

	rec, ok := s.data.records[resource][pk]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	return rec.Clone(), nil
}

// Lock is Get: transactions are already serialized.
func (s *Store) Lock(ctx context.Context, resource string, pk int64) (*models.Record, error) {
	return s.Get(ctx, resource, pk)
}

func (s *Store) FindBy(ctx context.Context, resource, field string, value any) ([]*models.Record, error) {
	defer s.read(ctx)()

	var out []*models.Record
	for _, rec := range s.sorted(resource) {
		if matches(rec, field, value) {
			out = append(out, rec.Clone())
		}
	}
	return out, nil
}

func (s *Store) List(ctx context.Context, resource string, q store.Query) ([]*models.Record, error) {
	defer s.read(ctx)()

	matched := s.filter(resource, q)
	if q.Offset >= len(matched) {
		return []*models.Record{}, nil
	}
	matched = matched[q.Offset:]
	if q.Limit > 0 && q.Limit < len(matched) {
		matched = matched[:q.Limit]
	}
	out := make([]*models.Record, len(matched))
	for i, rec := range matched {
		out[i] = rec.Clone()
	}
	return out, nil
}

func (s *Store) Count(ctx context.Context, resource string, q store.Query) (int, error) {
	defer s.read(ctx)()
	return len(s.filter(resource, q)), nil
}

func (s *Store) Related(ctx context.Context, rel schema.Relation, pk int64) ([]*models.Record, error) {
	defer s.read(ctx)()

	var out []*models.Record
	for _, rec := range s.sorted(rel.Source) {
		if rec.IsDeleted() {
			continue
		}
		if refersTo(rec.Get(rel.Field), pk) {
			out = append(out, rec.Clone())
		}
	}
	return out, nil
}

func (s *Store) Taken(ctx context.Context, resource, field string, value any, exclude int64) (bool, error) {
	defer s.read(ctx)()

	for _, rec := range s.data.records[resource] {
		if rec.PK != exclude && matches(rec, field, value) {
			return true, nil
		}
	}
	return false, nil
}

func (s *Store) sorted(resource string) []*models.Record {
	rows := s.data.records[resource]
	out := make([]*models.Record, 0, len(rows))
	for _, rec := range rows {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PK < out[j].PK })
	return out
}

func (s *Store) filter(resource string, q store.Query) []*models.Record {
	var out []*models.Record
	for _, rec := range s.sorted(resource) {
		if rec.IsDeleted() && !q.IncludeDeleted {
			continue
		}
		ok := true
		for field, value := range q.Filters {
			if !matches(rec, field, value) {
				ok = false
				break
			}
		}
		if ok {
			out = append(out, rec)
		}
	}
	return out
}

func matches(rec *models.Record, field string, value any) bool {
	switch field {
	case schema.FieldID:
		return rec.ID == value
	case "pk":
		return equalValue(rec.PK, value)
	}
	got := rec.Get(field)
	if pks, ok := got.([]int64); ok {
		return refersTo(pks, value)
	}
	return equalValue(got, value)
}

func refersTo(v any, pk any) bool {
	switch val := v.(type) {
	case int64:
		return equalValue(val, pk)
	case []int64:
		return slices.ContainsFunc(val, func(p int64) bool { return equalValue(p, pk) })
	}
	return false
}

func equalValue(a, b any) bool {
	if ai, ok := toInt(a); ok {
		bi, ok := toInt(b)
		return ok && ai == bi
	}
	return reflect.DeepEqual(a, b)
}

func toInt(v any) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case int:
		return int64(n), true
	}
	return 0, false
}

func isBlank(v any) bool {
	if v == nil {
		return true
	}
	s, ok := v.(string)
	return ok && s == ""
}
