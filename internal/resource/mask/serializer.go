package mask

import (
	"context"
	"fmt"
	"time"

	"ban/internal/resource/models"
	"ban/internal/resource/schema"
)

// Source gives the serializer access to related records.
type Source interface {
	Ref(ctx context.Context, resource string, pk int64) (models.Ref, error)
	Load(ctx context.Context, resource string, pk int64) (*models.Record, error)
	Related(ctx context.Context, rel schema.Relation, pk int64) ([]*models.Record, error)
}

// Serializer renders records through masks.
type Serializer struct {
	registry *schema.Registry
	source   Source
}

func NewSerializer(registry *schema.Registry, source Source) *Serializer {
	return &Serializer{registry: registry, source: source}
}

// FormatTime renders datetimes as ISO-8601 in UTC.
func FormatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// AsResource is the full view: every field plus first-level expansion of
// forward relations.
func AsResource(s *schema.Schema) Mask {
	m := All()
	for _, f := range s.Fields {
		if f.Type.IsRelation() {
			m[f.Name] = All()
		}
	}
	return m
}

// AsRelation renders every field with relations as ids.
func AsRelation(*schema.Schema) Mask {
	return All()
}

// AsCollection is the list view.
func AsCollection(s *schema.Schema) Mask {
	return Fields(s.CollectionFields()...)
}

// AsVersion is the snapshot view stored in versions.
func AsVersion(s *schema.Schema) Mask {
	return Fields(s.VersionFields()...)
}

// Render serializes rec through m.
func (s *Serializer) Render(ctx context.Context, rec *models.Record, m Mask) (map[string]any, error) {
	sch, ok := s.registry.Get(rec.Resource)
	if !ok {
		return nil, fmt.Errorf("unknown resource %q", rec.Resource)
	}
	if len(m) == 0 {
		m = All()
	}

	names := make([]string, 0, len(m))
	if m.HasWildcard() {
		names = append(names, sch.ResourceFields()...)
	}
	for name := range m {
		if name != Wildcard {
			names = append(names, name)
		}
	}

	out := make(map[string]any, len(names))
	for _, name := range names {
		if _, done := out[name]; done {
			continue
		}
		value, err := s.renderField(ctx, sch, rec, name, m[name])
		if err != nil {
			return nil, err
		}
		out[name] = value
	}
	return out, nil
}

// RenderMany serializes a list of records.
func (s *Serializer) RenderMany(ctx context.Context, recs []*models.Record, m Mask) ([]map[string]any, error) {
	out := make([]map[string]any, 0, len(recs))
	for _, rec := range recs {
		rendered, err := s.Render(ctx, rec, m)
		if err != nil {
			return nil, err
		}
		out = append(out, rendered)
	}
	return out, nil
}

func (s *Serializer) renderField(ctx context.Context, sch *schema.Schema, rec *models.Record, name string, child Mask) (any, error) {
	switch name {
	case schema.FieldResource:
		return rec.Resource, nil
	case schema.FieldID:
		return rec.ID, nil
	case schema.FieldVersion:
		return rec.Version, nil
	case schema.FieldCreatedAt:
		return FormatTime(rec.CreatedAt), nil
	case schema.FieldModifiedAt:
		return FormatTime(rec.ModifiedAt), nil
	case schema.FieldCreatedBy:
		return sessionRef(rec.CreatedBy), nil
	case schema.FieldModifiedBy:
		return sessionRef(rec.ModifiedBy), nil
	case schema.FieldStatus:
		return rec.Status(), nil
	}

	if f, ok := sch.Field(name); ok {
		return s.renderData(ctx, f, rec.Get(name), child)
	}
	if rel, ok := s.registry.Relation(sch.Name, name); ok {
		related, err := s.source.Related(ctx, rel, rec.PK)
		if err != nil {
			return nil, err
		}
		items := make([]any, 0, len(related))
		for _, r := range related {
			if len(child) == 0 {
				items = append(items, r.ID)
				continue
			}
			rendered, err := s.Render(ctx, r, child)
			if err != nil {
				return nil, err
			}
			items = append(items, rendered)
		}
		return items, nil
	}
	return nil, &UnknownFieldError{Resource: sch.Name, Field: name}
}

func sessionRef(pk int64) any {
	if pk == 0 {
		return nil
	}
	return pk
}

func (s *Serializer) renderData(ctx context.Context, f *schema.Field, value any, child Mask) (any, error) {
	switch f.Type {
	case schema.ForeignKey:
		pk, _ := value.(int64)
		if pk == 0 {
			return nil, nil
		}
		return s.renderRelated(ctx, f.Target, pk, child)
	case schema.ManyToMany:
		pks, _ := value.([]int64)
		items := make([]any, 0, len(pks))
		for _, pk := range pks {
			item, err := s.renderRelated(ctx, f.Target, pk, child)
			if err != nil {
				return nil, err
			}
			items = append(items, item)
		}
		return items, nil
	case schema.Point:
		p, _ := value.(*models.Point)
		if p == nil {
			return nil, nil
		}
		return p.GeoJSON(), nil
	case schema.DateTime:
		t, ok := value.(time.Time)
		if !ok {
			return nil, nil
		}
		return FormatTime(t), nil
	case schema.StringList:
		list, _ := value.([]string)
		if list == nil {
			list = []string{}
		}
		return list, nil
	case schema.Dict:
		dict, _ := value.(map[string]string)
		if dict == nil {
			dict = map[string]string{}
		}
		return dict, nil
	default:
		return value, nil
	}
}

func (s *Serializer) renderRelated(ctx context.Context, resource string, pk int64, child Mask) (any, error) {
	if len(child) == 0 {
		ref, err := s.source.Ref(ctx, resource, pk)
		if err != nil {
			return nil, err
		}
		return ref.ID, nil
	}
	rec, err := s.source.Load(ctx, resource, pk)
	if err != nil {
		return nil, err
	}
	return s.Render(ctx, rec, child)
}
