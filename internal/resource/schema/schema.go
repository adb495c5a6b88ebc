// Package schema declares resource field sets and the relation inventory
// derived from them. Validators, serializers and stores all read the same
// declarations.
package schema

import (
	"context"
	"fmt"
	"regexp"
	"slices"

	"ban/internal/resource/models"
)

// Type is the storage/transport type of a field.
type Type int

const (
	String Type = iota
	Integer
	Boolean
	StringList
	Dict
	Point
	DateTime
	ForeignKey
	ManyToMany
)

func (t Type) String() string {
	switch t {
	case String:
		return "string"
	case Integer:
		return "integer"
	case Boolean:
		return "boolean"
	case StringList:
		return "list"
	case Dict:
		return "dict"
	case Point:
		return "point"
	case DateTime:
		return "datetime"
	case ForeignKey:
		return "foreign key"
	case ManyToMany:
		return "many to many"
	default:
		return "unknown"
	}
}

// IsRelation reports whether the type references another resource.
func (t Type) IsRelation() bool {
	return t == ForeignKey || t == ManyToMany
}

// Meta field names shared by every resource.
const (
	FieldResource   = "resource"
	FieldID         = "id"
	FieldVersion    = "version"
	FieldCreatedAt  = "created_at"
	FieldModifiedAt = "modified_at"
	FieldCreatedBy  = "created_by"
	FieldModifiedBy = "modified_by"
	FieldStatus     = "status"
)

// MetaFields is the ordered list of meta fields exposed by every resource.
var MetaFields = []string{
	FieldID, FieldVersion, FieldCreatedAt, FieldModifiedAt,
	FieldCreatedBy, FieldModifiedBy, FieldStatus,
}

// Field declares one data field.
type Field struct {
	Name string
	Type Type

	// Target is the referenced resource for ForeignKey and ManyToMany fields.
	Target string
	// Related names the reverse relation exposed on Target.
	Related string

	Required  bool
	Choices   []string
	MinLength int
	MaxLength int
	Unique    bool
	Pattern   *regexp.Regexp

	// ReadOnly fields are derived on save; writes are accepted only when
	// they carry the current value.
	ReadOnly bool

	// Coerce normalises raw input before type coercion (e.g. lowercasing).
	Coerce func(any) any
}

// Loader fetches records needed by cross-field validation and derivation.
type Loader interface {
	Load(ctx context.Context, resource string, pk int64) (*models.Record, error)
}

// Check is the view a cross-field validation hook gets on an in-flight write.
type Check interface {
	// Value returns the cleaned value when submitted, else the instance value.
	Value(name string) any
	Submitted(name string) bool
	Instance() *models.Record
	Error(field, message string)
	Loader
}

// Schema declares a resource.
type Schema struct {
	Name        string
	Identifiers []string
	Fields      []Field

	ExcludeForCollection []string
	ExcludeForVersion    []string

	// Validate runs after per-field validation when no field failed.
	Validate func(ctx context.Context, c Check)
	// Derive computes read-only fields on the record before it is saved.
	Derive func(ctx context.Context, rec *models.Record, l Loader) error

	// CascadeOn lists the fields whose change re-derives the records reached
	// through Dependents, recursively.
	CascadeOn  []string
	Dependents []string

	byName map[string]int
}

func (s *Schema) index() {
	s.byName = make(map[string]int, len(s.Fields))
	for i, f := range s.Fields {
		s.byName[f.Name] = i
	}
}

// Field returns the declaration of a data field.
func (s *Schema) Field(name string) (*Field, bool) {
	if s.byName == nil {
		s.index()
	}
	i, ok := s.byName[name]
	if !ok {
		return nil, false
	}
	return &s.Fields[i], true
}

// FieldNames returns data field names in declaration order.
func (s *Schema) FieldNames() []string {
	names := make([]string, len(s.Fields))
	for i, f := range s.Fields {
		names[i] = f.Name
	}
	return names
}

// IsIdentifier reports whether name is a public identifier of the resource.
// "id" and "pk" are always identifiers.
func (s *Schema) IsIdentifier(name string) bool {
	return name == FieldID || name == "pk" || slices.Contains(s.Identifiers, name)
}

// ResourceFields returns every field rendered in the full resource view.
func (s *Schema) ResourceFields() []string {
	out := []string{FieldResource, FieldID}
	out = append(out, s.FieldNames()...)
	out = append(out, MetaFields[1:]...)
	return out
}

// CollectionFields returns the fields rendered in list responses.
func (s *Schema) CollectionFields() []string {
	return without(s.ResourceFields(), s.ExcludeForCollection)
}

// VersionFields returns the fields captured in version snapshots.
func (s *Schema) VersionFields() []string {
	return without(s.ResourceFields(), append([]string{FieldResource}, s.ExcludeForVersion...))
}

// IsMeta reports whether name is a meta field (or the resource marker).
func IsMeta(name string) bool {
	return name == FieldResource || slices.Contains(MetaFields, name)
}

func without(names, excluded []string) []string {
	out := make([]string, 0, len(names))
	for _, n := range names {
		if !slices.Contains(excluded, n) {
			out = append(out, n)
		}
	}
	return out
}

func (s *Schema) check() error {
	if s.Name == "" {
		return fmt.Errorf("schema without name")
	}
	seen := map[string]bool{}
	for _, f := range s.Fields {
		if seen[f.Name] {
			return fmt.Errorf("%s: duplicate field %q", s.Name, f.Name)
		}
		if IsMeta(f.Name) {
			return fmt.Errorf("%s: field %q shadows a meta field", s.Name, f.Name)
		}
		seen[f.Name] = true
		if f.Type.IsRelation() && f.Target == "" {
			return fmt.Errorf("%s.%s: relation without target", s.Name, f.Name)
		}
	}
	for _, id := range s.Identifiers {
		if !seen[id] {
			return fmt.Errorf("%s: identifier %q is not a field", s.Name, id)
		}
	}
	for _, name := range s.CascadeOn {
		if !seen[name] {
			return fmt.Errorf("%s: cascade field %q is not a field", s.Name, name)
		}
	}
	s.index()
	return nil
}
