package models

import (
	"maps"
	"slices"
	"time"
)

// Resource status values.
const (
	StatusActive  = "active"
	StatusDeleted = "deleted"
)

// Record is the live row of a versioned resource.
//
// Invariants:
//   - ID is minted once at creation and never reused
//   - Version equals the number of committed versions
//   - Fields holds internal values: foreign keys as target PK (int64),
//     many-to-many as []int64, points as *Point, datetimes as time.Time
type Record struct {
	PK         int64
	ID         string
	Resource   string
	Version    int
	CreatedAt  time.Time
	ModifiedAt time.Time
	CreatedBy  int64
	ModifiedBy int64
	DeletedAt  *time.Time
	Fields     map[string]any
}

// NewRecord returns an empty record for resource.
func NewRecord(resource string) *Record {
	return &Record{Resource: resource, Fields: make(map[string]any)}
}

func (r *Record) IsDeleted() bool {
	return r.DeletedAt != nil
}

func (r *Record) Status() string {
	if r.IsDeleted() {
		return StatusDeleted
	}
	return StatusActive
}

// Get returns the internal value of a field, nil when unset.
func (r *Record) Get(name string) any {
	if r.Fields == nil {
		return nil
	}
	return r.Fields[name]
}

// String returns a string field, "" when unset or not a string.
func (r *Record) String(name string) string {
	s, _ := r.Get(name).(string)
	return s
}

// FK returns a foreign key field, 0 when unset.
func (r *Record) FK(name string) int64 {
	pk, _ := r.Get(name).(int64)
	return pk
}

// Set assigns a field value.
func (r *Record) Set(name string, value any) {
	if r.Fields == nil {
		r.Fields = make(map[string]any)
	}
	r.Fields[name] = value
}

// Ref returns the lightweight reference of the record.
func (r *Record) Ref() Ref {
	return Ref{Resource: r.Resource, PK: r.PK, ID: r.ID}
}

// Clone copies the record so callers can mutate it without touching shared
// state. Slice and map values are copied one level deep.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	c := *r
	if r.DeletedAt != nil {
		t := *r.DeletedAt
		c.DeletedAt = &t
	}
	c.Fields = make(map[string]any, len(r.Fields))
	for k, v := range r.Fields {
		c.Fields[k] = cloneValue(v)
	}
	return &c
}

func cloneValue(v any) any {
	switch val := v.(type) {
	case []string:
		return slices.Clone(val)
	case []int64:
		return slices.Clone(val)
	case map[string]string:
		return maps.Clone(val)
	case *Point:
		if val == nil {
			return val
		}
		p := *val
		return &p
	default:
		return v
	}
}

// Ref identifies a resource row without loading its fields.
type Ref struct {
	Resource string `json:"resource"`
	PK       int64  `json:"pk"`
	ID       string `json:"id"`
	Deleted  bool   `json:"deleted,omitempty"`
}
