package schema

import (
	"fmt"
	"sort"
)

// Relation is a reverse relation: the records of Source whose Field points
// at a given record of the target resource.
type Relation struct {
	Name   string
	Source string
	Field  string
	Many   bool
}

// Registry holds every schema and the reverse relation inventory built from
// their relation fields.
type Registry struct {
	order   []string
	schemas map[string]*Schema
	reverse map[string][]Relation
}

// NewRegistry validates the schemas and indexes their relations.
func NewRegistry(schemas ...*Schema) (*Registry, error) {
	r := &Registry{
		schemas: make(map[string]*Schema, len(schemas)),
		reverse: make(map[string][]Relation),
	}
	for _, s := range schemas {
		if err := s.check(); err != nil {
			return nil, err
		}
		if _, dup := r.schemas[s.Name]; dup {
			return nil, fmt.Errorf("duplicate schema %q", s.Name)
		}
		r.schemas[s.Name] = s
		r.order = append(r.order, s.Name)
	}
	for _, s := range schemas {
		for _, f := range s.Fields {
			if !f.Type.IsRelation() {
				continue
			}
			if _, ok := r.schemas[f.Target]; !ok {
				return nil, fmt.Errorf("%s.%s: unknown target %q", s.Name, f.Name, f.Target)
			}
			if f.Related == "" {
				continue
			}
			if _, clash := r.schemas[f.Target].Field(f.Related); clash {
				return nil, fmt.Errorf("%s.%s: related name %q clashes with a field of %s", s.Name, f.Name, f.Related, f.Target)
			}
			r.reverse[f.Target] = append(r.reverse[f.Target], Relation{
				Name:   f.Related,
				Source: s.Name,
				Field:  f.Name,
				Many:   f.Type == ManyToMany,
			})
		}
	}
	for _, s := range schemas {
		for _, dep := range s.Dependents {
			if _, ok := r.Relation(s.Name, dep); !ok {
				return nil, fmt.Errorf("%s: unknown dependent relation %q", s.Name, dep)
			}
		}
	}
	for name := range r.reverse {
		rels := r.reverse[name]
		sort.SliceStable(rels, func(i, j int) bool { return rels[i].Name < rels[j].Name })
	}
	return r, nil
}

// Get returns the schema of a resource.
func (r *Registry) Get(name string) (*Schema, bool) {
	s, ok := r.schemas[name]
	return s, ok
}

// MustGet panics when the resource is unknown. Use only with constants.
func (r *Registry) MustGet(name string) *Schema {
	s, ok := r.schemas[name]
	if !ok {
		panic(fmt.Sprintf("schema: unknown resource %q", name))
	}
	return s
}

// Names returns resource names in registration order.
func (r *Registry) Names() []string {
	return append([]string(nil), r.order...)
}

// Reverse returns the reverse relations exposed by a resource.
func (r *Registry) Reverse(name string) []Relation {
	return r.reverse[name]
}

// Relation looks up a reverse relation by its exposed name.
func (r *Registry) Relation(resource, name string) (Relation, bool) {
	for _, rel := range r.reverse[resource] {
		if rel.Name == name {
			return rel, true
		}
	}
	return Relation{}, false
}
