// Package mask parses field selection expressions such as "a,b.c,d.*" and
// renders records through them.
package mask

import (
	"fmt"
	"sort"
	"strings"
)

// Wildcard selects every resource field at its level.
const Wildcard = "*"

// Mask is a tree of selected fields. A nil or empty child means the field is
// rendered flat (relations as ids).
type Mask map[string]Mask

// Parse builds a mask from a comma separated list of dotted paths.
func Parse(expr string) (Mask, error) {
	m := Mask{}
	for _, path := range strings.Split(expr, ",") {
		path = strings.TrimSpace(path)
		if path == "" {
			continue
		}
		node := m
		for _, part := range strings.Split(path, ".") {
			part = strings.TrimSpace(part)
			if part == "" {
				return nil, fmt.Errorf("invalid field selection %q", path)
			}
			child, ok := node[part]
			if !ok || child == nil {
				child = Mask{}
				node[part] = child
			}
			node = child
		}
	}
	if len(m) == 0 {
		return nil, fmt.Errorf("empty field selection")
	}
	return m, nil
}

// Fields builds a flat mask selecting names.
func Fields(names ...string) Mask {
	m := make(Mask, len(names))
	for _, n := range names {
		m[n] = nil
	}
	return m
}

// All selects every resource field with relations rendered as ids.
func All() Mask {
	return Mask{Wildcard: nil}
}

// HasWildcard reports whether the level selects every field.
func (m Mask) HasWildcard() bool {
	_, ok := m[Wildcard]
	return ok
}

// String renders the mask back to its expression form, sorted.
func (m Mask) String() string {
	var parts []string
	var walk func(prefix string, node Mask)
	walk = func(prefix string, node Mask) {
		keys := make([]string, 0, len(node))
		for k := range node {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			path := k
			if prefix != "" {
				path = prefix + "." + k
			}
			if len(node[k]) == 0 {
				parts = append(parts, path)
				continue
			}
			walk(path, node[k])
		}
	}
	walk("", m)
	return strings.Join(parts, ",")
}

// UnknownFieldError reports a mask entry that names no field or relation.
type UnknownFieldError struct {
	Resource string
	Field    string
}

func (e *UnknownFieldError) Error() string {
	return fmt.Sprintf("unknown field %q for %s", e.Field, e.Resource)
}
