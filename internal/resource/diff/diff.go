// Package diff computes field level changes between version snapshots and
// decides whether a stale write can be merged onto the current version.
package diff

import (
	"encoding/json"
	"reflect"
	"sort"

	"ban/internal/resource/models"
)

// Volatile lists snapshot fields that change on every write and never count
// as a change.
var Volatile = []string{"version", "modified_at", "modified_by"}

// Normalize converts a value to its JSON representation so that values built
// in Go and values decoded from a stored snapshot compare equal.
func Normalize(v any) any {
	switch v.(type) {
	case nil, string, bool, float64:
		return v
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return v
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return v
	}
	return out
}

// Equal compares two values by their JSON representation. Empty
// collections equal null.
func Equal(a, b any) bool {
	na, nb := empty(Normalize(a)), empty(Normalize(b))
	return reflect.DeepEqual(na, nb)
}

func empty(v any) any {
	switch val := v.(type) {
	case []any:
		if len(val) == 0 {
			return nil
		}
	case map[string]any:
		if len(val) == 0 {
			return nil
		}
	case string:
		if val == "" {
			return nil
		}
	}
	return v
}

// Compute returns the changed fields between two snapshots. A field missing
// on one side is compared as null.
func Compute(old, new map[string]any, ignore ...string) map[string]models.FieldChange {
	skip := make(map[string]bool, len(ignore))
	for _, name := range ignore {
		skip[name] = true
	}
	changes := map[string]models.FieldChange{}
	visit := func(name string) {
		if skip[name] {
			return
		}
		if _, done := changes[name]; done {
			return
		}
		o, n := old[name], new[name]
		if !Equal(o, n) {
			changes[name] = models.FieldChange{Old: Normalize(o), New: Normalize(n)}
		}
	}
	for name := range old {
		visit(name)
	}
	for name := range new {
		visit(name)
	}
	return changes
}

// Keys returns the sorted field names of a change set.
func Keys(changes map[string]models.FieldChange) []string {
	keys := make([]string, 0, len(changes))
	for k := range changes {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Merge decides whether submitted, written against base, can be applied on
// top of current. It returns the fields that both the concurrent writer and
// the submitter changed; an empty result means the merge is safe.
//
// Only keys present in submitted are considered incoming, so a partial
// update never reverts fields it did not send.
func Merge(base, current, submitted map[string]any) []string {
	protected := Compute(base, current, Volatile...)
	var conflicts []string
	for name, value := range submitted {
		if _, touched := protected[name]; !touched {
			continue
		}
		if Equal(base[name], value) {
			continue
		}
		conflicts = append(conflicts, name)
	}
	sort.Strings(conflicts)
	return conflicts
}
