// Package attrs reads values back out of slog style argument lists.
package attrs

import "log/slog"

// String returns the string paired with key in args. Args alternate keys and
// values as slog expects; slog.Attr entries are matched too.
func String(args []any, key string) (string, bool) {
	for i := 0; i < len(args); i++ {
		switch a := args[i].(type) {
		case slog.Attr:
			if a.Key == key && a.Value.Kind() == slog.KindString {
				return a.Value.String(), true
			}
		case string:
			if i+1 >= len(args) {
				return "", false
			}
			i++
			if a != key {
				continue
			}
			if v, ok := args[i].(string); ok {
				return v, true
			}
		}
	}
	return "", false
}
