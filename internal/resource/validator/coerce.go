package validator

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"ban/internal/resource/models"
	"ban/internal/resource/schema"
)

// Type error messages.
const (
	msgString   = "Expected a string."
	msgInteger  = "Expected an integer."
	msgBoolean  = "Expected a boolean."
	msgList     = "Expected a list of strings."
	msgDict     = "Expected an object of strings."
	msgDateTime = "Expected an ISO-8601 datetime."
)

var errNotInteger = errors.New("not an integer")

// coerceType converts a decoded JSON value to the internal representation of
// t. Empty strings become null. A non-empty message is a field error.
func coerceType(t schema.Type, raw any) (any, string) {
	switch t {
	case schema.String:
		switch v := raw.(type) {
		case string:
			if v == "" {
				return nil, ""
			}
			return v, ""
		case json.Number:
			return v.String(), ""
		case float64:
			return strconv.FormatFloat(v, 'f', -1, 64), ""
		case int, int64:
			return fmt.Sprint(v), ""
		default:
			return nil, msgString
		}
	case schema.Integer:
		n, err := toInt(raw)
		if err != nil {
			return nil, msgInteger
		}
		return n, ""
	case schema.Boolean:
		switch v := raw.(type) {
		case bool:
			return v, ""
		case string:
			b, err := strconv.ParseBool(v)
			if err != nil {
				return nil, msgBoolean
			}
			return b, ""
		default:
			return nil, msgBoolean
		}
	case schema.StringList:
		switch v := raw.(type) {
		case []string:
			return v, ""
		case []any:
			out := make([]string, 0, len(v))
			for _, item := range v {
				s, ok := item.(string)
				if !ok {
					return nil, msgList
				}
				out = append(out, s)
			}
			return out, ""
		default:
			return nil, msgList
		}
	case schema.Dict:
		switch v := raw.(type) {
		case map[string]string:
			return v, ""
		case map[string]any:
			out := make(map[string]string, len(v))
			for k, item := range v {
				switch val := item.(type) {
				case string:
					out[k] = val
				case json.Number:
					out[k] = val.String()
				case bool:
					out[k] = strconv.FormatBool(val)
				default:
					return nil, msgDict
				}
			}
			return out, ""
		default:
			return nil, msgDict
		}
	case schema.Point:
		p, err := models.ParsePoint(normalizeNumbers(raw))
		if err != nil {
			return nil, "Invalid point: " + err.Error() + "."
		}
		return p, ""
	case schema.DateTime:
		switch v := raw.(type) {
		case time.Time:
			return v.UTC(), ""
		case string:
			t, err := ParseTime(v)
			if err != nil {
				return nil, msgDateTime
			}
			return t, ""
		default:
			return nil, msgDateTime
		}
	default:
		return nil, "Unsupported type " + t.String() + "."
	}
}

func normalizeNumbers(raw any) any {
	switch v := raw.(type) {
	case json.Number:
		f, err := v.Float64()
		if err != nil {
			return v
		}
		return f
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = normalizeNumbers(item)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, item := range v {
			out[k] = normalizeNumbers(item)
		}
		return out
	default:
		return raw
	}
}

func toInt(raw any) (int64, error) {
	switch v := raw.(type) {
	case int:
		return int64(v), nil
	case int64:
		return v, nil
	case float64:
		if v != math.Trunc(v) {
			return 0, errNotInteger
		}
		return int64(v), nil
	case json.Number:
		return v.Int64()
	case string:
		return strconv.ParseInt(strings.TrimSpace(v), 10, 64)
	default:
		return 0, errNotInteger
	}
}

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// ParseTime parses an ISO-8601 date or datetime. Naive values are UTC.
func ParseTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid datetime %q", s)
}
