package models

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Point is a WGS84 position stored as longitude/latitude.
type Point struct {
	Lon float64
	Lat float64
}

// GeoJSON renders the point as a GeoJSON geometry.
func (p Point) GeoJSON() map[string]any {
	return map[string]any{
		"type":        "Point",
		"coordinates": []any{p.Lon, p.Lat},
	}
}

func (p Point) MarshalJSON() ([]byte, error) {
	return json.Marshal(p.GeoJSON())
}

func (p *Point) UnmarshalJSON(data []byte) error {
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	parsed, err := ParsePoint(raw)
	if err != nil {
		return err
	}
	*p = *parsed
	return nil
}

// ParsePoint accepts a GeoJSON Point object or a bare [lon, lat] pair.
func ParsePoint(raw any) (*Point, error) {
	switch v := raw.(type) {
	case *Point:
		return v, nil
	case Point:
		return &v, nil
	case map[string]any:
		if kind, _ := v["type"].(string); !strings.EqualFold(kind, "Point") {
			return nil, fmt.Errorf("geometry type must be Point")
		}
		return ParsePoint(v["coordinates"])
	case []any:
		if len(v) != 2 {
			return nil, fmt.Errorf("coordinates must be [lon, lat]")
		}
		lon, ok1 := toFloat(v[0])
		lat, ok2 := toFloat(v[1])
		if !ok1 || !ok2 {
			return nil, fmt.Errorf("coordinates must be numbers")
		}
		if lon < -180 || lon > 180 || lat < -90 || lat > 90 {
			return nil, fmt.Errorf("coordinates out of range")
		}
		return &Point{Lon: lon, Lat: lat}, nil
	case []float64:
		anys := make([]any, len(v))
		for i := range v {
			anys[i] = v[i]
		}
		return ParsePoint(anys)
	default:
		return nil, fmt.Errorf("invalid point")
	}
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}
