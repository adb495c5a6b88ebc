// Package entities declares the address registry resources: municipalities,
// postcodes, groups, housenumbers and positions.
package entities

import (
	"regexp"
	"strings"

	"ban/internal/resource/schema"
)

// Resource names.
const (
	Municipality = "municipality"
	PostCode     = "postcode"
	Group        = "group"
	HouseNumber  = "housenumber"
	Position     = "position"
)

// Group kinds.
const (
	KindWay  = "way"
	KindArea = "area"
)

var (
	GroupKinds = []string{KindWay, KindArea}

	Addressing = []string{"classical", "metric", "linear", "mixed", "anarchical"}

	PositionKinds = []string{
		"entrance", "building", "staircase", "unit", "parcel", "segment",
		"utility", "postal", "start", "end", "other",
	}

	Positionings = []string{"gps", "imagery", "projection", "interpolation", "other"}

	postcodePattern = regexp.MustCompile(`^\d{5}$`)
)

// Registry builds the schema registry of every address resource.
func Registry() (*schema.Registry, error) {
	return schema.NewRegistry(
		municipalitySchema(),
		postcodeSchema(),
		groupSchema(),
		housenumberSchema(),
		positionSchema(),
	)
}

// MustRegistry is Registry for wiring code where a broken declaration is a
// programming error.
func MustRegistry() *schema.Registry {
	r, err := Registry()
	if err != nil {
		panic(err)
	}
	return r
}

func lower(v any) any {
	if s, ok := v.(string); ok {
		return strings.ToLower(strings.TrimSpace(s))
	}
	return v
}

func upper(v any) any {
	if s, ok := v.(string); ok {
		return strings.ToUpper(strings.TrimSpace(s))
	}
	return v
}

func trim(v any) any {
	if s, ok := v.(string); ok {
		return strings.TrimSpace(s)
	}
	return v
}

func municipalitySchema() *schema.Schema {
	return &schema.Schema{
		Name:        Municipality,
		Identifiers: []string{"insee", "siren"},
		Fields: []schema.Field{
			{Name: "insee", Type: schema.String, Required: true, MinLength: 5, MaxLength: 5, Unique: true, Coerce: upper},
			{Name: "siren", Type: schema.String, MinLength: 9, MaxLength: 9, Unique: true, Coerce: trim},
			{Name: "name", Type: schema.String, Required: true, MaxLength: 200, Coerce: trim},
			{Name: "alias", Type: schema.StringList},
			{Name: "attributes", Type: schema.Dict},
		},
		CascadeOn:  []string{"insee"},
		Dependents: []string{"groups"},
	}
}

func postcodeSchema() *schema.Schema {
	return &schema.Schema{
		Name:        PostCode,
		Identifiers: []string{"code"},
		Fields: []schema.Field{
			{Name: "code", Type: schema.String, Required: true, Pattern: postcodePattern, Coerce: trim},
			{Name: "name", Type: schema.String, MaxLength: 200, Coerce: trim},
			{Name: "municipality", Type: schema.ForeignKey, Target: Municipality, Related: "postcodes", Required: true},
			{Name: "attributes", Type: schema.Dict},
		},
	}
}

func groupSchema() *schema.Schema {
	return &schema.Schema{
		Name:        Group,
		Identifiers: []string{"fantoir", "laposte", "ign"},
		Fields: []schema.Field{
			{Name: "kind", Type: schema.String, Required: true, Choices: GroupKinds, Coerce: lower},
			{Name: "municipality", Type: schema.ForeignKey, Target: Municipality, Related: "groups", Required: true},
			{Name: "name", Type: schema.String, Required: true, MaxLength: 200, Coerce: trim},
			{Name: "alias", Type: schema.StringList},
			{Name: "fantoir", Type: schema.String, MinLength: 9, MaxLength: 10, Unique: true, Coerce: upper},
			{Name: "laposte", Type: schema.String, MaxLength: 10, Unique: true, Coerce: upper},
			{Name: "ign", Type: schema.String, MaxLength: 24, Unique: true, Coerce: upper},
			{Name: "addressing", Type: schema.String, Choices: Addressing, Coerce: lower},
			{Name: "attributes", Type: schema.Dict},
		},
		Validate:   validateGroup,
		Derive:     deriveFantoir,
		CascadeOn:  []string{"fantoir", "kind", "municipality"},
		Dependents: []string{"housenumbers"},
	}
}

func housenumberSchema() *schema.Schema {
	return &schema.Schema{
		Name:        HouseNumber,
		Identifiers: []string{"cia", "laposte", "ign"},
		Fields: []schema.Field{
			{Name: "number", Type: schema.String, Required: true, MaxLength: 16, Coerce: trim},
			{Name: "ordinal", Type: schema.String, MaxLength: 16, Coerce: trim},
			{Name: "parent", Type: schema.ForeignKey, Target: Group, Related: "housenumbers", Required: true},
			{Name: "ancestors", Type: schema.ManyToMany, Target: Group, Related: "housenumber_set"},
			{Name: "postcode", Type: schema.ForeignKey, Target: PostCode, Related: "housenumbers"},
			{Name: "cia", Type: schema.String, Unique: true, ReadOnly: true},
			{Name: "laposte", Type: schema.String, MaxLength: 10, Unique: true, Coerce: upper},
			{Name: "ign", Type: schema.String, MaxLength: 24, Unique: true, Coerce: upper},
			{Name: "attributes", Type: schema.Dict},
		},
		ExcludeForCollection: []string{"ancestors"},
		Validate:             validateHouseNumber,
		Derive:               deriveCIA,
	}
}

func positionSchema() *schema.Schema {
	return &schema.Schema{
		Name:        Position,
		Identifiers: []string{"laposte", "ign"},
		Fields: []schema.Field{
			{Name: "center", Type: schema.Point},
			{Name: "name", Type: schema.String, MaxLength: 200, Coerce: trim},
			{Name: "housenumber", Type: schema.ForeignKey, Target: HouseNumber, Related: "positions", Required: true},
			{Name: "kind", Type: schema.String, Required: true, Choices: PositionKinds, Coerce: lower},
			{Name: "positioning", Type: schema.String, Choices: Positionings, Coerce: lower},
			{Name: "source", Type: schema.String, MaxLength: 64},
			{Name: "parent", Type: schema.ForeignKey, Target: Position, Related: "children"},
			{Name: "laposte", Type: schema.String, MaxLength: 10, Unique: true, Coerce: upper},
			{Name: "ign", Type: schema.String, MaxLength: 24, Unique: true, Coerce: upper},
			{Name: "attributes", Type: schema.Dict},
		},
		Validate: validatePosition,
	}
}
