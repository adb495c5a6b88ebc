package validator

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"ban/internal/resource/entities"
	"ban/internal/resource/identifier"
	"ban/internal/resource/models"
	"ban/internal/resource/schema"
	"ban/pkg/platform/sentinel"
)

type fakeResolver struct {
	records map[string]map[int64]*models.Record
}

func (r *fakeResolver) add(rec *models.Record) *models.Record {
	if r.records[rec.Resource] == nil {
		r.records[rec.Resource] = map[int64]*models.Record{}
	}
	r.records[rec.Resource][rec.PK] = rec
	return rec
}

func (r *fakeResolver) Reference(_ context.Context, resource string, raw any) (*models.Record, error) {
	name, value, err := identifier.Parse(raw)
	if err != nil {
		return nil, &identifier.InvalidIdentifierError{Resource: resource}
	}
	for _, rec := range r.records[resource] {
		if (name == identifier.ID && rec.ID == value) || rec.String(name) == value {
			if rec.IsDeleted() {
				return nil, &identifier.DeletedError{Record: rec}
			}
			return rec, nil
		}
	}
	return nil, sentinel.ErrNotFound
}

func (r *fakeResolver) Taken(_ context.Context, resource, field string, value any, exclude int64) (bool, error) {
	for _, rec := range r.records[resource] {
		if rec.PK != exclude && rec.Get(field) == value {
			return true, nil
		}
	}
	return false, nil
}

func (r *fakeResolver) Load(_ context.Context, resource string, pk int64) (*models.Record, error) {
	if rec, ok := r.records[resource][pk]; ok {
		return rec, nil
	}
	return nil, sentinel.ErrNotFound
}

type ValidatorSuite struct {
	suite.Suite
	registry  *schema.Registry
	resolver  *fakeResolver
	validator *Validator
	ctx       context.Context
	town      *models.Record
}

func TestValidatorSuite(t *testing.T) {
	suite.Run(t, new(ValidatorSuite))
}

func (s *ValidatorSuite) SetupTest() {
	s.registry = entities.MustRegistry()
	s.resolver = &fakeResolver{records: map[string]map[int64]*models.Record{}}
	s.validator = New(s.resolver)
	s.ctx = context.Background()
	s.town = s.resolver.add(&models.Record{PK: 1, ID: "ban-municipality-1", Resource: entities.Municipality, Version: 1,
		Fields: map[string]any{"insee": "93031", "name": "Épinay-sur-Seine"}})
}

func (s *ValidatorSuite) validate(resource string, mode Mode, payload map[string]any, instance *models.Record) *Result {
	res, err := s.validator.Validate(s.ctx, s.registry.MustGet(resource), mode, payload, instance)
	s.Require().NoError(err)
	return res
}

func (s *ValidatorSuite) TestCreateCoercesAndDefaults() {
	res := s.validate(entities.Group, Create, map[string]any{
		"kind":         "WAY",
		"name":         " Rue des Lilas ",
		"municipality": "insee:93031",
		"fantoir":      "930311491h",
		"alias":        []any{"Lilas"},
		"attributes":   map[string]any{"source": "cadastre"},
		"version":      json.Number("42"),
	}, nil)

	s.Require().True(res.Valid(), res.Errors)
	s.Equal(1, res.Version, "creations always start at version 1")
	s.Equal("way", res.Cleaned["kind"])
	s.Equal("Rue des Lilas", res.Cleaned["name"])
	s.Equal(int64(1), res.Cleaned["municipality"])
	s.Equal("930311491H", res.Cleaned["fantoir"])
	s.Equal([]string{"Lilas"}, res.Cleaned["alias"])
	s.Equal(map[string]string{"source": "cadastre"}, res.Cleaned["attributes"])
	s.Contains(res.Cleaned, "laposte")
	s.Nil(res.Cleaned["laposte"])
}

func (s *ValidatorSuite) TestStandardChecks() {
	s.resolver.add(&models.Record{PK: 2, ID: "ban-municipality-2", Resource: entities.Municipality, Fields: map[string]any{"insee": "77316", "siren": "987654321"}})

	res := s.validate(entities.Municipality, Create, map[string]any{
		"insee": "7731",
		"siren": "987654321",
		"bogus": true,
	}, nil)

	s.Equal(map[string]string{
		"insee": MsgTooShort,
		"siren": MsgAlreadyExists,
		"name":  MsgRequired,
		"bogus": MsgUnknownField,
	}, res.Errors)
}

func (s *ValidatorSuite) TestChoicesAndPattern() {
	res := s.validate(entities.PostCode, Create, map[string]any{
		"code":         "7500A",
		"municipality": "ban-municipality-1",
	}, nil)
	s.Equal(MsgInvalidFormat, res.Errors["code"])

	res = s.validate(entities.Group, Create, map[string]any{
		"kind": "street", "name": "x", "municipality": "ban-municipality-1",
	}, nil)
	s.Equal(MsgInvalidChoice, res.Errors["kind"])
}

func (s *ValidatorSuite) TestReferences() {
	now := time.Now()
	s.resolver.add(&models.Record{PK: 3, ID: "ban-municipality-3", Resource: entities.Municipality, DeletedAt: &now, Fields: map[string]any{"insee": "11111"}})

	res := s.validate(entities.PostCode, Create, map[string]any{"code": "75001", "municipality": "insee:11111"}, nil)
	s.Equal(MsgDeleted, res.Errors["municipality"])

	res = s.validate(entities.PostCode, Create, map[string]any{"code": "75001", "municipality": "insee:00000"}, nil)
	s.Equal(MsgNoMatch, res.Errors["municipality"])
}

func (s *ValidatorSuite) TestPatchSkipsAbsentFieldsAndRequiresVersion() {
	res := s.validate(entities.Municipality, Patch, map[string]any{"name": "Orvanne"}, s.town)
	s.Equal(map[string]string{"version": MsgVersion}, res.Errors)

	for _, bad := range []any{nil, json.Number("0"), "abc", json.Number("-1")} {
		res = s.validate(entities.Municipality, Patch, map[string]any{"version": bad}, s.town)
		s.Contains(res.Errors, "version", "%v", bad)
	}

	res = s.validate(entities.Municipality, Patch, map[string]any{"version": json.Number("2"), "name": "Orvanne"}, s.town)
	s.Require().True(res.Valid(), res.Errors)
	s.Equal(2, res.Version)
	s.Equal(map[string]any{"name": "Orvanne"}, res.Cleaned)
	s.Equal([]string{"name"}, res.Submitted)
}

func (s *ValidatorSuite) TestUniqueExcludesInstance() {
	res := s.validate(entities.Municipality, Patch, map[string]any{"version": 2, "insee": "93031"}, s.town)
	s.True(res.Valid(), res.Errors)
}

func (s *ValidatorSuite) TestMetaFields() {
	res := s.validate(entities.Municipality, Patch, map[string]any{
		"version":     2,
		"id":          "ban-municipality-1",
		"resource":    "municipality",
		"status":      "active",
		"created_at":  "2024-01-01T00:00:00Z",
		"modified_by": 4,
	}, s.town)
	s.True(res.Valid(), res.Errors)

	res = s.validate(entities.Municipality, Patch, map[string]any{"version": 2, "id": "ban-municipality-9"}, s.town)
	s.Equal(MsgImmutableID, res.Errors["id"])
}

func (s *ValidatorSuite) TestReadOnlyFieldsAreCollected() {
	s.resolver.add(&models.Record{PK: 5, ID: "ban-group-5", Resource: entities.Group, Fields: map[string]any{"kind": "way", "municipality": int64(1)}})

	res := s.validate(entities.HouseNumber, Create, map[string]any{
		"number": json.Number("84"),
		"parent": "ban-group-5",
		"cia":    "93031_1491H_84_",
	}, nil)
	s.Require().True(res.Valid(), res.Errors)
	s.Equal("84", res.Cleaned["number"])
	s.NotContains(res.Cleaned, "cia")
	s.Equal("93031_1491H_84_", res.ReadOnly["cia"])
}

func (s *ValidatorSuite) TestCrossFieldHook() {
	res := s.validate(entities.Group, Create, map[string]any{
		"kind": "way", "name": "Rue", "municipality": "ban-municipality-1", "fantoir": "750561491",
	}, nil)
	s.Contains(res.Errors, "fantoir")

	s.resolver.add(&models.Record{PK: 6, ID: "ban-housenumber-6", Resource: entities.HouseNumber})
	res = s.validate(entities.Position, Create, map[string]any{"kind": "entrance", "housenumber": "ban-housenumber-6"}, nil)
	s.Contains(res.Errors, "center")

	res = s.validate(entities.Position, Create, map[string]any{
		"kind":        "entrance",
		"housenumber": "ban-housenumber-6",
		"center":      map[string]any{"type": "Point", "coordinates": []any{json.Number("2.35"), json.Number("48.85")}},
	}, nil)
	s.Require().True(res.Valid(), res.Errors)
	s.Equal(&models.Point{Lon: 2.35, Lat: 48.85}, res.Cleaned["center"])
}

func (s *ValidatorSuite) TestParseTime() {
	t, err := ParseTime("2024-03-01")
	s.Require().NoError(err)
	s.Equal(time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC), t)

	t, err = ParseTime("2024-03-01T10:00:00+02:00")
	s.Require().NoError(err)
	s.Equal(8, t.Hour())

	_, err = ParseTime("yesterday")
	s.Error(err)
}
