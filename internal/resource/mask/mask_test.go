package mask

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"ban/internal/resource/models"
	"ban/internal/resource/schema"
)

func TestParse(t *testing.T) {
	m, err := Parse("name, municipality.insee,municipality.name,groups.*")
	require.NoError(t, err)

	assert.Equal(t, Mask{
		"name":         Mask{},
		"municipality": Mask{"insee": Mask{}, "name": Mask{}},
		"groups":       Mask{"*": Mask{}},
	}, m)
	assert.Equal(t, "groups.*,municipality.insee,municipality.name,name", m.String())

	_, err = Parse("a..b")
	assert.Error(t, err)
	_, err = Parse(" , ")
	assert.Error(t, err)
}

type memorySource struct {
	records map[string]map[int64]*models.Record
}

func (s *memorySource) Load(_ context.Context, resource string, pk int64) (*models.Record, error) {
	if rec, ok := s.records[resource][pk]; ok {
		return rec, nil
	}
	return nil, errors.New("missing")
}

func (s *memorySource) Ref(ctx context.Context, resource string, pk int64) (models.Ref, error) {
	rec, err := s.Load(ctx, resource, pk)
	if err != nil {
		return models.Ref{}, err
	}
	return rec.Ref(), nil
}

func (s *memorySource) Related(_ context.Context, rel schema.Relation, pk int64) ([]*models.Record, error) {
	var out []*models.Record
	for _, rec := range s.records[rel.Source] {
		if rec.FK(rel.Field) == pk {
			out = append(out, rec)
		}
	}
	return out, nil
}

type SerializerSuite struct {
	suite.Suite
	registry   *schema.Registry
	serializer *Serializer
	town       *models.Record
	street     *models.Record
}

func TestSerializerSuite(t *testing.T) {
	suite.Run(t, new(SerializerSuite))
}

func (s *SerializerSuite) SetupTest() {
	var err error
	s.registry, err = schema.NewRegistry(
		&schema.Schema{
			Name:        "town",
			Identifiers: []string{"code"},
			Fields: []schema.Field{
				{Name: "code", Type: schema.String},
				{Name: "alias", Type: schema.StringList},
			},
		},
		&schema.Schema{
			Name: "street",
			Fields: []schema.Field{
				{Name: "name", Type: schema.String},
				{Name: "town", Type: schema.ForeignKey, Target: "town", Related: "streets"},
				{Name: "center", Type: schema.Point},
			},
			ExcludeForCollection: []string{"center"},
		},
	)
	s.Require().NoError(err)

	created := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	s.town = &models.Record{PK: 1, ID: "ban-town-1", Resource: "town", Version: 1, CreatedAt: created, ModifiedAt: created, CreatedBy: 7, ModifiedBy: 7,
		Fields: map[string]any{"code": "12345"}}
	s.street = &models.Record{PK: 2, ID: "ban-street-2", Resource: "street", Version: 3, CreatedAt: created, ModifiedAt: created,
		Fields: map[string]any{"name": "Rue de la Paix", "town": int64(1), "center": &models.Point{Lon: 2.3, Lat: 48.8}}}

	s.serializer = NewSerializer(s.registry, &memorySource{records: map[string]map[int64]*models.Record{
		"town":   {1: s.town},
		"street": {2: s.street},
	}})
}

func (s *SerializerSuite) TestRelationView() {
	out, err := s.serializer.Render(context.Background(), s.street, All())
	s.Require().NoError(err)

	s.Equal("street", out["resource"])
	s.Equal("ban-street-2", out["id"])
	s.Equal("ban-town-1", out["town"])
	s.Equal(map[string]any{"type": "Point", "coordinates": []any{2.3, 48.8}}, out["center"])
	s.Equal("2024-05-01T10:00:00Z", out["created_at"])
	s.Equal("active", out["status"])
	s.Nil(out["created_by"])
	s.Equal(3, out["version"])
}

func (s *SerializerSuite) TestResourceViewExpandsForwardRelations() {
	out, err := s.serializer.Render(context.Background(), s.street, AsResource(s.registry.MustGet("street")))
	s.Require().NoError(err)

	town, ok := out["town"].(map[string]any)
	s.Require().True(ok)
	s.Equal("12345", town["code"])
	s.Equal([]string{}, town["alias"])
	s.Equal(int64(7), town["created_by"])
}

func (s *SerializerSuite) TestReverseRelations() {
	m, err := Parse("code,streets.name")
	s.Require().NoError(err)

	out, err := s.serializer.Render(context.Background(), s.town, m)
	s.Require().NoError(err)
	s.Equal(map[string]any{
		"code":    "12345",
		"streets": []any{map[string]any{"name": "Rue de la Paix"}},
	}, out)

	flat, err := s.serializer.Render(context.Background(), s.town, Fields("streets"))
	s.Require().NoError(err)
	s.Equal([]any{"ban-street-2"}, flat["streets"])
}

func (s *SerializerSuite) TestCollectionAndVersionViews() {
	sch := s.registry.MustGet("street")
	out, err := s.serializer.Render(context.Background(), s.street, AsCollection(sch))
	s.Require().NoError(err)
	s.NotContains(out, "center")
	s.Contains(out, "resource")

	out, err = s.serializer.Render(context.Background(), s.street, AsVersion(sch))
	s.Require().NoError(err)
	s.NotContains(out, "resource")
	s.Contains(out, "center")
}

func (s *SerializerSuite) TestUnknownField() {
	m, err := Parse("nope")
	s.Require().NoError(err)

	_, err = s.serializer.Render(context.Background(), s.street, m)
	var unknown *UnknownFieldError
	s.Require().ErrorAs(err, &unknown)
	s.Equal("nope", unknown.Field)
}
