//go:build integration

package postgres_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"ban/internal/platform/database"
	"ban/internal/resource/entities"
	"ban/internal/resource/models"
	"ban/internal/resource/store"
	"ban/internal/resource/store/postgres"
	"ban/pkg/platform/sentinel"
	"ban/pkg/testutil/containers"
)

type PostgresStoreSuite struct {
	suite.Suite
	postgres *containers.PostgresContainer
	store    *postgres.Store
	ctx      context.Context
}

func TestPostgresStoreSuite(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	suite.Run(t, new(PostgresStoreSuite))
}

func (s *PostgresStoreSuite) SetupSuite() {
	s.postgres = containers.GetManager().GetPostgres(s.T())
	s.Require().NoError(database.Migrate(s.postgres.DB))
	s.store = postgres.New(s.postgres.DB, entities.MustRegistry())
	s.ctx = context.Background()
}

func (s *PostgresStoreSuite) SetupTest() {
	s.Require().NoError(s.postgres.Truncate(s.ctx,
		"diff", "flag", "version", "redirect", "position", "housenumber_ancestors",
		"housenumber", `"group"`, "postcode", "municipality"))
}

func (s *PostgresStoreSuite) municipality(id, insee string) *models.Record {
	rec := models.NewRecord(entities.Municipality)
	rec.ID = id
	rec.Version = 1
	rec.CreatedAt = time.Now()
	rec.ModifiedAt = rec.CreatedAt
	rec.Set("insee", insee)
	rec.Set("name", "Commune "+insee)
	rec.Set("alias", []string{"Alias " + insee})
	s.Require().NoError(s.store.Insert(s.ctx, rec))
	return rec
}

func (s *PostgresStoreSuite) TestInsertGetAndUnique() {
	a := s.municipality("ban-municipality-a", "12345")
	s.NotZero(a.PK)

	got, err := s.store.Get(s.ctx, entities.Municipality, a.PK)
	s.Require().NoError(err)
	s.Equal("Commune 12345", got.String("name"))
	s.Equal([]string{"Alias 12345"}, got.Get("alias"))

	dup := models.NewRecord(entities.Municipality)
	dup.ID = "ban-municipality-b"
	dup.Version = 1
	dup.Set("insee", "12345")
	err = s.store.Insert(s.ctx, dup)

	var unique *store.UniqueViolation
	s.Require().ErrorAs(err, &unique)
	s.Equal("insee", unique.Field)

	_, err = s.store.Get(s.ctx, entities.Municipality, a.PK+100)
	s.ErrorIs(err, sentinel.ErrNotFound)
}

func (s *PostgresStoreSuite) TestListFiltersAndDeleted() {
	s.municipality("ban-municipality-a", "11111")
	b := s.municipality("ban-municipality-b", "22222")
	now := time.Now()
	b.DeletedAt = &now
	s.Require().NoError(s.store.Update(s.ctx, b))

	live, err := s.store.List(s.ctx, entities.Municipality, store.Query{})
	s.Require().NoError(err)
	s.Len(live, 1)

	total, err := s.store.Count(s.ctx, entities.Municipality, store.Query{IncludeDeleted: true})
	s.Require().NoError(err)
	s.Equal(2, total)

	taken, err := s.store.Taken(s.ctx, entities.Municipality, "insee", "22222", 0)
	s.Require().NoError(err)
	s.True(taken, "deleted rows keep their unique values")
}

func (s *PostgresStoreSuite) TestRunInTxRollsBack() {
	boom := errors.New("boom")
	err := s.store.RunInTx(s.ctx, func(ctx context.Context) error {
		rec := models.NewRecord(entities.Municipality)
		rec.ID = "ban-municipality-a"
		rec.Version = 1
		rec.Set("insee", "12345")
		s.Require().NoError(s.store.Insert(ctx, rec))
		return s.store.RunInTx(ctx, func(context.Context) error { return boom })
	})
	s.ErrorIs(err, boom)

	n, err := s.store.Count(s.ctx, entities.Municipality, store.Query{IncludeDeleted: true})
	s.Require().NoError(err)
	s.Zero(n)
}

func (s *PostgresStoreSuite) TestVersionPeriods() {
	t0 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	t1 := t0.Add(time.Hour)
	v1 := &models.Version{ModelName: "municipality", ModelPK: 1, Sequential: 1, Data: []byte(`{"name":"a"}`), Period: models.Period{Lower: t0}}
	s.Require().NoError(s.store.InsertVersion(s.ctx, v1))
	s.Require().NoError(s.store.CloseVersion(s.ctx, "municipality", 1, t1))
	v2 := &models.Version{ModelName: "municipality", ModelPK: 1, Sequential: 2, Data: []byte(`{"name":"b"}`), Period: models.Period{Lower: t1}}
	s.Require().NoError(s.store.InsertVersion(s.ctx, v2))

	err := s.store.InsertVersion(s.ctx, &models.Version{ModelName: "municipality", ModelPK: 1, Sequential: 2, Data: []byte(`{}`), Period: models.Period{Lower: t1}})
	s.ErrorIs(err, sentinel.ErrConflict)

	v, err := s.store.VersionAt(s.ctx, "municipality", 1, t1)
	s.Require().NoError(err)
	s.Equal(2, v.Sequential)

	v, err = s.store.VersionAt(s.ctx, "municipality", 1, t0.Add(time.Minute))
	s.Require().NoError(err)
	s.Equal(1, v.Sequential)

	s.Require().NoError(s.store.AddFlag(s.ctx, &models.Flag{VersionPK: v2.PK, ClientPK: 3, ClientName: "ign", CreatedAt: t1}))
	s.ErrorIs(s.store.AddFlag(s.ctx, &models.Flag{VersionPK: v2.PK, ClientPK: 3, CreatedAt: t1}), sentinel.ErrAlreadyUsed)

	got, err := s.store.GetVersion(s.ctx, "municipality", 1, 2)
	s.Require().NoError(err)
	s.Len(got.Flags, 1)
	s.Nil(got.Period.Upper)
}

func (s *PostgresStoreSuite) TestDiffLedgerAndRedirects() {
	v1 := &models.Version{ModelName: "municipality", ModelPK: 1, Sequential: 1, Data: []byte(`{"name":"a"}`), Period: models.Period{Lower: time.Now()}}
	s.Require().NoError(s.store.InsertVersion(s.ctx, v1))
	s.Require().NoError(s.store.InsertDiff(s.ctx, &models.Diff{ResourceName: "municipality", ResourceID: "ban-municipality-a", ResourcePK: 1, NewVersionPK: v1.PK, CreatedAt: time.Now()}))
	s.Require().NoError(s.store.InsertDiff(s.ctx, &models.Diff{ResourceName: "group", ResourceID: "ban-group-a", ResourcePK: 1, NewVersionPK: v1.PK, CreatedAt: time.Now()}))

	diffs, err := s.store.ListDiffs(s.ctx, 0, 10, "")
	s.Require().NoError(err)
	s.Require().Len(diffs, 2)
	s.Less(diffs[0].PK, diffs[1].PK)
	s.Equal(1, diffs[0].New.Sequential)
	s.Nil(diffs[0].Old)

	diffs, err = s.store.ListDiffs(s.ctx, 0, 10, "group")
	s.Require().NoError(err)
	s.Len(diffs, 1)

	redirect := &models.Redirect{ModelName: "municipality", Identifier: "insee", Value: "12345", ModelPK: 1, CreatedAt: time.Now()}
	s.Require().NoError(s.store.AddRedirect(s.ctx, redirect))
	s.Require().NoError(s.store.AddRedirect(s.ctx, &models.Redirect{ModelName: "municipality", Identifier: "insee", Value: "12345", ModelPK: 2, CreatedAt: time.Now()}))
	s.Require().NoError(s.store.RetargetRedirects(s.ctx, "municipality", 1, 2))

	targets, err := s.store.RedirectTargets(s.ctx, "municipality", "insee", "12345")
	s.Require().NoError(err)
	s.Equal([]int64{2}, targets)

	n, err := s.store.CountRedirects(s.ctx, "municipality")
	s.Require().NoError(err)
	s.Equal(1, n)
}
