package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"ban/internal/resource/entities"
	"ban/internal/resource/models"
	"ban/internal/resource/store"
	"ban/pkg/platform/sentinel"
	"ban/pkg/platform/tx"
)

type MemoryStoreSuite struct {
	suite.Suite
	store *Store
	ctx   context.Context
}

func TestMemoryStoreSuite(t *testing.T) {
	suite.Run(t, new(MemoryStoreSuite))
}

func (s *MemoryStoreSuite) SetupTest() {
	s.store = New(entities.MustRegistry())
	s.ctx = context.Background()
}

func newMunicipality(id, insee string) *models.Record {
	rec := models.NewRecord(entities.Municipality)
	rec.ID = id
	rec.Version = 1
	rec.Set("insee", insee)
	rec.Set("name", "Commune "+insee)
	return rec
}

func (s *MemoryStoreSuite) municipality(id, insee string) *models.Record {
	rec := newMunicipality(id, insee)
	s.Require().NoError(s.store.Insert(s.ctx, rec))
	return rec
}

func (s *MemoryStoreSuite) TestInsertAssignsPKAndEnforcesUnique() {
	a := s.municipality("ban-municipality-a", "12345")
	s.Equal(int64(1), a.PK)

	dup := models.NewRecord(entities.Municipality)
	dup.ID = "ban-municipality-b"
	dup.Set("insee", "12345")
	err := s.store.Insert(s.ctx, dup)

	var unique *store.UniqueViolation
	s.Require().ErrorAs(err, &unique)
	s.Equal("insee", unique.Field)
	s.True(errors.Is(err, sentinel.ErrAlreadyUsed))
}

func (s *MemoryStoreSuite) TestStoredRecordsAreIsolatedCopies() {
	a := s.municipality("ban-municipality-a", "12345")
	a.Set("name", "mutated")

	got, err := s.store.Get(s.ctx, entities.Municipality, a.PK)
	s.Require().NoError(err)
	s.Equal("Commune 12345", got.String("name"))
}

func (s *MemoryStoreSuite) TestListHidesDeleted() {
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

	found, err := s.store.FindBy(s.ctx, entities.Municipality, "insee", "22222")
	s.Require().NoError(err)
	s.Len(found, 1, "FindBy sees deleted rows")

	filtered, err := s.store.List(s.ctx, entities.Municipality, store.Query{Filters: map[string]any{"insee": "11111"}})
	s.Require().NoError(err)
	s.Len(filtered, 1)
}

func (s *MemoryStoreSuite) TestRunInTxRollsBack() {
	boom := errors.New("boom")
	err := s.store.RunInTx(s.ctx, func(ctx context.Context) error {
		s.True(tx.Active(ctx))
		s.Require().NoError(s.store.Insert(ctx, newMunicipality("ban-municipality-a", "12345")))
		// nested calls join the outer transaction instead of deadlocking
		return s.store.RunInTx(ctx, func(context.Context) error { return boom })
	})
	s.ErrorIs(err, boom)

	n, err := s.store.Count(s.ctx, entities.Municipality, store.Query{IncludeDeleted: true})
	s.Require().NoError(err)
	s.Zero(n)
}

func (s *MemoryStoreSuite) TestReadsOutsideTxSkipUncommittedWrites() {
	inserted := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- s.store.RunInTx(s.ctx, func(ctx context.Context) error {
			if err := s.store.Insert(ctx, newMunicipality("ban-municipality-a", "12345")); err != nil {
				return err
			}
			close(inserted)
			<-release
			return errors.New("batch aborted")
		})
	}()
	<-inserted

	counted := make(chan int, 1)
	go func() {
		n, _ := s.store.Count(s.ctx, entities.Municipality, store.Query{IncludeDeleted: true})
		counted <- n
	}()
	select {
	case n := <-counted:
		s.Failf("read did not wait for the transaction", "counted %d rows", n)
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	s.Error(<-done)
	s.Zero(<-counted)
}

func (s *MemoryStoreSuite) TestVersionsAndPeriods() {
	t0 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	t1 := t0.Add(time.Hour)

	s.Require().NoError(s.store.InsertVersion(s.ctx, &models.Version{ModelName: "municipality", ModelPK: 1, Sequential: 1, Period: models.Period{Lower: t0}}))
	s.Require().NoError(s.store.CloseVersion(s.ctx, "municipality", 1, t1))
	s.Require().NoError(s.store.InsertVersion(s.ctx, &models.Version{ModelName: "municipality", ModelPK: 1, Sequential: 2, Period: models.Period{Lower: t1}}))

	err := s.store.InsertVersion(s.ctx, &models.Version{ModelName: "municipality", ModelPK: 1, Sequential: 2, Period: models.Period{Lower: t1}})
	s.ErrorIs(err, sentinel.ErrConflict)

	v, err := s.store.VersionAt(s.ctx, "municipality", 1, t1)
	s.Require().NoError(err)
	s.Equal(2, v.Sequential, "common bound resolves to the newer version")

	v, err = s.store.VersionAt(s.ctx, "municipality", 1, t0.Add(time.Minute))
	s.Require().NoError(err)
	s.Equal(1, v.Sequential)

	_, err = s.store.VersionAt(s.ctx, "municipality", 1, t0.Add(-time.Minute))
	s.ErrorIs(err, sentinel.ErrNotFound)

	list, err := s.store.ListVersions(s.ctx, "municipality", 1, 10, 0)
	s.Require().NoError(err)
	s.Require().Len(list, 2)
	s.Equal(*list[0].Period.Upper, list[1].Period.Lower)
	s.Nil(list[1].Period.Upper)
}

func (s *MemoryStoreSuite) TestFlags() {
	v := &models.Version{ModelName: "municipality", ModelPK: 1, Sequential: 1}
	s.Require().NoError(s.store.InsertVersion(s.ctx, v))

	s.Require().NoError(s.store.AddFlag(s.ctx, &models.Flag{VersionPK: v.PK, ClientPK: 3}))
	s.ErrorIs(s.store.AddFlag(s.ctx, &models.Flag{VersionPK: v.PK, ClientPK: 3}), sentinel.ErrAlreadyUsed)

	got, err := s.store.GetVersion(s.ctx, "municipality", 1, 1)
	s.Require().NoError(err)
	s.Len(got.Flags, 1)

	s.Require().NoError(s.store.RemoveFlag(s.ctx, v.PK, 3))
	s.ErrorIs(s.store.RemoveFlag(s.ctx, v.PK, 3), sentinel.ErrNotFound)
}

func (s *MemoryStoreSuite) TestRedirects() {
	s.Require().NoError(s.store.AddRedirect(s.ctx, &models.Redirect{ModelName: "municipality", Identifier: "insee", Value: "12345", ModelPK: 1}))
	s.Require().NoError(s.store.AddRedirect(s.ctx, &models.Redirect{ModelName: "municipality", Identifier: "insee", Value: "12345", ModelPK: 2}))
	s.ErrorIs(s.store.AddRedirect(s.ctx, &models.Redirect{ModelName: "municipality", Identifier: "insee", Value: "12345", ModelPK: 2}), sentinel.ErrAlreadyUsed)

	targets, err := s.store.RedirectTargets(s.ctx, "municipality", "insee", "12345")
	s.Require().NoError(err)
	s.Equal([]int64{1, 2}, targets)

	s.Require().NoError(s.store.RetargetRedirects(s.ctx, "municipality", 1, 2))
	targets, err = s.store.RedirectTargets(s.ctx, "municipality", "insee", "12345")
	s.Require().NoError(err)
	s.Equal([]int64{2}, targets, "duplicate after retarget is dropped")

	s.Require().NoError(s.store.RemoveRedirect(s.ctx, "municipality", "insee", "12345", 2))
	s.ErrorIs(s.store.RemoveRedirect(s.ctx, "municipality", "insee", "12345", 2), sentinel.ErrNotFound)
}

func (s *MemoryStoreSuite) TestDiffLedger() {
	v1 := &models.Version{ModelName: "municipality", ModelPK: 1, Sequential: 1}
	s.Require().NoError(s.store.InsertVersion(s.ctx, v1))
	s.Require().NoError(s.store.InsertDiff(s.ctx, &models.Diff{ResourceName: "municipality", NewVersionPK: v1.PK}))
	s.Require().NoError(s.store.InsertDiff(s.ctx, &models.Diff{ResourceName: "group", NewVersionPK: v1.PK}))

	diffs, err := s.store.ListDiffs(s.ctx, 0, 10, "")
	s.Require().NoError(err)
	s.Require().Len(diffs, 2)
	s.Less(diffs[0].PK, diffs[1].PK)
	s.Equal(1, diffs[0].New.Sequential)

	diffs, err = s.store.ListDiffs(s.ctx, diffs[0].PK, 10, "")
	s.Require().NoError(err)
	s.Len(diffs, 1)

	diffs, err = s.store.ListDiffs(s.ctx, 0, 10, "municipality")
	s.Require().NoError(err)
	s.Len(diffs, 1)
}
