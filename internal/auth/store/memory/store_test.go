package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/suite"

	"ban/internal/auth/models"
	"ban/pkg/platform/sentinel"
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
	s.store = New()
	s.ctx = context.Background()
}

func (s *MemoryStoreSuite) TestUsersAreUnique() {
	s.Require().NoError(s.store.CreateUser(s.ctx, &models.User{Username: "ada", Email: "ada@example.org"}))
	err := s.store.CreateUser(s.ctx, &models.User{Username: "ada", Email: "other@example.org"})
	s.ErrorIs(err, sentinel.ErrAlreadyUsed)

	u, err := s.store.FindUserByUsername(s.ctx, "ada")
	s.Require().NoError(err)
	s.Equal(int64(1), u.PK)

	_, err = s.store.FindUserByUsername(s.ctx, "bob")
	s.ErrorIs(err, sentinel.ErrNotFound)
}

func (s *MemoryStoreSuite) TestClientLookupReturnsCopies() {
	id := uuid.New()
	s.Require().NoError(s.store.CreateClient(s.ctx, &models.Client{ClientID: id, Scopes: []string{"group_write"}}))

	c, err := s.store.FindClientByClientID(s.ctx, id)
	s.Require().NoError(err)
	c.Scopes[0] = "tampered"

	again, err := s.store.FindClientByClientID(s.ctx, id)
	s.Require().NoError(err)
	s.Equal([]string{"group_write"}, again.Scopes)

	s.ErrorIs(s.store.CreateClient(s.ctx, &models.Client{ClientID: id}), sentinel.ErrAlreadyUsed)
}

func (s *MemoryStoreSuite) TestRunInTxRollsBack() {
	boom := errors.New("boom")
	err := s.store.RunInTx(s.ctx, func(ctx context.Context) error {
		sess := &models.Session{ID: uuid.New(), ContributorType: models.ContributorIGN}
		s.Require().NoError(s.store.CreateSession(ctx, sess))
		s.Require().NoError(s.store.RunInTx(ctx, func(ctx context.Context) error {
			return s.store.CreateToken(ctx, &models.Token{AccessToken: "tok", SessionPK: sess.PK})
		}))
		return boom
	})
	s.ErrorIs(err, boom)

	_, err = s.store.FindSessionByPK(s.ctx, 1)
	s.ErrorIs(err, sentinel.ErrNotFound)
	_, err = s.store.FindToken(s.ctx, "tok")
	s.ErrorIs(err, sentinel.ErrNotFound)
}

func (s *MemoryStoreSuite) TestDeleteExpiredTokens() {
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	s.Require().NoError(s.store.CreateToken(s.ctx, &models.Token{AccessToken: "old", Expires: now.Add(-time.Minute)}))
	s.Require().NoError(s.store.CreateToken(s.ctx, &models.Token{AccessToken: "edge", Expires: now}))
	s.Require().NoError(s.store.CreateToken(s.ctx, &models.Token{AccessToken: "fresh", Expires: now.Add(time.Hour)}))

	n, err := s.store.DeleteExpiredTokens(s.ctx, now)
	s.Require().NoError(err)
	s.Equal(int64(2), n)

	_, err = s.store.FindToken(s.ctx, "fresh")
	s.NoError(err)
	_, err = s.store.FindToken(s.ctx, "edge")
	s.ErrorIs(err, sentinel.ErrNotFound)
}
