// Package memory is the in-process auth store used in development and tests.
package memory

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"ban/internal/auth/models"
	"ban/pkg/platform/sentinel"
	"ban/pkg/platform/tx"
)

type state struct {
	seq      map[string]int64
	users    map[int64]*models.User
	clients  map[int64]*models.Client
	sessions map[int64]*models.Session
	tokens   map[string]*models.Token
}

func newState() *state {
	return &state{
		seq:      map[string]int64{},
		users:    map[int64]*models.User{},
		clients:  map[int64]*models.Client{},
		sessions: map[int64]*models.Session{},
		tokens:   map[string]*models.Token{},
	}
}

func (s *state) next(table string) int64 {
	s.seq[table]++
	return s.seq[table]
}

// clone copies the maps; the values are replaced on write, never mutated.
func (s *state) clone() *state {
	return &state{
		seq:      maps.Clone(s.seq),
		users:    maps.Clone(s.users),
		clients:  maps.Clone(s.clients),
		sessions: maps.Clone(s.sessions),
		tokens:   maps.Clone(s.tokens),
	}
}

// Store keeps users, clients, sessions and tokens in maps.
type Store struct {
	txMu sync.Mutex
	mu   sync.RWMutex
	data *state
}

func New() *Store {
	return &Store{data: newState()}
}

// RunInTx restores the previous state when fn fails.
func (s *Store) RunInTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if tx.InScope(ctx, s) {
		return fn(ctx)
	}
	s.txMu.Lock()
	defer s.txMu.Unlock()

	s.mu.RLock()
	snapshot := s.data.clone()
	s.mu.RUnlock()

	if err := fn(tx.WithScope(ctx, s)); err != nil {
		s.mu.Lock()
		s.data = snapshot
		s.mu.Unlock()
		return err
	}
	return nil
}

func (s *Store) Ping(context.Context) error { return nil }

func (s *Store) CreateUser(_ context.Context, u *models.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.data.users {
		if existing.Username == u.Username || existing.Email == u.Email {
			return fmt.Errorf("user %s: %w", u.Username, sentinel.ErrAlreadyUsed)
		}
	}
	u.PK = s.data.next("users")
	cp := *u
	s.data.users[u.PK] = &cp
	return nil
}

func (s *Store) FindUserByUsername(_ context.Context, username string) (*models.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, u := range s.data.users {
		if u.Username == username {
			cp := *u
			return &cp, nil
		}
	}
	return nil, sentinel.ErrNotFound
}

func (s *Store) CreateClient(_ context.Context, c *models.Client) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.data.clients {
		if existing.ClientID == c.ClientID {
			return fmt.Errorf("client %s: %w", c.ClientID, sentinel.ErrAlreadyUsed)
		}
	}
	c.PK = s.data.next("clients")
	s.data.clients[c.PK] = copyClient(c)
	return nil
}

func (s *Store) FindClientByClientID(_ context.Context, clientID uuid.UUID) (*models.Client, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, c := range s.data.clients {
		if c.ClientID == clientID {
			return copyClient(c), nil
		}
	}
	return nil, sentinel.ErrNotFound
}

func (s *Store) CreateSession(_ context.Context, sess *models.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess.PK = s.data.next("sessions")
	cp := *sess
	s.data.sessions[sess.PK] = &cp
	return nil
}

func (s *Store) FindSessionByPK(_ context.Context, pk int64) (*models.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.data.sessions[pk]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	cp := *sess
	return &cp, nil
}

func (s *Store) CreateToken(_ context.Context, t *models.Token) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, taken := s.data.tokens[t.AccessToken]; taken {
		return fmt.Errorf("access token: %w", sentinel.ErrAlreadyUsed)
	}
	t.PK = s.data.next("tokens")
	cp := *t
	cp.Scopes = slices.Clone(t.Scopes)
	s.data.tokens[t.AccessToken] = &cp
	return nil
}

func (s *Store) FindToken(_ context.Context, accessToken string) (*models.Token, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.data.tokens[accessToken]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	cp := *t
	cp.Scopes = slices.Clone(t.Scopes)
	return &cp, nil
}

func (s *Store) DeleteExpiredTokens(_ context.Context, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for key, t := range s.data.tokens {
		if t.IsExpired(now) {
			delete(s.data.tokens, key)
			n++
		}
	}
	return n, nil
}

func copyClient(c *models.Client) *models.Client {
	cp := *c
	cp.Scopes = slices.Clone(c.Scopes)
	cp.ContributorTypes = slices.Clone(c.ContributorTypes)
	cp.RedirectURIs = slices.Clone(c.RedirectURIs)
	return &cp
}
