// Package postgres persists users, clients, sessions and tokens.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"ban/internal/auth/models"
	dErrors "ban/pkg/domain-errors"
	"ban/pkg/platform/sentinel"
	"ban/pkg/platform/tx"
)

const (
	defaultTxTimeout    = 5 * time.Second
	codeUniqueViolation = "23505"
)

type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Store is the PostgreSQL auth store.
type Store struct {
	db      *sql.DB
	timeout time.Duration
}

func New(db *sql.DB) *Store {
	return &Store{db: db, timeout: defaultTxTimeout}
}

// RunInTx runs fn in a transaction carried by the context, joining one that
// is already open.
func (s *Store) RunInTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if _, ok := tx.From(ctx); ok {
		return fn(ctx)
	}
	if err := ctx.Err(); err != nil {
		return dErrors.Wrap(err, dErrors.CodeTimeout, "transaction aborted: context cancelled")
	}
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		_ = sqlTx.Rollback()
	}()

	if err := fn(tx.WithTx(ctx, sqlTx)); err != nil {
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) conn(ctx context.Context) dbtx {
	if sqlTx, ok := tx.From(ctx); ok {
		return sqlTx
	}
	return s.db
}

func (s *Store) CreateUser(ctx context.Context, u *models.User) error {
	err := s.conn(ctx).QueryRowContext(ctx, `
		INSERT INTO users (username, email, company, is_staff, password_hash, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING pk`,
		u.Username, u.Email, u.Company, u.IsStaff, u.PasswordHash, u.CreatedAt,
	).Scan(&u.PK)
	if isUniqueViolation(err) {
		return fmt.Errorf("user %s: %w", u.Username, sentinel.ErrAlreadyUsed)
	}
	if err != nil {
		return fmt.Errorf("insert user: %w", err)
	}
	return nil
}

func (s *Store) FindUserByUsername(ctx context.Context, username string) (*models.User, error) {
	u := &models.User{}
	err := s.conn(ctx).QueryRowContext(ctx, `
		SELECT pk, username, email, company, is_staff, password_hash, created_at
		FROM users WHERE username = $1`, username,
	).Scan(&u.PK, &u.Username, &u.Email, &u.Company, &u.IsStaff, &u.PasswordHash, &u.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, sentinel.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find user: %w", err)
	}
	return u, nil
}

func (s *Store) CreateClient(ctx context.Context, c *models.Client) error {
	err := s.conn(ctx).QueryRowContext(ctx, `
		INSERT INTO clients (client_id, secret_hash, name, user_pk, scopes, contributor_types,
			redirect_uris, grant_type, is_confidential, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING pk`,
		c.ClientID, c.SecretHash, c.Name, nullInt(c.UserPK), pq.Array(c.Scopes),
		pq.Array(c.ContributorTypes), pq.Array(c.RedirectURIs), c.GrantType, c.IsConfidential, c.CreatedAt,
	).Scan(&c.PK)
	if isUniqueViolation(err) {
		return fmt.Errorf("client %s: %w", c.ClientID, sentinel.ErrAlreadyUsed)
	}
	if err != nil {
		return fmt.Errorf("insert client: %w", err)
	}
	return nil
}

func (s *Store) FindClientByClientID(ctx context.Context, clientID uuid.UUID) (*models.Client, error) {
	c := &models.Client{}
	var (
		owner                    sql.NullInt64
		scopes, types, redirects pq.StringArray
	)
	err := s.conn(ctx).QueryRowContext(ctx, `
		SELECT pk, client_id, secret_hash, name, user_pk, scopes, contributor_types,
			redirect_uris, grant_type, is_confidential, created_at
		FROM clients WHERE client_id = $1`, clientID,
	).Scan(&c.PK, &c.ClientID, &c.SecretHash, &c.Name, &owner, &scopes, &types,
		&redirects, &c.GrantType, &c.IsConfidential, &c.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, sentinel.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find client: %w", err)
	}
	if owner.Valid {
		c.UserPK = &owner.Int64
	}
	c.Scopes, c.ContributorTypes, c.RedirectURIs = scopes, types, redirects
	return c, nil
}

func (s *Store) CreateSession(ctx context.Context, sess *models.Session) error {
	err := s.conn(ctx).QueryRowContext(ctx, `
		INSERT INTO sessions (id, client_pk, user_pk, contributor_type, ip, email, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING pk`,
		sess.ID, nullInt(sess.ClientPK), nullInt(sess.UserPK), sess.ContributorType,
		nullString(sess.IP), nullString(sess.Email), sess.CreatedAt,
	).Scan(&sess.PK)
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

func (s *Store) FindSessionByPK(ctx context.Context, pk int64) (*models.Session, error) {
	sess := &models.Session{}
	var (
		client, user sql.NullInt64
		ip, email    sql.NullString
	)
	err := s.conn(ctx).QueryRowContext(ctx, `
		SELECT pk, id, client_pk, user_pk, contributor_type, ip, email, created_at
		FROM sessions WHERE pk = $1`, pk,
	).Scan(&sess.PK, &sess.ID, &client, &user, &sess.ContributorType, &ip, &email, &sess.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, sentinel.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find session: %w", err)
	}
	if client.Valid {
		sess.ClientPK = &client.Int64
	}
	if user.Valid {
		sess.UserPK = &user.Int64
	}
	sess.IP, sess.Email = ip.String, email.String
	return sess, nil
}

func (s *Store) CreateToken(ctx context.Context, t *models.Token) error {
	err := s.conn(ctx).QueryRowContext(ctx, `
		INSERT INTO tokens (access_token, refresh_token, session_pk, scopes, contributor_type, expires)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING pk`,
		t.AccessToken, nullString(t.RefreshToken), t.SessionPK, pq.Array(t.Scopes), t.ContributorType, t.Expires,
	).Scan(&t.PK)
	if isUniqueViolation(err) {
		return fmt.Errorf("access token: %w", sentinel.ErrAlreadyUsed)
	}
	if err != nil {
		return fmt.Errorf("insert token: %w", err)
	}
	return nil
}

func (s *Store) FindToken(ctx context.Context, accessToken string) (*models.Token, error) {
	t := &models.Token{}
	var (
		refresh sql.NullString
		scopes  pq.StringArray
	)
	err := s.conn(ctx).QueryRowContext(ctx, `
		SELECT pk, access_token, refresh_token, session_pk, scopes, contributor_type, expires
		FROM tokens WHERE access_token = $1`, accessToken,
	).Scan(&t.PK, &t.AccessToken, &refresh, &t.SessionPK, &scopes, &t.ContributorType, &t.Expires)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, sentinel.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find token: %w", err)
	}
	t.RefreshToken, t.Scopes = refresh.String, scopes
	return t, nil
}

func (s *Store) DeleteExpiredTokens(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.conn(ctx).ExecContext(ctx, `DELETE FROM tokens WHERE expires <= $1`, now)
	if err != nil {
		return 0, fmt.Errorf("delete expired tokens: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	return n, nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == codeUniqueViolation
}

func nullInt(v *int64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *v, Valid: true}
}

func nullString(v string) sql.NullString {
	return sql.NullString{String: v, Valid: v != ""}
}
