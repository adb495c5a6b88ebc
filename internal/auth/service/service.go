package service

//go:generate mockgen -source=service.go -destination=mocks/mocks.go -package=mocks

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"ban/internal/auth/metrics"
	"ban/internal/auth/models"
	"ban/internal/auth/secrets"
	"ban/internal/auth/token"
	dErrors "ban/pkg/domain-errors"
	"ban/pkg/platform/sentinel"
	"ban/pkg/requestcontext"
)

const (
	defaultTokenTTL = time.Hour
	defaultIssuer   = "ban"
	defaultAudience = "ban-api"
)

type UserStore interface {
	CreateUser(ctx context.Context, user *models.User) error
	FindUserByUsername(ctx context.Context, username string) (*models.User, error)
}

type ClientStore interface {
	CreateClient(ctx context.Context, client *models.Client) error
	FindClientByClientID(ctx context.Context, clientID uuid.UUID) (*models.Client, error)
}

type SessionStore interface {
	CreateSession(ctx context.Context, session *models.Session) error
	FindSessionByPK(ctx context.Context, pk int64) (*models.Session, error)
}

type TokenStore interface {
	CreateToken(ctx context.Context, t *models.Token) error
	FindToken(ctx context.Context, accessToken string) (*models.Token, error)
	DeleteExpiredTokens(ctx context.Context, now time.Time) (int64, error)
}

// TxRunner scopes the session and token writes of one issuance.
type TxRunner interface {
	RunInTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// Stores groups the persistence ports of the service. Both store backends
// implement every port, so callers usually pass the same value for each.
type Stores struct {
	Users    UserStore
	Clients  ClientStore
	Sessions SessionStore
	Tokens   TokenStore
	Tx       TxRunner
}

// Service issues client_credentials tokens and authenticates bearer tokens.
type Service struct {
	users    UserStore
	clients  ClientStore
	sessions SessionStore
	tokens   TokenStore
	tx       TxRunner
	issuer   *token.Issuer
	logger   *slog.Logger
	metrics  *metrics.Metrics
	TokenTTL time.Duration
}

type Option func(*Service)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) { s.logger = logger }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

func WithTokenTTL(ttl time.Duration) Option {
	return func(s *Service) {
		if ttl > 0 {
			s.TokenTTL = ttl
		}
	}
}

// New creates the auth service. Access tokens are signed with signingKey.
func New(stores Stores, signingKey string, opts ...Option) (*Service, error) {
	if stores.Users == nil || stores.Clients == nil || stores.Sessions == nil || stores.Tokens == nil || stores.Tx == nil {
		return nil, errors.New("auth stores are required")
	}
	if signingKey == "" {
		return nil, errors.New("a signing key is required")
	}
	s := &Service{
		users:    stores.Users,
		clients:  stores.Clients,
		sessions: stores.Sessions,
		tokens:   stores.Tokens,
		tx:       stores.Tx,
		issuer:   token.NewIssuer(signingKey, defaultIssuer, defaultAudience),
		logger:   slog.Default(),
		TokenTTL: defaultTokenTTL,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// IssueToken runs the client_credentials grant: it checks the client
// secret, resolves the contributor type, mints an immutable session and an
// access token bound to it. Viewer sessions get no scopes.
func (s *Service) IssueToken(ctx context.Context, req models.TokenRequest) (*models.TokenResponse, error) {
	start := time.Now()
	defer s.observeIssueToken(start)

	req.Normalize()
	if err := req.Validate(); err != nil {
		return nil, err
	}
	clientID, err := uuid.Parse(req.ClientID)
	if err != nil {
		return nil, dErrors.Validation("Invalid data", map[string]string{"client_id": "Not a valid UUID v4."})
	}

	client, err := s.clients.FindClientByClientID(ctx, clientID)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			s.authFailure(ctx, "unknown_client", "client_id", req.ClientID)
			return nil, dErrors.New(dErrors.CodeUnauthorized, "invalid client credentials")
		}
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to load client")
	}
	if err := secrets.Verify(req.ClientSecret, client.SecretHash); err != nil {
		if dErrors.HasCode(err, dErrors.CodeUnauthorized) {
			s.authFailure(ctx, "bad_secret", "client_id", req.ClientID)
			return nil, err
		}
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to verify client secret")
	}

	contributorType, err := client.ResolveContributorType(req.ContributorType)
	if err != nil {
		s.authFailure(ctx, "contributor_type", "client_id", req.ClientID, "contributor_type", req.ContributorType)
		return nil, err
	}
	scopes := append([]string{}, client.Scopes...)
	if contributorType == models.ContributorViewer {
		scopes = []string{}
	}

	now := requestcontext.Now(ctx)
	expires := now.Add(s.TokenTTL)
	var issued *models.Token
	err = s.tx.RunInTx(ctx, func(ctx context.Context) error {
		session, err := models.NewClientSession(client.PK, contributorType, req.IP, req.Email, now)
		if err != nil {
			return err
		}
		if err := s.sessions.CreateSession(ctx, session); err != nil {
			return err
		}
		raw, _, err := s.issuer.Issue(session.ID, client.ClientID.String(), contributorType, scopes, now, expires)
		if err != nil {
			return err
		}
		t := &models.Token{
			AccessToken:     raw,
			SessionPK:       session.PK,
			Scopes:          scopes,
			ContributorType: contributorType,
			Expires:         expires,
		}
		if err := s.tokens.CreateToken(ctx, t); err != nil {
			return err
		}
		issued = t
		return nil
	})
	if err != nil {
		if dErrors.CodeOf(err) != dErrors.CodeInternal {
			return nil, err
		}
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to issue token")
	}

	if s.metrics != nil {
		s.metrics.IncrementTokenIssued(contributorType)
	}
	s.logAudit(ctx, "token_issued",
		"client_id", req.ClientID,
		"contributor_type", contributorType,
		"scopes", scopes,
	)
	return &models.TokenResponse{
		AccessToken: issued.AccessToken,
		TokenType:   "Bearer",
		ExpiresIn:   int(s.TokenTTL.Seconds()),
		Scope:       strings.Join(scopes, " "),
	}, nil
}

// Authenticate resolves a bearer token to the principal of its session.
func (s *Service) Authenticate(ctx context.Context, accessToken string) (requestcontext.Principal, error) {
	start := time.Now()
	defer s.observeAuthenticate(start)

	now := requestcontext.Now(ctx)
	claims, err := s.issuer.Validate(accessToken, now)
	if err != nil {
		s.authFailure(ctx, "invalid_token")
		return requestcontext.Principal{}, err
	}

	t, err := s.tokens.FindToken(ctx, accessToken)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			s.authFailure(ctx, "unknown_token", "session_id", claims.SessionID)
			return requestcontext.Principal{}, dErrors.New(dErrors.CodeUnauthorized, "invalid token")
		}
		return requestcontext.Principal{}, dErrors.Wrap(err, dErrors.CodeInternal, "failed to load token")
	}
	if t.IsExpired(now) {
		s.authFailure(ctx, "expired_token", "session_id", claims.SessionID)
		return requestcontext.Principal{}, dErrors.New(dErrors.CodeUnauthorized, "token has expired")
	}

	session, err := s.sessions.FindSessionByPK(ctx, t.SessionPK)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return requestcontext.Principal{}, dErrors.New(dErrors.CodeUnauthorized, "session not found")
		}
		return requestcontext.Principal{}, dErrors.Wrap(err, dErrors.CodeInternal, "failed to load session")
	}

	p := requestcontext.Principal{
		SessionPK:       session.PK,
		SessionID:       session.ID.String(),
		ContributorType: t.ContributorType,
		Scopes:          append([]string{}, t.Scopes...),
	}
	if session.ClientPK != nil {
		p.ClientPK = *session.ClientPK
	}
	if session.UserPK != nil {
		p.UserPK = *session.UserPK
	}
	if p.ContributorType == models.ContributorViewer {
		p.Scopes = nil
	}
	return p, nil
}

// PurgeExpiredTokens deletes every token expired at now.
func (s *Service) PurgeExpiredTokens(ctx context.Context) (int64, error) {
	n, err := s.tokens.DeleteExpiredTokens(ctx, requestcontext.Now(ctx))
	if err != nil {
		return 0, dErrors.Wrap(err, dErrors.CodeInternal, "failed to purge expired tokens")
	}
	if s.metrics != nil {
		s.metrics.AddPurged(n)
	}
	if n > 0 {
		s.logger.InfoContext(ctx, "expired tokens purged", "count", n)
	}
	return n, nil
}

func (s *Service) observeIssueToken(start time.Time) {
	if s.metrics != nil {
		s.metrics.ObserveIssueToken(start)
	}
}

func (s *Service) observeAuthenticate(start time.Time) {
	if s.metrics != nil {
		s.metrics.ObserveAuthenticate(start)
	}
}

func (s *Service) authFailure(ctx context.Context, reason string, attributes ...any) {
	if s.metrics != nil {
		s.metrics.IncrementAuthFailure(reason)
	}
	args := append(attributes, "reason", reason)
	if requestID := requestcontext.RequestID(ctx); requestID != "" {
		args = append(args, "request_id", requestID)
	}
	if ip := requestcontext.ClientIP(ctx); ip != "" {
		args = append(args, "client_ip", ip)
	}
	s.logger.WarnContext(ctx, "authentication failed", args...)
}

func (s *Service) logAudit(ctx context.Context, event string, attributes ...any) {
	if s.logger == nil {
		return
	}
	args := append(attributes, "event", event, "log_type", "audit")
	if requestID := requestcontext.RequestID(ctx); requestID != "" {
		args = append(args, "request_id", requestID)
	}
	s.logger.InfoContext(ctx, event, args...)
}
