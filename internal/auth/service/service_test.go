package service

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/suite"
	"go.uber.org/mock/gomock"

	"ban/internal/auth/metrics"
	"ban/internal/auth/models"
	"ban/internal/auth/secrets"
	"ban/internal/auth/service/mocks"
	"ban/internal/auth/store/memory"
	dErrors "ban/pkg/domain-errors"
	"ban/pkg/platform/sentinel"
	"ban/pkg/requestcontext"
)

const testSigningKey = "test-signing-key"

var issuedAt = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

// ServiceSuite exercises failure paths against mocked stores.
type ServiceSuite struct {
	suite.Suite
	ctrl         *gomock.Controller
	mockUsers    *mocks.MockUserStore
	mockClients  *mocks.MockClientStore
	mockSessions *mocks.MockSessionStore
	mockTokens   *mocks.MockTokenStore
	mockTx       *mocks.MockTxRunner
	metrics      *metrics.Metrics
	service      *Service
	ctx          context.Context
}

func TestServiceSuite(t *testing.T) {
	suite.Run(t, new(ServiceSuite))
}

func (s *ServiceSuite) SetupTest() {
	s.ctrl = gomock.NewController(s.T())
	s.mockUsers = mocks.NewMockUserStore(s.ctrl)
	s.mockClients = mocks.NewMockClientStore(s.ctrl)
	s.mockSessions = mocks.NewMockSessionStore(s.ctrl)
	s.mockTokens = mocks.NewMockTokenStore(s.ctrl)
	s.mockTx = mocks.NewMockTxRunner(s.ctrl)
	s.metrics = metrics.New(prometheus.NewRegistry())

	svc, err := New(Stores{
		Users:    s.mockUsers,
		Clients:  s.mockClients,
		Sessions: s.mockSessions,
		Tokens:   s.mockTokens,
		Tx:       s.mockTx,
	}, testSigningKey,
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		WithMetrics(s.metrics),
	)
	s.Require().NoError(err)
	s.service = svc
	s.ctx = requestcontext.WithTime(context.Background(), issuedAt)
}

func (s *ServiceSuite) TearDownTest() {
	s.ctrl.Finish()
}

func (s *ServiceSuite) client(secret string, types ...string) *models.Client {
	hash, err := secrets.Hash(secret)
	s.Require().NoError(err)
	c, err := models.NewClient(uuid.New(), hash, "importer", nil, []string{"municipality_write"}, types, issuedAt)
	s.Require().NoError(err)
	c.PK = 7
	return c
}

func request(c *models.Client, secret string) models.TokenRequest {
	return models.TokenRequest{
		GrantType:    models.GrantClientCredentials,
		ClientID:     c.ClientID.String(),
		ClientSecret: secret,
		Email:        "ops@example.org",
	}
}

func (s *ServiceSuite) TestNewRequiresStoresAndKey() {
	_, err := New(Stores{}, testSigningKey)
	s.Error(err)
	_, err = New(Stores{Users: s.mockUsers, Clients: s.mockClients, Sessions: s.mockSessions, Tokens: s.mockTokens, Tx: s.mockTx}, "")
	s.Error(err)
}

func (s *ServiceSuite) TestIssueTokenRejectsInvalidRequest() {
	_, err := s.service.IssueToken(s.ctx, models.TokenRequest{GrantType: "password"})
	s.Require().Error(err)
	s.True(dErrors.HasCode(err, dErrors.CodeValidation))
	fields := dErrors.FieldsOf(err)
	s.Contains(fields, "grant_type")
	s.Contains(fields, "client_id")
	s.Contains(fields, "ip")
}

func (s *ServiceSuite) TestIssueTokenUnknownClient() {
	c := s.client("secret", models.ContributorIGN)
	s.mockClients.EXPECT().FindClientByClientID(gomock.Any(), c.ClientID).Return(nil, sentinel.ErrNotFound)

	_, err := s.service.IssueToken(s.ctx, request(c, "secret"))
	s.Require().Error(err)
	s.True(dErrors.HasCode(err, dErrors.CodeUnauthorized))
	s.Equal(float64(1), promtest.ToFloat64(s.metrics.AuthFailures.WithLabelValues("unknown_client")))
}

func (s *ServiceSuite) TestIssueTokenBadSecret() {
	c := s.client("secret", models.ContributorIGN)
	s.mockClients.EXPECT().FindClientByClientID(gomock.Any(), c.ClientID).Return(c, nil)

	_, err := s.service.IssueToken(s.ctx, request(c, "not-the-secret"))
	s.Require().Error(err)
	s.True(dErrors.HasCode(err, dErrors.CodeUnauthorized))
	s.Equal(float64(1), promtest.ToFloat64(s.metrics.AuthFailures.WithLabelValues("bad_secret")))
}

func (s *ServiceSuite) TestIssueTokenContributorType() {
	c := s.client("secret", models.ContributorIGN, models.ContributorLaPoste)
	s.mockClients.EXPECT().FindClientByClientID(gomock.Any(), c.ClientID).Return(c, nil).Times(2)

	_, err := s.service.IssueToken(s.ctx, request(c, "secret"))
	s.Require().Error(err)
	s.Contains(dErrors.FieldsOf(err), "contributor_type")

	req := request(c, "secret")
	req.ContributorType = models.ContributorDGFIP
	_, err = s.service.IssueToken(s.ctx, req)
	s.Require().Error(err)
	s.Equal("Not allowed for this client.", dErrors.FieldsOf(err)["contributor_type"])
}

func (s *ServiceSuite) TestIssueTokenStoreFailure() {
	c := s.client("secret", models.ContributorIGN)
	s.mockClients.EXPECT().FindClientByClientID(gomock.Any(), c.ClientID).Return(c, nil)
	s.mockTx.EXPECT().RunInTx(gomock.Any(), gomock.Any()).DoAndReturn(
		func(ctx context.Context, fn func(context.Context) error) error { return fn(ctx) })
	s.mockSessions.EXPECT().CreateSession(gomock.Any(), gomock.Any()).DoAndReturn(
		func(_ context.Context, sess *models.Session) error {
			s.Equal(int64(7), *sess.ClientPK)
			s.Equal(models.ContributorIGN, sess.ContributorType)
			s.Equal("ops@example.org", sess.Email)
			sess.PK = 3
			return nil
		})
	s.mockTokens.EXPECT().CreateToken(gomock.Any(), gomock.Any()).Return(errors.New("connection reset"))

	_, err := s.service.IssueToken(s.ctx, request(c, "secret"))
	s.Require().Error(err)
	s.True(dErrors.HasCode(err, dErrors.CodeInternal))
}

func (s *ServiceSuite) TestAuthenticateRejectsGarbage() {
	_, err := s.service.Authenticate(s.ctx, "not-a-jwt")
	s.Require().Error(err)
	s.True(dErrors.HasCode(err, dErrors.CodeUnauthorized))
}

func (s *ServiceSuite) TestAuthenticateUnknownToken() {
	raw, _, err := s.service.issuer.Issue(uuid.New(), uuid.NewString(), models.ContributorIGN, nil, issuedAt, issuedAt.Add(time.Hour))
	s.Require().NoError(err)
	s.mockTokens.EXPECT().FindToken(gomock.Any(), raw).Return(nil, sentinel.ErrNotFound)

	_, err = s.service.Authenticate(s.ctx, raw)
	s.Require().Error(err)
	s.True(dErrors.HasCode(err, dErrors.CodeUnauthorized))
	s.Equal(float64(1), promtest.ToFloat64(s.metrics.AuthFailures.WithLabelValues("unknown_token")))
}

func (s *ServiceSuite) TestPurgeExpiredTokens() {
	s.mockTokens.EXPECT().DeleteExpiredTokens(gomock.Any(), issuedAt).Return(int64(3), nil)
	n, err := s.service.PurgeExpiredTokens(s.ctx)
	s.Require().NoError(err)
	s.Equal(int64(3), n)
	s.Equal(float64(3), promtest.ToFloat64(s.metrics.TokensPurged))

	s.mockTokens.EXPECT().DeleteExpiredTokens(gomock.Any(), issuedAt).Return(int64(0), errors.New("down"))
	_, err = s.service.PurgeExpiredTokens(s.ctx)
	s.True(dErrors.HasCode(err, dErrors.CodeInternal))
}

// FlowSuite runs the grant end to end against the memory store.
type FlowSuite struct {
	suite.Suite
	store   *memory.Store
	service *Service
	ctx     context.Context
}

func TestFlowSuite(t *testing.T) {
	suite.Run(t, new(FlowSuite))
}

func (s *FlowSuite) SetupTest() {
	s.store = memory.New()
	svc, err := New(Stores{Users: s.store, Clients: s.store, Sessions: s.store, Tokens: s.store, Tx: s.store},
		testSigningKey, WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	s.Require().NoError(err)
	s.service = svc
	s.ctx = requestcontext.WithTime(context.Background(), issuedAt)
}

func (s *FlowSuite) register(types ...string) *RegisteredClient {
	_, err := s.service.RegisterUser(s.ctx, UserRequest{Username: "ada", Email: "Ada@Example.org", Password: "pass"})
	s.Require().NoError(err)
	reg, err := s.service.RegisterClient(s.ctx, ClientRequest{
		Name:             "importer",
		Owner:            "ada",
		Scopes:           []string{"municipality_write", "group_write"},
		ContributorTypes: types,
	})
	s.Require().NoError(err)
	return reg
}

func (s *FlowSuite) issue(reg *RegisteredClient, contributorType string) *models.TokenResponse {
	resp, err := s.service.IssueToken(s.ctx, models.TokenRequest{
		GrantType:       models.GrantClientCredentials,
		ClientID:        reg.Client.ClientID.String(),
		ClientSecret:    reg.Secret,
		IP:              "192.0.2.10",
		ContributorType: contributorType,
	})
	s.Require().NoError(err)
	return resp
}

func (s *FlowSuite) TestRegisterClient() {
	reg := s.register(models.ContributorIGN)
	s.Len(reg.Secret, secrets.ClientSecretLength)
	s.Equal(4, int(reg.Client.ClientID.Version()))
	s.NotNil(reg.Client.UserPK)

	_, err := s.service.RegisterUser(s.ctx, UserRequest{Username: "ada", Email: "ada@example.org", Password: "x"})
	s.Require().Error(err)
	s.Contains(dErrors.FieldsOf(err), "username")

	_, err = s.service.RegisterClient(s.ctx, ClientRequest{Name: "orphan", Owner: "nobody", ContributorTypes: []string{models.ContributorIGN}})
	s.Require().Error(err)
	s.Contains(dErrors.FieldsOf(err), "user")
}

func (s *FlowSuite) TestContributorSession() {
	reg := s.register(models.ContributorIGN)
	resp := s.issue(reg, "")
	s.Equal("Bearer", resp.TokenType)
	s.Equal(3600, resp.ExpiresIn)
	s.Equal("municipality_write group_write", resp.Scope)

	p, err := s.service.Authenticate(s.ctx, resp.AccessToken)
	s.Require().NoError(err)
	s.Equal(models.ContributorIGN, p.ContributorType)
	s.Equal(reg.Client.PK, p.ClientPK)
	s.True(p.HasScope("group_write"))
	s.False(p.IsViewer())
}

func (s *FlowSuite) TestViewerSessionHasNoScopes() {
	reg := s.register(models.ContributorIGN, models.ContributorViewer)
	resp := s.issue(reg, models.ContributorViewer)
	s.Empty(resp.Scope)

	p, err := s.service.Authenticate(s.ctx, resp.AccessToken)
	s.Require().NoError(err)
	s.True(p.IsViewer())
	s.False(p.HasScope("municipality_write"))
}

func (s *FlowSuite) TestExpiredTokenIsRejectedAndPurged() {
	reg := s.register(models.ContributorIGN)
	first := s.issue(reg, "")
	second := s.issue(reg, "")
	s.NotEqual(first.AccessToken, second.AccessToken)

	later := requestcontext.WithTime(context.Background(), issuedAt.Add(2*time.Hour))
	_, err := s.service.Authenticate(later, first.AccessToken)
	s.Require().Error(err)
	s.True(dErrors.HasCode(err, dErrors.CodeUnauthorized))

	n, err := s.service.PurgeExpiredTokens(later)
	s.Require().NoError(err)
	s.Equal(int64(2), n)

	_, err = s.service.Authenticate(s.ctx, second.AccessToken)
	s.Require().Error(err)
	s.True(dErrors.HasCode(err, dErrors.CodeUnauthorized))
}
