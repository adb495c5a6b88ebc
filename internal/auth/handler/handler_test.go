package handler

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/suite"
	"github.com/tidwall/gjson"

	"ban/internal/auth/models"
	"ban/internal/auth/service"
	"ban/internal/auth/store/memory"
	"ban/internal/platform/middleware"
	"ban/pkg/testutil"
)

type HandlerSuite struct {
	suite.Suite
	router  http.Handler
	service *service.Service
	client  *service.RegisteredClient
}

func TestHandlerSuite(t *testing.T) {
	suite.Run(t, new(HandlerSuite))
}

func (s *HandlerSuite) SetupTest() {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	st := memory.New()
	svc, err := service.New(service.Stores{Users: st, Clients: st, Sessions: st, Tokens: st, Tx: st},
		"handler-test-key", service.WithLogger(logger))
	s.Require().NoError(err)
	s.service = svc

	s.client, err = svc.RegisterClient(context.Background(), service.ClientRequest{
		Name:             "importer",
		Scopes:           []string{"municipality_write"},
		ContributorTypes: []string{models.ContributorIGN, models.ContributorViewer},
	})
	s.Require().NoError(err)

	r := chi.NewRouter()
	limiter := middleware.NewIPLimiter(1, 3, middleware.WithLimiterLogger(logger))
	New(svc, logger).Register(r, limiter.Middleware)
	s.router = r
}

func (s *HandlerSuite) form(values url.Values) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, Path, strings.NewReader(values.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return testutil.DoRequest(s.router, req)
}

func (s *HandlerSuite) grant(contributorType string) url.Values {
	return url.Values{
		"grant_type":       {models.GrantClientCredentials},
		"client_id":        {s.client.Client.ClientID.String()},
		"client_secret":    {s.client.Secret},
		"ip":               {"192.0.2.1"},
		"contributor_type": {contributorType},
	}
}

func (s *HandlerSuite) TestFormGrant() {
	rr := s.form(s.grant(models.ContributorIGN))
	s.Require().Equal(http.StatusOK, rr.Code, rr.Body.String())
	s.Equal("no-store", rr.Header().Get("Cache-Control"))

	body := rr.Body.String()
	s.Equal("Bearer", gjson.Get(body, "token_type").String())
	s.Equal(int64(time.Hour.Seconds()), gjson.Get(body, "expires_in").Int())
	s.Equal("municipality_write", gjson.Get(body, "scope").String())

	p, err := s.service.Authenticate(context.Background(), gjson.Get(body, "access_token").String())
	s.Require().NoError(err)
	s.Equal(models.ContributorIGN, p.ContributorType)
}

func (s *HandlerSuite) TestJSONGrant() {
	rr := testutil.DoRequest(s.router, testutil.NewJSONRequest(s.T(), http.MethodPost, Path, map[string]string{
		"grant_type":       models.GrantClientCredentials,
		"client_id":        s.client.Client.ClientID.String(),
		"client_secret":    s.client.Secret,
		"email":            "ops@example.org",
		"contributor_type": models.ContributorViewer,
	}))
	s.Require().Equal(http.StatusOK, rr.Code, rr.Body.String())
	s.Empty(gjson.Get(rr.Body.String(), "scope").String())
}

func (s *HandlerSuite) TestRejectedGrants() {
	missingContact := s.grant(models.ContributorIGN)
	missingContact.Del("ip")

	badSecret := s.grant(models.ContributorIGN)
	badSecret.Set("client_secret", "wrong")

	notAllowed := s.grant(models.ContributorDGFIP)

	cases := []struct {
		name   string
		values url.Values
		status int
		fields []string
	}{
		{"missing ip and email", missingContact, http.StatusUnprocessableEntity, []string{"ip", "email"}},
		{"wrong secret", badSecret, http.StatusUnauthorized, nil},
		{"contributor type not allowed", notAllowed, http.StatusUnprocessableEntity, []string{"contributor_type"}},
	}
	for _, tc := range cases {
		s.Run(tc.name, func() {
			rr := s.form(tc.values)
			s.Equal(tc.status, rr.Code, rr.Body.String())
			for _, field := range tc.fields {
				s.True(gjson.Get(rr.Body.String(), "errors."+field).Exists(), field)
			}
		})
	}
}

func (s *HandlerSuite) TestRateLimited() {
	var last int
	for range 5 {
		last = s.form(s.grant("nope")).Code
	}
	s.Equal(http.StatusTooManyRequests, last)
}
