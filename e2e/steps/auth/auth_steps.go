package auth

import (
	"context"
	"fmt"
	"net/http"
	"net/url"

	"github.com/cucumber/godog"
)

// TestContext interface defines the methods needed from the main test context
type TestContext interface {
	PostForm(path string, values url.Values) error
	Status() int
	Field(path string) (string, bool)
	Credentials() (clientID, secret string)
	SetToken(token string)
}

// RegisterSteps registers token endpoint step definitions
func RegisterSteps(ctx *godog.ScenarioContext, tc TestContext) {
	steps := &authSteps{tc: tc}

	ctx.Step(`^I request a token as contributor "([^"]*)"$`, steps.requestToken)
	ctx.Step(`^I request a token with secret "([^"]*)"$`, steps.requestTokenWithSecret)
	ctx.Step(`^I am authenticated as contributor "([^"]*)"$`, steps.authenticateAs)
	ctx.Step(`^I use the bearer token "([^"]*)"$`, steps.useToken)
}

type authSteps struct {
	tc TestContext
}

func (s *authSteps) form(secret, contributorType string) url.Values {
	clientID, _ := s.tc.Credentials()
	return url.Values{
		"grant_type":       {"client_credentials"},
		"client_id":        {clientID},
		"client_secret":    {secret},
		"contributor_type": {contributorType},
		"ip":               {"203.0.113.7"},
		"email":            {"e2e@example.org"},
	}
}

func (s *authSteps) requestToken(_ context.Context, contributorType string) error {
	_, secret := s.tc.Credentials()
	return s.tc.PostForm("/token", s.form(secret, contributorType))
}

func (s *authSteps) requestTokenWithSecret(_ context.Context, secret string) error {
	return s.tc.PostForm("/token", s.form(secret, "ign"))
}

func (s *authSteps) authenticateAs(ctx context.Context, contributorType string) error {
	if err := s.requestToken(ctx, contributorType); err != nil {
		return err
	}
	if s.tc.Status() != http.StatusOK {
		return fmt.Errorf("token request answered %d", s.tc.Status())
	}
	token, _ := s.tc.Field("access_token")
	s.tc.SetToken(token)
	return nil
}

func (s *authSteps) useToken(_ context.Context, token string) error {
	s.tc.SetToken(token)
	return nil
}
