package common

import (
	"context"
	"fmt"
	"math/rand/v2"
	"net/http"

	"github.com/cucumber/godog"
)

// TestContext interface defines the methods needed from the main test context
type TestContext interface {
	Request(method, path string, body any) error
	Status() int
	Field(path string) (string, bool)
	Save(name, value string)
	Expand(s string) string
}

// RegisterSteps registers requests and response assertions shared by every feature
func RegisterSteps(ctx *godog.ScenarioContext, tc TestContext) {
	steps := &commonSteps{tc: tc}

	ctx.Step(`^a fresh INSEE code saved as "([^"]*)"$`, steps.freshInsee)
	ctx.Step(`^I GET "([^"]*)"$`, steps.get)
	ctx.Step(`^I save the response field "([^"]*)" as "([^"]*)"$`, steps.saveField)

	ctx.Step(`^the response status should be (\d+)$`, steps.statusShouldBe)
	ctx.Step(`^the response field "([^"]*)" should equal "([^"]*)"$`, steps.fieldShouldEqual)
	ctx.Step(`^the response field "([^"]*)" should be present$`, steps.fieldShouldBePresent)
}

type commonSteps struct {
	tc TestContext
}

// freshInsee avoids unique collisions with data left by earlier runs.
func (s *commonSteps) freshInsee(_ context.Context, name string) error {
	s.tc.Save(name, fmt.Sprintf("9%04d", rand.IntN(10000)))
	return nil
}

func (s *commonSteps) get(_ context.Context, path string) error {
	return s.tc.Request(http.MethodGet, path, nil)
}

func (s *commonSteps) saveField(_ context.Context, path, name string) error {
	value, ok := s.tc.Field(path)
	if !ok {
		return fmt.Errorf("response has no field %q", path)
	}
	s.tc.Save(name, value)
	return nil
}

func (s *commonSteps) statusShouldBe(_ context.Context, want int) error {
	if got := s.tc.Status(); got != want {
		return fmt.Errorf("expected status %d, got %d", want, got)
	}
	return nil
}

func (s *commonSteps) fieldShouldEqual(_ context.Context, path, want string) error {
	want = s.tc.Expand(want)
	got, ok := s.tc.Field(path)
	if !ok {
		return fmt.Errorf("response has no field %q", path)
	}
	if got != want {
		return fmt.Errorf("expected %s to be %q, got %q", path, want, got)
	}
	return nil
}

func (s *commonSteps) fieldShouldBePresent(_ context.Context, path string) error {
	if _, ok := s.tc.Field(path); !ok {
		return fmt.Errorf("response has no field %q", path)
	}
	return nil
}
