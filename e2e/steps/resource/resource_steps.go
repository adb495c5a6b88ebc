package resource

import (
	"context"
	"fmt"
	"net/http"
	"strconv"

	"github.com/cucumber/godog"
)

// TestContext interface defines the methods needed from the main test context
type TestContext interface {
	Request(method, path string, body any) error
	Expand(s string) string
}

// RegisterSteps registers resource write step definitions
func RegisterSteps(ctx *godog.ScenarioContext, tc TestContext) {
	steps := &resourceSteps{tc: tc}

	ctx.Step(`^I create an? (\w+) with:$`, steps.create)
	ctx.Step(`^I (PATCH|PUT) (\w+) "([^"]*)" with:$`, steps.update)
	ctx.Step(`^I DELETE (\w+) "([^"]*)"$`, steps.remove)
	ctx.Step(`^I flag version (\d+) of (\w+) "([^"]*)"$`, steps.flag)
}

type resourceSteps struct {
	tc TestContext
}

// payload reads a two column field table. The version field is sent as a number.
func (s *resourceSteps) payload(table *godog.Table) (map[string]any, error) {
	out := make(map[string]any, len(table.Rows))
	for _, row := range table.Rows {
		if len(row.Cells) != 2 {
			return nil, fmt.Errorf("expected field | value rows, got %d cells", len(row.Cells))
		}
		name, value := row.Cells[0].Value, s.tc.Expand(row.Cells[1].Value)
		if name == "version" {
			n, err := strconv.Atoi(value)
			if err != nil {
				return nil, fmt.Errorf("version %q: %w", value, err)
			}
			out[name] = n
			continue
		}
		out[name] = value
	}
	return out, nil
}

func (s *resourceSteps) create(_ context.Context, resource string, table *godog.Table) error {
	body, err := s.payload(table)
	if err != nil {
		return err
	}
	return s.tc.Request(http.MethodPost, "/"+resource, body)
}

func (s *resourceSteps) update(_ context.Context, method, resource, ref string, table *godog.Table) error {
	body, err := s.payload(table)
	if err != nil {
		return err
	}
	return s.tc.Request(method, "/"+resource+"/"+ref, body)
}

func (s *resourceSteps) remove(_ context.Context, resource, ref string) error {
	return s.tc.Request(http.MethodDelete, "/"+resource+"/"+ref, nil)
}

func (s *resourceSteps) flag(_ context.Context, sequential int, resource, ref string) error {
	return s.tc.Request(http.MethodPost, fmt.Sprintf("/%s/%s/versions/%d/flag", resource, ref, sequential), map[string]any{"status": true})
}
