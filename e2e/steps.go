package e2e

import (
	"github.com/cucumber/godog"

	"ban/e2e/steps/auth"
	"ban/e2e/steps/common"
	"ban/e2e/steps/resource"
)

// RegisterSteps registers all step definitions from modular packages
func RegisterSteps(ctx *godog.ScenarioContext, tc *TestContext) {
	common.RegisterSteps(ctx, tc)
	auth.RegisterSteps(ctx, tc)
	resource.RegisterSteps(ctx, tc)
}
