package workflow

import (
	"go.temporal.io/sdk/testsuite"

	"github.com/backtrue/mitenow-sub001/internal/activity"
)

// registerActivities gives the test environment the activity signatures so
// mocked parameters and results serialize like the real ones.
func registerActivities(env *testsuite.TestWorkflowEnvironment) {
	env.RegisterActivity(&activity.Build{})
	env.RegisterActivity(&activity.Callback{})
	env.RegisterActivity(&activity.Maintenance{})
}
