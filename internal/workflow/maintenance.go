package workflow

import (
	"time"

	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"

	"github.com/backtrue/mitenow-sub001/internal/core"
)

// ReconcileDeploymentsWorkflow runs on a schedule. It fails deployments that
// stopped making progress, corrects quota counters and prunes expired
// sessions.
func ReconcileDeploymentsWorkflow(ctx workflow.Context) error {
	ctx = workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: 2 * time.Minute,
		RetryPolicy: &temporal.RetryPolicy{
			MaximumAttempts:    3,
			InitialInterval:    5 * time.Second,
			MaximumInterval:    30 * time.Second,
			BackoffCoefficient: 2.0,
		},
	})
	logger := workflow.GetLogger(ctx)

	var res core.ReconcileResult
	if err := workflow.ExecuteActivity(ctx, "ReconcileDeployments").Get(ctx, &res); err != nil {
		return err
	}
	logger.Info("reconciled deployments",
		"timed_out_builds", res.TimedOutBuilds,
		"abandoned_uploads", res.AbandonedUploads,
		"abandoned_deploys", res.AbandonedDeploys,
		"expired_anonymous", res.ExpiredAnonymous,
		"quotas_corrected", res.QuotasCorrected)

	var pruned int64
	return workflow.ExecuteActivity(ctx, "DeleteExpiredSessions").Get(ctx, &pruned)
}
