package workflow

import (
	"time"

	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"

	"github.com/backtrue/mitenow-sub001/internal/activity"
	"github.com/backtrue/mitenow-sub001/internal/builder"
	"github.com/backtrue/mitenow-sub001/internal/model"
)

const (
	buildPollInterval   = 15 * time.Second
	defaultBuildTimeout = 30 * time.Minute
)

// BuildApplicationWorkflow submits an uploaded archive to the build system,
// polls it until it finishes or runs past its timeout, and reports the
// outcome to the deploy API. The workflow ID is the build ID. Cancelling the
// workflow cancels the build without reporting; whoever cancelled it has
// already settled the application.
func BuildApplicationWorkflow(ctx workflow.Context, req model.BuildRequest) error {
	buildID := workflow.GetInfo(ctx).WorkflowExecution.ID
	logger := workflow.GetLogger(ctx)
	actx := builderActivityCtx(ctx)

	var externalID string
	err := workflow.ExecuteActivity(actx, "SubmitBuild", activity.SubmitBuildParams{
		BuildID: buildID,
		Request: req,
	}).Get(ctx, &externalID)
	if err != nil {
		if temporal.IsCanceledError(err) {
			return err
		}
		logger.Error("build submission failed", "app_id", req.AppID, "error", err)
		return reportBuild(ctx, req.AppID, buildID, model.BuildFailed, "build could not be submitted")
	}

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = defaultBuildTimeout
	}
	deadline := workflow.Now(ctx).Add(timeout)

	for {
		if err := workflow.Sleep(ctx, buildPollInterval); err != nil {
			cancelBuild(ctx, externalID)
			return err
		}

		var build builder.Build
		if err := workflow.ExecuteActivity(actx, "GetBuild", externalID).Get(ctx, &build); err != nil {
			if temporal.IsCanceledError(err) {
				cancelBuild(ctx, externalID)
				return err
			}
			logger.Error("build status unavailable", "app_id", req.AppID, "error", err)
			return reportBuild(ctx, req.AppID, buildID, model.BuildFailed, "build status unavailable")
		}

		if build.Done() {
			outcome := model.BuildFailed
			if build.Status == builder.StatusSucceeded {
				outcome = model.BuildSucceeded
			}
			return reportBuild(ctx, req.AppID, buildID, outcome, build.Message)
		}

		if !workflow.Now(ctx).Before(deadline) {
			cancelBuild(ctx, externalID)
			return reportBuild(ctx, req.AppID, buildID, model.BuildFailed, "build exceeded maximum duration")
		}
	}
}

func builderActivityCtx(ctx workflow.Context) workflow.Context {
	return workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: 30 * time.Second,
		RetryPolicy: &temporal.RetryPolicy{
			MaximumAttempts:    5,
			InitialInterval:    2 * time.Second,
			MaximumInterval:    30 * time.Second,
			BackoffCoefficient: 2.0,
		},
	})
}

// cancelBuild runs on a disconnected context so it still executes after the
// workflow itself was cancelled. Failures are logged only.
func cancelBuild(ctx workflow.Context, externalID string) {
	dctx, _ := workflow.NewDisconnectedContext(ctx)
	dctx = builderActivityCtx(dctx)
	if err := workflow.ExecuteActivity(dctx, "CancelBuild", externalID).Get(dctx, nil); err != nil {
		workflow.GetLogger(ctx).Warn("failed to cancel build", "external_id", externalID, "error", err)
	}
}

func reportBuild(ctx workflow.Context, appID, buildID, outcome, message string) error {
	ctx = workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: 30 * time.Second,
		RetryPolicy: &temporal.RetryPolicy{
			MaximumAttempts:    10,
			InitialInterval:    2 * time.Second,
			MaximumInterval:    time.Minute,
			BackoffCoefficient: 2.0,
		},
	})
	return workflow.ExecuteActivity(ctx, "ReportBuildStatus", model.BuildStatusReport{
		AppID:   appID,
		BuildID: buildID,
		Outcome: outcome,
		Message: message,
	}).Get(ctx, nil)
}
