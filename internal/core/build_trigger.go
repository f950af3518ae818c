package core

import (
	"context"
	"fmt"
	"time"

	temporalclient "go.temporal.io/sdk/client"

	"github.com/backtrue/mitenow-sub001/internal/model"
	"github.com/backtrue/mitenow-sub001/internal/platform"
)

const BuildWorkflowName = "BuildApplicationWorkflow"

// workflowID builds a human-readable Temporal workflow ID from a prefix and
// a unique id.
func workflowID(prefix, id string) string {
	return fmt.Sprintf("%s-%s", prefix, id)
}

// NewBuildID names a new build of appID.
func NewBuildID(appID string) string {
	return workflowID("build", appID+"-"+platform.NewName(""))
}

// TemporalBuildTrigger starts one BuildApplicationWorkflow per deploy. The
// build ID doubles as the workflow ID.
type TemporalBuildTrigger struct {
	tc           temporalclient.Client
	taskQueue    string
	buildTimeout time.Duration
	runTimeout   time.Duration
	attempts     int
	backoff      time.Duration
}

func NewTemporalBuildTrigger(tc temporalclient.Client, taskQueue string, maxBuildDuration time.Duration) *TemporalBuildTrigger {
	return &TemporalBuildTrigger{
		tc:           tc,
		taskQueue:    taskQueue,
		buildTimeout: maxBuildDuration,
		runTimeout:   maxBuildDuration + 5*time.Minute,
		attempts:     3,
		backoff:      200 * time.Millisecond,
	}
}

// Trigger starts the build workflow under buildID, retrying a bounded number
// of times with exponential backoff. Retries reuse the workflow ID, so a
// start that succeeded but whose reply was lost is not duplicated.
func (t *TemporalBuildTrigger) Trigger(ctx context.Context, buildID string, req model.BuildRequest) error {
	req.Timeout = t.buildTimeout
	opts := temporalclient.StartWorkflowOptions{
		ID:                 buildID,
		TaskQueue:          t.taskQueue,
		WorkflowRunTimeout: t.runTimeout,
	}

	var err error
	delay := t.backoff
	for attempt := 1; attempt <= t.attempts; attempt++ {
		if _, err = t.tc.ExecuteWorkflow(ctx, opts, BuildWorkflowName, req); err == nil {
			return nil
		}
		if attempt == t.attempts {
			break
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return model.UpstreamBuildError(fmt.Errorf("start %s: %w", BuildWorkflowName, ctx.Err()))
		case <-timer.C:
		}
		delay *= 2
	}

	return model.UpstreamBuildError(fmt.Errorf("start %s after %d attempts: %w", BuildWorkflowName, t.attempts, err))
}

// Cancel requests cancellation of a running build workflow.
func (t *TemporalBuildTrigger) Cancel(ctx context.Context, buildID string) error {
	if err := t.tc.CancelWorkflow(ctx, buildID, ""); err != nil {
		return fmt.Errorf("cancel build %s: %w", buildID, err)
	}
	return nil
}
