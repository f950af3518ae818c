package activity

import (
	"context"

	"go.temporal.io/sdk/activity"

	"github.com/backtrue/mitenow-sub001/internal/core"
)

type Reconciler interface {
	ReconcileStuck(ctx context.Context) (*core.ReconcileResult, error)
}

type SessionPruner interface {
	DeleteExpired(ctx context.Context) (int64, error)
}

// Maintenance contains the periodic cleanup activities.
type Maintenance struct {
	deployments Reconciler
	sessions    SessionPruner
}

func NewMaintenance(deployments Reconciler, sessions SessionPruner) *Maintenance {
	return &Maintenance{deployments: deployments, sessions: sessions}
}

// ReconcileDeployments fails stuck deployments and corrects quota counters.
func (a *Maintenance) ReconcileDeployments(ctx context.Context) (*core.ReconcileResult, error) {
	return a.deployments.ReconcileStuck(ctx)
}

// DeleteExpiredSessions removes sessions past their expiry.
func (a *Maintenance) DeleteExpiredSessions(ctx context.Context) (int64, error) {
	n, err := a.sessions.DeleteExpired(ctx)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		activity.GetLogger(ctx).Info("deleted expired sessions", "count", n)
	}
	return n, nil
}
