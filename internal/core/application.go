package core

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/backtrue/mitenow-sub001/internal/model"
)

const applicationColumns = `id, subdomain, owner_id, quota_key, filename, status, status_message, source_ref, build_id, secret_ref, scan_summary, warnings_confirmed, created_at, updated_at`

// ApplicationService persists application records. Every status change is a
// compare-and-swap on the current status so concurrent callers cannot both
// advance the same record.
type ApplicationService struct {
	db DB
}

func NewApplicationService(db DB) *ApplicationService {
	return &ApplicationService{db: db}
}

func scanApplication(row pgx.Row) (*model.Application, error) {
	var a model.Application
	err := row.Scan(&a.ID, &a.Subdomain, &a.OwnerID, &a.QuotaKey, &a.Filename, &a.Status,
		&a.StatusMessage, &a.SourceRef, &a.BuildID, &a.SecretRef, &a.ScanSummary,
		&a.WarningsConfirmed, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func (s *ApplicationService) Create(ctx context.Context, app *model.Application) error {
	_, err := s.db.Exec(ctx,
		`INSERT INTO applications (id, owner_id, quota_key, filename, status, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		app.ID, app.OwnerID, app.QuotaKey, app.Filename, app.Status, app.CreatedAt, app.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert application: %w", err)
	}
	return nil
}

func (s *ApplicationService) Get(ctx context.Context, id string) (*model.Application, error) {
	app, err := scanApplication(s.db.QueryRow(ctx,
		`SELECT `+applicationColumns+` FROM applications WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, model.NotFoundError("application not found")
	}
	if err != nil {
		return nil, fmt.Errorf("get application %s: %w", id, err)
	}
	return app, nil
}

// GetByBuildID returns the application a build was triggered for.
func (s *ApplicationService) GetByBuildID(ctx context.Context, buildID string) (*model.Application, error) {
	app, err := scanApplication(s.db.QueryRow(ctx,
		`SELECT `+applicationColumns+` FROM applications WHERE build_id = $1`, buildID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, model.NotFoundError("build not found")
	}
	if err != nil {
		return nil, fmt.Errorf("get application for build %s: %w", buildID, err)
	}
	return app, nil
}

// ListStale returns applications in any of statuses not updated since cutoff.
func (s *ApplicationService) ListStale(ctx context.Context, statuses []string, cutoff time.Time) ([]model.Application, error) {
	rows, err := s.db.Query(ctx,
		`SELECT `+applicationColumns+` FROM applications
		 WHERE status = ANY($1) AND updated_at < $2 ORDER BY updated_at`,
		statuses, cutoff)
	if err != nil {
		return nil, fmt.Errorf("list stale applications: %w", err)
	}
	defer rows.Close()

	var apps []model.Application
	for rows.Next() {
		app, err := scanApplication(rows)
		if err != nil {
			return nil, fmt.Errorf("scan application: %w", err)
		}
		apps = append(apps, *app)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate applications: %w", err)
	}
	return apps, nil
}

// Transition moves the application from one of from to to. It reports false
// when the record was not in any of from.
func (s *ApplicationService) Transition(ctx context.Context, id string, from []string, to string, message *string) (bool, error) {
	tag, err := s.db.Exec(ctx,
		`UPDATE applications SET status = $1, status_message = $2, updated_at = now()
		 WHERE id = $3 AND status = ANY($4)`,
		to, message, id, from,
	)
	if err != nil {
		return false, fmt.Errorf("set application %s status to %s: %w", id, to, err)
	}
	return tag.RowsAffected() == 1, nil
}

// RecordScan stores the scan summary and source location of a validating
// application and moves it to status.
func (s *ApplicationService) RecordScan(ctx context.Context, id string, summary *model.ScanSummary, sourceRef *string, status string, message *string) (bool, error) {
	tag, err := s.db.Exec(ctx,
		`UPDATE applications SET status = $1, status_message = $2, scan_summary = $3, source_ref = $4, updated_at = now()
		 WHERE id = $5 AND status = $6`,
		status, message, summary, sourceRef, id, model.StatusValidating,
	)
	if err != nil {
		return false, fmt.Errorf("record scan for application %s: %w", id, err)
	}
	return tag.RowsAffected() == 1, nil
}

// BeginDeploy binds the subdomain and secret reference and moves the
// application to quota_check. A second live record for the same subdomain
// is rejected by the database as name_taken.
func (s *ApplicationService) BeginDeploy(ctx context.Context, id string, from []string, subdomain, secretRef string, confirmed bool) (bool, error) {
	var ref *string
	if secretRef != "" {
		ref = &secretRef
	}
	tag, err := s.db.Exec(ctx,
		`UPDATE applications SET status = $1, status_message = NULL, subdomain = $2, secret_ref = $3,
		 warnings_confirmed = warnings_confirmed OR $4, updated_at = now()
		 WHERE id = $5 AND status = ANY($6)`,
		model.StatusQuotaCheck, subdomain, ref, confirmed, id, from,
	)
	if isUniqueViolation(err) {
		return false, model.ConflictError(model.CodeNameTaken, "subdomain is already taken")
	}
	if err != nil {
		return false, fmt.Errorf("begin deploy of application %s: %w", id, err)
	}
	return tag.RowsAffected() == 1, nil
}

// ResetForRetry returns a partially deployed application to reserving_name
// so the caller can try again with different input.
func (s *ApplicationService) ResetForRetry(ctx context.Context, id string, message string) (bool, error) {
	tag, err := s.db.Exec(ctx,
		`UPDATE applications SET status = $1, status_message = $2, subdomain = NULL, secret_ref = NULL, build_id = NULL, updated_at = now()
		 WHERE id = $3 AND status = ANY($4)`,
		model.StatusReservingName, message, id, []string{model.StatusQuotaCheck, model.StatusAwaitingSecret},
	)
	if err != nil {
		return false, fmt.Errorf("reset application %s: %w", id, err)
	}
	return tag.RowsAffected() == 1, nil
}

// MarkTriggering records the build id of an application about to start its
// build, so a report from that build can find it.
func (s *ApplicationService) MarkTriggering(ctx context.Context, id, buildID string) (bool, error) {
	tag, err := s.db.Exec(ctx,
		`UPDATE applications SET build_id = $1, updated_at = now()
		 WHERE id = $2 AND status = $3`,
		buildID, id, model.StatusAwaitingSecret,
	)
	if err != nil {
		return false, fmt.Errorf("record build %s of application %s: %w", buildID, id, err)
	}
	return tag.RowsAffected() == 1, nil
}

// MarkBuilding records the build id of an application awaiting its build.
func (s *ApplicationService) MarkBuilding(ctx context.Context, id, buildID string) (bool, error) {
	tag, err := s.db.Exec(ctx,
		`UPDATE applications SET status = $1, build_id = $2, updated_at = now()
		 WHERE id = $3 AND status = $4`,
		model.StatusBuilding, buildID, id, model.StatusAwaitingSecret,
	)
	if err != nil {
		return false, fmt.Errorf("set application %s status to building: %w", id, err)
	}
	return tag.RowsAffected() == 1, nil
}

// FinishBuild moves a building application to status, but only while it is
// still building buildID. Late or duplicate reports change nothing.
func (s *ApplicationService) FinishBuild(ctx context.Context, id, buildID, status string, message *string) (bool, error) {
	tag, err := s.db.Exec(ctx,
		`UPDATE applications SET status = $1, status_message = $2, updated_at = now()
		 WHERE id = $3 AND status = $4 AND build_id = $5`,
		status, message, id, model.StatusBuilding, buildID,
	)
	if err != nil {
		return false, fmt.Errorf("finish build %s of application %s: %w", buildID, id, err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *ApplicationService) Delete(ctx context.Context, id string) error {
	if _, err := s.db.Exec(ctx, `DELETE FROM applications WHERE id = $1`, id); err != nil {
		return fmt.Errorf("delete application %s: %w", id, err)
	}
	return nil
}
