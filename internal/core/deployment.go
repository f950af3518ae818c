package core

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/backtrue/mitenow-sub001/internal/metrics"
	"github.com/backtrue/mitenow-sub001/internal/model"
	"github.com/backtrue/mitenow-sub001/internal/platform"
)

// ApplicationStore persists application records with compare-and-swap status
// changes.
type ApplicationStore interface {
	Create(ctx context.Context, app *model.Application) error
	Get(ctx context.Context, id string) (*model.Application, error)
	GetByBuildID(ctx context.Context, buildID string) (*model.Application, error)
	ListStale(ctx context.Context, statuses []string, cutoff time.Time) ([]model.Application, error)
	Transition(ctx context.Context, id string, from []string, to string, message *string) (bool, error)
	RecordScan(ctx context.Context, id string, summary *model.ScanSummary, sourceRef *string, status string, message *string) (bool, error)
	BeginDeploy(ctx context.Context, id string, from []string, subdomain, secretRef string, confirmed bool) (bool, error)
	ResetForRetry(ctx context.Context, id string, message string) (bool, error)
	MarkTriggering(ctx context.Context, id, buildID string) (bool, error)
	MarkBuilding(ctx context.Context, id, buildID string) (bool, error)
	FinishBuild(ctx context.Context, id, buildID, status string, message *string) (bool, error)
	Delete(ctx context.Context, id string) error
}

type QuotaTracker interface {
	CheckAndReserve(ctx context.Context, key string, limit int) (bool, int, error)
	Release(ctx context.Context, key string) error
	Reconcile(ctx context.Context) (int64, error)
}

// SecretAuthorizer confirms a secret reference may be used by an owner.
type SecretAuthorizer interface {
	Authorize(ctx context.Context, ref, ownerID string) error
}

type SubdomainRegistry interface {
	CheckAvailability(ctx context.Context, name string) (model.Availability, error)
	Reserve(ctx context.Context, name, appID, ownerID string) (*model.Slot, error)
	Activate(ctx context.Context, name, appID, buildID string) error
	Release(ctx context.Context, name, requesterID string) (string, error)
	Unbind(ctx context.Context, name, appID string) (bool, error)
}

type TicketStore interface {
	Issue(ctx context.Context, appID string) (*model.UploadTicket, error)
	Consume(ctx context.Context, token string) (string, error)
}

type ArchiveScanner interface {
	Scan(ctx context.Context, data []byte) *model.ScanResult
}

type SourceStore interface {
	PutArchive(ctx context.Context, appID string, data []byte) (string, error)
	Delete(ctx context.Context, ref string) error
}

type BuildTrigger interface {
	Trigger(ctx context.Context, buildID string, req model.BuildRequest) error
	Cancel(ctx context.Context, buildID string) error
}

// DeploymentDeps are the collaborators of the deployment orchestrator.
type DeploymentDeps struct {
	Apps     ApplicationStore
	Quota    QuotaTracker
	Secrets  SecretAuthorizer
	Registry SubdomainRegistry
	Tickets  TicketStore
	Scanner  ArchiveScanner
	Sources  SourceStore
	Builds   BuildTrigger
}

// retireAttempts bounds how often retire re-reads an application that keeps
// changing under it.
const retireAttempts = 3

type DeploymentConfig struct {
	// TierLimit returns the concurrent deployment ceiling of a tier.
	TierLimit func(tier string) int
	// MaxBuildDuration bounds how long an application may stay building.
	MaxBuildDuration time.Duration
	// UploadTimeout bounds how long an application may wait for its upload.
	UploadTimeout time.Duration
	// AnonymousAppTTL is how long an application nobody owns is kept after
	// its last change. Zero keeps them.
	AnonymousAppTTL time.Duration
}

type DeployRequest struct {
	AppID             string
	Subdomain         string
	SecretRef         string
	ConfirmedWarnings bool
}

// DeploymentService is the admission state machine:
//
//	created -> validating -> [awaiting_confirmation ->] reserving_name ->
//	quota_check -> awaiting_secret -> building -> active
//
// with failure edges to failed. No store transaction spans the steps; each
// step is an atomic check-and-mutate on its own key and earlier steps are
// compensated when a later one fails.
type DeploymentService struct {
	DeploymentDeps
	cfg    DeploymentConfig
	logger zerolog.Logger
	now    func() time.Time
}

func NewDeploymentService(deps DeploymentDeps, cfg DeploymentConfig, logger zerolog.Logger) *DeploymentService {
	return &DeploymentService{
		DeploymentDeps: deps,
		cfg:            cfg,
		logger:         logger.With().Str("component", "deployment").Logger(),
		now:            time.Now,
	}
}

// log prefers the request-scoped logger so entries carry the request id.
func (s *DeploymentService) log(ctx context.Context) *zerolog.Logger {
	if l := zerolog.Ctx(ctx); l.GetLevel() != zerolog.Disabled {
		return l
	}
	return &s.logger
}

func transitioned(to string) {
	metrics.TransitionsTotal.WithLabelValues(to).Inc()
}

func validateFilename(filename string) error {
	name := strings.TrimSpace(filename)
	switch {
	case name == "":
		return model.ValidationError(model.CodeInvalidFilename, "filename is required")
	case len(name) > 255:
		return model.ValidationError(model.CodeInvalidFilename, "filename is too long")
	case strings.ContainsAny(name, `/\`) || strings.ContainsRune(name, 0):
		return model.ValidationError(model.CodeInvalidFilename, "filename must not contain a path")
	case !strings.EqualFold(path.Ext(name), ".zip") || len(name) == len(".zip"):
		return model.ValidationError(model.CodeInvalidFilename, "filename must end in .zip")
	}
	return nil
}

// Prepare records the intent to deploy and issues a single-use upload ticket.
func (s *DeploymentService) Prepare(ctx context.Context, id model.Identity, filename string) (*model.UploadTicket, error) {
	if err := validateFilename(filename); err != nil {
		return nil, err
	}

	now := s.now().UTC()
	app := &model.Application{
		ID:        platform.NewID(),
		QuotaKey:  id.QuotaKey(),
		Filename:  strings.TrimSpace(filename),
		Status:    model.StatusCreated,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if !id.Anonymous() {
		owner := id.UserID
		app.OwnerID = &owner
	}

	if err := s.Apps.Create(ctx, app); err != nil {
		return nil, err
	}
	transitioned(model.StatusCreated)

	ticket, err := s.Tickets.Issue(ctx, app.ID)
	if err != nil {
		msg := "upload ticket could not be issued"
		if _, ferr := s.Apps.Transition(context.WithoutCancel(ctx), app.ID, []string{model.StatusCreated}, model.StatusFailed, &msg); ferr != nil {
			s.log(ctx).Error().Err(ferr).Str("app_id", app.ID).Msg("failed to mark application failed")
		}
		return nil, err
	}

	s.log(ctx).Info().Str("app_id", app.ID).Msg("application prepared")
	return ticket, nil
}

// Upload consumes the ticket behind token and scans the archive. Ticket
// consumption happens before the scan, so a replayed or concurrent upload
// with the same ticket is rejected without scanning.
func (s *DeploymentService) Upload(ctx context.Context, token string, data []byte) (*model.ScanResult, error) {
	appID, err := s.Tickets.Consume(ctx, token)
	if err != nil {
		return nil, err
	}
	log := s.log(ctx).With().Str("app_id", appID).Logger()

	ok, err := s.Apps.Transition(ctx, appID, []string{model.StatusCreated}, model.StatusValidating, nil)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, model.ConflictError(model.CodeInvalidState, "application is not awaiting an upload")
	}
	transitioned(model.StatusValidating)

	result := s.Scanner.Scan(ctx, data)
	metrics.ScansTotal.WithLabelValues(metrics.ScanResultLabel(result.Passed, result.HasWarnings)).Inc()
	summary := result.Summary()

	if critical, rejected := result.FirstCritical(); rejected {
		msg := "security scan failed: " + critical.ID
		if _, err := s.Apps.RecordScan(ctx, appID, summary, nil, model.StatusFailed, &msg); err != nil {
			return nil, err
		}
		transitioned(model.StatusFailed)
		log.Warn().Str("check", critical.ID).Msg("archive rejected")
		return result, model.ScanRejectedError(critical.ID)
	}

	ref, err := s.Sources.PutArchive(ctx, appID, data)
	if err != nil {
		msg := "source archive could not be stored"
		if _, ferr := s.Apps.RecordScan(context.WithoutCancel(ctx), appID, summary, nil, model.StatusFailed, &msg); ferr != nil {
			log.Error().Err(ferr).Msg("failed to mark application failed")
		}
		return nil, model.InternalError(err)
	}

	next := model.StatusReservingName
	if result.HasWarnings {
		next = model.StatusAwaitingConfirmation
	}
	ok, err = s.Apps.RecordScan(ctx, appID, summary, &ref, next, nil)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, model.ConflictError(model.CodeInvalidState, "application changed state during the scan")
	}
	transitioned(next)

	log.Info().Bool("has_warnings", result.HasWarnings).Msg("archive accepted")
	return result, nil
}

// Deploy reserves the subdomain, takes quota, checks the secret reference
// and triggers the build. Any failure rolls back what this call reserved.
// Failures the caller can fix (name taken, quota, secret) return the
// application to reserving_name; build system and internal failures fail it.
func (s *DeploymentService) Deploy(ctx context.Context, id model.Identity, req DeployRequest) (*model.DeployResult, error) {
	app, err := s.Apps.Get(ctx, req.AppID)
	if err != nil {
		return nil, err
	}
	if app.QuotaKey != id.QuotaKey() {
		return nil, model.ForbiddenError("application belongs to another user")
	}

	var from []string
	switch app.Status {
	case model.StatusReservingName:
		from = []string{model.StatusReservingName}
	case model.StatusAwaitingConfirmation:
		if !req.ConfirmedWarnings {
			return nil, model.ValidationError(model.CodeWarningsPending, "the security scan reported warnings; confirm them to deploy")
		}
		from = []string{model.StatusAwaitingConfirmation}
	default:
		return nil, model.ConflictError(model.CodeInvalidState, fmt.Sprintf("application cannot be deployed while %s", app.Status))
	}

	log := s.log(ctx).With().Str("app_id", app.ID).Str("subdomain", req.Subdomain).Logger()
	sg := newSaga(log)

	if _, err := s.Registry.Reserve(ctx, req.Subdomain, app.ID, id.UserID); err != nil {
		metrics.SubdomainReservationsTotal.WithLabelValues(model.CodeOf(err)).Inc()
		return nil, err
	}
	metrics.SubdomainReservationsTotal.WithLabelValues("reserved").Inc()
	sg.add("unbind_subdomain", func(ctx context.Context) error {
		_, err := s.Registry.Unbind(ctx, req.Subdomain, app.ID)
		return err
	})

	ok, err := s.Apps.BeginDeploy(ctx, app.ID, from, req.Subdomain, req.SecretRef, req.ConfirmedWarnings)
	if err == nil && !ok {
		err = model.ConflictError(model.CodeInvalidState, "application changed state concurrently")
	}
	if err != nil {
		sg.rollback(ctx)
		return nil, err
	}
	transitioned(model.StatusQuotaCheck)

	abort := func(cause error) (*model.DeployResult, error) {
		return nil, s.abortDeploy(ctx, app.ID, sg, cause, log)
	}

	allowed, _, err := s.Quota.CheckAndReserve(ctx, app.QuotaKey, s.cfg.TierLimit(id.Tier))
	if err != nil {
		return abort(err)
	}
	if !allowed {
		return abort(model.QuotaExceededError("deployment limit reached for your plan"))
	}
	sg.add("release_quota", func(ctx context.Context) error {
		return s.Quota.Release(ctx, app.QuotaKey)
	})

	if err := s.expect(s.Apps.Transition(ctx, app.ID, []string{model.StatusQuotaCheck}, model.StatusAwaitingSecret, nil)); err != nil {
		return abort(err)
	}
	transitioned(model.StatusAwaitingSecret)

	if req.SecretRef != "" {
		if err := s.Secrets.Authorize(ctx, req.SecretRef, id.UserID); err != nil {
			return abort(err)
		}
	}

	// the build ID is on record before the build can report back
	buildID := NewBuildID(app.ID)
	if err := s.expect(s.Apps.MarkTriggering(ctx, app.ID, buildID)); err != nil {
		return abort(err)
	}

	err = s.Builds.Trigger(ctx, buildID, model.BuildRequest{
		AppID:     app.ID,
		Subdomain: req.Subdomain,
		SourceRef: deref(app.SourceRef),
		SecretRef: req.SecretRef,
	})
	if err != nil {
		return abort(err)
	}
	sg.add("cancel_build", func(ctx context.Context) error {
		return s.Builds.Cancel(ctx, buildID)
	})

	if err := s.Registry.Activate(ctx, req.Subdomain, app.ID, buildID); err != nil {
		return abort(err)
	}

	if err := s.expect(s.Apps.MarkBuilding(ctx, app.ID, buildID)); err != nil {
		return abort(err)
	}
	transitioned(model.StatusBuilding)

	log.Info().Str("build_id", buildID).Msg("build triggered")
	return &model.DeployResult{AppID: app.ID, Subdomain: req.Subdomain, BuildID: buildID}, nil
}

// expect turns a failed compare-and-swap into a conflict.
func (s *DeploymentService) expect(ok bool, err error) error {
	if err != nil {
		return err
	}
	if !ok {
		return model.ConflictError(model.CodeInvalidState, "application changed state concurrently")
	}
	return nil
}

// abortDeploy settles the application and compensates a partially
// completed deploy: back to reserving_name when the caller can retry, failed
// otherwise. It returns the error to surface to the caller.
//
// The status swap comes first. When it finds the application already moved
// on, a teardown has retired it and released its quota unit, so the unit
// reserved here is not released a second time.
func (s *DeploymentService) abortDeploy(ctx context.Context, appID string, sg *saga, cause error, log zerolog.Logger) error {
	ctx = context.WithoutCancel(ctx)

	var merr *model.Error
	if !errors.As(cause, &merr) {
		merr = model.InternalError(cause)
	}

	var (
		settled bool
		err     error
		to      string
	)
	if retryable(merr.Kind) {
		to = model.StatusReservingName
		settled, err = s.Apps.ResetForRetry(ctx, appID, merr.Message)
	} else {
		to = model.StatusFailed
		msg := merr.Message
		settled, err = s.Apps.Transition(ctx, appID, []string{model.StatusQuotaCheck, model.StatusAwaitingSecret}, model.StatusFailed, &msg)
	}
	switch {
	case err != nil:
		log.Error().Err(err).Str("status", to).Msg("failed to settle application")
	case settled:
		transitioned(to)
	default:
		log.Warn().Msg("application changed state during deploy")
	}
	if !settled {
		sg.drop("release_quota")
	}
	sg.rollback(ctx)

	if to == model.StatusReservingName {
		log.Info().Str("code", merr.Code).Msg("deploy rejected")
	} else {
		log.Error().Err(cause).Str("code", merr.Code).Msg("deploy failed")
	}
	return merr
}

func retryable(kind model.ErrorKind) bool {
	switch kind {
	case model.KindValidation, model.KindConflict, model.KindForbidden, model.KindQuotaExceeded, model.KindRateLimited:
		return true
	}
	return false
}

// ReportBuildStatus records the outcome of a build. Reports for a build the
// application is not currently building are ignored, so duplicate and late
// deliveries are harmless. A report that overtakes the deploy still
// recording its build is a conflict; the build system delivers it again.
func (s *DeploymentService) ReportBuildStatus(ctx context.Context, report model.BuildStatusReport) error {
	var status string
	switch report.Outcome {
	case model.BuildSucceeded:
		status = model.StatusActive
	case model.BuildFailed:
		status = model.StatusFailed
	default:
		return model.ValidationError(model.CodeInvalidRequest, "outcome must be succeeded or failed")
	}

	log := s.log(ctx).With().Str("build_id", report.BuildID).Str("outcome", report.Outcome).Logger()

	app, err := s.Apps.GetByBuildID(ctx, report.BuildID)
	if model.KindOf(err) == model.KindNotFound {
		log.Debug().Msg("ignoring report for unknown build")
		return nil
	}
	if err != nil {
		return err
	}
	if report.AppID != "" && report.AppID != app.ID {
		log.Debug().Str("app_id", app.ID).Msg("ignoring report for another application")
		return nil
	}
	if app.Status == model.StatusAwaitingSecret {
		return model.ConflictError(model.CodeInvalidState, "build is still being started")
	}
	if app.Status != model.StatusBuilding {
		log.Debug().Str("app_id", app.ID).Str("status", app.Status).Msg("ignoring stale build report")
		return nil
	}

	var msg *string
	if report.Message != "" {
		msg = &report.Message
	}
	ok, err := s.Apps.FinishBuild(ctx, app.ID, report.BuildID, status, msg)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	transitioned(status)

	if status == model.StatusFailed {
		s.releaseHeld(ctx, app, log)
	}
	log.Info().Str("app_id", app.ID).Msg("build finished")
	return nil
}

// releaseHeld frees the slot and quota unit held by a building application
// that will not become active.
func (s *DeploymentService) releaseHeld(ctx context.Context, app *model.Application, log zerolog.Logger) {
	sg := newSaga(log.With().Str("app_id", app.ID).Logger())
	if app.Subdomain != nil {
		name := *app.Subdomain
		sg.add("unbind_subdomain", func(ctx context.Context) error {
			_, err := s.Registry.Unbind(ctx, name, app.ID)
			return err
		})
	}
	sg.add("release_quota", func(ctx context.Context) error {
		return s.Quota.Release(ctx, app.QuotaKey)
	})
	sg.rollback(ctx)
}

// Get returns an application to the caller it belongs to.
func (s *DeploymentService) Get(ctx context.Context, id model.Identity, appID string) (*model.Application, error) {
	app, err := s.Apps.Get(ctx, appID)
	if err != nil {
		return nil, err
	}
	if app.QuotaKey != id.QuotaKey() {
		return nil, model.NotFoundError("application not found")
	}
	return app, nil
}

// CheckSubdomain reports whether name can be reserved right now.
func (s *DeploymentService) CheckSubdomain(ctx context.Context, name string) (model.Availability, error) {
	return s.Registry.CheckAvailability(ctx, name)
}

// Teardown removes an application at its owner's request. A bound subdomain
// enters its cooldown.
func (s *DeploymentService) Teardown(ctx context.Context, id model.Identity, appID string) error {
	app, err := s.Apps.Get(ctx, appID)
	if err != nil {
		return err
	}
	if !app.IsOwnedBy(id.UserID) {
		return model.ForbiddenError("only the owner may remove an application")
	}

	if app.Subdomain != nil && (app.Status == model.StatusBuilding || app.Status == model.StatusActive) {
		if _, err := s.Registry.Release(ctx, *app.Subdomain, id.UserID); err != nil && model.KindOf(err) != model.KindNotFound {
			return err
		}
	}
	return s.retire(ctx, app, "removed by owner")
}

// ReleaseSubdomain puts name into cooldown at its owner's request and removes
// the application bound to it.
func (s *DeploymentService) ReleaseSubdomain(ctx context.Context, id model.Identity, name string) error {
	appID, err := s.Registry.Release(ctx, name, id.UserID)
	if err != nil {
		return err
	}

	app, err := s.Apps.Get(ctx, appID)
	if model.KindOf(err) == model.KindNotFound {
		return nil
	}
	if err != nil {
		return err
	}
	return s.retire(ctx, app, "subdomain released")
}

// retire fails the application, undoes whatever it still holds and deletes
// the record. The status swap makes sure only one caller releases its quota.
// When the application changes underneath it, for example a build finishing,
// it reads the record again and retires what is there now.
func (s *DeploymentService) retire(ctx context.Context, app *model.Application, reason string) error {
	log := s.log(ctx).With().Str("app_id", app.ID).Logger()

	for attempt := 1; app.Status != model.StatusFailed; attempt++ {
		ok, err := s.Apps.Transition(ctx, app.ID, []string{app.Status}, model.StatusFailed, &reason)
		if err != nil {
			return err
		}
		if ok {
			transitioned(model.StatusFailed)
			break
		}
		if attempt == retireAttempts {
			return model.ConflictError(model.CodeInvalidState, "application changed state concurrently")
		}
		app, err = s.Apps.Get(ctx, app.ID)
		if model.KindOf(err) == model.KindNotFound {
			return nil
		}
		if err != nil {
			return err
		}
	}

	ctx = context.WithoutCancel(ctx)
	sg := newSaga(log)
	if app.SourceRef != nil {
		ref := *app.SourceRef
		sg.add("delete_source", func(ctx context.Context) error { return s.Sources.Delete(ctx, ref) })
	}
	if model.HoldsQuota(app.Status) {
		sg.add("release_quota", func(ctx context.Context) error { return s.Quota.Release(ctx, app.QuotaKey) })
	}
	if app.Subdomain != nil {
		name := *app.Subdomain
		sg.add("unbind_subdomain", func(ctx context.Context) error {
			_, err := s.Registry.Unbind(ctx, name, app.ID)
			return err
		})
	}
	if (app.Status == model.StatusAwaitingSecret || app.Status == model.StatusBuilding) && app.BuildID != nil {
		buildID := *app.BuildID
		sg.add("cancel_build", func(ctx context.Context) error { return s.Builds.Cancel(ctx, buildID) })
	}
	sg.rollback(ctx)

	if err := s.Apps.Delete(ctx, app.ID); err != nil {
		return err
	}
	log.Info().Str("reason", reason).Msg("application removed")
	return nil
}

type ReconcileResult struct {
	TimedOutBuilds   int   `json:"timed_out_builds"`
	AbandonedUploads int   `json:"abandoned_uploads"`
	AbandonedDeploys int   `json:"abandoned_deploys"`
	ExpiredAnonymous int   `json:"expired_anonymous"`
	QuotasCorrected  int64 `json:"quotas_corrected"`
}

// anonymousExpiry lists the statuses an application nobody owns is removed
// from once AnonymousAppTTL has passed. In-flight deploys and builds are left
// to their own timeouts.
var anonymousExpiry = []string{
	model.StatusCreated,
	model.StatusValidating,
	model.StatusAwaitingConfirmation,
	model.StatusReservingName,
	model.StatusActive,
	model.StatusFailed,
}

// ReconcileStuck fails applications that stopped making progress and
// recomputes quota counters. A build running longer than MaxBuildDuration is
// failed and compensated. Applications without an owner are removed after
// AnonymousAppTTL, since nobody can tear them down.
func (s *DeploymentService) ReconcileStuck(ctx context.Context) (*ReconcileResult, error) {
	res := &ReconcileResult{}
	now := s.now()
	log := s.log(ctx)

	builds, err := s.Apps.ListStale(ctx, []string{model.StatusBuilding}, now.Add(-s.cfg.MaxBuildDuration))
	if err != nil {
		return nil, err
	}
	for i := range builds {
		app := &builds[i]
		msg := "build exceeded maximum duration"
		ok, err := s.Apps.FinishBuild(ctx, app.ID, deref(app.BuildID), model.StatusFailed, &msg)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		transitioned(model.StatusFailed)
		if app.BuildID != nil {
			if err := s.Builds.Cancel(ctx, *app.BuildID); err != nil {
				log.Warn().Err(err).Str("app_id", app.ID).Msg("failed to cancel timed out build")
			}
		}
		s.releaseHeld(ctx, app, *log)
		res.TimedOutBuilds++
	}

	uploads, err := s.Apps.ListStale(ctx, []string{model.StatusCreated, model.StatusValidating}, now.Add(-s.cfg.UploadTimeout))
	if err != nil {
		return nil, err
	}
	for _, app := range uploads {
		msg := "upload was not completed"
		ok, err := s.Apps.Transition(ctx, app.ID, []string{app.Status}, model.StatusFailed, &msg)
		if err != nil {
			return nil, err
		}
		if ok {
			transitioned(model.StatusFailed)
			res.AbandonedUploads++
		}
	}

	deploys, err := s.Apps.ListStale(ctx, []string{model.StatusQuotaCheck, model.StatusAwaitingSecret}, now.Add(-s.cfg.MaxBuildDuration))
	if err != nil {
		return nil, err
	}
	for _, app := range deploys {
		msg := "deploy was interrupted"
		ok, err := s.Apps.Transition(ctx, app.ID, []string{app.Status}, model.StatusFailed, &msg)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		transitioned(model.StatusFailed)
		if app.Subdomain != nil {
			if _, err := s.Registry.Unbind(ctx, *app.Subdomain, app.ID); err != nil {
				log.Warn().Err(err).Str("app_id", app.ID).Msg("failed to unbind subdomain")
			}
		}
		res.AbandonedDeploys++
	}

	if s.cfg.AnonymousAppTTL > 0 {
		expired, err := s.Apps.ListStale(ctx, anonymousExpiry, now.Add(-s.cfg.AnonymousAppTTL))
		if err != nil {
			return nil, err
		}
		for i := range expired {
			app := &expired[i]
			if app.OwnerID != nil {
				continue
			}
			if err := s.retire(ctx, app, "anonymous application expired"); err != nil {
				log.Warn().Err(err).Str("app_id", app.ID).Msg("failed to remove expired anonymous application")
				continue
			}
			res.ExpiredAnonymous++
		}
	}

	// counters are recomputed from the records, which also returns quota
	// held by the interrupted deploys above
	res.QuotasCorrected, err = s.Quota.Reconcile(ctx)
	if err != nil {
		return nil, err
	}

	if res.TimedOutBuilds+res.AbandonedUploads+res.AbandonedDeploys+res.ExpiredAnonymous > 0 || res.QuotasCorrected > 0 {
		log.Info().
			Int("timed_out_builds", res.TimedOutBuilds).
			Int("abandoned_uploads", res.AbandonedUploads).
			Int("abandoned_deploys", res.AbandonedDeploys).
			Int("expired_anonymous", res.ExpiredAnonymous).
			Int64("quotas_corrected", res.QuotasCorrected).
			Msg("reconciled deployments")
	}
	return res, nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
