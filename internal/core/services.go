package core

import (
	"github.com/rs/zerolog"
	temporalclient "go.temporal.io/sdk/client"

	"github.com/backtrue/mitenow-sub001/internal/config"
	"github.com/backtrue/mitenow-sub001/internal/crypto"
)

type Services struct {
	Application *ApplicationService
	Quota       *QuotaService
	Session     *SessionService
	Secret      *SecretService
	Deployment  *DeploymentService
}

// Backends are the non-database stores the deployment orchestrator runs
// against.
type Backends struct {
	Registry SubdomainRegistry
	Tickets  TicketStore
	Scanner  ArchiveScanner
	Sources  SourceStore
}

func NewServices(db DB, tc temporalclient.Client, cfg *config.Config, b Backends, logger zerolog.Logger) *Services {
	apps := NewApplicationService(db)
	quota := NewQuotaService(db)
	secrets := NewSecretService(db, crypto.DeriveKey(cfg.SecretEncryptionKey))

	deployment := NewDeploymentService(DeploymentDeps{
		Apps:     apps,
		Quota:    quota,
		Secrets:  secrets,
		Registry: b.Registry,
		Tickets:  b.Tickets,
		Scanner:  b.Scanner,
		Sources:  b.Sources,
		Builds:   NewTemporalBuildTrigger(tc, cfg.TemporalTaskQueue, cfg.MaxBuildDuration),
	}, DeploymentConfig{
		TierLimit:        cfg.TierLimit,
		MaxBuildDuration: cfg.MaxBuildDuration,
		UploadTimeout:    cfg.UploadTimeout,
		AnonymousAppTTL:  cfg.AnonymousAppTTL,
	}, logger)

	return &Services{
		Application: apps,
		Quota:       quota,
		Session:     NewSessionService(db, cfg.SessionTTL),
		Secret:      secrets,
		Deployment:  deployment,
	}
}
