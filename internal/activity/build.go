package activity

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.temporal.io/sdk/temporal"

	"github.com/backtrue/mitenow-sub001/internal/builder"
	"github.com/backtrue/mitenow-sub001/internal/model"
	"github.com/backtrue/mitenow-sub001/internal/platform"
)

// BuildAPI is the external build system.
type BuildAPI interface {
	Submit(ctx context.Context, params builder.SubmitParams) (*builder.Build, error)
	Get(ctx context.Context, buildID string) (*builder.Build, error)
	Cancel(ctx context.Context, buildID string) error
}

// SourcePresigner hands out time-limited download URLs for stored archives.
type SourcePresigner interface {
	PresignGet(ctx context.Context, ref string, ttl time.Duration) (string, error)
}

// SecretResolver decrypts a secret reference.
type SecretResolver interface {
	Resolve(ctx context.Context, ref string) (model.Secret, error)
}

// Build contains activities that talk to the external build system.
type Build struct {
	api           BuildAPI
	sources       SourcePresigner
	secrets       SecretResolver
	baseDomain    string
	publicBaseURL string
	presignTTL    time.Duration
}

func NewBuild(api BuildAPI, sources SourcePresigner, secrets SecretResolver, baseDomain, publicBaseURL string, presignTTL time.Duration) *Build {
	return &Build{
		api:           api,
		sources:       sources,
		secrets:       secrets,
		baseDomain:    baseDomain,
		publicBaseURL: publicBaseURL,
		presignTTL:    presignTTL,
	}
}

// SubmitBuildParams holds the parameters for SubmitBuild.
type SubmitBuildParams struct {
	BuildID string             `json:"build_id"`
	Request model.BuildRequest `json:"request"`
}

// SubmitBuild hands the archive to the build system and returns the build
// system's id for it. The secret reference is resolved here and nowhere
// else, and the plaintext only travels in the request to the build system.
func (a *Build) SubmitBuild(ctx context.Context, params SubmitBuildParams) (string, error) {
	req := params.Request

	sourceURL, err := a.sources.PresignGet(ctx, req.SourceRef, a.presignTTL)
	if err != nil {
		return "", fmt.Errorf("presign source for %s: %w", req.AppID, err)
	}

	submit := builder.SubmitParams{
		AppID:       req.AppID,
		Subdomain:   req.Subdomain,
		Hostname:    platform.AppHostname(a.baseDomain, req.Subdomain),
		SourceURL:   sourceURL,
		CallbackURL: platform.BuildCallbackURL(a.publicBaseURL, params.BuildID),
	}
	if req.SecretRef != "" {
		secret, err := a.secrets.Resolve(ctx, req.SecretRef)
		if model.KindOf(err) == model.KindValidation {
			return "", temporal.NewNonRetryableApplicationError("secret reference not found", "SECRET_NOT_FOUND", nil)
		}
		if err != nil {
			return "", fmt.Errorf("resolve build secret for %s: %w", req.AppID, err)
		}
		submit.BuildSecret = string(secret.Reveal())
	}

	build, err := a.api.Submit(ctx, submit)
	if err != nil {
		return "", classify(err)
	}
	return build.ID, nil
}

// GetBuild returns the current state of a build in the build system.
func (a *Build) GetBuild(ctx context.Context, externalID string) (*builder.Build, error) {
	build, err := a.api.Get(ctx, externalID)
	if err != nil {
		return nil, classify(err)
	}
	return build, nil
}

// CancelBuild stops a build in the build system.
func (a *Build) CancelBuild(ctx context.Context, externalID string) error {
	return classify(a.api.Cancel(ctx, externalID))
}

// classify marks build system rejections non-retryable; outages and
// throttling are retried by Temporal.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var se *builder.StatusError
	if errors.As(err, &se) && !se.Temporary() {
		return temporal.NewNonRetryableApplicationError(
			fmt.Sprintf("build system rejected %s with %d", se.Op, se.Code), "BUILD_REJECTED", err)
	}
	return err
}
