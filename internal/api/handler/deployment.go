package handler

import (
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	mw "github.com/backtrue/mitenow-sub001/internal/api/middleware"
	"github.com/backtrue/mitenow-sub001/internal/api/request"
	"github.com/backtrue/mitenow-sub001/internal/api/response"
	"github.com/backtrue/mitenow-sub001/internal/core"
	"github.com/backtrue/mitenow-sub001/internal/model"
)

// Deployments is the orchestrator as the HTTP layer sees it.
type Deployments interface {
	Prepare(ctx context.Context, id model.Identity, filename string) (*model.UploadTicket, error)
	Upload(ctx context.Context, token string, data []byte) (*model.ScanResult, error)
	Deploy(ctx context.Context, id model.Identity, req core.DeployRequest) (*model.DeployResult, error)
	Get(ctx context.Context, id model.Identity, appID string) (*model.Application, error)
	Teardown(ctx context.Context, id model.Identity, appID string) error
	CheckSubdomain(ctx context.Context, name string) (model.Availability, error)
	ReleaseSubdomain(ctx context.Context, id model.Identity, name string) error
	ReportBuildStatus(ctx context.Context, report model.BuildStatusReport) error
}

type Deployment struct {
	svc            Deployments
	maxUploadBytes int64
}

func NewDeployment(svc Deployments, maxUploadBytes int64) *Deployment {
	return &Deployment{svc: svc, maxUploadBytes: maxUploadBytes}
}

func (h *Deployment) Prepare(w http.ResponseWriter, r *http.Request) {
	var req request.PrepareRequest
	if err := request.Decode(r, &req); err != nil {
		response.WriteServiceError(w, r, err)
		return
	}

	ticket, err := h.svc.Prepare(r.Context(), mw.GetIdentity(r.Context()), req.Filename)
	if err != nil {
		response.WriteServiceError(w, r, err)
		return
	}

	response.WriteJSON(w, http.StatusOK, ticket)
}

func (h *Deployment) Upload(w http.ResponseWriter, r *http.Request) {
	token := chi.URLParam(r, "token")
	if token == "" {
		response.WriteServiceError(w, r, model.NotFoundError("upload ticket not found"))
		return
	}

	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxUploadBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			response.WriteError(w, http.StatusRequestEntityTooLarge, model.CodeInvalidRequest, "archive exceeds the upload size limit")
			return
		}
		response.WriteError(w, http.StatusBadRequest, model.CodeInvalidRequest, "could not read upload body")
		return
	}
	if len(data) == 0 {
		response.WriteError(w, http.StatusBadRequest, model.CodeInvalidRequest, "upload body is empty")
		return
	}

	result, err := h.svc.Upload(r.Context(), token, data)
	if err != nil {
		if result != nil {
			response.WriteScanRejected(w, r, err, result)
			return
		}
		response.WriteServiceError(w, r, err)
		return
	}

	response.WriteJSON(w, http.StatusOK, result)
}

func (h *Deployment) Deploy(w http.ResponseWriter, r *http.Request) {
	var req request.DeployRequest
	if err := request.Decode(r, &req); err != nil {
		response.WriteServiceError(w, r, err)
		return
	}

	res, err := h.svc.Deploy(r.Context(), mw.GetIdentity(r.Context()), core.DeployRequest{
		AppID:             req.AppID,
		Subdomain:         req.Subdomain,
		SecretRef:         req.SecretRef,
		ConfirmedWarnings: req.ConfirmedWarnings,
	})
	if err != nil {
		response.WriteServiceError(w, r, err)
		return
	}

	response.WriteJSON(w, http.StatusOK, res)
}

func (h *Deployment) GetApp(w http.ResponseWriter, r *http.Request) {
	app, err := h.svc.Get(r.Context(), mw.GetIdentity(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		response.WriteServiceError(w, r, err)
		return
	}

	response.WriteJSON(w, http.StatusOK, app)
}

func (h *Deployment) DeleteApp(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.Teardown(r.Context(), mw.GetIdentity(r.Context()), chi.URLParam(r, "id")); err != nil {
		response.WriteServiceError(w, r, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (h *Deployment) CheckSubdomain(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if err := request.Subdomain(name); err != nil {
		response.WriteServiceError(w, r, err)
		return
	}

	avail, err := h.svc.CheckSubdomain(r.Context(), name)
	if err != nil {
		response.WriteServiceError(w, r, err)
		return
	}

	response.WriteJSON(w, http.StatusOK, avail)
}

func (h *Deployment) ReleaseSubdomain(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if err := request.Subdomain(name); err != nil {
		response.WriteServiceError(w, r, err)
		return
	}

	if err := h.svc.ReleaseSubdomain(r.Context(), mw.GetIdentity(r.Context()), name); err != nil {
		response.WriteServiceError(w, r, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// BuildStatus receives the build system's outcome for a build.
func (h *Deployment) BuildStatus(w http.ResponseWriter, r *http.Request) {
	var req request.BuildStatusRequest
	if err := request.Decode(r, &req); err != nil {
		response.WriteServiceError(w, r, err)
		return
	}

	err := h.svc.ReportBuildStatus(r.Context(), model.BuildStatusReport{
		AppID:   req.AppID,
		BuildID: chi.URLParam(r, "build_id"),
		Outcome: req.Outcome,
		Message: req.Message,
	})
	if err != nil {
		response.WriteServiceError(w, r, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}
