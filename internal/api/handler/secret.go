package handler

import (
	"context"
	"net/http"

	mw "github.com/backtrue/mitenow-sub001/internal/api/middleware"
	"github.com/backtrue/mitenow-sub001/internal/api/request"
	"github.com/backtrue/mitenow-sub001/internal/api/response"
	"github.com/backtrue/mitenow-sub001/internal/model"
)

type SecretCreator interface {
	Create(ctx context.Context, ownerID, name string, value []byte) (*model.SecretMeta, error)
}

type Secret struct {
	svc SecretCreator
}

func NewSecret(svc SecretCreator) *Secret {
	return &Secret{svc: svc}
}

// Create stores a build secret and answers with its reference only.
func (h *Secret) Create(w http.ResponseWriter, r *http.Request) {
	var req request.CreateSecretRequest
	if err := request.Decode(r, &req); err != nil {
		response.WriteServiceError(w, r, err)
		return
	}

	meta, err := h.svc.Create(r.Context(), mw.GetIdentity(r.Context()).UserID, req.Name, []byte(req.Value))
	if err != nil {
		response.WriteServiceError(w, r, err)
		return
	}

	response.WriteJSON(w, http.StatusCreated, meta)
}
