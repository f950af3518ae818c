package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"

	"github.com/go-chi/chi/v5"

	mw "github.com/backtrue/mitenow-sub001/internal/api/middleware"
	"github.com/backtrue/mitenow-sub001/internal/model"
)

// newRequest creates a new HTTP request with an optional JSON body.
func newRequest(method, target string, body any) *http.Request {
	var buf bytes.Buffer
	if body != nil {
		json.NewEncoder(&buf).Encode(body)
	}
	r := httptest.NewRequest(method, target, &buf)
	r.Header.Set("Content-Type", "application/json")
	return r
}

// newRequestRaw creates a new HTTP request with a raw string body.
func newRequestRaw(method, target, body string) *http.Request {
	r := httptest.NewRequest(method, target, bytes.NewBufferString(body))
	r.Header.Set("Content-Type", "application/json")
	return r
}

// withChiURLParam adds a chi URL parameter to the request context.
func withChiURLParam(r *http.Request, key, value string) *http.Request {
	rctx := chi.NewRouteContext()
	rctx.URLParams.Add(key, value)
	return r.WithContext(context.WithValue(r.Context(), chi.RouteCtxKey, rctx))
}

func withIdentity(r *http.Request, id model.Identity) *http.Request {
	return r.WithContext(mw.WithIdentity(r.Context(), id))
}

type errorResponse struct {
	Error struct {
		Code       string `json:"code"`
		Message    string `json:"message"`
		RetryAfter int    `json:"retry_after"`
	} `json:"error"`
	Scan *model.ScanResult `json:"scan"`
}

// decodeErrorResponse parses the JSON error envelope.
func decodeErrorResponse(rec *httptest.ResponseRecorder) errorResponse {
	var body errorResponse
	json.Unmarshal(rec.Body.Bytes(), &body)
	return body
}

var (
	alice = model.Identity{UserID: "u-alice", Tier: model.TierFree, ClientKey: "198.51.100.4"}
	anon  = model.Identity{Tier: model.TierAnonymous, ClientKey: "203.0.113.7"}
)
