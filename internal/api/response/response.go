package response

import (
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/backtrue/mitenow-sub001/internal/model"
)

// ErrorBody is the payload under the "error" key of every error response.
type ErrorBody struct {
	Code       string `json:"code"`
	Message    string `json:"message"`
	RetryAfter int    `json:"retry_after,omitempty"`
}

type errorEnvelope struct {
	Error ErrorBody         `json:"error"`
	Scan  *model.ScanResult `json:"scan,omitempty"`
}

func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func WriteError(w http.ResponseWriter, status int, code, message string) {
	WriteJSON(w, status, errorEnvelope{Error: ErrorBody{Code: code, Message: message}})
}

// StatusFor maps an error kind to its HTTP status.
func StatusFor(kind model.ErrorKind) int {
	switch kind {
	case model.KindValidation:
		return http.StatusBadRequest
	case model.KindUnauthorized:
		return http.StatusUnauthorized
	case model.KindForbidden, model.KindQuotaExceeded:
		return http.StatusForbidden
	case model.KindNotFound:
		return http.StatusNotFound
	case model.KindConflict:
		return http.StatusConflict
	case model.KindScanRejected:
		return http.StatusUnprocessableEntity
	case model.KindRateLimited:
		return http.StatusTooManyRequests
	case model.KindUpstreamBuild:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// WriteServiceError writes err in the error envelope. Only classified errors
// reach the caller with their own message; anything else is logged with full
// detail and answered with a generic 500.
func WriteServiceError(w http.ResponseWriter, r *http.Request, err error) {
	writeServiceError(w, r, err, nil)
}

// WriteScanRejected writes a scan rejection together with the per-check
// result, which carries categories and paths but never matched content.
func WriteScanRejected(w http.ResponseWriter, r *http.Request, err error, result *model.ScanResult) {
	writeServiceError(w, r, err, result)
}

func writeServiceError(w http.ResponseWriter, r *http.Request, err error, scan *model.ScanResult) {
	var e *model.Error
	if !errors.As(err, &e) || e.Kind == model.KindInternal {
		zerolog.Ctx(r.Context()).Error().Err(err).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Msg("request failed")
		WriteError(w, http.StatusInternalServerError, model.CodeInternal, "internal error")
		return
	}
	if e.Kind == model.KindUpstreamBuild {
		zerolog.Ctx(r.Context()).Warn().Err(err).Msg("build system error")
	}

	body := ErrorBody{Code: e.Code, Message: e.Message}
	if e.Kind == model.KindRateLimited {
		body.RetryAfter = retryAfterSeconds(e.RetryAfter)
		w.Header().Set("Retry-After", strconv.Itoa(body.RetryAfter))
	}
	env := errorEnvelope{Error: body}
	if e.Kind == model.KindScanRejected {
		env.Scan = scan
	}
	WriteJSON(w, StatusFor(e.Kind), env)
}

// retryAfterSeconds rounds up so a client never retries early.
func retryAfterSeconds(d time.Duration) int {
	s := int(math.Ceil(d.Seconds()))
	if s < 1 {
		return 1
	}
	return s
}
