package activity

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.temporal.io/sdk/temporal"

	"github.com/backtrue/mitenow-sub001/internal/model"
	"github.com/backtrue/mitenow-sub001/internal/platform"
)

// CallbackTokenHeader authenticates build status callbacks to the API.
const CallbackTokenHeader = "X-Callback-Token"

// Callback contains activities that report build outcomes back to the
// deploy API.
type Callback struct {
	client  *http.Client
	baseURL string
	token   string
}

func NewCallback(publicBaseURL, token string) *Callback {
	return &Callback{
		client:  &http.Client{Timeout: 30 * time.Second},
		baseURL: publicBaseURL,
		token:   token,
	}
}

// ReportBuildStatus POSTs the outcome of a build to the API's status
// endpoint.
//   - 2xx: delivered
//   - 409: the deploy is still recording the build; retried by Temporal
//   - other 4xx: non-retryable
//   - 5xx or network error: retried by Temporal
func (a *Callback) ReportBuildStatus(ctx context.Context, report model.BuildStatusReport) error {
	body, err := json.Marshal(report)
	if err != nil {
		return temporal.NewNonRetryableApplicationError("marshal build report", "MARSHAL_ERROR", err)
	}

	url := platform.BuildCallbackURL(a.baseURL, report.BuildID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return temporal.NewNonRetryableApplicationError("create callback request", "REQUEST_ERROR", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(CallbackTokenHeader, a.token)

	resp, err := a.client.Do(req)
	if err != nil {
		return fmt.Errorf("report build %s: %w", report.BuildID, err)
	}
	defer func() { io.Copy(io.Discard, resp.Body); resp.Body.Close() }()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusConflict {
		return temporal.NewNonRetryableApplicationError(
			fmt.Sprintf("build status callback returned %d", resp.StatusCode),
			"CLIENT_ERROR", nil)
	}
	return fmt.Errorf("build status callback returned %d", resp.StatusCode)
}
