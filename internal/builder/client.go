// Package builder talks to the external build system that turns a source
// archive into a running application.
package builder

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// StatusError is a non-2xx answer from the build system.
type StatusError struct {
	Op   string
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: status %d: %s", e.Op, e.Code, e.Body)
}

// Temporary reports whether retrying the same request may succeed.
func (e *StatusError) Temporary() bool {
	return e.Code >= 500 || e.Code == http.StatusTooManyRequests
}

type Client struct {
	httpClient *http.Client
	baseURL    string
	token      string
}

func NewClient(baseURL, token string) *Client {
	return &Client{
		httpClient: &http.Client{Timeout: 30 * time.Second},
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
	}
}

// Submit queues a build and returns its identifier.
func (c *Client) Submit(ctx context.Context, params SubmitParams) (*Build, error) {
	body, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("marshal submit build: %w", err)
	}

	var build Build
	if err := c.do(ctx, http.MethodPost, "/builds", body, "submit build "+params.AppID, &build); err != nil {
		return nil, err
	}
	if build.ID == "" {
		return nil, fmt.Errorf("submit build %s: response has no build id", params.AppID)
	}
	return &build, nil
}

// Get returns the current state of a build.
func (c *Client) Get(ctx context.Context, buildID string) (*Build, error) {
	var build Build
	if err := c.do(ctx, http.MethodGet, "/builds/"+url.PathEscape(buildID), nil, "get build "+buildID, &build); err != nil {
		return nil, err
	}
	return &build, nil
}

// Cancel stops a build. Cancelling a finished or unknown build is not an error.
func (c *Client) Cancel(ctx context.Context, buildID string) error {
	err := c.do(ctx, http.MethodPost, "/builds/"+url.PathEscape(buildID)+"/cancel", nil, "cancel build "+buildID, nil)
	if se, ok := err.(*StatusError); ok && (se.Code == http.StatusNotFound || se.Code == http.StatusConflict) {
		return nil
	}
	return err
}

func (c *Client) do(ctx context.Context, method, path string, body []byte, op string, out any) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("%s request: %w", op, err)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &StatusError{Op: op, Code: resp.StatusCode, Body: string(respBody)}
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", op, err)
	}
	return nil
}
