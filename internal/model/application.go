package model

import "time"

type Application struct {
	ID                string       `json:"id" db:"id"`
	Subdomain         *string      `json:"subdomain,omitempty" db:"subdomain"`
	OwnerID           *string      `json:"owner_id,omitempty" db:"owner_id"`
	QuotaKey          string       `json:"-" db:"quota_key"`
	Filename          string       `json:"filename" db:"filename"`
	Status            string       `json:"status" db:"status"`
	StatusMessage     *string      `json:"status_message,omitempty" db:"status_message"`
	SourceRef         *string      `json:"source_ref,omitempty" db:"source_ref"`
	BuildID           *string      `json:"build_id,omitempty" db:"build_id"`
	SecretRef         *string      `json:"-" db:"secret_ref"`
	ScanSummary       *ScanSummary `json:"scan_summary,omitempty" db:"scan_summary"`
	WarningsConfirmed bool         `json:"warnings_confirmed" db:"warnings_confirmed"`
	CreatedAt         time.Time    `json:"created_at" db:"created_at"`
	UpdatedAt         time.Time    `json:"updated_at" db:"updated_at"`
}

// IsOwnedBy reports whether userID is the recorded owner. Anonymous
// applications have no owner and are owned by nobody.
func (a *Application) IsOwnedBy(userID string) bool {
	return a.OwnerID != nil && userID != "" && *a.OwnerID == userID
}

// UploadTicket authorizes exactly one upload for an application.
type UploadTicket struct {
	AppID     string    `json:"app_id"`
	UploadURL string    `json:"upload_url"`
	ExpiresAt time.Time `json:"expires_at"`
}

// BuildRequest is handed to the build trigger. SecretRef is an opaque handle,
// never the secret itself. Timeout bounds the build; zero means the worker
// default.
type BuildRequest struct {
	AppID     string        `json:"app_id"`
	Subdomain string        `json:"subdomain"`
	SourceRef string        `json:"source_ref"`
	SecretRef string        `json:"secret_ref,omitempty"`
	Timeout   time.Duration `json:"timeout,omitempty"`
}

// BuildStatusReport is delivered by the build system when a build finishes.
type BuildStatusReport struct {
	AppID   string `json:"app_id"`
	BuildID string `json:"build_id"`
	Outcome string `json:"outcome"`
	Message string `json:"message,omitempty"`
}

// DeployResult is returned by a successful deploy.
type DeployResult struct {
	AppID     string `json:"app_id"`
	Subdomain string `json:"subdomain"`
	BuildID   string `json:"build_id"`
}
