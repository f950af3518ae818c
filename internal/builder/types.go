package builder

// Build states reported by the build system.
const (
	StatusQueued    = "queued"
	StatusRunning   = "running"
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
	StatusCancelled = "cancelled"
)

type SubmitParams struct {
	AppID     string `json:"app_id"`
	Subdomain string `json:"subdomain"`
	Hostname  string `json:"hostname"`
	SourceURL string `json:"source_url"`

	// BuildSecret is injected into the build environment. It is never logged.
	BuildSecret string `json:"build_secret,omitempty"`
	CallbackURL string `json:"callback_url,omitempty"`
}

type Build struct {
	ID      string `json:"build_id"`
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// Done reports whether the build reached a terminal state.
func (b *Build) Done() bool {
	switch b.Status {
	case StatusSucceeded, StatusFailed, StatusCancelled:
		return true
	}
	return false
}
