package platform

import (
	"fmt"
	"net/url"
	"strings"
)

// AppHostname returns the public hostname an application is served on.
// Example: myapp.apps.example.com
func AppHostname(baseDomain, subdomain string) string {
	return fmt.Sprintf("%s.%s", subdomain, strings.TrimPrefix(baseDomain, "."))
}

// UploadURL joins the public API base URL with the ticket-scoped upload path.
func UploadURL(publicBaseURL, token string) string {
	return strings.TrimRight(publicBaseURL, "/") + "/uploads/" + token
}

// BuildCallbackURL is where build outcomes for buildID are reported.
func BuildCallbackURL(publicBaseURL, buildID string) string {
	return strings.TrimRight(publicBaseURL, "/") + "/builds/" + url.PathEscape(buildID) + "/status"
}
