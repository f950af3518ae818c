package request

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/backtrue/mitenow-sub001/internal/model"
)

func newBody(body string) *http.Request {
	return httptest.NewRequest(http.MethodPost, "/", bytes.NewBufferString(body))
}

func TestDecode_Valid(t *testing.T) {
	var req DeployRequest
	err := Decode(newBody(`{"app_id":"app_1","subdomain":"my-app","confirmed_warnings":true}`), &req)

	require.NoError(t, err)
	assert.Equal(t, "app_1", req.AppID)
	assert.Equal(t, "my-app", req.Subdomain)
	assert.True(t, req.ConfirmedWarnings)
}

func TestDecode_InvalidJSON(t *testing.T) {
	var req DeployRequest
	err := Decode(newBody(`{bad json`), &req)

	require.Error(t, err)
	assert.Equal(t, model.KindValidation, model.KindOf(err))
	assert.Equal(t, model.CodeInvalidRequest, model.CodeOf(err))
}

func TestDecode_EmptyBody(t *testing.T) {
	var req DeployRequest
	err := Decode(newBody(""), &req)

	assert.Equal(t, model.CodeInvalidRequest, model.CodeOf(err))
}

func TestDecode_NamesJSONField(t *testing.T) {
	var req DeployRequest
	err := Decode(newBody(`{"subdomain":"my-app"}`), &req)

	require.Error(t, err)
	var e *model.Error
	require.ErrorAs(t, err, &e)
	assert.Equal(t, "app_id is required", e.Message)
}

func TestDecode_OneOf(t *testing.T) {
	var req BuildStatusRequest
	err := Decode(newBody(`{"app_id":"app_1","outcome":"exploded"}`), &req)

	var e *model.Error
	require.ErrorAs(t, err, &e)
	assert.Equal(t, "outcome must be one of: succeeded failed", e.Message)
}

func TestDecode_TooLong(t *testing.T) {
	var req CreateSecretRequest
	err := Decode(newBody(`{"name":"`+strings.Repeat("n", 65)+`","value":"v"}`), &req)

	var e *model.Error
	require.ErrorAs(t, err, &e)
	assert.Equal(t, "name is too long", e.Message)
}

func TestSubdomain(t *testing.T) {
	tests := []struct {
		name  string
		input string
		valid bool
	}{
		{"simple", "my-app", true},
		{"digits", "app42", true},
		{"empty", "", false},
		{"too short", "ab", false},
		{"uppercase", "MyApp", false},
		{"underscore", "my_app", false},
		{"leading hyphen", "-app", false},
		{"too long", strings.Repeat("a", 64), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Subdomain(tt.input)
			if tt.valid {
				assert.NoError(t, err)
				return
			}
			assert.Equal(t, model.CodeNameInvalid, model.CodeOf(err))
		})
	}
}
