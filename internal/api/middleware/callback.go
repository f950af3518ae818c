package middleware

import (
	"crypto/subtle"
	"net/http"

	"github.com/backtrue/mitenow-sub001/internal/activity"
	"github.com/backtrue/mitenow-sub001/internal/api/response"
	"github.com/backtrue/mitenow-sub001/internal/model"
)

// CallbackToken admits build status callbacks carrying the shared token. An
// empty configured token admits nothing.
func CallbackToken(token string) func(http.Handler) http.Handler {
	want := []byte(token)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got := []byte(r.Header.Get(activity.CallbackTokenHeader))
			if len(want) == 0 || subtle.ConstantTimeCompare(got, want) != 1 {
				response.WriteServiceError(w, r, model.UnauthorizedError("invalid callback token"))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
