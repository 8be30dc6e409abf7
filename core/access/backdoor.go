package access

import (
	"crypto/subtle"
	"net/http"

	"github.com/gorilla/mux"
)

// NewBackdoorMiddleware authorizes every request whose bearer token equals token with auth,
// e.g. curl -H 'Authorization: Bearer open-sesame'. The token also works as Bookstore-JWT cookie.
//
// Install it before the JWT middleware, which leaves requests that are already authorized alone.
// An empty token disables the backdoor.
func NewBackdoorMiddleware(token string, auth Authorization) mux.MiddlewareFunc {
	return func(h http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if token != "" && AuthorizationFromContext(r.Context()) == nil {
				if subtle.ConstantTimeCompare([]byte(BearerToken(r)), []byte(token)) == 1 {
					granted := auth
					r = r.WithContext(ContextWithAuthorization(r.Context(), &granted))
				}
			}
			h.ServeHTTP(w, r)
		})
	}
}
