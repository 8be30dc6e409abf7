package backend

import (
	"net/http"
	"strings"

	"github.com/relabs-tech/bookstore/core"
	"github.com/relabs-tech/bookstore/core/logger"
)

var (
	corsAllowedMethods = strings.Join([]string{
		http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete, http.MethodOptions,
	}, ", ")
	corsAllowedHeaders = strings.Join([]string{
		"Accept", "Accept-Encoding", "Authorization", "Content-Type", "Content-Length",
		core.HeaderIfNoneMatch, logger.RequestIDHeader,
	}, ", ")
	corsExposedHeaders = strings.Join(core.ExposedHeaders, ", ")
)

// handleCORS allows browser clients from any origin. Authentication uses bearer tokens,
// so there are no credentials to protect from cross site requests.
func (b *Backend) handleCORS() {
	b.router.Use(func(h http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := w.Header()
			header.Set("Access-Control-Allow-Origin", "*")
			header.Set("Access-Control-Allow-Methods", corsAllowedMethods)
			header.Set("Access-Control-Allow-Headers", corsAllowedHeaders)
			header.Set("Access-Control-Expose-Headers", corsExposedHeaders)
			header.Set("Access-Control-Max-Age", "86400")

			// every route accepts OPTIONS, preflights are answered here
			if r.Method == http.MethodOptions {
				logger.FromContext(r.Context()).Debugln("preflight for", r.URL)
				w.WriteHeader(http.StatusNoContent)
				return
			}
			h.ServeHTTP(w, r)
		})
	})
}
