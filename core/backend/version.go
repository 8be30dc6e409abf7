package backend

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/relabs-tech/bookstore/core"
	"github.com/relabs-tech/bookstore/core/access"
	"github.com/relabs-tech/bookstore/core/logger"
)

var (
	// Version is the version of the current build, set with -ldflags "-X ..."
	Version = "unset"
)

func (b *Backend) handleVersion(router *mux.Router) {
	logger.Default().Debugln("version")
	logger.Default().Debugln("  handle version route: /version GET")
	router.HandleFunc("/version", func(w http.ResponseWriter, r *http.Request) {
		if !b.isAuthorized(access.AuthorizationFromContext(r.Context()), "version", core.OperationRead, nil) {
			http.Error(w, "not authorized", http.StatusUnauthorized)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"version": Version})
	}).Methods(http.MethodOptions, http.MethodGet)
}

// handleHealth adds /health, which reports whether the database is reachable. It needs no authorization
func (b *Backend) handleHealth(router *mux.Router) {
	logger.Default().Debugln("  handle health route: /health GET")
	router.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := b.db.PingContext(ctx); err != nil {
			logger.FromContext(r.Context()).WithError(err).Errorln("health check failed")
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "version": Version})
	}).Methods(http.MethodOptions, http.MethodGet)
}
