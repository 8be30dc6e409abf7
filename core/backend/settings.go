package backend

import (
	"context"
	"fmt"
	"net/http"

	"github.com/goccy/go-json"
	"github.com/gorilla/mux"

	"github.com/relabs-tech/bookstore/core"
	"github.com/relabs-tech/bookstore/core/access"
	"github.com/relabs-tech/bookstore/core/logger"
	"github.com/relabs-tech/bookstore/core/schema"
)

// the registry key of the store settings, below the "settings" prefix
const settingsKey = "store"

// Settings returns the current store settings, or the defaults if none were stored yet
func (b *Backend) Settings(ctx context.Context) (Settings, error) {
	settings := DefaultSettings
	if _, err := b.settings.Read(ctx, settingsKey, &settings); err != nil {
		return settings, fmt.Errorf("cannot read settings: %w", err)
	}
	if settings.Currency == "" {
		settings.Currency = DefaultSettings.Currency
	}
	return settings, nil
}

// WriteSettings stores the store settings
func (b *Backend) WriteSettings(ctx context.Context, settings Settings) error {
	return b.settings.Write(ctx, settingsKey, settings)
}

func (b *Backend) handleSettings(router *mux.Router) {
	logger.Default().Debugln("settings")
	logger.Default().Debugln("  handle settings route: /settings GET,PUT")

	router.HandleFunc("/settings", func(w http.ResponseWriter, r *http.Request) {
		if !b.isAuthorized(access.AuthorizationFromContext(r.Context()), "settings", core.OperationRead, nil) {
			http.Error(w, "not authorized", http.StatusUnauthorized)
			return
		}
		settings, err := b.Settings(r.Context())
		if err != nil {
			writeError(w, r, "4601", err)
			return
		}
		jsonData, _ := json.Marshal(settings)
		writeJSONWithEtag(w, r, bytesToEtag(jsonData), jsonData)
	}).Methods(http.MethodOptions, http.MethodGet)

	router.HandleFunc("/settings", func(w http.ResponseWriter, r *http.Request) {
		if !b.isAuthorized(access.AuthorizationFromContext(r.Context()), "settings", core.OperationUpdate, nil) {
			http.Error(w, "not authorized", http.StatusUnauthorized)
			return
		}
		body, err := readBody(w, r)
		if err != nil {
			http.Error(w, "cannot read body", http.StatusBadRequest)
			return
		}
		if err = b.validator.ValidateBytes(body, schema.SettingsID); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		var settings Settings
		if err = json.Unmarshal(body, &settings); err != nil {
			http.Error(w, "invalid settings: "+err.Error(), http.StatusBadRequest)
			return
		}
		if err = b.WriteSettings(r.Context(), settings); err != nil {
			writeError(w, r, "4602", err)
			return
		}
		logger.FromContext(r.Context()).Infof("settings updated: %+v", settings)
		writeJSON(w, http.StatusOK, settings)
	}).Methods(http.MethodPut)
}
