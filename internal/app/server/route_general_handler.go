package server

import (
	"encoding/json"
	"net/http"

	"proxyfleet/internal/app/version"
	"proxyfleet/internal/auth"
	"proxyfleet/internal/config"
	"proxyfleet/internal/database"
	"proxyfleet/internal/domain"
	"proxyfleet/internal/jobs/runtime"
	"proxyfleet/internal/support"

	"github.com/charmbracelet/log"
)

func (a *api) getHealth(w http.ResponseWriter, r *http.Request) {
	payload := map[string]any{"status": "ok", "version": version.Get()}
	if support.RedisConfigured() {
		if client, err := support.GetRedisClient(); err == nil {
			if count, err := runtime.CountActiveInstances(r.Context(), client); err == nil {
				payload["instances"] = count
			} else {
				log.Warn("Counting active instances failed", "error", err)
			}
		}
	}
	writeJSON(w, http.StatusOK, payload)
}

func (a *api) listAudit(w http.ResponseWriter, r *http.Request) {
	verr := &domain.ValidationError{}
	limit := queryInt(r.URL.Query().Get("limit"), "limit", verr)
	if err := verr.OrNil(); err != nil {
		writeDomainError(w, r, err)
		return
	}

	entries, err := database.ListAuditEntries(r.Context(), r.URL.Query().Get("proxy_id"), limit)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

func (a *api) getSettings(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, config.GetConfig())
}

func (a *api) saveSettings(w http.ResponseWriter, r *http.Request) {
	before := config.GetConfig()
	// Decode into a deep copy; the live snapshot shares its slices with before.
	var cfg config.Config
	if raw, err := json.Marshal(before); err != nil || json.Unmarshal(raw, &cfg) != nil {
		writeError(w, "Could not read current settings", http.StatusInternalServerError)
		return
	}
	if !decodeJSON(w, r, &cfg) {
		return
	}
	if err := cfg.Validate(); err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}

	if err := config.SetConfig(cfg); err != nil {
		// The in-memory swap already happened; only persistence or broadcast failed.
		log.Error("Settings saved with errors", "actor", auth.Actor(r.Context()), "error", err)
		writeError(w, err.Error(), http.StatusInternalServerError)
		return
	}

	actor := auth.Actor(r.Context())
	if err := database.RecordAudit(r.Context(), domain.NewAuditEntry(actor, domain.AuditSettingsUpdated, "", "", before, cfg, "")); err != nil {
		log.Warn("Could not audit settings change", "error", err)
	}
	log.Info("Settings updated", "actor", actor)
	writeJSON(w, http.StatusOK, config.GetConfig())
}
