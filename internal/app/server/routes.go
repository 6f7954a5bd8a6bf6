package server

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/charmbracelet/log"

	"ioctaxii/internal/auth"
	"ioctaxii/internal/health"
	"ioctaxii/internal/jobs/runtime"
	"ioctaxii/internal/preprocessor"
	"ioctaxii/internal/taxii"
)

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, msg string, status int) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func enableCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "POST, GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// Deps bundles the already-constructed components OpenRoutes wires
// onto the HTTP mux.
type Deps struct {
	TAXII        *taxii.Server
	Health       *health.Server
	Auth         *auth.Authenticator
	Preprocessor *preprocessor.Preprocessor
}

func (d Deps) handleAdminRebuild(w http.ResponseWriter, r *http.Request) {
	if err := d.Preprocessor.TriggerRebuild(r.Context()); err != nil {
		writeError(w, "rebuild failed: "+err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"stats": d.Preprocessor.Stats()})
}

func (d Deps) handleAdminGeoLiteUpdate(w http.ResponseWriter, r *http.Request) {
	runtime.RunGeoLiteUpdate(r.Context(), "admin-trigger")
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "triggered"})
}

// OpenRoutes registers every HTTP surface and serves it on addr (a full
// host:port or :port listen address, per spec.md §6's configuration
// surface) until ctx-independent shutdown (the caller controls process
// lifetime).
func OpenRoutes(addr string, deps Deps) error {
	mux := http.NewServeMux()

	deps.TAXII.Register(mux)
	deps.Health.Register(mux)

	mux.HandleFunc("POST /admin/login", deps.Auth.HandleLogin)
	mux.Handle("POST /admin/rebuild", deps.Auth.RequireAdmin(http.HandlerFunc(deps.handleAdminRebuild)))
	mux.Handle("POST /admin/geolite/update", deps.Auth.RequireAdmin(http.HandlerFunc(deps.handleAdminGeoLiteUpdate)))

	httpServer := http.Server{
		Addr:    addr,
		Handler: enableCORS(mux),
	}

	log.Infof("Starting ioctaxii server on %s", addr)
	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("api server failed: %w", err)
	}
	return nil
}
