package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"proxyfleet/internal/api/dto"
	"proxyfleet/internal/arbiter"
	"proxyfleet/internal/auth"
	"proxyfleet/internal/database"
	"proxyfleet/internal/domain"
	"proxyfleet/internal/jobs/batch"

	"github.com/charmbracelet/log"
)

const maxBodyBytes = 1 << 20

type ProbeRunner interface {
	Run(ctx context.Context, proxyID string) (*database.RecordOutcome, error)
}

type BatchService interface {
	Start(ctx context.Context, req batch.Request) (dto.BatchAck, error)
	Status(ctx context.Context, id string) (dto.BatchStatus, error)
	Cancel(ctx context.Context, id string) (dto.BatchStatus, error)
	List() []dto.BatchStatus
}

type Dependencies struct {
	Arbiter *arbiter.Service
	Prober  ProbeRunner
	Batches BatchService
	Events  http.Handler
}

type api struct {
	Dependencies
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, msg string, status int) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeDomainError maps the domain error taxonomy onto HTTP status codes.
func writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	var verr *domain.ValidationError
	switch {
	case errors.As(err, &verr):
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": verr.Error(), "fields": verr.Fields})
	case errors.Is(err, domain.ErrNotFound):
		writeError(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, domain.ErrInvalidTransition),
		errors.Is(err, domain.ErrProxyNotActive),
		errors.Is(err, domain.ErrCapacityExceeded),
		errors.Is(err, domain.ErrProxyInUse),
		errors.Is(err, domain.ErrNoProxyAvailable):
		writeError(w, err.Error(), http.StatusConflict)
	case errors.Is(err, domain.ErrUserDirectoryUnavailable):
		log.Error("User directory unavailable", "path", r.URL.Path, "error", err)
		writeError(w, "user directory unavailable", http.StatusServiceUnavailable)
	default:
		log.Error("Request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		writeError(w, "internal server error", http.StatusInternalServerError)
	}
}

func decodeJSON(w http.ResponseWriter, r *http.Request, into any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(into); err != nil {
		writeError(w, "Invalid request body", http.StatusBadRequest)
		return false
	}
	return true
}

func enableCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "POST, GET, OPTIONS, PUT, DELETE")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func NewRouter(deps Dependencies) http.Handler {
	a := &api{Dependencies: deps}
	admin := func(h http.HandlerFunc) http.Handler { return auth.IsAdmin(h) }

	router := http.NewServeMux()
	router.HandleFunc("GET /health", a.getHealth)

	router.Handle("GET /proxies", admin(a.listProxies))
	router.Handle("POST /proxies", admin(a.addProxy))
	router.Handle("GET /proxies/stats", admin(a.getProxyStats))
	router.Handle("POST /proxies/test", admin(a.testProxy))
	router.Handle("POST /proxies/batch-test", admin(a.startBatchTest))
	router.Handle("GET /proxies/{id}", admin(a.getProxy))
	router.Handle("DELETE /proxies/{id}", admin(a.deleteProxy))
	router.Handle("POST /proxies/{id}/status", admin(a.updateProxyStatus))
	router.Handle("GET /proxies/{id}/history", admin(a.getProxyHistory))
	router.Handle("GET /proxies/{id}/assignments", admin(a.getProxyAssignments))
	router.Handle("POST /proxies/{id}/reassign", admin(a.reassignProxy))

	router.Handle("GET /batches", admin(a.listBatches))
	router.Handle("GET /batches/{id}", admin(a.getBatch))
	router.Handle("DELETE /batches/{id}", admin(a.cancelBatch))

	router.Handle("POST /assignments", admin(a.assignProxy))
	router.Handle("POST /assignments/release", admin(a.releaseProxy))

	router.Handle("GET /users", admin(a.listUsers))
	router.Handle("PUT /users/{id}", admin(a.upsertUser))
	router.Handle("GET /users/{id}/proxy", admin(a.getUserProxy))
	router.Handle("GET /me/proxy", auth.RequireAuth(http.HandlerFunc(a.getOwnProxy)))
	router.Handle("GET /me/proxy/health", auth.RequireAuth(http.HandlerFunc(a.getOwnProxyReadiness)))
	router.Handle("POST /me/proxy/outcome", auth.RequireAuth(http.HandlerFunc(a.reportJobOutcome)))

	router.Handle("GET /audit", admin(a.listAudit))
	router.Handle("GET /settings", admin(a.getSettings))
	router.Handle("POST /settings", admin(a.saveSettings))
	if a.Events != nil {
		router.Handle("GET /events", auth.IsAdmin(a.Events))
	}

	return enableCORS(router)
}

// OpenRoutes serves the API until ctx is cancelled.
func OpenRoutes(ctx context.Context, port int, deps Dependencies) error {
	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           NewRouter(deps),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Warn("HTTP server shutdown failed", "error", err)
		}
	}()

	log.Infof("Starting proxyfleet backend on port :%d", port)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("api server failed: %w", err)
	}
	return nil
}
