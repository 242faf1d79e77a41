package server

import (
	"net/http"

	"proxyfleet/internal/api/dto"
	"proxyfleet/internal/arbiter"
	"proxyfleet/internal/auth"
	"proxyfleet/internal/database"
	"proxyfleet/internal/domain"
)

func (a *api) assignProxy(w http.ResponseWriter, r *http.Request) {
	var req dto.AssignRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	res, err := a.Arbiter.Assign(r.Context(), arbiter.AssignInput{
		ProxyID:     req.ProxyID,
		UserID:      req.UserID,
		Reason:      req.Reason,
		CountryCode: req.CountryCode,
		Actor:       auth.Actor(r.Context()),
	})
	if err != nil {
		writeDomainError(w, r, err)
		return
	}

	status := http.StatusOK
	if res.Created {
		status = http.StatusCreated
	}
	writeJSON(w, status, map[string]any{"assignment": res.Assignment, "proxy": res.Proxy, "created": res.Created})
}

func (a *api) releaseProxy(w http.ResponseWriter, r *http.Request) {
	var req dto.ReleaseRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	released, err := a.Arbiter.Release(r.Context(), req.ProxyID, req.UserID, auth.Actor(r.Context()), req.Reason)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"released": released != nil, "assignment": released})
}

func (a *api) listUsers(w http.ResponseWriter, r *http.Request) {
	users, err := database.ListUsers(r.Context())
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"users": users})
}

func (a *api) upsertUser(w http.ResponseWriter, r *http.Request) {
	var req dto.UserUpsertRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	user, err := database.UpsertUser(r.Context(), domain.User{
		ID:          r.PathValue("id"),
		Email:       req.Email,
		DisplayName: req.DisplayName,
	})
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, user)
}

func (a *api) getUserProxy(w http.ResponseWriter, r *http.Request) {
	a.writeUserProxy(w, r, r.PathValue("id"))
}

// getOwnProxy lets a job worker fetch the proxy bound to its own token subject.
func (a *api) getOwnProxy(w http.ResponseWriter, r *http.Request) {
	claims, ok := auth.ClaimsFromContext(r.Context())
	if !ok {
		writeError(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	a.writeUserProxy(w, r, claims.Subject)
}

func (a *api) writeUserProxy(w http.ResponseWriter, r *http.Request, userID string) {
	proxy, err := a.Arbiter.GetUserProxy(r.Context(), userID)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, http.StatusOK, proxy)
}

func (a *api) reportJobOutcome(w http.ResponseWriter, r *http.Request) {
	claims, ok := auth.ClaimsFromContext(r.Context())
	if !ok {
		writeError(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	var req dto.JobOutcomeRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.WasSuccessful == nil {
		verr := &domain.ValidationError{}
		verr.Add("was_successful", "is required")
		writeDomainError(w, r, verr)
		return
	}

	res, err := a.Arbiter.RecordJobOutcome(r.Context(), claims.Subject, arbiter.JobOutcomeInput{
		ProxyID:        req.ProxyID,
		Success:        *req.WasSuccessful,
		ErrorType:      req.ErrorType,
		ErrorMessage:   req.ErrorMessage,
		ResponseTimeMs: req.ResponseTimeMs,
	})
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (a *api) getOwnProxyReadiness(w http.ResponseWriter, r *http.Request) {
	claims, ok := auth.ClaimsFromContext(r.Context())
	if !ok {
		writeError(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	readiness, err := a.Arbiter.CheckProxyReadiness(r.Context(), claims.Subject)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, readiness)
}
