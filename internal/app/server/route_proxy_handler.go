package server

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"proxyfleet/internal/api/dto"
	"proxyfleet/internal/arbiter"
	"proxyfleet/internal/auth"
	"proxyfleet/internal/config"
	"proxyfleet/internal/database"
	"proxyfleet/internal/domain"
	"proxyfleet/internal/jobs/batch"
	"proxyfleet/internal/support/health"

	"github.com/charmbracelet/log"
)

func (a *api) listProxies(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	verr := &domain.ValidationError{}

	query := dto.ProxyListQuery{
		Status:       q.Get("status"),
		Provider:     q.Get("provider"),
		HealthStatus: q.Get("health_status"),
		CountryCode:  q.Get("country_code"),
		Search:       q.Get("search"),
		SortBy:       q.Get("sort_by"),
		SortOrder:    q.Get("sort_order"),
		Limit:        queryInt(q.Get("limit"), "limit", verr),
		Offset:       queryInt(q.Get("offset"), "offset", verr),
	}
	if query.Status != "" {
		if _, ok := domain.ParseProxyStatus(query.Status); !ok {
			verr.Add("status", "unknown proxy status")
		}
	}
	if query.HealthStatus != "" {
		if _, ok := domain.ParseHealthStatus(query.HealthStatus); !ok {
			verr.Add("health_status", "unknown health status")
		}
	}
	if err := verr.OrNil(); err != nil {
		writeDomainError(w, r, err)
		return
	}

	page, err := database.ListProxies(r.Context(), query)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func (a *api) addProxy(w http.ResponseWriter, r *http.Request) {
	var req dto.AddProxyRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	cfg := req.ProxyConfig
	cfg.Normalize(config.GetConfig().Registry.DefaultMaxConcurrentUsers)

	actor := auth.Actor(r.Context())
	proxy, err := database.CreateProxy(r.Context(), cfg, actor)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}

	log.Info("Proxy added", "proxy_id", proxy.ID, "provider", proxy.Provider, "endpoint", proxy.Endpoint, "actor", actor)
	writeJSON(w, http.StatusCreated, proxy)
}

func (a *api) getProxy(w http.ResponseWriter, r *http.Request) {
	proxy, err := database.GetProxy(r.Context(), r.PathValue("id"))
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, proxy)
}

func (a *api) deleteProxy(w http.ResponseWriter, r *http.Request) {
	force, _ := strconv.ParseBool(r.URL.Query().Get("force"))

	released, err := a.Arbiter.DeleteProxy(r.Context(), r.PathValue("id"), force, auth.Actor(r.Context()))
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	if released == nil {
		released = []domain.Assignment{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"deleted": r.PathValue("id"), "released": released})
}

func (a *api) getProxyStats(w http.ResponseWriter, r *http.Request) {
	stats, err := database.GetProxyStats(r.Context(), time.Now())
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// testProxy runs one probe synchronously and answers with the recorded result.
func (a *api) testProxy(w http.ResponseWriter, r *http.Request) {
	var req dto.TestProxyRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	id := strings.TrimSpace(req.ID())
	if id == "" {
		verr := &domain.ValidationError{}
		verr.Add("proxyId", "is required")
		writeDomainError(w, r, verr)
		return
	}

	outcome, err := a.Prober.Run(r.Context(), id)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, outcome.Result)
}

func (a *api) startBatchTest(w http.ResponseWriter, r *http.Request) {
	var req dto.BatchTestRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	ack, err := a.Batches.Start(r.Context(), batch.Request{
		ProxyIDs:    req.ProxyIDs,
		TestAll:     req.TestAll,
		RequestedBy: auth.Actor(r.Context()),
	})
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, ack)
}

func (a *api) listBatches(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"batches": a.Batches.List()})
}

func (a *api) getBatch(w http.ResponseWriter, r *http.Request) {
	status, err := a.Batches.Status(r.Context(), r.PathValue("id"))
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (a *api) cancelBatch(w http.ResponseWriter, r *http.Request) {
	status, err := a.Batches.Cancel(r.Context(), r.PathValue("id"))
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (a *api) updateProxyStatus(w http.ResponseWriter, r *http.Request) {
	var req dto.StatusUpdateRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	res, err := a.Arbiter.UpdateStatus(r.Context(), arbiter.StatusInput{
		ProxyID: r.PathValue("id"),
		Status:  req.Status,
		Reason:  req.Reason,
		Force:   req.Force,
		Actor:   auth.Actor(r.Context()),
	})
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"proxy": res.Proxy, "from": res.From, "changed": res.Changed})
}

func (a *api) getProxyHistory(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	verr := &domain.ValidationError{}
	limit := queryInt(r.URL.Query().Get("limit"), "limit", verr)
	if err := verr.OrNil(); err != nil {
		writeDomainError(w, r, err)
		return
	}
	if limit <= 0 {
		limit = dto.DefaultHistoryLimit
	}
	if limit > dto.MaxHistoryLimit {
		limit = dto.MaxHistoryLimit
	}

	if _, err := database.GetProxy(r.Context(), id); err != nil {
		writeDomainError(w, r, err)
		return
	}
	history, err := database.TestHistory(r.Context(), id, limit)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	if history == nil {
		history = []domain.TestResult{}
	}

	writeJSON(w, http.StatusOK, dto.ProxyHistory{
		History: history,
		Summary: health.Summarize(history),
		Trend:   health.Trend(history, health.MaxTrendLength),
	})
}

func (a *api) getProxyAssignments(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := database.GetProxy(r.Context(), id); err != nil {
		writeDomainError(w, r, err)
		return
	}
	assignments, err := database.ActiveAssignmentsForProxy(r.Context(), id)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	if assignments == nil {
		assignments = []domain.Assignment{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"assignments": assignments})
}

func (a *api) reassignProxy(w http.ResponseWriter, r *http.Request) {
	var req dto.ReassignRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	res, err := a.Arbiter.Reassign(r.Context(), arbiter.ReassignInput{
		ProxyID:      r.PathValue("id"),
		TargetUserID: req.UserID,
		FromUserID:   req.FromUserID,
		Reason:       req.Reason,
		Actor:        auth.Actor(r.Context()),
	})
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	if res.Released == nil {
		res.Released = []domain.Assignment{}
	}
	writeJSON(w, http.StatusOK, res)
}

func queryInt(raw, field string, verr *domain.ValidationError) int {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		verr.Add(field, "must be a non-negative integer")
		return 0
	}
	return n
}
