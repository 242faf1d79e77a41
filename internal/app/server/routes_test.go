package server

import (
	"context"
	"net/http"
	"testing"
	"time"

	"proxyfleet/internal/api/dto"
	"proxyfleet/internal/database"
	"proxyfleet/internal/domain"
)

func createProxy(t *testing.T, ts *testServer, endpoint string, maxUsers int) domain.Proxy {
	t.Helper()
	rec := ts.do(t, http.MethodPost, "/proxies", ts.admin, map[string]any{
		"provider":             "brightdata",
		"endpoint":             endpoint,
		"username":             "user",
		"password":             "secret",
		"country_code":         "de",
		"max_concurrent_users": maxUsers,
	})
	expectStatus(t, rec, http.StatusCreated)
	return decodeBody[domain.Proxy](t, rec)
}

func activate(t *testing.T, ts *testServer, id string) {
	t.Helper()
	rec := ts.do(t, http.MethodPost, "/proxies/"+id+"/status", ts.admin, map[string]any{"status": "active"})
	expectStatus(t, rec, http.StatusOK)
}

func putUser(t *testing.T, ts *testServer, id string) {
	t.Helper()
	rec := ts.do(t, http.MethodPut, "/users/"+id, ts.admin, map[string]any{"email": id + "@example.com"})
	expectStatus(t, rec, http.StatusOK)
}

func TestHealthIsPublic(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.do(t, http.MethodGet, "/health", "", nil)
	expectStatus(t, rec, http.StatusOK)
}

func TestAdminRoutesRequireAdminToken(t *testing.T) {
	ts := newTestServer(t)

	expectStatus(t, ts.do(t, http.MethodGet, "/proxies", "", nil), http.StatusUnauthorized)
	expectStatus(t, ts.do(t, http.MethodGet, "/proxies", ts.worker, nil), http.StatusForbidden)
	expectStatus(t, ts.do(t, http.MethodGet, "/proxies", ts.admin, nil), http.StatusOK)
}

func TestCORSPreflight(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.do(t, http.MethodOptions, "/proxies", "", nil)
	expectStatus(t, rec, http.StatusNoContent)
	if rec.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Fatal("missing CORS header")
	}
}

func TestAddAndListProxies(t *testing.T) {
	ts := newTestServer(t)

	created := createProxy(t, ts, "gate.example:22225", 0)
	if created.Status != domain.ProxyStatusTesting || created.MaxConcurrentUsers != 2 || created.CountryCode != "DE" {
		t.Fatalf("unexpected defaults: %+v", created)
	}

	rec := ts.do(t, http.MethodGet, "/proxies?provider=brightdata&limit=10", ts.admin, nil)
	expectStatus(t, rec, http.StatusOK)
	page := decodeBody[dto.ProxyPage](t, rec)
	if page.Total != 1 || len(page.Proxies) != 1 || page.Proxies[0].ID != created.ID {
		t.Fatalf("unexpected page: %+v", page)
	}

	expectStatus(t, ts.do(t, http.MethodGet, "/proxies?limit=ten", ts.admin, nil), http.StatusBadRequest)
	expectStatus(t, ts.do(t, http.MethodGet, "/proxies?status=retired", ts.admin, nil), http.StatusBadRequest)
	expectStatus(t, ts.do(t, http.MethodGet, "/proxies/"+created.ID, ts.admin, nil), http.StatusOK)
	expectStatus(t, ts.do(t, http.MethodGet, "/proxies/missing", ts.admin, nil), http.StatusNotFound)
}

func TestAddProxyValidation(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodPost, "/proxies", ts.admin, map[string]any{
		"provider": "brightdata",
		"endpoint": "no-port",
		"status":   "active",
	})
	expectStatus(t, rec, http.StatusBadRequest)

	body := decodeBody[struct {
		Fields []domain.FieldError `json:"fields"`
	}](t, rec)
	if len(body.Fields) == 0 {
		t.Fatalf("expected field errors, got %s", rec.Body.String())
	}
}

func TestAssignmentCapacityOverHTTP(t *testing.T) {
	ts := newTestServer(t)
	proxy := createProxy(t, ts, "gate.example:22225", 2)
	activate(t, ts, proxy.ID)
	for _, id := range []string{"a", "b", "c"} {
		putUser(t, ts, id)
	}

	for _, user := range []string{"a", "b"} {
		rec := ts.do(t, http.MethodPost, "/assignments", ts.admin, map[string]any{"proxy_id": proxy.ID, "user_id": user})
		expectStatus(t, rec, http.StatusCreated)
	}
	rec := ts.do(t, http.MethodPost, "/assignments", ts.admin, map[string]any{"proxy_id": proxy.ID, "user_id": "c"})
	expectStatus(t, rec, http.StatusConflict)

	rec = ts.do(t, http.MethodGet, "/proxies/"+proxy.ID+"/assignments", ts.admin, nil)
	expectStatus(t, rec, http.StatusOK)
	listed := decodeBody[struct {
		Assignments []domain.Assignment `json:"assignments"`
	}](t, rec)
	if len(listed.Assignments) != 2 {
		t.Fatalf("active assignments = %d, want 2", len(listed.Assignments))
	}

	expectStatus(t, ts.do(t, http.MethodDelete, "/proxies/"+proxy.ID, ts.admin, nil), http.StatusConflict)
	expectStatus(t, ts.do(t, http.MethodDelete, "/proxies/"+proxy.ID+"?force=true", ts.admin, nil), http.StatusOK)
}

func TestBannedProxyRejectsAssignment(t *testing.T) {
	ts := newTestServer(t)
	proxy := createProxy(t, ts, "gate.example:22225", 2)
	activate(t, ts, proxy.ID)
	putUser(t, ts, "a")

	rec := ts.do(t, http.MethodPost, "/proxies/"+proxy.ID+"/status", ts.admin, map[string]any{"status": "banned"})
	expectStatus(t, rec, http.StatusOK)

	rec = ts.do(t, http.MethodPost, "/assignments", ts.admin, map[string]any{"proxy_id": proxy.ID, "user_id": "a"})
	expectStatus(t, rec, http.StatusConflict)

	rec = ts.do(t, http.MethodPost, "/proxies/"+proxy.ID+"/status", ts.admin, map[string]any{"status": "active"})
	expectStatus(t, rec, http.StatusConflict)
}

func TestReassignAndReleaseOverHTTP(t *testing.T) {
	ts := newTestServer(t)
	proxy := createProxy(t, ts, "gate.example:22225", 1)
	activate(t, ts, proxy.ID)
	putUser(t, ts, "a")
	putUser(t, ts, "b")

	expectStatus(t, ts.do(t, http.MethodPost, "/assignments", ts.admin, map[string]any{"proxy_id": proxy.ID, "user_id": "a"}), http.StatusCreated)

	rec := ts.do(t, http.MethodPost, "/proxies/"+proxy.ID+"/reassign", ts.admin, map[string]any{
		"user_id":      "b",
		"from_user_id": "a",
		"reason":       "load_balancing",
	})
	expectStatus(t, rec, http.StatusOK)
	res := decodeBody[dto.ReassignResult](t, rec)
	if res.Assignment.UserID != "b" || len(res.Released) != 1 {
		t.Fatalf("unexpected reassign result: %+v", res)
	}

	for i := 0; i < 2; i++ {
		rec = ts.do(t, http.MethodPost, "/assignments/release", ts.admin, map[string]any{"proxy_id": proxy.ID, "user_id": "b"})
		expectStatus(t, rec, http.StatusOK)
	}
	released := decodeBody[struct {
		Released bool `json:"released"`
	}](t, rec)
	if released.Released {
		t.Fatal("second release should report nothing released")
	}
}

func TestUserProxyLookups(t *testing.T) {
	ts := newTestServer(t)
	proxy := createProxy(t, ts, "gate.example:22225", 2)
	activate(t, ts, proxy.ID)
	putUser(t, ts, "worker-1")
	expectStatus(t, ts.do(t, http.MethodPost, "/assignments", ts.admin, map[string]any{"proxy_id": proxy.ID, "user_id": "worker-1"}), http.StatusCreated)

	rec := ts.do(t, http.MethodGet, "/me/proxy", ts.worker, nil)
	expectStatus(t, rec, http.StatusOK)
	own := decodeBody[dto.UserProxy](t, rec)
	if own.Credentials.Password != "secret" || own.Proxy.ID != proxy.ID {
		t.Fatalf("unexpected own proxy: %+v", own)
	}

	expectStatus(t, ts.do(t, http.MethodGet, "/users/worker-1/proxy", ts.admin, nil), http.StatusOK)
	expectStatus(t, ts.do(t, http.MethodGet, "/users/worker-1/proxy", ts.worker, nil), http.StatusForbidden)
	expectStatus(t, ts.do(t, http.MethodGet, "/users/nobody/proxy", ts.admin, nil), http.StatusNotFound)
}

func TestWorkerJobOutcomeAndReadiness(t *testing.T) {
	ts := newTestServer(t)
	proxy := createProxy(t, ts, "gate.example:22225", 2)
	activate(t, ts, proxy.ID)
	putUser(t, ts, "worker-1")
	expectStatus(t, ts.do(t, http.MethodPost, "/assignments", ts.admin, map[string]any{"proxy_id": proxy.ID, "user_id": "worker-1"}), http.StatusCreated)

	expectStatus(t, ts.do(t, http.MethodPost, "/me/proxy/outcome", "", map[string]any{"was_successful": true}), http.StatusUnauthorized)
	expectStatus(t, ts.do(t, http.MethodPost, "/me/proxy/outcome", ts.worker, map[string]any{}), http.StatusBadRequest)

	rec := ts.do(t, http.MethodPost, "/me/proxy/outcome", ts.worker, map[string]any{"was_successful": true, "response_time_ms": 1200})
	expectStatus(t, rec, http.StatusOK)
	reported := decodeBody[dto.JobOutcomeResponse](t, rec)
	if reported.Result.ProxyID != proxy.ID || reported.Result.TestType != domain.JobOutcomeTestType || reported.HealthStatus != domain.HealthHealthy {
		t.Fatalf("unexpected outcome response: %+v", reported)
	}

	rec = ts.do(t, http.MethodGet, "/me/proxy/health", ts.worker, nil)
	expectStatus(t, rec, http.StatusOK)
	ready := decodeBody[dto.ProxyReadiness](t, rec)
	if !ready.Healthy || ready.ProxyID != proxy.ID {
		t.Fatalf("proxy should be ready after a successful job: %+v", ready)
	}

	for i := 0; i < 2; i++ {
		rec = ts.do(t, http.MethodPost, "/me/proxy/outcome", ts.worker, map[string]any{"was_successful": false, "failure_type": "blocked"})
		expectStatus(t, rec, http.StatusOK)
	}
	history := decodeBody[dto.JobOutcomeResponse](t, rec)
	if history.SuccessRate != 33.3 {
		t.Fatalf("success rate = %v, want 33.3", history.SuccessRate)
	}

	rec = ts.do(t, http.MethodGet, "/me/proxy/health", ts.worker, nil)
	expectStatus(t, rec, http.StatusOK)
	if ready := decodeBody[dto.ProxyReadiness](t, rec); ready.Healthy || !ready.AlternativeNeeded {
		t.Fatalf("proxy with two straight job failures should not be ready: %+v", ready)
	}
}

func TestTestProxyEndpoint(t *testing.T) {
	ts := newTestServer(t)

	expectStatus(t, ts.do(t, http.MethodPost, "/proxies/test", ts.admin, map[string]any{}), http.StatusBadRequest)

	ts.prober.err = &domain.NotFoundError{Kind: "proxy", ID: "ghost"}
	expectStatus(t, ts.do(t, http.MethodPost, "/proxies/test", ts.admin, map[string]any{"proxyId": "ghost"}), http.StatusNotFound)

	ts.prober.err = nil
	result := domain.TestResult{ProxyID: "p-1", TestedAt: time.Now()}
	result.Fail(domain.ErrorTimeout, "probe timed out after 30s")
	ts.prober.outcome = &database.RecordOutcome{Result: result}

	rec := ts.do(t, http.MethodPost, "/proxies/test", ts.admin, map[string]any{"proxyId": "p-1"})
	expectStatus(t, rec, http.StatusOK)
	got := decodeBody[domain.TestResult](t, rec)
	if got.Success || got.ErrorType == nil || *got.ErrorType != domain.ErrorTimeout {
		t.Fatalf("unexpected result: %+v", got)
	}
	if ts.prober.lastID != "p-1" {
		t.Fatalf("probed %q", ts.prober.lastID)
	}
}

func TestBatchEndpoints(t *testing.T) {
	ts := newTestServer(t)

	expectStatus(t, ts.do(t, http.MethodPost, "/proxies/batch-test", ts.admin, map[string]any{}), http.StatusBadRequest)

	rec := ts.do(t, http.MethodPost, "/proxies/batch-test", ts.admin, map[string]any{"test_all": true})
	expectStatus(t, rec, http.StatusAccepted)
	ack := decodeBody[dto.BatchAck](t, rec)
	if ack.BatchID != "batch-1" || ack.Message == "" {
		t.Fatalf("unexpected ack: %+v", ack)
	}
	if len(ts.batches.started) != 1 || ts.batches.started[0].RequestedBy != "admin-1" {
		t.Fatalf("unexpected start calls: %+v", ts.batches.started)
	}

	expectStatus(t, ts.do(t, http.MethodGet, "/batches", ts.admin, nil), http.StatusOK)
	expectStatus(t, ts.do(t, http.MethodGet, "/batches/batch-1", ts.admin, nil), http.StatusOK)
	expectStatus(t, ts.do(t, http.MethodGet, "/batches/other", ts.admin, nil), http.StatusNotFound)

	rec = ts.do(t, http.MethodDelete, "/batches/batch-1", ts.admin, nil)
	expectStatus(t, rec, http.StatusOK)
	if status := decodeBody[dto.BatchStatus](t, rec); status.State != dto.BatchCancelled {
		t.Fatalf("state = %s", status.State)
	}
}

func TestHistoryEndpoint(t *testing.T) {
	ts := newTestServer(t)
	proxy := createProxy(t, ts, "gate.example:22225", 2)

	base := time.Now().Add(-time.Hour)
	for i, ok := range []bool{true, false, true} {
		result := domain.TestResult{ProxyID: proxy.ID, TestedAt: base.Add(time.Duration(i) * time.Minute), ResponseTimeMs: 100}
		if ok {
			result.Succeed()
		} else {
			result.Fail(domain.ErrorBlocked, "status 999")
		}
		if _, err := database.RecordTestResult(context.Background(), result, database.RecordOptions{}); err != nil {
			t.Fatalf("RecordTestResult: %v", err)
		}
	}

	rec := ts.do(t, http.MethodGet, "/proxies/"+proxy.ID+"/history?limit=2", ts.admin, nil)
	expectStatus(t, rec, http.StatusOK)
	history := decodeBody[dto.ProxyHistory](t, rec)
	if len(history.History) != 2 || !history.History[0].Success {
		t.Fatalf("unexpected history: %+v", history.History)
	}
	if history.Summary.TotalTests != 2 || history.Summary.SuccessRate != 50 {
		t.Fatalf("unexpected summary: %+v", history.Summary)
	}

	expectStatus(t, ts.do(t, http.MethodGet, "/proxies/missing/history", ts.admin, nil), http.StatusNotFound)
}

func TestHistoryDefaultsToHealthWindow(t *testing.T) {
	ts := newTestServer(t)
	proxy := createProxy(t, ts, "gate.example:22225", 2)

	base := time.Now().Add(-time.Hour)
	for i := 0; i < 30; i++ {
		result := domain.TestResult{ProxyID: proxy.ID, TestedAt: base.Add(time.Duration(i) * time.Minute), ResponseTimeMs: 100}
		if i < 10 {
			result.Fail(domain.ErrorTimeout, "timed out")
		} else {
			result.Succeed()
		}
		if _, err := database.RecordTestResult(context.Background(), result, database.RecordOptions{}); err != nil {
			t.Fatalf("RecordTestResult: %v", err)
		}
	}

	rec := ts.do(t, http.MethodGet, "/proxies/"+proxy.ID+"/history", ts.admin, nil)
	expectStatus(t, rec, http.StatusOK)
	history := decodeBody[dto.ProxyHistory](t, rec)
	if history.Summary.TotalTests != 30 || len(history.History) != 30 {
		t.Fatalf("got %d tests (%d rows), want 30", history.Summary.TotalTests, len(history.History))
	}

	cached, err := database.GetProxy(context.Background(), proxy.ID)
	if err != nil {
		t.Fatalf("GetProxy: %v", err)
	}
	if history.Summary.SuccessRate != cached.SuccessRatePercent || cached.HealthStatus != domain.HealthWarning {
		t.Fatalf("summary rate %.1f disagrees with cached %s/%.1f", history.Summary.SuccessRate, cached.HealthStatus, cached.SuccessRatePercent)
	}
}

func TestStatsAndAudit(t *testing.T) {
	ts := newTestServer(t)
	proxy := createProxy(t, ts, "gate.example:22225", 2)
	activate(t, ts, proxy.ID)

	rec := ts.do(t, http.MethodGet, "/proxies/stats", ts.admin, nil)
	expectStatus(t, rec, http.StatusOK)
	stats := decodeBody[dto.ProxyStats](t, rec)
	if stats.TotalProxies != 1 || stats.ActiveProxies != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}

	rec = ts.do(t, http.MethodGet, "/audit?proxy_id="+proxy.ID, ts.admin, nil)
	expectStatus(t, rec, http.StatusOK)
	audit := decodeBody[struct {
		Entries []domain.AuditEntry `json:"entries"`
	}](t, rec)
	if len(audit.Entries) != 2 || audit.Entries[0].Action != domain.AuditStatusChanged || audit.Entries[0].Actor != "admin-1" {
		t.Fatalf("unexpected audit entries: %+v", audit.Entries)
	}
}

func TestSaveSettingsRejectsInvalidConfig(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodPost, "/settings", ts.admin, map[string]any{
		"registry": map[string]any{"default_max_concurrent_users": 99},
	})
	expectStatus(t, rec, http.StatusBadRequest)
	expectStatus(t, ts.do(t, http.MethodGet, "/settings", ts.admin, nil), http.StatusOK)
}
