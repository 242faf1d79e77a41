package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"proxyfleet/internal/api/dto"
	"proxyfleet/internal/arbiter"
	"proxyfleet/internal/auth"
	"proxyfleet/internal/database"
	"proxyfleet/internal/domain"
	"proxyfleet/internal/jobs/batch"
	"proxyfleet/internal/security"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

type testServer struct {
	handler http.Handler
	admin   string
	worker  string
	prober  *stubRunner
	batches *fakeBatches
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()

	t.Setenv("PROXY_ENCRYPTION_KEY", "server-test-key")
	security.ResetCredentialCipherForTests()
	t.Setenv("JWT_SECRET", "server-test-secret")
	auth.ResetSecretForTests()
	t.Cleanup(auth.ResetSecretForTests)

	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared&_fk=1", name)
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		t.Fatalf("open sqlite database: %v", err)
	}
	if err := db.Exec("PRAGMA busy_timeout = 5000").Error; err != nil {
		t.Fatalf("set busy timeout: %v", err)
	}
	if _, err := database.SetupDB(database.WithExistingDB(db)); err != nil {
		t.Fatalf("setup database: %v", err)
	}
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
		database.DB = nil
	})

	admin, _, err := auth.SignJWT("admin-1", auth.RoleAdmin, time.Hour)
	if err != nil {
		t.Fatalf("sign admin token: %v", err)
	}
	worker, _, err := auth.SignJWT("worker-1", auth.RoleWorker, time.Hour)
	if err != nil {
		t.Fatalf("sign worker token: %v", err)
	}

	ts := &testServer{admin: admin, worker: worker, prober: &stubRunner{}, batches: &fakeBatches{}}
	ts.handler = NewRouter(Dependencies{
		Arbiter: arbiter.New(nil, nil),
		Prober:  ts.prober,
		Batches: ts.batches,
	})
	return ts
}

func (ts *testServer) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return out
}

func expectStatus(t *testing.T, rec *httptest.ResponseRecorder, want int) {
	t.Helper()
	if rec.Code != want {
		t.Fatalf("status = %d, want %d, body %s", rec.Code, want, rec.Body.String())
	}
}

type stubRunner struct {
	outcome *database.RecordOutcome
	err     error
	lastID  string
}

func (s *stubRunner) Run(_ context.Context, proxyID string) (*database.RecordOutcome, error) {
	s.lastID = proxyID
	return s.outcome, s.err
}

type fakeBatches struct {
	started []batch.Request
}

func (f *fakeBatches) Start(_ context.Context, req batch.Request) (dto.BatchAck, error) {
	if !req.TestAll && len(req.ProxyIDs) == 0 {
		verr := &domain.ValidationError{}
		verr.Add("proxy_ids", "provide proxy_ids or test_all")
		return dto.BatchAck{}, verr
	}
	f.started = append(f.started, req)
	return dto.BatchAck{Message: "Batch test started", BatchID: "batch-1", Total: len(req.ProxyIDs)}, nil
}

func (f *fakeBatches) Status(_ context.Context, id string) (dto.BatchStatus, error) {
	if id != "batch-1" {
		return dto.BatchStatus{}, &domain.NotFoundError{Kind: "batch", ID: id}
	}
	return dto.BatchStatus{ID: id, State: dto.BatchRunning}, nil
}

func (f *fakeBatches) Cancel(ctx context.Context, id string) (dto.BatchStatus, error) {
	status, err := f.Status(ctx, id)
	status.State = dto.BatchCancelled
	return status, err
}

func (f *fakeBatches) List() []dto.BatchStatus {
	return []dto.BatchStatus{{ID: "batch-1", State: dto.BatchRunning}}
}
