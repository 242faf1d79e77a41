package database

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"proxyfleet/internal/domain"
	"proxyfleet/internal/security"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func setupTestDB(t *testing.T) *gorm.DB {
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	return setupTestDBWithDSN(t, fmt.Sprintf("file:%s?mode=memory&cache=shared&_fk=1", name))
}

func setupTestDBWithDSN(t *testing.T, dsn string) *gorm.DB {
	t.Helper()

	t.Setenv("PROXY_ENCRYPTION_KEY", "database-test-key")
	security.ResetCredentialCipherForTests()

	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: silentLogger()})
	if err != nil {
		t.Fatalf("open test database: %v", err)
	}
	if err := db.Exec("PRAGMA busy_timeout = 5000").Error; err != nil {
		t.Fatalf("set busy timeout: %v", err)
	}

	if _, err := SetupDB(WithExistingDB(db)); err != nil {
		t.Fatalf("setup database: %v", err)
	}

	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
		DB = nil
	})
	return db
}

func testConfig(provider, endpoint string, maxUsers int) domain.ProxyConfig {
	cfg := domain.ProxyConfig{
		Provider:           provider,
		Endpoint:           endpoint,
		Username:           "user-" + provider,
		Password:           "secret-" + provider,
		CountryCode:        "us",
		City:               "Austin",
		MaxConcurrentUsers: maxUsers,
	}
	cfg.Normalize(2)
	return cfg
}

func createProxy(t *testing.T, provider, endpoint string, maxUsers int) *domain.Proxy {
	t.Helper()
	proxy, err := CreateProxy(context.Background(), testConfig(provider, endpoint, maxUsers), "admin")
	if err != nil {
		t.Fatalf("CreateProxy: %v", err)
	}
	return proxy
}

func createActiveProxy(t *testing.T, provider, endpoint string, maxUsers int) *domain.Proxy {
	t.Helper()
	proxy := createProxy(t, provider, endpoint, maxUsers)
	res, err := UpdateProxyStatus(context.Background(), StatusChange{ProxyID: proxy.ID, To: domain.ProxyStatusActive, Actor: "admin"})
	if err != nil {
		t.Fatalf("activate proxy: %v", err)
	}
	return &res.Proxy
}

func createUsers(t *testing.T, ids ...string) {
	t.Helper()
	for _, id := range ids {
		if _, err := UpsertUser(context.Background(), domain.User{ID: id, Email: id + "@example.com"}); err != nil {
			t.Fatalf("UpsertUser(%s): %v", id, err)
		}
	}
}

func reloadProxy(t *testing.T, id string) *domain.Proxy {
	t.Helper()
	proxy, err := GetProxy(context.Background(), id)
	if err != nil {
		t.Fatalf("GetProxy(%s): %v", id, err)
	}
	return proxy
}

func countActiveAssignments(t *testing.T, proxyID string) int {
	t.Helper()
	active, err := ActiveAssignmentsForProxy(context.Background(), proxyID)
	if err != nil {
		t.Fatalf("ActiveAssignmentsForProxy: %v", err)
	}
	return len(active)
}

func isSQLiteLocked(err error) bool {
	if err == nil {
		return false
	}
	message := err.Error()
	return strings.Contains(message, "database is locked") || strings.Contains(message, "database table is locked")
}

func result(proxyID string, at time.Time, success bool) domain.TestResult {
	r := domain.TestResult{ProxyID: proxyID, TestedAt: at, ResponseTimeMs: 250}
	if success {
		r.Succeed()
	} else {
		r.Fail(domain.ErrorTimeout, "probe timed out after 30s")
	}
	return r
}
