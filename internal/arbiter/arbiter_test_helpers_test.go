package arbiter

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"proxyfleet/internal/config"
	"proxyfleet/internal/database"
	"proxyfleet/internal/domain"
	"proxyfleet/internal/notify"
	"proxyfleet/internal/security"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func setupArbiterTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	t.Setenv("PROXY_ENCRYPTION_KEY", "arbiter-test-key")
	security.ResetCredentialCipherForTests()

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
	return db
}

func useAutoRotate(t *testing.T, enabled bool) {
	t.Helper()
	previous := config.GetConfig()
	cfg := previous
	cfg.Rotation.AutoRotateOnInactive = enabled
	if err := config.Apply(cfg); err != nil {
		t.Fatalf("apply config: %v", err)
	}
	t.Cleanup(func() { _ = config.Apply(previous) })
}

// addActiveProxy stores a proxy and moves it out of testing.
func addActiveProxy(t *testing.T, endpoint, country string, maxUsers int, health domain.HealthStatus) *domain.Proxy {
	t.Helper()
	ctx := context.Background()

	cfg := domain.ProxyConfig{
		Provider:           "brightdata",
		Endpoint:           endpoint,
		Username:           "user",
		Password:           "secret",
		CountryCode:        country,
		MaxConcurrentUsers: maxUsers,
	}
	cfg.Normalize(maxUsers)
	proxy, err := database.CreateProxy(ctx, cfg, "admin")
	if err != nil {
		t.Fatalf("CreateProxy(%s): %v", endpoint, err)
	}
	if _, err := database.UpdateProxyStatus(ctx, database.StatusChange{
		ProxyID: proxy.ID,
		To:      domain.ProxyStatusActive,
		Actor:   "admin",
	}); err != nil {
		t.Fatalf("activate %s: %v", endpoint, err)
	}
	if err := database.DB.Model(&domain.Proxy{}).Where("id = ?", proxy.ID).
		UpdateColumn("health_status", health).Error; err != nil {
		t.Fatalf("set health: %v", err)
	}
	stored, err := database.GetProxy(ctx, proxy.ID)
	if err != nil {
		t.Fatalf("GetProxy: %v", err)
	}
	return stored
}

func addUsers(t *testing.T, ids ...string) {
	t.Helper()
	for _, id := range ids {
		if _, err := database.UpsertUser(context.Background(), domain.User{ID: id, Email: id + "@example.com"}); err != nil {
			t.Fatalf("UpsertUser(%s): %v", id, err)
		}
	}
}

type recordingSink struct {
	mu       sync.Mutex
	messages []notify.Message
}

func (r *recordingSink) Notify(_ context.Context, msg notify.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages = append(r.messages, msg)
	return nil
}

// waitFor polls until n messages of kind arrived; delivery is asynchronous.
func (r *recordingSink) waitFor(t *testing.T, kind notify.Kind, n int) []notify.Message {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		r.mu.Lock()
		var matched []notify.Message
		for _, msg := range r.messages {
			if msg.Kind == kind {
				matched = append(matched, msg)
			}
		}
		r.mu.Unlock()
		if len(matched) >= n {
			return matched
		}
		if time.Now().After(deadline) {
			t.Fatalf("expected %d %s notifications, got %d", n, kind, len(matched))
		}
		time.Sleep(10 * time.Millisecond)
	}
}

type capturedEvent struct {
	Type string
	Data any
}

type capturePublisher struct {
	mu     sync.Mutex
	events []capturedEvent
}

func (c *capturePublisher) Publish(eventType string, data any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, capturedEvent{Type: eventType, Data: data})
}

func (c *capturePublisher) count(eventType string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, e := range c.events {
		if e.Type == eventType {
			n++
		}
	}
	return n
}
