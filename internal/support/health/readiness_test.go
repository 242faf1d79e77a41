package health

import (
	"strings"
	"testing"
	"time"

	"proxyfleet/internal/domain"
)

func TestCheckReadiness(t *testing.T) {
	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	tested := base
	active := domain.Proxy{Status: domain.ProxyStatusActive, HealthStatus: domain.HealthHealthy, LastTestedAt: &tested}

	cases := []struct {
		name    string
		proxy   domain.Proxy
		recent  []domain.TestResult
		healthy bool
		reason  string
	}{
		{"clean history", active, results(base, true, true, false, true), true, ""},
		{"untested", domain.Proxy{Status: domain.ProxyStatusActive, HealthStatus: domain.HealthInactive}, nil, true, ""},
		{"maintenance", domain.Proxy{Status: domain.ProxyStatusMaintenance, HealthStatus: domain.HealthHealthy}, nil, false, "status is maintenance"},
		{"tested inactive", domain.Proxy{Status: domain.ProxyStatusActive, HealthStatus: domain.HealthInactive, LastTestedAt: &tested}, nil, false, "health is inactive"},
		{"two failures in a row", active, results(base, false, false, true), false, "consecutive"},
		{"scattered failures", active, results(base, true, false, true, false, true, false), false, "recent failures: 3"},
		{"old failures outside window", active, results(base, true, true, true, true, true, true, true, true, true, true, false, false, false), true, ""},
	}

	for _, tc := range cases {
		got := CheckReadiness(tc.proxy, tc.recent)
		if got.Healthy != tc.healthy || got.AlternativeNeeded == tc.healthy {
			t.Fatalf("%s: got %+v, want healthy=%v", tc.name, got, tc.healthy)
		}
		if !strings.Contains(got.Reason, tc.reason) {
			t.Fatalf("%s: reason %q does not mention %q", tc.name, got.Reason, tc.reason)
		}
	}
}

func TestConsecutiveFailures(t *testing.T) {
	base := time.Now()
	if got := ConsecutiveFailures(results(base, false, false, true, false)); got != 2 {
		t.Fatalf("ConsecutiveFailures = %d, want 2", got)
	}
	if got := ConsecutiveFailures(nil); got != 0 {
		t.Fatalf("ConsecutiveFailures(nil) = %d, want 0", got)
	}
}
