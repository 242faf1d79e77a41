package app

import (
	"context"
	"testing"

	"proxyfleet/internal/notify"
)

func TestReadPort(t *testing.T) {
	t.Setenv("PROXYFLEET_PORT_VALID", "12345")
	if got := readPort("PROXYFLEET_PORT_VALID"); got != 12345 {
		t.Fatalf("readPort returned %d, want 12345", got)
	}

	t.Setenv("PROXYFLEET_PORT_INVALID", "not-a-number")
	if got := readPort("PROXYFLEET_PORT_INVALID"); got != 0 {
		t.Fatalf("readPort with invalid value returned %d, want 0", got)
	}

	t.Setenv("PROXYFLEET_PORT_RANGE", "70000")
	if got := readPort("PROXYFLEET_PORT_RANGE"); got != 0 {
		t.Fatalf("readPort with out of range value returned %d, want 0", got)
	}
}

func TestResolvePort(t *testing.T) {
	t.Run("env overrides fallback", func(t *testing.T) {
		t.Setenv("PRIMARY_PORT", "5050")
		if got := resolvePort("PRIMARY_PORT", 8080); got != 5050 {
			t.Fatalf("resolvePort returned %d, want 5050", got)
		}
	})

	t.Run("fallback used when env unset", func(t *testing.T) {
		if got := resolvePort("UNSET_PRIMARY", 9090); got != 9090 {
			t.Fatalf("resolvePort returned %d, want 9090", got)
		}
	})
}

func TestNewServicesWiring(t *testing.T) {
	t.Setenv("SLACK_WEBHOOK_URL", "")
	svc := newServices(context.Background())
	if svc.runner.OnOutcome == nil || svc.runner.Events == nil {
		t.Fatal("runner must report outcomes to the arbiter and the hub")
	}
	if len(svc.notifier) != 1 {
		t.Fatalf("notifier sinks = %d, want log sink only", len(svc.notifier))
	}
	if _, ok := svc.notifier[0].(notify.LogSink); !ok {
		t.Fatalf("first sink is %T", svc.notifier[0])
	}

	t.Setenv("SLACK_WEBHOOK_URL", "https://hooks.slack.example/T000")
	svc = newServices(context.Background())
	if len(svc.notifier) != 2 {
		t.Fatalf("notifier sinks = %d, want log and slack", len(svc.notifier))
	}
}
