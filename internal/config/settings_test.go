package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func useTempSettings(t *testing.T) string {
	t.Helper()
	origPath := settingsFilePath
	origCfg := GetConfig()
	settingsFilePath = filepath.Join(t.TempDir(), "data", "settings.json")
	t.Cleanup(func() {
		settingsFilePath = origPath
		configValue.Store(origCfg)
		SetBetweenTime()
	})
	return settingsFilePath
}

func TestDefaultConfigIsValid(t *testing.T) {
	cfg, err := DefaultConfig()
	if err != nil {
		t.Fatalf("DefaultConfig returned error: %v", err)
	}
	if cfg.Batch.Workers != 3 {
		t.Fatalf("batch.workers = %d, want 3", cfg.Batch.Workers)
	}
	if cfg.Registry.DefaultMaxConcurrentUsers != 2 {
		t.Fatalf("default max users = %d, want 2", cfg.Registry.DefaultMaxConcurrentUsers)
	}
	if cfg.ProbeTimeout() != 30*time.Second {
		t.Fatalf("probe timeout = %s, want 30s", cfg.ProbeTimeout())
	}
}

func TestReadSettingsCreatesFile(t *testing.T) {
	path := useTempSettings(t)

	ReadSettings()

	if _, err := os.Stat(path); err != nil {
		t.Fatalf("settings file not created: %v", err)
	}
	if GetConfig().Prober.Mode != ProberModeBrowser {
		t.Fatalf("prober mode = %q, want browser", GetConfig().Prober.Mode)
	}
}

func TestReadSettingsKeepsDefaultsForMissingKeys(t *testing.T) {
	path := useTempSettings(t)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, []byte(`{"batch":{"workers":5}}`), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	ReadSettings()

	cfg := GetConfig()
	if cfg.Batch.Workers != 5 {
		t.Fatalf("batch.workers = %d, want 5", cfg.Batch.Workers)
	}
	if cfg.Prober.TimeoutSeconds != 30 {
		t.Fatalf("prober.timeout_seconds = %d, want default 30", cfg.Prober.TimeoutSeconds)
	}
}

func TestSetConfigPersists(t *testing.T) {
	path := useTempSettings(t)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}

	cfg := GetConfig()
	cfg.Batch.Workers = 7
	if err := SetConfig(cfg); err != nil {
		t.Fatalf("SetConfig returned error: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read persisted settings: %v", err)
	}
	var persisted Config
	if err := json.Unmarshal(data, &persisted); err != nil {
		t.Fatalf("decode persisted settings: %v", err)
	}
	if persisted.Batch.Workers != 7 {
		t.Fatalf("persisted workers = %d, want 7", persisted.Batch.Workers)
	}
}

func TestSetConfigRejectsInvalid(t *testing.T) {
	useTempSettings(t)
	before := GetConfig()

	cases := map[string]func(*Config){
		"zero timeout":   func(c *Config) { c.Prober.TimeoutSeconds = 0 },
		"bad mode":       func(c *Config) { c.Prober.Mode = "curl" },
		"relative url":   func(c *Config) { c.Prober.TargetURL = "/feed" },
		"no workers":     func(c *Config) { c.Batch.Workers = 0 },
		"max users > 10": func(c *Config) { c.Registry.DefaultMaxConcurrentUsers = 11 },
	}

	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := before
			mutate(&cfg)
			if err := SetConfig(cfg); err == nil {
				t.Fatal("expected validation error")
			}
			if GetConfig().Prober.TimeoutSeconds != before.Prober.TimeoutSeconds || GetConfig().Batch.Workers != before.Batch.Workers {
				t.Fatal("invalid config must not be applied")
			}
		})
	}
}

func TestCalculateBetweenTime(t *testing.T) {
	if got := CalculateBetweenTime(Timer{}); got != time.Second {
		t.Fatalf("CalculateBetweenTime returned %s, want 1s", got)
	}
	if got := CalculateBetweenTime(Timer{Minutes: 1, Seconds: 30}); got != 90*time.Second {
		t.Fatalf("CalculateBetweenTime returned %s, want 1m30s", got)
	}
	want := uint64((24*60*60 + 2*60*60 + 3*60 + 4) * 1000)
	if got := CalculateMillisecondsOfPeriod(Timer{Days: 1, Hours: 2, Minutes: 3, Seconds: 4}); got != want {
		t.Fatalf("CalculateMillisecondsOfPeriod returned %d, want %d", got, want)
	}
}

func TestSchedulerIntervalUpdates(t *testing.T) {
	useTempSettings(t)
	origListeners := schedulerListeners
	t.Cleanup(func() { schedulerListeners = origListeners })

	updates := SchedulerIntervalUpdates()
	<-updates

	cfg := GetConfig()
	cfg.Scheduler.Timer = Timer{Minutes: 15}
	if err := Apply(cfg); err != nil {
		t.Fatalf("Apply returned error: %v", err)
	}

	select {
	case got := <-updates:
		if got != 15*time.Minute {
			t.Fatalf("interval update = %s, want 15m", got)
		}
	case <-time.After(time.Second):
		t.Fatal("no interval update received")
	}
}
