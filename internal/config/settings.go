package config

import (
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
)

type ProberMode string

const (
	ProberModeBrowser ProberMode = "browser"
	ProberModeHTTP    ProberMode = "http"
)

type Config struct {
	Prober struct {
		Mode                  ProberMode `json:"mode"`
		TargetURL             string     `json:"target_url"`
		IPCheckURLs           []string   `json:"ip_check_urls"`
		TimeoutSeconds        uint32     `json:"timeout_seconds"`
		IPCheckTimeoutSeconds uint32     `json:"ip_check_timeout_seconds"`
		UserAgent             string     `json:"user_agent"`
		ExpectedMarkers       []string   `json:"expected_markers"`
		ScreenshotDir         string     `json:"screenshot_dir"`
	} `json:"prober"`

	Batch struct {
		Workers        uint32 `json:"workers"`
		MaxExplicitIDs uint32 `json:"max_explicit_ids"`
	} `json:"batch"`

	Registry struct {
		DefaultMaxConcurrentUsers int  `json:"default_max_concurrent_users"`
		AutoPromoteAfterTest      bool `json:"auto_promote_after_test"`
	} `json:"registry"`

	Rotation struct {
		AutoRotateOnInactive bool `json:"auto_rotate_on_inactive"`
	} `json:"rotation"`

	Scheduler struct {
		Enabled bool  `json:"enabled"`
		Timer   Timer `json:"timer"`
	} `json:"scheduler"`
}

const (
	maxProbeTimeoutSeconds = 300
	maxBatchWorkers        = 64
)

var (
	//go:embed default_settings.json
	defaultConfig []byte

	settingsFilePath = filepath.Join("data", "settings.json")

	configValue atomic.Value
	configMu    sync.Mutex

	InProductionMode bool
)

func init() {
	cfg, err := DefaultConfig()
	if err != nil {
		panic(fmt.Sprintf("config: embedded defaults are invalid: %v", err))
	}
	configValue.Store(cfg)
	SetBetweenTime()
}

// DefaultConfig decodes the embedded defaults.
func DefaultConfig() (Config, error) {
	var cfg Config
	if err := json.Unmarshal(defaultConfig, &cfg); err != nil {
		return Config{}, err
	}
	return cfg, cfg.Validate()
}

func (cfg Config) ProbeTimeout() time.Duration {
	return time.Duration(cfg.Prober.TimeoutSeconds) * time.Second
}

func (cfg Config) IPCheckTimeout() time.Duration {
	if cfg.Prober.IPCheckTimeoutSeconds == 0 {
		return cfg.ProbeTimeout() / 3
	}
	return time.Duration(cfg.Prober.IPCheckTimeoutSeconds) * time.Second
}

// Validate rejects settings that would leave probes unbounded or the pool empty.
func (cfg Config) Validate() error {
	var errs []error

	switch cfg.Prober.Mode {
	case ProberModeBrowser, ProberModeHTTP:
	default:
		errs = append(errs, fmt.Errorf("prober.mode must be %q or %q", ProberModeBrowser, ProberModeHTTP))
	}
	if u, err := url.Parse(cfg.Prober.TargetURL); err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		errs = append(errs, errors.New("prober.target_url must be an absolute http(s) url"))
	}
	if cfg.Prober.TimeoutSeconds == 0 || cfg.Prober.TimeoutSeconds > maxProbeTimeoutSeconds {
		errs = append(errs, fmt.Errorf("prober.timeout_seconds must be between 1 and %d", maxProbeTimeoutSeconds))
	}
	if cfg.Prober.IPCheckTimeoutSeconds > cfg.Prober.TimeoutSeconds {
		errs = append(errs, errors.New("prober.ip_check_timeout_seconds cannot exceed prober.timeout_seconds"))
	}
	for _, raw := range cfg.Prober.IPCheckURLs {
		if u, err := url.Parse(raw); err != nil || u.Host == "" {
			errs = append(errs, fmt.Errorf("prober.ip_check_urls contains invalid url %q", raw))
		}
	}
	if strings.TrimSpace(cfg.Prober.UserAgent) == "" {
		errs = append(errs, errors.New("prober.user_agent is required"))
	}
	if cfg.Batch.Workers == 0 || cfg.Batch.Workers > maxBatchWorkers {
		errs = append(errs, fmt.Errorf("batch.workers must be between 1 and %d", maxBatchWorkers))
	}
	if cfg.Registry.DefaultMaxConcurrentUsers < 1 || cfg.Registry.DefaultMaxConcurrentUsers > 10 {
		errs = append(errs, errors.New("registry.default_max_concurrent_users must be between 1 and 10"))
	}

	return errors.Join(errs...)
}

func ReadSettings() {
	data, err := os.ReadFile(settingsFilePath)
	if err != nil {
		if !os.IsNotExist(err) {
			log.Error("Error reading settings file", "path", settingsFilePath, "error", err)
			return
		}

		log.Warn("Settings file not found, creating with default configuration", "path", settingsFilePath)
		if err := os.MkdirAll(filepath.Dir(settingsFilePath), 0o755); err != nil {
			log.Error("Error creating settings directory", "error", err)
			return
		}
		if err := os.WriteFile(settingsFilePath, defaultConfig, 0o644); err != nil {
			log.Error("Error writing default settings file", "error", err)
			return
		}
		data = defaultConfig
	}

	// Start from defaults so keys missing in an older file keep sane values.
	newConfig, _ := DefaultConfig()
	if err := json.Unmarshal(data, &newConfig); err != nil {
		log.Error("Error unmarshalling settings file", "error", err)
		return
	}

	if err := applyConfigUpdate(newConfig, configUpdateOptions{source: "file"}); err != nil {
		log.Error("Error applying configuration from settings file", "error", err)
		return
	}

	log.Debug("Settings file loaded successfully")
}

// SetConfig validates, persists and broadcasts a settings change.
func SetConfig(newConfig Config) error {
	return applyConfigUpdate(newConfig, configUpdateOptions{persistToFile: true, broadcast: true, source: "local"})
}

// Apply swaps the in-memory settings without touching the file or redis.
func Apply(newConfig Config) error {
	return applyConfigUpdate(newConfig, configUpdateOptions{source: "memory"})
}

type configUpdateOptions struct {
	persistToFile bool
	broadcast     bool
	source        string
}

func applyConfigUpdate(newConfig Config, opts configUpdateOptions) error {
	if err := newConfig.Validate(); err != nil {
		return err
	}

	configMu.Lock()
	defer configMu.Unlock()

	configValue.Store(newConfig)
	SetBetweenTime()

	var errs []error

	if opts.persistToFile {
		data, err := json.MarshalIndent(newConfig, "", "  ")
		if err != nil {
			errs = append(errs, fmt.Errorf("marshal settings: %w", err))
		} else if err := os.WriteFile(settingsFilePath, data, 0o644); err != nil {
			errs = append(errs, fmt.Errorf("write settings: %w", err))
		}
	}

	if opts.broadcast {
		if err := broadcastConfigUpdate(newConfig); err != nil {
			errs = append(errs, fmt.Errorf("broadcast settings: %w", err))
		}
	}

	log.Debug("Configuration applied", "source", opts.source)
	return errors.Join(errs...)
}

func GetConfig() Config {
	return configValue.Load().(Config)
}

func SetProductionMode(productionMode bool) {
	InProductionMode = productionMode
}
