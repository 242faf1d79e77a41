// Package prober runs one synthetic LinkedIn navigation through a proxy and
// turns the outcome into a TestResult. Network failures are data here: a
// Prober never returns an error for them.
package prober

import (
	"context"
	"time"

	"proxyfleet/internal/config"
	"proxyfleet/internal/domain"
	"proxyfleet/internal/geolite"
)

type Prober interface {
	Probe(ctx context.Context, proxy domain.Proxy) domain.TestResult
}

// Observation is what a prober saw before classification.
type Observation struct {
	StatusCode     int
	FinalURL       string
	HTML           string
	Duration       time.Duration
	Err            error
	IPAddress      string
	UserAgent      string
	ScreenshotPath string
}

// Settings is the per-probe snapshot of the prober section of the config.
type Settings struct {
	TargetURL       string
	IPCheckURLs     []string
	Timeout         time.Duration
	IPCheckTimeout  time.Duration
	UserAgent       string
	ExpectedMarkers []string
	ScreenshotDir   string
}

func SettingsFromConfig(cfg config.Config) Settings {
	return Settings{
		TargetURL:       cfg.Prober.TargetURL,
		IPCheckURLs:     append([]string(nil), cfg.Prober.IPCheckURLs...),
		Timeout:         cfg.ProbeTimeout(),
		IPCheckTimeout:  cfg.IPCheckTimeout(),
		UserAgent:       cfg.Prober.UserAgent,
		ExpectedMarkers: append([]string(nil), cfg.Prober.ExpectedMarkers...),
		ScreenshotDir:   cfg.Prober.ScreenshotDir,
	}
}

// FromConfig picks the implementation named by prober.mode.
func FromConfig(cfg config.Config, geo *geolite.Resolver) Prober {
	settings := SettingsFromConfig(cfg)
	if cfg.Prober.Mode == config.ProberModeHTTP {
		return &HTTPProber{Settings: settings, Geo: geo}
	}
	return &BrowserProber{Settings: settings, Geo: geo}
}

// buildResult classifies obs and fills every TestResult field except TestedAt,
// which the runner stamps on completion.
func buildResult(proxy domain.Proxy, obs Observation, settings Settings, geo *geolite.Resolver) domain.TestResult {
	verdict := Classify(obs, settings.ExpectedMarkers)

	result := domain.TestResult{
		ProxyID:        proxy.ID,
		TestType:       domain.DefaultTestType,
		ResponseTimeMs: obs.Duration.Milliseconds(),
		TestDetails: domain.TestDetails{
			PageTitle:     verdict.PageTitle,
			FinalURL:      obs.FinalURL,
			IPAddress:     obs.IPAddress,
			UserAgent:     obs.UserAgent,
			ScreenshotURL: obs.ScreenshotPath,
		},
	}
	if obs.StatusCode != 0 {
		code := obs.StatusCode
		result.StatusCode = &code
	}
	if obs.IPAddress != "" {
		result.TestDetails.IPCountry = geo.Lookup(obs.IPAddress).CountryCode
	}

	if verdict.Success {
		result.Succeed()
	} else {
		result.Fail(verdict.ErrorType, verdict.Message)
	}
	return result
}
