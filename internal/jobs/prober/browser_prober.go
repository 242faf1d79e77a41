package prober

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"proxyfleet/internal/domain"
	"proxyfleet/internal/geolite"
	"proxyfleet/internal/support"

	"github.com/charmbracelet/log"
	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/stealth"
)

const settleDelay = 3 * time.Second

// BrowserProber drives a headless Chromium through the proxy. Chromium takes
// the proxy as a launch flag, so every probe gets its own browser process.
type BrowserProber struct {
	Settings Settings
	Geo      *geolite.Resolver
}

func (p *BrowserProber) Probe(ctx context.Context, target domain.Proxy) domain.TestResult {
	ctx, cancel := context.WithTimeout(ctx, p.Settings.Timeout)
	defer cancel()

	obs := p.observe(ctx, target)
	return buildResult(target, obs, p.Settings, p.Geo)
}

func (p *BrowserProber) observe(ctx context.Context, target domain.Proxy) (obs Observation) {
	obs.UserAgent = p.Settings.UserAgent

	l := launcher.New().
		Leakless(true).
		Headless(true).
		Proxy(target.ServerAddress()).
		Set("disable-background-timer-throttling").
		Set("disable-renderer-backgrounding").
		Set("disable-dev-shm-usage").
		Set("no-sandbox")
	defer l.Cleanup()
	defer l.Kill()

	controlURL, err := l.Context(ctx).Launch()
	if err != nil {
		obs.Err = fmt.Errorf("launch browser: %w", err)
		return obs
	}

	browser := rod.New().ControlURL(controlURL).Context(ctx)
	if err := browser.Connect(); err != nil {
		obs.Err = fmt.Errorf("connect browser: %w", err)
		return obs
	}
	defer func() {
		if err := browser.Close(); err != nil {
			log.Debug("Closing probe browser failed", "proxy_id", target.ID, "error", err)
		}
	}()

	if target.HasAuth() {
		go func() {
			_ = browser.HandleAuth(target.Username, target.Password)()
		}()
	}

	page, err := stealth.Page(browser)
	if err != nil {
		obs.Err = fmt.Errorf("open page: %w", err)
		return obs
	}
	if err := page.SetUserAgent(&proto.NetworkSetUserAgentOverride{
		UserAgent:      p.Settings.UserAgent,
		AcceptLanguage: "en-US,en;q=0.9",
	}); err != nil {
		obs.Err = fmt.Errorf("set user agent: %w", err)
		return obs
	}

	var (
		statusMu sync.Mutex
		status   int
	)
	waitDocument := page.EachEvent(func(e *proto.NetworkResponseReceived) bool {
		if e.Type != proto.NetworkResourceTypeDocument || e.Response == nil {
			return false
		}
		statusMu.Lock()
		status = e.Response.Status
		statusMu.Unlock()
		return false
	})
	go waitDocument()

	started := time.Now()
	if err := page.Navigate(p.Settings.TargetURL); err != nil {
		obs.Duration = time.Since(started)
		obs.Err = err
		return obs
	}
	if err := page.WaitLoad(); err != nil {
		obs.Duration = time.Since(started)
		obs.Err = err
		return obs
	}
	obs.Duration = time.Since(started)

	// redirects and client-side challenges land shortly after load
	select {
	case <-time.After(settleDelay):
	case <-ctx.Done():
	}

	if info, err := page.Info(); err == nil {
		obs.FinalURL = info.URL
	}
	html, err := page.HTML()
	if err != nil {
		obs.Err = fmt.Errorf("read page: %w", err)
		return obs
	}
	obs.HTML = html

	statusMu.Lock()
	obs.StatusCode = status
	statusMu.Unlock()

	if shot := p.screenshot(page, target.ID); shot != "" {
		obs.ScreenshotPath = shot
	}
	if Classify(obs, p.Settings.ExpectedMarkers).Success {
		obs.IPAddress = p.egressIP(ctx, browser)
	}
	return obs
}

func (p *BrowserProber) screenshot(page *rod.Page, proxyID string) string {
	if p.Settings.ScreenshotDir == "" {
		return ""
	}
	data, err := page.Screenshot(false, &proto.PageCaptureScreenshot{Format: proto.PageCaptureScreenshotFormatPng})
	if err != nil {
		log.Debug("Probe screenshot failed", "proxy_id", proxyID, "error", err)
		return ""
	}
	if err := os.MkdirAll(p.Settings.ScreenshotDir, 0o755); err != nil {
		log.Warn("Screenshot directory unavailable", "dir", p.Settings.ScreenshotDir, "error", err)
		return ""
	}
	path := filepath.Join(p.Settings.ScreenshotDir, fmt.Sprintf("proxy-test-%s-%d.png", proxyID, time.Now().UnixMilli()))
	if err := os.WriteFile(path, data, 0o644); err != nil {
		log.Warn("Writing probe screenshot failed", "path", path, "error", err)
		return ""
	}
	return path
}

func (p *BrowserProber) egressIP(ctx context.Context, browser *rod.Browser) string {
	for _, checkURL := range p.Settings.IPCheckURLs {
		if ip := p.pageIP(ctx, browser, checkURL); ip != "" {
			return ip
		}
	}
	return ""
}

func (p *BrowserProber) pageIP(ctx context.Context, browser *rod.Browser, checkURL string) string {
	ctx, cancel := context.WithTimeout(ctx, p.Settings.IPCheckTimeout)
	defer cancel()

	page, err := browser.Context(ctx).Page(proto.TargetCreateTarget{URL: "about:blank"})
	if err != nil {
		return ""
	}
	defer func() { _ = page.Close() }()

	if err := page.Navigate(checkURL); err != nil {
		return ""
	}
	if err := page.WaitLoad(); err != nil {
		return ""
	}
	html, err := page.HTML()
	if err != nil {
		return ""
	}
	return support.FindIP(html)
}
