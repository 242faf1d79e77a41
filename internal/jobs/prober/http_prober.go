package prober

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"proxyfleet/internal/domain"
	"proxyfleet/internal/geolite"
	"proxyfleet/internal/support"

	"golang.org/x/net/proxy"
)

const (
	maxBodyBytes    = 2 << 20
	maxIPCheckBytes = 4 << 10
)

// HTTPProber fetches the target with a plain HTTP client routed through the
// proxy. It cannot run page scripts, so it is the cheap mode for large fleets.
type HTTPProber struct {
	Settings Settings
	Geo      *geolite.Resolver
}

func (p *HTTPProber) Probe(ctx context.Context, target domain.Proxy) domain.TestResult {
	obs := Observation{UserAgent: p.Settings.UserAgent}

	ctx, cancel := context.WithTimeout(ctx, p.Settings.Timeout)
	defer cancel()

	transport, err := newProxyTransport(target, p.Settings.Timeout)
	if err != nil {
		obs.Err = err
		return buildResult(target, obs, p.Settings, p.Geo)
	}
	defer transport.CloseIdleConnections()
	client := &http.Client{Transport: transport, Timeout: p.Settings.Timeout}

	started := time.Now()
	obs.StatusCode, obs.FinalURL, obs.HTML, obs.Err = fetch(ctx, client, p.Settings.TargetURL, p.Settings.UserAgent, maxBodyBytes)
	obs.Duration = time.Since(started)

	if obs.Err == nil {
		obs.IPAddress = p.egressIP(ctx, client)
	}
	return buildResult(target, obs, p.Settings, p.Geo)
}

func (p *HTTPProber) egressIP(ctx context.Context, client *http.Client) string {
	for _, checkURL := range p.Settings.IPCheckURLs {
		checkCtx, cancel := context.WithTimeout(ctx, p.Settings.IPCheckTimeout)
		_, _, body, err := fetch(checkCtx, client, checkURL, p.Settings.UserAgent, maxIPCheckBytes)
		cancel()
		if err != nil {
			continue
		}
		if ip := support.FindIP(body); ip != "" {
			return ip
		}
	}
	return ""
}

func fetch(ctx context.Context, client *http.Client, target, userAgent string, limit int64) (int, string, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return 0, "", "", err
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/json;q=0.9,*/*;q=0.8")
	req.Header.Set("Accept-Language", "en-US,en;q=0.9")

	resp, err := client.Do(req)
	if err != nil {
		return 0, "", "", err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, limit))
	if err != nil {
		return resp.StatusCode, resp.Request.URL.String(), "", err
	}
	return resp.StatusCode, resp.Request.URL.String(), string(body), nil
}

// newProxyTransport dials through the proxy with keep-alives off so every
// probe opens a fresh upstream connection.
func newProxyTransport(target domain.Proxy, timeout time.Duration) (*http.Transport, error) {
	dialer := &net.Dialer{Timeout: timeout}
	transport := &http.Transport{
		DialContext:           dialer.DialContext,
		DisableKeepAlives:     true,
		TLSHandshakeTimeout:   timeout,
		ResponseHeaderTimeout: timeout,
		ExpectContinueTimeout: time.Second,
	}

	switch target.Protocol {
	case domain.ProtocolSOCKS5:
		var auth *proxy.Auth
		if target.HasAuth() {
			auth = &proxy.Auth{User: target.Username, Password: target.Password}
		}
		socksDialer, err := proxy.SOCKS5("tcp", target.Endpoint, auth, dialer)
		if err != nil {
			return nil, fmt.Errorf("socks5 dialer: %w", err)
		}
		contextDialer, ok := socksDialer.(proxy.ContextDialer)
		if !ok {
			return nil, fmt.Errorf("socks5 dialer does not support contexts")
		}
		transport.DialContext = contextDialer.DialContext
	default:
		transport.Proxy = http.ProxyURL(target.URL())
	}
	return transport, nil
}
