package prober

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
	"syscall"

	"proxyfleet/internal/domain"

	"github.com/PuerkitoBio/goquery"
)

// Verdict is the deterministic classification of one observation.
type Verdict struct {
	Success   bool
	ErrorType domain.ErrorType
	Message   string
	PageTitle string
}

var (
	bannedSelectors = `.account-restricted, .restricted-account, [data-test-id="account-restricted"]`
	bannedPhrases   = []string{
		"your account has been restricted",
		"account has been suspended",
		"this account has been banned",
		"permanently restricted",
		"account restricted",
	}

	captchaSelectors = `[data-test-id="captcha-internal"], .captcha-container, #captcha, iframe[src*="captcha"], .challenge-page, .security-challenge`
	captchaPhrases   = []string{
		"captcha",
		"security check",
		"security verification",
		"let's do a quick security check",
	}

	blockedSelectors = `.blocked-page, .access-denied, .rate-limit, .too-many-requests, .geo-block, .region-block`
	blockedPhrases   = []string{
		"access denied",
		"too many requests",
		"rate limit",
		"request blocked",
	}

	blockedStatusCodes = map[int]bool{
		403: true,
		429: true,
		451: true,
		999: true,
	}

	captchaPaths = []string{"/checkpoint/challenge"}
	loginPaths   = []string{"/authwall", "/login", "/uas/login", "/checkpoint/"}
)

// Classify maps a raw observation to a verdict. Transport errors win over
// content; content markers win over status codes.
func Classify(obs Observation, expectedMarkers []string) Verdict {
	if obs.Err != nil {
		kind := ClassifyError(obs.Err)
		return Verdict{ErrorType: kind, Message: obs.Err.Error()}
	}

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(obs.HTML))
	if err != nil {
		return Verdict{ErrorType: domain.ErrorOther, Message: fmt.Sprintf("unparseable response: %v", err)}
	}
	title := strings.TrimSpace(doc.Find("title").First().Text())
	verdict := Verdict{PageTitle: title}

	doc.Find("script, style, noscript").Remove()
	text := strings.ToLower(title + " " + doc.Find("body").Text())

	switch {
	case matches(doc, text, bannedSelectors, bannedPhrases):
		return verdict.fail(domain.ErrorBanned, "ban page detected")
	case matches(doc, text, captchaSelectors, captchaPhrases), pathHas(obs.FinalURL, captchaPaths):
		return verdict.fail(domain.ErrorCaptcha, "captcha challenge detected")
	case matches(doc, text, blockedSelectors, blockedPhrases):
		return verdict.fail(domain.ErrorBlocked, "access denied page detected")
	case blockedStatusCodes[obs.StatusCode]:
		return verdict.fail(domain.ErrorBlocked, fmt.Sprintf("target answered with status %d", obs.StatusCode))
	case pathHas(obs.FinalURL, loginPaths):
		return verdict.fail(domain.ErrorBlocked, "redirected to login: "+obs.FinalURL)
	case obs.StatusCode != 0 && (obs.StatusCode < 200 || obs.StatusCode > 299):
		return verdict.fail(domain.ErrorOther, fmt.Sprintf("unexpected status %d", obs.StatusCode))
	}

	html := strings.ToLower(obs.HTML)
	for _, marker := range expectedMarkers {
		marker = strings.ToLower(strings.TrimSpace(marker))
		if marker != "" && !strings.Contains(html, marker) {
			return verdict.fail(domain.ErrorOther, fmt.Sprintf("expected marker %q not found", marker))
		}
	}

	verdict.Success = true
	return verdict
}

func (v Verdict) fail(kind domain.ErrorType, message string) Verdict {
	v.Success = false
	v.ErrorType = kind
	v.Message = message
	return v
}

func matches(doc *goquery.Document, text, selectors string, phrases []string) bool {
	if doc.Find(selectors).Length() > 0 {
		return true
	}
	for _, phrase := range phrases {
		if strings.Contains(text, phrase) {
			return true
		}
	}
	return false
}

func pathHas(rawURL string, fragments []string) bool {
	if rawURL == "" {
		return false
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	path := strings.ToLower(u.Path)
	for _, fragment := range fragments {
		if strings.Contains(path, fragment) {
			return true
		}
	}
	return false
}

// ClassifyError sorts transport failures into timeout, network_error or other.
func ClassifyError(err error) domain.ErrorType {
	if err == nil {
		return ""
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, domain.ErrProbeTimeout) {
		return domain.ErrorTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return domain.ErrorTimeout
	}

	var (
		opErr      *net.OpError
		dnsErr     *net.DNSError
		recordErr  tls.RecordHeaderError
		certErr    *tls.CertificateVerificationError
		unknownCA  x509.UnknownAuthorityError
		hostErr    x509.HostnameError
		invalidErr x509.CertificateInvalidError
	)
	switch {
	case errors.As(err, &dnsErr),
		errors.As(err, &opErr),
		errors.As(err, &recordErr),
		errors.As(err, &certErr),
		errors.As(err, &unknownCA),
		errors.As(err, &hostErr),
		errors.As(err, &invalidErr),
		errors.Is(err, syscall.ECONNREFUSED),
		errors.Is(err, syscall.ECONNRESET):
		return domain.ErrorNetwork
	}

	message := strings.ToLower(err.Error())
	switch {
	case strings.Contains(message, "timeout"), strings.Contains(message, "timed out"), strings.Contains(message, "timed_out"):
		return domain.ErrorTimeout
	case strings.Contains(message, "net::err_"),
		strings.Contains(message, "proxyconnect"),
		strings.Contains(message, "socks connect"),
		strings.Contains(message, "tls:"),
		strings.Contains(message, "connection refused"),
		strings.Contains(message, "connection reset"),
		strings.Contains(message, "no such host"),
		strings.Contains(message, "eof"):
		return domain.ErrorNetwork
	}
	return domain.ErrorOther
}
