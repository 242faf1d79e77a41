package health

import (
	"fmt"

	"proxyfleet/internal/domain"
)

const (
	// ReadinessWindow is how many recent results the pre-job check looks at.
	ReadinessWindow = 10

	maxRecentFailures      = 3
	maxConsecutiveFailures = 2
)

type Readiness struct {
	Healthy             bool   `json:"is_healthy"`
	Reason              string `json:"reason,omitempty"`
	AlternativeNeeded   bool   `json:"alternative_needed"`
	RecentFailures      int    `json:"recent_failure_count"`
	ConsecutiveFailures int    `json:"consecutive_failures"`
}

// CheckReadiness decides whether a worker should run its next job through proxy.
// recent must be newest first.
func CheckReadiness(proxy domain.Proxy, recent []domain.TestResult) Readiness {
	if len(recent) > ReadinessWindow {
		recent = recent[:ReadinessWindow]
	}
	r := Readiness{
		RecentFailures:      countFailures(recent),
		ConsecutiveFailures: ConsecutiveFailures(recent),
	}

	switch {
	case proxy.Status != domain.ProxyStatusActive:
		r.Reason = fmt.Sprintf("proxy status is %s", proxy.Status)
	case proxy.HealthStatus == domain.HealthInactive && proxy.LastTestedAt != nil:
		r.Reason = fmt.Sprintf("proxy health is inactive (%.1f%% success)", proxy.SuccessRatePercent)
	case r.ConsecutiveFailures >= maxConsecutiveFailures:
		r.Reason = fmt.Sprintf("too many consecutive failures: %d", r.ConsecutiveFailures)
	case r.RecentFailures >= maxRecentFailures:
		r.Reason = fmt.Sprintf("too many recent failures: %d", r.RecentFailures)
	default:
		r.Healthy = true
		return r
	}
	r.AlternativeNeeded = true
	return r
}

// ConsecutiveFailures counts failures from the newest result back to the first success.
func ConsecutiveFailures(results []domain.TestResult) int {
	n := 0
	for i := range results {
		if results[i].Success {
			break
		}
		n++
	}
	return n
}

func countFailures(results []domain.TestResult) int {
	n := 0
	for i := range results {
		if !results[i].Success {
			n++
		}
	}
	return n
}
