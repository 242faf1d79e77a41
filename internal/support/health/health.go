// Package health holds the pure scoring rules applied to probe history:
// window summaries, health classification and the trend strip.
package health

import (
	"math"
	"time"

	"proxyfleet/internal/domain"
)

const (
	// Window is the number of most recent results that drive health and success rate.
	Window         = 50
	MaxTrendLength = 20

	healthyPercent = 80
	warningPercent = 50
)

type Summary struct {
	TotalTests        int                      `json:"total_tests"`
	SuccessfulTests   int                      `json:"successful_tests"`
	FailedTests       int                      `json:"failed_tests"`
	SuccessRate       float64                  `json:"success_rate"`
	AvgResponseTimeMs int64                    `json:"avg_response_time_ms"`
	LastTestAt        *time.Time               `json:"last_test_at"`
	CommonErrorTypes  map[domain.ErrorType]int `json:"common_error_types"`
}

// Summarize expects results newest first, already limited to the window of interest.
func Summarize(results []domain.TestResult) Summary {
	summary := Summary{
		TotalTests:       len(results),
		CommonErrorTypes: make(map[domain.ErrorType]int),
	}
	if len(results) == 0 {
		return summary
	}

	var totalMs int64
	for i := range results {
		r := &results[i]
		if r.Success {
			summary.SuccessfulTests++
		} else if kind := r.ErrorKind(); kind != "" {
			summary.CommonErrorTypes[kind]++
		}
		totalMs += r.ResponseTimeMs
	}

	summary.FailedTests = summary.TotalTests - summary.SuccessfulTests
	summary.SuccessRate = SuccessRate(summary.SuccessfulTests, summary.TotalTests)
	summary.AvgResponseTimeMs = int64(math.Round(float64(totalMs) / float64(summary.TotalTests)))

	last := results[0].TestedAt
	summary.LastTestAt = &last
	return summary
}

// SuccessRate is a percentage rounded to one decimal place; zero tests yield 0.
func SuccessRate(successes, total int) float64 {
	if total <= 0 {
		return 0
	}
	return math.Round(float64(successes)*1000/float64(total)) / 10
}

// Derive classifies with integer arithmetic so 79.99% never rounds up to healthy.
func Derive(successes, total int) domain.HealthStatus {
	switch {
	case total <= 0:
		return domain.HealthInactive
	case successes*100 >= healthyPercent*total:
		return domain.HealthHealthy
	case successes*100 >= warningPercent*total:
		return domain.HealthWarning
	default:
		return domain.HealthInactive
	}
}

// Evaluate returns health and rounded success rate of the newest Window results.
func Evaluate(results []domain.TestResult) (domain.HealthStatus, float64) {
	if len(results) > Window {
		results = results[:Window]
	}
	successes := 0
	for i := range results {
		if results[i].Success {
			successes++
		}
	}
	return Derive(successes, len(results)), SuccessRate(successes, len(results))
}

// Trend maps the newest n results (capped at MaxTrendLength) to their success flags, newest first.
func Trend(results []domain.TestResult, n int) []bool {
	if n <= 0 || n > MaxTrendLength {
		n = MaxTrendLength
	}
	if len(results) < n {
		n = len(results)
	}
	trend := make([]bool, n)
	for i := 0; i < n; i++ {
		trend[i] = results[i].Success
	}
	return trend
}
