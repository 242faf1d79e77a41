package dto

import "time"

type ProxyStats struct {
	TotalProxies   int64   `json:"total_proxies"`
	ActiveProxies  int64   `json:"active_proxies"`
	ProxiesInUse   int64   `json:"proxies_in_use"`
	AvgSuccessRate float64 `json:"avg_success_rate"`

	TotalCapacity     int64            `json:"total_capacity"`
	ActiveAssignments int64            `json:"active_assignments"`
	StatusCounts      map[string]int64 `json:"status_counts"`
	HealthCounts      map[string]int64 `json:"health_counts"`
	TestsLast24h      int64            `json:"tests_last_24h"`
	SuccessLast24h    int64            `json:"successful_tests_last_24h"`

	TopPerformers   []ProxyPerformance `json:"top_performers"`
	RecentAdditions []ProxyPerformance `json:"recent_additions"`
}

type ProxyPerformance struct {
	ID                 string     `json:"id"`
	Provider           string     `json:"provider"`
	Endpoint           string     `json:"endpoint"`
	CountryCode        string     `json:"country_code"`
	Status             string     `json:"status"`
	HealthStatus       string     `json:"health_status"`
	SuccessRatePercent float64    `json:"success_rate_percent"`
	LastTestedAt       *time.Time `json:"last_tested_at"`
	CreatedAt          time.Time  `json:"created_at"`
}
