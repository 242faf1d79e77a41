package dto

import "proxyfleet/internal/domain"

const (
	DefaultProxyPageSize = 50
	MaxProxyPageSize     = 500
)

type ProxyListQuery struct {
	Status       string
	Provider     string
	HealthStatus string
	CountryCode  string
	Search       string
	SortBy       string
	SortOrder    string
	Limit        int
	Offset       int
}

type ProxyPage struct {
	Proxies []domain.Proxy `json:"proxies"`
	Total   int64          `json:"total"`
	Limit   int            `json:"limit"`
	Offset  int            `json:"offset"`
}
