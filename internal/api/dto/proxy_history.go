package dto

import (
	"proxyfleet/internal/domain"
	"proxyfleet/internal/support/health"
)

const (
	// DefaultHistoryLimit is the health window, so the default summary matches cached health.
	DefaultHistoryLimit = health.Window
	MaxHistoryLimit     = 500
)

type ProxyHistory struct {
	History []domain.TestResult `json:"history"`
	Summary health.Summary      `json:"summary"`
	Trend   []bool              `json:"trend"`
}
