package domain

import "strings"

type ProxyStatus string

const (
	ProxyStatusActive      ProxyStatus = "active"
	ProxyStatusInactive    ProxyStatus = "inactive"
	ProxyStatusMaintenance ProxyStatus = "maintenance"
	ProxyStatusBanned      ProxyStatus = "banned"
	ProxyStatusTesting     ProxyStatus = "testing"
)

type HealthStatus string

const (
	HealthHealthy  HealthStatus = "healthy"
	HealthWarning  HealthStatus = "warning"
	HealthInactive HealthStatus = "inactive"
)

// banned only leaves through the explicit admin path back to testing.
var statusTransitions = map[ProxyStatus][]ProxyStatus{
	ProxyStatusTesting:     {ProxyStatusActive, ProxyStatusInactive},
	ProxyStatusActive:      {ProxyStatusInactive, ProxyStatusMaintenance, ProxyStatusBanned},
	ProxyStatusInactive:    {ProxyStatusActive, ProxyStatusMaintenance},
	ProxyStatusMaintenance: {ProxyStatusActive, ProxyStatusInactive},
	ProxyStatusBanned:      {ProxyStatusTesting},
}

func CanTransition(from, to ProxyStatus) bool {
	for _, next := range statusTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

func ParseProxyStatus(raw string) (ProxyStatus, bool) {
	status := ProxyStatus(strings.ToLower(strings.TrimSpace(raw)))
	_, ok := statusTransitions[status]
	return status, ok
}

func ParseHealthStatus(raw string) (HealthStatus, bool) {
	switch status := HealthStatus(strings.ToLower(strings.TrimSpace(raw))); status {
	case HealthHealthy, HealthWarning, HealthInactive:
		return status, true
	default:
		return "", false
	}
}
