package dto

import "proxyfleet/internal/domain"

// AddProxyRequest carries only config fields so derived state cannot be mass-assigned.
type AddProxyRequest struct {
	domain.ProxyConfig
}

type TestProxyRequest struct {
	ProxyID    string `json:"proxyId"`
	ProxyIDAlt string `json:"proxy_id"`
}

func (r TestProxyRequest) ID() string {
	if r.ProxyID != "" {
		return r.ProxyID
	}
	return r.ProxyIDAlt
}

type BatchTestRequest struct {
	ProxyIDs []string `json:"proxy_ids"`
	TestAll  bool     `json:"test_all"`
}

type StatusUpdateRequest struct {
	Status string `json:"status"`
	Reason string `json:"reason"`
	Force  bool   `json:"force"`
}

type ReassignRequest struct {
	UserID     string `json:"user_id"`
	FromUserID string `json:"from_user_id"`
	Reason     string `json:"reason"`
}

type AssignRequest struct {
	ProxyID     string `json:"proxy_id"`
	UserID      string `json:"user_id"`
	Reason      string `json:"reason"`
	CountryCode string `json:"country_code"`
}

type ReleaseRequest struct {
	ProxyID string `json:"proxy_id"`
	UserID  string `json:"user_id"`
	Reason  string `json:"reason"`
}

type UserUpsertRequest struct {
	Email       string `json:"email"`
	DisplayName string `json:"display_name"`
}

type JobOutcomeRequest struct {
	ProxyID        string `json:"proxy_id"`
	WasSuccessful  *bool  `json:"was_successful"`
	ErrorType      string `json:"failure_type"`
	ErrorMessage   string `json:"error_message"`
	ResponseTimeMs int64  `json:"response_time_ms"`
}
