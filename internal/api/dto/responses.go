package dto

import (
	"time"

	"proxyfleet/internal/domain"
	"proxyfleet/internal/support/health"
)

type MessageResponse struct {
	Message string `json:"message"`
}

type BatchAck struct {
	Message string `json:"message"`
	BatchID string `json:"batch_id"`
	Total   int    `json:"total"`
}

type BatchState string

const (
	BatchRunning   BatchState = "running"
	BatchCompleted BatchState = "completed"
	BatchCancelled BatchState = "cancelled"
)

type BatchStatus struct {
	ID          string     `json:"id"`
	State       BatchState `json:"state"`
	Total       int        `json:"total"`
	Dispatched  int        `json:"dispatched"`
	Completed   int        `json:"completed"`
	Succeeded   int        `json:"succeeded"`
	Failed      int        `json:"failed"`
	Errored     int        `json:"errored"`
	StartedAt   time.Time  `json:"started_at"`
	FinishedAt  *time.Time `json:"finished_at,omitempty"`
	RequestedBy string     `json:"requested_by,omitempty"`
}

type ReassignResult struct {
	Assignment domain.Assignment   `json:"assignment"`
	Released   []domain.Assignment `json:"released"`
	Created    bool                `json:"created"`
}

type ProxyCredentials struct {
	Protocol string `json:"protocol"`
	Endpoint string `json:"endpoint"`
	Username string `json:"username"`
	Password string `json:"password"`
	URL      string `json:"url"`
}

type UserProxy struct {
	Assignment  domain.Assignment `json:"assignment"`
	Proxy       domain.Proxy      `json:"proxy"`
	Credentials ProxyCredentials  `json:"credentials"`
}

type RotationOutcome struct {
	ProxyID  string              `json:"proxy_id"`
	Moved    []domain.Assignment `json:"moved"`
	Stranded []string            `json:"stranded"`
}

type JobOutcomeResponse struct {
	Result       domain.TestResult   `json:"result"`
	HealthStatus domain.HealthStatus `json:"health_status"`
	SuccessRate  float64             `json:"success_rate_percent"`
	Rotated      bool                `json:"rotated"`
}

type ProxyReadiness struct {
	ProxyID      string              `json:"proxy_id"`
	Status       domain.ProxyStatus  `json:"status"`
	HealthStatus domain.HealthStatus `json:"health_status"`
	SuccessRate  float64             `json:"success_rate_percent"`
	health.Readiness
}
