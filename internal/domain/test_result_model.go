package domain

import "time"

type ErrorType string

const (
	ErrorTimeout ErrorType = "timeout"
	ErrorBlocked ErrorType = "blocked"
	ErrorCaptcha ErrorType = "captcha"
	ErrorBanned  ErrorType = "banned"
	ErrorNetwork ErrorType = "network_error"
	ErrorOther   ErrorType = "other"
)

const (
	DefaultTestType = "linkedin_access"
	// JobOutcomeTestType marks results reported by job workers rather than the prober.
	JobOutcomeTestType = "job_outcome"
	maxErrorMessageLen = 1024
)

// ParseErrorType falls back to other for an empty value.
func ParseErrorType(value string) (ErrorType, bool) {
	switch kind := ErrorType(value); kind {
	case "":
		return ErrorOther, true
	case ErrorTimeout, ErrorBlocked, ErrorCaptcha, ErrorBanned, ErrorNetwork, ErrorOther:
		return kind, true
	default:
		return "", false
	}
}

type TestDetails struct {
	PageTitle     string `json:"page_title,omitempty"`
	FinalURL      string `json:"final_url,omitempty"`
	IPAddress     string `json:"ip_address,omitempty"`
	IPCountry     string `json:"ip_country,omitempty"`
	UserAgent     string `json:"user_agent,omitempty"`
	ScreenshotURL string `json:"screenshot_url,omitempty"`
}

// TestResult rows are append-only; nothing updates or deletes them.
type TestResult struct {
	ID             uint64      `gorm:"primaryKey;autoIncrement" json:"id"`
	ProxyID        string      `gorm:"size:36;not null;index:idx_test_results_proxy_time,priority:1" json:"proxy_id"`
	TestType       string      `gorm:"size:32;not null;default:linkedin_access" json:"test_type"`
	TestedAt       time.Time   `gorm:"not null;index:idx_test_results_proxy_time,priority:2;index" json:"tested_at"`
	Success        bool        `gorm:"not null" json:"success"`
	ResponseTimeMs int64       `gorm:"not null;default:0" json:"response_time_ms"`
	StatusCode     *int        `json:"status_code"`
	ErrorType      *ErrorType  `gorm:"size:20" json:"error_type"`
	ErrorMessage   *string     `gorm:"type:text" json:"error_message"`
	TestDetails    TestDetails `gorm:"type:text;serializer:json" json:"test_details"`
}

// Fail marks the result failed with the given classification.
func (r *TestResult) Fail(kind ErrorType, message string) {
	r.Success = false
	r.ErrorType = &kind
	if len(message) > maxErrorMessageLen {
		message = message[:maxErrorMessageLen]
	}
	if message == "" {
		r.ErrorMessage = nil
		return
	}
	r.ErrorMessage = &message
}

func (r *TestResult) Succeed() {
	r.Success = true
	r.ErrorType = nil
	r.ErrorMessage = nil
}

func (r *TestResult) ErrorKind() ErrorType {
	if r.ErrorType == nil {
		return ""
	}
	return *r.ErrorType
}
