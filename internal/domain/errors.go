package domain

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrNotFound                 = errors.New("not found")
	ErrInvalidTransition        = errors.New("invalid status transition")
	ErrProxyNotActive           = errors.New("proxy is not active")
	ErrCapacityExceeded         = errors.New("proxy capacity exceeded")
	ErrProxyInUse               = errors.New("proxy has active assignments")
	ErrUserDirectoryUnavailable = errors.New("user directory unavailable")
	ErrProbeTimeout             = errors.New("probe timed out")
	ErrNoProxyAvailable         = errors.New("no active proxy with free capacity")
)

type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationError collects every field problem of a request so the caller can fix them in one go.
type ValidationError struct {
	Fields []FieldError `json:"fields"`
}

func (e *ValidationError) Add(field, message string) {
	e.Fields = append(e.Fields, FieldError{Field: field, Message: message})
}

func (e *ValidationError) Error() string {
	if len(e.Fields) == 0 {
		return "validation failed"
	}
	parts := make([]string, 0, len(e.Fields))
	for _, f := range e.Fields {
		parts = append(parts, f.Field+": "+f.Message)
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

// OrNil returns nil when no field error was recorded.
func (e *ValidationError) OrNil() error {
	if e == nil || len(e.Fields) == 0 {
		return nil
	}
	return e
}

func (e *ValidationError) HasField(field string) bool {
	for _, f := range e.Fields {
		if f.Field == field {
			return true
		}
	}
	return false
}

type InvalidTransitionError struct {
	From ProxyStatus
	To   ProxyStatus
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("cannot change proxy status from %s to %s", e.From, e.To)
}

func (e *InvalidTransitionError) Unwrap() error { return ErrInvalidTransition }

type ProxyNotActiveError struct {
	ProxyID string
	Status  ProxyStatus
}

func (e *ProxyNotActiveError) Error() string {
	return fmt.Sprintf("proxy %s is %s, only active proxies accept assignments", e.ProxyID, e.Status)
}

func (e *ProxyNotActiveError) Unwrap() error { return ErrProxyNotActive }

type CapacityExceededError struct {
	ProxyID string
	Max     int
}

func (e *CapacityExceededError) Error() string {
	return fmt.Sprintf("proxy %s already serves its maximum of %d users", e.ProxyID, e.Max)
}

func (e *CapacityExceededError) Unwrap() error { return ErrCapacityExceeded }

type ProxyInUseError struct {
	ProxyID     string
	Assignments int
}

func (e *ProxyInUseError) Error() string {
	return fmt.Sprintf("proxy %s still has %d active assignments", e.ProxyID, e.Assignments)
}

func (e *ProxyInUseError) Unwrap() error { return ErrProxyInUse }

type NotFoundError struct {
	Kind string
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Kind, e.ID)
}

func (e *NotFoundError) Unwrap() error { return ErrNotFound }

// ProbeTimeoutError is never returned to callers; it becomes the error_message of a timeout TestResult.
type ProbeTimeoutError struct {
	Timeout time.Duration
}

func (e *ProbeTimeoutError) Error() string {
	return fmt.Sprintf("probe timed out after %s", e.Timeout)
}

func (e *ProbeTimeoutError) Unwrap() error { return ErrProbeTimeout }
