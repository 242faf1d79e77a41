package domain

import (
	"strings"
	"time"
)

type AssignmentReason string

const (
	ReasonAdminManual       AssignmentReason = "admin_manual"
	ReasonPerformanceIssue  AssignmentReason = "performance_issue"
	ReasonUserRequest       AssignmentReason = "user_request"
	ReasonLoadBalancing     AssignmentReason = "load_balancing"
	ReasonMaintenance       AssignmentReason = "maintenance"
	ReasonOther             AssignmentReason = "other"
	ReasonInitialAssignment AssignmentReason = "initial_assignment"
)

func ParseAssignmentReason(raw string, fallback AssignmentReason) (AssignmentReason, bool) {
	raw = strings.ToLower(strings.TrimSpace(raw))
	if raw == "" {
		return fallback, true
	}
	switch reason := AssignmentReason(raw); reason {
	case ReasonAdminManual, ReasonPerformanceIssue, ReasonUserRequest, ReasonLoadBalancing,
		ReasonMaintenance, ReasonOther, ReasonInitialAssignment:
		return reason, true
	default:
		return "", false
	}
}

// Assignment binds a proxy to a user. A nil ReleasedAt means the binding is active.
type Assignment struct {
	ID            uint64           `gorm:"primaryKey;autoIncrement" json:"id"`
	ProxyID       string           `gorm:"size:36;not null;index" json:"proxy_id"`
	UserID        string           `gorm:"size:64;not null;index" json:"user_id"`
	Reason        AssignmentReason `gorm:"size:32;not null" json:"reason"`
	AssignedBy    string           `gorm:"size:64" json:"assigned_by"`
	AssignedAt    time.Time        `gorm:"not null" json:"assigned_at"`
	ReleasedAt    *time.Time       `gorm:"index" json:"released_at"`
	ReleaseReason string           `gorm:"size:64" json:"release_reason,omitempty"`
}

func (a *Assignment) Active() bool {
	return a.ReleasedAt == nil
}
