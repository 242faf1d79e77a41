package domain

import (
	"encoding/json"
	"time"
)

type AuditAction string

const (
	AuditProxyAdded      AuditAction = "proxy_added"
	AuditProxyDeleted    AuditAction = "proxy_deleted"
	AuditStatusChanged   AuditAction = "status_changed"
	AuditAssigned        AuditAction = "assigned"
	AuditReleased        AuditAction = "released"
	AuditReassigned      AuditAction = "reassigned"
	AuditAutoRotated     AuditAction = "auto_rotated"
	AuditSettingsUpdated AuditAction = "settings_updated"
)

const SystemActor = "system"

type AuditEntry struct {
	ID        uint64      `gorm:"primaryKey;autoIncrement" json:"id"`
	Actor     string      `gorm:"size:64;not null" json:"actor"`
	Action    AuditAction `gorm:"size:32;not null;index" json:"action"`
	ProxyID   string      `gorm:"size:36;index" json:"proxy_id,omitempty"`
	UserID    string      `gorm:"size:64" json:"user_id,omitempty"`
	Before    string      `gorm:"type:text" json:"before,omitempty"`
	After     string      `gorm:"type:text" json:"after,omitempty"`
	Reason    string      `gorm:"size:64" json:"reason,omitempty"`
	CreatedAt time.Time   `gorm:"autoCreateTime;index" json:"created_at"`
}

// NewAuditEntry serialises the before/after snapshots; nil snapshots stay empty.
func NewAuditEntry(actor string, action AuditAction, proxyID, userID string, before, after any, reason string) AuditEntry {
	if actor == "" {
		actor = SystemActor
	}
	return AuditEntry{
		Actor:   actor,
		Action:  action,
		ProxyID: proxyID,
		UserID:  userID,
		Before:  snapshot(before),
		After:   snapshot(after),
		Reason:  reason,
	}
}

func snapshot(v any) string {
	if v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	data, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(data)
}
