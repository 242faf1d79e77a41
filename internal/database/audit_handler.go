package database

import (
	"context"

	"proxyfleet/internal/domain"

	"gorm.io/gorm"
)

const (
	defaultAuditLimit = 100
	maxAuditLimit     = 1000
)

func appendAudit(tx *gorm.DB, entry domain.AuditEntry) error {
	return tx.Create(&entry).Error
}

// RecordAudit writes a standalone entry for mutations that happen outside a proxy transaction.
func RecordAudit(ctx context.Context, entry domain.AuditEntry) error {
	if DB == nil {
		return ErrDatabaseNotInitialised
	}
	return appendAudit(DB.WithContext(ctx), entry)
}

// ListAuditEntries returns entries newest first, optionally scoped to one proxy.
func ListAuditEntries(ctx context.Context, proxyID string, limit int) ([]domain.AuditEntry, error) {
	if DB == nil {
		return nil, ErrDatabaseNotInitialised
	}
	if limit <= 0 {
		limit = defaultAuditLimit
	}
	if limit > maxAuditLimit {
		limit = maxAuditLimit
	}

	entries := make([]domain.AuditEntry, 0)
	q := DB.WithContext(ctx).Order("created_at DESC").Order("id DESC").Limit(limit)
	if proxyID != "" {
		q = q.Where("proxy_id = ?", proxyID)
	}
	err := q.Find(&entries).Error
	return entries, err
}
