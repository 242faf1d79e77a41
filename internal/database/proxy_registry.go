package database

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"proxyfleet/internal/api/dto"
	"proxyfleet/internal/domain"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var proxySortColumns = map[string]string{
	"id":                   "id",
	"provider":             "provider",
	"endpoint":             "endpoint",
	"protocol":             "protocol",
	"country_code":         "country_code",
	"region":               "region",
	"city":                 "city",
	"proxy_type":           "proxy_type",
	"max_concurrent_users": "max_concurrent_users",
	"status":               "status",
	"health_status":        "health_status",
	"current_assignments":  "current_assignments",
	"assigned_users":       "assigned_users",
	"success_rate_percent": "success_rate_percent",
	"global_success_count": "global_success_count",
	"global_failure_count": "global_failure_count",
	"last_tested_at":       "last_tested_at",
	"last_test_success":    "last_test_success",
	"created_at":           "created_at",
	"updated_at":           "updated_at",
}

// CreateProxy stores a validated config as a new proxy in the testing state.
func CreateProxy(ctx context.Context, cfg domain.ProxyConfig, actor string) (*domain.Proxy, error) {
	if DB == nil {
		return nil, ErrDatabaseNotInitialised
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	proxy := domain.NewProxy(uuid.NewString(), cfg, actor)

	err := DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&proxy).Error; err != nil {
			return err
		}
		return appendAudit(tx, domain.NewAuditEntry(actor, domain.AuditProxyAdded, proxy.ID, "", nil, proxy, ""))
	})
	if err != nil {
		return nil, err
	}
	return &proxy, nil
}

func GetProxy(ctx context.Context, id string) (*domain.Proxy, error) {
	if DB == nil {
		return nil, ErrDatabaseNotInitialised
	}
	var proxy domain.Proxy
	if err := DB.WithContext(ctx).Where("id = ?", id).First(&proxy).Error; err != nil {
		return nil, translateNotFound(err, "proxy", id)
	}
	return &proxy, nil
}

func GetProxiesByIDs(ctx context.Context, ids []string) ([]domain.Proxy, error) {
	if DB == nil {
		return nil, ErrDatabaseNotInitialised
	}
	var proxies []domain.Proxy
	if len(ids) == 0 {
		return proxies, nil
	}
	err := DB.WithContext(ctx).Where("id IN ?", ids).Order("id").Find(&proxies).Error
	return proxies, err
}

// ListTestableProxyIDs returns every proxy that a fleet-wide test should cover.
func ListTestableProxyIDs(ctx context.Context) ([]string, error) {
	if DB == nil {
		return nil, ErrDatabaseNotInitialised
	}
	var ids []string
	err := DB.WithContext(ctx).Model(&domain.Proxy{}).
		Where("status <> ?", domain.ProxyStatusBanned).
		Order("last_tested_at IS NOT NULL, last_tested_at, id").
		Pluck("id", &ids).Error
	return ids, err
}

// ListProxies reads count and page from one snapshot so totals match the rows returned.
func ListProxies(ctx context.Context, query dto.ProxyListQuery) (dto.ProxyPage, error) {
	page := dto.ProxyPage{Proxies: []domain.Proxy{}}
	if DB == nil {
		return page, ErrDatabaseNotInitialised
	}

	limit := query.Limit
	if limit <= 0 {
		limit = dto.DefaultProxyPageSize
	}
	if limit > dto.MaxProxyPageSize {
		limit = dto.MaxProxyPageSize
	}
	offset := query.Offset
	if offset < 0 {
		offset = 0
	}
	page.Limit, page.Offset = limit, offset

	column, ok := proxySortColumns[strings.ToLower(strings.TrimSpace(query.SortBy))]
	if !ok {
		column = "created_at"
	}
	desc := !strings.EqualFold(strings.TrimSpace(query.SortOrder), "asc")

	read := func(tx *gorm.DB) error {
		filtered := applyProxyFilters(tx.Model(&domain.Proxy{}), query)
		if err := filtered.Count(&page.Total).Error; err != nil {
			return err
		}

		return applyProxyFilters(tx.Model(&domain.Proxy{}), query).
			Order(clause.OrderByColumn{Column: clause.Column{Name: column}, Desc: desc}).
			Order(clause.OrderByColumn{Column: clause.Column{Name: "id"}, Desc: desc}).
			Limit(limit).
			Offset(offset).
			Find(&page.Proxies).Error
	}

	db := DB.WithContext(ctx)
	var err error
	if isPostgres(db) {
		err = db.Transaction(read, &sql.TxOptions{Isolation: sql.LevelRepeatableRead, ReadOnly: true})
	} else {
		err = db.Transaction(read)
	}
	if err != nil {
		return dto.ProxyPage{Proxies: []domain.Proxy{}}, err
	}
	return page, nil
}

func applyProxyFilters(q *gorm.DB, query dto.ProxyListQuery) *gorm.DB {
	if v := strings.TrimSpace(query.Status); v != "" {
		q = q.Where("status = ?", strings.ToLower(v))
	}
	if v := strings.TrimSpace(query.Provider); v != "" {
		q = q.Where("provider = ?", v)
	}
	if v := strings.TrimSpace(query.HealthStatus); v != "" {
		q = q.Where("health_status = ?", strings.ToLower(v))
	}
	if v := strings.TrimSpace(query.CountryCode); v != "" {
		q = q.Where("country_code = ?", strings.ToUpper(v))
	}
	if v := strings.TrimSpace(query.Search); v != "" {
		pattern := "%" + escapeLike(strings.ToLower(v)) + "%"
		q = q.Where(
			"LOWER(endpoint) LIKE ? ESCAPE '\\' OR LOWER(assigned_users) LIKE ? ESCAPE '\\' OR LOWER(provider) LIKE ? ESCAPE '\\'",
			pattern, pattern, pattern,
		)
	}
	return q
}

func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}

type StatusChange struct {
	ProxyID string
	To      domain.ProxyStatus
	Force   bool
	Actor   string
	Reason  string
}

type StatusChangeResult struct {
	Proxy   domain.Proxy
	From    domain.ProxyStatus
	Changed bool
}

// UpdateProxyStatus applies one status transition under the proxy row lock.
// Force skips the transition table for explicit admin overrides.
func UpdateProxyStatus(ctx context.Context, change StatusChange) (*StatusChangeResult, error) {
	if DB == nil {
		return nil, ErrDatabaseNotInitialised
	}

	var result StatusChangeResult
	err := DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		proxy, err := lockProxy(tx, change.ProxyID)
		if err != nil {
			return err
		}
		result.From = proxy.Status
		result.Proxy = *proxy

		if proxy.Status == change.To {
			return nil
		}
		if !change.Force && !domain.CanTransition(proxy.Status, change.To) {
			return &domain.InvalidTransitionError{From: proxy.Status, To: change.To}
		}

		if err := setProxyStatus(tx, proxy, change.To, change.Actor, change.Reason, change.Force); err != nil {
			return err
		}
		result.Proxy = *proxy
		result.Changed = true
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &result, nil
}

func setProxyStatus(tx *gorm.DB, proxy *domain.Proxy, to domain.ProxyStatus, actor, reason string, forced bool) error {
	from := proxy.Status
	now := time.Now()
	if err := tx.Model(&domain.Proxy{}).
		Where("id = ?", proxy.ID).
		UpdateColumns(map[string]any{"status": to, "updated_at": now}).Error; err != nil {
		return err
	}
	proxy.Status = to
	proxy.UpdatedAt = now

	after := map[string]any{"status": to}
	if forced {
		after["forced"] = true
	}
	return appendAudit(tx, domain.NewAuditEntry(actor, domain.AuditStatusChanged, proxy.ID, "",
		map[string]any{"status": from}, after, reason))
}

// DeleteProxy hard-deletes the proxy row. Test results and audit entries stay behind.
func DeleteProxy(ctx context.Context, id string, force bool, actor string) ([]domain.Assignment, error) {
	if DB == nil {
		return nil, ErrDatabaseNotInitialised
	}

	var released []domain.Assignment
	err := DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		proxy, err := lockProxy(tx, id)
		if err != nil {
			return err
		}

		active, err := activeAssignmentsForProxy(tx, id)
		if err != nil {
			return err
		}
		if len(active) > 0 && !force {
			return &domain.ProxyInUseError{ProxyID: id, Assignments: len(active)}
		}

		now := time.Now()
		for i := range active {
			if err := markReleased(tx, &active[i], now, "proxy_deleted"); err != nil {
				return err
			}
			if err := appendAudit(tx, domain.NewAuditEntry(actor, domain.AuditReleased, id, active[i].UserID,
				active[i], nil, "proxy_deleted")); err != nil {
				return err
			}
			released = append(released, active[i])
		}

		if err := tx.Where("id = ?", id).Delete(&domain.Proxy{}).Error; err != nil {
			return err
		}
		return appendAudit(tx, domain.NewAuditEntry(actor, domain.AuditProxyDeleted, id, "", proxy, nil, ""))
	})
	if err != nil {
		return nil, err
	}
	return released, nil
}

func lockProxy(tx *gorm.DB, id string) (*domain.Proxy, error) {
	var proxy domain.Proxy
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("id = ?", id).
		First(&proxy).Error
	if err != nil {
		return nil, translateNotFound(err, "proxy", id)
	}
	return &proxy, nil
}
