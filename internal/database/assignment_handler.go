package database

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"proxyfleet/internal/domain"

	"gorm.io/gorm"
)

const (
	candidateLimit  = 5
	healthRankOrder = "CASE health_status WHEN '" + string(domain.HealthHealthy) + "' THEN 0 WHEN '" +
		string(domain.HealthWarning) + "' THEN 1 ELSE 2 END"
)

type AssignRequest struct {
	ProxyID string
	UserID  string
	Reason  domain.AssignmentReason
	Actor   string
}

type AssignResult struct {
	Assignment domain.Assignment
	Proxy      domain.Proxy
	Created    bool
}

type ReassignRequest struct {
	ProxyID      string
	TargetUserID string
	FromUserID   string
	Reason       domain.AssignmentReason
	Actor        string
}

type ReassignResult struct {
	AssignResult
	Released []domain.Assignment
}

type MoveRequest struct {
	FromProxyID string
	UserID      string
	CountryCode string
	Reason      domain.AssignmentReason
	Actor       string
}

// AssignProxy binds a user to an active proxy with free capacity. An existing
// active binding for the same pair is returned unchanged.
func AssignProxy(ctx context.Context, req AssignRequest) (*AssignResult, error) {
	if DB == nil {
		return nil, ErrDatabaseNotInitialised
	}

	var result *AssignResult
	err := DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if _, err := requireUser(tx, req.UserID); err != nil {
			return err
		}
		var err error
		result, err = assignTx(tx, req, time.Now())
		return err
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// ReleaseAssignment is a no-op when the pair has no active binding or the proxy is gone.
func ReleaseAssignment(ctx context.Context, proxyID, userID, actor, reason string) (*domain.Assignment, error) {
	if DB == nil {
		return nil, ErrDatabaseNotInitialised
	}

	var released *domain.Assignment
	err := DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if _, err := lockProxy(tx, proxyID); err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				return nil
			}
			return err
		}
		var err error
		released, err = releaseTx(tx, proxyID, userID, actor, reason, time.Now())
		return err
	})
	if err != nil {
		return nil, err
	}
	return released, nil
}

// ReassignProxy moves TargetUserID onto ProxyID in one transaction: FromUserID's
// binding on ProxyID and every other binding of the target user are released
// first, and all of it rolls back if the final assignment fails.
func ReassignProxy(ctx context.Context, req ReassignRequest) (*ReassignResult, error) {
	if DB == nil {
		return nil, ErrDatabaseNotInitialised
	}

	var result ReassignResult
	err := DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if _, err := requireUser(tx, req.TargetUserID); err != nil {
			return err
		}

		prior, err := activeAssignmentsForUser(tx, req.TargetUserID)
		if err != nil {
			return err
		}

		ids := []string{req.ProxyID}
		for _, a := range prior {
			ids = append(ids, a.ProxyID)
		}
		if _, err := lockProxies(tx, ids...); err != nil {
			return err
		}

		now := time.Now()
		reason := string(req.Reason)

		if req.FromUserID != "" && req.FromUserID != req.TargetUserID {
			released, err := releaseTx(tx, req.ProxyID, req.FromUserID, req.Actor, reason, now)
			if err != nil {
				return err
			}
			if released != nil {
				result.Released = append(result.Released, *released)
			}
		}

		for _, a := range prior {
			if a.ProxyID == req.ProxyID {
				continue
			}
			released, err := releaseTx(tx, a.ProxyID, a.UserID, req.Actor, reason, now)
			if err != nil {
				return err
			}
			if released != nil {
				result.Released = append(result.Released, *released)
			}
		}

		assigned, err := assignTx(tx, AssignRequest{
			ProxyID: req.ProxyID,
			UserID:  req.TargetUserID,
			Reason:  req.Reason,
			Actor:   req.Actor,
		}, now)
		if err != nil {
			return err
		}
		result.AssignResult = *assigned

		releasedIDs := make([]uint64, 0, len(result.Released))
		for _, a := range result.Released {
			releasedIDs = append(releasedIDs, a.ID)
		}
		return appendAudit(tx, domain.NewAuditEntry(req.Actor, domain.AuditReassigned, req.ProxyID, req.TargetUserID,
			map[string]any{"from_user_id": req.FromUserID, "released_assignment_ids": releasedIDs},
			assigned.Assignment, reason))
	})
	if err != nil {
		return nil, err
	}
	return &result, nil
}

// AutoAssign returns the user's current binding or binds them to the best
// available proxy: healthy before warning, then least loaded.
func AutoAssign(ctx context.Context, userID, countryCode string, reason domain.AssignmentReason, actor string) (*AssignResult, error) {
	if DB == nil {
		return nil, ErrDatabaseNotInitialised
	}

	var result *AssignResult
	err := DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if _, err := requireUser(tx, userID); err != nil {
			return err
		}

		existing, err := activeAssignmentsForUser(tx, userID)
		if err != nil {
			return err
		}
		if len(existing) > 0 {
			var proxy domain.Proxy
			if err := tx.Where("id = ?", existing[0].ProxyID).First(&proxy).Error; err != nil {
				return translateNotFound(err, "proxy", existing[0].ProxyID)
			}
			result = &AssignResult{Assignment: existing[0], Proxy: proxy}
			return nil
		}

		candidates, err := availableProxies(tx, nil, countryCode)
		if err != nil {
			return err
		}
		for _, candidate := range candidates {
			res, err := assignTx(tx, AssignRequest{ProxyID: candidate.ID, UserID: userID, Reason: reason, Actor: actor}, time.Now())
			if errors.Is(err, domain.ErrCapacityExceeded) || errors.Is(err, domain.ErrProxyNotActive) {
				continue
			}
			if err != nil {
				return err
			}
			result = res
			return nil
		}
		return domain.ErrNoProxyAvailable
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// MoveUser shifts one user off FromProxyID onto the best other proxy with
// room. The source binding is untouched when no target can take the user.
func MoveUser(ctx context.Context, req MoveRequest) (*AssignResult, error) {
	if DB == nil {
		return nil, ErrDatabaseNotInitialised
	}

	var result *AssignResult
	err := DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		candidates, err := availableProxies(tx, []string{req.FromProxyID}, req.CountryCode)
		if err != nil {
			return err
		}
		if len(candidates) == 0 {
			return domain.ErrNoProxyAvailable
		}

		ids := make([]string, 0, len(candidates)+1)
		ids = append(ids, req.FromProxyID)
		for _, candidate := range candidates {
			ids = append(ids, candidate.ID)
		}
		locked, err := lockProxies(tx, ids...)
		if err != nil {
			return err
		}

		for _, candidate := range candidates {
			if target := locked[candidate.ID]; !target.Accepting() || failingHealth(target) {
				continue
			}

			now := time.Now()
			released, err := releaseTx(tx, req.FromProxyID, req.UserID, req.Actor, string(req.Reason), now)
			if err != nil {
				return err
			}
			if released == nil {
				return &domain.NotFoundError{Kind: "assignment", ID: req.FromProxyID + "/" + req.UserID}
			}

			result, err = assignTx(tx, AssignRequest{ProxyID: candidate.ID, UserID: req.UserID, Reason: req.Reason, Actor: req.Actor}, now)
			if err != nil {
				return err
			}
			return appendAudit(tx, domain.NewAuditEntry(req.Actor, domain.AuditAutoRotated, req.FromProxyID, req.UserID,
				released, result.Assignment, string(req.Reason)))
		}
		return domain.ErrNoProxyAvailable
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func ActiveAssignmentsForProxy(ctx context.Context, proxyID string) ([]domain.Assignment, error) {
	if DB == nil {
		return nil, ErrDatabaseNotInitialised
	}
	return activeAssignmentsForProxy(DB.WithContext(ctx), proxyID)
}

// ActiveAssignmentForUser returns the user's oldest active binding and its proxy.
func ActiveAssignmentForUser(ctx context.Context, userID string) (*domain.Assignment, *domain.Proxy, error) {
	if DB == nil {
		return nil, nil, ErrDatabaseNotInitialised
	}
	db := DB.WithContext(ctx)

	assignments, err := activeAssignmentsForUser(db, userID)
	if err != nil {
		return nil, nil, err
	}
	if len(assignments) == 0 {
		return nil, nil, &domain.NotFoundError{Kind: "assignment for user", ID: userID}
	}

	var proxy domain.Proxy
	if err := db.Where("id = ?", assignments[0].ProxyID).First(&proxy).Error; err != nil {
		return nil, nil, translateNotFound(err, "proxy", assignments[0].ProxyID)
	}
	return &assignments[0], &proxy, nil
}

func assignTx(tx *gorm.DB, req AssignRequest, now time.Time) (*AssignResult, error) {
	proxy, err := lockProxy(tx, req.ProxyID)
	if err != nil {
		return nil, err
	}
	if proxy.Status != domain.ProxyStatusActive {
		return nil, &domain.ProxyNotActiveError{ProxyID: proxy.ID, Status: proxy.Status}
	}

	var existing domain.Assignment
	err = tx.Where("proxy_id = ? AND user_id = ? AND released_at IS NULL", req.ProxyID, req.UserID).
		First(&existing).Error
	if err == nil {
		return &AssignResult{Assignment: existing, Proxy: *proxy}, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	capacityErr := &domain.CapacityExceededError{ProxyID: proxy.ID, Max: proxy.MaxConcurrentUsers}
	if proxy.CurrentAssignments >= proxy.MaxConcurrentUsers {
		return nil, capacityErr
	}

	// The guarded increment is the capacity check of record; the row lock above only orders writers.
	res := tx.Model(&domain.Proxy{}).
		Where("id = ? AND status = ? AND current_assignments < max_concurrent_users", proxy.ID, domain.ProxyStatusActive).
		UpdateColumn("current_assignments", gorm.Expr("current_assignments + 1"))
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		return nil, capacityErr
	}

	assignment := domain.Assignment{
		ProxyID:    proxy.ID,
		UserID:     req.UserID,
		Reason:     req.Reason,
		AssignedBy: req.Actor,
		AssignedAt: now,
	}
	if err := tx.Create(&assignment).Error; err != nil {
		return nil, err
	}
	if err := refreshProxyAssignments(tx, proxy.ID, now); err != nil {
		return nil, err
	}
	if err := appendAudit(tx, domain.NewAuditEntry(req.Actor, domain.AuditAssigned, proxy.ID, req.UserID,
		nil, assignment, string(req.Reason))); err != nil {
		return nil, err
	}

	var updated domain.Proxy
	if err := tx.Where("id = ?", proxy.ID).First(&updated).Error; err != nil {
		return nil, err
	}
	return &AssignResult{Assignment: assignment, Proxy: updated, Created: true}, nil
}

// releaseTx expects the caller to hold the proxy row lock.
func releaseTx(tx *gorm.DB, proxyID, userID, actor, reason string, now time.Time) (*domain.Assignment, error) {
	var assignment domain.Assignment
	err := tx.Where("proxy_id = ? AND user_id = ? AND released_at IS NULL", proxyID, userID).
		First(&assignment).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	if err := markReleased(tx, &assignment, now, reason); err != nil {
		return nil, err
	}
	if err := appendAudit(tx, domain.NewAuditEntry(actor, domain.AuditReleased, proxyID, userID,
		nil, assignment, reason)); err != nil {
		return nil, err
	}
	return &assignment, nil
}

func markReleased(tx *gorm.DB, assignment *domain.Assignment, now time.Time, reason string) error {
	err := tx.Model(&domain.Assignment{}).
		Where("id = ? AND released_at IS NULL", assignment.ID).
		UpdateColumns(map[string]any{"released_at": now, "release_reason": reason}).Error
	if err != nil {
		return err
	}
	assignment.ReleasedAt = &now
	assignment.ReleaseReason = reason
	return refreshProxyAssignments(tx, assignment.ProxyID, now)
}

type assignedUserRow struct {
	UserID      string
	Email       string
	DisplayName string
}

// refreshProxyAssignments rebuilds the counter and the display label from the active bindings.
func refreshProxyAssignments(tx *gorm.DB, proxyID string, now time.Time) error {
	var rows []assignedUserRow
	err := tx.Table("assignments").
		Select("assignments.user_id AS user_id, COALESCE(users.email, '') AS email, COALESCE(users.display_name, '') AS display_name").
		Joins("LEFT JOIN users ON users.id = assignments.user_id").
		Where("assignments.proxy_id = ? AND assignments.released_at IS NULL", proxyID).
		Order("assignments.assigned_at, assignments.id").
		Scan(&rows).Error
	if err != nil {
		return err
	}

	labels := make([]string, 0, len(rows))
	for _, row := range rows {
		labels = append(labels, domain.User{ID: row.UserID, Email: row.Email, DisplayName: row.DisplayName}.Label())
	}

	return tx.Model(&domain.Proxy{}).
		Where("id = ?", proxyID).
		UpdateColumns(map[string]any{
			"current_assignments": len(rows),
			"assigned_users":      strings.Join(labels, ", "),
			"updated_at":          now,
		}).Error
}

// lockProxies takes row locks in id order so concurrent multi-proxy transactions cannot deadlock.
func lockProxies(tx *gorm.DB, ids ...string) (map[string]*domain.Proxy, error) {
	unique := make([]string, 0, len(ids))
	seen := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		unique = append(unique, id)
	}
	sort.Strings(unique)

	locked := make(map[string]*domain.Proxy, len(unique))
	for _, id := range unique {
		proxy, err := lockProxy(tx, id)
		if err != nil {
			return nil, err
		}
		locked[id] = proxy
	}
	return locked, nil
}

// failingHealth is true for a proxy whose tested history put it at inactive.
// Untested proxies also report inactive but remain eligible.
func failingHealth(p *domain.Proxy) bool {
	return p.HealthStatus == domain.HealthInactive && p.LastTestedAt != nil
}

func availableProxies(tx *gorm.DB, exclude []string, countryCode string) ([]domain.Proxy, error) {
	q := tx.Model(&domain.Proxy{}).
		Where("status = ? AND current_assignments < max_concurrent_users", domain.ProxyStatusActive).
		Where("NOT (health_status = ? AND last_tested_at IS NOT NULL)", domain.HealthInactive)
	if len(exclude) > 0 {
		q = q.Where("id NOT IN ?", exclude)
	}
	if cc := strings.ToUpper(strings.TrimSpace(countryCode)); cc != "" {
		q = q.Where("country_code = ?", cc)
	}

	var proxies []domain.Proxy
	err := q.Order(healthRankOrder).
		Order("current_assignments ASC").
		Order("success_rate_percent DESC").
		Order("id ASC").
		Limit(candidateLimit).
		Find(&proxies).Error
	return proxies, err
}

func activeAssignmentsForProxy(tx *gorm.DB, proxyID string) ([]domain.Assignment, error) {
	var assignments []domain.Assignment
	err := tx.Where("proxy_id = ? AND released_at IS NULL", proxyID).
		Order("assigned_at, id").
		Find(&assignments).Error
	return assignments, err
}

func activeAssignmentsForUser(tx *gorm.DB, userID string) ([]domain.Assignment, error) {
	var assignments []domain.Assignment
	err := tx.Where("user_id = ? AND released_at IS NULL", userID).
		Order("assigned_at, id").
		Find(&assignments).Error
	return assignments, err
}

func requireUser(tx *gorm.DB, userID string) (*domain.User, error) {
	if strings.TrimSpace(userID) == "" {
		verr := &domain.ValidationError{}
		verr.Add("user_id", "is required")
		return nil, verr
	}

	var user domain.User
	err := tx.Where("id = ?", userID).First(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, &domain.NotFoundError{Kind: "user", ID: userID}
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrUserDirectoryUnavailable, err)
	}
	return &user, nil
}
