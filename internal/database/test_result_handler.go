package database

import (
	"context"
	"time"

	"proxyfleet/internal/domain"
	"proxyfleet/internal/support/health"

	"gorm.io/gorm"
)

type RecordOptions struct {
	// AutoPromote moves a proxy still in testing to active or inactive based on this result.
	AutoPromote bool
}

type RecordOutcome struct {
	Result         domain.TestResult
	Proxy          domain.Proxy
	PreviousHealth domain.HealthStatus
	PreviousStatus domain.ProxyStatus
}

func (o RecordOutcome) HealthChanged() bool {
	return o.PreviousHealth != o.Proxy.HealthStatus
}

func (o RecordOutcome) StatusChanged() bool {
	return o.PreviousStatus != o.Proxy.Status
}

// RecordTestResult appends the result and refreshes every derived field of the
// proxy in the same transaction, so last_tested_at, last_test_success and
// health_status can never disagree with the stored history.
func RecordTestResult(ctx context.Context, result domain.TestResult, opts RecordOptions) (*RecordOutcome, error) {
	if DB == nil {
		return nil, ErrDatabaseNotInitialised
	}
	if result.TestedAt.IsZero() {
		result.TestedAt = time.Now()
	}
	if result.TestType == "" {
		result.TestType = domain.DefaultTestType
	}

	var outcome RecordOutcome
	err := DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		proxy, err := lockProxy(tx, result.ProxyID)
		if err != nil {
			return err
		}
		outcome.PreviousHealth = proxy.HealthStatus
		outcome.PreviousStatus = proxy.Status

		if err := tx.Create(&result).Error; err != nil {
			return err
		}

		window, err := latestResults(tx, proxy.ID, health.Window)
		if err != nil {
			return err
		}
		status, rate := health.Evaluate(window)
		newest := window[0]
		lastSuccess := newest.Success

		counter := "global_failure_count"
		if result.Success {
			counter = "global_success_count"
		}
		now := time.Now()
		if err := tx.Model(&domain.Proxy{}).
			Where("id = ?", proxy.ID).
			UpdateColumns(map[string]any{
				"health_status":        status,
				"success_rate_percent": rate,
				"last_tested_at":       newest.TestedAt,
				"last_test_success":    lastSuccess,
				counter:                gorm.Expr(counter + " + 1"),
				"updated_at":           now,
			}).Error; err != nil {
			return err
		}

		if err := tx.Where("id = ?", proxy.ID).First(proxy).Error; err != nil {
			return err
		}

		if opts.AutoPromote && proxy.Status == domain.ProxyStatusTesting {
			target := domain.ProxyStatusInactive
			if result.Success {
				target = domain.ProxyStatusActive
			}
			if err := setProxyStatus(tx, proxy, target, domain.SystemActor, "probe_result", false); err != nil {
				return err
			}
		}

		outcome.Result = result
		outcome.Proxy = *proxy
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &outcome, nil
}

type JobOutcome struct {
	ProxyID        string
	UserID         string
	Success        bool
	ErrorType      domain.ErrorType
	ErrorMessage   string
	ResponseTimeMs int64
}

// RecordJobOutcome stores a worker's report about a job run through its proxy.
// It feeds the same window as probe results; only a user bound to the proxy may report.
func RecordJobOutcome(ctx context.Context, job JobOutcome) (*RecordOutcome, error) {
	if DB == nil {
		return nil, ErrDatabaseNotInitialised
	}

	var bound int64
	if err := DB.WithContext(ctx).Model(&domain.Assignment{}).
		Where("proxy_id = ? AND user_id = ? AND released_at IS NULL", job.ProxyID, job.UserID).
		Count(&bound).Error; err != nil {
		return nil, err
	}
	if bound == 0 {
		return nil, &domain.NotFoundError{Kind: "assignment", ID: job.ProxyID + "/" + job.UserID}
	}

	result := domain.TestResult{
		ProxyID:        job.ProxyID,
		TestType:       domain.JobOutcomeTestType,
		TestedAt:       time.Now(),
		ResponseTimeMs: max(job.ResponseTimeMs, 0),
	}
	if job.Success {
		result.Succeed()
	} else {
		kind := job.ErrorType
		if kind == "" {
			kind = domain.ErrorOther
		}
		result.Fail(kind, job.ErrorMessage)
	}
	return RecordTestResult(ctx, result, RecordOptions{})
}

// TestHistory returns up to limit results, newest first.
func TestHistory(ctx context.Context, proxyID string, limit int) ([]domain.TestResult, error) {
	if DB == nil {
		return nil, ErrDatabaseNotInitialised
	}
	return latestResults(DB.WithContext(ctx), proxyID, limit)
}

// RecomputeHealth derives health and success rate from stored history alone.
func RecomputeHealth(ctx context.Context, proxyID string) (domain.HealthStatus, float64, error) {
	results, err := TestHistory(ctx, proxyID, health.Window)
	if err != nil {
		return "", 0, err
	}
	status, rate := health.Evaluate(results)
	return status, rate, nil
}

func latestResults(tx *gorm.DB, proxyID string, limit int) ([]domain.TestResult, error) {
	results := make([]domain.TestResult, 0)
	q := tx.Where("proxy_id = ?", proxyID).Order("tested_at DESC").Order("id DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	err := q.Find(&results).Error
	return results, err
}

// RepairCachedHealth rewrites the cached health fields from the stored window
// when they drifted from it, and reports whether it had to.
func RepairCachedHealth(ctx context.Context, proxyID string) (bool, error) {
	if DB == nil {
		return false, ErrDatabaseNotInitialised
	}

	repaired := false
	err := DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		proxy, err := lockProxy(tx, proxyID)
		if err != nil {
			return err
		}
		window, err := latestResults(tx, proxyID, health.Window)
		if err != nil {
			return err
		}

		status, rate := health.Evaluate(window)
		if proxy.HealthStatus == status && proxy.SuccessRatePercent == rate {
			return nil
		}
		repaired = true
		return tx.Model(&domain.Proxy{}).
			Where("id = ?", proxyID).
			UpdateColumns(map[string]any{
				"health_status":        status,
				"success_rate_percent": rate,
				"updated_at":           time.Now(),
			}).Error
	})
	if err != nil {
		return false, err
	}
	return repaired, nil
}
