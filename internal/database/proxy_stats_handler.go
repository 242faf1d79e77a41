package database

import (
	"context"
	"math"
	"time"

	"proxyfleet/internal/api/dto"
	"proxyfleet/internal/domain"

	"gorm.io/gorm"
)

const statsListSize = 5

type groupCount struct {
	GroupKey string
	Total    int64
}

// GetProxyStats aggregates fleet-wide counters for the admin dashboard.
func GetProxyStats(ctx context.Context, now time.Time) (dto.ProxyStats, error) {
	stats := dto.ProxyStats{
		StatusCounts:    map[string]int64{},
		HealthCounts:    map[string]int64{},
		TopPerformers:   []dto.ProxyPerformance{},
		RecentAdditions: []dto.ProxyPerformance{},
	}
	if DB == nil {
		return stats, ErrDatabaseNotInitialised
	}

	err := DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var totals struct {
			Total       int64
			Active      int64
			InUse       int64
			Capacity    int64
			Assignments int64
			AvgRate     float64
		}
		err := tx.Model(&domain.Proxy{}).Select(
			"COUNT(*) AS total, "+
				"COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0) AS active, "+
				"COALESCE(SUM(CASE WHEN current_assignments > 0 THEN 1 ELSE 0 END), 0) AS in_use, "+
				"COALESCE(SUM(max_concurrent_users), 0) AS capacity, "+
				"COALESCE(SUM(current_assignments), 0) AS assignments, "+
				"COALESCE(AVG(success_rate_percent), 0) AS avg_rate",
			domain.ProxyStatusActive,
		).Scan(&totals).Error
		if err != nil {
			return err
		}
		stats.TotalProxies = totals.Total
		stats.ActiveProxies = totals.Active
		stats.ProxiesInUse = totals.InUse
		stats.TotalCapacity = totals.Capacity
		stats.ActiveAssignments = totals.Assignments
		stats.AvgSuccessRate = math.Round(totals.AvgRate*10) / 10

		if err := countBy(tx, "status", stats.StatusCounts); err != nil {
			return err
		}
		if err := countBy(tx, "health_status", stats.HealthCounts); err != nil {
			return err
		}

		since := now.Add(-24 * time.Hour)
		if err := tx.Model(&domain.TestResult{}).Where("tested_at >= ?", since).Count(&stats.TestsLast24h).Error; err != nil {
			return err
		}
		if err := tx.Model(&domain.TestResult{}).Where("tested_at >= ? AND success = ?", since, true).Count(&stats.SuccessLast24h).Error; err != nil {
			return err
		}

		var top []domain.Proxy
		if err := tx.Where("last_tested_at IS NOT NULL").
			Order("success_rate_percent DESC").Order("global_success_count DESC").Order("id").
			Limit(statsListSize).Find(&top).Error; err != nil {
			return err
		}
		stats.TopPerformers = toPerformance(top)

		var recent []domain.Proxy
		if err := tx.Order("created_at DESC").Order("id").Limit(statsListSize).Find(&recent).Error; err != nil {
			return err
		}
		stats.RecentAdditions = toPerformance(recent)
		return nil
	})
	return stats, err
}

func countBy(tx *gorm.DB, column string, into map[string]int64) error {
	var rows []groupCount
	err := tx.Model(&domain.Proxy{}).
		Select(column + " AS group_key, COUNT(*) AS total").
		Group(column).
		Scan(&rows).Error
	if err != nil {
		return err
	}
	for _, row := range rows {
		into[row.GroupKey] = row.Total
	}
	return nil
}

func toPerformance(proxies []domain.Proxy) []dto.ProxyPerformance {
	out := make([]dto.ProxyPerformance, 0, len(proxies))
	for _, p := range proxies {
		out = append(out, dto.ProxyPerformance{
			ID:                 p.ID,
			Provider:           p.Provider,
			Endpoint:           p.Endpoint,
			CountryCode:        p.CountryCode,
			Status:             string(p.Status),
			HealthStatus:       string(p.HealthStatus),
			SuccessRatePercent: p.SuccessRatePercent,
			LastTestedAt:       p.LastTestedAt,
			CreatedAt:          p.CreatedAt,
		})
	}
	return out
}
