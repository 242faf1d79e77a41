package arbiter

import (
	"context"
	"strings"

	"proxyfleet/internal/api/dto"
	"proxyfleet/internal/database"
	"proxyfleet/internal/domain"
	"proxyfleet/internal/events"
	"proxyfleet/internal/support/health"

	"github.com/charmbracelet/log"
)

type JobOutcomeInput struct {
	// ProxyID defaults to the user's active proxy.
	ProxyID        string
	Success        bool
	ErrorType      string
	ErrorMessage   string
	ResponseTimeMs int64
}

// RecordJobOutcome takes a worker's report on a job it ran through its proxy.
// A failure that drops the proxy to inactive rotates its users like a failed probe would.
func (s *Service) RecordJobOutcome(ctx context.Context, userID string, in JobOutcomeInput) (*dto.JobOutcomeResponse, error) {
	kind, ok := domain.ParseErrorType(strings.TrimSpace(in.ErrorType))
	if !ok {
		verr := &domain.ValidationError{}
		verr.Add("failure_type", "must be one of timeout, blocked, captcha, banned, network_error, other")
		return nil, verr
	}

	proxyID := strings.TrimSpace(in.ProxyID)
	if proxyID == "" {
		_, proxy, err := database.ActiveAssignmentForUser(ctx, userID)
		if err != nil {
			return nil, err
		}
		proxyID = proxy.ID
	}

	outcome, err := database.RecordJobOutcome(ctx, database.JobOutcome{
		ProxyID:        proxyID,
		UserID:         userID,
		Success:        in.Success,
		ErrorType:      kind,
		ErrorMessage:   in.ErrorMessage,
		ResponseTimeMs: in.ResponseTimeMs,
	})
	if err != nil {
		return nil, err
	}

	if !in.Success {
		log.Warn("Job failed through proxy", "proxy_id", proxyID, "user_id", userID, "error_type", kind, "health", outcome.Proxy.HealthStatus)
	}
	s.publish(events.TypeTestResult, outcome.Result)

	return &dto.JobOutcomeResponse{
		Result:       outcome.Result,
		HealthStatus: outcome.Proxy.HealthStatus,
		SuccessRate:  outcome.Proxy.SuccessRatePercent,
		Rotated:      s.rotateIfDegraded(ctx, *outcome),
	}, nil
}

// CheckProxyReadiness is the worker's pre-job check of its own proxy.
func (s *Service) CheckProxyReadiness(ctx context.Context, userID string) (*dto.ProxyReadiness, error) {
	if _, err := database.GetUser(ctx, userID); err != nil {
		return nil, userLookupError(err)
	}
	_, proxy, err := database.ActiveAssignmentForUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	recent, err := database.TestHistory(ctx, proxy.ID, health.ReadinessWindow)
	if err != nil {
		return nil, err
	}
	return &dto.ProxyReadiness{
		ProxyID:      proxy.ID,
		Status:       proxy.Status,
		HealthStatus: proxy.HealthStatus,
		SuccessRate:  proxy.SuccessRatePercent,
		Readiness:    health.CheckReadiness(*proxy, recent),
	}, nil
}
