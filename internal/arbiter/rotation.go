package arbiter

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"proxyfleet/internal/api/dto"
	"proxyfleet/internal/config"
	"proxyfleet/internal/database"
	"proxyfleet/internal/domain"
	"proxyfleet/internal/notify"

	"github.com/charmbracelet/log"
)

// HandleProbeOutcome is the prober hook. A proxy whose health just dropped to
// inactive has its users rotated away.
func (s *Service) HandleProbeOutcome(ctx context.Context, outcome database.RecordOutcome) {
	s.rotateIfDegraded(ctx, outcome)
}

// rotateIfDegraded reports whether a rotation was attempted.
func (s *Service) rotateIfDegraded(ctx context.Context, outcome database.RecordOutcome) bool {
	if !outcome.HealthChanged() || outcome.Proxy.HealthStatus != domain.HealthInactive {
		return false
	}
	if !config.GetConfig().Rotation.AutoRotateOnInactive {
		return false
	}
	if outcome.Proxy.CurrentAssignments == 0 {
		return false
	}
	log.Warn("Proxy health dropped to inactive, rotating users", "proxy_id", outcome.Proxy.ID, "success_rate", outcome.Proxy.SuccessRatePercent)
	s.RotateAway(ctx, outcome.Proxy.ID, domain.ReasonPerformanceIssue)
	return true
}

// RotateAway moves every active user of proxyID to another proxy, preferring
// one in the same country. Users no proxy can take stay put and admins are alerted.
func (s *Service) RotateAway(ctx context.Context, proxyID string, reason domain.AssignmentReason) dto.RotationOutcome {
	outcome := dto.RotationOutcome{ProxyID: proxyID, Moved: []domain.Assignment{}, Stranded: []string{}}

	source, err := database.GetProxy(ctx, proxyID)
	if err != nil {
		log.Error("Rotation skipped, proxy unavailable", "proxy_id", proxyID, "error", err)
		return outcome
	}
	active, err := database.ActiveAssignmentsForProxy(ctx, proxyID)
	if err != nil {
		log.Error("Rotation skipped, assignments unavailable", "proxy_id", proxyID, "error", err)
		return outcome
	}

	for _, a := range active {
		moved, err := s.moveUser(ctx, source, a.UserID, reason)
		if err != nil {
			if !errors.Is(err, domain.ErrNoProxyAvailable) {
				log.Error("Rotating user failed", "proxy_id", proxyID, "user_id", a.UserID, "error", err)
			}
			outcome.Stranded = append(outcome.Stranded, a.UserID)
			continue
		}
		outcome.Moved = append(outcome.Moved, moved.Assignment)
		s.publishAssignment("auto_rotated", moved.Assignment)
		s.notify(ctx, notify.Message{
			Kind:    notify.KindReassigned,
			UserID:  a.UserID,
			ProxyID: moved.Proxy.ID,
			Subject: "Your proxy has changed",
			Body:    describeProxy(moved.Proxy, reason),
		})
	}

	if len(outcome.Stranded) > 0 {
		log.Warn("Users left on degraded proxy", "proxy_id", proxyID, "users", len(outcome.Stranded))
		s.notify(ctx, notify.Message{
			Kind:    notify.KindAdminAlert,
			ProxyID: proxyID,
			Subject: "Proxy capacity exhausted during rotation",
			Body: fmt.Sprintf("No active proxy with free capacity for %d user(s) on %s (%s): %s",
				len(outcome.Stranded), proxyID, source.Endpoint, strings.Join(outcome.Stranded, ", ")),
		})
	}
	return outcome
}

func (s *Service) moveUser(ctx context.Context, source *domain.Proxy, userID string, reason domain.AssignmentReason) (*database.AssignResult, error) {
	req := database.MoveRequest{
		FromProxyID: source.ID,
		UserID:      userID,
		CountryCode: source.CountryCode,
		Reason:      reason,
		Actor:       domain.SystemActor,
	}
	moved, err := database.MoveUser(ctx, req)
	if errors.Is(err, domain.ErrNoProxyAvailable) && req.CountryCode != "" {
		req.CountryCode = ""
		moved, err = database.MoveUser(ctx, req)
	}
	return moved, err
}
