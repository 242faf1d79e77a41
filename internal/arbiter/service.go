// Package arbiter decides which proxy a user gets and moves users between
// proxies. Every state change commits in the database package first; the
// notifications and events emitted here happen strictly after commit.
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
	"proxyfleet/internal/events"
	"proxyfleet/internal/notify"

	"github.com/charmbracelet/log"
)

type Service struct {
	notifier notify.Sink
	events   events.Publisher
}

func New(notifier notify.Sink, publisher events.Publisher) *Service {
	return &Service{notifier: notifier, events: publisher}
}

type AssignInput struct {
	ProxyID     string
	UserID      string
	Reason      string
	CountryCode string
	Actor       string
}

// Assign binds the user to ProxyID, or to the best available proxy when ProxyID is empty.
func (s *Service) Assign(ctx context.Context, in AssignInput) (*database.AssignResult, error) {
	userID := strings.TrimSpace(in.UserID)
	verr := &domain.ValidationError{}
	if userID == "" {
		verr.Add("user_id", "is required")
	}
	reason, ok := domain.ParseAssignmentReason(in.Reason, domain.ReasonInitialAssignment)
	if !ok {
		verr.Add("reason", "unknown assignment reason")
	}
	if err := verr.OrNil(); err != nil {
		return nil, err
	}

	var (
		result *database.AssignResult
		err    error
	)
	if strings.TrimSpace(in.ProxyID) == "" {
		country := strings.ToUpper(strings.TrimSpace(in.CountryCode))
		result, err = database.AutoAssign(ctx, userID, country, reason, in.Actor)
		if errors.Is(err, domain.ErrNoProxyAvailable) {
			s.alertNoCapacity(ctx, userID, country)
		}
	} else {
		result, err = database.AssignProxy(ctx, database.AssignRequest{
			ProxyID: strings.TrimSpace(in.ProxyID),
			UserID:  userID,
			Reason:  reason,
			Actor:   in.Actor,
		})
	}
	if err != nil {
		return nil, err
	}

	if result.Created {
		log.Info("Proxy assigned", "proxy_id", result.Proxy.ID, "user_id", userID, "reason", reason, "actor", in.Actor)
		s.publishAssignment("assigned", result.Assignment)
		s.notify(ctx, notify.Message{
			Kind:    notify.KindAssigned,
			UserID:  userID,
			ProxyID: result.Proxy.ID,
			Subject: "A proxy has been assigned to you",
			Body:    describeProxy(result.Proxy, reason),
		})
	}
	return result, nil
}

type ReassignInput struct {
	ProxyID      string
	TargetUserID string
	FromUserID   string
	Reason       string
	Actor        string
}

// Reassign moves TargetUserID onto ProxyID, optionally evicting FromUserID.
// Nothing is released when the final assignment fails.
func (s *Service) Reassign(ctx context.Context, in ReassignInput) (*dto.ReassignResult, error) {
	verr := &domain.ValidationError{}
	target := strings.TrimSpace(in.TargetUserID)
	if target == "" {
		verr.Add("user_id", "is required")
	}
	reason, ok := domain.ParseAssignmentReason(in.Reason, domain.ReasonAdminManual)
	if !ok {
		verr.Add("reason", "unknown assignment reason")
	}
	if err := verr.OrNil(); err != nil {
		return nil, err
	}

	res, err := database.ReassignProxy(ctx, database.ReassignRequest{
		ProxyID:      in.ProxyID,
		TargetUserID: target,
		FromUserID:   strings.TrimSpace(in.FromUserID),
		Reason:       reason,
		Actor:        in.Actor,
	})
	if err != nil {
		return nil, err
	}

	log.Info("Proxy reassigned", "proxy_id", in.ProxyID, "user_id", target, "released", len(res.Released), "reason", reason, "actor", in.Actor)
	for _, released := range res.Released {
		s.publishAssignment("released", released)
		if released.UserID != target {
			s.notify(ctx, notify.Message{
				Kind:    notify.KindReleased,
				UserID:  released.UserID,
				ProxyID: released.ProxyID,
				Subject: "Your proxy assignment was released",
				Body:    fmt.Sprintf("Proxy %s was reassigned (%s).", released.ProxyID, reason),
			})
		}
	}
	s.publishAssignment("reassigned", res.Assignment)
	s.notify(ctx, notify.Message{
		Kind:    notify.KindReassigned,
		UserID:  target,
		ProxyID: res.Proxy.ID,
		Subject: "Your proxy has changed",
		Body:    describeProxy(res.Proxy, reason),
	})

	return &dto.ReassignResult{Assignment: res.Assignment, Released: res.Released, Created: res.Created}, nil
}

// Release is idempotent: a missing binding returns (nil, nil).
func (s *Service) Release(ctx context.Context, proxyID, userID, actor, reason string) (*domain.Assignment, error) {
	verr := &domain.ValidationError{}
	if strings.TrimSpace(proxyID) == "" {
		verr.Add("proxy_id", "is required")
	}
	if strings.TrimSpace(userID) == "" {
		verr.Add("user_id", "is required")
	}
	if err := verr.OrNil(); err != nil {
		return nil, err
	}
	if reason == "" {
		reason = string(domain.ReasonUserRequest)
	}

	released, err := database.ReleaseAssignment(ctx, proxyID, userID, actor, reason)
	if err != nil {
		return nil, err
	}
	if released != nil {
		log.Info("Proxy released", "proxy_id", proxyID, "user_id", userID, "actor", actor)
		s.publishAssignment("released", *released)
	}
	return released, nil
}

// GetUserProxy hands a job worker its proxy including credentials.
func (s *Service) GetUserProxy(ctx context.Context, userID string) (*dto.UserProxy, error) {
	if _, err := database.GetUser(ctx, userID); err != nil {
		return nil, userLookupError(err)
	}
	assignment, proxy, err := database.ActiveAssignmentForUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	return &dto.UserProxy{
		Assignment: *assignment,
		Proxy:      *proxy,
		Credentials: dto.ProxyCredentials{
			Protocol: string(proxy.Protocol),
			Endpoint: proxy.Endpoint,
			Username: proxy.Username,
			Password: proxy.Password,
			URL:      proxy.URL().String(),
		},
	}, nil
}

type StatusInput struct {
	ProxyID string
	Status  string
	Reason  string
	Force   bool
	Actor   string
}

// UpdateStatus applies an admin status change. Leaving active rotates the
// proxy's users elsewhere when rotation is enabled.
func (s *Service) UpdateStatus(ctx context.Context, in StatusInput) (*database.StatusChangeResult, error) {
	to, ok := domain.ParseProxyStatus(in.Status)
	if !ok {
		verr := &domain.ValidationError{}
		verr.Add("status", "must be one of active, inactive, maintenance, banned, testing")
		return nil, verr
	}

	res, err := database.UpdateProxyStatus(ctx, database.StatusChange{
		ProxyID: in.ProxyID,
		To:      to,
		Force:   in.Force,
		Actor:   in.Actor,
		Reason:  in.Reason,
	})
	if err != nil {
		return nil, err
	}
	if !res.Changed {
		return res, nil
	}

	log.Info("Proxy status changed", "proxy_id", in.ProxyID, "from", res.From, "to", to, "forced", in.Force, "actor", in.Actor)
	s.publish(events.TypeStatus, map[string]any{"proxy_id": in.ProxyID, "from": res.From, "to": to, "actor": in.Actor})

	if res.From == domain.ProxyStatusActive && config.GetConfig().Rotation.AutoRotateOnInactive {
		reason := domain.ReasonMaintenance
		if to != domain.ProxyStatusMaintenance {
			reason = domain.ReasonPerformanceIssue
		}
		s.RotateAway(ctx, in.ProxyID, reason)
	}
	return res, nil
}

// DeleteProxy removes the proxy; with force its users are released first and told so.
func (s *Service) DeleteProxy(ctx context.Context, proxyID string, force bool, actor string) ([]domain.Assignment, error) {
	released, err := database.DeleteProxy(ctx, proxyID, force, actor)
	if err != nil {
		return nil, err
	}
	log.Info("Proxy deleted", "proxy_id", proxyID, "released", len(released), "actor", actor)
	for _, a := range released {
		s.publishAssignment("released", a)
		s.notify(ctx, notify.Message{
			Kind:    notify.KindReleased,
			UserID:  a.UserID,
			ProxyID: proxyID,
			Subject: "Your proxy was removed",
			Body:    fmt.Sprintf("Proxy %s was removed from the fleet. Request a new proxy to continue.", proxyID),
		})
	}
	return released, nil
}

func (s *Service) alertNoCapacity(ctx context.Context, userID, country string) {
	scope := "any country"
	if country != "" {
		scope = country
	}
	log.Warn("No proxy available for user", "user_id", userID, "country", country)
	s.notify(ctx, notify.Message{
		Kind:    notify.KindAdminAlert,
		UserID:  userID,
		Subject: "No proxy available for assignment",
		Body:    fmt.Sprintf("User %s requested a proxy (%s) but no active proxy has free capacity.", userID, scope),
	})
}

func (s *Service) publishAssignment(action string, a domain.Assignment) {
	s.publish(events.TypeAssignment, map[string]any{"action": action, "assignment": a})
}

func (s *Service) publish(eventType string, data any) {
	if s.events != nil {
		s.events.Publish(eventType, data)
	}
}

func (s *Service) notify(ctx context.Context, msg notify.Message) {
	notify.Dispatch(ctx, s.notifier, msg)
}

func describeProxy(p domain.Proxy, reason domain.AssignmentReason) string {
	location := p.CountryCode
	if p.City != "" {
		location = p.City + ", " + p.CountryCode
	}
	return fmt.Sprintf("Proxy %s (%s, %s) via %s. Reason: %s.", p.ID, p.Endpoint, location, p.Provider, reason)
}

// userLookupError keeps not-found as is and reports anything else as an unavailable directory.
func userLookupError(err error) error {
	if errors.Is(err, domain.ErrNotFound) {
		return err
	}
	return fmt.Errorf("%w: %v", domain.ErrUserDirectoryUnavailable, err)
}
