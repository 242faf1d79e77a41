package prober

import (
	"context"
	"fmt"
	"time"

	"proxyfleet/internal/config"
	"proxyfleet/internal/database"
	"proxyfleet/internal/domain"
	"proxyfleet/internal/events"
	"proxyfleet/internal/geolite"

	"github.com/charmbracelet/log"
	"golang.org/x/sync/singleflight"
)

// timeoutGrace lets a prober report its own timeout before the runner gives up on it.
const timeoutGrace = 2 * time.Second

type OutcomeHook func(ctx context.Context, outcome database.RecordOutcome)

// Runner probes a stored proxy and persists exactly one TestResult per probe.
type Runner struct {
	// Prober overrides the implementation chosen from config; tests set it.
	Prober Prober
	Events events.Publisher
	// OnOutcome runs after the result is committed when health or status moved.
	OnOutcome OutcomeHook

	inflight singleflight.Group
}

// Run probes proxyID. Only infrastructure failures are returned; every
// network outcome ends up in the recorded TestResult.
func (r *Runner) Run(ctx context.Context, proxyID string) (*database.RecordOutcome, error) {
	v, err, shared := r.inflight.Do(proxyID, func() (any, error) {
		return r.run(context.WithoutCancel(ctx), proxyID)
	})
	if err != nil {
		return nil, err
	}
	if shared {
		log.Debug("Joined in-flight probe", "proxy_id", proxyID)
	}
	outcome := v.(*database.RecordOutcome)
	return outcome, nil
}

func (r *Runner) run(ctx context.Context, proxyID string) (*database.RecordOutcome, error) {
	proxy, err := database.GetProxy(ctx, proxyID)
	if err != nil {
		return nil, err
	}

	cfg := config.GetConfig()
	prober := r.Prober
	if prober == nil {
		prober = FromConfig(cfg, geolite.Default())
	}

	result := probeWithDeadline(ctx, prober, *proxy, cfg.ProbeTimeout())
	result.ProxyID = proxy.ID
	result.TestedAt = time.Now()

	outcome, err := database.RecordTestResult(ctx, result, database.RecordOptions{
		AutoPromote: cfg.Registry.AutoPromoteAfterTest,
	})
	if err != nil {
		return nil, fmt.Errorf("record test result for %s: %w", proxyID, err)
	}

	log.Debug("Probe finished", "proxy_id", proxyID, "success", result.Success, "error_type", result.ErrorKind(), "ms", result.ResponseTimeMs)
	r.publish(*outcome)

	if r.OnOutcome != nil && (outcome.HealthChanged() || outcome.StatusChanged()) {
		r.OnOutcome(ctx, *outcome)
	}
	return outcome, nil
}

// probeWithDeadline returns a timeout result if the prober overruns its budget.
// The abandoned probe keeps running until its own context expires.
func probeWithDeadline(ctx context.Context, prober Prober, proxy domain.Proxy, timeout time.Duration) domain.TestResult {
	probeCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	started := time.Now()
	done := make(chan domain.TestResult, 1)
	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				log.Error("Prober panicked", "proxy_id", proxy.ID, "panic", rec)
				var crashed domain.TestResult
				crashed.Fail(domain.ErrorOther, fmt.Sprintf("prober crashed: %v", rec))
				crashed.ResponseTimeMs = time.Since(started).Milliseconds()
				done <- crashed
			}
		}()
		done <- prober.Probe(probeCtx, proxy)
	}()

	select {
	case result := <-done:
		return result
	case <-time.After(timeout + timeoutGrace):
		var timedOut domain.TestResult
		timedOut.Fail(domain.ErrorTimeout, (&domain.ProbeTimeoutError{Timeout: timeout}).Error())
		timedOut.ResponseTimeMs = time.Since(started).Milliseconds()
		timedOut.TestDetails.UserAgent = config.GetConfig().Prober.UserAgent
		return timedOut
	}
}

func (r *Runner) publish(outcome database.RecordOutcome) {
	if r.Events == nil {
		return
	}
	r.Events.Publish(events.TypeTestResult, outcome.Result)
	if outcome.StatusChanged() {
		r.Events.Publish(events.TypeStatus, map[string]any{
			"proxy_id": outcome.Proxy.ID,
			"from":     outcome.PreviousStatus,
			"to":       outcome.Proxy.Status,
			"actor":    domain.SystemActor,
		})
	}
}
