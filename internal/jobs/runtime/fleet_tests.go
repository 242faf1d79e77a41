package runtime

import (
	"context"
	"errors"
	"time"

	"proxyfleet/internal/api/dto"
	"proxyfleet/internal/config"
	"proxyfleet/internal/jobs/batch"
	"proxyfleet/internal/support"

	"github.com/charmbracelet/log"
)

const (
	fleetTestLeaderKey = "proxyfleet:leader:fleet-tests"
	scheduledActor     = "scheduler"
)

type BatchStarter interface {
	Start(ctx context.Context, req batch.Request) (dto.BatchAck, error)
	Wait(ctx context.Context, id string) (dto.BatchStatus, error)
}

// StartScheduledFleetTests runs a test_all batch every scheduler.timer while
// scheduler.enabled is set. With redis configured only the lease holder
// schedules; otherwise this instance always does.
func StartScheduledFleetTests(ctx context.Context, starter BatchStarter) {
	updates := config.SchedulerIntervalUpdates()
	loop := func(runCtx context.Context) {
		scheduleFleetTests(runCtx, starter, updates)
	}

	if !support.RedisConfigured() {
		loop(ctx)
		return
	}

	err := support.RunAsLeader(ctx, fleetTestLeaderKey, support.DefaultLeaseTTL, loop)
	if err != nil && !errors.Is(err, context.Canceled) {
		log.Error("Scheduled fleet tests stopped", "error", err)
	}
}

func scheduleFleetTests(ctx context.Context, starter BatchStarter, updates <-chan time.Duration) {
	interval := config.GetSchedulerInterval()
	timer := time.NewTimer(interval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case next := <-updates:
			if next != interval {
				log.Debug("Fleet test interval changed", "interval", next)
				interval = next
				resetTimer(timer, interval)
			}
		case <-timer.C:
			if config.GetConfig().Scheduler.Enabled {
				runFleetTest(ctx, starter)
			}
			timer.Reset(interval)
		}
	}
}

// runFleetTest waits for the batch so two scheduled runs never overlap.
func runFleetTest(ctx context.Context, starter BatchStarter) {
	ack, err := starter.Start(ctx, batch.Request{TestAll: true, RequestedBy: scheduledActor})
	if err != nil {
		log.Error("Scheduled fleet test failed to start", "error", err)
		return
	}
	if ack.Total == 0 {
		return
	}

	status, err := starter.Wait(ctx, ack.BatchID)
	if err != nil {
		log.Debug("Stopped waiting for scheduled fleet test", "batch_id", ack.BatchID, "error", err)
		return
	}
	log.Info("Scheduled fleet test done", "batch_id", status.ID, "succeeded", status.Succeeded, "failed", status.Failed)
}

func resetTimer(timer *time.Timer, d time.Duration) {
	if !timer.Stop() {
		select {
		case <-timer.C:
		default:
		}
	}
	timer.Reset(d)
}
