package runtime

import (
	"context"
	"errors"
	"time"

	"proxyfleet/internal/database"
	"proxyfleet/internal/support"

	"github.com/charmbracelet/log"
)

const (
	healthReconcileLeaderKey = "proxyfleet:leader:health-reconcile"
	healthReconcileInterval  = time.Hour
)

// StartHealthReconcileRoutine periodically re-derives every proxy's cached
// health from its stored probe window and repairs drift.
func StartHealthReconcileRoutine(ctx context.Context) {
	loop := func(runCtx context.Context) {
		runHealthReconcileLoop(runCtx, healthReconcileInterval)
	}

	if !support.RedisConfigured() {
		loop(ctx)
		return
	}

	err := support.RunAsLeader(ctx, healthReconcileLeaderKey, support.DefaultLeaseTTL, loop)
	if err != nil && !errors.Is(err, context.Canceled) {
		log.Error("Health reconcile routine stopped", "error", err)
	}
}

func runHealthReconcileLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			reconcileFleetHealth(ctx)
		}
	}
}

func reconcileFleetHealth(ctx context.Context) int {
	ids, err := database.ListTestableProxyIDs(ctx)
	if err != nil {
		log.Error("Health reconcile could not list proxies", "error", err)
		return 0
	}

	repaired := 0
	for _, id := range ids {
		if ctx.Err() != nil {
			break
		}
		changed, err := database.RepairCachedHealth(ctx, id)
		if err != nil {
			log.Warn("Health reconcile failed for proxy", "proxy_id", id, "error", err)
			continue
		}
		if changed {
			repaired++
			log.Warn("Repaired drifted proxy health", "proxy_id", id)
		}
	}

	log.Debug("Health reconcile finished", "proxies", len(ids), "repaired", repaired)
	return repaired
}
