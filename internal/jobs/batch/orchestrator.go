// Package batch fans probes out over a bounded worker pool. A batch starts in
// the background, reports progress by id and can be cancelled by id.
package batch

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"proxyfleet/internal/api/dto"
	"proxyfleet/internal/config"
	"proxyfleet/internal/database"
	"proxyfleet/internal/domain"
	"proxyfleet/internal/events"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

const finishedRetention = time.Hour

// ProbeFunc runs and records one probe. Returned errors are infrastructure
// failures; probe failures arrive as an unsuccessful outcome.
type ProbeFunc func(ctx context.Context, proxyID string) (*database.RecordOutcome, error)

type Request struct {
	ProxyIDs    []string
	TestAll     bool
	RequestedBy string
}

type Orchestrator struct {
	base   context.Context
	probe  ProbeFunc
	events events.Publisher
	mirror *redisMirror

	mu      sync.Mutex
	batches map[string]*run
}

// NewOrchestrator binds batches to base; cancelling base stops dispatch of every batch.
func NewOrchestrator(base context.Context, probe ProbeFunc, publisher events.Publisher) *Orchestrator {
	return &Orchestrator{
		base:    base,
		probe:   probe,
		events:  publisher,
		batches: make(map[string]*run),
	}
}

type run struct {
	mu       sync.Mutex
	status   dto.BatchStatus
	cancel   context.CancelFunc
	done     chan struct{}
	stopping bool
}

func (r *run) snapshot() dto.BatchStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

// Start resolves the selection and returns as soon as the batch is registered.
func (o *Orchestrator) Start(ctx context.Context, req Request) (dto.BatchAck, error) {
	ids, err := o.resolve(ctx, req)
	if err != nil {
		return dto.BatchAck{}, err
	}

	workers := int(config.GetConfig().Batch.Workers)
	batchCtx, cancel := context.WithCancel(o.base)
	r := &run{
		status: dto.BatchStatus{
			ID:          uuid.NewString(),
			State:       dto.BatchRunning,
			Total:       len(ids),
			StartedAt:   time.Now(),
			RequestedBy: req.RequestedBy,
		},
		cancel: cancel,
		done:   make(chan struct{}),
	}

	o.mu.Lock()
	o.pruneLocked(time.Now())
	o.batches[r.status.ID] = r
	o.mu.Unlock()

	log.Info("Batch test started", "batch_id", r.status.ID, "proxies", len(ids), "workers", workers, "requested_by", req.RequestedBy)
	o.announce(r)

	go o.execute(batchCtx, r, ids, workers)

	return dto.BatchAck{
		Message: fmt.Sprintf("Batch test started for %d proxies", len(ids)),
		BatchID: r.status.ID,
		Total:   len(ids),
	}, nil
}

func (o *Orchestrator) resolve(ctx context.Context, req Request) ([]string, error) {
	if req.TestAll {
		return database.ListTestableProxyIDs(ctx)
	}

	ids := dedupe(req.ProxyIDs)
	verr := &domain.ValidationError{}
	maxIDs := int(config.GetConfig().Batch.MaxExplicitIDs)
	switch {
	case len(ids) == 0:
		verr.Add("proxy_ids", "provide at least one proxy id or set test_all")
	case maxIDs > 0 && len(ids) > maxIDs:
		verr.Add("proxy_ids", fmt.Sprintf("at most %d proxy ids per batch, use test_all for more", maxIDs))
	}
	if err := verr.OrNil(); err != nil {
		return nil, err
	}

	found, err := database.GetProxiesByIDs(ctx, ids)
	if err != nil {
		return nil, err
	}
	if len(found) != len(ids) {
		known := make(map[string]bool, len(found))
		for _, p := range found {
			known[p.ID] = true
		}
		for _, id := range ids {
			if !known[id] {
				verr.Add("proxy_ids", "unknown proxy "+id)
			}
		}
		return nil, verr.OrNil()
	}
	return ids, nil
}

func (o *Orchestrator) execute(ctx context.Context, r *run, ids []string, workers int) {
	defer close(r.done)
	defer r.cancel()

	if workers < 1 {
		workers = 1
	}
	var g errgroup.Group
	g.SetLimit(workers)

	for _, id := range ids {
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			// Cancellation only stops dispatch; a started probe runs to completion.
			if !r.dispatch(ctx) {
				return nil
			}
			o.probeOne(context.WithoutCancel(ctx), r, id)
			return nil
		})
	}
	_ = g.Wait()

	now := time.Now()
	r.mu.Lock()
	if r.stopping && r.status.Dispatched < r.status.Total {
		r.status.State = dto.BatchCancelled
	} else {
		r.status.State = dto.BatchCompleted
	}
	r.status.FinishedAt = &now
	final := r.status
	r.mu.Unlock()

	log.Info("Batch test finished", "batch_id", final.ID, "state", final.State, "completed", final.Completed,
		"succeeded", final.Succeeded, "failed", final.Failed, "errored", final.Errored, "duration", now.Sub(final.StartedAt))
	o.announce(r)
}

// dispatch counts a probe as started unless the batch was cancelled while it queued.
func (r *run) dispatch(ctx context.Context) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if ctx.Err() != nil {
		return false
	}
	r.status.Dispatched++
	return true
}

func (o *Orchestrator) probeOne(ctx context.Context, r *run, proxyID string) {
	defer func() {
		if rec := recover(); rec != nil {
			log.Error("Batch probe panicked", "batch_id", r.status.ID, "proxy_id", proxyID, "panic", rec)
			r.record(nil, fmt.Errorf("panic: %v", rec))
		}
	}()

	outcome, err := o.probe(ctx, proxyID)
	if err != nil {
		log.Warn("Batch probe could not be recorded", "proxy_id", proxyID, "error", err)
	}
	r.record(outcome, err)
	o.mirrorStatus(r)
}

func (r *run) record(outcome *database.RecordOutcome, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.status.Completed++
	switch {
	case err != nil || outcome == nil:
		r.status.Errored++
	case outcome.Result.Success:
		r.status.Succeeded++
	default:
		r.status.Failed++
	}
}

// Status reports a local batch, falling back to the redis mirror for batches
// started on another instance.
func (o *Orchestrator) Status(ctx context.Context, id string) (dto.BatchStatus, error) {
	o.mu.Lock()
	r, ok := o.batches[id]
	o.mu.Unlock()
	if ok {
		return r.snapshot(), nil
	}
	if status, found := o.remoteStatus(ctx, id); found {
		return status, nil
	}
	return dto.BatchStatus{}, &domain.NotFoundError{Kind: "batch", ID: id}
}

// Cancel stops dispatching new probes of the batch. Cancelling a finished batch is a no-op.
func (o *Orchestrator) Cancel(ctx context.Context, id string) (dto.BatchStatus, error) {
	o.mu.Lock()
	r, ok := o.batches[id]
	o.mu.Unlock()
	if !ok {
		status, found := o.remoteStatus(ctx, id)
		if !found {
			return dto.BatchStatus{}, &domain.NotFoundError{Kind: "batch", ID: id}
		}
		o.broadcastCancel(ctx, id)
		return status, nil
	}

	o.cancelLocal(r)
	return r.snapshot(), nil
}

func (o *Orchestrator) cancelLocal(r *run) {
	r.mu.Lock()
	alreadyDone := r.status.FinishedAt != nil
	if !alreadyDone {
		r.stopping = true
	}
	r.mu.Unlock()
	if alreadyDone {
		return
	}
	r.cancel()
	log.Info("Batch test cancelled", "batch_id", r.status.ID)
}

// Wait blocks until the batch finishes or ctx ends.
func (o *Orchestrator) Wait(ctx context.Context, id string) (dto.BatchStatus, error) {
	o.mu.Lock()
	r, ok := o.batches[id]
	o.mu.Unlock()
	if !ok {
		return dto.BatchStatus{}, &domain.NotFoundError{Kind: "batch", ID: id}
	}
	select {
	case <-r.done:
		return r.snapshot(), nil
	case <-ctx.Done():
		return r.snapshot(), ctx.Err()
	}
}

// List returns known batches, newest first.
func (o *Orchestrator) List() []dto.BatchStatus {
	o.mu.Lock()
	out := make([]dto.BatchStatus, 0, len(o.batches))
	for _, r := range o.batches {
		out = append(out, r.snapshot())
	}
	o.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	return out
}

func (o *Orchestrator) pruneLocked(now time.Time) {
	for id, r := range o.batches {
		status := r.snapshot()
		if status.FinishedAt != nil && now.Sub(*status.FinishedAt) > finishedRetention {
			delete(o.batches, id)
		}
	}
}

func (o *Orchestrator) announce(r *run) {
	status := r.snapshot()
	if o.events != nil {
		o.events.Publish(events.TypeBatch, status)
	}
	o.mirrorStatus(r)
}

func dedupe(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}
