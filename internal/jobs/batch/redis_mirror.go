package batch

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"proxyfleet/internal/api/dto"

	"github.com/charmbracelet/log"
	"github.com/redis/go-redis/v9"
)

const (
	statusKeyPrefix = "proxyfleet:batch:"
	cancelChannel   = "proxyfleet:batch:cancel"
	statusTTL       = 24 * time.Hour
	redisOpTimeout  = 3 * time.Second
)

type redisMirror struct {
	client *redis.Client
}

// EnableRedis mirrors batch status into redis and listens for cancel requests
// issued on other instances. Call once at startup.
func (o *Orchestrator) EnableRedis(ctx context.Context, client *redis.Client) {
	if client == nil {
		return
	}
	o.mu.Lock()
	o.mirror = &redisMirror{client: client}
	o.mu.Unlock()

	go o.listenForCancels(ctx, client)
}

func (o *Orchestrator) redis() *redisMirror {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.mirror
}

func (o *Orchestrator) mirrorStatus(r *run) {
	mirror := o.redis()
	if mirror == nil {
		return
	}
	status := r.snapshot()
	payload, err := json.Marshal(status)
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), redisOpTimeout)
	defer cancel()
	if err := mirror.client.Set(ctx, statusKeyPrefix+status.ID, payload, statusTTL).Err(); err != nil {
		log.Debug("Batch status mirror failed", "batch_id", status.ID, "error", err)
	}
}

func (o *Orchestrator) remoteStatus(ctx context.Context, id string) (dto.BatchStatus, bool) {
	mirror := o.redis()
	if mirror == nil {
		return dto.BatchStatus{}, false
	}
	opCtx, cancel := context.WithTimeout(ctx, redisOpTimeout)
	defer cancel()

	payload, err := mirror.client.Get(opCtx, statusKeyPrefix+id).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			log.Warn("Batch status lookup failed", "batch_id", id, "error", err)
		}
		return dto.BatchStatus{}, false
	}
	var status dto.BatchStatus
	if err := json.Unmarshal(payload, &status); err != nil {
		return dto.BatchStatus{}, false
	}
	return status, true
}

func (o *Orchestrator) broadcastCancel(ctx context.Context, id string) {
	mirror := o.redis()
	if mirror == nil {
		return
	}
	opCtx, cancel := context.WithTimeout(ctx, redisOpTimeout)
	defer cancel()
	if err := mirror.client.Publish(opCtx, cancelChannel, id).Err(); err != nil {
		log.Warn("Batch cancel broadcast failed", "batch_id", id, "error", err)
	}
}

func (o *Orchestrator) listenForCancels(ctx context.Context, client *redis.Client) {
	pubsub := client.Subscribe(ctx, cancelChannel)
	defer pubsub.Close()

	for {
		msg, err := pubsub.ReceiveMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, redis.ErrClosed) {
				return
			}
			log.Error("Batch cancel subscription error", "error", err)
			time.Sleep(time.Second)
			continue
		}

		o.mu.Lock()
		r, ok := o.batches[msg.Payload]
		o.mu.Unlock()
		if ok {
			o.cancelLocal(r)
		}
	}
}
