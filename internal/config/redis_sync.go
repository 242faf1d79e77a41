package config

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/redis/go-redis/v9"
)

const (
	redisConfigKey     = "proxyfleet:config:settings"
	redisConfigChannel = "proxyfleet:config:updates"
	redisOpTimeout     = 5 * time.Second
)

// configEnvelope tags a broadcast with its origin so an instance ignores its own echo.
type configEnvelope struct {
	Origin string `json:"origin"`
	Config Config `json:"config"`
}

type redisSyncState struct {
	mu     sync.RWMutex
	client *redis.Client
	ctx    context.Context
	origin string
}

var globalRedisSync redisSyncState

func EnableRedisSynchronization(ctx context.Context, client *redis.Client) {
	if client == nil {
		log.Warn("Config synchronization disabled: redis client is nil")
		return
	}

	globalRedisSync.mu.Lock()
	if globalRedisSync.client != nil {
		globalRedisSync.mu.Unlock()
		return
	}
	host, _ := os.Hostname()
	globalRedisSync.client = client
	globalRedisSync.ctx = ctx
	globalRedisSync.origin = fmt.Sprintf("%s-%d-%d", host, os.Getpid(), time.Now().UnixNano())
	globalRedisSync.mu.Unlock()

	loaded, err := loadConfigFromRedis(ctx, client)
	if err != nil {
		log.Error("Config sync: failed to load configuration from redis", "error", err)
	}
	if !loaded {
		if err := broadcastConfigUpdate(GetConfig()); err != nil {
			log.Error("Config sync: failed to publish configuration to redis", "error", err)
		}
	}

	go subscribeToConfigUpdates(ctx, client)
}

func loadConfigFromRedis(ctx context.Context, client *redis.Client) (bool, error) {
	opCtx, cancel := context.WithTimeout(ctx, redisOpTimeout)
	defer cancel()

	payload, err := client.Get(opCtx, redisConfigKey).Bytes()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	var envelope configEnvelope
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return true, err
	}
	return true, applyConfigUpdate(envelope.Config, configUpdateOptions{persistToFile: true, source: "redis"})
}

func subscribeToConfigUpdates(ctx context.Context, client *redis.Client) {
	pubsub := client.Subscribe(ctx, redisConfigChannel)
	defer pubsub.Close()

	for {
		msg, err := pubsub.ReceiveMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, redis.ErrClosed) {
				return
			}
			log.Error("Config sync: subscription error", "error", err)
			time.Sleep(time.Second)
			continue
		}

		var envelope configEnvelope
		if err := json.Unmarshal([]byte(msg.Payload), &envelope); err != nil {
			log.Error("Config sync: invalid payload", "error", err)
			continue
		}
		if envelope.Origin == syncOrigin() {
			continue
		}

		if err := applyConfigUpdate(envelope.Config, configUpdateOptions{persistToFile: true, source: "redis"}); err != nil {
			log.Error("Config sync: failed to apply remote update", "error", err)
		}
	}
}

func syncOrigin() string {
	globalRedisSync.mu.RLock()
	defer globalRedisSync.mu.RUnlock()
	return globalRedisSync.origin
}

func broadcastConfigUpdate(cfg Config) error {
	globalRedisSync.mu.RLock()
	client, baseCtx, origin := globalRedisSync.client, globalRedisSync.ctx, globalRedisSync.origin
	globalRedisSync.mu.RUnlock()

	if client == nil {
		return nil
	}

	payload, err := json.Marshal(configEnvelope{Origin: origin, Config: cfg})
	if err != nil {
		return err
	}

	if baseCtx == nil || baseCtx.Err() != nil {
		baseCtx = context.Background()
	}
	opCtx, cancel := context.WithTimeout(baseCtx, redisOpTimeout)
	defer cancel()

	if err := client.Set(opCtx, redisConfigKey, payload, 0).Err(); err != nil {
		return err
	}
	return client.Publish(opCtx, redisConfigChannel, payload).Err()
}
