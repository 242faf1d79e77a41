package support

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	redisURLEnv      = "REDIS_URL"
	redisPingTimeout = 5 * time.Second
)

var ErrRedisNotConfigured = errors.New("redis not configured: " + redisURLEnv)

var (
	redisMu     sync.Mutex
	redisClient *redis.Client
)

// RedisConfigured reports whether cross-instance features (leader election, config sync, batch fan-in) are available.
func RedisConfigured() bool {
	return GetEnv(redisURLEnv, "") != ""
}

func GetRedisClient() (*redis.Client, error) {
	redisMu.Lock()
	defer redisMu.Unlock()

	if redisClient != nil {
		return redisClient, nil
	}

	redisURL := GetEnv(redisURLEnv, "")
	if redisURL == "" {
		return nil, ErrRedisNotConfigured
	}

	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opt)
	ctx, cancel := context.WithTimeout(context.Background(), redisPingTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect redis: %w", err)
	}

	redisClient = client
	return redisClient, nil
}

// SetRedisClientForTests swaps the shared client; pass nil to reset.
func SetRedisClientForTests(client *redis.Client) {
	redisMu.Lock()
	defer redisMu.Unlock()
	redisClient = client
}

func CloseRedisClient() error {
	redisMu.Lock()
	defer redisMu.Unlock()

	if redisClient == nil {
		return nil
	}
	err := redisClient.Close()
	redisClient = nil
	return err
}
