package support

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
	"github.com/redis/go-redis/v9"
)

const (
	DefaultLeaseTTL   = 45 * time.Second
	leaseRetryDelay   = time.Second
	leaseRedisTimeout = 5 * time.Second
)

var (
	leaseSeq atomic.Uint64

	// Both scripts only touch the key while we still own it.
	extendLeaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`)

	dropLeaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)
)

// RunAsLeader blocks until ctx is done. Whenever this instance holds the lease
// stored under key it runs fn with a context that is cancelled as soon as the
// lease is lost; when fn returns the lease is dropped and re-contended.
func RunAsLeader(ctx context.Context, key string, ttl time.Duration, fn func(context.Context)) error {
	if fn == nil {
		return errors.New("leader: nil run function")
	}
	if ttl <= 0 {
		ttl = DefaultLeaseTTL
	}

	client, err := GetRedisClient()
	if err != nil {
		return fmt.Errorf("leader: %w", err)
	}

	for {
		lease, err := acquireLease(ctx, client, key, ttl)
		if err != nil {
			return ctx.Err()
		}

		log.Debug("leader lease acquired", "key", key)
		fn(lease.ctx)
		lease.release()
		log.Debug("leader lease released", "key", key)

		if !sleepCtx(ctx, leaseRetryDelay) {
			return ctx.Err()
		}
	}
}

type lease struct {
	client  *redis.Client
	key     string
	owner   string
	ttl     time.Duration
	ctx     context.Context
	cancel  context.CancelFunc
	done    chan struct{}
	release func()
}

func acquireLease(ctx context.Context, client *redis.Client, key string, ttl time.Duration) (*lease, error) {
	host, _ := os.Hostname()
	owner := fmt.Sprintf("%s-%d-%d", host, os.Getpid(), leaseSeq.Add(1))

	for {
		ok, err := client.SetNX(ctx, key, owner, ttl).Result()
		switch {
		case ctx.Err() != nil:
			return nil, ctx.Err()
		case err != nil:
			log.Warn("leader lease: setnx failed", "key", key, "error", err)
		case ok:
			l := &lease{client: client, key: key, owner: owner, ttl: ttl, done: make(chan struct{})}
			l.ctx, l.cancel = context.WithCancel(ctx)
			var once sync.Once
			l.release = func() {
				once.Do(func() {
					close(l.done)
					l.cancel()
					if err := l.drop(); err != nil {
						log.Warn("leader lease: release failed", "key", key, "error", err)
					}
				})
			}
			go l.keepAlive()
			return l, nil
		}

		if !sleepCtx(ctx, leaseRetryDelay) {
			return nil, ctx.Err()
		}
	}
}

func (l *lease) keepAlive() {
	interval := l.ttl / 3
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-l.done:
			return
		case <-l.ctx.Done():
			return
		case <-ticker.C:
			if err := l.extend(); err != nil {
				log.Warn("leader lease lost", "key", l.key, "error", err)
				l.cancel()
				return
			}
		}
	}
}

func (l *lease) extend() error {
	ctx, cancel := context.WithTimeout(context.Background(), leaseRedisTimeout)
	defer cancel()

	res, err := extendLeaseScript.Run(ctx, l.client, []string{l.key}, l.owner, l.ttl.Milliseconds()).Int64()
	if err != nil {
		return err
	}
	if res == 0 {
		return errors.New("lease taken over")
	}
	return nil
}

func (l *lease) drop() error {
	ctx, cancel := context.WithTimeout(context.Background(), leaseRedisTimeout)
	defer cancel()

	err := dropLeaseScript.Run(ctx, l.client, []string{l.key}, l.owner).Err()
	if err != nil && !errors.Is(err, redis.Nil) {
		return err
	}
	return nil
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
