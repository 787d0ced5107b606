package lock

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

//go:embed scripts/release.lua
var releaseScript string

//go:embed scripts/extend.lua
var extendScript string

const (
	DefaultTTL        = 30 * time.Second
	defaultRetryEvery = 25 * time.Millisecond
	maxRetryEvery     = 250 * time.Millisecond
)

// =============================================================================
// REDIS - Distributed lock
// =============================================================================

// Redis holds a lock as a key with an expiry. The value is a random token so
// only the holder can release or extend it. While a lock is held a watchdog
// extends it every TTL/3; if the holder dies the key expires on its own.
type Redis struct {
	rdb     redis.UniversalClient
	prefix  string
	ttl     time.Duration
	release *redis.Script
	extend  *redis.Script
	log     *zap.Logger
}

type RedisOption func(*Redis)

func WithTTL(ttl time.Duration) RedisOption {
	return func(r *Redis) {
		if ttl > 0 {
			r.ttl = ttl
		}
	}
}

func WithPrefix(prefix string) RedisOption {
	return func(r *Redis) { r.prefix = prefix }
}

// WithLogger reports locks the watchdog failed to keep.
func WithLogger(log *zap.Logger) RedisOption {
	return func(r *Redis) {
		if log != nil {
			r.log = log
		}
	}
}

func NewRedis(rdb redis.UniversalClient, opts ...RedisOption) *Redis {
	r := &Redis{
		rdb:     rdb,
		prefix:  "lock:",
		ttl:     DefaultTTL,
		release: redis.NewScript(releaseScript),
		extend:  redis.NewScript(extendScript),
		log:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Lock retries SET NX with a growing pause until it wins or ctx is done.
func (r *Redis) Lock(ctx context.Context, key string) (func(), error) {
	key = r.prefix + key
	token := uuid.NewString()
	wait := defaultRetryEvery

	for {
		ok, err := r.rdb.SetNX(ctx, key, token, r.ttl).Result()
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			return nil, fmt.Errorf("acquire %s: %w", key, err)
		}
		if ok {
			return r.hold(key, token), nil
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
		if wait *= 2; wait > maxRetryEvery {
			wait = maxRetryEvery
		}
	}
}

// hold starts the watchdog and returns the unlock func.
func (r *Redis) hold(key, token string) func() {
	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(r.ttl / 3)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				ctx, cancel := context.WithTimeout(context.Background(), r.ttl/3)
				n, err := r.extend.Run(ctx, r.rdb, []string{key}, token, r.ttl.Milliseconds()).Int64()
				cancel()
				if err != nil && !errors.Is(err, redis.Nil) {
					continue
				}
				if n == 0 {
					r.log.Warn("lock lost before release", zap.String("key", key), zap.Duration("ttl", r.ttl))
					return
				}
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			close(stop)
			wg.Wait()
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = r.release.Run(ctx, r.rdb, []string{key}, token).Err()
		})
	}
}
