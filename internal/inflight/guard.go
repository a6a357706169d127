// Package inflight keeps concurrent deliveries of the same payment session
// from being processed side by side. It is an optimisation only: the
// database transaction remains the source of truth for idempotency.
package inflight

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/shopcredits/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const (
	keyDeliveryLock = "shopcredits:webhook:inflight:%s"
	defaultLockTTL  = 30 * time.Second
	releaseTimeout  = 2 * time.Second
)

// releaseDelivery deletes the lock only while it still carries the token of
// the delivery that took it. An expired lock may already belong to a redelivery.
var releaseDelivery = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`)

var Module = fx.Module("inflight",
	fx.Provide(NewRedisClient),
	fx.Provide(NewGuard),
)

// Guard hands out per-session delivery locks. A nil Guard allows everything.
type Guard struct {
	client *redis.Client
	ttl    time.Duration
	log    *zap.Logger
}

// NewRedisClient returns nil when REDIS_ADDR is not configured.
func NewRedisClient(lc fx.Lifecycle, cfg config.Config) *redis.Client {
	addr := strings.TrimSpace(cfg.RedisAddr)
	if addr == "" {
		return nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: strings.TrimSpace(cfg.RedisPassword),
		DB:       cfg.RedisDB,
	})
	if lc != nil {
		lc.Append(fx.Hook{
			OnStop: func(context.Context) error {
				return client.Close()
			},
		})
	}
	return client
}

func NewGuard(client *redis.Client, log *zap.Logger) *Guard {
	if client == nil {
		log.Info("redis not configured, delivery guard disabled")
		return nil
	}
	return &Guard{
		client: client,
		ttl:    defaultLockTTL,
		log:    log.Named("inflight"),
	}
}

func NewGuardWithTTL(client *redis.Client, ttl time.Duration, log *zap.Logger) *Guard {
	g := NewGuard(client, log)
	if g != nil && ttl > 0 {
		g.ttl = ttl
	}
	return g
}

// Acquire claims the delivery lock for sessionID. ok is false when another
// delivery currently holds it. release is always safe to call.
func (g *Guard) Acquire(ctx context.Context, sessionID string) (release func(), ok bool, err error) {
	noop := func() {}
	if g == nil || g.client == nil {
		return noop, true, nil
	}

	key := fmt.Sprintf(keyDeliveryLock, strings.TrimSpace(sessionID))
	token := uuid.NewString()
	ok, err = g.client.SetNX(ctx, key, token, g.ttl).Result()
	if err != nil {
		return noop, false, err
	}
	if !ok {
		return noop, false, nil
	}

	return func() {
		// The request context may already be cancelled; releasing must still happen.
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
		defer cancel()
		if err := releaseDelivery.Run(releaseCtx, g.client, []string{key}, token).Err(); err != nil {
			g.log.Warn("release delivery lock failed", zap.String("session_id", sessionID), zap.Error(err))
		}
	}, true, nil
}
