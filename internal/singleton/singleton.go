// Package singleton keeps exactly one copy of a task running within the
// addressable scope. The local guard is trivial; the redis guard holds a
// leased name so a replacement starts on a surviving node after a node
// loss.
package singleton

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Guard runs fn while holding cluster-wide leadership for name. Run blocks
// until ctx is canceled. Brief overlap during failover is acceptable to
// callers; the alarm claim semantics serialize duplicates.
type Guard interface {
	Run(ctx context.Context, name string, fn func(ctx context.Context) error) error
}

// Local always leads; the scope is one process.
type Local struct{}

func (Local) Run(ctx context.Context, name string, fn func(ctx context.Context) error) error {
	return fn(ctx)
}

// releaseScript deletes the lease only while we still hold it.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// renewScript extends the lease only while we still hold it.
var renewScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// Redis is a lease-based guard. The holder refreshes the lease at a third
// of its TTL; when the holder dies, the lease expires and any surviving
// node acquires it.
type Redis struct {
	client *redis.Client
	nodeID string
	ttl    time.Duration
	log    *zap.Logger
}

// NewRedis builds a redis guard. nodeID must be unique per process.
func NewRedis(client *redis.Client, nodeID string, ttl time.Duration, log *zap.Logger) *Redis {
	if ttl <= 0 {
		ttl = 15 * time.Second
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Redis{client: client, nodeID: nodeID, ttl: ttl, log: log}
}

func (g *Redis) Run(ctx context.Context, name string, fn func(ctx context.Context) error) error {
	key := "perch:singleton:" + name
	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = 0 // keep trying until ctx is done
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		acquired, err := g.client.SetNX(ctx, key, g.nodeID, g.ttl).Result()
		if err != nil {
			g.log.Warn("singleton acquire failed", zap.String("name", name), zap.Error(err))
		}
		if acquired {
			g.log.Info("singleton acquired", zap.String("name", name))
			err := g.lead(ctx, key, fn)
			if err != nil && ctx.Err() == nil {
				g.log.Warn("singleton task exited", zap.String("name", name), zap.Error(err))
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			bo.Reset()
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(bo.NextBackOff()):
		}
	}
}

// lead runs fn while renewing the lease; fn's context is canceled when the
// lease is lost.
func (g *Redis) lead(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	leadCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer func() {
		relCtx, relCancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer relCancel()
		if _, err := releaseScript.Run(relCtx, g.client, []string{key}, g.nodeID).Result(); err != nil {
			g.log.Warn("singleton release failed", zap.Error(err))
		}
	}()

	renewEvery := g.ttl / 3
	go func() {
		ticker := time.NewTicker(renewEvery)
		defer ticker.Stop()
		for {
			select {
			case <-leadCtx.Done():
				return
			case <-ticker.C:
				n, err := renewScript.Run(leadCtx, g.client, []string{key}, g.nodeID, g.ttl.Milliseconds()).Int()
				if err != nil || n == 0 {
					if leadCtx.Err() == nil {
						g.log.Warn("singleton lease lost", zap.Error(err))
					}
					cancel()
					return
				}
			}
		}
	}()

	return fn(leadCtx)
}

var (
	_ Guard = Local{}
	_ Guard = (*Redis)(nil)
)
