// Package cluster selects the registry, singleton guard, and invoke
// transport for the configured mode. Higher-level components consume the
// adapter and never branch on local versus distributed themselves.
package cluster

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/perchlabs/perch/internal/registry"
	"github.com/perchlabs/perch/internal/singleton"
	"github.com/perchlabs/perch/internal/telemetry"
)

// Mode names the addressable scope.
type Mode string

const (
	ModeLocal       Mode = "local"
	ModeDistributed Mode = "distributed"
)

// ParseMode validates a configuration string. Empty means local.
func ParseMode(s string) (Mode, error) {
	switch s {
	case "", string(ModeLocal):
		return ModeLocal, nil
	case string(ModeDistributed):
		return ModeDistributed, nil
	}
	return "", fmt.Errorf("unknown registry mode %q", s)
}

// Options configures the adapter. Redis and NATS settings apply to
// distributed mode only.
type Options struct {
	Mode        Mode
	NodeID      string // default: generated
	RedisAddr   string // used when RedisClient is nil
	RedisClient *redis.Client
	NATSURL     string // used when NATSConn is nil
	NATSConn    *nats.Conn
	Members     []string // explicit peer list; empty means auto discovery
	NodeTTL     time.Duration
	Tel         *telemetry.Telemetry
}

// Adapter bundles the mode-specific implementations.
type Adapter struct {
	Mode     Mode
	NodeID   string
	Registry registry.Registry
	Guard    singleton.Guard

	tel       *telemetry.Telemetry
	log       *zap.Logger
	redis     *redis.Client
	ownsRedis bool
	nats      *nats.Conn
	ownsNATS  bool
	transport *transport
	directory *directory
	members   []string
	nodeTTL   time.Duration
	heartbeat context.CancelFunc
}

// New builds the adapter for the configured mode. Distributed mode pings
// redis with exponential backoff for up to 30s (or until ctx ends), then
// connects to NATS with the client's retry-on-failed-connect enabled.
func New(ctx context.Context, opts Options) (*Adapter, error) {
	if opts.Tel == nil {
		opts.Tel = telemetry.Nop()
	}
	if opts.NodeID == "" {
		opts.NodeID = uuid.NewString()
	}
	if opts.NodeTTL <= 0 {
		opts.NodeTTL = 15 * time.Second
	}
	a := &Adapter{
		Mode:    opts.Mode,
		NodeID:  opts.NodeID,
		tel:     opts.Tel,
		log:     opts.Tel.Log.Named("cluster"),
		members: opts.Members,
		nodeTTL: opts.NodeTTL,
	}

	switch opts.Mode {
	case ModeLocal, "":
		a.Mode = ModeLocal
		a.Registry = registry.NewLocal()
		a.Guard = singleton.Local{}
		return a, nil
	case ModeDistributed:
	default:
		return nil, fmt.Errorf("unknown registry mode %q", opts.Mode)
	}

	a.redis = opts.RedisClient
	if a.redis == nil {
		a.redis = redis.NewClient(&redis.Options{Addr: opts.RedisAddr})
		a.ownsRedis = true
	}
	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = 30 * time.Second
	if err := backoff.Retry(func() error {
		return a.redis.Ping(ctx).Err()
	}, backoff.WithContext(bo, ctx)); err != nil {
		return nil, fmt.Errorf("redis: %w", err)
	}

	a.nats = opts.NATSConn
	if a.nats == nil {
		conn, err := nats.Connect(opts.NATSURL,
			nats.RetryOnFailedConnect(true),
			nats.MaxReconnects(-1),
			nats.Name("perch-"+a.NodeID))
		if err != nil {
			return nil, fmt.Errorf("nats: %w", err)
		}
		a.nats = conn
		a.ownsNATS = true
	}

	a.transport = newTransport(a.nats, a.NodeID, a.log)
	a.directory = newDirectory(a.redis, a.NodeID, a.transport, a.log)
	a.Registry = a.directory
	a.Guard = singleton.NewRedis(a.redis, a.NodeID, a.nodeTTL, a.log)

	hbCtx, cancel := context.WithCancel(context.Background())
	a.heartbeat = cancel
	go a.heartbeatLoop(hbCtx)
	return a, nil
}

// Serve attaches the local invoke/fire endpoints so peers can route work
// here. Local mode is a no-op.
func (a *Adapter) Serve(local LocalRouter) error {
	if a.transport == nil {
		return nil
	}
	return a.transport.serve(local)
}

// Members returns the known peer node IDs: the explicit list when
// configured, otherwise the nodes with a live heartbeat.
func (a *Adapter) Members(ctx context.Context) ([]string, error) {
	if a.Mode == ModeLocal {
		return []string{a.NodeID}, nil
	}
	if len(a.members) > 0 {
		return a.members, nil
	}
	var (
		cursor uint64
		out    []string
	)
	for {
		keys, next, err := a.redis.Scan(ctx, cursor, nodeKeyPrefix+"*", 64).Result()
		if err != nil {
			return nil, fmt.Errorf("scan members: %w", err)
		}
		for _, k := range keys {
			out = append(out, k[len(nodeKeyPrefix):])
		}
		if next == 0 {
			return out, nil
		}
		cursor = next
	}
}

const nodeKeyPrefix = "perch:node:"

func (a *Adapter) heartbeatLoop(ctx context.Context) {
	refresh := a.nodeTTL / 3
	ticker := time.NewTicker(refresh)
	defer ticker.Stop()
	beat := func() {
		if err := a.redis.Set(ctx, nodeKeyPrefix+a.NodeID, "1", a.nodeTTL).Err(); err != nil && ctx.Err() == nil {
			a.log.Warn("heartbeat failed", zap.Error(err))
		}
	}
	beat()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			beat()
		}
	}
}

// Close releases connections owned by the adapter and withdraws the node
// heartbeat so peers migrate placements promptly.
func (a *Adapter) Close() error {
	if a.heartbeat != nil {
		a.heartbeat()
	}
	if a.redis != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		_ = a.redis.Del(ctx, nodeKeyPrefix+a.NodeID).Err()
		cancel()
	}
	if a.transport != nil {
		a.transport.close()
	}
	if a.ownsNATS && a.nats != nil {
		a.nats.Close()
	}
	if a.ownsRedis && a.redis != nil {
		return a.redis.Close()
	}
	return nil
}
