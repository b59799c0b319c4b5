package cluster

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/perchlabs/perch/internal/registry"
	"github.com/perchlabs/perch/internal/types"
)

const entryKeyPrefix = "perch:reg:"

// claimScript binds the entry to this node when it is unbound, already
// ours, or owned by a node whose heartbeat has expired. Returns the owning
// node after the call.
var claimScript = redis.NewScript(`
local owner = redis.call("GET", KEYS[1])
if owner == false or owner == ARGV[1] then
	redis.call("SET", KEYS[1], ARGV[1])
	return ARGV[1]
end
if redis.call("EXISTS", ARGV[2] .. owner) == 0 then
	redis.call("SET", KEYS[1], ARGV[1])
	return ARGV[1]
end
return owner
`)

// releaseEntryScript unbinds the entry only while this node owns it.
var releaseEntryScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// directory is the cluster-wide registry: the redis directory decides which
// node owns each entity; a nested local registry holds this node's live
// handles. Placements on dead nodes are reclaimed because the claim script
// checks the owner's heartbeat.
type directory struct {
	client    *redis.Client
	nodeID    string
	local     *registry.Local
	transport *transport
	log       *zap.Logger
}

func newDirectory(client *redis.Client, nodeID string, tr *transport, log *zap.Logger) *directory {
	if log == nil {
		log = zap.NewNop()
	}
	return &directory{
		client:    client,
		nodeID:    nodeID,
		local:     registry.NewLocal(),
		transport: tr,
		log:       log,
	}
}

func (d *directory) opCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 5*time.Second)
}

func (d *directory) Locate(ref types.Ref) (registry.Handle, bool) {
	if h, ok := d.local.Locate(ref); ok {
		return h, true
	}
	ctx, cancel := d.opCtx()
	defer cancel()
	owner, err := d.client.Get(ctx, entryKeyPrefix+ref.String()).Result()
	if err != nil {
		return nil, false
	}
	if owner == d.nodeID {
		// Directory says us but there is no local handle: a stale entry
		// from a previous incarnation. Treat as unbound.
		return nil, false
	}
	alive, err := d.client.Exists(ctx, nodeKeyPrefix+owner).Result()
	if err != nil || alive == 0 {
		return nil, false
	}
	return &remoteHandle{ref: ref, node: owner, transport: d.transport}, true
}

func (d *directory) Claim(ref types.Ref, h registry.Handle) (registry.Handle, bool, error) {
	if existing, won, _ := d.local.Claim(ref, h); !won {
		return existing, false, nil
	}
	ctx, cancel := d.opCtx()
	defer cancel()
	owner, err := claimScript.Run(ctx, d.client,
		[]string{entryKeyPrefix + ref.String()}, d.nodeID, nodeKeyPrefix).Text()
	if err != nil {
		d.local.Release(ref, h)
		return nil, false, err
	}
	if owner != d.nodeID {
		d.local.Release(ref, h)
		return &remoteHandle{ref: ref, node: owner, transport: d.transport}, false, nil
	}
	return h, true, nil
}

func (d *directory) Release(ref types.Ref, h registry.Handle) {
	if _, isRemote := h.(*remoteHandle); isRemote {
		return
	}
	d.local.Release(ref, h)
	ctx, cancel := d.opCtx()
	defer cancel()
	if _, err := releaseEntryScript.Run(ctx, d.client,
		[]string{entryKeyPrefix + ref.String()}, d.nodeID).Result(); err != nil {
		d.log.Warn("directory release failed", zap.String("ref", ref.String()), zap.Error(err))
	}
}

// List returns the refs placed on this node. Cluster-wide listings go
// through the redis directory directly when operators need them.
func (d *directory) List() []types.Ref {
	return d.local.List()
}

func (d *directory) Close() error {
	return d.local.Close()
}

var _ registry.Registry = (*directory)(nil)
