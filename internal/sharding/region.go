package sharding

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/latticerun/lattice/internal/baselib/actor"
	"github.com/latticerun/lattice/internal/cluster"
	"github.com/latticerun/lattice/internal/codec"
	"github.com/latticerun/lattice/internal/remote"
	"github.com/lightningnetwork/lnd/fn/v2"
)

// entityHandle tracks one locally-hosted entity actor plus the bookkeeping
// needed to passivate it after it goes idle.
type entityHandle[M actor.Message, R any] struct {
	ref        actor.ActorRef[M, R]
	cell       actor.CellHandle
	lastAccess time.Time
}

// RegionConfig configures a ShardRegion for one entity type on one node.
type RegionConfig[M actor.Message, R any] struct {
	SelfAddr    string
	EntityType  TypeName
	NumShards   int
	Extractor   MessageExtractor[M]
	EntityProps func(entityID string) actor.ActorBehavior[M, R]

	// IdleTimeout passivates an entity that hasn't been messaged in this
	// long. Zero disables passivation.
	IdleTimeout time.Duration

	System       *actor.ActorSystem
	Members      *cluster.Set
	Coordinator  actor.ActorRef[LocateShard, string]
	RemotePool   *remote.Pool
	Codec        *codec.GobCodec
	PayloadTag   string

	// ReplyTag tags the R value a forwarded message's handler sends back,
	// a distinct wire tag from PayloadTag since the reply carries R, not
	// M. Defaults to PayloadTag + ".reply" if empty.
	ReplyTag string

	// Server, if set, registers this region's inbound remote handlers:
	// forwarded entity traffic under PayloadTag (the receiving half of
	// forwardRemote below) and the shard handoff protocol under a
	// reserved per-entity-type path. A nil Server leaves the region
	// unable to receive either — fine for a single-node region, or one
	// that only ever forwards out and never hosts a remote peer's
	// traffic.
	Server *remote.Server
}

// ShardRegion is the per-node proxy and host for one entity type: it
// extracts an entity-id from each inbound message, asks the Coordinator
// which node owns that entity's shard, and either forwards to a
// lazily-spawned local entity actor or proxies the message to the owning
// node's region over the remote transport. entities and shardStates are
// mutated from the actor's own single-threaded Receive (the same way
// Coordinator's allocation table is) and, concurrently, from the
// remote.Server goroutines handling inbound handoff requests, so both are
// guarded by mu rather than relying on Receive's single-threadedness
// alone.
type ShardRegion[M actor.Message, R any] struct {
	cfg  RegionConfig[M, R]
	self actor.ActorRef[M, R]

	mu          sync.Mutex
	entities    map[string]*entityHandle[M, R]
	shardStates map[int]State
}

// NewShardRegion constructs a ShardRegion behavior from cfg, registering its
// inbound remote handlers with cfg.Server if one is set.
func NewShardRegion[M actor.Message, R any](cfg RegionConfig[M, R]) *ShardRegion[M, R] {
	r := &ShardRegion[M, R]{
		cfg:         cfg,
		entities:    make(map[string]*entityHandle[M, R]),
		shardStates: make(map[int]State),
	}
	if cfg.Server != nil {
		cfg.Server.Handle(cfg.PayloadTag, r.handleForwardedMessage)
		cfg.Server.Handle(handoffPath(cfg.EntityType), r.handleBeginHandoff)
	}
	return r
}

// BindSelf records region's own ref. Inbound remote handlers that may need
// to spawn a not-yet-hosted entity re-enter through this ref's Ask rather
// than touching the entity table directly, since SpawnChild is only valid
// from inside this actor's own Receive.
func (r *ShardRegion[M, R]) BindSelf(self actor.ActorRef[M, R]) {
	r.self = self
}

var _ actor.ActorBehavior[actor.Message, any] = (*ShardRegion[actor.Message, any])(nil)

// Receive implements actor.ActorBehavior.
func (r *ShardRegion[M, R]) Receive(ctx context.Context,
	bctx *actor.BehaviorContext[M, R], msg M,
) fn.Result[R] {
	r.passivateIdle(ctx, bctx)

	entityID := r.cfg.Extractor.EntityID(msg)
	shardID := ShardID(entityID, r.cfg.NumShards)

	ownerResult := r.cfg.Coordinator.Ask(ctx, LocateShard{
		EntityType: r.cfg.EntityType,
		ShardID:    shardID,
	}).Await(ctx)

	owner, err := ownerResult.Unpack()
	if err != nil {
		return fn.Err[R](fmt.Errorf("sharding: locate shard for entity %q: %w", entityID, err))
	}

	if owner == r.cfg.SelfAddr {
		return r.forwardLocal(ctx, bctx, entityID, shardID, msg)
	}
	return r.forwardRemote(ctx, owner, msg)
}

func (r *ShardRegion[M, R]) forwardLocal(ctx context.Context,
	bctx *actor.BehaviorContext[M, R], entityID string, shardID int, msg M,
) fn.Result[R] {
	r.mu.Lock()
	handle, ok := r.entities[entityID]
	state := r.shardStates[shardID]
	r.mu.Unlock()

	if !ok {
		if state == HandingOff {
			return fn.Err[R](fmt.Errorf(
				"sharding: shard %d of %q is handing off, refusing to create entity %q",
				shardID, r.cfg.EntityType, entityID))
		}

		childID := r.cfg.EntityType.childID(entityID)
		childCfg := actor.ActorConfig[M, R]{
			ID:       childID,
			Behavior: r.cfg.EntityProps(entityID),
		}
		ref := actor.SpawnChild[M, R, M, R](bctx, childCfg)

		var cell actor.CellHandle
		for _, c := range bctx.Children() {
			if c.ID() == childID {
				cell = c
				break
			}
		}

		handle = &entityHandle[M, R]{ref: ref, cell: cell}
		r.mu.Lock()
		r.entities[entityID] = handle
		r.shardStates[shardID] = Owned
		r.mu.Unlock()

		bctx.Log.DebugS(ctx, "sharding: spawned entity",
			"entity_type", string(r.cfg.EntityType), "entity_id", entityID)
	}
	handle.lastAccess = time.Now()

	return handle.ref.Ask(ctx, msg).Await(ctx)
}

func (r *ShardRegion[M, R]) forwardRemote(ctx context.Context, owner string, msg M) fn.Result[R] {
	conn, err := r.cfg.RemotePool.Get(owner)
	if err != nil {
		return fn.Err[R](fmt.Errorf("sharding: dial owner %s: %w", owner, err))
	}

	frame, err := r.cfg.Codec.Encode(r.cfg.PayloadTag, msg)
	if err != nil {
		return fn.Err[R](fmt.Errorf("sharding: encode forwarded message: %w", err))
	}

	if _, err := conn.Send(ctx, frame); err != nil {
		return fn.Err[R](fmt.Errorf("sharding: send to owner %s: %w", owner, err))
	}

	reply, err := conn.Recv(ctx)
	if err != nil {
		return fn.Err[R](fmt.Errorf("sharding: recv reply from owner %s: %w", owner, err))
	}

	payload, err := r.cfg.Codec.Decode(reply)
	if err != nil {
		return fn.Err[R](fmt.Errorf("sharding: decode reply from owner %s: %w", owner, err))
	}

	result, ok := payload.(R)
	if !ok {
		return fn.Err[R](fmt.Errorf("sharding: reply from %s had unexpected type %T", owner, payload))
	}
	return fn.Ok(result)
}

// passivateIdle stops entity actors that have gone unmessaged for longer
// than IdleTimeout. Run inline at the top of each Receive rather than on a
// separate timer goroutine.
func (r *ShardRegion[M, R]) passivateIdle(ctx context.Context, bctx *actor.BehaviorContext[M, R]) {
	if r.cfg.IdleTimeout <= 0 {
		return
	}
	cutoff := time.Now().Add(-r.cfg.IdleTimeout)

	r.mu.Lock()
	stale := make([]string, 0)
	for id, handle := range r.entities {
		if handle.lastAccess.Before(cutoff) {
			stale = append(stale, id)
		}
	}
	for _, id := range stale {
		handle := r.entities[id]
		if handle.cell != nil {
			handle.cell.Stop()
		}
		delete(r.entities, id)
	}
	r.mu.Unlock()

	for _, id := range stale {
		bctx.Log.DebugS(ctx, "sharding: passivated entity",
			"entity_type", string(r.cfg.EntityType), "entity_id", id)
	}
}

// handleForwardedMessage is the receiving half of forwardRemote: it decodes
// a message another node's region forwarded here because it believes this
// node owns the entity, and re-enters through self's own Ask so a
// not-yet-hosted entity can still be lazily spawned — SpawnChild is only
// valid from inside this actor's own Receive, which self.Ask's mailbox
// round trip provides.
func (r *ShardRegion[M, R]) handleForwardedMessage(ctx context.Context,
	peerAddr string, frame codec.Frame,
) (*codec.Frame, error) {
	payload, err := r.cfg.Codec.Decode(frame)
	if err != nil {
		return nil, fmt.Errorf("sharding: decode message forwarded by %s: %w", peerAddr, err)
	}
	msg, ok := payload.(M)
	if !ok {
		return nil, fmt.Errorf("sharding: message forwarded by %s had unexpected type %T", peerAddr, payload)
	}

	value, err := r.self.Ask(ctx, msg).Await(ctx).Unpack()
	if err != nil {
		return nil, fmt.Errorf("sharding: dispatch message forwarded by %s: %w", peerAddr, err)
	}

	reply, err := r.cfg.Codec.Encode(r.replyTag(), value)
	if err != nil {
		return nil, fmt.Errorf("sharding: encode reply to %s: %w", peerAddr, err)
	}
	return &reply, nil
}

// replyTag is cfg.ReplyTag, or PayloadTag + ".reply" if unset.
func (r *ShardRegion[M, R]) replyTag() string {
	if r.cfg.ReplyTag != "" {
		return r.cfg.ReplyTag
	}
	return r.cfg.PayloadTag + ".reply"
}

// handleBeginHandoff drains every locally-hosted entity for the requested
// shard and acknowledges with HandoffCompleteResponse, implementing the
// owner side of the Owned -> HandingOff -> Remote transition. It never
// spawns an entity, so unlike handleForwardedMessage it can mutate the
// entity table directly under mu instead of re-entering through Receive.
func (r *ShardRegion[M, R]) handleBeginHandoff(ctx context.Context,
	peerAddr string, frame codec.Frame,
) (*codec.Frame, error) {
	payload, err := r.cfg.Codec.Decode(frame)
	if err != nil {
		return nil, fmt.Errorf("sharding: decode handoff request from %s: %w", peerAddr, err)
	}
	req, ok := payload.(BeginHandoffRequest)
	if !ok {
		return nil, fmt.Errorf("sharding: handoff request from %s had unexpected type %T", peerAddr, payload)
	}

	r.mu.Lock()
	r.shardStates[req.ShardID] = HandingOff
	drained := make([]string, 0)
	for id, handle := range r.entities {
		if ShardID(id, r.cfg.NumShards) != req.ShardID {
			continue
		}
		if handle.cell != nil {
			handle.cell.Stop()
		}
		delete(r.entities, id)
		drained = append(drained, id)
	}
	r.shardStates[req.ShardID] = Remote
	r.mu.Unlock()

	log.InfoS(ctx, "sharding: handed off shard",
		"entity_type", string(r.cfg.EntityType), "shard_id", req.ShardID,
		"to", peerAddr, "drained_entities", len(drained))

	resp := HandoffCompleteResponse{EntityType: r.cfg.EntityType, ShardID: req.ShardID}
	reply, err := r.cfg.Codec.Encode(handoffCompleteTag(r.cfg.EntityType), resp)
	if err != nil {
		return nil, fmt.Errorf("sharding: encode handoff reply to %s: %w", peerAddr, err)
	}
	return &reply, nil
}

// childID namespaces an entity actor's local name under its entity type,
// so two entity types can't collide on the same raw entity-id.
func (t TypeName) childID(entityID string) string {
	return string(t) + ":" + entityID
}
