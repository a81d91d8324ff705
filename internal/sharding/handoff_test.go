package sharding

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/latticerun/lattice/internal/actorutil"
	"github.com/latticerun/lattice/internal/baselib/actor"
	"github.com/latticerun/lattice/internal/cluster"
	"github.com/latticerun/lattice/internal/codec"
	"github.com/latticerun/lattice/internal/remote"
	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/stretchr/testify/require"
)

type echoMsg struct {
	actor.BaseMessage
	ID string
}

func (echoMsg) MessageType() string { return "sharding_test.echo" }

type echoEntity struct{}

func (e *echoEntity) Receive(ctx context.Context,
	bctx *actor.BehaviorContext[echoMsg, string], msg echoMsg,
) fn.Result[string] {
	return fn.Ok(msg.ID)
}

// TestShardRegionDrainsLocalEntitiesOnHandoff exercises the owner side of
// the Owned -> HandingOff -> Remote transition directly: an entity is
// spawned locally, a BeginHandoffRequest for its shard arrives, and the
// region must stop the entity, forget it, and ack HandoffCompleteResponse.
func TestShardRegionDrainsLocalEntitiesOnHandoff(t *testing.T) {
	t.Parallel()

	registry := codec.NewRegistry()
	remote.RegisterCodec(registry)
	RegisterHandoffWireTypes(registry, "echo")
	codec.Register[echoMsg](registry, "test.echo")
	codec.Register[string](registry, "test.echo.reply")
	gobCodec := codec.NewGobCodec(registry)

	system := actor.NewActorSystem()
	t.Cleanup(func() { system.Shutdown(context.Background()) })

	selfAddr := "node-self"
	members := cluster.NewSet()
	members.Upsert(cluster.Member{Address: selfAddr, Roles: []string{"echo-host"}, Status: cluster.StatusUp})

	coordinator := NewCoordinator(members, "echo-host", 4)
	coordKey := actor.NewServiceKey[LocateShard, string]("echo-coordinator")
	coordRef := actor.RegisterWithSystem(system, "echo-coordinator", coordKey, coordinator)

	region := NewShardRegion(RegionConfig[echoMsg, string]{
		SelfAddr:   selfAddr,
		EntityType: "echo",
		NumShards:  4,
		Extractor: MessageExtractorFunc[echoMsg](func(m echoMsg) string { return m.ID }),
		EntityProps: func(id string) actor.ActorBehavior[echoMsg, string] {
			return &echoEntity{}
		},
		System:      system,
		Members:     members,
		Coordinator: coordRef,
		Codec:       gobCodec,
		PayloadTag:  "test.echo",
	})
	regionKey := actor.NewServiceKey[echoMsg, string]("echo-region")
	regionRef := actor.RegisterWithSystem(system, "echo-region", regionKey, region)
	region.BindSelf(regionRef)

	ctx := context.Background()
	entityID := "order-1"
	shardID := ShardID(entityID, 4)

	_, err := actorutil.AskAwait(ctx, regionRef, echoMsg{ID: entityID})
	require.NoError(t, err)

	region.mu.Lock()
	_, hosted := region.entities[entityID]
	region.mu.Unlock()
	require.True(t, hosted, "entity should be hosted locally before handoff")

	req := BeginHandoffRequest{EntityType: "echo", ShardID: shardID}
	frame, err := gobCodec.Encode(handoffPath("echo"), req)
	require.NoError(t, err)

	reply, err := region.handleBeginHandoff(ctx, "peer", frame)
	require.NoError(t, err)
	require.NotNil(t, reply)

	payload, err := gobCodec.Decode(*reply)
	require.NoError(t, err)
	resp, ok := payload.(HandoffCompleteResponse)
	require.True(t, ok)
	require.Equal(t, shardID, resp.ShardID)

	region.mu.Lock()
	_, stillHosted := region.entities[entityID]
	state := region.shardStates[shardID]
	region.mu.Unlock()
	require.False(t, stillHosted, "entity should be drained after handoff")
	require.Equal(t, Remote, state)
}

// TestCoordinatorRebalanceRequestsHandoffFromMostLoadedNode seeds an
// imbalanced allocation table directly (skipping the round-robin allocator,
// since reaching imbalance through it would take many LocateShard calls)
// and confirms the coordinator's periodic rebalance loop issues a
// BeginHandoffRequest to the overloaded node and publishes the new
// assignment once HandoffCompleteResponse arrives.
func TestCoordinatorRebalanceRequestsHandoffFromMostLoadedNode(t *testing.T) {
	t.Parallel()

	registry := codec.NewRegistry()
	remote.RegisterCodec(registry)
	RegisterHandoffWireTypes(registry, "order")
	gobCodec := codec.NewGobCodec(registry)

	srv := remote.NewServer(remote.DefaultServerConfig("127.0.0.1:0"))
	require.NoError(t, srv.Start())
	t.Cleanup(srv.Stop)

	handoffSeen := make(chan int, 1)
	srv.Handle(handoffPath("order"), func(ctx context.Context, peer string, frame codec.Frame) (*codec.Frame, error) {
		payload, err := gobCodec.Decode(frame)
		require.NoError(t, err)
		req := payload.(BeginHandoffRequest)

		resp := HandoffCompleteResponse{EntityType: req.EntityType, ShardID: req.ShardID}
		reply, err := gobCodec.Encode(handoffCompleteTag("order"), resp)
		require.NoError(t, err)

		handoffSeen <- req.ShardID
		return &reply, nil
	})

	pool := remote.NewPool(remote.DefaultClientConfig())
	t.Cleanup(pool.CloseAll)

	overloaded := srv.Addr()
	idle := "127.0.0.1:1"

	members := cluster.NewSet()
	members.Upsert(cluster.Member{Address: overloaded, Roles: []string{"shard-host"}, Status: cluster.StatusUp})
	members.Upsert(cluster.Member{Address: idle, Roles: []string{"shard-host"}, Status: cluster.StatusUp})

	coordinator := NewCoordinator(members, "shard-host", 8)
	for shardID := 0; shardID < 4; shardID++ {
		coordinator.table.Assignments[allocationKey{entityType: "order", shardID: shardID}] = overloaded
	}
	coordinator.table.Version = 1
	coordinator.EnableHandoff(HandoffConfig{Pool: pool, Codec: gobCodec, Interval: 20 * time.Millisecond})

	system := actor.NewActorSystem()
	t.Cleanup(func() { system.Shutdown(context.Background()) })

	coordKey := actor.NewServiceKey[LocateShard, string]("order-coordinator")
	coordRef := actor.RegisterWithSystem(system, "order-coordinator", coordKey, coordinator)

	ctx := context.Background()
	_, err := actorutil.AskAwait(ctx, coordRef, LocateShard{EntityType: "order", ShardID: 0})
	require.NoError(t, err)

	var handedOff int
	select {
	case handedOff = <-handoffSeen:
	case <-time.After(2 * time.Second):
		t.Fatal("coordinator never issued a handoff request for the overloaded node")
	}

	// The handler above runs before its reply reaches the coordinator, and
	// the coordinator publishes the new assignment only after that reply.
	require.Eventually(t, func() bool {
		v, _ := coordinator.Snapshot()
		return v > 1
	}, 2*time.Second, 10*time.Millisecond, "coordinator never published the new assignment")

	version, assignments := coordinator.Snapshot()
	require.Greater(t, version, uint64(1))
	require.Equal(t, idle, assignments[fmt.Sprintf("order/%d", handedOff)])
}
