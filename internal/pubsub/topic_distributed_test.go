package pubsub

import (
	"context"
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

// node bundles one simulated cluster node's remote transport, membership
// view and actor system, enough to stand up a distributed Topic[M] without
// a real cluster.Membership gossip loop.
type node struct {
	addr    string
	system  *actor.ActorSystem
	server  *remote.Server
	pool    *remote.Pool
	members *cluster.Set
	codec   *codec.GobCodec
}

func newNode(t *testing.T, registry *codec.Registry) *node {
	t.Helper()

	srv := remote.NewServer(remote.DefaultServerConfig("127.0.0.1:0"))
	require.NoError(t, srv.Start())
	t.Cleanup(srv.Stop)

	pool := remote.NewPool(remote.DefaultClientConfig())
	t.Cleanup(pool.CloseAll)

	system := actor.NewActorSystem()
	t.Cleanup(func() { system.Shutdown(context.Background()) })

	return &node{
		addr:    srv.Addr(),
		system:  system,
		server:  srv,
		pool:    pool,
		members: cluster.NewSet(),
		codec:   codec.NewGobCodec(registry),
	}
}

// config returns the pubsub.Config wiring n's transport into a distributed
// topic.
func (n *node) config() Config {
	return Config{
		SelfAddr: n.addr,
		Members:  n.members,
		Pool:     n.pool,
		Codec:    n.codec,
		Server:   n.server,
	}
}

// joinEachOther seeds each node's membership set with the other as Up, the
// same end state cluster.Membership gossip would converge to, without
// running the gossip loop itself.
func joinEachOther(a, b *node) {
	a.members.Upsert(cluster.Member{Address: b.addr, Status: cluster.StatusUp, Incarnation: 1})
	b.members.Upsert(cluster.Member{Address: a.addr, Status: cluster.StatusUp, Incarnation: 1})
}

func newRegistryFor(name, typeID string) *codec.Registry {
	registry := codec.NewRegistry()
	remote.RegisterCodec(registry)
	RegisterWireTypes[update](registry, name, typeID)
	return registry
}

// spawnCollector registers a fresh collector behavior under sys and returns
// both its ref and the collector itself.
func spawnCollector(sys *actor.ActorSystem, id string, expect int) (actor.ActorRef[update, any], *collector) {
	c := newCollector(expect)
	key := actor.NewServiceKey[update, any](id)
	return key.Spawn(sys, id, c), c
}

func TestTopicReplicatesDeputyPublishAcrossNodes(t *testing.T) {
	t.Parallel()

	registry := newRegistryFor("cross-node", "update")

	a := newNode(t, registry)
	b := newNode(t, registry)
	joinEachOther(a, b)

	topicA := System[update](a.system, a.config(), "cross-node", "update")
	topicB := System[update](b.system, b.config(), "cross-node", "update")

	sub, c := spawnCollector(b.system, "sub-b", 1)

	ctx := context.Background()

	// Ask rather than Tell for subscribe, so this call only returns once
	// topicB's Receive has mutated its subscriber set and kicked off the
	// delta gossip to A. The gossip itself is still a fire-and-forget send
	// to A, so give it a moment to land before publishing from A, the same
	// fixed-delay pattern the kernel's own tests use for cross-goroutine
	// settling.
	_, err := actorutil.AskAwait(ctx, topicB, SubscribeMsg[update](sub))
	require.NoError(t, err)
	time.Sleep(100 * time.Millisecond)

	Publish[update](ctx, topicA, update{Value: 42})

	select {
	case <-c.done:
	case <-time.After(2 * time.Second):
		t.Fatal("subscriber on node B never received a deputy-forwarded publish from node A")
	}

	require.Equal(t, []int{42}, c.got)
}

// spawnTopicMsg asks ownerBehavior to spawn its owner-scoped topic child.
// Stopping the owner — done later via the hosting ActorSystem's Shutdown —
// takes that child down with it the same way any parent stopping does.
type spawnTopicMsg struct {
	actor.BaseMessage
}

func (spawnTopicMsg) MessageType() string { return "pubsub_test.spawn_topic" }

// ownerBehavior spawns an ActorLifetime topic as its child on request,
// reporting the topic ref back over ready.
type ownerBehavior struct {
	repCfg Config
	name   string
	typeID string
	ready  chan actor.ActorRef[Envelope[update], Ack]
}

func (o *ownerBehavior) Receive(ctx context.Context,
	bctx *actor.BehaviorContext[spawnTopicMsg, any], msg spawnTopicMsg,
) fn.Result[any] {
	ref := Child[spawnTopicMsg, any, update](bctx, o.repCfg, o.name, o.typeID)
	o.ready <- ref
	return fn.Ok[any](nil)
}

func TestTopicReplicatesTopicDeadOnOwnerStop(t *testing.T) {
	t.Parallel()

	registry := newRegistryFor("owned-topic", "update")

	a := newNode(t, registry)
	b := newNode(t, registry)
	joinEachOther(a, b)

	owner := &ownerBehavior{
		repCfg: a.config(),
		name:   "owned-topic",
		typeID: "update",
		ready:  make(chan actor.ActorRef[Envelope[update], Ack], 1),
	}
	ownerKey := actor.NewServiceKey[spawnTopicMsg, any]("owner")
	ownerRef := actor.RegisterWithSystem(a.system, "owner", ownerKey, owner)

	ctx := context.Background()
	_, err := actorutil.AskAwait(ctx, ownerRef, spawnTopicMsg{})
	require.NoError(t, err)

	var topicA actor.ActorRef[Envelope[update], Ack]
	select {
	case topicA = <-owner.ready:
	case <-time.After(time.Second):
		t.Fatal("owner never spawned its topic child")
	}

	// Built inline rather than through System() so the test keeps a direct
	// handle on the *Topic[update] behind topicB, needed below to observe
	// the replicated TopicDead marker — an ActorRef alone can't expose it.
	topicBBehavior := NewTopic[update]()
	topicBKey := actor.NewServiceKey[Envelope[update], Ack](key("owned-topic", "update"))
	topicB := actor.RegisterWithSystem(b.system, "owned-topic-replica", topicBKey, topicBBehavior)
	topicBBehavior.attachReplicator(b.config(), "owned-topic", "update", topicB)

	sub, c := spawnCollector(b.system, "sub-owner", 1)
	_, err = actorutil.AskAwait(ctx, topicB, SubscribeMsg[update](sub))
	require.NoError(t, err)
	time.Sleep(100 * time.Millisecond)

	// Confirm the deputy path works while the owner is alive.
	Publish[update](ctx, topicA, update{Value: 1})

	select {
	case <-c.done:
	case <-time.After(2 * time.Second):
		t.Fatal("subscriber on node B never received a publish from the owned topic on node A")
	}

	// Killing the system that hosts the owner stops the owner and,
	// transitively, its topic child, firing Topic.OnStop and replicating a
	// TopicDead marker to B.
	require.NoError(t, a.system.Shutdown(context.Background()))
	time.Sleep(100 * time.Millisecond)

	topicBBehavior.replicator.mu.Lock()
	count, known := topicBBehavior.replicator.remoteCounts[a.addr]
	topicBBehavior.replicator.mu.Unlock()
	require.True(t, !known || count == 0,
		"node B never dropped node A after the owned topic's TopicDead replicated")
}
