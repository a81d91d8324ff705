package pubsub

import (
	"context"
	"fmt"

	"github.com/latticerun/lattice/internal/baselib/actor"
)

// Scope controls how long a topic lives once created.
type Scope int

const (
	// SystemLifetime ties the topic to the ActorSystem: it outlives any
	// particular caller and is looked up by key from anywhere.
	SystemLifetime Scope = iota

	// ActorLifetime ties the topic to its creating actor: it is spawned
	// as a child of that actor and stops automatically when the parent
	// does, reusing the kernel's existing parent-stops-children
	// mechanism rather than a bespoke watch.
	ActorLifetime
)

// key formats the receptionist service-key name topics of (name, type-id)
// register under, so two entity types can each have a topic called
// "updates" without colliding.
func key(name string, typeID string) string {
	return fmt.Sprintf("pubsub/%s/%s", typeID, name)
}

// System registers a SystemLifetime topic named name for payload type M
// (identified by typeID) directly on the ActorSystem, wires it into
// cross-node replication per repCfg (pass the zero Config for a
// single-node topic), and returns a ref callers use to
// Subscribe/Unsubscribe/Publish.
func System[M actor.Message](as *actor.ActorSystem, repCfg Config, name, typeID string) actor.ActorRef[Envelope[M], Ack] {
	topic := NewTopic[M]()
	sk := actor.NewServiceKey[Envelope[M], Ack](key(name, typeID))
	ref := sk.Spawn(as, key(name, typeID), topic)
	topic.attachReplicator(repCfg, name, typeID, ref)
	return ref
}

// Child registers an ActorLifetime topic as a child of the actor owning
// bctx: the topic shares that actor's lifetime exactly, since it is
// stopped along with every other child when the parent stops, and — when
// repCfg wires a cluster — replicates a TopicDead marker at that point via
// Topic.OnStop.
func Child[PM actor.Message, PR any, M actor.Message](
	bctx *actor.BehaviorContext[PM, PR], repCfg Config, name, typeID string,
) actor.ActorRef[Envelope[M], Ack] {
	topic := NewTopic[M]()
	acfg := actor.ActorConfig[Envelope[M], Ack]{
		ID:       key(name, typeID),
		Behavior: topic,
	}
	ref := actor.SpawnChild[PM, PR, Envelope[M], Ack](bctx, acfg)
	topic.attachReplicator(repCfg, name, typeID, ref)
	return ref
}

// Subscribe sends a Subscribe envelope to topic, registering sub as a
// fan-out target.
func Subscribe[M actor.Message](ctx context.Context, topic actor.TellOnlyRef[Envelope[M]], sub actor.TellOnlyRef[M]) {
	topic.Tell(ctx, SubscribeMsg(sub))
}

// Unsubscribe sends an Unsubscribe envelope to topic, removing sub from
// the fan-out set. Safe to call even if sub was never subscribed, or has
// already been removed (e.g. after a reconnect re-subscribes under a new
// ref) — unsubscribing is idempotent.
func Unsubscribe[M actor.Message](ctx context.Context, topic actor.TellOnlyRef[Envelope[M]], sub actor.TellOnlyRef[M]) {
	topic.Tell(ctx, UnsubscribeMsg(sub))
}

// Publish sends payload to topic for fan-out to every current subscriber.
func Publish[M actor.Message](ctx context.Context, topic actor.TellOnlyRef[Envelope[M]], payload M) {
	topic.Tell(ctx, PublishMsg(payload))
}
