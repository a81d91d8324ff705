// Package pubsub implements distributed topics: named, typed fan-out
// channels that deliver at-most-once to every current subscriber. A topic
// is a regular actor (its behavior is the fan-out loop), registered under
// the receptionist the same way any other service is, so discovery reuses
// actor.ServiceKey/Receptionist instead of a second registry.
package pubsub

import (
	"context"

	"github.com/latticerun/lattice/internal/baselib/actor"
	"github.com/lightningnetwork/lnd/fn/v2"
)

// Ack is the uniform response every topic operation returns.
type Ack struct{}

type opKind int

const (
	opSubscribe opKind = iota
	opUnsubscribe
	opPublish
)

// Envelope is the single message type a Topic[M] actor receives, tagging
// which operation it carries. Go generics can't express a sum type over
// Subscribe/Unsubscribe/Publish directly, so the three operations share one
// struct the way the coordinator's LocateShard carries one concern per
// field set.
type Envelope[M actor.Message] struct {
	actor.BaseMessage
	Op      opKind
	Sub     actor.TellOnlyRef[M]
	Payload M
}

// MessageType implements actor.Message.
func (Envelope[M]) MessageType() string { return "pubsub.Envelope" }

// SubscribeMsg builds an Envelope that registers sub as a subscriber.
func SubscribeMsg[M actor.Message](sub actor.TellOnlyRef[M]) Envelope[M] {
	return Envelope[M]{Op: opSubscribe, Sub: sub}
}

// UnsubscribeMsg builds an Envelope that removes sub from the subscriber
// set. Unsubscribing a ref that was never subscribed is a no-op.
func UnsubscribeMsg[M actor.Message](sub actor.TellOnlyRef[M]) Envelope[M] {
	return Envelope[M]{Op: opUnsubscribe, Sub: sub}
}

// PublishMsg builds an Envelope that fans payload out to every current
// subscriber.
func PublishMsg[M actor.Message](payload M) Envelope[M] {
	return Envelope[M]{Op: opPublish, Payload: payload}
}

// Topic is the fan-out behavior backing one named, typed topic. Subscriber
// identity is keyed by ActorRef.ID(), so re-subscribing the same ref is
// idempotent and re-subscription after a reconnect simply replaces the
// stale entry rather than double-delivering. A non-nil replicator extends
// the local fan-out with cross-node subscriber-count gossip and one deputy
// publish per remote peer; it is nil for a purely local topic (the zero
// Config case used by tests that don't stand up a cluster).
type Topic[M actor.Message] struct {
	subscribers map[string]actor.TellOnlyRef[M]
	replicator  *Replicator[M]
}

// NewTopic constructs an empty Topic behavior.
func NewTopic[M actor.Message]() *Topic[M] {
	return &Topic[M]{subscribers: make(map[string]actor.TellOnlyRef[M])}
}

// attachReplicator wires cfg's cluster plumbing into t, or leaves t
// single-node if cfg.Server is nil. Called once, right after spawn, from
// System/Child, which are the only places that have both the freshly
// spawned ActorRef and the full Config available at the same time.
func (t *Topic[M]) attachReplicator(cfg Config, name, typeID string, local actor.ActorRef[Envelope[M], Ack]) {
	if cfg.Server == nil {
		return
	}
	t.replicator = NewReplicator(ReplicatorConfig[M]{
		Path:       replicaPath(name, typeID),
		PayloadTag: replicaPath(name, typeID),
		SelfAddr:   cfg.SelfAddr,
		Local:      local,
		Members:    cfg.Members,
		Pool:       cfg.Pool,
		Codec:      cfg.Codec,
		Server:     cfg.Server,
	})
}

var _ actor.ActorBehavior[Envelope[actor.Message], Ack] = (*Topic[actor.Message])(nil)
var _ actor.Stoppable = (*Topic[actor.Message])(nil)

// Receive implements actor.ActorBehavior. Subscriber-set mutation and
// publish fan-out both happen here, so they're serialized by the actor's
// own single-threaded dispatch with no separate lock needed.
func (t *Topic[M]) Receive(ctx context.Context,
	bctx *actor.BehaviorContext[Envelope[M], Ack], env Envelope[M],
) fn.Result[Ack] {
	switch env.Op {
	case opSubscribe:
		t.subscribers[env.Sub.ID()] = env.Sub
		bctx.Log.DebugS(ctx, "pubsub: subscribed", "sub", env.Sub.ID(),
			"subscriber_count", len(t.subscribers))
		t.notifyCountChanged(ctx)

	case opUnsubscribe:
		delete(t.subscribers, env.Sub.ID())
		bctx.Log.DebugS(ctx, "pubsub: unsubscribed", "sub", env.Sub.ID(),
			"subscriber_count", len(t.subscribers))
		t.notifyCountChanged(ctx)

	case opPublish:
		for _, sub := range t.subscribers {
			sub.Tell(ctx, env.Payload)
		}
		if t.replicator != nil {
			t.replicator.Publish(ctx, env.Payload)
		}
	}

	return fn.Ok(Ack{})
}

// OnStop implements actor.Stoppable. It is the owner-scope teardown hook:
// an ActorLifetime topic is a child of its owner and is stopped the same
// way any other child is when the owner stops, so this fires exactly when
// spec's "on Terminated(owner) the topic stops" condition holds, and
// replicates the TopicDead marker peers need to drop this node from their
// deputy fan-out.
func (t *Topic[M]) OnStop(ctx context.Context) error {
	if t.replicator != nil {
		t.replicator.NotifyOwnerDead(ctx)
	}
	return nil
}

func (t *Topic[M]) notifyCountChanged(ctx context.Context) {
	if t.replicator != nil {
		t.replicator.OnLocalSubscriberCountChanged(ctx, len(t.subscribers))
	}
}

// SubscriberCount reports the current subscriber set size, mostly for
// tests and diagnostics.
func (t *Topic[M]) SubscriberCount() int { return len(t.subscribers) }
