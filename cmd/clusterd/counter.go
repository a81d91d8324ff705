package main

import (
	"context"

	"github.com/latticerun/lattice/internal/baselib/actor"
	"github.com/latticerun/lattice/internal/pubsub"
	"github.com/lightningnetwork/lnd/fn/v2"
)

// counterPayloadTag is the codec tag counterMsg is registered and encoded
// under when a ShardRegion forwards it to a remote owner.
const counterPayloadTag = "clusterd.counter"

// counterMsg increments the named counter entity by Delta and returns its
// new value. It is the sharded message type this demo node exercises the
// coordinator/region/entity lifecycle with.
type counterMsg struct {
	actor.BaseMessage
	EntityID string
	Delta    int64
}

func (counterMsg) MessageType() string { return "clusterd.counter.increment" }

// counterEvent is broadcast over the cluster-wide pub/sub topic every time a
// counter entity is incremented.
type counterEvent struct {
	actor.BaseMessage
	EntityID string
	Value    int64
}

func (counterEvent) MessageType() string { return "clusterd.counter.event" }

// counterEntity is the sharded entity behavior: it owns one counter's
// in-memory value and publishes a counterEvent to the cluster topic after
// every increment.
type counterEntity struct {
	entityID string
	topic    actor.ActorRef[pubsub.Envelope[counterEvent], pubsub.Ack]
	value    int64
}

func newCounterEntity(entityID string, topic actor.ActorRef[pubsub.Envelope[counterEvent], pubsub.Ack]) *counterEntity {
	return &counterEntity{entityID: entityID, topic: topic}
}

var _ actor.ActorBehavior[counterMsg, int64] = (*counterEntity)(nil)

func (e *counterEntity) Receive(ctx context.Context,
	bctx *actor.BehaviorContext[counterMsg, int64], msg counterMsg,
) fn.Result[int64] {
	e.value += msg.Delta

	pubsub.Publish[counterEvent](ctx, e.topic, counterEvent{
		EntityID: e.entityID,
		Value:    e.value,
	})

	bctx.Log.DebugS(ctx, "clusterd: counter incremented",
		"entity_id", e.entityID, "value", e.value)

	return fn.Ok(e.value)
}
