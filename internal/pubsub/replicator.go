package pubsub

import (
	"context"
	"fmt"
	"sync"

	"github.com/latticerun/lattice/internal/baselib/actor"
	"github.com/latticerun/lattice/internal/cluster"
	"github.com/latticerun/lattice/internal/codec"
	"github.com/latticerun/lattice/internal/remote"
)

// replicaFrameKind distinguishes the three things topic replicas exchange
// over one reserved remote path, the same "one struct, a Kind field" sum
// type trick Envelope uses locally.
type replicaFrameKind int

const (
	frameSubscriberDelta replicaFrameKind = iota
	frameTopicDead
	framePublish
)

// replicaFrame is the wire payload exchanged between topic replicas for one
// (name, type-id) topic.
type replicaFrame[M actor.Message] struct {
	Kind    replicaFrameKind
	From    string
	Count   int
	Payload M
}

// replicaPath is the reserved remote.Server multiplex path a topic's
// replica traffic for (name, typeID) travels under, separate from the
// local receptionist key namespace ("pubsub/...") so the two never collide.
func replicaPath(name, typeID string) string {
	return fmt.Sprintf("system/pubsub/%s/%s", typeID, name)
}

// RegisterWireTypes registers the replicaFrame[M] wire type for (name,
// typeID) on registry. Call once per process, per payload type, before
// constructing any System/Child topic for that (name, typeID).
func RegisterWireTypes[M actor.Message](registry *codec.Registry, name, typeID string) {
	codec.Register[replicaFrame[M]](registry, replicaPath(name, typeID))
}

// Config bundles the cluster wiring a distributed topic needs: this node's
// address, the shared membership table, the remote dial pool and codec, and
// the server to attach the topic's reserved replication path to. A zero
// Config (Server == nil) leaves a topic single-node, matching the plain
// local fan-out behavior used by tests that don't stand up a cluster.
type Config struct {
	SelfAddr string
	Members  *cluster.Set
	Pool     *remote.Pool
	Codec    *codec.GobCodec
	Server   *remote.Server
}

// ReplicatorConfig wires one local Topic[M] into cross-node replication.
type ReplicatorConfig[M actor.Message] struct {
	Path       string
	PayloadTag string
	SelfAddr   string
	Local      actor.ActorRef[Envelope[M], Ack]
	Members    *cluster.Set
	Pool       *remote.Pool
	Codec      *codec.GobCodec
	Server     *remote.Server
}

// Replicator cross-node-replicates one Topic[M]: local subscribe/
// unsubscribe changes gossip a compact subscriber-count delta to every
// peer replica ("when node A's topic gains/loses a local subscriber, the
// topic gossips a compact delta to peer topic actors"); Publish fans out
// to one deputy per remote peer known to have a subscriber, and an inbound
// deputy publish is applied to this node's own local topic so it fans out
// locally from there. NotifyOwnerDead replicates a TopicDead marker when an
// owner-scoped topic's owner terminates, so peers stop forwarding to it.
type Replicator[M actor.Message] struct {
	cfg ReplicatorConfig[M]

	mu           sync.Mutex
	remoteCounts map[string]int
	dead         bool
}

// NewReplicator constructs a Replicator for cfg.Local and registers its
// inbound handler on cfg.Server under cfg.Path.
func NewReplicator[M actor.Message](cfg ReplicatorConfig[M]) *Replicator[M] {
	r := &Replicator[M]{
		cfg:          cfg,
		remoteCounts: make(map[string]int),
	}
	cfg.Server.Handle(cfg.Path, r.handleFrame)
	return r
}

// OnLocalSubscriberCountChanged gossips the topic's new local subscriber
// count to every known Up peer.
func (r *Replicator[M]) OnLocalSubscriberCountChanged(ctx context.Context, count int) {
	r.broadcast(ctx, replicaFrame[M]{
		Kind:  frameSubscriberDelta,
		From:  r.cfg.SelfAddr,
		Count: count,
	})
}

// NotifyOwnerDead marks this replica dead (it stops forwarding further
// publishes) and replicates a TopicDead marker so peers drop this node from
// their deputy fan-out set.
func (r *Replicator[M]) NotifyOwnerDead(ctx context.Context) {
	r.mu.Lock()
	r.dead = true
	r.mu.Unlock()

	r.broadcast(ctx, replicaFrame[M]{Kind: frameTopicDead, From: r.cfg.SelfAddr})
}

// Publish forwards payload to one deputy per remote peer this replica
// currently believes has at least one local subscriber. The caller is
// responsible for the local fan-out; Publish only covers the remote half.
func (r *Replicator[M]) Publish(ctx context.Context, payload M) {
	r.mu.Lock()
	dead := r.dead
	peers := make([]string, 0, len(r.remoteCounts))
	for addr, count := range r.remoteCounts {
		if count > 0 {
			peers = append(peers, addr)
		}
	}
	r.mu.Unlock()

	if dead {
		return
	}

	frame := replicaFrame[M]{Kind: framePublish, From: r.cfg.SelfAddr, Payload: payload}
	for _, addr := range peers {
		r.send(ctx, addr, frame)
	}
}

func (r *Replicator[M]) broadcast(ctx context.Context, frame replicaFrame[M]) {
	for _, m := range r.cfg.Members.Snapshot() {
		if m.Address == r.cfg.SelfAddr || m.Status != cluster.StatusUp {
			continue
		}
		r.send(ctx, m.Address, frame)
	}
}

func (r *Replicator[M]) send(ctx context.Context, addr string, frame replicaFrame[M]) {
	conn, err := r.cfg.Pool.Get(addr)
	if err != nil {
		log.DebugS(ctx, "pubsub: dial replica peer failed", "peer", addr, "err", err)
		return
	}

	wire, err := r.cfg.Codec.Encode(r.cfg.PayloadTag, frame)
	if err != nil {
		log.ErrorS(ctx, "pubsub: encode replica frame", err)
		return
	}

	if _, err := conn.Send(ctx, wire); err != nil {
		log.DebugS(ctx, "pubsub: replica send failed", "peer", addr, "err", err)
	}
}

// handleFrame is the remote.StreamHandler invoked when a peer replica's
// frame reaches this node.
func (r *Replicator[M]) handleFrame(ctx context.Context, peerAddr string, wire codec.Frame) (*codec.Frame, error) {
	payload, err := r.cfg.Codec.Decode(wire)
	if err != nil {
		return nil, err
	}
	frame, ok := payload.(replicaFrame[M])
	if !ok {
		return nil, nil
	}

	switch frame.Kind {
	case frameSubscriberDelta:
		r.mu.Lock()
		r.remoteCounts[frame.From] = frame.Count
		r.mu.Unlock()

	case frameTopicDead:
		r.mu.Lock()
		delete(r.remoteCounts, frame.From)
		r.mu.Unlock()

	case framePublish:
		r.mu.Lock()
		dead := r.dead
		r.mu.Unlock()
		if !dead {
			Publish(ctx, r.cfg.Local, frame.Payload)
		}
	}

	return nil, nil
}
