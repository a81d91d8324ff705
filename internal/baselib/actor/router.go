package actor

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/lightningnetwork/lnd/fn/v2"
)

// RoutingStrategy picks a single actor out of a set of candidates to
// receive the next message sent through a Router. Implementations decide
// how to balance load across the actors registered for a ServiceKey.
type RoutingStrategy[M Message, R any] interface {
	// Select chooses one ref from candidates. It returns false if
	// candidates is empty.
	Select(candidates []ActorRef[M, R]) (ActorRef[M, R], bool)
}

// roundRobinStrategy cycles through candidates in registration order,
// wrapping around. The counter is shared across calls (and therefore across
// concurrent callers), so the exact sequence seen by any one caller isn't
// guaranteed under contention, only that load is spread evenly over time.
type roundRobinStrategy[M Message, R any] struct {
	counter atomic.Uint64
}

// NewRoundRobinStrategy returns a RoutingStrategy that distributes messages
// evenly across all currently-registered actors for a service key.
func NewRoundRobinStrategy[M Message, R any]() RoutingStrategy[M, R] {
	return &roundRobinStrategy[M, R]{}
}

// Select implements RoutingStrategy.
func (s *roundRobinStrategy[M, R]) Select(
	candidates []ActorRef[M, R],
) (ActorRef[M, R], bool) {
	if len(candidates) == 0 {
		var zero ActorRef[M, R]
		return zero, false
	}

	idx := s.counter.Add(1) - 1
	return candidates[idx%uint64(len(candidates))], true
}

// Router is a virtual ActorRef that resolves the actual recipient at
// send-time by querying a Receptionist for the actors currently registered
// under a ServiceKey, then applying a RoutingStrategy to pick one. It
// provides location transparency: callers hold a stable Router reference
// even as the set of backing actors grows, shrinks, or is replaced (e.g.
// during a shard rebalance).
type Router[M Message, R any] struct {
	receptionist *Receptionist
	key          ServiceKey[M, R]
	strategy     RoutingStrategy[M, R]
	dlo          ActorRef[Message, any]
}

// NewRouter constructs a Router over the actors registered under key in r,
// using strategy to select a recipient for each send. Messages that can't
// be routed (no actors currently registered) are sent to dlo, if non-nil.
func NewRouter[M Message, R any](
	r *Receptionist, key ServiceKey[M, R], strategy RoutingStrategy[M, R],
	dlo ActorRef[Message, any],
) *Router[M, R] {
	return &Router[M, R]{
		receptionist: r,
		key:          key,
		strategy:     strategy,
		dlo:          dlo,
	}
}

// ID returns a synthetic identifier for this virtual ref.
func (rt *Router[M, R]) ID() string {
	return fmt.Sprintf("router:%s", rt.key.name)
}

// Tell routes msg to one registered actor, chosen by the router's strategy.
// If no actor is currently registered, msg is sent to the dead letter
// office instead.
func (rt *Router[M, R]) Tell(ctx context.Context, msg M) {
	candidates := FindInReceptionist(rt.receptionist, rt.key)

	ref, ok := rt.strategy.Select(candidates)
	if !ok {
		log.DebugS(ctx, "Router has no registered actors, routing to DLO",
			"service_key", rt.key.name, "msg_type", msg.MessageType())

		if rt.dlo != nil {
			rt.dlo.Tell(ctx, msg)
		}
		return
	}

	ref.Tell(ctx, msg)
}

// Ask routes msg to one registered actor and returns its reply Future. If
// no actor is currently registered, the returned Future is already
// completed with ErrActorTerminated.
func (rt *Router[M, R]) Ask(ctx context.Context, msg M) Future[R] {
	candidates := FindInReceptionist(rt.receptionist, rt.key)

	ref, ok := rt.strategy.Select(candidates)
	if !ok {
		promise := NewPromise[R]()
		promise.Complete(fn.Err[R](ErrActorTerminated))
		return promise.Future()
	}

	return ref.Ask(ctx, msg)
}

// Compile-time check that Router implements ActorRef.
var _ ActorRef[Message, any] = (*Router[Message, any])(nil)
