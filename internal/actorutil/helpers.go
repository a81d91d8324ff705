// Package actorutil provides a thin synchronous-ask convenience layered on
// top of baselib/actor, used wherever a caller needs a blocking
// request/response against an actor ref instead of a bare Ask/Await pair.
package actorutil

import (
	"context"

	"github.com/latticerun/lattice/internal/baselib/actor"
)

// AskAwait sends msg to ref and blocks until the response is available,
// unpacking the Result into a plain (value, error) pair. Used for the
// readiness checks clusterd and the sharding/pubsub tests run against a
// freshly registered actor.
func AskAwait[M actor.Message, R any](
	ctx context.Context,
	ref actor.ActorRef[M, R],
	msg M,
) (R, error) {
	return ref.Ask(ctx, msg).Await(ctx).Unpack()
}
