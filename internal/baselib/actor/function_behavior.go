package actor

import (
	"context"

	"github.com/lightningnetwork/lnd/fn/v2"
)

// FunctionBehavior adapts a plain function into an ActorBehavior, for actors
// whose entire reaction logic fits in a closure (the dead letter office
// being the canonical example: it has no state, it just records and
// rejects). It deliberately ignores the BehaviorContext parameter so
// existing simple handlers don't need to be rewritten when the kernel gains
// children/supervision.
type FunctionBehavior[M Message, R any] struct {
	fn func(ctx context.Context, msg M) fn.Result[R]
}

// NewFunctionBehavior wraps fn as an ActorBehavior.
func NewFunctionBehavior[M Message, R any](
	fn func(ctx context.Context, msg M) fn.Result[R],
) *FunctionBehavior[M, R] {
	return &FunctionBehavior[M, R]{fn: fn}
}

// Receive implements ActorBehavior by delegating to the wrapped function.
func (b *FunctionBehavior[M, R]) Receive(ctx context.Context,
	_ *BehaviorContext[M, R], msg M,
) fn.Result[R] {
	return b.fn(ctx, msg)
}

// Compile-time check that FunctionBehavior implements ActorBehavior.
var _ ActorBehavior[Message, any] = (*FunctionBehavior[Message, any])(nil)
