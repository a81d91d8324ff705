package actor

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lightningnetwork/lnd/fn/v2"
)

// mergeContexts creates a new context that cancels when either parent context
// cancels, enabling actors to respect both system shutdown and caller deadlines
// simultaneously. It preserves the shortest deadline between the two contexts
// to ensure the most restrictive timeout is honored.
//
// A background goroutine monitors both parent contexts and cancels the merged
// context when either parent cancels. The goroutine exits as soon as any
// cancellation is detected, preventing goroutine leaks. Callers must call the
// returned cancel function to release resources when the merged context is no
// longer needed.
func mergeContexts(ctx1, ctx2 context.Context) (context.Context, context.CancelFunc) {
	// Get deadlines from both contexts.
	deadline1, hasDeadline1 := ctx1.Deadline()
	deadline2, hasDeadline2 := ctx2.Deadline()

	// Determine which context has the earliest deadline. By default, we'll
	// use ctx1 and only switch to ctx2 if it has an earlier deadline.
	baseCtx := ctx1
	if hasDeadline2 {
		if !hasDeadline1 || deadline2.Before(deadline1) {
			baseCtx = ctx2
		}
	}

	// Create a new context that will be cancelled explicitly.
	mergedCtx, cancel := context.WithCancel(baseCtx)

	// Watch both parent contexts and cancel the merged one when either
	// parent cancels.
	go func() {
		select {
		case <-ctx1.Done():
			cancel()
		case <-ctx2.Done():
			cancel()
		case <-mergedCtx.Done():
			// Already cancelled.
		}
	}()

	return mergedCtx, cancel
}

// ActorConfig holds the configuration parameters for creating a new Actor.
// It is generic over M (Message type) and R (Response type) to accommodate
// the actor's specific behavior.
type ActorConfig[M Message, R any] struct {
	// ID is the unique identifier for the actor.
	ID string

	// Behavior defines how the actor responds to messages.
	Behavior ActorBehavior[M, R]

	// BehaviorFactory, if set, is used to construct a fresh Behavior
	// instance on a supervised restart. If nil, a restart reuses the
	// existing Behavior instance (OnRestart/OnStart still run, but
	// in-memory state carried outside those hooks is not reset).
	BehaviorFactory func() ActorBehavior[M, R]

	// Supervision governs how failures raised from Behavior.Receive or
	// Behavior.OnStart are handled. The zero value is
	// DefaultSupervisionPolicy (stop on failure).
	Supervision SupervisionPolicy

	// DLO is a reference to the dead letter office for this actor system.
	// If nil, undeliverable messages during shutdown or due to a full
	// mailbox (if such logic were added) might be dropped.
	DLO ActorRef[Message, any]

	// MailboxSize defines the buffer capacity of the actor's mailbox.
	MailboxSize int

	// Wg is an optional WaitGroup for tracking actor lifecycle. If
	// non-nil, the actor will call Add(1) when starting and Done() when
	// its process loop exits. This enables deterministic shutdown.
	Wg *sync.WaitGroup

	// CleanupTimeout specifies the maximum duration for OnStop cleanup.
	// If None, a default of 5 seconds is used.
	CleanupTimeout fn.Option[time.Duration]

	// System is this actor's owning system, exposed to the behavior via
	// BehaviorContext.System. May be nil for standalone actors created
	// outside an ActorSystem (e.g. in unit tests).
	System SystemContext
}

// envelope wraps a message with its associated promise and caller context. This
// allows the sender of an "ask" message to await a response. If the promise is
// nil, it signifies a "tell" operation (fire-and-forget). The callerCtx allows
// actors to respect request-scoped deadlines and cancellation.
type envelope[M Message, R any] struct {
	message   M
	promise   Promise[R]
	callerCtx context.Context
}

// watchHandle is a cancellable registration of a termination callback. It is
// shared between the watching parent (which may Unwatch) and the child's
// termination hook (which fires it at most once).
type watchHandle struct {
	mu   sync.Mutex
	fn   func()
	done bool
}

func (h *watchHandle) fire() {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.done {
		return
	}
	h.done = true
	h.fn()
}

func (h *watchHandle) cancel() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.done = true
}

// Actor represents a concrete actor implementation. It encapsulates a behavior,
// manages its internal state implicitly through that behavior, and processes
// messages from its mailbox sequentially in its own goroutine.
type Actor[M Message, R any] struct {
	// id is the unique identifier for the actor.
	id string

	// path is the actor's fully qualified path (see paths.go).
	path string

	// behavior defines how the actor responds to messages. Replaced
	// wholesale on a supervised restart when behaviorFactory is set.
	behavior        ActorBehavior[M, R]
	behaviorFactory func() ActorBehavior[M, R]

	// supervision governs restart/resume/stop/escalate decisions on
	// failure.
	supervision SupervisionPolicy
	restarts    restartLedger

	// mailbox is the incoming message queue for the actor.
	mailbox Mailbox[M, R]

	// ctx is the context governing the actor's lifecycle.
	ctx context.Context

	// cancel is the function to cancel the actor's context.
	cancel context.CancelFunc

	// dlo is a reference to the dead letter office for this actor system.
	dlo ActorRef[Message, any]

	// system is the owning ActorSystem's capability surface, handed to
	// the behavior through BehaviorContext.
	system SystemContext

	// wg is an optional WaitGroup for tracking this actor's lifecycle. If
	// non-nil, Done() is called when the process loop exits.
	wg *sync.WaitGroup

	// cleanupTimeout is the maximum duration for OnStop cleanup.
	cleanupTimeout time.Duration

	// startOnce ensures the actor's processing loop is started only once.
	startOnce sync.Once

	// stopOnce ensures the actor's processing loop is stopped only once.
	stopOnce sync.Once

	// status reflects the cell's current lifecycle state.
	status atomic.Int32

	// ref is the cached ActorRef for this actor.
	ref ActorRef[M, R]

	// mu protects parent, childCells and watchHandles.
	mu           sync.Mutex
	parent       CellHandle
	childCells   map[string]CellHandle
	watchHandles map[string]*watchHandle

	// terminationHooks run exactly once, when this actor's process loop
	// exits, notifying any parent that is watching this cell.
	terminationHooksMu sync.Mutex
	terminationHooks   []func()
}

// NewActor creates a new actor instance with the given ID and behavior.
// It initializes the actor's internal structures but does not start its
// message processing goroutine. The Start() method must be called to begin
// processing messages.
func NewActor[M Message, R any](cfg ActorConfig[M, R]) *Actor[M, R] {
	ctx, cancel := context.WithCancel(context.Background())

	// Ensure MailboxSize has a sane default if not specified or zero.
	mailboxCapacity := cfg.MailboxSize
	if mailboxCapacity <= 0 {
		mailboxCapacity = 1
	}

	supervision := cfg.Supervision
	if supervision == (SupervisionPolicy{}) {
		supervision = DefaultSupervisionPolicy()
	}

	actor := &Actor[M, R]{
		id:              cfg.ID,
		path:            cfg.ID,
		behavior:        cfg.Behavior,
		behaviorFactory: cfg.BehaviorFactory,
		supervision:     supervision,
		mailbox:         NewChannelMailbox[M, R](ctx, mailboxCapacity),
		ctx:             ctx,
		cancel:          cancel,
		dlo:             cfg.DLO,
		system:          cfg.System,
		wg:              cfg.Wg,
		cleanupTimeout:  cfg.CleanupTimeout.UnwrapOr(5 * time.Second),
		childCells:      make(map[string]CellHandle),
		watchHandles:    make(map[string]*watchHandle),
	}
	actor.status.Store(int32(StatusStarting))

	// Create and cache the actor's own reference.
	actor.ref = &actorRefImpl[M, R]{
		actor: actor,
	}

	return actor
}

// Start initiates the actor's message processing loop in a new goroutine.
// This method should be called exactly once after actor creation; repeated
// calls are safe but have no effect (enforced via startOnce). When a WaitGroup
// is configured, we increment it here to enable deterministic shutdown—the
// system can block on wg.Wait() to ensure all actor goroutines have fully
// exited before proceeding with resource cleanup.
func (a *Actor[M, R]) Start() {
	a.startOnce.Do(func() {
		log.DebugS(a.ctx, "Starting actor", "actor_id", a.id)

		if a.wg != nil {
			a.wg.Add(1)
		}
		go a.process()
	})
}

// ID returns the actor's local identifier. Part of CellHandle.
func (a *Actor[M, R]) ID() string { return a.id }

// Path returns the actor's fully qualified path. Part of CellHandle.
func (a *Actor[M, R]) Path() string { return a.path }

// Status returns the actor's current lifecycle state. Part of CellHandle.
func (a *Actor[M, R]) Status() ActorStatus {
	return ActorStatus(a.status.Load())
}

// addTerminationHook registers fn to run once, when this actor stops. If the
// actor has already stopped, fn runs immediately (synchronously, on the
// caller's goroutine). Part of the unexported CellHandle contract used by
// BehaviorContext.Watch.
func (a *Actor[M, R]) addTerminationHook(fn func()) {
	a.terminationHooksMu.Lock()
	if a.Status() == StatusStopped {
		a.terminationHooksMu.Unlock()
		fn()
		return
	}
	a.terminationHooks = append(a.terminationHooks, fn)
	a.terminationHooksMu.Unlock()
}

// runTerminationHooks fires every registered termination hook exactly once.
func (a *Actor[M, R]) runTerminationHooks() {
	a.terminationHooksMu.Lock()
	hooks := a.terminationHooks
	a.terminationHooks = nil
	a.terminationHooksMu.Unlock()

	for _, h := range hooks {
		h()
	}
}

// addChild registers child under this actor and arranges for it to be
// removed from the children set automatically on termination.
func (a *Actor[M, R]) addChild(child CellHandle) {
	a.mu.Lock()
	a.childCells[child.ID()] = child
	a.mu.Unlock()

	child.addTerminationHook(func() {
		a.mu.Lock()
		delete(a.childCells, child.ID())
		a.mu.Unlock()
	})
}

// children returns a snapshot of this actor's current child handles.
func (a *Actor[M, R]) children() []CellHandle {
	a.mu.Lock()
	defer a.mu.Unlock()

	out := make([]CellHandle, 0, len(a.childCells))
	for _, c := range a.childCells {
		out = append(out, c)
	}
	return out
}

// watch registers onTerminated to run once child terminates.
func (a *Actor[M, R]) watch(child CellHandle, onTerminated func()) {
	h := &watchHandle{fn: onTerminated}

	a.mu.Lock()
	a.watchHandles[child.ID()] = h
	a.mu.Unlock()

	child.addTerminationHook(h.fire)
}

// unwatch cancels a previously registered watch for child.
func (a *Actor[M, R]) unwatch(child CellHandle) {
	a.mu.Lock()
	h, ok := a.watchHandles[child.ID()]
	delete(a.watchHandles, child.ID())
	a.mu.Unlock()

	if ok {
		h.cancel()
	}
}

// schedule runs fn once after d elapses, unless the actor has already
// stopped by then. The callback runs on its own goroutine (spawned by
// time.AfterFunc), not serialized with mailbox processing; behaviors that
// need to touch actor-owned state from a scheduled callback should do so by
// having fn call Self.Tell to re-enter through the mailbox.
func (a *Actor[M, R]) schedule(d time.Duration, fn func()) (cancel func()) {
	timer := time.AfterFunc(d, func() {
		if a.ctx.Err() != nil {
			return
		}
		fn()
	})

	return func() { timer.Stop() }
}

// behaviorContext builds a fresh BehaviorContext bound to this actor.
func (a *Actor[M, R]) behaviorContext() *BehaviorContext[M, R] {
	return &BehaviorContext[M, R]{
		Self:   a.ref,
		Log:    log,
		System: a.system,
		actor:  a,
	}
}

// process is the main event loop that drives actor message handling. We
// iterate over the mailbox using the receive iterator pattern, which
// automatically stops when the actor's context is cancelled during
// shutdown. The deferred Done() call (when wg is non-nil) ensures the
// WaitGroup counter is decremented even if the behavior panics, enabling the
// system to detect when all actors have terminated.
func (a *Actor[M, R]) process() {
	// Decrement the WaitGroup counter when this goroutine exits. Using defer
	// ensures this runs even if the behavior panics.
	if a.wg != nil {
		defer a.wg.Done()
	}
	defer a.runTerminationHooks()

	bctx := a.behaviorContext()

	if starter, ok := a.behavior.(Starter); ok {
		a.status.Store(int32(StatusStarting))
		err := func() (err error) {
			defer func() {
				if r := recover(); r != nil {
					err = fmt.Errorf("actor %s OnStart panicked: %v", a.id, r)
				}
			}()
			return starter.OnStart(a.ctx)
		}()
		if err != nil {
			log.ErrorS(a.ctx, "Actor OnStart failed", err,
				"actor_id", a.id)
			if !a.handleFailure(err) {
				a.cancel()
			}
		}
	}
	a.status.Store(int32(StatusRunning))

	// Process messages from the mailbox using the iterator pattern. The
	// iterator will stop when the actor's context is cancelled.
	for env := range a.mailbox.Receive(a.ctx) {
		// For Ask messages, merge the actor's context with the
		// caller's context so the behavior can detect both actor
		// shutdown and caller deadline expiration. For Tell messages,
		// use only the actor's context to preserve fire-and-forget
		// semantics. Once a Tell message is enqueued, it should not be
		// cancelled by the caller's context.
		var processCtx context.Context
		var cancel context.CancelFunc
		if env.promise != nil {
			processCtx, cancel = mergeContexts(a.ctx, env.callerCtx)
		} else {
			processCtx = a.ctx
			cancel = func() {}
		}

		log.TraceS(processCtx, "Actor processing message",
			"actor_id", a.id,
			"msg_type", env.message.MessageType(),
			"is_ask", env.promise != nil)

		result, failure := a.dispatch(processCtx, bctx, env.message)

		cancel()

		if failure != nil {
			if !a.handleFailure(failure) {
				// Supervision decided to stop. Exit the loop;
				// the shutdown path below drains and cleans up.
				if env.promise != nil {
					env.promise.Complete(fn.Err[R](failure))
				}
				a.cancel()
				break
			}

			// Resumed or restarted: the message that caused the
			// failure is considered handled (its result, if any,
			// is the failure itself).
			if env.promise != nil {
				env.promise.Complete(fn.Err[R](failure))
			}
			continue
		}

		// If a promise was provided (i.e., it was an "ask" operation),
		// complete the promise with the result from the behavior.
		if env.promise != nil {
			env.promise.Complete(result)
		}
	}

	a.status.Store(int32(StatusStopped))

	// Stop all children; a parent's termination implies its subtree's.
	for _, child := range a.children() {
		child.Stop()
	}

	// The actor's context has been cancelled. Close the mailbox to prevent
	// new messages from being enqueued, then drain any remaining messages
	// to the DLO.
	a.mailbox.Close()

	// Drain any remaining messages that were enqueued before the mailbox
	// was closed.
	drainedCount := 0
	for env := range a.mailbox.Drain() {
		drainedCount++

		log.TraceS(a.ctx, "Draining message from terminated actor",
			"actor_id", a.id,
			"msg_type", env.message.MessageType(),
			"has_dlo", a.dlo != nil)

		// If a DLO is configured, send the original message there for
		// auditing or potential manual reprocessing.
		if a.dlo != nil {
			a.dlo.Tell(context.Background(), env.message)
		}

		// If it was an Ask, complete the promise with an error
		// indicating the actor terminated.
		if env.promise != nil {
			env.promise.Complete(fn.Err[R](ErrActorTerminated))
		}
	}

	// If the behavior implements the Stoppable interface, call its OnStop
	// hook to allow cleanup of external resources. Use a timeout to ensure
	// cleanup doesn't hang indefinitely.
	if stoppable, ok := a.behavior.(Stoppable); ok {
		cleanupCtx, cancel := context.WithTimeout(
			context.Background(), a.cleanupTimeout,
		)
		defer cancel()

		if err := stoppable.OnStop(cleanupCtx); err != nil {
			log.WarnS(a.ctx, "Actor cleanup error during shutdown",
				err, "actor_id", a.id)
		}
	}

	log.DebugS(a.ctx, "Actor terminated",
		"actor_id", a.id,
		"drained_messages", drainedCount)
}

// dispatch invokes the behavior for a single message, converting a panic
// into a returned failure rather than crashing the actor's goroutine.
func (a *Actor[M, R]) dispatch(
	ctx context.Context, bctx *BehaviorContext[M, R], msg M,
) (result fn.Result[R], failure error) {
	defer func() {
		if r := recover(); r != nil {
			failure = fmt.Errorf("actor %s panicked: %v", a.id, r)
		}
	}()

	result = a.behavior.Receive(ctx, bctx, msg)
	return result, nil
}

// handleFailure applies the actor's SupervisionPolicy to a dispatch
// failure. It returns true if the actor should keep running (resumed or
// successfully restarted), false if it should stop.
func (a *Actor[M, R]) handleFailure(cause error) bool {
	log.WarnS(a.ctx, "Actor behavior failed", cause, "actor_id", a.id,
		"directive", a.supervision.Directive.String())

	a.status.Store(int32(StatusSuspended))
	defer a.status.Store(int32(StatusRunning))

	switch a.supervision.Directive {
	case DirectiveResume:
		return true

	case DirectiveRestart:
		if !a.restarts.allow(a.supervision, time.Now()) {
			log.ErrorS(a.ctx, "Actor exceeded restart budget, stopping",
				cause, "actor_id", a.id)
			return false
		}

		a.status.Store(int32(StatusRestarting))
		if restarter, ok := a.behavior.(Restarter); ok {
			if err := restarter.OnRestart(a.ctx, cause); err != nil {
				log.ErrorS(a.ctx, "Actor OnRestart hook failed",
					err, "actor_id", a.id)
			}
		}
		if a.behaviorFactory != nil {
			a.behavior = a.behaviorFactory()
		}
		if starter, ok := a.behavior.(Starter); ok {
			if err := starter.OnStart(a.ctx); err != nil {
				log.ErrorS(a.ctx, "Actor OnStart failed after restart",
					err, "actor_id", a.id)
				return false
			}
		}
		return true

	case DirectiveEscalate:
		a.mu.Lock()
		parent := a.parent
		a.mu.Unlock()
		if parent != nil {
			parent.Stop()
		}
		return false

	case DirectiveStop:
		fallthrough
	default:
		return false
	}
}

// Stop signals the actor to terminate its processing loop and shut down.
// This is achieved by cancelling the actor's internal context. The actor's
// goroutine will exit once it detects the context cancellation, then close
// the mailbox and drain remaining messages to the DLO.
//
// Note: Messages cannot be lost between Receive() exiting and Close() being
// called because Send() checks actorCtx.Err() first, failing fast after
// context cancellation. Any message that passes the actorCtx check before
// cancellation will either complete its send or see actorCtx.Done() in the
// select and return false.
func (a *Actor[M, R]) Stop() {
	a.stopOnce.Do(func() {
		a.cancel()
	})
}

// actorRefImpl provides a concrete implementation of the ActorRef interface. It
// holds a reference to the target Actor instance, enabling message sending.
type actorRefImpl[M Message, R any] struct {
	actor *Actor[M, R]
}

// Tell sends a message without waiting for a response. If the context is
// cancelled before the message can be sent to the actor's mailbox, the message
// may be dropped.
func (ref *actorRefImpl[M, R]) Tell(ctx context.Context, msg M) {
	log.TraceS(ctx, "Sending Tell message",
		"actor_id", ref.actor.id,
		"msg_type", msg.MessageType())

	// Attempt to send the message to the mailbox. The mailbox's Send
	// method handles context cancellation and actor termination internally.
	env := envelope[M, R]{
		message:   msg,
		promise:   nil,
		callerCtx: ctx,
	}
	ok := ref.actor.mailbox.Send(ctx, env)

	// If the send failed, determine whether to route to DLO. We only send
	// to the DLO when the failure was due to actor termination or mailbox
	// closure (actor-side failures). If the caller's context was cancelled,
	// the message is intentionally dropped to preserve prior semantics
	// where caller-aborted messages are not revived via the DLO.
	if !ok {
		if ctx.Err() == nil || ref.actor.ctx.Err() != nil {
			log.DebugS(ctx, "Tell failed, routing to DLO",
				"actor_id", ref.actor.id,
				"msg_type", msg.MessageType())

			ref.trySendToDLO(msg)
		} else {
			log.TraceS(ctx, "Tell failed, caller cancelled",
				"actor_id", ref.actor.id,
				"msg_type", msg.MessageType())
		}
	}
}

// Ask sends a message and returns a Future for the response. The Future will be
// completed with the actor's reply or an error if the operation fails (e.g.,
// context cancellation before send).
func (ref *actorRefImpl[M, R]) Ask(ctx context.Context, msg M) Future[R] {
	log.TraceS(ctx, "Sending Ask message",
		"actor_id", ref.actor.id,
		"msg_type", msg.MessageType())

	// Create a new promise that will be fulfilled with the actor's
	// response.
	promise := NewPromise[R]()

	// If the actor's own context is already done, complete the promise with
	// ErrActorTerminated and return immediately. This is the primary guard
	// against trying to send to a stopped actor.
	if ref.actor.ctx.Err() != nil {
		log.DebugS(ctx, "Ask failed, actor already terminated",
			"actor_id", ref.actor.id,
			"msg_type", msg.MessageType())

		promise.Complete(fn.Err[R](ErrActorTerminated))
		return promise.Future()
	}

	// Attempt to send the message with the promise to the mailbox. The
	// mailbox's Send method handles context cancellation and actor
	// termination internally.
	env := envelope[M, R]{
		message:   msg,
		promise:   promise,
		callerCtx: ctx,
	}
	ok := ref.actor.mailbox.Send(ctx, env)

	// If the send failed (mailbox closed, context cancelled, or actor
	// terminated), complete the promise with an appropriate error.
	if !ok {
		// Determine the appropriate error based on the state. Check
		// the actor context first as actor termination takes
		// precedence over caller context cancellation.
		if ref.actor.ctx.Err() != nil {
			promise.Complete(fn.Err[R](ErrActorTerminated))
		} else {
			err := ctx.Err()
			if err == nil {
				// This indicates an unexpected state: the send
				// failed, but neither the actor nor the caller
				// context appears to be done. Default to
				// ErrActorTerminated as the most likely cause
				// (e.g., mailbox was closed directly).
				err = ErrActorTerminated
			}

			promise.Complete(fn.Err[R](err))
		}
	}

	// Return the future associated with the promise, allowing the caller to
	// await the response.
	return promise.Future()
}

// trySendToDLO attempts to send the message to the actor's DLO if configured.
func (ref *actorRefImpl[M, R]) trySendToDLO(msg M) {
	if ref.actor.dlo != nil {
		// Use context.Background() for sending to DLO as the
		// original context might be done or the operation
		// should not be bound by it.
		// This Tell to DLO is fire-and-forget.
		ref.actor.dlo.Tell(context.Background(), msg)
	}
}

// ID returns the unique identifier for this actor.
func (ref *actorRefImpl[M, R]) ID() string {
	return ref.actor.id
}

// Ref returns an ActorRef for this actor. This allows clients to interact with
// the actor (send messages) without having direct access to the Actor struct
// itself, promoting encapsulation and location transparency.
func (a *Actor[M, R]) Ref() ActorRef[M, R] {
	return a.ref
}

// TellRef returns a TellOnlyRef for this actor. This allows clients to send
// messages to the actor using only the "tell" pattern (fire-and-forget),
// without having access to "ask" capabilities.
func (a *Actor[M, R]) TellRef() TellOnlyRef[M] {
	return a.ref
}

// SpawnChild creates a new child actor supervised by the owner of bctx. The
// child's message/response types (CM, CR) are independent of the parent's
// (PM, PR) -- this is a package-level generic function, not a method,
// because Go methods cannot introduce their own type parameters. The child
// is registered in the parent's children set and automatically deregistered
// when it terminates; if the parent is watching (it isn't, by default)
// nothing extra happens here, callers that want notification should pair
// this with bctx.Watch.
func SpawnChild[PM Message, PR any, CM Message, CR any](
	bctx *BehaviorContext[PM, PR], cfg ActorConfig[CM, CR],
) ActorRef[CM, CR] {
	parent := bctx.actor

	if cfg.DLO == nil {
		cfg.DLO = parent.dlo
	}
	if cfg.System == nil {
		cfg.System = parent.system
	}
	if cfg.Wg == nil {
		cfg.Wg = parent.wg
	}

	child := NewActor(cfg)
	child.path = parent.path + "/" + cfg.ID
	child.parent = parent

	parent.addChild(child)
	child.Start()

	return child.Ref()
}
