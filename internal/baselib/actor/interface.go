package actor

import (
	"context"
	"fmt"
	"iter"
	"time"

	btclog "github.com/btcsuite/btclog/v2"
	"github.com/lightningnetwork/lnd/fn/v2"
)

// ErrActorTerminated indicates that an operation failed because the target
// actor was terminated or in the process of shutting down.
var ErrActorTerminated = fmt.Errorf("actor terminated")

// ErrServiceKeyTypeMismatch indicates that a registration attempt failed
// because the service key name is already registered with a different message
// or response type.
var ErrServiceKeyTypeMismatch = fmt.Errorf("service key type mismatch")

// ErrNameInUse indicates that a spawn was attempted under a local name
// already held by a running sibling.
var ErrNameInUse = fmt.Errorf("actor name already in use")

// ErrAskTimeout indicates that an Ask's deadline elapsed before a reply
// arrived. It is distinct from ErrActorTerminated: the target may still be
// alive, it simply didn't answer in time.
var ErrAskTimeout = fmt.Errorf("ask timed out waiting for reply")

// BaseMessage is a helper struct that can be embedded in message types defined
// outside the actor package to satisfy the Message interface's unexported
// messageMarker method.
type BaseMessage struct{}

// messageMarker implements the unexported method for the Message interface,
// allowing types that embed BaseMessage to satisfy the Message interface.
func (BaseMessage) messageMarker() {}

// Message is a sealed interface for actor messages. Actors will receive
// messages conforming to this interface. The interface is "sealed" by the
// unexported messageMarker method, meaning only types that can satisfy it
// (e.g., by embedding BaseMessage or being in the same package) can be Messages.
type Message interface {
	// messageMarker is a private method that makes this a sealed interface
	// (see BaseMessage for embedding).
	messageMarker()

	// MessageType returns the type name of the message for
	// routing/filtering.
	MessageType() string
}

// PriorityMessage is an extension of the Message interface for messages that
// carry a priority level. Mailboxes that support prioritization (see
// PriorityMailbox) dispatch higher-priority messages first.
type PriorityMessage interface {
	Message

	// Priority returns the processing priority of this message (higher =
	// more important).
	Priority() int
}

// Future represents the result of an asynchronous computation. It allows
// consumers to wait for the result (Await), apply transformations upon
// completion (ThenApply), or register a callback to be executed when the
// result is available (OnComplete).
type Future[T any] interface {
	// Await blocks until the result is available or the context is
	// cancelled, then returns it.
	Await(ctx context.Context) fn.Result[T]

	// ThenApply registers a function to transform the result of a future.
	// The original future is not modified, a new instance of the future is
	// returned. If the passed context is cancelled while waiting for the
	// original future to complete, the new future will complete with the
	// context's error.
	ThenApply(ctx context.Context, fn func(T) T) Future[T]

	// OnComplete registers a function to be called when the result of the
	// future is ready. If the passed context is cancelled before the future
	// completes, the callback function will be invoked with the context's
	// error.
	OnComplete(ctx context.Context, fn func(fn.Result[T]))
}

// Promise is an interface that allows for the completion of an associated
// Future. It provides a way to set the result of an asynchronous operation.
// The producer of an asynchronous result uses a Promise to set the outcome,
// while consumers use the associated Future to retrieve it.
type Promise[T any] interface {
	// Future returns the Future interface associated with this Promise.
	// Consumers can use this to Await the result or register callbacks.
	Future() Future[T]

	// Complete attempts to set the result of the future. It returns true if
	// this call successfully set the result (i.e., it was the first to
	// complete it), and false if the future had already been completed.
	Complete(result fn.Result[T]) bool
}

// BaseActorRef is a non-generic base interface for all actor references. This
// enables stronger typing in data structures that store heterogeneous actor
// references, such as the Receptionist's registration map. All ActorRef
// instances implement this interface.
//
// Type safety is enforced through generic type parameters on TellOnlyRef and
// ActorRef, plus the Receptionist's type registry which validates that service
// keys with the same name always have matching message and response types.
// External packages can implement this interface for testing purposes.
type BaseActorRef interface {
	// ID returns the unique identifier for this actor.
	ID() string
}

// TellOnlyRef is a reference to an actor that only supports "tell" operations.
// This is useful for scenarios where only fire-and-forget message passing is
// needed, or to restrict capabilities.
type TellOnlyRef[M Message] interface {
	BaseActorRef

	// Tell sends a message without waiting for a response. If the
	// context is cancelled before the message can be sent to the actor's
	// mailbox, the message may be dropped.
	Tell(ctx context.Context, msg M)
}

// ActorRef is a reference to an actor that supports both "tell" and "ask"
// operations. It embeds TellOnlyRef and adds the Ask method for
// request-response interactions.
type ActorRef[M Message, R any] interface {
	TellOnlyRef[M]

	// Ask sends a message and returns a Future for the response.
	// The Future will be completed with the actor's reply or an error
	// if the operation fails (e.g., ErrActorTerminated, or the context's
	// error if it is done before the send). Ask itself never reports
	// ErrAskTimeout; spawn.Builder.SpawnAndWait translates an elapsed
	// wait deadline into it.
	Ask(ctx context.Context, msg M) Future[R]
}

// CellHandle is the untyped face every actor cell presents to its parent and
// to the system, regardless of the cell's own message/response type
// parameters. Generics can't express a heterogeneous collection of
// Actor[M1,R1], Actor[M2,R2], ... as children of one parent, so parent/child
// bookkeeping (and therefore supervision and watch) is done against this
// narrow interface instead of the strongly-typed ActorRef: store by handle,
// not by typed ref.
type CellHandle interface {
	// ID returns the actor's local name.
	ID() string

	// Path returns the actor's full path within the system.
	Path() string

	// Status returns the cell's current lifecycle status.
	Status() ActorStatus

	// Stop begins termination of this cell and, transitively, its
	// children.
	Stop()

	// addTerminationHook registers fn to run once this cell has fully
	// stopped, firing immediately if it already has. Unexported so only
	// this package's *Actor[M,R] can satisfy CellHandle.
	addTerminationHook(fn func())
}

// ActorStatus enumerates the actor cell lifecycle states.
type ActorStatus int32

const (
	// StatusStarting is the transient state between construction and the
	// first successful setup.
	StatusStarting ActorStatus = iota

	// StatusRunning is the steady state in which the cell dispatches
	// messages to its behavior.
	StatusRunning

	// StatusSuspended is entered while a failure is being adjudicated by
	// supervision, before a restart/stop/resume decision lands.
	StatusSuspended

	// StatusRestarting is entered once a restart decision has been made
	// and the cell is re-entering via OnRestart/OnStart.
	StatusRestarting

	// StatusStopped is terminal; no further messages are dispatched.
	StatusStopped
)

// String implements fmt.Stringer for log-friendly output.
func (s ActorStatus) String() string {
	switch s {
	case StatusStarting:
		return "starting"
	case StatusRunning:
		return "running"
	case StatusSuspended:
		return "suspended"
	case StatusRestarting:
		return "restarting"
	case StatusStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// ActorBehavior defines the logic for how an actor processes incoming messages.
// It is a strategy interface that encapsulates the actor's reaction to messages.
type ActorBehavior[M Message, R any] interface {
	// Receive processes a message and returns a Result. The provided
	// context merges the actor's lifecycle context with the caller's
	// request context. It cancels when either the actor shuts down OR the
	// caller's deadline expires, allowing actors to respect request-scoped
	// timeouts while also detecting system shutdown. bctx exposes the
	// actor's identity, logger, children, spawn API and scheduler without
	// requiring the behavior to hold a reference to the Actor itself.
	Receive(ctx context.Context, bctx *BehaviorContext[M, R], msg M) fn.Result[R]
}

// Starter is an optional interface a behavior can implement to run setup
// logic once, before the cell transitions to Running.
type Starter interface {
	// OnStart is called once, before the first message is dispatched. A
	// non-nil error fails the actor's startup and is treated like a
	// Receive-time failure for supervision purposes.
	OnStart(ctx context.Context) error
}

// Restarter is an optional interface a behavior can implement to observe the
// cause of a failure just before a fresh behavior instance replaces it.
type Restarter interface {
	// OnRestart is called with the failure that triggered the restart,
	// just before the cell discards this behavior instance in favor of a
	// freshly constructed one.
	OnRestart(ctx context.Context, cause error) error
}

// Stoppable is an optional interface that ActorBehavior implementations can
// implement to perform cleanup when the actor is stopping. This is useful for
// releasing external resources such as database connections, file handles, or
// network listeners that the behavior manages.
type Stoppable interface {
	// OnStop is called during actor shutdown, after the message processing
	// loop exits but before the actor's goroutine terminates. The provided
	// context has a deadline for cleanup operations. Implementations should
	// release resources and return promptly, respecting the context
	// deadline to avoid blocking system shutdown.
	OnStop(ctx context.Context) error
}

// SystemContext defines the minimal interface for system capabilities needed
// by actors and service keys. This narrow interface enables dependency
// injection and unit testing without requiring a full ActorSystem instance.
type SystemContext interface {
	// Receptionist returns the system's receptionist for actor discovery.
	Receptionist() *Receptionist

	// DeadLetters returns a reference to the dead letter actor for
	// undeliverable messages.
	DeadLetters() ActorRef[Message, any]

	// Address returns this system's node address, used to qualify actor
	// paths and remote ActorRef identity across a cluster.
	Address() string

	// AfterFunc schedules fn to run once after d has elapsed, returning a
	// cancel function that stops the timer if it hasn't fired yet.
	AfterFunc(d time.Duration, fn func()) (cancel func())
}

// BehaviorContext is handed to a behavior's Receive call. It carries the
// actor's own identity plus the narrow slice of system capabilities a
// behavior is allowed to use: spawning and watching children, logging, and
// scheduling delayed work against the actor's own lifecycle. Topic
// (pub/sub) access is deliberately absent here; topic refs are wired into a
// behavior as ordinary constructor-injected collaborators instead, so this
// package never needs to import the pubsub package.
type BehaviorContext[M Message, R any] struct {
	// Self is this actor's own reference.
	Self ActorRef[M, R]

	// Log is the actor package's logger (set via UseLogger); it is not
	// tagged with this actor's ID.
	Log btclog.Logger

	// System is the owning ActorSystem's narrow capability surface.
	System SystemContext

	actor *Actor[M, R]
}

// Children returns the handles of this actor's current children.
func (b *BehaviorContext[M, R]) Children() []CellHandle {
	return b.actor.children()
}

// Watch registers onTerminated to be invoked exactly once when child stops.
// It runs on the child's goroutine as the child terminates, or immediately
// on the caller's goroutine if the child has already stopped; it is not
// serialized with this actor's Receive. Because children may have arbitrary
// message/response type parameters, a callback - not a typed Terminated
// message - is the mechanism by which a parent observes termination; this
// mirrors the OnComplete callback style already used by Future.
func (b *BehaviorContext[M, R]) Watch(child CellHandle, onTerminated func()) {
	b.actor.watch(child, onTerminated)
}

// Unwatch removes a previously registered watch for child, if still pending.
func (b *BehaviorContext[M, R]) Unwatch(child CellHandle) {
	b.actor.unwatch(child)
}

// Schedule runs fn once after d has elapsed, unless the actor has stopped
// by then. fn runs on its own timer goroutine, not serialized with the
// actor's Receive. The returned cancel func stops the timer if it hasn't
// fired yet.
func (b *BehaviorContext[M, R]) Schedule(d time.Duration, fn func()) (cancel func()) {
	return b.actor.schedule(d, fn)
}

// Mailbox defines the interface for an actor's message queue. This abstraction
// allows different mailbox strategies to be plugged in, such as priority
// queues, durable on-disk queues, or backpressure-aware mailboxes, without
// changing the actor implementation.
//
// Thread Safety:
//   - Send and TrySend may be called concurrently from multiple goroutines.
//   - Receive should only be called from a single goroutine (the actor's
//     process loop).
//   - Close may be called concurrently with Send/TrySend and is idempotent.
//   - IsClosed may be called concurrently from any goroutine.
//   - Drain should only be called after Close and from a single goroutine.
//   - Send and TrySend return false after Close has been called.
type Mailbox[M Message, R any] interface {
	// Send attempts to send an envelope to the mailbox, blocking until
	// either the envelope is accepted, the provided context is cancelled,
	// or the actor's context is cancelled. It returns true if the envelope
	// was successfully sent, false otherwise.
	Send(ctx context.Context, env envelope[M, R]) bool

	// TrySend attempts to send an envelope to the mailbox without
	// blocking. It returns true if the envelope was successfully sent,
	// false if the mailbox is full or closed.
	TrySend(env envelope[M, R]) bool

	// Receive returns an iterator over envelopes in the mailbox. The
	// iterator will block when the mailbox is empty and yield envelopes as
	// they arrive. The iterator will stop when the provided context is
	// cancelled or when the mailbox is closed.
	Receive(ctx context.Context) iter.Seq[envelope[M, R]]

	// Close closes the mailbox, preventing any further sends. After
	// closing, Receive will yield any remaining envelopes and then stop.
	Close()

	// IsClosed returns true if the mailbox has been closed.
	IsClosed() bool

	// Drain returns an iterator over any remaining envelopes in the
	// mailbox after it has been closed. This is useful for cleanup logic
	// during actor shutdown.
	Drain() iter.Seq[envelope[M, R]]
}
