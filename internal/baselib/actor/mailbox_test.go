package actor

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/stretchr/testify/require"
)

// testMessage is a simple message type for testing.
type testMessage struct {
	BaseMessage
	value int
}

func (m *testMessage) MessageType() string {
	return "testMessage"
}

func testEnvelope(value int) envelope[*testMessage, string] {
	return envelope[*testMessage, string]{message: &testMessage{value: value}}
}

// TestChannelMailboxSendReceive covers the basic send/receive/full/closed
// combinations every entity and topic actor's mailbox goes through.
func TestChannelMailboxSendReceive(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	actorCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	mailbox := NewChannelMailbox[*testMessage, string](actorCtx, 1)
	defer mailbox.Close()

	require.True(t, mailbox.Send(ctx, testEnvelope(1)))

	cancelledCtx, cancelNow := context.WithCancel(ctx)
	cancelNow()
	require.False(t, mailbox.Send(cancelledCtx, testEnvelope(2)),
		"send with an already-cancelled context must fail")

	require.False(t, mailbox.TrySend(testEnvelope(2)),
		"TrySend to a full mailbox must fail without blocking")

	for env := range mailbox.Receive(ctx) {
		require.Equal(t, 1, env.message.value)
		break
	}

	require.True(t, mailbox.TrySend(testEnvelope(2)))

	mailbox.Close()
	require.True(t, mailbox.IsClosed())
	mailbox.Close() // idempotent
	require.False(t, mailbox.Send(ctx, testEnvelope(3)),
		"send to a closed mailbox must fail")
}

// TestChannelMailboxSendWithActorContextCancelled tests that Send respects
// the actor's own lifecycle context in addition to the caller's.
func TestChannelMailboxSendWithActorContextCancelled(t *testing.T) {
	t.Parallel()

	actorCtx, actorCancel := context.WithCancel(context.Background())
	mailbox := NewChannelMailbox[*testMessage, string](actorCtx, 1)
	defer mailbox.Close()

	require.True(t, mailbox.TrySend(testEnvelope(1)))
	actorCancel()

	require.False(t, mailbox.Send(context.Background(), testEnvelope(2)),
		"send must fail once the actor's own context is done")
}

// TestChannelMailboxReceiveStopsOnCancelOrClose exercises both ways a
// Receive iterator exits: caller context cancellation, and mailbox close
// with pending messages drained first.
func TestChannelMailboxReceiveStopsOnCancelOrClose(t *testing.T) {
	t.Parallel()

	actorCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	mailbox := NewChannelMailbox[*testMessage, string](actorCtx, 10)
	for i := 0; i < 3; i++ {
		require.True(t, mailbox.Send(context.Background(), testEnvelope(i)))
	}

	receiveCtx, receiveCancel := context.WithCancel(context.Background())
	var received int
	done := make(chan struct{})

	go func() {
		defer close(done)
		for range mailbox.Receive(receiveCtx) {
			received++
			if received == 1 {
				receiveCancel()
			}
		}
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("receive did not stop after context cancellation")
	}
	require.Equal(t, 1, received, "iteration must stop as soon as the context is cancelled")

	mailbox.Close()
	drained := 0
	for range mailbox.Drain() {
		drained++
	}
	require.Equal(t, 2, drained, "remaining messages must still be drainable after close")
}

// TestChannelMailboxConcurrentSends tests that multiple goroutines can send
// to the mailbox concurrently without causing panics or data races, the
// same access pattern a shard region's forwardLocal and passivateIdle
// produce from different goroutines under mu.
func TestChannelMailboxConcurrentSends(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	actorCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	const numSenders, perSender = 10, 100
	total := numSenders * perSender

	mailbox := NewChannelMailbox[*testMessage, string](actorCtx, total)
	defer mailbox.Close()

	var wg sync.WaitGroup
	wg.Add(numSenders)
	for i := 0; i < numSenders; i++ {
		go func(senderID int) {
			defer wg.Done()
			for j := 0; j < perSender; j++ {
				require.True(t, mailbox.Send(ctx, testEnvelope(senderID*1000+j)))
			}
		}(i)
	}
	wg.Wait()

	received := 0
	for range mailbox.Receive(ctx) {
		received++
		if received == total {
			break
		}
	}
	require.Equal(t, total, received)
}

// TestActorDrainToDLO tests that when an actor is stopped, any unprocessed
// messages in the mailbox are drained and sent to the Dead Letter Office —
// the path a passivated shard entity's in-flight mailbox contents take.
func TestActorDrainToDLO(t *testing.T) {
	t.Parallel()

	const numQueuedMessages = 4
	dloReceived := make(chan *testMessage, numQueuedMessages)

	dloBehavior := NewFunctionBehavior(
		func(_ context.Context, msg Message) fn.Result[any] {
			if tm, ok := msg.(*testMessage); ok {
				dloReceived <- tm
			}
			return fn.Ok[any](nil)
		},
	)

	dloActor := NewActor(ActorConfig[Message, any]{
		ID:          "test-dlo",
		Behavior:    dloBehavior,
		MailboxSize: 10,
	})
	dloActor.Start()
	defer dloActor.Stop()

	var actorWg sync.WaitGroup
	firstMsgProcessing := make(chan struct{})

	blockingBehavior := NewFunctionBehavior(
		func(ctx context.Context, msg *testMessage) fn.Result[string] {
			if msg.value == 0 {
				close(firstMsgProcessing)
				<-ctx.Done()
			}
			return fn.Ok("processed")
		},
	)

	actor := NewActor(ActorConfig[*testMessage, string]{
		ID:          "test-actor",
		Behavior:    blockingBehavior,
		DLO:         dloActor.Ref(),
		MailboxSize: 10,
		Wg:          &actorWg,
	})
	actor.Start()

	ctx := context.Background()
	actor.Ref().Tell(ctx, &testMessage{value: 0})
	<-firstMsgProcessing

	for i := 1; i <= numQueuedMessages; i++ {
		actor.Ref().Tell(ctx, &testMessage{value: i})
	}

	actor.Stop()
	actorWg.Wait()

	received := make([]int, 0, numQueuedMessages)
	timeout := time.After(2 * time.Second)
	for len(received) < numQueuedMessages {
		select {
		case msg := <-dloReceived:
			received = append(received, msg.value)
		case <-timeout:
			t.Fatalf("timed out waiting for DLO messages: got %v", received)
		}
	}

	for i := 1; i <= numQueuedMessages; i++ {
		require.Contains(t, received, i)
	}
	require.NotContains(t, received, 0, "the in-flight blocking message must not reach the DLO")
}

// TestChannelMailboxWithPromises tests that an envelope's promise survives
// the mailbox round trip, the mechanism Ask/Await is built on.
func TestChannelMailboxWithPromises(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	actorCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	mailbox := NewChannelMailbox[*testMessage, string](actorCtx, 10)
	defer mailbox.Close()

	promise := NewPromise[string]()
	env := envelope[*testMessage, string]{message: &testMessage{value: 42}, promise: promise}
	require.True(t, mailbox.Send(ctx, env))

	for received := range mailbox.Receive(ctx) {
		require.NotNil(t, received.promise)
		received.promise.Complete(fn.Ok("response"))
		break
	}

	response, err := promise.Future().Await(ctx).Unpack()
	require.NoError(t, err)
	require.Equal(t, "response", response)
}
