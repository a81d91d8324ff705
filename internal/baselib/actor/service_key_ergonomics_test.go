package actor

import (
	"context"
	"sync/atomic"
	"testing"

	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/stretchr/testify/require"
)

// testMsg is the shared fixture message type for the kernel-level actor
// tests in this package.
type testMsg struct {
	BaseMessage
	data string
}

func newTestMsg(data string) *testMsg { return &testMsg{data: data} }

func (m *testMsg) MessageType() string { return "testMsg" }

// TestServiceKeyRefCreatesRouter verifies that ServiceKey.Ref returns a
// working router that load-balances across registered actors, the routing
// a ShardRegion's Coordinator and Topic deputies rely on internally.
func TestServiceKeyRefCreatesRouter(t *testing.T) {
	t.Parallel()

	system := NewActorSystem()
	defer func() {
		_ = system.Shutdown(context.Background())
	}()

	var actor1Count, actor2Count, actor3Count atomic.Int32
	behavior1 := NewFunctionBehavior(func(ctx context.Context, msg *testMsg) fn.Result[string] {
		actor1Count.Add(1)
		return fn.Ok("actor1")
	})
	behavior2 := NewFunctionBehavior(func(ctx context.Context, msg *testMsg) fn.Result[string] {
		actor2Count.Add(1)
		return fn.Ok("actor2")
	})
	behavior3 := NewFunctionBehavior(func(ctx context.Context, msg *testMsg) fn.Result[string] {
		actor3Count.Add(1)
		return fn.Ok("actor3")
	})

	key := NewServiceKey[*testMsg, string]("worker-pool")
	_ = RegisterWithSystem(system, "worker-1", key, behavior1)
	_ = RegisterWithSystem(system, "worker-2", key, behavior2)
	_ = RegisterWithSystem(system, "worker-3", key, behavior3)

	serviceRef := key.Ref(system)

	const numMessages = 12
	for i := 0; i < numMessages; i++ {
		result := serviceRef.Ask(context.Background(), newTestMsg("work")).Await(context.Background())
		require.True(t, result.IsOk(), "message %d should be processed", i)
	}

	require.Equal(t, int32(4), actor1Count.Load())
	require.Equal(t, int32(4), actor2Count.Load())
	require.Equal(t, int32(4), actor3Count.Load())

	emptyKey := NewServiceKey[*testMsg, string]("empty-service")
	emptyResult := emptyKey.Ref(system).Ask(context.Background(), newTestMsg("test")).Await(context.Background())
	require.True(t, emptyResult.IsErr(), "a service with no registered actors should fail, not hang")
}

// TestServiceKeyBroadcast verifies that Broadcast sends to every registered
// actor.
func TestServiceKeyBroadcast(t *testing.T) {
	t.Parallel()

	system := NewActorSystem()
	defer func() {
		_ = system.Shutdown(context.Background())
	}()

	received := make(chan string, 30)
	behavior := NewFunctionBehavior(func(ctx context.Context, msg *testMsg) fn.Result[string] {
		received <- msg.data
		return fn.Ok("ok")
	})

	key := NewServiceKey[*testMsg, string]("broadcast-service")
	_ = RegisterWithSystem(system, "listener-1", key, behavior)
	_ = RegisterWithSystem(system, "listener-2", key, behavior)
	_ = RegisterWithSystem(system, "listener-3", key, behavior)

	sent := key.Broadcast(system, context.Background(), newTestMsg("notification"))
	require.Equal(t, 3, sent)

	for i := 0; i < 3; i++ {
		require.Equal(t, "notification", <-received)
	}

	emptyKey := NewServiceKey[*testMsg, string]("empty-broadcast")
	require.Equal(t, 0, emptyKey.Broadcast(system, context.Background(), newTestMsg("test")))
}
