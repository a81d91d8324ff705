package spawn

import (
	"context"
	"testing"
	"time"

	"github.com/latticerun/lattice/internal/baselib/actor"
	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/stretchr/testify/require"
)

type echoMsg struct {
	actor.BaseMessage
	Text string
}

func (echoMsg) MessageType() string { return "spawn_test.echo" }

type echoBehavior struct{}

func (echoBehavior) Receive(_ context.Context,
	_ *actor.BehaviorContext[echoMsg, string], msg echoMsg,
) fn.Result[string] {
	return fn.Ok(msg.Text)
}

func TestBuilderSpawnAndWait(t *testing.T) {
	t.Parallel()

	system := actor.NewActorSystem()
	defer system.Shutdown(context.Background())

	key := actor.NewServiceKey[echoMsg, string]("echo")

	result := New[echoMsg, string]().
		WithID("echo-1").
		WithTimeout(time.Second).
		SpawnAndWait(system, key, echoBehavior{}, echoMsg{Text: "hi"})

	require.True(t, result.IsOk())
	val, err := result.Unpack()
	require.NoError(t, err)
	require.Equal(t, "hi", val)
}

func TestBuilderIsImmutable(t *testing.T) {
	t.Parallel()

	base := New[echoMsg, string]().WithMailbox(10)
	withTimeout := base.WithTimeout(time.Second)

	require.Equal(t, 0, int(base.timeout))
	require.Equal(t, time.Second, withTimeout.timeout)
}
