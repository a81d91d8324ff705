package remote

import (
	"context"
	"testing"
	"time"

	"github.com/latticerun/lattice/internal/codec"
	"github.com/stretchr/testify/require"
)

type pingMsg struct{ Text string }

func TestServerClientRoundTrip(t *testing.T) {
	t.Parallel()

	registry := codec.NewRegistry()
	codec.Register[pingMsg](registry, "ping")
	RegisterCodec(registry)
	gobCodec := codec.NewGobCodec(registry)

	srv := NewServer(DefaultServerConfig("127.0.0.1:0"))
	received := make(chan codec.Frame, 1)
	srv.Handle("test/ping", func(ctx context.Context, peerAddr string, frame codec.Frame) (*codec.Frame, error) {
		received <- frame
		reply, err := gobCodec.Encode("ping", pingMsg{Text: "pong"})
		if err != nil {
			return nil, err
		}
		return &reply, nil
	})

	require.NoError(t, srv.Start())
	defer srv.Stop()

	conn, err := Dial(srv.Addr(), DefaultClientConfig())
	require.NoError(t, err)
	defer conn.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	frame, err := gobCodec.Encode("ping", pingMsg{Text: "hello"})
	require.NoError(t, err)
	frame.Tag = "test/ping"

	_, err = conn.Send(ctx, frame)
	require.NoError(t, err)

	select {
	case got := <-received:
		payload, err := gobCodec.Decode(codec.Frame{Tag: "ping", Body: got.Body})
		require.NoError(t, err)
		require.Equal(t, pingMsg{Text: "hello"}, payload)
	case <-time.After(2 * time.Second):
		t.Fatal("server never received frame")
	}

	reply, err := conn.Recv(ctx)
	require.NoError(t, err)
	payload, err := gobCodec.Decode(reply)
	require.NoError(t, err)
	require.Equal(t, pingMsg{Text: "pong"}, payload)
}
