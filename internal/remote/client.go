package remote

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/latticerun/lattice/internal/codec"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"
)

// ClientConfig configures an outbound connection to a single peer.
type ClientConfig struct {
	// DialTimeout is carried in the config but Dial does not apply it:
	// grpc.NewClient connects lazily and never waits at Dial time.
	DialTimeout time.Duration

	// KeepaliveTime/KeepaliveTimeout mirror ServerConfig's settings so a
	// client notices a silently-dead peer at the same cadence the server
	// polices abusive clients.
	KeepaliveTime    time.Duration
	KeepaliveTimeout time.Duration
}

// DefaultClientConfig returns the keepalive posture paired with
// DefaultServerConfig.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		DialTimeout:      5 * time.Second,
		KeepaliveTime:    10 * time.Second,
		KeepaliveTimeout: 5 * time.Second,
	}
}

// Conn is a single outbound connection to one peer, carrying the one
// multiplexed transport stream used for gossip, pubsub replication, and
// sharded entity traffic.
type Conn struct {
	addr   string
	cfg    ClientConfig
	grpcConn *grpc.ClientConn

	mu     sync.Mutex
	stream grpc.ClientStream
}

// Dial opens a connection to addr using the non-blocking grpc.NewClient
// (grpc.DialContext+WithBlock is deprecated). Connectivity is verified by
// the first real stream open rather than at Dial time.
func Dial(addr string, cfg ClientConfig) (*Conn, error) {
	grpcConn, err := grpc.NewClient(addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		// Frames travel through the "gobframe" codec installed by
		// RegisterCodec; grpc's default proto codec cannot encode them.
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype("gobframe")),
		grpc.WithKeepaliveParams(keepalive.ClientParameters{
			Time:                cfg.KeepaliveTime,
			Timeout:             cfg.KeepaliveTimeout,
			PermitWithoutStream: true,
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("remote: dial %s: %w", addr, err)
	}

	return &Conn{addr: addr, cfg: cfg, grpcConn: grpcConn}, nil
}

func (c *Conn) ensureStream(ctx context.Context) (grpc.ClientStream, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.stream != nil {
		return c.stream, nil
	}

	desc := &grpc.StreamDesc{
		StreamName:    streamName,
		ServerStreams: true,
		ClientStreams: true,
	}
	method := fmt.Sprintf("/%s/%s", serviceName, streamName)

	stream, err := c.grpcConn.NewStream(ctx, desc, method)
	if err != nil {
		return nil, fmt.Errorf("remote: open stream to %s: %w", c.addr, err)
	}
	c.stream = stream
	return stream, nil
}

// Send delivers frame to the peer. The returned reply is always nil;
// callers that expect a reply read it with Recv, and fire-and-forget
// callers (gossip) never do.
func (c *Conn) Send(ctx context.Context, frame codec.Frame) (*codec.Frame, error) {
	stream, err := c.ensureStream(ctx)
	if err != nil {
		return nil, err
	}

	if err := stream.SendMsg(frame); err != nil {
		c.resetStream()
		return nil, fmt.Errorf("remote: send to %s: %w", c.addr, err)
	}

	return nil, nil
}

// Recv blocks for the next frame the peer sends back on this connection's
// stream. Used by callers that expect a reply (application asks); gossip's
// fire-and-forget sends never call this.
func (c *Conn) Recv(ctx context.Context) (codec.Frame, error) {
	stream, err := c.ensureStream(ctx)
	if err != nil {
		return codec.Frame{}, err
	}

	var frame codec.Frame
	if err := stream.RecvMsg(&frame); err != nil {
		c.resetStream()
		return codec.Frame{}, fmt.Errorf("remote: recv from %s: %w", c.addr, err)
	}
	return frame, nil
}

func (c *Conn) resetStream() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stream = nil
}

// Close tears down the underlying grpc connection.
func (c *Conn) Close() error {
	return c.grpcConn.Close()
}

// Addr returns the peer address this connection targets.
func (c *Conn) Addr() string {
	return c.addr
}

// Pool lazily dials and caches one Conn per peer address, so gossip rounds
// and entity forwarding reuse connections instead of dialing per message.
type Pool struct {
	cfg ClientConfig

	mu    sync.Mutex
	conns map[string]*Conn
}

// NewPool creates an empty connection pool.
func NewPool(cfg ClientConfig) *Pool {
	return &Pool{cfg: cfg, conns: make(map[string]*Conn)}
}

// Get returns the cached Conn for addr, dialing one if necessary.
func (p *Pool) Get(addr string) (*Conn, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if conn, ok := p.conns[addr]; ok {
		return conn, nil
	}

	conn, err := Dial(addr, p.cfg)
	if err != nil {
		return nil, err
	}
	p.conns[addr] = conn
	return conn, nil
}

// CloseAll tears down every pooled connection.
func (p *Pool) CloseAll() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for addr, conn := range p.conns {
		_ = conn.Close()
		delete(p.conns, addr)
	}
}
