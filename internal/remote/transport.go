// Package remote carries frames between cluster nodes over a grpc
// bidirectional stream. It never interprets payload bytes itself — encoding
// is delegated entirely to internal/codec, registered as a grpc wire codec
// so the stream transports codec.Frame values directly.
package remote

import (
	"context"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/latticerun/lattice/internal/codec"
	btclog "github.com/btcsuite/btclog/v2"
	"google.golang.org/grpc"
	"google.golang.org/grpc/encoding"
	"google.golang.org/grpc/keepalive"
)

var log = btclog.Disabled

// UseLogger sets the package-wide logger used by remote transport.
func UseLogger(logger btclog.Logger) { log = logger }

func init() {
	// Registering here, rather than lazily on first transport creation,
	// matches how grpc itself registers the built-in proto codec via
	// blank import side effects.
	encoding.RegisterCodec(codec.NewGobCodec(codec.NewRegistry()))
}

// RegisterCodec installs registry's GobCodec as the grpc wire codec for the
// "gobframe" content-subtype, overriding the no-op registry installed by
// init(). Call once per process before dialing or serving.
func RegisterCodec(registry *codec.Registry) {
	encoding.RegisterCodec(codec.NewGobCodec(registry))
}

// ServerConfig configures a node's inbound transport. Mirrors the teacher's
// keepalive/interceptor posture for grpc servers: short, explicit keepalive
// windows so a dead peer is detected quickly, since cluster membership's
// failure detector rides these same connections.
type ServerConfig struct {
	// ListenAddr is the host:port this node's Server binds to.
	ListenAddr string

	// KeepaliveTime is how often the server pings idle connections.
	KeepaliveTime time.Duration

	// KeepaliveTimeout is how long the server waits for a ping ack
	// before considering the connection dead.
	KeepaliveTimeout time.Duration

	// MinPingInterval is the minimum interval a client is allowed to
	// send pings without the server tearing down the connection as
	// abusive.
	MinPingInterval time.Duration
}

// DefaultServerConfig returns the keepalive posture used across the
// cluster's gossip and application streams.
func DefaultServerConfig(listenAddr string) ServerConfig {
	return ServerConfig{
		ListenAddr:       listenAddr,
		KeepaliveTime:    10 * time.Second,
		KeepaliveTimeout: 5 * time.Second,
		MinPingInterval:  5 * time.Second,
	}
}

// StreamHandler processes one inbound Frame from a peer and optionally
// returns a reply Frame. A nil reply means no response is sent for that
// frame (fire-and-forget, used by gossip).
type StreamHandler func(ctx context.Context, peerAddr string, frame codec.Frame) (reply *codec.Frame, err error)

// Server hosts the single bidirectional lattice.remote.Transport/Stream RPC
// that carries every reserved-path frame (membership gossip, pubsub
// replication, sharded entity traffic, and application asks), dispatched by
// an exact match on the frame's Tag. One stream type keeps the wire surface small, matching the
// spec's reserved-path convention instead of one grpc service per concern.
type Server struct {
	cfg     ServerConfig
	grpcSrv *grpc.Server
	lis     net.Listener

	mu       sync.RWMutex
	handlers map[string]StreamHandler

	startOnce sync.Once
	stopOnce  sync.Once
}

// NewServer constructs a Server bound to cfg.ListenAddr, not yet listening.
func NewServer(cfg ServerConfig) *Server {
	return &Server{
		cfg:      cfg,
		handlers: make(map[string]StreamHandler),
	}
}

// Handle registers handler for frames whose Tag equals path exactly. Paths
// in use are "system/membership" (cluster.MembershipPath), the per-topic
// "system/pubsub/<typeID>/<name>" replica paths, the per-entity-type
// "system/sharding/handoff/<type>" paths, and a shard region's PayloadTag.
func (s *Server) Handle(path string, handler StreamHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[path] = handler
}

func (s *Server) dispatch(ctx context.Context, peerAddr string, frame codec.Frame) (*codec.Frame, error) {
	s.mu.RLock()
	handler, ok := s.handlers[frame.Tag]
	s.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("remote: no handler registered for tag %q", frame.Tag)
	}
	return handler(ctx, peerAddr, frame)
}

func (s *Server) buildServerOptions() []grpc.ServerOption {
	return []grpc.ServerOption{
		grpc.KeepaliveParams(keepalive.ServerParameters{
			Time:    s.cfg.KeepaliveTime,
			Timeout: s.cfg.KeepaliveTimeout,
		}),
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             s.cfg.MinPingInterval,
			PermitWithoutStream: true,
		}),
	}
}

// Start begins listening and serving in a background goroutine. It returns
// once the listener is bound, before Serve has necessarily accepted a
// connection.
func (s *Server) Start() error {
	var startErr error
	s.startOnce.Do(func() {
		lis, err := net.Listen("tcp", s.cfg.ListenAddr)
		if err != nil {
			startErr = fmt.Errorf("remote: listen %s: %w", s.cfg.ListenAddr, err)
			return
		}
		s.lis = lis
		s.grpcSrv = grpc.NewServer(s.buildServerOptions()...)
		RegisterTransportServer(s.grpcSrv, s)

		go func() {
			if err := s.grpcSrv.Serve(lis); err != nil && err != grpc.ErrServerStopped {
				log.ErrorS(context.Background(), "remote: serve exited",
					err, "addr", s.cfg.ListenAddr)
			}
		}()
	})
	return startErr
}

// Stop gracefully drains in-flight streams and stops the listener.
func (s *Server) Stop() {
	s.stopOnce.Do(func() {
		if s.grpcSrv != nil {
			s.grpcSrv.GracefulStop()
		}
	})
}

// Addr returns the bound listen address, valid only after Start succeeds.
func (s *Server) Addr() string {
	if s.lis == nil {
		return s.cfg.ListenAddr
	}
	return s.lis.Addr().String()
}

// recvFrame and sendFrame adapt a grpc.ServerStream to codec.Frame values,
// using the stream's negotiated codec (installed via RegisterCodec) instead
// of a hand-rolled proto message, since remote never generates protoc stubs.
func recvFrame(stream grpc.ServerStream) (codec.Frame, error) {
	var frame codec.Frame
	if err := stream.RecvMsg(&frame); err != nil {
		return codec.Frame{}, err
	}
	return frame, nil
}

func sendFrame(stream grpc.ServerStream, frame codec.Frame) error {
	return stream.SendMsg(frame)
}

// serveTransportStream implements the server side of the single
// bidirectional stream: read a frame, dispatch it, write back a reply if
// the handler produced one, repeat until the peer closes the stream.
func (s *Server) serveTransportStream(stream grpc.ServerStream) error {
	ctx := stream.Context()
	peerAddr := peerAddrFromContext(ctx)

	for {
		frame, err := recvFrame(stream)
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}

		reply, err := s.dispatch(ctx, peerAddr, frame)
		if err != nil {
			log.WarnS(ctx, "remote: dispatch failed", err,
				"tag", frame.Tag, "peer", peerAddr)
			continue
		}
		if reply == nil {
			continue
		}
		if err := sendFrame(stream, *reply); err != nil {
			return err
		}
	}
}
