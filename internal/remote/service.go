package remote

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/peer"
)

// serviceName and streamName name the single hand-registered grpc service
// and method this package exposes. There is no .proto file and therefore no
// generated stub: grpc.ServiceDesc is built by hand and registered directly,
// which is a supported, documented extension point of grpc-go, not a
// workaround around the missing protoc toolchain.
const (
	serviceName = "lattice.remote.Transport"
	streamName  = "Stream"
)

// transportServer is implemented by *Server; kept as an unexported interface
// so the handcrafted ServiceDesc below doesn't need to know about Server's
// other fields.
type transportServer interface {
	serveTransportStream(stream grpc.ServerStream) error
}

// transportServiceDesc is the hand-authored equivalent of what protoc-gen-go
// would emit for a `service Transport { rpc Stream(stream Frame) returns
// (stream Frame); }` definition.
var transportServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*transportServer)(nil),
	Streams: []grpc.StreamDesc{
		{
			StreamName:    streamName,
			Handler:       transportStreamHandler,
			ServerStreams: true,
			ClientStreams: true,
		},
	},
}

func transportStreamHandler(srv any, stream grpc.ServerStream) error {
	return srv.(transportServer).serveTransportStream(stream)
}

// RegisterTransportServer registers srv's stream handler against grpcSrv
// under the hand-authored service descriptor.
func RegisterTransportServer(grpcSrv *grpc.Server, srv *Server) {
	grpcSrv.RegisterService(&transportServiceDesc, srv)
}

func peerAddrFromContext(ctx context.Context) string {
	p, ok := peer.FromContext(ctx)
	if !ok || p.Addr == nil {
		return ""
	}
	return p.Addr.String()
}
