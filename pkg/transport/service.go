package transport

import (
	"context"

	"google.golang.org/grpc"
)

// ServiceName is the gRPC service exposing the single Connect RPC. There
// is no .proto file: the method set below is hand-written in the shape
// protoc-gen-go-grpc would have produced, but wired to the JSON codec in
// codec.go instead of generated protobuf marshaling.
const ServiceName = "symphony.Control"

// ControlServer is implemented by pkg/conductor's stream handler.
type ControlServer interface {
	Connect(ControlConnectServer) error
}

// ControlConnectServer is the server-side handle on one Node's bidirectional
// stream.
type ControlConnectServer interface {
	Send(*ConductorMessage) error
	Recv() (*NodeMessage, error)
	grpc.ServerStream
}

// ControlConnectClient is the client-side handle on the same stream, used by
// pkg/node's agent.
type ControlConnectClient interface {
	Send(*NodeMessage) error
	Recv() (*ConductorMessage, error)
	grpc.ClientStream
}

// ControlClient is implemented by a generated-style stub over a
// grpc.ClientConn.
type ControlClient interface {
	Connect(ctx context.Context, opts ...grpc.CallOption) (ControlConnectClient, error)
}

// ServiceDesc is registered against a *grpc.Server by RegisterControlServer.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*ControlServer)(nil),
	Methods:     []grpc.MethodDesc{},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Connect",
			Handler:       connectHandler,
			ServerStreams: true,
			ClientStreams: true,
		},
	},
	Metadata: "symphony/transport/control.proto",
}

func connectHandler(srv interface{}, stream grpc.ServerStream) error {
	return srv.(ControlServer).Connect(&serverConnectStream{stream})
}

type serverConnectStream struct {
	grpc.ServerStream
}

func (s *serverConnectStream) Send(m *ConductorMessage) error {
	return s.ServerStream.SendMsg(m)
}

func (s *serverConnectStream) Recv() (*NodeMessage, error) {
	m := new(NodeMessage)
	if err := s.ServerStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}

// RegisterControlServer registers srv's Connect implementation on the given
// gRPC server. The server must have been constructed with
// grpc.ForceServerCodec(jsonCodec{}) (see NewServer in tls.go) so envelopes
// are marshaled as JSON rather than raw protobuf wire format.
func RegisterControlServer(s *grpc.Server, srv ControlServer) {
	s.RegisterService(&ServiceDesc, srv)
}

type controlClient struct {
	cc grpc.ClientConnInterface
}

// NewControlClient wraps an established *grpc.ClientConn (dialed with
// grpc.WithDefaultCallOptions(grpc.ForceCodec(jsonCodec{})), see Dial in
// tls.go) in the Connect stub.
func NewControlClient(cc grpc.ClientConnInterface) ControlClient {
	return &controlClient{cc: cc}
}

func (c *controlClient) Connect(ctx context.Context, opts ...grpc.CallOption) (ControlConnectClient, error) {
	stream, err := c.cc.NewStream(ctx, &ServiceDesc.Streams[0], "/"+ServiceName+"/Connect", opts...)
	if err != nil {
		return nil, err
	}
	return &clientConnectStream{stream}, nil
}

type clientConnectStream struct {
	grpc.ClientStream
}

func (c *clientConnectStream) Send(m *NodeMessage) error {
	return c.ClientStream.SendMsg(m)
}

func (c *clientConnectStream) Recv() (*ConductorMessage, error) {
	m := new(ConductorMessage)
	if err := c.ClientStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}
