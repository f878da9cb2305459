package sender

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// serviceName is the fully-qualified gRPC service name used in every method
// path below; it has no corresponding .proto file (see doc.go).
const serviceName = "stringhub.sender.HitTransfer"

// HitTransferServer is the service interface a gRPC server registers to
// receive Register and Stream calls.
type HitTransferServer interface {
	Register(context.Context, *wrapperspb.StringValue) (*wrapperspb.StringValue, error)
	Stream(HitTransfer_StreamServer) error
}

// HitTransfer_StreamServer is the server-side handle for the bidirectional
// Stream RPC.
type HitTransfer_StreamServer interface {
	Send(*wrapperspb.StringValue) error
	Recv() (*wrapperspb.BytesValue, error)
	grpc.ServerStream
}

// HitTransfer_ServiceDesc is the hand-written equivalent of what
// protoc-gen-go-grpc would emit for a service with one unary and one
// bidirectional-streaming method.
var HitTransfer_ServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*HitTransferServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Register", Handler: _HitTransfer_Register_Handler},
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Stream",
			Handler:       _HitTransfer_Stream_Handler,
			ServerStreams: true,
			ClientStreams: true,
		},
	},
	Metadata: "stringhub/sender/hittransfer.proto",
}

func _HitTransfer_Register_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(wrapperspb.StringValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(HitTransferServer).Register(ctx, in)
	}
	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: "/" + serviceName + "/Register",
	}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(HitTransferServer).Register(ctx, req.(*wrapperspb.StringValue))
	}
	return interceptor(ctx, in, info, handler)
}

func _HitTransfer_Stream_Handler(srv interface{}, stream grpc.ServerStream) error {
	return srv.(HitTransferServer).Stream(&hitTransferStreamServer{stream})
}

type hitTransferStreamServer struct {
	grpc.ServerStream
}

func (x *hitTransferStreamServer) Send(m *wrapperspb.StringValue) error {
	return x.ServerStream.SendMsg(m)
}

func (x *hitTransferStreamServer) Recv() (*wrapperspb.BytesValue, error) {
	m := new(wrapperspb.BytesValue)
	if err := x.ServerStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}

// HitTransferClient is the client-side stub for the HitTransfer service.
type HitTransferClient interface {
	Register(ctx context.Context, in *wrapperspb.StringValue, opts ...grpc.CallOption) (*wrapperspb.StringValue, error)
	Stream(ctx context.Context, opts ...grpc.CallOption) (HitTransfer_StreamClient, error)
}

// HitTransfer_StreamClient is the client-side handle for the bidirectional
// Stream RPC.
type HitTransfer_StreamClient interface {
	Send(*wrapperspb.BytesValue) error
	Recv() (*wrapperspb.StringValue, error)
	grpc.ClientStream
}

type hitTransferClient struct {
	cc grpc.ClientConnInterface
}

// NewHitTransferClient wraps an already-dialled connection in the
// HitTransferClient stub.
func NewHitTransferClient(cc grpc.ClientConnInterface) HitTransferClient {
	return &hitTransferClient{cc}
}

func (c *hitTransferClient) Register(ctx context.Context, in *wrapperspb.StringValue, opts ...grpc.CallOption) (*wrapperspb.StringValue, error) {
	out := new(wrapperspb.StringValue)
	if err := c.cc.Invoke(ctx, "/"+serviceName+"/Register", in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *hitTransferClient) Stream(ctx context.Context, opts ...grpc.CallOption) (HitTransfer_StreamClient, error) {
	stream, err := c.cc.NewStream(ctx, &HitTransfer_ServiceDesc.Streams[0], "/"+serviceName+"/Stream", opts...)
	if err != nil {
		return nil, err
	}
	return &hitTransferStreamClient{stream}, nil
}

type hitTransferStreamClient struct {
	grpc.ClientStream
}

func (x *hitTransferStreamClient) Send(m *wrapperspb.BytesValue) error {
	return x.ClientStream.SendMsg(m)
}

func (x *hitTransferStreamClient) Recv() (*wrapperspb.StringValue, error) {
	m := new(wrapperspb.StringValue)
	if err := x.ClientStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}
