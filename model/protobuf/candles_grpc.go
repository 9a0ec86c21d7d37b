package protobuf

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

const (
	CandleService_Subscribe_FullMethodName = "/candlefeed.v1.CandleService/Subscribe"
	CandleService_Reconnect_FullMethodName = "/candlefeed.v1.CandleService/Reconnect"
)

// CandleServiceClient is the client API for CandleService.
type CandleServiceClient interface {
	// Subscribe streams a snapshot followed by candle, tick and state events.
	Subscribe(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (grpc.ServerStreamingClient[structpb.Struct], error)
	// Reconnect asks an existing subscription to dial the live feed again.
	Reconnect(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error)
}

type candleServiceClient struct {
	cc grpc.ClientConnInterface
}

func NewCandleServiceClient(cc grpc.ClientConnInterface) CandleServiceClient {
	return &candleServiceClient{cc}
}

func (c *candleServiceClient) Subscribe(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (grpc.ServerStreamingClient[structpb.Struct], error) {
	cOpts := append([]grpc.CallOption{grpc.StaticMethod()}, opts...)
	stream, err := c.cc.NewStream(ctx, &CandleService_ServiceDesc.Streams[0], CandleService_Subscribe_FullMethodName, cOpts...)
	if err != nil {
		return nil, err
	}
	x := &grpc.GenericClientStream[structpb.Struct, structpb.Struct]{ClientStream: stream}
	if err := x.ClientStream.SendMsg(in); err != nil {
		return nil, err
	}
	if err := x.ClientStream.CloseSend(); err != nil {
		return nil, err
	}
	return x, nil
}

type CandleService_SubscribeClient = grpc.ServerStreamingClient[structpb.Struct]

func (c *candleServiceClient) Reconnect(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	cOpts := append([]grpc.CallOption{grpc.StaticMethod()}, opts...)
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, CandleService_Reconnect_FullMethodName, in, out, cOpts...); err != nil {
		return nil, err
	}
	return out, nil
}

// CandleServiceServer is the server API for CandleService.
// Implementations must embed UnimplementedCandleServiceServer.
type CandleServiceServer interface {
	Subscribe(*structpb.Struct, grpc.ServerStreamingServer[structpb.Struct]) error
	Reconnect(context.Context, *structpb.Struct) (*structpb.Struct, error)
	mustEmbedUnimplementedCandleServiceServer()
}

type UnimplementedCandleServiceServer struct{}

func (UnimplementedCandleServiceServer) Subscribe(*structpb.Struct, grpc.ServerStreamingServer[structpb.Struct]) error {
	return status.Errorf(codes.Unimplemented, "method Subscribe not implemented")
}
func (UnimplementedCandleServiceServer) Reconnect(context.Context, *structpb.Struct) (*structpb.Struct, error) {
	return nil, status.Errorf(codes.Unimplemented, "method Reconnect not implemented")
}
func (UnimplementedCandleServiceServer) mustEmbedUnimplementedCandleServiceServer() {}

type CandleService_SubscribeServer = grpc.ServerStreamingServer[structpb.Struct]

func RegisterCandleServiceServer(s grpc.ServiceRegistrar, srv CandleServiceServer) {
	s.RegisterService(&CandleService_ServiceDesc, srv)
}

func subscribeHandler(srv any, stream grpc.ServerStream) error {
	m := new(structpb.Struct)
	if err := stream.RecvMsg(m); err != nil {
		return err
	}
	return srv.(CandleServiceServer).Subscribe(m, &grpc.GenericServerStream[structpb.Struct, structpb.Struct]{ServerStream: stream})
}

func reconnectHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(CandleServiceServer).Reconnect(ctx, in)
	}
	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: CandleService_Reconnect_FullMethodName,
	}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(CandleServiceServer).Reconnect(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

var CandleService_ServiceDesc = grpc.ServiceDesc{
	ServiceName: "candlefeed.v1.CandleService",
	HandlerType: (*CandleServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "Reconnect",
			Handler:    reconnectHandler,
		},
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Subscribe",
			Handler:       subscribeHandler,
			ServerStreams: true,
		},
	},
}
