package grpcsync

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// SyncServer is the server API for the Sync gRPC service.
//
// Messages are CBOR-encoded antientropy messages carried in protobuf
// well-known wrapper types, so there is no protoc step.
//
// Proto definition: sync.proto.
type SyncServer interface {
	Advertise(context.Context, *wrapperspb.BytesValue) (*wrapperspb.BytesValue, error)
	Request(context.Context, *wrapperspb.BytesValue) (*wrapperspb.BytesValue, error)
	Deliver(context.Context, *wrapperspb.BytesValue) (*wrapperspb.BytesValue, error)
	Ack(context.Context, *wrapperspb.BytesValue) (*wrapperspb.BoolValue, error)
}

// UnimplementedSyncServer can be embedded to have forward compatible implementations.
type UnimplementedSyncServer struct{}

func (UnimplementedSyncServer) Advertise(context.Context, *wrapperspb.BytesValue) (*wrapperspb.BytesValue, error) {
	return nil, status.Error(codes.Unimplemented, "method Advertise not implemented")
}
func (UnimplementedSyncServer) Request(context.Context, *wrapperspb.BytesValue) (*wrapperspb.BytesValue, error) {
	return nil, status.Error(codes.Unimplemented, "method Request not implemented")
}
func (UnimplementedSyncServer) Deliver(context.Context, *wrapperspb.BytesValue) (*wrapperspb.BytesValue, error) {
	return nil, status.Error(codes.Unimplemented, "method Deliver not implemented")
}
func (UnimplementedSyncServer) Ack(context.Context, *wrapperspb.BytesValue) (*wrapperspb.BoolValue, error) {
	return nil, status.Error(codes.Unimplemented, "method Ack not implemented")
}

// RegisterSyncServer registers the Sync service on a gRPC server.
func RegisterSyncServer(s grpc.ServiceRegistrar, srv SyncServer) {
	s.RegisterService(&Sync_ServiceDesc, srv)
}

// SyncClient is the client API for the Sync gRPC service.
type SyncClient interface {
	Advertise(ctx context.Context, in *wrapperspb.BytesValue, opts ...grpc.CallOption) (*wrapperspb.BytesValue, error)
	Request(ctx context.Context, in *wrapperspb.BytesValue, opts ...grpc.CallOption) (*wrapperspb.BytesValue, error)
	Deliver(ctx context.Context, in *wrapperspb.BytesValue, opts ...grpc.CallOption) (*wrapperspb.BytesValue, error)
	Ack(ctx context.Context, in *wrapperspb.BytesValue, opts ...grpc.CallOption) (*wrapperspb.BoolValue, error)
}

const serviceName = "xdao.receipts.sync.v1.Sync"

type syncClient struct{ cc grpc.ClientConnInterface }

func NewSyncClient(cc grpc.ClientConnInterface) SyncClient { return &syncClient{cc: cc} }

func (c *syncClient) Advertise(ctx context.Context, in *wrapperspb.BytesValue, opts ...grpc.CallOption) (*wrapperspb.BytesValue, error) {
	out := new(wrapperspb.BytesValue)
	if err := c.cc.Invoke(ctx, "/"+serviceName+"/Advertise", in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *syncClient) Request(ctx context.Context, in *wrapperspb.BytesValue, opts ...grpc.CallOption) (*wrapperspb.BytesValue, error) {
	out := new(wrapperspb.BytesValue)
	if err := c.cc.Invoke(ctx, "/"+serviceName+"/Request", in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *syncClient) Deliver(ctx context.Context, in *wrapperspb.BytesValue, opts ...grpc.CallOption) (*wrapperspb.BytesValue, error) {
	out := new(wrapperspb.BytesValue)
	if err := c.cc.Invoke(ctx, "/"+serviceName+"/Deliver", in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *syncClient) Ack(ctx context.Context, in *wrapperspb.BytesValue, opts ...grpc.CallOption) (*wrapperspb.BoolValue, error) {
	out := new(wrapperspb.BoolValue)
	if err := c.cc.Invoke(ctx, "/"+serviceName+"/Ack", in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func bytesHandler(method string, call func(SyncServer, context.Context, *wrapperspb.BytesValue) (interface{}, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: method,
		Handler: func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
			in := new(wrapperspb.BytesValue)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(SyncServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/" + method}
			handler := func(ctx context.Context, req interface{}) (interface{}, error) {
				return call(srv.(SyncServer), ctx, req.(*wrapperspb.BytesValue))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

// Sync_ServiceDesc is the grpc.ServiceDesc for Sync service.
var Sync_ServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*SyncServer)(nil),
	Methods: []grpc.MethodDesc{
		bytesHandler("Advertise", func(s SyncServer, ctx context.Context, in *wrapperspb.BytesValue) (interface{}, error) {
			return s.Advertise(ctx, in)
		}),
		bytesHandler("Request", func(s SyncServer, ctx context.Context, in *wrapperspb.BytesValue) (interface{}, error) {
			return s.Request(ctx, in)
		}),
		bytesHandler("Deliver", func(s SyncServer, ctx context.Context, in *wrapperspb.BytesValue) (interface{}, error) {
			return s.Deliver(ctx, in)
		}),
		bytesHandler("Ack", func(s SyncServer, ctx context.Context, in *wrapperspb.BytesValue) (interface{}, error) {
			return s.Ack(ctx, in)
		}),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "sync.proto",
}
