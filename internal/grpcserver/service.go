package grpcserver

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "focusstack.v1.FocusStack"

const (
	methodSubmit  = "/" + ServiceName + "/Submit"
	methodGetJob  = "/" + ServiceName + "/GetJob"
	methodResults = "/" + ServiceName + "/Results"
)

// FocusStackServer is the server API. Requests and responses are
// google.protobuf.Struct messages:
//
//	Submit   {type, input, output, options, id?} -> {id, status}
//	GetJob   {id} -> {job, meta, frames, degraded}
//	Results  {} -> stream of {id, type, status, input, output, error, meta}
type FocusStackServer interface {
	Submit(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetJob(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Results(*structpb.Struct, grpc.ServerStream) error
}

// RegisterFocusStackServer registers srv on s.
func RegisterFocusStackServer(s grpc.ServiceRegistrar, srv FocusStackServer) {
	s.RegisterService(&serviceDesc, srv)
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*FocusStackServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Submit", Handler: submitHandler},
		{MethodName: "GetJob", Handler: getJobHandler},
	},
	Streams: []grpc.StreamDesc{
		{StreamName: "Results", Handler: resultsHandler, ServerStreams: true},
	},
	Metadata: "focusstack/v1/focusstack.proto",
}

func submitHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(FocusStackServer).Submit(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodSubmit}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(FocusStackServer).Submit(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

func getJobHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(FocusStackServer).GetJob(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodGetJob}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(FocusStackServer).GetJob(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

func resultsHandler(srv any, stream grpc.ServerStream) error {
	in := new(structpb.Struct)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(FocusStackServer).Results(in, stream)
}
