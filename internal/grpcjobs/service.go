// Package grpcjobs exposes the job worker protocol of §6 ("engine ->
// external workers -> engine") over gRPC. There is no protobuf toolchain
// in this workspace to regenerate request/response types from a .proto
// file, so every method exchanges structpb.Struct values and the
// grpc.ServiceDesc is hand-assembled rather than generated, with a unary
// logging interceptor and panic recovery wrapped around each handler.
package grpcjobs

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the fully-qualified gRPC service name workers dial.
const ServiceName = "bplrt.jobs.JobWorker"

// serviceDesc is the hand-assembled equivalent of what protoc-gen-go-grpc
// would emit from a .proto file declaring Dequeue/Complete/Fail rpcs all
// taking and returning google.protobuf.Struct.
var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*jobWorkerServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Dequeue", Handler: dequeueHandler},
		{MethodName: "Complete", Handler: completeHandler},
		{MethodName: "Fail", Handler: failHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "internal/grpcjobs/service.go",
}

// jobWorkerServer is the interface grpc.ServiceDesc.HandlerType points at;
// *Server below implements it.
type jobWorkerServer interface {
	Dequeue(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Complete(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Fail(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

func dequeueHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	return unaryHandler(srv.(jobWorkerServer).Dequeue, ctx, dec, interceptor, ServiceName+"/Dequeue")
}

func completeHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	return unaryHandler(srv.(jobWorkerServer).Complete, ctx, dec, interceptor, ServiceName+"/Complete")
}

func failHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	return unaryHandler(srv.(jobWorkerServer).Fail, ctx, dec, interceptor, ServiceName+"/Fail")
}

func unaryHandler(
	call func(context.Context, *structpb.Struct) (*structpb.Struct, error),
	ctx context.Context,
	dec func(any) error,
	interceptor grpc.UnaryServerInterceptor,
	fullMethod string,
) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return call(ctx, in)
	}
	info := &grpc.UnaryServerInfo{FullMethod: fullMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return call(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}
