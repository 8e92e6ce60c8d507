package api

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the fully qualified name of the control service.
const ServiceName = "dmsync.v1.Control"

// Method names. Every unary method takes and returns a structpb.Struct.
const (
	MethodStatus     = "Status"
	MethodLogin      = "Login"
	MethodLogout     = "Logout"
	MethodActivate   = "Activate"
	MethodDeactivate = "Deactivate"
	MethodWake       = "Wake"
	MethodMarkRead   = "MarkRead"
	MethodSend       = "Send"
	MethodRetry      = "Retry"
	MethodDiscard    = "Discard"
	MethodSummaries  = "Summaries"
	MethodLog        = "Log"
	MethodWatch      = "Watch"
)

// FullMethod returns the gRPC path of a method.
func FullMethod(name string) string {
	return "/" + ServiceName + "/" + name
}

// WatchStreamDesc describes the server-streaming Watch method for clients.
var WatchStreamDesc = grpc.StreamDesc{StreamName: MethodWatch, ServerStreams: true}

type unaryFunc func(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)

// Register installs the control service on a gRPC server.
func Register(gs *grpc.Server, svc *ControlService) {
	gs.RegisterService(svc.serviceDesc(), svc)
}

func (s *ControlService) serviceDesc() *grpc.ServiceDesc {
	methods := []struct {
		name string
		fn   unaryFunc
	}{
		{MethodStatus, s.Status},
		{MethodLogin, s.Login},
		{MethodLogout, s.Logout},
		{MethodActivate, s.Activate},
		{MethodDeactivate, s.Deactivate},
		{MethodWake, s.Wake},
		{MethodMarkRead, s.MarkRead},
		{MethodSend, s.Send},
		{MethodRetry, s.Retry},
		{MethodDiscard, s.Discard},
		{MethodSummaries, s.Summaries},
		{MethodLog, s.Log},
	}

	desc := &grpc.ServiceDesc{
		ServiceName: ServiceName,
		HandlerType: (*any)(nil),
		Streams: []grpc.StreamDesc{{
			StreamName:    MethodWatch,
			ServerStreams: true,
			Handler: func(_ any, stream grpc.ServerStream) error {
				req := new(structpb.Struct)
				if err := stream.RecvMsg(req); err != nil {
					return err
				}
				return s.Watch(req, stream)
			},
		}},
		Metadata: "dmsync/v1/control",
	}
	for _, m := range methods {
		desc.Methods = append(desc.Methods, grpc.MethodDesc{MethodName: m.name, Handler: unary(m.name, m.fn)})
	}
	return desc
}

func unary(name string, fn unaryFunc) grpc.MethodHandler {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return fn(ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: FullMethod(name)}
		return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
			return fn(ctx, req.(*structpb.Struct))
		})
	}
}
