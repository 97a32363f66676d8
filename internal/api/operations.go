package api

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "remediator.v1.Operations"

// Full method names.
const (
	MethodStartMonitoring    = "/" + ServiceName + "/StartMonitoring"
	MethodStopMonitoring     = "/" + ServiceName + "/StopMonitoring"
	MethodGetStatus          = "/" + ServiceName + "/GetStatus"
	MethodGetHealthMetrics   = "/" + ServiceName + "/GetHealthMetrics"
	MethodExecuteRemediation = "/" + ServiceName + "/ExecuteRemediation"
)

// OperationsServer is the operator-facing API. Messages are JSON-shaped
// structpb.Struct values; see handlers.go for their fields.
type OperationsServer interface {
	StartMonitoring(context.Context, *structpb.Struct) (*structpb.Struct, error)
	StopMonitoring(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetStatus(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetHealthMetrics(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ExecuteRemediation(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

// UnimplementedOperationsServer can be embedded to satisfy OperationsServer.
type UnimplementedOperationsServer struct{}

func (UnimplementedOperationsServer) StartMonitoring(context.Context, *structpb.Struct) (*structpb.Struct, error) {
	return nil, status.Error(codes.Unimplemented, "method StartMonitoring not implemented")
}

func (UnimplementedOperationsServer) StopMonitoring(context.Context, *structpb.Struct) (*structpb.Struct, error) {
	return nil, status.Error(codes.Unimplemented, "method StopMonitoring not implemented")
}

func (UnimplementedOperationsServer) GetStatus(context.Context, *structpb.Struct) (*structpb.Struct, error) {
	return nil, status.Error(codes.Unimplemented, "method GetStatus not implemented")
}

func (UnimplementedOperationsServer) GetHealthMetrics(context.Context, *structpb.Struct) (*structpb.Struct, error) {
	return nil, status.Error(codes.Unimplemented, "method GetHealthMetrics not implemented")
}

func (UnimplementedOperationsServer) ExecuteRemediation(context.Context, *structpb.Struct) (*structpb.Struct, error) {
	return nil, status.Error(codes.Unimplemented, "method ExecuteRemediation not implemented")
}

// RegisterOperationsServer registers srv on s.
func RegisterOperationsServer(s grpc.ServiceRegistrar, srv OperationsServer) {
	s.RegisterService(&operationsServiceDesc, srv)
}

func unaryHandler(method string, call func(OperationsServer, context.Context, *structpb.Struct) (*structpb.Struct, error)) func(any, context.Context, func(any) error, grpc.UnaryServerInterceptor) (any, error) {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(OperationsServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: method}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv.(OperationsServer), ctx, req.(*structpb.Struct))
		}
		return interceptor(ctx, in, info, handler)
	}
}

var operationsServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*OperationsServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "StartMonitoring", Handler: unaryHandler(MethodStartMonitoring, OperationsServer.StartMonitoring)},
		{MethodName: "StopMonitoring", Handler: unaryHandler(MethodStopMonitoring, OperationsServer.StopMonitoring)},
		{MethodName: "GetStatus", Handler: unaryHandler(MethodGetStatus, OperationsServer.GetStatus)},
		{MethodName: "GetHealthMetrics", Handler: unaryHandler(MethodGetHealthMetrics, OperationsServer.GetHealthMetrics)},
		{MethodName: "ExecuteRemediation", Handler: unaryHandler(MethodExecuteRemediation, OperationsServer.ExecuteRemediation)},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "remediator/v1/operations.proto",
}

// OperationsClient calls a remote OperationsServer.
type OperationsClient struct {
	cc grpc.ClientConnInterface
}

// NewOperationsClient wraps an established connection.
func NewOperationsClient(cc grpc.ClientConnInterface) *OperationsClient {
	return &OperationsClient{cc: cc}
}

func (c *OperationsClient) invoke(ctx context.Context, method string, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	if in == nil {
		in = &structpb.Struct{}
	}
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, method, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *OperationsClient) StartMonitoring(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, MethodStartMonitoring, in, opts...)
}

func (c *OperationsClient) StopMonitoring(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, MethodStopMonitoring, in, opts...)
}

func (c *OperationsClient) GetStatus(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, MethodGetStatus, in, opts...)
}

func (c *OperationsClient) GetHealthMetrics(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, MethodGetHealthMetrics, in, opts...)
}

func (c *OperationsClient) ExecuteRemediation(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, MethodExecuteRemediation, in, opts...)
}
