// Package grpcserver serves the credit ledger as credit.v1.CreditService.
package grpcserver

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "credit.v1.CreditService"

const (
	methodGetBalance  = "GetBalance"
	methodCheckAccess = "CheckAccess"
	methodReportUsage = "ReportUsage"
	methodGrant       = "Grant"
	methodListEntries = "ListEntries"
)

// CreditServiceAPI is implemented by CreditServiceServer.
type CreditServiceAPI interface {
	GetBalance(ctx context.Context, request *structpb.Struct) (*structpb.Struct, error)
	CheckAccess(ctx context.Context, request *structpb.Struct) (*structpb.Struct, error)
	ReportUsage(ctx context.Context, request *structpb.Struct) (*structpb.Struct, error)
	Grant(ctx context.Context, request *structpb.Struct) (*structpb.Struct, error)
	ListEntries(ctx context.Context, request *structpb.Struct) (*structpb.Struct, error)
}

type unaryMethod func(server CreditServiceAPI, ctx context.Context, request *structpb.Struct) (*structpb.Struct, error)

func unaryHandler(name string, method unaryMethod) grpc.MethodDesc {
	fullMethod := "/" + ServiceName + "/" + name
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(server any, ctx context.Context, decode func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			request := &structpb.Struct{}
			if err := decode(request); err != nil {
				return nil, err
			}
			api := server.(CreditServiceAPI)
			if interceptor == nil {
				return method(api, ctx, request)
			}
			info := &grpc.UnaryServerInfo{Server: server, FullMethod: fullMethod}
			return interceptor(ctx, request, info, func(ctx context.Context, request any) (any, error) {
				return method(api, ctx, request.(*structpb.Struct))
			})
		},
	}
}

// CreditServiceDesc describes the service for grpc.Server.RegisterService.
var CreditServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*CreditServiceAPI)(nil),
	Methods: []grpc.MethodDesc{
		unaryHandler(methodGetBalance, CreditServiceAPI.GetBalance),
		unaryHandler(methodCheckAccess, CreditServiceAPI.CheckAccess),
		unaryHandler(methodReportUsage, CreditServiceAPI.ReportUsage),
		unaryHandler(methodGrant, CreditServiceAPI.Grant),
		unaryHandler(methodListEntries, CreditServiceAPI.ListEntries),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "credit/v1/credit.proto",
}

// RegisterCreditServiceServer registers server on registrar.
func RegisterCreditServiceServer(registrar grpc.ServiceRegistrar, server CreditServiceAPI) {
	registrar.RegisterService(&CreditServiceDesc, server)
}

// CreditServiceClient calls credit.v1.CreditService.
type CreditServiceClient struct {
	conn grpc.ClientConnInterface
}

// NewCreditServiceClient wraps a client connection.
func NewCreditServiceClient(conn grpc.ClientConnInterface) *CreditServiceClient {
	return &CreditServiceClient{conn: conn}
}

func (client *CreditServiceClient) invoke(ctx context.Context, method string, request *structpb.Struct, options ...grpc.CallOption) (*structpb.Struct, error) {
	response := &structpb.Struct{}
	if err := client.conn.Invoke(ctx, "/"+ServiceName+"/"+method, request, response, options...); err != nil {
		return nil, err
	}
	return response, nil
}

func (client *CreditServiceClient) GetBalance(ctx context.Context, request *structpb.Struct, options ...grpc.CallOption) (*structpb.Struct, error) {
	return client.invoke(ctx, methodGetBalance, request, options...)
}

func (client *CreditServiceClient) CheckAccess(ctx context.Context, request *structpb.Struct, options ...grpc.CallOption) (*structpb.Struct, error) {
	return client.invoke(ctx, methodCheckAccess, request, options...)
}

func (client *CreditServiceClient) ReportUsage(ctx context.Context, request *structpb.Struct, options ...grpc.CallOption) (*structpb.Struct, error) {
	return client.invoke(ctx, methodReportUsage, request, options...)
}

func (client *CreditServiceClient) Grant(ctx context.Context, request *structpb.Struct, options ...grpc.CallOption) (*structpb.Struct, error) {
	return client.invoke(ctx, methodGrant, request, options...)
}

func (client *CreditServiceClient) ListEntries(ctx context.Context, request *structpb.Struct, options ...grpc.CallOption) (*structpb.Struct, error) {
	return client.invoke(ctx, methodListEntries, request, options...)
}
