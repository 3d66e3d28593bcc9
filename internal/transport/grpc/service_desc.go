package grpcapi

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName: полное имя gRPC-сервиса резервов.
const ServiceName = "checkout.v1.ReservationService"

const (
	MethodReserve = "/" + ServiceName + "/Reserve"
	MethodConfirm = "/" + ServiceName + "/Confirm"
	MethodCancel  = "/" + ServiceName + "/Cancel"
	MethodExtend  = "/" + ServiceName + "/Extend"
	MethodGetSaga = "/" + ServiceName + "/GetSaga"
)

// ReservationServer: серверная часть checkout.v1.ReservationService.
// Запросы и ответы передаются как google.protobuf.Struct.
type ReservationServer interface {
	Reserve(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	Confirm(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	Cancel(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	Extend(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	GetSaga(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
}

type unaryMethod func(srv ReservationServer, ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)

func unaryHandler(fullMethod string, call unaryMethod) grpc.MethodHandler {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(ReservationServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv.(ReservationServer), ctx, req.(*structpb.Struct))
		}
		return interceptor(ctx, in, info, handler)
	}
}

// ServiceDesc описывает checkout.v1.ReservationService для grpc.Server.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*ReservationServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Reserve", Handler: unaryHandler(MethodReserve, ReservationServer.Reserve)},
		{MethodName: "Confirm", Handler: unaryHandler(MethodConfirm, ReservationServer.Confirm)},
		{MethodName: "Cancel", Handler: unaryHandler(MethodCancel, ReservationServer.Cancel)},
		{MethodName: "Extend", Handler: unaryHandler(MethodExtend, ReservationServer.Extend)},
		{MethodName: "GetSaga", Handler: unaryHandler(MethodGetSaga, ReservationServer.GetSaga)},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "checkout/v1/reservation.proto",
}

// RegisterReservationServer регистрирует реализацию на сервере.
func RegisterReservationServer(s grpc.ServiceRegistrar, srv ReservationServer) {
	s.RegisterService(&ServiceDesc, srv)
}

// Client: клиент checkout.v1.ReservationService.
type Client struct {
	cc grpc.ClientConnInterface
}

// NewClient создаёт клиента поверх соединения.
func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

func (c *Client) invoke(ctx context.Context, method string, req *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, method, req, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) Reserve(ctx context.Context, req *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, MethodReserve, req, opts...)
}

func (c *Client) Confirm(ctx context.Context, req *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, MethodConfirm, req, opts...)
}

func (c *Client) Cancel(ctx context.Context, req *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, MethodCancel, req, opts...)
}

func (c *Client) Extend(ctx context.Context, req *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, MethodExtend, req, opts...)
}

func (c *Client) GetSaga(ctx context.Context, req *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, MethodGetSaga, req, opts...)
}
