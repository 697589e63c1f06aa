package grpcserver

import (
	"context"

	"google.golang.org/grpc"

	"matching/domain/orderbook"
)

const ServiceName = "matching.v1.Matching"

// -------------------- Messages --------------------

type PlaceOrderRequest struct {
	OrderID    string `json:"order_id,omitempty"`
	Instrument string `json:"instrument"`
	Side       string `json:"side"`
	Type       string `json:"type"`
	Price      string `json:"price,omitempty"`
	Quantity   string `json:"quantity"`
}

type PlaceOrderResponse struct {
	OrderID   string            `json:"order_id"`
	Seq       uint64            `json:"seq"`
	Status    string            `json:"status"`
	Remaining string            `json:"remaining"`
	Trades    []orderbook.Trade `json:"trades"`
}

type CancelOrderRequest struct {
	OrderID    string `json:"order_id"`
	Instrument string `json:"instrument"`
}

type CancelOrderResponse struct {
	OrderID string `json:"order_id"`
	Seq     uint64 `json:"seq"`
	Status  string `json:"status"`
}

type DepthRequest struct {
	Instrument string `json:"instrument"`
	Levels     int    `json:"levels"`
}

type DepthResponse struct {
	Depth orderbook.Depth `json:"depth"`
}

type ResetRequest struct{}

type ResetResponse struct {
	Status string `json:"status"`
}

// -------------------- Service --------------------

type MatchingServer interface {
	PlaceOrder(context.Context, *PlaceOrderRequest) (*PlaceOrderResponse, error)
	CancelOrder(context.Context, *CancelOrderRequest) (*CancelOrderResponse, error)
	Depth(context.Context, *DepthRequest) (*DepthResponse, error)
	Reset(context.Context, *ResetRequest) (*ResetResponse, error)
}

func RegisterMatchingServer(s grpc.ServiceRegistrar, srv MatchingServer) {
	s.RegisterService(&serviceDesc, srv)
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*MatchingServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "PlaceOrder", Handler: unary(func(s MatchingServer, ctx context.Context, req *PlaceOrderRequest) (any, error) {
			return s.PlaceOrder(ctx, req)
		})},
		{MethodName: "CancelOrder", Handler: unary(func(s MatchingServer, ctx context.Context, req *CancelOrderRequest) (any, error) {
			return s.CancelOrder(ctx, req)
		})},
		{MethodName: "Depth", Handler: unary(func(s MatchingServer, ctx context.Context, req *DepthRequest) (any, error) {
			return s.Depth(ctx, req)
		})},
		{MethodName: "Reset", Handler: unary(func(s MatchingServer, ctx context.Context, req *ResetRequest) (any, error) {
			return s.Reset(ctx, req)
		})},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "matching/v1/matching",
}

// unary builds the method handler for one request type, running the
// server's interceptor chain when there is one.
func unary[Req any](call func(MatchingServer, context.Context, *Req) (any, error)) grpc.MethodHandler {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		req := new(Req)
		if err := dec(req); err != nil {
			return nil, err
		}
		s := srv.(MatchingServer)
		if interceptor == nil {
			return call(s, ctx, req)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod(ctx)}
		return interceptor(ctx, req, info, func(ctx context.Context, req any) (any, error) {
			return call(s, ctx, req.(*Req))
		})
	}
}

func fullMethod(ctx context.Context) string {
	if m, ok := grpc.Method(ctx); ok {
		return m
	}
	return "/" + ServiceName
}
