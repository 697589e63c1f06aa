// Package grpcserver exposes the engine over gRPC.
package grpcserver

import (
	"context"
	"strings"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/xid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"

	"matching/domain/orderbook"
	"matching/infra/wal"
	"matching/service"
)

type Engine interface {
	Submit(ctx context.Context, cmd orderbook.Command, src *wal.Source) (*service.Result, error)
	Depth(ctx context.Context, instrument string, levels int) (orderbook.Depth, error)
}

type Resetter interface {
	Reset(ctx context.Context) error
}

// Server adapts the engine to the Matching service.
type Server struct {
	engine Engine
	maint  Resetter
	health *health.Server
	ready  atomic.Bool
	log    *zap.Logger
	now    func() time.Time
}

func NewServer(engine Engine, maint Resetter, log *zap.Logger) *Server {
	s := &Server{
		engine: engine,
		maint:  maint,
		health: health.NewServer(),
		log:    log.Named("grpc"),
		now:    time.Now,
	}
	s.health.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	s.health.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_NOT_SERVING)
	return s
}

// Register installs the Matching and health services on a new grpc.Server.
func (s *Server) Register(opts ...grpc.ServerOption) *grpc.Server {
	opts = append(opts, grpc.ChainUnaryInterceptor(s.logCalls))
	gs := grpc.NewServer(opts...)
	RegisterMatchingServer(gs, s)
	healthpb.RegisterHealthServer(gs, s.health)
	return gs
}

// MarkServing opens the service and flips health to SERVING; call it once
// recovery is done. Until then every call fails with Unavailable.
func (s *Server) MarkServing() {
	s.ready.Store(true)
	s.health.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	s.health.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)
}

// InstrumentHalted reports a halted instrument as NOT_SERVING under
// "<service>/<instrument>".
func (s *Server) InstrumentHalted(instrument string, _ error) {
	s.health.SetServingStatus(ServiceName+"/"+instrument, healthpb.HealthCheckResponse_NOT_SERVING)
}

func (s *Server) Shutdown() {
	s.health.Shutdown()
}

// -------------------- Commands --------------------

func (s *Server) PlaceOrder(ctx context.Context, req *PlaceOrderRequest) (*PlaceOrderResponse, error) {
	cmd := orderbook.Command{
		Kind:        orderbook.CommandNew,
		OrderID:     req.OrderID,
		Instrument:  req.Instrument,
		SubmittedAt: s.now().UnixNano(),
	}
	if cmd.OrderID == "" {
		cmd.OrderID = xid.New().String()
	}
	if err := cmd.Side.UnmarshalText([]byte(req.Side)); err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	if err := cmd.Type.UnmarshalText([]byte(req.Type)); err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	var err error
	if cmd.Quantity, err = decimal.NewFromString(req.Quantity); err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "quantity: %v", err)
	}
	if req.Price != "" {
		if cmd.Price, err = decimal.NewFromString(req.Price); err != nil {
			return nil, status.Errorf(codes.InvalidArgument, "price: %v", err)
		}
	}

	res, err := s.engine.Submit(ctx, cmd, nil)
	if err != nil {
		return nil, toStatus(err)
	}

	taker := res.Match.Taker
	return &PlaceOrderResponse{
		OrderID:   cmd.OrderID,
		Seq:       res.Seq,
		Status:    taker.Status.String(),
		Remaining: taker.Remaining.String(),
		Trades:    res.Match.Trades,
	}, nil
}

func (s *Server) CancelOrder(ctx context.Context, req *CancelOrderRequest) (*CancelOrderResponse, error) {
	cmd := orderbook.Command{
		Kind:        orderbook.CommandCancel,
		OrderID:     req.OrderID,
		Instrument:  req.Instrument,
		SubmittedAt: s.now().UnixNano(),
	}
	res, err := s.engine.Submit(ctx, cmd, nil)
	if err != nil {
		return nil, toStatus(err)
	}
	return &CancelOrderResponse{
		OrderID: req.OrderID,
		Seq:     res.Seq,
		Status:  orderbook.StatusCancelled.String(),
	}, nil
}

func (s *Server) Reset(ctx context.Context, _ *ResetRequest) (*ResetResponse, error) {
	if err := s.maint.Reset(ctx); err != nil {
		return nil, toStatus(err)
	}
	return &ResetResponse{Status: "ok"}, nil
}

// -------------------- Queries --------------------

func (s *Server) Depth(ctx context.Context, req *DepthRequest) (*DepthResponse, error) {
	levels := req.Levels
	if levels <= 0 {
		levels = 10
	}
	d, err := s.engine.Depth(ctx, req.Instrument, levels)
	if err != nil {
		return nil, toStatus(err)
	}
	return &DepthResponse{Depth: d}, nil
}

// -------------------- Errors --------------------

func toStatus(err error) error {
	switch {
	case errors.Is(err, orderbook.ErrInvalidCommand), errors.Is(err, orderbook.ErrInstrumentMismatch):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, orderbook.ErrAlreadyProcessed):
		return status.Error(codes.AlreadyExists, err.Error())
	case errors.Is(err, orderbook.ErrOrderNotFound), errors.Is(err, service.ErrUnknownInstrument):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, service.ErrHalted), errors.Is(err, service.ErrStopped):
		return status.Error(codes.Unavailable, err.Error())
	case errors.Is(err, service.ErrResetDisabled):
		return status.Error(codes.FailedPrecondition, err.Error())
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return status.FromContextError(err).Err()
	default:
		return status.Error(codes.Internal, err.Error())
	}
}

func (s *Server) logCalls(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	if !s.ready.Load() && strings.HasPrefix(info.FullMethod, "/"+ServiceName+"/") {
		return nil, status.Error(codes.Unavailable, "engine is recovering")
	}
	start := s.now()
	resp, err := handler(ctx, req)
	code := status.Code(err)

	fields := []zap.Field{
		zap.String("method", info.FullMethod),
		zap.Duration("took", time.Since(start)),
		zap.Stringer("code", code),
	}
	switch code {
	case codes.OK:
		s.log.Debug("call", fields...)
	case codes.Internal, codes.Unavailable:
		s.log.Error("call failed", append(fields, zap.Error(err))...)
	default:
		s.log.Info("call rejected", append(fields, zap.Error(err))...)
	}
	return resp, err
}
