package grpcserver

import (
	"context"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"matching/infra/metrics"
	"matching/service"
)

type noopLoader struct{}

func (noopLoader) ResetWith(fn func() error) error { return fn() }

type noopProgress struct{}

func (noopProgress) Reset() error { return nil }

type noopStore struct{}

func (noopStore) Reset(context.Context) error { return nil }

type client struct {
	conn *grpc.ClientConn
}

func (c client) call(t *testing.T, method string, req, resp any) error {
	t.Helper()
	return c.conn.Invoke(context.Background(), "/"+ServiceName+"/"+method, req, resp, grpc.CallContentSubtype(CodecName))
}

func startServer(t *testing.T, allowReset, serving bool) (*Server, client) {
	t.Helper()
	log := zaptest.NewLogger(t)

	engine := service.NewEngine(service.Config{DataDir: t.TempDir()}, metrics.NewUnregistered(), log)
	require.NoError(t, engine.Start())
	t.Cleanup(engine.Stop)
	maint := service.NewMaintenance(engine, noopLoader{}, noopProgress{}, noopStore{}, allowReset, log)

	srv := NewServer(engine, maint, log)
	if serving {
		srv.MarkServing()
	}
	gs := srv.Register()

	lis := bufconn.Listen(1 << 20)
	go func() { _ = gs.Serve(lis) }()
	t.Cleanup(gs.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return srv, client{conn: conn}
}

func TestPlaceOrderAndDepth(t *testing.T) {
	_, c := startServer(t, false, true)

	var placed PlaceOrderResponse
	require.NoError(t, c.call(t, "PlaceOrder", &PlaceOrderRequest{
		OrderID: "b1", Instrument: "X", Side: "buy", Type: "limit", Price: "100", Quantity: "5",
	}, &placed))
	assert.Equal(t, uint64(1), placed.Seq)
	assert.Equal(t, "5", placed.Remaining)
	assert.Empty(t, placed.Trades)

	var taken PlaceOrderResponse
	require.NoError(t, c.call(t, "PlaceOrder", &PlaceOrderRequest{
		Instrument: "X", Side: "sell", Type: "market", Quantity: "3",
	}, &taken))
	assert.NotEmpty(t, taken.OrderID)
	require.Len(t, taken.Trades, 1)
	assert.Equal(t, "X-1", taken.Trades[0].ID)
	assert.Equal(t, "b1", taken.Trades[0].MakerOrderID)

	var depth DepthResponse
	require.NoError(t, c.call(t, "Depth", &DepthRequest{Instrument: "X"}, &depth))
	require.Len(t, depth.Depth.Bids, 1)
	assert.Equal(t, "2", depth.Depth.Bids[0].Quantity.String())

	var cancelled CancelOrderResponse
	require.NoError(t, c.call(t, "CancelOrder", &CancelOrderRequest{OrderID: "b1", Instrument: "X"}, &cancelled))
	assert.Equal(t, uint64(3), cancelled.Seq)
}

func TestErrorCodes(t *testing.T) {
	_, c := startServer(t, false, true)

	req := &PlaceOrderRequest{OrderID: "b1", Instrument: "X", Side: "buy", Type: "limit", Price: "100", Quantity: "5"}
	require.NoError(t, c.call(t, "PlaceOrder", req, &PlaceOrderResponse{}))

	cases := []struct {
		name   string
		method string
		req    any
		resp   any
		code   codes.Code
	}{
		{"duplicate", "PlaceOrder", req, &PlaceOrderResponse{}, codes.AlreadyExists},
		{"bad side", "PlaceOrder", &PlaceOrderRequest{Instrument: "X", Side: "up", Type: "limit", Price: "1", Quantity: "1"}, &PlaceOrderResponse{}, codes.InvalidArgument},
		{"zero quantity", "PlaceOrder", &PlaceOrderRequest{Instrument: "X", Side: "buy", Type: "limit", Price: "1", Quantity: "0"}, &PlaceOrderResponse{}, codes.InvalidArgument},
		{"unknown order", "CancelOrder", &CancelOrderRequest{OrderID: "zz", Instrument: "X"}, &CancelOrderResponse{}, codes.NotFound},
		{"unknown instrument", "Depth", &DepthRequest{Instrument: "NOPE"}, &DepthResponse{}, codes.NotFound},
		{"reset disabled", "Reset", &ResetRequest{}, &ResetResponse{}, codes.FailedPrecondition},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := c.call(t, tc.method, tc.req, tc.resp)
			assert.Equal(t, tc.code, status.Code(err), "%v", err)
		})
	}
}

func TestReset(t *testing.T) {
	_, c := startServer(t, true, true)

	req := &PlaceOrderRequest{OrderID: "b1", Instrument: "X", Side: "buy", Type: "limit", Price: "100", Quantity: "5"}
	require.NoError(t, c.call(t, "PlaceOrder", req, &PlaceOrderResponse{}))

	var reset ResetResponse
	require.NoError(t, c.call(t, "Reset", &ResetRequest{}, &reset))
	assert.Equal(t, "ok", reset.Status)

	var placed PlaceOrderResponse
	require.NoError(t, c.call(t, "PlaceOrder", req, &placed))
	assert.Equal(t, uint64(1), placed.Seq)
}

func TestHealthFollowsRecovery(t *testing.T) {
	srv, c := startServer(t, false, false)
	hc := healthpb.NewHealthClient(c.conn)

	err := c.call(t, "Depth", &DepthRequest{Instrument: "X"}, &DepthResponse{})
	assert.Equal(t, codes.Unavailable, status.Code(err))

	resp, err := hc.Check(context.Background(), &healthpb.HealthCheckRequest{Service: ServiceName})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, resp.Status)

	srv.MarkServing()
	resp, err = hc.Check(context.Background(), &healthpb.HealthCheckRequest{Service: ServiceName})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, resp.Status)

	// The same check over the json subtype goes through protojson.
	var viaJSON healthpb.HealthCheckResponse
	require.NoError(t, c.conn.Invoke(context.Background(), "/grpc.health.v1.Health/Check",
		&healthpb.HealthCheckRequest{Service: ServiceName}, &viaJSON, grpc.CallContentSubtype(CodecName)))
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, viaJSON.Status)
}
