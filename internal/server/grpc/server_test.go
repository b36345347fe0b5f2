package grpcserver

import (
	"context"
	"net"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
)

func startServer(t *testing.T, h *Health) healthpb.HealthClient {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	s := New(zaptest.NewLogger(t), h, false)
	go func() { _ = s.Serve(lis) }()
	t.Cleanup(s.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return healthpb.NewHealthClient(conn)
}

func check(t *testing.T, c healthpb.HealthClient, service string) healthpb.HealthCheckResponse_ServingStatus {
	t.Helper()
	resp, err := c.Check(context.Background(), &healthpb.HealthCheckRequest{Service: service})
	require.NoError(t, err)
	return resp.GetStatus()
}

func TestHealth_PerCoordinatorStatus(t *testing.T) {
	t.Parallel()
	h := NewHealth([]string{"satstralia", "temple"})
	c := startServer(t, h)

	require.Equal(t, healthpb.HealthCheckResponse_SERVING, check(t, c, ""))
	require.Equal(t, healthpb.HealthCheckResponse_SERVING, check(t, c, ServiceName("temple")))

	h.SetLive("temple", false)
	require.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, check(t, c, ServiceName("temple")))
	require.Equal(t, healthpb.HealthCheckResponse_SERVING, check(t, c, ""))
	require.Equal(t, []string{"satstralia"}, h.Live())

	h.SetLive("satstralia", false)
	require.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, check(t, c, ""))

	h.SetLive("temple", true)
	require.Equal(t, healthpb.HealthCheckResponse_SERVING, check(t, c, ""))
}

func TestHealth_UnknownCoordinator(t *testing.T) {
	t.Parallel()
	c := startServer(t, NewHealth([]string{"satstralia"}))

	_, err := c.Check(context.Background(), &healthpb.HealthCheckRequest{Service: ServiceName("nope")})
	require.Equal(t, codes.NotFound, status.Code(err))
}

func TestHealth_Shutdown(t *testing.T) {
	t.Parallel()
	h := NewHealth([]string{"satstralia"})
	c := startServer(t, h)

	h.Shutdown()
	h.SetLive("satstralia", true)
	require.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, check(t, c, ServiceName("satstralia")))
}

func TestHealth_EmptyFederation(t *testing.T) {
	t.Parallel()
	c := startServer(t, NewHealth(nil))
	require.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, check(t, c, ""))
}
