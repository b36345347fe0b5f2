package grpcserver

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"
)

type fakeAddr struct{}

func (fakeAddr) Network() string { return "tcp" }
func (fakeAddr) String() string  { return "127.0.0.1:12345" }

func observed() (*zap.Logger, *observer.ObservedLogs) {
	core, logs := observer.New(zap.DebugLevel)
	return zap.New(core), logs
}

func TestLoggingUnary_LogsMetadata(t *testing.T) {
	t.Parallel()
	log, logs := observed()
	ic := LoggingUnary(log)

	ctx := peer.NewContext(context.Background(), &peer.Peer{Addr: fakeAddr{}})
	info := &grpc.UnaryServerInfo{FullMethod: "/grpc.health.v1.Health/Check"}

	resp, err := ic(ctx, "req", info, func(context.Context, any) (any, error) { return "ok", nil })
	require.NoError(t, err)
	require.Equal(t, "ok", resp)

	wantErr := status.Error(codes.NotFound, "unknown service")
	_, err = ic(ctx, "req", info, func(context.Context, any) (any, error) { return nil, wantErr })
	require.ErrorIs(t, err, wantErr)

	entries := logs.All()
	require.Len(t, entries, 2)
	fields := entries[1].ContextMap()
	require.Equal(t, "/grpc.health.v1.Health/Check", fields["method"])
	require.Equal(t, codes.NotFound.String(), fields["code"])
	require.Equal(t, "127.0.0.1:12345", fields["peer"])
}

func TestLoggingUnary_MeasuresHandler(t *testing.T) {
	t.Parallel()
	log, logs := observed()
	ic := LoggingUnary(log)
	info := &grpc.UnaryServerInfo{FullMethod: "/grpc.health.v1.Health/Check"}

	_, err := ic(context.Background(), "req", info, func(context.Context, any) (any, error) {
		time.Sleep(5 * time.Millisecond)
		return "done", nil
	})
	require.NoError(t, err)
	dur, ok := logs.All()[0].ContextMap()["dur"].(time.Duration)
	require.True(t, ok)
	require.GreaterOrEqual(t, dur, 5*time.Millisecond)
}

func TestRecoverUnary(t *testing.T) {
	t.Parallel()
	log, logs := observed()
	ic := RecoverUnary(log)
	info := &grpc.UnaryServerInfo{FullMethod: "/grpc.health.v1.Health/Check"}

	_, err := ic(context.Background(), "req", info, func(context.Context, any) (any, error) { panic("oh no") })
	require.Equal(t, codes.Internal, status.Code(err))
	require.Equal(t, 1, logs.FilterMessage("panic").Len())

	resp, err := ic(context.Background(), "req", info, func(context.Context, any) (any, error) { return 42, nil })
	require.NoError(t, err)
	require.Equal(t, 42, resp)
}

func TestLoggingStream(t *testing.T) {
	t.Parallel()
	log, logs := observed()
	ic := LoggingStream(log)
	info := &grpc.StreamServerInfo{FullMethod: "/grpc.health.v1.Health/Watch", IsServerStream: true}

	boom := errors.New("boom")
	err := ic(nil, nil, info, func(any, grpc.ServerStream) error { return boom })
	require.ErrorIs(t, err, boom)
	require.Equal(t, "/grpc.health.v1.Health/Watch", logs.All()[0].ContextMap()["method"])
	require.Equal(t, zapcore.WarnLevel, logs.All()[0].Level)
}

func TestLevel(t *testing.T) {
	t.Parallel()
	cases := []struct {
		method string
		code   codes.Code
		want   zapcore.Level
	}{
		{"/grpc.health.v1.Health/Check", codes.OK, zapcore.DebugLevel},
		{"/grpc.health.v1.Health/Check", codes.NotFound, zapcore.DebugLevel},
		{"/grpc.reflection.v1.ServerReflection/ServerReflectionInfo", codes.OK, zapcore.InfoLevel},
		{"/grpc.health.v1.Health/Check", codes.Internal, zapcore.WarnLevel},
		{"/grpc.reflection.v1.ServerReflection/ServerReflectionInfo", codes.Canceled, zapcore.InfoLevel},
	}
	for _, c := range cases {
		require.Equal(t, c.want, level(c.method, c.code), "%s %s", c.method, c.code)
	}
}
