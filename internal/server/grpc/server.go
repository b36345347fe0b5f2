// Package grpcserver reports coordinator liveness over the standard gRPC health protocol.
package grpcserver

import (
	"sort"
	"sync"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
)

const servicePrefix = "robosats.coordinator/"

// ServiceName is the health service name of a coordinator.
func ServiceName(alias string) string { return servicePrefix + alias }

// Health keeps one health service per coordinator. The overall ("") service is
// SERVING while at least one coordinator is live.
type Health struct {
	hs *health.Server

	mu   sync.Mutex
	live map[string]bool
}

// NewHealth registers aliases as live.
func NewHealth(aliases []string) *Health {
	h := &Health{hs: health.NewServer(), live: make(map[string]bool, len(aliases))}
	for _, a := range aliases {
		h.live[a] = true
		h.hs.SetServingStatus(ServiceName(a), healthpb.HealthCheckResponse_SERVING)
	}
	h.updateOverall()
	return h
}

// SetLive records a liveness transition.
func (h *Health) SetLive(alias string, live bool) {
	st := healthpb.HealthCheckResponse_NOT_SERVING
	if live {
		st = healthpb.HealthCheckResponse_SERVING
	}
	h.mu.Lock()
	h.live[alias] = live
	h.mu.Unlock()
	h.hs.SetServingStatus(ServiceName(alias), st)
	h.updateOverall()
}

// Live lists the aliases currently reported live.
func (h *Health) Live() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []string
	for a, ok := range h.live {
		if ok {
			out = append(out, a)
		}
	}
	sort.Strings(out)
	return out
}

func (h *Health) updateOverall() {
	h.mu.Lock()
	serving := false
	for _, ok := range h.live {
		serving = serving || ok
	}
	h.mu.Unlock()
	st := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		st = healthpb.HealthCheckResponse_SERVING
	}
	h.hs.SetServingStatus("", st)
}

// Shutdown marks every service NOT_SERVING and ignores further updates.
func (h *Health) Shutdown() { h.hs.Shutdown() }

// New builds a gRPC server with panic recovery, call logging and the health
// service. Reflection is registered when reflect is set.
func New(log *zap.Logger, h *Health, reflect bool, opts ...grpc.ServerOption) *grpc.Server {
	opts = append(opts,
		grpc.ChainUnaryInterceptor(
			RecoverUnary(log),
			LoggingUnary(log),
		),
		grpc.ChainStreamInterceptor(LoggingStream(log)),
	)
	s := grpc.NewServer(opts...)
	healthpb.RegisterHealthServer(s, h.hs)
	if reflect {
		reflection.Register(s)
	}
	return s
}
