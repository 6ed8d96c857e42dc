// Package server assembles the HTTP API and the gRPC health listener.
package server

import (
	"log/slog"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"

	healthhandler "tracklist-api/backend/internal/health/handler"
	"tracklist-api/backend/internal/server/interceptors"
	"tracklist-api/backend/internal/telemetry"
)

// GRPCDeps holds the collaborators of the gRPC listener.
type GRPCDeps struct {
	// Health is registered as grpc.health.v1.Health. Required.
	Health *healthhandler.Server
	// Emitter receives one grpc_request event per RPC. If nil, no events are emitted.
	Emitter telemetry.EventEmitter
	// SkipTelemetry is the set of full method names that emit no event (e.g. frequent probes).
	SkipTelemetry map[string]bool
	Log           *slog.Logger
}

// NewGRPCServer returns a gRPC server with OTel stats, request logging, and the health service
// registered.
func NewGRPCServer(deps GRPCDeps) *grpc.Server {
	s := grpc.NewServer(
		grpc.StatsHandler(otelgrpc.NewServerHandler()),
		grpc.ChainUnaryInterceptor(
			interceptors.LoggingUnary(deps.Log),
			interceptors.TelemetryUnary(deps.Emitter, deps.SkipTelemetry),
		),
	)
	deps.Health.Register(s)
	return s
}
