// Package handler reports readiness over the standard gRPC health service and plain HTTP.
package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

const checkTimeout = 2 * time.Second

// Pinger checks database connectivity (e.g. *sql.DB).
type Pinger interface {
	PingContext(ctx context.Context) error
}

// PolicyChecker checks that the session policy evaluates (e.g. the OPA evaluator).
type PolicyChecker interface {
	HealthCheck(ctx context.Context) error
}

// Server tracks readiness. Either dependency may be nil, in which case its check is skipped.
type Server struct {
	pinger Pinger
	policy PolicyChecker
	hs     *health.Server
	log    *slog.Logger
}

// NewServer returns a Server whose gRPC status starts as NOT_SERVING until the first Update.
func NewServer(pinger Pinger, policy PolicyChecker, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	hs := health.NewServer()
	hs.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	return &Server{pinger: pinger, policy: policy, hs: hs, log: log}
}

// Register adds grpc.health.v1.Health to r.
func (s *Server) Register(r grpc.ServiceRegistrar) {
	healthpb.RegisterHealthServer(r, s.hs)
}

// Update runs the checks and publishes the result to the gRPC health service.
func (s *Server) Update(ctx context.Context) healthpb.HealthCheckResponse_ServingStatus {
	st := s.check(ctx)
	s.hs.SetServingStatus("", st)
	return st
}

func (s *Server) check(ctx context.Context) healthpb.HealthCheckResponse_ServingStatus {
	ctx, cancel := context.WithTimeout(ctx, checkTimeout)
	defer cancel()
	if s.pinger != nil {
		if err := s.pinger.PingContext(ctx); err != nil {
			s.log.WarnContext(ctx, "health: database ping failed", "error", err)
			return healthpb.HealthCheckResponse_NOT_SERVING
		}
	}
	if s.policy != nil {
		if err := s.policy.HealthCheck(ctx); err != nil {
			s.log.WarnContext(ctx, "health: policy check failed", "error", err)
			return healthpb.HealthCheckResponse_NOT_SERVING
		}
	}
	return healthpb.HealthCheckResponse_SERVING
}

// Run refreshes the status every interval until ctx is done, then marks the service as shutting down.
func (s *Server) Run(ctx context.Context, interval time.Duration) {
	s.Update(ctx)
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			s.hs.Shutdown()
			return
		case <-t.C:
			s.Update(ctx)
		}
	}
}

// ServeHTTP answers readiness probes: 200 when serving, 503 otherwise.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	st := s.Update(r.Context())
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	if st != healthpb.HealthCheckResponse_SERVING {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_, _ = w.Write([]byte(st.String() + "\n"))
}
