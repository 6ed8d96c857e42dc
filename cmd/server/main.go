// server runs the auth HTTP API and the gRPC health listener.
package main

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"tracklist-api/backend/internal/audit"
	auditrepo "tracklist-api/backend/internal/audit/repository"
	"tracklist-api/backend/internal/config"
	"tracklist-api/backend/internal/db"
	healthhandler "tracklist-api/backend/internal/health/handler"
	identityrepo "tracklist-api/backend/internal/identity/repository"
	identityservice "tracklist-api/backend/internal/identity/service"
	ledgerrepo "tracklist-api/backend/internal/ledger/repository"
	"tracklist-api/backend/internal/policy/engine"
	"tracklist-api/backend/internal/security"
	"tracklist-api/backend/internal/server"
	sessionhandler "tracklist-api/backend/internal/session/handler"
	"tracklist-api/backend/internal/session/service"
	"tracklist-api/backend/internal/telemetry"
	telemetryotel "tracklist-api/backend/internal/telemetry/otel"
)

const (
	healthInterval  = 10 * time.Second
	shutdownTimeout = 10 * time.Second
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}
	log := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.SlogLevel(), AddSource: true}))
	slog.SetDefault(log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Error("server exited", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, log *slog.Logger) error {
	providers, err := telemetryotel.NewProviders(ctx, telemetryotel.Config{
		Endpoint:    cfg.OTelEndpoint,
		Insecure:    cfg.OTelInsecure,
		ServiceName: cfg.OTelServiceName,
		Environment: cfg.Env,
	})
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	providers.SetGlobal()
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = providers.Shutdown(sctx)
	}()

	conn, err := db.Open(ctx, cfg.DatabaseDriver, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("db: %w", err)
	}
	defer conn.Close()

	access, refresh, err := buildIssuers(cfg, log)
	if err != nil {
		return fmt.Errorf("token issuers: %w", err)
	}

	var policy *engine.OPAEvaluator
	if cfg.PolicyFile != "" {
		policy, err = engine.NewOPAEvaluatorFromFile(ctx, cfg.PolicyFile)
	} else {
		policy, err = engine.NewOPAEvaluator(ctx, "")
	}
	if err != nil {
		return fmt.Errorf("policy: %w", err)
	}

	metrics, err := telemetryotel.NewAuthMetrics(providers.Meter())
	if err != nil {
		return fmt.Errorf("metrics: %w", err)
	}
	emitter := telemetryotel.NewEventEmitter(providers.LoggerProvider)
	auditRepo := auditrepo.NewSQLRepository(conn, cfg.DatabaseDriver)
	auditLogger := audit.NewLogger(auditRepo, emitter, log)

	users := identityrepo.NewSQLRepository(conn, cfg.DatabaseDriver)
	sessions := service.NewService(
		identityservice.NewCredentialVerifier(users, security.NewHasher(cfg.BcryptCost)),
		users,
		access,
		refresh,
		ledgerrepo.NewSQLRepository(conn, cfg.DatabaseDriver),
		service.WithPolicy(policy),
		service.WithAudit(auditLogger),
		service.WithMetrics(metrics),
		service.WithLogger(log),
	)

	health := healthhandler.NewServer(conn, policy, log)
	go health.Run(ctx, healthInterval)

	httpSrv := &http.Server{
		Addr: cfg.HTTPAddr,
		Handler: server.NewHTTPHandler(server.HTTPDeps{
			Auth:    sessionhandler.NewHandler(sessions, access, log).WithActivity(auditRepo),
			Health:  health,
			Emitter: emitter,
			Log:     log,
		}),
		ReadHeaderTimeout: 5 * time.Second,
	}
	grpcSrv := server.NewGRPCServer(server.GRPCDeps{
		Health:        health,
		Emitter:       emitter,
		SkipTelemetry: map[string]bool{"/grpc.health.v1.Health/Check": true},
		Log:           log,
	})

	errCh := make(chan error, 2)
	go func() {
		log.Info("HTTP server listening", "addr", cfg.HTTPAddr)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http: %w", err)
		}
	}()
	if cfg.GRPCAddr != "" {
		lis, err := net.Listen("tcp", cfg.GRPCAddr)
		if err != nil {
			return fmt.Errorf("grpc listen: %w", err)
		}
		go func() {
			log.Info("gRPC health server listening", "addr", cfg.GRPCAddr)
			if err := grpcSrv.Serve(lis); err != nil {
				errCh <- fmt.Errorf("grpc: %w", err)
			}
		}()
	}

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return err
	}

	log.Info("shutting down")
	sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpSrv.Shutdown(sctx); err != nil {
		log.Warn("http shutdown", "error", err)
	}
	grpcSrv.GracefulStop()
	// Let in-flight audit and telemetry emits finish before the providers shut down.
	time.Sleep(telemetry.ShutdownDrainDuration)
	log.Info("stopped")
	return nil
}

// buildIssuers loads the configured signing keys and the retired keys still accepted on verify.
// Outside production a missing key is replaced by an ephemeral P-256 key; tokens signed with it
// do not survive a restart.
func buildIssuers(cfg *config.Config, log *slog.Logger) (*security.AccessTokenIssuer, *security.RefreshTokenIssuer, error) {
	accessKey, err := signingKey(cfg.JWTAccessKeyID, cfg.JWTAccessPrivateKey, cfg.JWTAccessPublicKey, cfg.JWTAccessPreviousPublicKeys, log)
	if err != nil {
		return nil, nil, fmt.Errorf("access key: %w", err)
	}
	refreshKey, err := signingKey(cfg.JWTRefreshKeyID, cfg.JWTRefreshPrivateKey, cfg.JWTRefreshPublicKey, cfg.JWTRefreshPreviousPublicKeys, log)
	if err != nil {
		return nil, nil, fmt.Errorf("refresh key: %w", err)
	}
	return security.NewTokenIssuers(accessKey, refreshKey, security.IssuerConfig{
		Issuer:     cfg.JWTIssuer,
		Audience:   cfg.JWTAudience,
		AccessTTL:  cfg.AccessTTL(),
		RefreshTTL: cfg.RefreshTTL(),
	})
}

func signingKey(kid, privatePEM, publicPEM, previous string, log *slog.Logger) (security.SigningKey, error) {
	retired, err := security.ParseVerificationKeys(previous)
	if err != nil {
		return security.SigningKey{}, err
	}
	var key security.SigningKey
	if privatePEM != "" {
		key, err = security.LoadSigningKey(kid, privatePEM, publicPEM)
		if err != nil {
			return security.SigningKey{}, err
		}
	} else {
		log.Warn("no signing key configured; using an ephemeral key", "kid", kid)
		k, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
		if err != nil {
			return security.SigningKey{}, err
		}
		key = security.SigningKey{ID: kid, Private: k}
	}
	key.Retired = retired
	if len(retired) > 0 {
		log.Info("accepting retired verification keys", "kid", kid, "retired", len(retired))
	}
	return key, nil
}
