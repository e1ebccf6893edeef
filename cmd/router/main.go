// Command router runs the Request Router (spec.md §4.1): it terminates
// every inbound surface endpoint, authenticates, normalizes, and either
// awaits or backgrounds the resulting turn.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/RHEcosystemAppEng/self-service-agent-blueprint/internal/auth"
	"github.com/RHEcosystemAppEng/self-service-agent-blueprint/internal/config"
	"github.com/RHEcosystemAppEng/self-service-agent-blueprint/internal/router"
	"github.com/RHEcosystemAppEng/self-service-agent-blueprint/internal/store"
	"github.com/RHEcosystemAppEng/self-service-agent-blueprint/internal/substrate"
	"github.com/RHEcosystemAppEng/self-service-agent-blueprint/internal/telemetry"
)

func main() {
	if err := config.ApplyYAMLOverlay(os.Getenv("ROUTER_CONFIG_FILE")); err != nil {
		fatal("load config overlay: %v", err)
	}
	cfg := config.RouterFromEnv()
	if err := cfg.Validate(); err != nil {
		fatal("invalid config: %v", err)
	}

	logger := telemetry.NewLogger("router", cfg.Telemetry.LogLevel)

	shutdownTracing, err := telemetry.InitTracing(context.Background(), cfg.Telemetry.ServiceName, cfg.Telemetry.OTLPEndpoint)
	if err != nil {
		logger.Error("init tracing", "error", err)
		os.Exit(1)
	}
	defer shutdownTracing(context.Background())
	telemetry.NewMetrics()

	st, err := store.NewGormStore(cfg.Store.Driver, cfg.Store.DSN)
	if err != nil {
		logger.Error("open store", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := st.Close(); err != nil {
			logger.Error("store close error", "error", err)
		}
	}()

	strategy, err := substrate.NewStrategy(substrate.Config{
		Transport:              cfg.Substrate.Transport,
		RedisAddr:              cfg.Substrate.RedisAddr,
		RedisPassword:          cfg.Substrate.RedisPassword,
		RedisDB:                cfg.Substrate.RedisDB,
		Source:                 cfg.Substrate.Source,
		AgentWorkerURL:         cfg.Substrate.AgentWorkerURL,
		IntegrationDispatchURL: cfg.Substrate.IntegrationDispatchURL,
	})
	if err != nil {
		logger.Error("build communication strategy", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := strategy.Close(); err != nil {
			logger.Error("strategy close error", "error", err)
		}
	}()

	srv := router.NewServer(logger, st, strategy, buildResolver(cfg), router.Config{
		ChatSigningSecret: cfg.ChatSigningSecret,
		SyncTimeout:       cfg.SyncTimeout,
		AsyncTimeout:      cfg.AsyncTimeout,
		IdleTTL:           cfg.SessionIdleTTL,
		GenericEnabled:    cfg.GenericEndpointEnabled,
	})

	httpSrv := &http.Server{Addr: cfg.HTTPAddr, Handler: srv.Handler()}
	metricsSrv := &http.Server{Addr: cfg.Telemetry.MetricsAddr, Handler: telemetry.Handler()}

	go func() {
		logger.Info("router listening", "addr", cfg.HTTPAddr)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server crashed", "error", err)
			os.Exit(1)
		}
	}()
	go func() {
		logger.Info("router metrics listening", "addr", cfg.Telemetry.MetricsAddr)
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server crashed", "error", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(ctx); err != nil {
		logger.Error("http server shutdown error", "error", err)
	}
	if err := metricsSrv.Shutdown(ctx); err != nil {
		logger.Error("metrics server shutdown error", "error", err)
	}
	logger.Info("router stopped")
}

func buildResolver(cfg config.RouterConfig) *auth.Resolver {
	var validators []auth.Validator
	if cfg.JWKSURL != "" {
		cache := auth.NewJWKSCache(cfg.JWKSURL, &auth.HTTPJWKSFetcher{}, 10*time.Minute)
		validators = append(validators, auth.NewJWTValidator(cache, cfg.JWTAudience, cfg.JWTIssuer))
	}
	if len(cfg.APIKeys) > 0 {
		validators = append(validators, auth.NewAPIKeyValidator(cfg.APIKeys))
	}
	validators = append(validators, auth.NewTrustedProxyValidator(cfg.TrustedProxyEnabled, cfg.TrustedProxyHeader))
	return auth.NewResolver(validators...)
}

func fatal(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
