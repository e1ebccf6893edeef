// Command agentworker runs the Agent Worker (spec.md §4.4): it consumes
// normalized requests, invokes the model runtime boundary, and produces
// response.ready.
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

	"github.com/RHEcosystemAppEng/self-service-agent-blueprint/internal/agentworker"
	"github.com/RHEcosystemAppEng/self-service-agent-blueprint/internal/config"
	"github.com/RHEcosystemAppEng/self-service-agent-blueprint/internal/model"
	"github.com/RHEcosystemAppEng/self-service-agent-blueprint/internal/store"
	"github.com/RHEcosystemAppEng/self-service-agent-blueprint/internal/substrate"
	"github.com/RHEcosystemAppEng/self-service-agent-blueprint/internal/telemetry"
)

func main() {
	if err := config.ApplyYAMLOverlay(os.Getenv("AGENTWORKER_CONFIG_FILE")); err != nil {
		fatal("load config overlay: %v", err)
	}
	cfg := config.AgentWorkerFromEnv()
	if err := cfg.Validate(); err != nil {
		fatal("invalid config: %v", err)
	}

	logger := telemetry.NewLogger("agentworker", cfg.Telemetry.LogLevel)

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

	provider, err := buildProvider(cfg)
	if err != nil {
		logger.Error("build model provider", "error", err)
		os.Exit(1)
	}

	srv := agentworker.NewServer(logger, st, strategy, provider, agentworker.Config{
		DefaultAgentID: cfg.DefaultAgentID,
		KnownAgentIDs:  cfg.KnownAgentIDs,
		ModelName:      cfg.ModelName,
	})

	runCtx, cancelRun := context.WithCancel(context.Background())
	defer cancelRun()
	if cfg.Substrate.Transport == "" || cfg.Substrate.Transport == "broker" {
		go func() {
			if err := srv.Run(runCtx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("subscribe loop exited", "error", err)
			}
		}()
	}

	httpSrv := &http.Server{Addr: cfg.HTTPAddr, Handler: srv.Handler()}
	metricsSrv := &http.Server{Addr: cfg.Telemetry.MetricsAddr, Handler: telemetry.Handler()}

	go func() {
		logger.Info("agent worker listening", "addr", cfg.HTTPAddr)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server crashed", "error", err)
			os.Exit(1)
		}
	}()
	go func() {
		logger.Info("agent worker metrics listening", "addr", cfg.Telemetry.MetricsAddr)
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server crashed", "error", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	cancelRun()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(ctx); err != nil {
		logger.Error("http server shutdown error", "error", err)
	}
	if err := metricsSrv.Shutdown(ctx); err != nil {
		logger.Error("metrics server shutdown error", "error", err)
	}
	logger.Info("agent worker stopped")
}

func buildProvider(cfg config.AgentWorkerConfig) (model.Provider, error) {
	switch cfg.ModelProvider {
	case "anthropic":
		return model.NewAnthropicProvider(cfg.ModelAPIKey), nil
	case "openai":
		return model.NewOpenAIProvider(cfg.ModelAPIKey), nil
	default:
		return nil, fmt.Errorf("unknown model provider %q", cfg.ModelProvider)
	}
}

func fatal(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
