// Command dispatcher boots the crawlord dispatcher: Task Store, Proxy
// Allocator, Broker, Dispatcher loop, Control Plane and its HTTP admin
// surface, wired the way the teacher's orchestrator/api-gateway main()
// functions bootstrap a service — logging, OTel tracer/meter, a single
// http.Server, and signal-driven graceful shutdown.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/swarmguard/crawlord/internal/audit"
	"github.com/swarmguard/crawlord/internal/broker"
	"github.com/swarmguard/crawlord/internal/config"
	"github.com/swarmguard/crawlord/internal/controlplane"
	"github.com/swarmguard/crawlord/internal/dispatcher"
	"github.com/swarmguard/crawlord/internal/httpapi"
	"github.com/swarmguard/crawlord/internal/logging"
	"github.com/swarmguard/crawlord/internal/proxy"
	"github.com/swarmguard/crawlord/internal/taskstore"
	"github.com/swarmguard/crawlord/internal/telemetry"
)

const serviceName = "crawlord-dispatcher"

func main() {
	logger := logging.Init(serviceName)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, err := loadConfig()
	if err != nil {
		logger.Error("config load failed", "error", err)
		os.Exit(1)
	}

	shutdownTrace := telemetry.InitTracer(ctx, serviceName)
	shutdownMetrics, inst := telemetry.InitMetrics(ctx, serviceName)
	defer telemetry.Flush(context.Background(), shutdownTrace)
	defer telemetry.Flush(context.Background(), shutdownMetrics)

	meter := otel.GetMeterProvider().Meter(serviceName)

	store, err := taskstore.Open(envOr("CRAWLORD_TASKSTORE_PATH", "./data/taskstore.db"), meter)
	if err != nil {
		logger.Error("task store open failed", "error", err)
		os.Exit(1)
	}
	defer store.Close()

	proxyStore, err := proxy.Open(envOr("CRAWLORD_PROXYSTORE_PATH", "./data/proxystore"), proxy.Options{
		BindingFailureThreshold: cfg.Proxy.BindingFailureThreshold,
		GlobalFailureThreshold:  cfg.Proxy.GlobalFailureThreshold,
	})
	if err != nil {
		logger.Error("proxy store open failed", "error", err)
		os.Exit(1)
	}
	defer proxyStore.Close()

	auditLog, err := audit.Open(envOr("CRAWLORD_AUDIT_PATH", "./data/audit.db"))
	if err != nil {
		logger.Error("audit log open failed", "error", err)
		os.Exit(1)
	}
	defer auditLog.Close()

	natsURL := envOr("CRAWLORD_NATS_URL", "nats://127.0.0.1:4222")
	brokerCfg := broker.DefaultConfig()
	brokerCfg.Prefetch = cfg.Broker.Prefetch
	brokerCfg.MaxLength = int64(cfg.Queue.MaxLength)
	brokerCfg.TTLWork = cfg.TTL.Work
	brokerCfg.TTLPriority = cfg.TTL.Priority
	b, err := broker.Connect(natsURL, brokerCfg)
	if err != nil {
		logger.Error("broker connect failed", "error", err)
		os.Exit(1)
	}
	defer b.Close()

	disp := dispatcher.New(store, b, dispatcher.Config{
		Interval:       cfg.Dispatcher.Interval,
		BatchSize:      cfg.Dispatcher.BatchSize,
		StateDeadlines: cfg.StateDeadline,
		BackoffBase:    cfg.Backoff.Base,
		BackoffCap:     cfg.Backoff.Cap,
	}, inst)
	if err := disp.Start(ctx); err != nil {
		logger.Error("dispatcher start failed", "error", err)
		os.Exit(1)
	}
	defer disp.Stop(context.Background())

	cp := controlplane.New(store, auditLog)

	jwtSecret := os.Getenv(cfg.HTTPAPI.JWTSecretEnv)
	api := httpapi.New(cp, store, auditLog, jwtSecret)

	srv := &http.Server{
		Addr:         cfg.HTTPAPI.ListenAddr,
		Handler:      api.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		logger.Info("starting httpapi", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("httpapi server error", "error", err)
			cancel()
		}
	}()

	logger.Info("crawlord dispatcher started", "interval", cfg.Dispatcher.Interval)
	<-ctx.Done()
	logger.Info("shutdown initiated")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("httpapi shutdown error", "error", err)
	}
	logger.Info("shutdown complete")
}

func loadConfig() (*config.Config, error) {
	path := os.Getenv("CRAWLORD_CONFIG")
	if path == "" {
		return config.Default(), nil
	}
	return config.Load(path)
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
