package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"examsentry/pkg/auth"
	"examsentry/pkg/config"
	"examsentry/pkg/dispatch"
	"examsentry/pkg/eventbus"
	"examsentry/pkg/intervene"
	"examsentry/pkg/metrics"
	"examsentry/pkg/ratelimit"
	"examsentry/pkg/risk"
	"examsentry/pkg/rooms"
	"examsentry/pkg/session"
	"examsentry/pkg/store"
	"examsentry/pkg/structlog"
)

func main() {
	logger := structlog.NewLogger("examsentry", structlog.LevelInfo, nil)

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("configuration invalid", structlog.Fields{"error": err.Error()})
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Redis backs the rate limiter, the session mirror, and the
	// cross-instance broadcast bridge. All three degrade gracefully when
	// it is unreachable.
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		logger.Warn("redis unreachable, running single-instance", structlog.Fields{
			"addr": cfg.RedisAddr, "error": err.Error(),
		})
		rdb = nil
	}

	gate, err := auth.NewGate(auth.GateConfig{
		Secret:       cfg.JWTSecret,
		PublicKeyPEM: cfg.JWTPublicKeyPEM,
		Issuer:       cfg.JWTIssuer,
	})
	if err != nil {
		logger.Fatal("credential gate setup failed", structlog.Fields{"error": err.Error()})
	}

	m := metrics.New()
	bus := eventbus.NewBus(1024)
	defer bus.Close()

	var mirror *session.Mirror
	if rdb != nil {
		mirror = session.NewMirror(rdb, time.Hour)
	}

	registry := session.NewRegistry(session.RegistryConfig{
		MaxActiveSessions:   cfg.MaxActiveSessions,
		InactivityThreshold: cfg.InactivityThreshold,
		SweepInterval:       cfg.SweepInterval,
		Bus:                 bus,
		Mirror:              mirror,
		Logger:              logger.WithFields(structlog.Fields{"component": "registry"}),
	})

	storeClient := store.NewClient(store.ClientConfig{
		BaseURL: cfg.StoreBaseURL,
		Timeout: cfg.StoreTimeout,
		Logger:  logger.WithFields(structlog.Fields{"component": "store"}),
		Metrics: m,
	})

	aggregator := risk.New(risk.Config{
		TickPeriod:               cfg.TickPeriod,
		CriticalClusterThreshold: cfg.CriticalClusterThreshold,
		CountDerivedCritical:     cfg.CountDerivedCritical,
		Registry:                 registry,
		Store:                    storeClient,
		Bus:                      bus,
		Logger:                   logger.WithFields(structlog.Fields{"component": "aggregator"}),
		Metrics:                  m,
	})

	bridge := rooms.NewBridge(rdb, logger.WithFields(structlog.Fields{"component": "bridge"}))
	hub := rooms.NewHub(bridge, m)

	limiter := ratelimit.NewSlidingWindowLimiter(rdb, cfg.RateLimitMaxEvents, cfg.RateLimitWindow)

	server := dispatch.NewServer(dispatch.ServerConfig{
		Gate:                     gate,
		Limiter:                  limiter,
		Registry:                 registry,
		Agg:                      aggregator,
		Hub:                      hub,
		Logger:                   logger.WithFields(structlog.Fields{"component": "dispatch"}),
		Metrics:                  m,
		EndOnDisconnect:          cfg.EndOnDisconnect,
		MinDashboardInterval:     cfg.MinDashboardInterval,
		DefaultDashboardInterval: cfg.DefaultDashboardInterval,
	})

	interventions := intervene.NewHandler(intervene.Config{
		Registry:          registry,
		Hub:               hub,
		Owners:            server,
		Store:             storeClient,
		Logger:            logger.WithFields(structlog.Fields{"component": "intervene"}),
		Metrics:           m,
		ScreenshotTimeout: cfg.ScreenshotTimeout,
	})
	server.SetInterventions(interventions)

	bus.Register(aggregator)
	bus.Register(server)

	go registry.RunSweep(ctx)
	go aggregator.Run(ctx)
	go bridge.Run(ctx)

	mux := http.NewServeMux()
	server.RegisterRoutes(mux)
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"healthy","service":"examsentry"}`))
	})

	if cfg.MetricsPort != "" {
		go serveMetrics(cfg.MetricsPort, m, logger)
	} else {
		mux.Handle("GET /metrics", m.Handler())
	}

	httpServer := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("listening", structlog.Fields{"port": cfg.Port})
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("http server failed", structlog.Fields{"error": err.Error()})
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	logger.Info("shutting down", nil)
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("shutdown incomplete", structlog.Fields{"error": err.Error()})
	}

	// flush whatever the aggregator still holds before exit
	aggregator.Tick(shutdownCtx)
	logger.Info("stopped", nil)
}

func serveMetrics(port string, m *metrics.Metrics, logger *structlog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", m.Handler())
	srv := &http.Server{Addr: ":" + port, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	logger.Info("metrics listening", structlog.Fields{"port": port})
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("metrics server failed", structlog.Fields{"error": err.Error()})
	}
}
