package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"callnet/internal/core/ports"
	httphandlers "callnet/internal/handlers/http"
	"callnet/internal/infrastructure/distributed"
	"callnet/internal/infrastructure/middleware"
	"callnet/internal/infrastructure/monitoring"
	signalinfra "callnet/internal/infrastructure/signal"
	"callnet/pkg/circuitbreaker"
	"callnet/pkg/config"
	"callnet/pkg/logger"
	"callnet/pkg/tracing"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
)

func main() {
	configPath := flag.String("config", "configs/config.yaml", "path to the YAML configuration")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		// Invalid configuration is fatal; a missing file already falls back to defaults.
		zapFallback := logger.New("info").Sugar()
		zapFallback.Fatalw("failed to load configuration", "path", *configPath, "error", err)
	}

	zapLogger := logger.NewWithFormat(cfg.Logging.Level, cfg.Logging.Format)
	defer zapLogger.Sync()
	log := zapLogger.Sugar()

	tp, err := tracing.Init(tracing.Config{
		Enabled:     cfg.Tracing.Enabled,
		ServiceName: cfg.Tracing.ServiceName + "-relay",
		JaegerURL:   cfg.Tracing.JaegerURL,
		Environment: cfg.Tracing.Environment,
		SampleRate:  cfg.Tracing.SampleRate,
	})
	if err != nil {
		log.Fatalw("failed to initialize tracing", "error", err)
	}

	health := monitoring.NewHealthChecker()

	// Back-plane: Redis lets several relay instances serve one session.
	var (
		backplane   ports.SignalChannel
		redisClient *redis.Client
		memory      *signalinfra.MemoryChannel
	)
	if cfg.Redis.Enabled {
		redisClient, err = distributed.NewRedisClient(cfg, log)
		if err != nil {
			log.Fatalw("failed to connect to Redis", "error", err)
		}
		breaker := circuitbreaker.New(circuitbreaker.DefaultConfig())
		breaker.OnStateChange(func(from, to circuitbreaker.State) {
			log.Warnw("redis publish breaker changed state", "from", from, "to", to)
		})
		backplane = distributed.NewRedisChannel(redisClient, cfg.Redis.Prefix, log).WithBreaker(breaker)
		health.AddRedisCheck(redisClient, 2*time.Second)
	} else {
		memory = signalinfra.NewMemoryChannel(log)
		backplane = memory
		log.Info("Redis disabled, relaying within this instance only")
	}

	collector := monitoring.NewPrometheusCollector(prometheus.DefaultRegisterer)
	relay := signalinfra.NewRelay(signalinfra.RelayConfigFrom(cfg), backplane, collector, log)
	auth := middleware.NewPartyAuth(cfg.Auth.JWTSecret, cfg.Auth.TokenTTL)
	if !auth.Enabled() {
		log.Warn("auth.jwt_secret not set, trusting the party_id query parameter")
	}

	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(
		middleware.RecoveryMiddleware(log),
		middleware.TracingMiddleware(),
		middleware.ErrorHandlerMiddleware(log),
	)

	handler := httphandlers.NewRelayHandler(relay, auth, health)
	handler.SetupRoutes(router, middleware.NewConnectionRateLimitMiddleware(cfg))

	if cfg.Monitoring.PrometheusEnabled {
		router.GET("/metrics", gin.WrapH(promhttp.Handler()))
		log.Info("Prometheus metrics enabled")
	}

	srv := &http.Server{
		Addr:              cfg.Relay.Address,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Infow("starting callnet relay", "address", cfg.Relay.Address, "redis", cfg.Redis.Enabled)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErr:
		log.Fatalw("relay server failed", "error", err)
	case sig := <-sigChan:
		log.Infow("received shutdown signal", "signal", sig)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Relay.ShutdownTimeout)
	defer shutdownCancel()

	// Hijacked WebSocket connections are not tracked by Shutdown; close them first.
	relay.Close()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Errorw("error during server shutdown", "error", err)
		if closeErr := srv.Close(); closeErr != nil {
			log.Errorw("error force closing server", "error", closeErr)
		}
	}

	if memory != nil {
		memory.Close()
	}
	if redisClient != nil {
		if err := redisClient.Close(); err != nil {
			log.Errorw("error closing Redis client", "error", err)
		}
	}
	if err := tp.Shutdown(shutdownCtx); err != nil {
		log.Errorw("error flushing traces", "error", err)
	}

	log.Info("callnet relay stopped")
}
