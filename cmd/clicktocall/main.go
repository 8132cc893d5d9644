package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"clicktocall/internal/core/domain"
	"clicktocall/internal/core/ports"
	"clicktocall/internal/core/services"
	httphandlers "clicktocall/internal/handlers/http"
	"clicktocall/internal/infrastructure/composer"
	"clicktocall/internal/infrastructure/media"
	"clicktocall/internal/infrastructure/middleware"
	"clicktocall/internal/infrastructure/monitoring"
	"clicktocall/internal/infrastructure/signaling"
	webrtcinfra "clicktocall/internal/infrastructure/webrtc"
	"clicktocall/pkg/config"
	"clicktocall/pkg/logger"
	"clicktocall/pkg/tracing"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
)

func main() {
	startTime := time.Now()

	configPaths := []string{
		os.Getenv("CLICKTOCALL_CONFIG"),
		"configs/config.yaml",
		"/etc/clicktocall/config.yaml",
		"config.yaml",
	}

	// the first existing file wins; with none, defaults plus environment
	configPath := "configs/config.yaml"
	for _, path := range configPaths {
		if path == "" {
			continue
		}
		if _, statErr := os.Stat(path); statErr == nil {
			configPath = path
			break
		}
	}
	cfg, err := config.Load(configPath)

	zapLogger := logger.NewWithFormat(levelOr(cfg, "info"), formatOr(cfg))
	defer zapLogger.Sync()
	log := zapLogger.Sugar()

	if err != nil {
		log.Fatalw("failed to load configuration", "error", err)
	}

	tp, err := tracing.Init(tracing.Config{
		Enabled:     cfg.Tracing.Enabled,
		ServiceName: "clicktocall",
		JaegerURL:   cfg.Tracing.JaegerURL,
		Environment: cfg.Tracing.Environment,
		SampleRate:  cfg.Tracing.SampleRate,
	})
	if err != nil {
		log.Fatalw("failed to initialize tracing", "error", err)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	collector := monitoring.NewPrometheusCollector(registry)

	peers, err := webrtcinfra.NewPeerConnectionFactory(webrtcinfra.ConfigFromApp(cfg))
	if err != nil {
		log.Fatalw("failed to create peer connection factory", "error", err)
	}

	source := media.NewSource(cfg.Media.FrameDuration, log.Named("media"),
		media.WithRTCPObserver(func(stats media.RTCPStats) {
			collector.RecordPacketLoss(stats.PacketLoss)
		}),
	)

	health := monitoring.NewHealthChecker()

	var client *redis.Client
	if cfg.Inbox.Driver == "redis" {
		client = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			PoolSize: cfg.Redis.PoolSize,
		})
		defer client.Close()
		health.AddRedisCheck(client, 2*time.Second)
	}

	var channel ports.Signaler
	switch cfg.Signaling.Driver {
	case "redis":
		channel = signaling.NewRedisChannel(client, cfg.Inbox.Channel, log.Named("signaling"))
	default:
		httpChannel, err := signaling.NewHTTPChannel(signaling.ChannelConfigFromApp(cfg), nil, log.Named("signaling"))
		if err != nil {
			log.Fatalw("failed to create signaling channel", "error", err)
		}
		health.AddBreakerCheck("signaling", httpChannel.BreakerStats)
		channel = httpChannel
	}

	localUser := domain.UserID(cfg.User.ID)
	sessions := services.NewSessionFactory(peers, source, channel, collector, log.Named("call"))
	binder := services.NewComposerBinder(
		localUser,
		sessions,
		channel,
		composer.NewLogView(log.Named("view")),
		composer.NewRowResolver(cfg, nil),
		composer.CapabilitiesFromConfig(cfg),
		composer.NewZapReporter(log.Named("composer")),
		log.Named("composer"),
	)
	binder.UpdateButtonDisplay()

	var inbox ports.Inbox
	switch cfg.Inbox.Driver {
	case "websocket":
		inbox = signaling.NewWebSocketInbox(signaling.WebSocketInboxConfigFromApp(cfg), log.Named("inbox"))
	case "redis":
		inbox = signaling.NewRedisInbox(client, cfg.Inbox.Channel, localUser, log.Named("inbox"))
	default:
		log.Info("inbox disabled, call messages arrive through the control API only")
	}

	inboxCtx, stopInbox := context.WithCancel(context.Background())
	defer stopInbox()
	inboxDone := make(chan struct{})
	if inbox != nil {
		go func() {
			defer close(inboxDone)
			if err := inbox.Run(inboxCtx, binder); err != nil && !errors.Is(err, context.Canceled) {
				log.Errorw("inbox stopped", "error", err)
			}
		}()
	} else {
		close(inboxDone)
	}

	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(
		middleware.RequestIDMiddleware(),
		middleware.RecoveryMiddleware(log),
		middleware.TracingMiddleware(),
		middleware.RequestLoggerMiddleware(log.Named("http")),
		middleware.ErrorHandlerMiddleware(log),
		middleware.NewHTTPRateLimitMiddleware(cfg),
	)

	httphandlers.NewComposerHandler(binder).SetupRoutes(router)

	router.GET("/health", func(c *gin.Context) {
		status := health.CheckAll(c.Request.Context())
		code := http.StatusOK
		if status.Status == monitoring.StatusUnhealthy {
			code = http.StatusServiceUnavailable
		}
		c.JSON(code, gin.H{
			"status":  status,
			"uptime":  time.Since(startTime).String(),
			"user_id": localUser,
		})
	})

	router.GET("/ready", func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()

		if !health.IsReady(ctx) {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready", "timestamp": time.Now()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ready", "timestamp": time.Now()})
	})

	if cfg.Monitoring.PrometheusEnabled {
		router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(registry, promhttp.HandlerOpts{})))
		log.Info("Prometheus metrics enabled")
	}

	srv := &http.Server{
		Addr:         cfg.Server.Address,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Infow("Starting click-to-call agent", "address", cfg.Server.Address, "user_id", localUser)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErr:
		log.Errorw("Server failed", "error", err)
	case sig := <-sigChan:
		log.Infow("Received shutdown signal", "signal", sig)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Errorw("Error during server shutdown", "error", err)
		if closeErr := srv.Close(); closeErr != nil {
			log.Errorw("Error force closing server", "error", closeErr)
		}
	}

	// hang up before the inbox goes away so the peer still hears "end"
	if err := binder.Shutdown(shutdownCtx); err != nil {
		log.Errorw("Error ending current call", "error", err)
	}

	stopInbox()
	if inbox != nil {
		if err := inbox.Close(); err != nil {
			log.Errorw("Error closing inbox", "error", err)
		}
	}
	<-inboxDone

	if err := tp.Shutdown(shutdownCtx); err != nil {
		log.Errorw("Error shutting down tracer", "error", err)
	}

	log.Info("click-to-call agent stopped")
}

func levelOr(cfg *config.Config, fallback string) string {
	if cfg == nil || cfg.Logging.Level == "" {
		return fallback
	}
	return cfg.Logging.Level
}

func formatOr(cfg *config.Config) string {
	if cfg == nil {
		return "json"
	}
	return cfg.Logging.Format
}
