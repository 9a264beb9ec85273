package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"returnfeed/internal/core/domain"
	"returnfeed/internal/core/services"
	httphandlers "returnfeed/internal/handlers/http"
	"returnfeed/internal/infrastructure/distributed"
	"returnfeed/internal/infrastructure/middleware"
	"returnfeed/internal/infrastructure/monitoring"
	"returnfeed/internal/infrastructure/registry"
	repositories "returnfeed/internal/infrastructure/repositories"
	signalws "returnfeed/internal/infrastructure/signal"
	"returnfeed/internal/infrastructure/upstream"
	"returnfeed/pkg/config"
	"returnfeed/pkg/errors"
	"returnfeed/pkg/logger"
	"returnfeed/pkg/tracing"

	"github.com/gin-gonic/gin"
)

func main() {
	startTime := time.Now()

	// Try multiple config paths
	configPaths := []string{
		"configs/config.yaml",
		"./configs/config.yaml",
		"/etc/returnfeed/config.yaml",
		"config.yaml",
	}

	var cfg *config.Config
	var err error

	for _, path := range configPaths {
		cfg, err = config.Load(path)
		if err == nil {
			break
		}
	}

	if err != nil {
		cfg = config.DefaultConfig()
	}

	// Initialize logger
	zapLogger := logger.New(cfg.Logging.Level, cfg.Logging.Format)
	defer zapLogger.Sync()

	log := zapLogger.Sugar()

	// Initialize tracing
	tracerProvider, err := tracing.Init(tracing.Config{
		Enabled:     cfg.Tracing.Enabled,
		ServiceName: "returnfeed",
		JaegerURL:   cfg.Tracing.JaegerURL,
		Environment: cfg.Tracing.Environment,
		SampleRate:  cfg.Tracing.SampleRate,
	})
	if err != nil {
		log.Fatalw("failed to initialize tracing", "error", err)
	}

	// Initialize repository factory
	repoFactory, err := repositories.NewRepositoryFactory(cfg, log)
	if err != nil {
		log.Fatalw("failed to create repository factory", "error", err)
	}
	defer repoFactory.Close()

	stateRepo := repoFactory.CreateStateRepository()

	// Connection registry and session broadcast bus
	reg := registry.New(cfg.Signal.HeartbeatInterval, log)
	bus := registry.NewBus(reg, log)

	// Monitoring
	collector := monitoring.NewPrometheusCollector()
	bus.SetObserver(collector.RecordBroadcast)

	// Cross-instance broadcast relay (multi-node deployments only)
	var eventBus *distributed.EventBus
	if redisClient := repoFactory.RedisClient(); redisClient != nil {
		eventBus = distributed.NewEventBus(redisClient, bus.DeliverFrame, log)
		bus.SetRelay(eventBus.Publish)
	}

	// Upstream producer link is wired to the services after they exist;
	// the link itself only needs the ports at dispatch time.
	var link *upstream.Link

	// Services
	latencyPipeline := services.NewLatencyPipeline(bus, upstreamProxy{&link}, log)
	latencyPipeline.SetTraceTimeout(cfg.Latency.TraceTimeout)
	latencyPipeline.SetStatsInterval(cfg.Latency.StatsInterval)
	latencyPipeline.SetStatsWindow(cfg.Latency.StatsWindow)
	latencyPipeline.SetHistoryLimits(cfg.Latency.MaxTraceHistory, cfg.Latency.MaxAlerts)
	latencyPipeline.SetRetention(cfg.Latency.AlertRetention, cfg.Latency.CleanupInterval)
	latencyPipeline.SetAlertThresholds(cfg.Latency.WarningMultiplier, cfg.Latency.CriticalMultiplier)
	latencyPipeline.SetObservers(collector.RecordTrace, collector.RecordAlert)

	tallyService := services.NewTallyService(stateRepo, bus, log)

	bitrateService := services.NewBitrateControlService(bus, upstreamProxy{&link}, latencyPipeline, log)
	bitrateService.SetStepSize(cfg.Bitrate.StepSize)
	bitrateService.SetCoalesceThreshold(cfg.Bitrate.CoalesceThreshold)
	bitrateService.SetQualityWindowSize(cfg.Bitrate.QualityWindowSize)
	bitrateService.SetReportInterval(cfg.Bitrate.QualityReportInterval)
	bitrateService.SetObservers(collector.RecordBitrateApplied, collector.RecordBitrateStep)

	link = upstream.NewLink(cfg.Upstream.URL, tallyService, bitrateService, latencyPipeline, log,
		upstream.WithBackoff(cfg.Upstream.InitialDelay, cfg.Upstream.MaxDelay, cfg.Upstream.Multiplier),
		upstream.WithQueueSize(cfg.Upstream.QueueSize),
	)

	// WebSocket server
	wsServer := signalws.NewWebSocketServer(reg, bus, tallyService, bitrateService, latencyPipeline, log)
	wsServer.SetTimeouts(cfg.Signal.ReadTimeout, cfg.Signal.WriteTimeout)
	wsServer.SetSendBufferSize(cfg.Signal.SendBufferSize)
	wsServer.SetJWTSecret(cfg.Auth.JWTSecret)
	if cfg.RateLimiting.Enabled {
		wsServer.SetRateLimit(cfg.RateLimiting.MessagesPerSecond, cfg.RateLimiting.Burst)
	}
	wsServer.SetMetrics(collector)

	// Health checks
	health := monitoring.NewHealthChecker()
	health.AddCheck("repository", repoFactory.HealthCheck, 2*time.Second)
	health.AddCheck("upstream", func(ctx context.Context) error {
		if !link.Connected() {
			return errUpstreamDown
		}
		return nil
	}, time.Second)

	// Configure Gin
	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(middleware.RecoveryMiddleware(log))
	router.Use(middleware.ErrorHandlerMiddleware(log))
	router.Use(middleware.NewHTTPRateLimitMiddleware(cfg))
	if cfg.Tracing.Enabled {
		router.Use(middleware.TracingMiddleware())
	}

	controlHandler := httphandlers.NewControlHandler(tallyService, bitrateService, latencyPipeline, link, reg, health)
	controlHandler.SetupRoutes(router)

	router.GET(cfg.Signal.Path, func(c *gin.Context) {
		wsServer.HandleWebSocket(c.Writer, c.Request)
	})

	// Background loops
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go reg.RunHeartbeat(ctx)
	if eventBus != nil {
		go func() {
			if err := eventBus.Run(ctx); err != nil && ctx.Err() == nil {
				log.Errorw("cross-instance relay stopped", "error", err)
			}
		}()
	}
	go bitrateService.Run(ctx)
	go latencyPipeline.Run(ctx)
	go link.Run(ctx)
	go watchUpstream(ctx, link, collector)

	if cfg.MediaPlane.MetricsURL != "" {
		scraper := monitoring.NewMediaPlaneScraper(cfg.MediaPlane.MetricsURL, cfg.MediaPlane.PollInterval, log)
		go scraper.Run(ctx)
	}

	// Create HTTP server with timeouts
	srv := &http.Server{
		Addr:         cfg.Server.Address,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Infow("starting ReturnFeed relay", "address", cfg.Server.Address, "ws_path", cfg.Signal.Path)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErr:
		log.Fatalw("server failed", "error", err)
	case sig := <-sigChan:
		log.Infow("received shutdown signal", "signal", sig)
	}

	log.Infow("shutting down", "uptime", time.Since(startTime).String())
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Errorw("http server shutdown error", "error", err)
	}
	if err := tracerProvider.Shutdown(shutdownCtx); err != nil {
		log.Errorw("tracer shutdown error", "error", err)
	}

	log.Info("shutdown complete")
}

var errUpstreamDown = errors.NewUpstreamDisconnectedError("producer link is down")

// upstreamProxy defers to the producer link, which is constructed after
// the services that depend on it. The pointer is assigned before any
// goroutine runs.
type upstreamProxy struct {
	link **upstream.Link
}

func (u upstreamProxy) SendDirective(directive domain.BitrateDirective) error {
	if *u.link == nil {
		return errUpstreamDown
	}
	return (*u.link).SendDirective(directive)
}

func (u upstreamProxy) ReportLatency(sessionID domain.SessionID, cameraID domain.CameraID, sequenceID string, endToEndMS float64) error {
	if *u.link == nil {
		return errUpstreamDown
	}
	return (*u.link).ReportLatency(sessionID, cameraID, sequenceID, endToEndMS)
}

func (u upstreamProxy) Connected() bool {
	return *u.link != nil && (*u.link).Connected()
}

// watchUpstream mirrors the link state into the upstream_connected gauge.
func watchUpstream(ctx context.Context, link *upstream.Link, collector *monitoring.PrometheusCollector) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			collector.SetUpstreamConnected(link.Connected())
		}
	}
}
