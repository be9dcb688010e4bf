package main

import (
	"context"
	"flag"
	nethttp "net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/openctemio/sast-triage/internal/app"
	"github.com/openctemio/sast-triage/internal/config"
	"github.com/openctemio/sast-triage/internal/infra/http"
	"github.com/openctemio/sast-triage/internal/infra/http/handler"
	"github.com/openctemio/sast-triage/internal/infra/http/middleware"
	"github.com/openctemio/sast-triage/internal/infra/http/routes"
	"github.com/openctemio/sast-triage/internal/infra/notification"
	"github.com/openctemio/sast-triage/internal/infra/websocket"
	"github.com/openctemio/sast-triage/pkg/jwt"
	"github.com/openctemio/sast-triage/pkg/logger"
	"github.com/openctemio/sast-triage/pkg/tracing"
)

// @title           SAST Triage API
// @version         1.0
// @description     Classifies SonarQube findings as true or false positives with an OpenAI-compatible model.

// @BasePath  /api/v1

// @securityDefinitions.apikey BearerAuth
// @in header
// @name Authorization
// @description JWT Bearer token. Format: "Bearer {token}"

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

// Command line flags.
var (
	showRoutes  = flag.Bool("routes", false, "Print all registered routes and exit")
	routeFormat = flag.String("route-format", "table", "Route output format: table, json, csv")
)

func main() {
	flag.Parse()
	os.Exit(run())
}

func run() int {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ==========================================================================
	// Configuration & Logger
	// ==========================================================================
	cfg, err := config.Load()
	if err != nil {
		logger.NewDefault().Error("failed to load configuration", "error", err)
		return 1
	}

	log := logger.New(logger.Config{Level: cfg.Log.Level, Format: cfg.Log.Format})
	log.SetDefault()
	log.Info("starting application", "app", cfg.App.Name, "env", cfg.App.Env, "version", version)

	shutdownTracing, err := tracing.Setup(ctx, tracing.Config{
		Enabled:        cfg.Tracing.Enabled,
		Endpoint:       cfg.Tracing.Endpoint,
		Insecure:       cfg.Tracing.Insecure,
		SampleRatio:    cfg.Tracing.SampleRatio,
		ServiceName:    cfg.App.Name,
		ServiceVersion: version,
		Environment:    cfg.App.Env,
	})
	if err != nil {
		log.Error("failed to set up tracing", "error", err)
		return 1
	}
	defer func() {
		if err := shutdownTracing(context.Background()); err != nil {
			log.Warn("failed to flush traces", "error", err)
		}
	}()

	// ==========================================================================
	// Storage
	// ==========================================================================
	store, err := openStore(ctx, cfg, log)
	if err != nil {
		log.Error("failed to open store", "error", err)
		return 1
	}
	defer store.Close()

	infra, err := openRedis(ctx, cfg, log)
	if err != nil {
		log.Error("failed to connect to redis", "error", err)
		return 1
	}
	defer infra.Close()

	// ==========================================================================
	// Services
	// ==========================================================================
	hub := websocket.NewHub(log)

	adapters := app.NewDefaultAdapterFactory(app.AdapterOptions{
		LLMTimeout:           cfg.LLM.Timeout,
		LLMMaxRetries:        cfg.LLM.MaxRetries,
		LLMRequestsPerMinute: cfg.LLM.RequestsPerMinute,
		Cache:                infra.sourceCache,
	}, log)

	archiver, err := newArchiver(ctx, cfg, log)
	if err != nil {
		log.Error("failed to initialize archive storage", "error", err)
		return 1
	}

	notifier, err := notification.NewScanNotifierFromConfig(cfg.Notify, log)
	if err != nil {
		log.Error("failed to initialize notifications", "error", err)
		return 1
	}
	events := app.Publishers{hub}
	if notifier != nil {
		events = append(events, notifier)
		defer notifier.Close()
		log.Info("scan notifications enabled", "provider", cfg.Notify.Provider, "on", cfg.Notify.On)
	}

	orchestrator := app.NewScanOrchestrator(app.OrchestratorDeps{
		Scans:         store.scans,
		Analyses:      store.analyses,
		Configs:       store.configs,
		Defaults:      store.defaults,
		Adapters:      adapters,
		Events:        events,
		Archiver:      archiver,
		FindingDelay:  cfg.Triage.FindingDelay,
		ArchiveOnDone: archiver != nil,
	}, log)

	workers := newWorkers(cfg, infra, orchestrator, log)

	scanService := app.NewScanService(store.scans, store.analyses, store.configs, workers.runner, log)
	scanService.SetEventPublisher(events)
	configService := app.NewConfigurationService(store.configs, store.defaults, store.scans, adapters, log)
	defaultsService := app.NewDefaultsService(store.defaults, log)
	dashboardService := app.NewDashboardService(store.scans, store.analyses, log)

	// ==========================================================================
	// HTTP Server
	// ==========================================================================
	var validator middleware.TokenValidator
	if cfg.Auth.Enabled() {
		gen, err := jwt.NewGenerator(jwt.TokenConfig{Secret: cfg.Auth.JWTSecret, Issuer: cfg.Auth.JWTIssuer})
		if err != nil {
			log.Error("failed to initialize token validator", "error", err)
			return 1
		}
		validator = gen
	} else {
		log.Warn("AUTH_JWT_SECRET not set - the API is unauthenticated")
	}

	server, err := http.NewServer(cfg, log)
	if err != nil {
		log.Error("failed to create HTTP server", "error", err)
		return 1
	}

	healthOpts := []handler.HealthHandlerOption{handler.WithVersion(version)}
	if store.pinger != nil {
		healthOpts = append(healthOpts, handler.WithDatabase(store.pinger))
	}
	if infra.client != nil {
		healthOpts = append(healthOpts, handler.WithRedis(infra.client))
	}

	routes.Register(server.Router(), routes.Handlers{
		Health:        handler.NewHealthHandler(healthOpts...),
		Scan:          handler.NewScanHandler(scanService, log).WithToolVersion(version),
		Configuration: handler.NewConfigurationHandler(configService, log),
		Defaults:      handler.NewDefaultsHandler(defaultsService, log),
		Dashboard:     handler.NewDashboardHandler(dashboardService, log),
		WebSocket:     websocket.NewHandler(hub, cfg.CORS.AllowedOrigins, subjectOf, log),
	}, middleware.Auth(validator, log))

	if *showRoutes {
		if err := http.PrintRoutes(os.Stdout, http.CollectRoutes(server.Router()), *routeFormat); err != nil {
			log.Error("failed to print routes", "error", err)
			return 1
		}
		return 0
	}

	// ==========================================================================
	// Background work
	// ==========================================================================
	hubCtx, hubCancel := context.WithCancel(context.Background())
	defer hubCancel()
	go hub.Run(hubCtx)

	if err := workers.Start(ctx, scanService); err != nil {
		log.Error("failed to start workers", "error", err)
		return 1
	}

	// ==========================================================================
	// Serve until signaled
	// ==========================================================================
	serverErr := make(chan error, 1)
	go func() {
		serverErr <- server.Start()
	}()
	log.Info("application started", "http_addr", cfg.Server.Addr())

	exitCode := 0
	select {
	case <-ctx.Done():
	case err := <-serverErr:
		if err != nil {
			log.Error("server error", "error", err)
			exitCode = 1
		}
	}

	log.Info("shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("shutdown error", "error", err)
		exitCode = 1
	}
	workers.Stop(shutdownCtx)
	hubCancel()

	log.Info("application stopped")
	return exitCode
}

func subjectOf(r *nethttp.Request) string {
	return middleware.GetSubject(r.Context())
}
