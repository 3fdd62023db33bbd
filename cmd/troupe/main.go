// Command troupe runs the pipeline execution engine: the REST control
// surface, the WebSocket event feed, the NATS notification fan-out and the
// optional MCP server, all in front of a single-active-run engine.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/troupehq/troupe/internal/adapter/chromem"
	"github.com/troupehq/troupe/internal/adapter/hybrid"
	tphttp "github.com/troupehq/troupe/internal/adapter/http"
	"github.com/troupehq/troupe/internal/adapter/litellm"
	"github.com/troupehq/troupe/internal/adapter/mcp"
	tpnats "github.com/troupehq/troupe/internal/adapter/nats"
	"github.com/troupehq/troupe/internal/adapter/natskv"
	otelad "github.com/troupehq/troupe/internal/adapter/otel"
	"github.com/troupehq/troupe/internal/adapter/postgres"
	"github.com/troupehq/troupe/internal/adapter/queuesink"
	"github.com/troupehq/troupe/internal/adapter/registry"
	"github.com/troupehq/troupe/internal/adapter/ristretto"
	"github.com/troupehq/troupe/internal/adapter/tiered"
	"github.com/troupehq/troupe/internal/adapter/ws"
	"github.com/troupehq/troupe/internal/config"
	"github.com/troupehq/troupe/internal/domain/pipeline"
	"github.com/troupehq/troupe/internal/logger"
	"github.com/troupehq/troupe/internal/middleware"
	portcache "github.com/troupehq/troupe/internal/port/cache"
	"github.com/troupehq/troupe/internal/resilience"
	"github.com/troupehq/troupe/internal/secrets"
	"github.com/troupehq/troupe/internal/service"
)

const version = "0.1.0"

func main() {
	if len(os.Args) > 1 && os.Args[1] == "admin" {
		if err := runAdmin(os.Args[2:]); err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
		return
	}

	if err := run(os.Args[1:]); err != nil {
		slog.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	flags, err := config.ParseFlags(args)
	if err != nil {
		return err
	}
	cfg, cfgPath, err := config.LoadWithCLI(flags)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	log, logCloser := logger.New(cfg.Logging)
	slog.SetDefault(log)
	defer logCloser.Close()

	slog.Info("config loaded",
		"path", cfgPath,
		"port", cfg.Server.Port,
		"log_level", cfg.Logging.Level,
		"default_mode", cfg.Engine.DefaultMode,
	)

	ctx := context.Background()

	// --- Telemetry ---
	otelShutdown, err := otelad.Setup(ctx, cfg.Telemetry, cfg.Logging.Service, version)
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelShutdown(shutdownCtx); err != nil {
			slog.Warn("telemetry shutdown", "error", err)
		}
	}()

	// --- Secrets ---
	// API keys come through the vault so *_FILE mounts work and SIGHUP
	// reloads take effect without a restart.
	vault, err := secrets.NewVault(secrets.EnvLoader(
		"TROUPE_GENERATION_API_KEY",
		"TROUPE_REGISTRY_API_KEY",
	))
	if err != nil {
		return fmt.Errorf("secrets: %w", err)
	}
	genKey := keyFunc(vault, "TROUPE_GENERATION_API_KEY", cfg.Generation.APIKey)
	regKey := keyFunc(vault, "TROUPE_REGISTRY_API_KEY", cfg.Registry.APIKey)

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	go func() {
		for range hup {
			if err := vault.Reload(); err != nil {
				slog.Error("reload secrets", "error", err)
				continue
			}
			slog.Info("secrets reloaded", "keys", len(vault.Keys()))
		}
	}()

	// --- Infrastructure ---
	pool, err := postgres.NewPool(ctx, cfg.Postgres)
	if err != nil {
		return fmt.Errorf("postgres: %w", err)
	}
	defer pool.Close()

	if err := postgres.RunMigrations(ctx, cfg.Postgres.DSN); err != nil {
		return fmt.Errorf("migrations: %w", err)
	}
	slog.Info("postgres ready")

	queue, err := tpnats.Connect(ctx, cfg.NATS.URL)
	if err != nil {
		return fmt.Errorf("nats: %w", err)
	}
	defer func() {
		if err := queue.Drain(); err != nil {
			slog.Warn("drain queue", "error", err)
		}
	}()

	// --- Participant cache ---
	l1, err := ristretto.New(cfg.Cache.MaxSizeMB * 1024 * 1024)
	if err != nil {
		return fmt.Errorf("cache: %w", err)
	}
	defer l1.Close()
	var resolverCache portcache.Cache = l1
	if cfg.Cache.Shared {
		kv, err := queue.KeyValue(ctx, cfg.Cache.SharedBucket, cfg.Registry.CacheTTL)
		if err != nil {
			return fmt.Errorf("shared cache bucket: %w", err)
		}
		resolverCache = tiered.New(l1, natskv.New(kv), cfg.Registry.CacheTTL)
	}

	// --- Collaborators ---
	breaker := resilience.NewBreaker(cfg.Breaker.MaxFailures, cfg.Breaker.Timeout)
	gen := litellm.NewClient(cfg.Generation, genKey)
	gen.SetBreaker(breaker)

	index, err := chromem.New(cfg.Retrieval, gen)
	if err != nil {
		return fmt.Errorf("semantic index: %w", err)
	}
	records := hybrid.New(postgres.NewRecordStore(pool), index)

	resolver := registry.New(cfg.Registry, regKey, resolverCache)
	// Separate breaker per upstream: a failing registry must not trip the
	// generation circuit, and vice versa.
	resolver.SetBreaker(resilience.NewBreaker(cfg.Breaker.MaxFailures, cfg.Breaker.Timeout))

	pipelineStore := postgres.NewPipelineStore(pool)
	if err := registerDefinitions(ctx, pipelineStore, cfg.Engine.PipelineDir); err != nil {
		return fmt.Errorf("pipelines: %w", err)
	}

	hub := ws.NewHub(cfg.Server.CORSOrigin)
	outSink := queuesink.New(queue)
	eventStore := postgres.NewEventStore(pool)
	runArchive := postgres.NewRunStore(pool)

	// --- Engine ---
	engine := service.NewEngine(
		pipelineStore, resolver, gen, records, outSink,
		queue, hub, eventStore, runArchive, &cfg.Engine,
	)
	if metrics, err := otelad.NewMetrics(); err != nil {
		slog.Warn("metric instruments", "error", err)
	} else {
		engine.SetTelemetry(metrics)
	}
	if err := engine.LoadHistory(ctx); err != nil {
		slog.Warn("load run history", "error", err)
	}
	cancelSubs, err := engine.StartSubscribers(ctx)
	if err != nil {
		return fmt.Errorf("subscribers: %w", err)
	}
	defer func() {
		for _, cancel := range cancelSubs {
			cancel()
		}
	}()

	// --- HTTP ---
	authSvc := service.NewAuthService(&cfg.Auth)
	handlers := &tphttp.Handlers{
		Engine:    engine,
		Pipelines: pipelineStore,
		Records:   records,
	}

	r := chi.NewRouter()
	r.Use(tphttp.CORS(cfg.Server.CORSOrigin))
	r.Use(tphttp.SecurityHeaders)
	r.Use(middleware.RequestID)
	r.Use(tphttp.Logger)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(chimw.Timeout(60 * time.Second))
	if cfg.Telemetry.Enabled {
		r.Use(otelad.HTTPMiddleware(cfg.Logging.Service))
	}
	r.Use(middleware.Auth(authSvc))

	r.Get("/health", tphttp.HealthHandler(version))
	r.Get("/ready", tphttp.ReadinessHandler(map[string]tphttp.HealthCheck{
		"postgres": pool.Ping,
		"nats": func(context.Context) error {
			if !queue.IsConnected() {
				return fmt.Errorf("not connected")
			}
			return nil
		},
		"generation": gen.Health,
	}))
	r.Get("/ws", hub.HandleWS)

	tphttp.MountRoutes(r, handlers)

	// --- MCP ---
	if cfg.MCP.Enabled {
		mcpServer := mcp.NewServer(
			mcp.ServerConfig{
				Addr:    ":" + cfg.MCP.Port,
				Name:    "troupe",
				Version: version,
				APIKey:  cfg.MCP.APIKey,
			},
			mcp.ServerDeps{Engine: engine, Pipelines: pipelineStore},
		)
		if err := mcpServer.Start(); err != nil {
			return fmt.Errorf("mcp: %w", err)
		}
		defer func() {
			stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := mcpServer.Stop(stopCtx); err != nil {
				slog.Warn("mcp shutdown", "error", err)
			}
		}()
	}

	addr := ":" + cfg.Server.Port
	srv := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGTERM)

	go func() {
		slog.Info("server listening", "addr", addr, "auth", authSvc.Enabled())
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server failed", "error", err)
		}
	}()

	<-done
	slog.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	// An in-flight run is aborted so its terminal state is archived before
	// the process exits.
	if err := engine.AbortRun(shutdownCtx); err == nil {
		if err := engine.AwaitIdle(shutdownCtx); err != nil {
			slog.Warn("await run shutdown", "error", err)
		}
	}

	return srv.Shutdown(shutdownCtx)
}

// keyFunc reads an API key from the vault on every call, falling back to the
// value loaded from config.
func keyFunc(vault *secrets.Vault, key, fallback string) func() string {
	return func() string {
		if v := vault.Get(key); v != "" {
			return v
		}
		return fallback
	}
}

// registerDefinitions seeds the pipeline store with the builtin definitions
// and any YAML definitions found in dir.
func registerDefinitions(ctx context.Context, store *postgres.PipelineStore, dir string) error {
	for _, p := range pipeline.BuiltinPipelines() {
		if err := store.Save(ctx, &p); err != nil {
			return fmt.Errorf("save builtin %s: %w", p.ID, err)
		}
	}
	fromDir, err := pipeline.LoadFromDirectory(dir)
	if err != nil {
		return err
	}
	for _, p := range fromDir {
		if err := store.Save(ctx, &p); err != nil {
			return fmt.Errorf("save pipeline %s: %w", p.ID, err)
		}
	}
	if len(fromDir) > 0 {
		slog.Info("file pipelines registered", "dir", dir, "count", len(fromDir))
	}
	return nil
}
