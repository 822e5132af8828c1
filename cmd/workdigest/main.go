package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	_ "golang.org/x/crypto/x509roots/fallback" // Embed CA certs for scratch container

	anthropicadapter "github.com/ericfisherdev/workdigest/internal/adapter/driven/anthropic"
	githubadapter "github.com/ericfisherdev/workdigest/internal/adapter/driven/github"
	jiraadapter "github.com/ericfisherdev/workdigest/internal/adapter/driven/jira"
	slackadapter "github.com/ericfisherdev/workdigest/internal/adapter/driven/slack"
	sqliteadapter "github.com/ericfisherdev/workdigest/internal/adapter/driven/sqlite"
	telegramadapter "github.com/ericfisherdev/workdigest/internal/adapter/driven/telegram"
	httphandler "github.com/ericfisherdev/workdigest/internal/adapter/driving/http"
	"github.com/ericfisherdev/workdigest/internal/application"
	"github.com/ericfisherdev/workdigest/internal/config"
	"github.com/ericfisherdev/workdigest/internal/domain/port/driven"
	"github.com/ericfisherdev/workdigest/internal/metrics"
)

func main() {
	if err := run(); err != nil {
		slog.Error("fatal error", "error", err)
		os.Exit(1)
	}
}

func run() error {
	// 1. Load configuration (.env files first, real environment wins).
	if err := config.LoadDotEnv(); err != nil {
		return err
	}
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	setupLogging(cfg)
	slog.Info("config loaded",
		"listen_addr", cfg.ListenAddr,
		"db_path", cfg.DBPath,
		"tick_interval", cfg.TickInterval,
		"summarizer", cfg.HasSummarizer(),
		"vault_unlocked", cfg.SecretKey != nil,
	)
	if cfg.SecretKey == nil {
		slog.Warn("WORKDIGEST_SECRET_KEY not set, sources cannot be connected or fetched")
	}
	if cfg.TelegramBotToken == "" {
		slog.Warn("WORKDIGEST_TELEGRAM_BOT_TOKEN not set, every delivery will fail")
	}

	// 2. Setup signal-based context (SIGINT, SIGTERM).
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 3. Open database (dual reader/writer with WAL mode).
	db, err := sqliteadapter.NewDB(ctx, cfg.DBPath)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := db.Close(); closeErr != nil {
			slog.Error("error closing database", "error", closeErr)
		}
	}()
	slog.Info("database opened", "path", cfg.DBPath)

	// 4. Run migrations on writer connection.
	if err := sqliteadapter.RunMigrations(db.Writer); err != nil {
		return err
	}
	slog.Info("migrations complete")

	// 5. Wire stores and metrics.
	ownerStore := sqliteadapter.NewOwnerRepo(db)
	sourceStore := sqliteadapter.NewSourceRepo(db)
	credentialStore := sqliteadapter.NewCredentialRepo(db)
	runStore := sqliteadapter.NewRunRepo(db)
	deliveryStore := sqliteadapter.NewDeliveryRepo(db)
	updateStore := sqliteadapter.NewUpdateRepo(db)

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(registry)

	// 6. Vault and connectors.
	vault, err := application.NewVault(cfg.SecretKey, credentialStore)
	if err != nil {
		return err
	}

	if len(os.Args) > 1 && os.Args[1] == "rotate-key" {
		return rotateKey(ctx, vault, cfg.SecretKey)
	}

	connectors := application.NewConnectorRegistry(
		githubadapter.NewConnector(),
		jiraadapter.NewConnector(nil, 0),
		slackadapter.NewConnector(nil, "", 0),
	)

	// 7. Pipeline stages.
	var backend driven.SummaryBackend
	if cfg.HasSummarizer() {
		backend = anthropicadapter.NewBackend(anthropicadapter.Config{
			APIKey: cfg.AnthropicAPIKey,
			Model:  cfg.AnthropicModel,
		})
		slog.Info("summarizer backend configured", "model", cfg.AnthropicModel)
	} else {
		slog.Info("no summarizer backend configured, digests use the fallback renderer")
	}

	channel := telegramadapter.NewChannel(cfg.TelegramBotToken, "", nil)

	aggregator := application.NewAggregator(connectors, cfg.FetchConcurrency, cfg.FetchTimeout, m)
	summarizer := application.NewSummarizer(backend, cfg.PromptBudget, cfg.SummarizeTimeout, m)
	dispatcher := application.NewDispatcher(channel, deliveryStore, application.DispatchConfig{
		MaxAttempts:    cfg.DeliveryMaxAttempts,
		InitialBackoff: cfg.DeliveryInitialBackoff,
		MaxBackoff:     cfg.DeliveryMaxBackoff,
	}, m)

	digests := application.NewDigestService(
		application.DigestStores{
			Owners:  ownerStore,
			Sources: sourceStore,
			Runs:    runStore,
			Updates: updateStore,
		},
		vault,
		aggregator,
		summarizer,
		dispatcher,
		channel,
		application.DigestConfig{
			MaxRunDuration:       cfg.MaxRunDuration,
			AuthFailureThreshold: cfg.AuthFailureThreshold,
			InitialLookback:      cfg.InitialLookback,
		},
		m,
	)

	// 8. Start the scheduler.
	scheduler := application.NewScheduler(ownerStore, runStore, digests, cfg.TickInterval, cfg.MaxRunDuration, m)
	schedulerDone := make(chan struct{})
	go func() {
		defer close(schedulerDone)
		scheduler.Start(ctx)
	}()

	// 9. HTTP API.
	sourceSvc := application.NewSourceService(ownerStore, sourceStore, vault, connectors)
	healthSvc := application.NewHealthService(db, runStore)

	apiHandler := httphandler.NewHandler(
		httphandler.Stores{
			Owners:     ownerStore,
			Sources:    sourceStore,
			Runs:       runStore,
			Deliveries: deliveryStore,
		},
		scheduler,
		sourceSvc,
		healthSvc,
		promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		slog.Default(),
	)

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           httphandler.NewServeMux(apiHandler, slog.Default()),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	go func() {
		slog.Info("http server starting", "addr", cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("http server error", "error", err)
			stop()
		}
	}()

	slog.Info("workdigest started",
		"listen_addr", cfg.ListenAddr,
		"tick_interval", cfg.TickInterval,
	)

	// 10. Wait for shutdown signal.
	<-ctx.Done()
	slog.Info("shutting down")

	// 11. Graceful shutdown: stop accepting requests, then wait for runs.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("http server shutdown error", "error", err)
	}

	<-schedulerDone
	if err := scheduler.Stop(shutdownCtx); err != nil {
		slog.Warn("digest runs still in flight at shutdown, they are marked failed on next start", "error", err)
	}

	slog.Info("shutdown complete")
	return nil
}

// rotateKey re-encrypts every stored credential under
// WORKDIGEST_NEW_SECRET_KEY. The operator swaps WORKDIGEST_SECRET_KEY
// afterwards.
func rotateKey(ctx context.Context, vault *application.Vault, oldKey []byte) error {
	newKey, err := config.ParseSecretKey("WORKDIGEST_NEW_SECRET_KEY", os.Getenv("WORKDIGEST_NEW_SECRET_KEY"))
	if err != nil {
		return err
	}
	if newKey == nil {
		return errors.New("rotate-key requires WORKDIGEST_NEW_SECRET_KEY")
	}

	if err := vault.RotateKey(ctx, oldKey, newKey); err != nil {
		return fmt.Errorf("rotate credential key: %w", err)
	}
	slog.Info("credentials re-encrypted, set WORKDIGEST_SECRET_KEY to the new key")
	return nil
}

// setupLogging installs the default slog handler.
func setupLogging(cfg *config.Config) {
	opts := &slog.HandlerOptions{Level: cfg.LogLevel}

	var handler slog.Handler
	if cfg.LogJSON {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	slog.SetDefault(slog.New(handler))
}
