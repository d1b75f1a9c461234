package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/worldwormmap/wwm-stack/common/database"
	"github.com/worldwormmap/wwm-stack/common/logging"
	"github.com/worldwormmap/wwm-stack/common/messaging"
	natsclient "github.com/worldwormmap/wwm-stack/common/messaging/nats"
	"github.com/worldwormmap/wwm-stack/common/middleware"
	"github.com/worldwormmap/wwm-stack/samples/internal/accession"
	"github.com/worldwormmap/wwm-stack/samples/internal/affiliation"
	"github.com/worldwormmap/wwm-stack/samples/internal/auditlog"
	"github.com/worldwormmap/wwm-stack/samples/internal/auth"
	"github.com/worldwormmap/wwm-stack/samples/internal/config"
	"github.com/worldwormmap/wwm-stack/samples/internal/events"
	"github.com/worldwormmap/wwm-stack/samples/internal/handlers"
	"github.com/worldwormmap/wwm-stack/samples/internal/ingest"
	"github.com/worldwormmap/wwm-stack/samples/internal/kobo"
	"github.com/worldwormmap/wwm-stack/samples/internal/normalizer"
	"github.com/worldwormmap/wwm-stack/samples/internal/repository"
	"github.com/worldwormmap/wwm-stack/samples/internal/scheduler"
	"github.com/worldwormmap/wwm-stack/samples/internal/searchindex"
	"github.com/worldwormmap/wwm-stack/samples/internal/server"
	"github.com/worldwormmap/wwm-stack/samples/internal/service"
)

func main() {
	// Parse command-line flags
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid config: %v", err)
	}

	// Initialize structured logging
	logger := logging.New(
		logging.ParseLevel(cfg.Logging.Level),
		cfg.Logging.Format,
	).With(logging.Service("samples"))
	logging.SetDefault(logger)

	slog.Info("Starting samples service",
		slog.Int("port", cfg.Server.Port),
		slog.String("environment", cfg.Environment),
		slog.String("log_level", cfg.Logging.Level),
	)

	connString := cfg.Database.Postgres.ConnString()

	// Run database migrations
	if cfg.Database.AutoMigrate {
		slog.Info("Running database migrations", slog.String("dir", cfg.Database.MigrationsDir))
		if err := database.MigrateUp(cfg.Database.MigrationsDir, connString); err != nil {
			log.Fatalf("Failed to run migrations: %v", err)
		}
	}

	// Initialize repository
	repo, err := repository.NewPostgresRepository(context.Background(), connString)
	if err != nil {
		log.Fatalf("Failed to connect to PostgreSQL: %v", err)
	}
	defer repo.Close()

	// Accession cache (optional)
	var cache *redis.Client
	if cfg.Redis.Enabled {
		cache, err = accession.NewRedisClient(context.Background(), cfg.Redis.URL)
		if err != nil {
			slog.Warn("Failed to connect to Redis (continuing without accession cache)", logging.Error(err))
			cache = nil
		} else {
			defer cache.Close()
		}
	}

	// NATS (optional - service works without it)
	var publisher messaging.Publisher = messaging.NoopPublisher{}
	if cfg.NATS.Enabled {
		natsCfg := natsclient.DefaultConfig()
		natsCfg.URL = cfg.NATS.URL
		natsCfg.MaxReconnects = cfg.NATS.MaxReconnects
		natsCfg.ReconnectWait = cfg.NATS.ReconnectWait

		natsClient, err := natsclient.NewClient(natsCfg)
		if err != nil {
			slog.Warn("Failed to connect to NATS (continuing without NATS)",
				slog.String("url", cfg.NATS.URL),
				logging.Error(err))
		} else {
			slog.Info("Connected to NATS", slog.String("url", cfg.NATS.URL))
			publisher = natsClient
		}
	} else {
		slog.Info("NATS messaging disabled")
	}
	defer publisher.Close()
	eventPublisher := events.NewPublisher(publisher)

	// OpenSearch (optional)
	var index *searchindex.OpenSearchIndex
	if cfg.OpenSearch.Enabled {
		index, err = searchindex.NewOpenSearchIndex(searchindex.Config{
			URL:      cfg.OpenSearch.URL,
			Username: cfg.OpenSearch.Username,
			Password: cfg.OpenSearch.Password,
			Insecure: cfg.OpenSearch.Insecure,
			Index:    cfg.OpenSearch.Index,
		})
		if err == nil {
			err = index.EnsureIndex(context.Background())
		}
		if err != nil {
			slog.Warn("OpenSearch unavailable (continuing without search index)", logging.Error(err))
			index = nil
		} else {
			slog.Info("Connected to OpenSearch", slog.String("url", cfg.OpenSearch.URL), slog.String("index", cfg.OpenSearch.Index))
		}
	}

	audit := auditlog.NewWriter(cfg.Audit.Secret)
	koboClient := kobo.NewClient(kobo.Config{
		BaseURL:  cfg.Kobo.BaseURL,
		AssetUID: cfg.Kobo.AssetUID,
		Token:    cfg.Kobo.Token,
		Timeout:  cfg.Kobo.Timeout,
	})
	if !koboClient.Configured() {
		slog.Warn("Kobo source not configured; ingestion runs will fetch nothing")
	}

	validator := accession.NewValidator(accession.Config{
		Enabled:  cfg.NCBI.Enabled,
		BaseURL:  cfg.NCBI.BaseURL,
		Timeout:  cfg.NCBI.Timeout,
		CacheTTL: cfg.NCBI.CacheTTL,
	}, cache, logger.Logger)

	ingestOpts := []ingest.Option{
		ingest.WithEvents(eventPublisher),
		ingest.WithDevelopment(cfg.IsDevelopment()),
	}
	svcOpts := []service.Option{service.WithEvents(eventPublisher)}
	if index != nil {
		ingestOpts = append(ingestOpts, ingest.WithIndexer(index))
		svcOpts = append(svcOpts, service.WithIndexer(index))
		defer index.Close()
	}

	orchestrator := ingest.New(koboClient, repo,
		normalizer.New(logger.Logger),
		affiliation.NewResolver(logger.Logger),
		audit, logger.Logger, ingestOpts...)
	svc := service.NewService(repo, audit, validator, logger.Logger, svcOpts...)

	// Daily ingestion scheduler
	shutdownCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sched, err := scheduler.NewScheduler(orchestrator, cfg.Ingest.Hour, cfg.Ingest.Minute, logger.Logger)
	if err != nil {
		log.Fatalf("Failed to create scheduler: %v", err)
	}
	if cfg.Ingest.SchedulerEnabled {
		sched.Start(shutdownCtx)
	} else {
		slog.Info("ingestion scheduler disabled")
	}

	h := handlers.NewHandler(svc, orchestrator,
		auth.NewAuthorizer(auth.Keys{Admin: cfg.Auth.AdminKey, Curator: cfg.Auth.CuratorKey}),
		logger.Logger).
		WithScheduler(sched).
		WithDevelopment(cfg.IsDevelopment()).
		WithFrontend(cfg.FrontendDir)

	cors := middleware.CORSConfig{AllowedOrigins: middleware.ParseOrigins(cfg.CORS.Origins)}

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      server.NewRouter(h, cors, logger.Logger),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		slog.Info("samples service listening", slog.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	<-shutdownCtx.Done()
	slog.Info("shutdown signal received")

	sched.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("graceful shutdown failed", logging.Error(err))
	}
	slog.Info("Server stopped gracefully")
}
