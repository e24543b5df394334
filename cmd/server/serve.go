package main

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sagaler1/v-chatbot/internal/api"
	"github.com/sagaler1/v-chatbot/internal/audit"
	"github.com/sagaler1/v-chatbot/internal/auth"
	"github.com/sagaler1/v-chatbot/internal/chat"
	"github.com/sagaler1/v-chatbot/internal/database"
	"github.com/sagaler1/v-chatbot/internal/logging"
	"github.com/sagaler1/v-chatbot/internal/observability"
	"github.com/sagaler1/v-chatbot/internal/postprocess"
	"github.com/sagaler1/v-chatbot/internal/providers"
	"github.com/sagaler1/v-chatbot/internal/providers/openai"
	"github.com/sagaler1/v-chatbot/internal/repository/sqlstore"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

func runServe(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	log := logging.New(cfg.Logging)

	if cfg.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret (or JWT_SECRET) must be set")
	}
	if cfg.Provider.APIKey == "" {
		log.Warn("No provider API key configured; model calls will likely be rejected")
	}

	shutdownTracing, err := observability.SetupTracing(cfg.Tracing)
	if err != nil {
		return fmt.Errorf("failed to set up tracing: %w", err)
	}
	defer func() {
		if err := shutdownTracing(context.Background()); err != nil {
			log.WithError(err).Warn("Failed to flush traces")
		}
	}()

	if err := database.RunMigrations(cfg.Database); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	db, err := database.NewConnection(cfg.Database)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer db.Close()

	// Repositories
	users := sqlstore.NewUserRepository(db.DB)
	sessions := sqlstore.NewSessionRepository(db.DB)
	turns := sqlstore.NewTurnStore(db.DB)
	auditRepo := sqlstore.NewAuditLogRepository(db.DB)

	authService := auth.NewService(users, auth.NewJWTService(cfg.Auth.JWTSecret, "v-chatbot", cfg.Auth.TokenTTL))
	auditService := audit.NewService(auditRepo, log)

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := observability.NewMetrics(registry)

	provider, err := openai.NewProvider(cfg.Provider)
	if err != nil {
		return fmt.Errorf("failed to create provider: %w", err)
	}
	// Title and summary calls are optional work; they fail fast while the
	// cheap models are down.
	lowCost := providers.NewBreaker(provider, providers.BreakerConfig{
		FailureThreshold: uint32(cfg.Breaker.FailureThreshold),
		Cooldown:         cfg.Breaker.Cooldown,
	}, log)

	pubsub, err := postprocess.NewPubSub(ctx, cfg.PostProcess, log)
	if err != nil {
		return fmt.Errorf("failed to create task transport: %w", err)
	}
	defer func() {
		if err := pubsub.Close(); err != nil {
			log.WithError(err).Warn("Failed to close task transport")
		}
	}()

	worker := postprocess.NewWorker(turns, lowCost, postprocess.WorkerConfig{
		TitleModel:      cfg.Provider.TitleModel,
		SummaryModel:    cfg.Provider.SummaryModel,
		TitleMaxTurns:   cfg.PostProcess.TitleMaxTurns,
		SummaryMinTurns: cfg.PostProcess.SummaryMinTurns,
		TaskTimeout:     cfg.PostProcess.TaskTimeout,
	}, metrics, log)

	router, err := postprocess.NewRouter(pubsub.Subscriber, cfg.PostProcess.Topic, worker, log)
	if err != nil {
		return fmt.Errorf("failed to create task router: %w", err)
	}

	relay := chat.NewRelay(chat.RelayDeps{
		Verifier: authService,
		Sessions: sessions,
		Turns:    turns,
		Provider: provider,
		Tasks:    postprocess.NewQueue(pubsub.Publisher, cfg.PostProcess.Topic),
		Metrics:  metrics,
		Tokens:   observability.NewTokenCounter(log),
		Logger:   log,
	}, chat.Config{
		RecentTurns:    cfg.Chat.RecentTurns,
		IdleTimeout:    cfg.Chat.StreamIdleTimeout,
		PersistTimeout: cfg.Chat.PersistTimeout,
	})

	app := api.NewApp(cfg.Server, log)
	api.SetupRoutes(app, api.Deps{
		Config:   cfg,
		Auth:     authService,
		Audit:    auditService,
		Relay:    relay,
		Turns:    turns,
		Sessions: sessions,
		Gatherer: registry,
		Logger:   log,
	})

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return router.Run(gctx)
	})

	g.Go(func() error {
		select {
		case <-router.Running():
		case <-gctx.Done():
			return nil
		}
		log.WithFields(logrus.Fields{
			"addr":   cfg.Server.Addr(),
			"driver": cfg.Database.Driver,
			"redis":  cfg.PostProcess.Redis.Enabled,
		}).Info("v-chatbot starting")
		return app.Listen(cfg.Server.Addr())
	})

	g.Go(func() error {
		<-gctx.Done()
		log.Info("Shutting down")
		if err := app.ShutdownWithTimeout(cfg.Server.ShutdownTimeout); err != nil {
			log.WithError(err).Warn("HTTP shutdown did not complete cleanly")
		}

		// Exchanges still streaming are cut off here; they record their
		// output and submit their tasks before the queue and the database
		// close.
		drainCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout+cfg.Chat.PersistTimeout)
		defer cancel()
		if err := relay.Shutdown(drainCtx); err != nil {
			log.WithError(err).Warn("Chat exchanges did not finish before shutdown")
		}
		return router.Close()
	})

	if err := g.Wait(); err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}
