package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"imagine/internal/accounting"
	"imagine/internal/adapter/repo"
	"imagine/internal/engine"
	"imagine/internal/infra"
	"imagine/internal/mediastore"
	"imagine/internal/orchestrator"
)

func main() {
	_ = godotenv.Load()

	cfg, err := infra.LoadConfig()
	if err != nil {
		panic(err)
	}
	logger := infra.NewLogger(cfg.AppEnv)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := infra.NewDBPool(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("worker: db connection failed")
	}
	defer pool.Close()

	if err := repo.EnsureSchema(ctx, pool); err != nil {
		logger.Fatal().Err(err).Msg("worker: schema bootstrap failed")
	}

	redisClient, err := infra.NewRedisClient(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("worker: redis connection failed")
	}
	if redisClient != nil {
		defer redisClient.Close()
	}

	imaginations := repo.NewImaginationRepository(pool)
	bulks := repo.NewBulkRepository(pool)
	audits := repo.NewAuditRepository(pool)

	ledger := accounting.NewClient(accounting.Options{
		BaseURL: cfg.AccountingBaseURL,
		APIKey:  cfg.AccountingAPIKey,
		Redis:   redisClient,
		Logger:  &logger,
	})

	store, err := buildStore(cfg, &logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("worker: media store init failed")
	}

	registry := engine.NewRegistry(buildEngines(cfg, &logger)...)

	orch := orchestrator.NewOrchestrator(orchestrator.Options{
		Repo:         imaginations,
		Audit:        audits,
		Engines:      registry,
		Ledger:       ledger,
		Store:        store,
		Logger:       &logger,
		RetryCeiling: cfg.RetryCeiling,
		WaitTimeout:  cfg.WaitTimeout,
	})
	orchestrator.NewBulk(orchestrator.BulkOptions{
		Bulks:        bulks,
		Imaginations: imaginations,
		Audit:        audits,
		Orchestrator: orch,
		Logger:       &logger,
	})

	poller := orchestrator.NewPoller(orchestrator.PollerOptions{
		Repo:         imaginations,
		Orchestrator: orch,
		Logger:       &logger,
		Interval:     cfg.PollInterval,
	})

	logger.Info().Dur("interval", cfg.PollInterval).Msg("worker: poll loop started")
	if err := poller.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Fatal().Err(err).Msg("worker: poll loop failed")
	}
	logger.Info().Msg("worker stopped")
}

func buildEngines(cfg *infra.Config, logger *infra.Logger) []engine.Engine {
	engines := []engine.Engine{
		engine.NewMidjourney(engine.MidjourneyOptions{
			BaseURL:     cfg.MidjourneyBaseURL,
			Token:       cfg.MidjourneyToken,
			WebhookBase: cfg.PublicBaseURL,
			BasePrice:   cfg.BaseImagePrice,
			Logger:      logger,
		}),
		engine.NewDalle(engine.DalleOptions{
			APIKey:    cfg.OpenAIAPIKey,
			BaseURL:   cfg.OpenAIBaseURL,
			BasePrice: cfg.BaseImagePrice,
			Logger:    logger,
		}),
	}
	engines = append(engines, engine.NewReplicateEngines(engine.ReplicateOptions{
		BaseURL:     cfg.ReplicateBaseURL,
		Token:       cfg.ReplicateToken,
		WebhookBase: cfg.PublicBaseURL,
		BasePrice:   cfg.BaseImagePrice,
		Logger:      logger,
	})...)
	return engines
}

func buildStore(cfg *infra.Config, logger *infra.Logger) (mediastore.Store, error) {
	if cfg.MediaBaseURL != "" {
		return mediastore.NewHTTPStore(mediastore.HTTPStoreOptions{
			BaseURL: cfg.MediaBaseURL,
			APIKey:  cfg.MediaAPIKey,
			Logger:  logger,
		})
	}
	return mediastore.NewFileStore(cfg.StoragePath, cfg.StorageBaseURL)
}
