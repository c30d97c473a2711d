package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"imagine/internal/accounting"
	"imagine/internal/adapter/repo"
	"imagine/internal/engine"
	"imagine/internal/http/handlers"
	httpapi "imagine/internal/http/httpapi"
	"imagine/internal/infra"
	"imagine/internal/mediastore"
	"imagine/internal/orchestrator"
	"imagine/internal/prompt"
)

func main() {
	_ = godotenv.Load()

	cfg, err := infra.LoadConfig()
	if err != nil {
		panic(err)
	}
	logger := infra.NewLogger(cfg.AppEnv)

	ctx := context.Background()
	dbpool, err := infra.NewDBPool(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect database")
	}
	defer dbpool.Close()

	if err := repo.EnsureSchema(ctx, dbpool); err != nil {
		logger.Fatal().Err(err).Msg("failed to ensure schema")
	}

	redisClient, err := infra.NewRedisClient(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect redis")
	}
	if redisClient != nil {
		defer redisClient.Close()
	}

	imaginations := repo.NewImaginationRepository(dbpool)
	bulks := repo.NewBulkRepository(dbpool)
	audits := repo.NewAuditRepository(dbpool)

	ledger := accounting.NewClient(accounting.Options{
		BaseURL: cfg.AccountingBaseURL,
		APIKey:  cfg.AccountingAPIKey,
		Redis:   redisClient,
		Logger:  &logger,
	})

	store, err := buildStore(cfg, &logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize media store")
	}

	enricher := buildEnricher(cfg, &logger)

	registry := engine.NewRegistry(buildEngines(cfg, &logger)...)

	orch := orchestrator.NewOrchestrator(orchestrator.Options{
		Repo:         imaginations,
		Audit:        audits,
		Engines:      registry,
		Ledger:       ledger,
		Store:        store,
		Enrich:       enricher,
		Logger:       &logger,
		RetryCeiling: cfg.RetryCeiling,
		WaitTimeout:  cfg.WaitTimeout,
	})
	bulk := orchestrator.NewBulk(orchestrator.BulkOptions{
		Bulks:        bulks,
		Imaginations: imaginations,
		Audit:        audits,
		Orchestrator: orch,
		Logger:       &logger,
	})

	app := &handlers.App{
		Orchestrator: orch,
		Bulk:         bulk,
		Imaginations: imaginations,
		Engines:      registry,
		Ledger:       ledger,
		Logger:       &logger,
	}

	router := httpapi.NewRouter(app)
	server := infra.NewHTTPServer(cfg, router)

	go func() {
		logger.Info().Msgf("API listening on :%s", cfg.Port)
		if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("http server failed")
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTPIdleTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("failed to shutdown server")
	}
	logger.Info().Msg("server stopped")
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

func buildEnricher(cfg *infra.Config, logger *infra.Logger) prompt.Enricher {
	if cfg.PromptProvider == "openai" && cfg.OpenAIAPIKey != "" {
		enricher, err := prompt.NewOpenAIEnricher(prompt.OpenAIOptions{
			APIKey:  cfg.OpenAIAPIKey,
			Model:   cfg.OpenAIModel,
			BaseURL: cfg.OpenAIBaseURL,
		})
		if err == nil {
			return enricher
		}
		logger.Warn().Err(err).Msg("openai enricher unavailable, using static enricher")
	}
	return prompt.NewStaticEnricher()
}
