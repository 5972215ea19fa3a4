package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/synaptica-ai/cardiorisk/pkg/bootstrap"
	"github.com/synaptica-ai/cardiorisk/pkg/common/apperr"
	"github.com/synaptica-ai/cardiorisk/pkg/common/config"
	"github.com/synaptica-ai/cardiorisk/pkg/common/database"
	"github.com/synaptica-ai/cardiorisk/pkg/common/kafka"
	"github.com/synaptica-ai/cardiorisk/pkg/common/logger"
	"github.com/synaptica-ai/cardiorisk/pkg/explain"
	"github.com/synaptica-ai/cardiorisk/pkg/gateway/middleware"
	"github.com/synaptica-ai/cardiorisk/pkg/ingestion"
	"github.com/synaptica-ai/cardiorisk/pkg/normalizer"
	"github.com/synaptica-ai/cardiorisk/pkg/observability/metrics"
	"github.com/synaptica-ai/cardiorisk/pkg/report"
	"github.com/synaptica-ai/cardiorisk/pkg/serving"
	"github.com/synaptica-ai/cardiorisk/pkg/storage"
)

func main() {
	logger.Init()
	cfg := config.Load()

	db, err := database.GetPostgres(cfg)
	if err != nil {
		logger.Log.WithError(err).Fatal("Failed to connect to database")
	}
	defer database.ClosePostgres()

	rowRepo := normalizer.NewRepository(db)
	logRepo := serving.NewRepository(db)
	runRepo := ingestion.NewRepository(db)
	for _, migrate := range []func() error{rowRepo.AutoMigrate, logRepo.AutoMigrate, runRepo.AutoMigrate} {
		if err := migrate(); err != nil {
			logger.Log.WithError(err).Fatal("Failed to migrate tables")
		}
	}

	redisClient := database.GetRedis(cfg)
	defer database.CloseRedis()
	featureStore := storage.NewFeatureStore(redisClient, cfg.FeatureStorePrefix, cfg.FeatureStoreCacheTTL)

	var publisher kafka.Publisher
	if cfg.ReportTopic != "" {
		producer := kafka.NewProducer(cfg.KafkaBrokers, cfg.ReportTopic)
		defer producer.Close()
		publisher = producer
	}

	var dlq kafka.Publisher
	if cfg.DLQTopic != "" {
		dlqProducer := kafka.NewProducer(cfg.KafkaBrokers, cfg.DLQTopic)
		defer dlqProducer.Close()
		dlq = dlqProducer
	}

	norm, err := bootstrap.Normalizer(cfg, rowRepo, nil)
	if err != nil {
		logger.Log.WithError(err).Fatal("Failed to initialize normalizer")
	}

	startCtx, cancelStart := context.WithTimeout(context.Background(), 30*time.Second)
	store, err := bootstrap.ArtifactStore(startCtx, cfg)
	if err != nil {
		cancelStart()
		logger.Log.WithError(err).Fatal("Failed to initialize artifact store")
	}
	registry := serving.NewRegistry(cfg.ModelName, store)
	if _, err := registry.Load(startCtx); errors.Is(err, apperr.ErrNotFound) {
		logger.Log.WithField("model", cfg.ModelName).Warn("No model artifact yet, reports unavailable until one is trained")
	} else if err != nil {
		logger.Log.WithError(err).Error("Failed to load model artifact")
	}
	cancelStart()

	extractor, err := bootstrap.Extractor(cfg)
	if err != nil {
		logger.Log.WithError(err).Fatal("Failed to initialize entity extractor")
	}
	explainers, err := explain.NewCache(cfg.ExplanationCacheSize)
	if err != nil {
		logger.Log.WithError(err).Fatal("Failed to initialize explanation cache")
	}

	reports, err := report.NewService(report.Deps{
		Normalizer: norm,
		Registry:   registry,
		Explainers: explainers,
		Extractor:  extractor,
		Cache:      featureStore,
		Rows:       rowRepo,
		Logs:       logRepo,
		Publisher:  publisher,
	}, report.Options{PredictionTimeout: cfg.PredictionTimeout})
	if err != nil {
		logger.Log.WithError(err).Fatal("Failed to initialize report service")
	}

	validator := ingestion.NewValidator(cfg.IngestSources)
	ingest := ingestion.NewService(norm, validator, runRepo, featureStore, dlq, cfg.IngestWorkers)

	router := mux.NewRouter()
	router.HandleFunc("/health", healthCheck).Methods("GET")
	router.Handle("/metrics", metrics.Handler()).Methods("GET")
	report.NewHTTPHandler(reports, cfg.MaxRequestBody).Register(router)
	ingestion.NewHTTPHandler(ingest, cfg.MaxRequestBody).Register(router)

	var handler http.Handler = router
	handler = middleware.BodyLimit(cfg.MaxRequestBody)(handler)
	handler = middleware.RateLimit(cfg.GatewayRateLimitRPS, cfg.GatewayRateLimitBurst)(handler)
	handler = middleware.CORS(handler)
	handler = middleware.Logging(handler)
	handler = middleware.Recovery(handler)

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%s", cfg.ServerHost, cfg.ServerPort),
		Handler:      handler,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}

	consumeCtx, stopConsumer := context.WithCancel(context.Background())
	defer stopConsumer()
	if cfg.BundleTopic != "" {
		consumer := kafka.NewConsumer(cfg.KafkaBrokers, cfg.BundleTopic, cfg.KafkaGroupID)
		defer consumer.Close()
		go func() {
			logger.Log.WithField("topic", cfg.BundleTopic).Info("Consuming patient bundles")
			if err := consumer.Consume(consumeCtx, reports.HandleBundleEvent); err != nil && !errors.Is(err, context.Canceled) {
				logger.Log.WithError(err).Error("Bundle consumer stopped")
			}
		}()
	}

	if cfg.ModelReload > 0 {
		go watchModel(consumeCtx, registry, cfg.ModelReload)
	}
	if cfg.IngestRunTTL > 0 {
		go cleanupRuns(consumeCtx, runRepo, cfg.IngestRunTTL)
	}

	go func() {
		logger.Log.WithFields(map[string]interface{}{
			"host": cfg.ServerHost,
			"port": cfg.ServerPort,
		}).Info("Serving Service started")

		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Log.WithError(err).Fatal("Failed to start server")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Log.Info("Shutting down Serving Service...")
	stopConsumer()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.Log.WithError(err).Error("Server forced to shutdown")
	}

	logger.Log.Info("Serving Service stopped")
}

func healthCheck(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"healthy"}`))
}

// cleanupRuns drops ingestion run records older than ttl once an hour.
func cleanupRuns(ctx context.Context, repo *ingestion.Repository, ttl time.Duration) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		if err := repo.CleanupExpired(ctx, ttl); err != nil && ctx.Err() == nil {
			logger.Log.WithError(err).Warn("Failed to clean up ingestion runs")
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// watchModel installs newer artifacts written by the training service.
func watchModel(ctx context.Context, registry *serving.Registry, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if _, err := registry.Load(ctx); err != nil && !errors.Is(err, apperr.ErrNotFound) && ctx.Err() == nil {
			logger.Log.WithError(err).Warn("Model reload failed")
		}
	}
}
