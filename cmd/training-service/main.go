package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/synaptica-ai/cardiorisk/pkg/bootstrap"
	"github.com/synaptica-ai/cardiorisk/pkg/common/config"
	"github.com/synaptica-ai/cardiorisk/pkg/common/database"
	"github.com/synaptica-ai/cardiorisk/pkg/common/logger"
	"github.com/synaptica-ai/cardiorisk/pkg/gateway/middleware"
	"github.com/synaptica-ai/cardiorisk/pkg/ingestion"
	"github.com/synaptica-ai/cardiorisk/pkg/observability/metrics"
	"github.com/synaptica-ai/cardiorisk/pkg/serving"
	"github.com/synaptica-ai/cardiorisk/pkg/training"
)

func main() {
	logger.Init()
	cfg := config.Load()

	db, err := database.GetPostgres(cfg)
	if err != nil {
		logger.Log.WithError(err).Fatal("Failed to connect to database")
	}
	defer database.ClosePostgres()

	jobRepo := training.NewRepository(db)
	runRepo := ingestion.NewRepository(db)
	for _, migrate := range []func() error{jobRepo.AutoMigrate, runRepo.AutoMigrate} {
		if err := migrate(); err != nil {
			logger.Log.WithError(err).Fatal("Failed to migrate tables")
		}
	}

	norm, err := bootstrap.Normalizer(cfg, nil, nil)
	if err != nil {
		logger.Log.WithError(err).Fatal("Failed to initialize normalizer")
	}
	ingest := ingestion.NewService(norm, ingestion.NewValidator(cfg.IngestSources), runRepo, nil, nil, cfg.IngestWorkers)

	startCtx, cancelStart := context.WithTimeout(context.Background(), 30*time.Second)
	store, err := bootstrap.ArtifactStore(startCtx, cfg)
	cancelStart()
	if err != nil {
		logger.Log.WithError(err).Fatal("Failed to initialize artifact store")
	}
	registry := serving.NewRegistry(cfg.ModelName, store)

	trainingCfg, err := bootstrap.TrainingConfig(cfg, norm)
	if err != nil {
		logger.Log.WithError(err).Fatal("Failed to resolve training configuration")
	}
	service, err := training.NewService(jobRepo, registry, ingest, trainingCfg)
	if err != nil {
		logger.Log.WithError(err).Fatal("Failed to initialize training service")
	}

	router := mux.NewRouter()
	router.HandleFunc("/health", healthCheck).Methods("GET")
	router.Handle("/metrics", metrics.Handler()).Methods("GET")
	training.NewHTTPHandler(service).Register(router)

	var handler http.Handler = router
	handler = middleware.BodyLimit(cfg.MaxRequestBody)(handler)
	handler = middleware.Logging(handler)
	handler = middleware.Recovery(handler)

	server := &http.Server{
		Addr:    fmt.Sprintf("%s:%s", cfg.ServerHost, "8088"),
		Handler: handler,
	}

	go func() {
		logger.Log.WithFields(map[string]interface{}{
			"host": cfg.ServerHost,
			"port": "8088",
		}).Info("Training Service started")

		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Log.WithError(err).Fatal("Failed to start server")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Log.Info("Shutting down Training Service...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.Log.WithError(err).Error("Server forced to shutdown")
	}
	service.Wait()

	logger.Log.Info("Training Service stopped")
}

func healthCheck(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"healthy"}`))
}
