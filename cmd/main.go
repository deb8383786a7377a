package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hikmahlabs/hikmah-backend/internal/data/db"
	"github.com/hikmahlabs/hikmah-backend/internal/data/repos"
	"github.com/hikmahlabs/hikmah-backend/internal/jobs/analysisqueue"
	"github.com/hikmahlabs/hikmah-backend/internal/platform/logger"
	"github.com/hikmahlabs/hikmah-backend/internal/services"
)

func main() {
	// Logger
	logMode := os.Getenv("LOG_MODE")
	if logMode == "" {
		logMode = "development"
	}
	log, err := logger.New(logMode)
	if err != nil {
		fmt.Printf("Failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	// Postgres
	postgresService, err := db.NewPostgresService(log)
	if err != nil {
		log.Fatal("Postgres init failed", "error", err)
	}
	if err = postgresService.AutoMigrateAll(); err != nil {
		log.Fatal("Postgres auto migration failed", "error", err)
	}
	thePG := postgresService.DB()

	// Repos
	log.Info("Setting up repos from main...")
	repoSet := repos.NewSet(thePG, log)

	// OpenAI client
	openAIClient, err := services.NewOpenAIClient(log)
	if err != nil {
		log.Fatal("OpenAI client init failed", "error", err)
	}

	// Services
	log.Info("Setting up services from main...")
	embeddingIndex := services.NewEmbeddingIndexService(thePG, repoSet, openAIClient, log)
	duplicateFilter := services.NewDuplicateFilter(openAIClient, log)
	memoryService := services.NewMemoryService(thePG, repoSet, log)
	consolidationService := services.NewConsolidationService(thePG, repoSet, openAIClient, embeddingIndex, log)
	analyzer := services.NewInteractionAnalyzer(
		thePG, repoSet, openAIClient,
		duplicateFilter, memoryService, consolidationService, embeddingIndex,
		log,
	)
	// Background analysis workers
	rootCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	queue := analysisqueue.New(analyzer, log)
	queue.Start(rootCtx)

	log.Info("Memory subsystem started")

	// Block until shutdown, then give in-flight analyses time to finish.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Info("Shutting down", "signal", sig.String())
	cancel()

	select {
	case <-queue.Done():
	case <-time.After(30 * time.Second):
		log.Warn("Timed out waiting for analysis queue to drain")
	}
}
