package main

import (
	"context"
	"log"
	"net/http"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"drugnet/cache"
	"drugnet/config"
	"drugnet/models"
	"drugnet/providers"
	"drugnet/providers/openfda"
	"drugnet/services"
	"drugnet/storage"
)

func main() {
	logging, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("can't initialize zap logger: %v", err)
	}
	defer logging.Sync()
	ctx := context.Background()

	cfg, err := config.Load()
	if err != nil {
		logging.Fatal("Config load error", zap.Error(err))
	}
	sources, err := config.LoadSources(cfg.SourcesFile)
	if err != nil {
		logging.Fatal("Sources file invalid", zap.String("path", cfg.SourcesFile), zap.Error(err))
	}

	// Setup Database
	db, err := gorm.Open(postgres.Open(cfg.DSN()), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	if err != nil {
		logging.Fatal("Failed to connect to database", zap.Error(err))
	}
	logging.Info("Successfully connected to database.")

	logging.Info("Running database auto-migration...")
	if err := db.AutoMigrate(models.All()...); err != nil {
		logging.Fatal("Auto-migration failed", zap.Error(err))
	}
	if cfg.SeedSampleData {
		if _, err := services.SeedSampleData(ctx, db, logging); err != nil {
			logging.Warn("Seeding skipped", zap.Error(err))
		}
	}

	// Setup Cache
	responseCache, err := newCache(ctx, cfg, logging)
	if err != nil {
		logging.Fatal("Cache setup failed", zap.Error(err))
	}
	defer responseCache.Close()

	// Setup Services
	writer := services.NewStoreWriter(db, logging)
	graphs := services.NewGraphBuilder(db)
	ingestion := services.NewIngestionService(cfg, sources, writer, responseCache, logging)
	ingestion.Outputs.Graphs = graphs

	archive, err := storage.NewReportArchive(ctx, cfg)
	if err != nil {
		logging.Fatal("S3 client creation failed", zap.Error(err))
	}
	if archive != nil {
		ingestion.Outputs.Reports = archive
		logging.Info("Run reports archived to S3", zap.String("bucket", cfg.ArchiveS3Bucket))
	}
	mirror, err := storage.NewGraphMirror(ctx, cfg, logging)
	if err != nil {
		logging.Warn("Neo4j mirror disabled", zap.Error(err))
	}
	if mirror != nil {
		ingestion.Outputs.Mirror = mirror
		defer mirror.Close(context.Background())
	}

	labels := providers.NewResilient(openfda.NewFetcher("openfda", cfg, logging), responseCache, ingestion.RetryPolicy(), 0, logging)

	a := &app{
		cfg:       cfg,
		drugs:     services.NewDrugService(db),
		graphs:    graphs,
		analysis:  services.NewAnalysisService(labels, responseCache, logging),
		evidence:  services.NewEvidenceService(db),
		ingestion: ingestion,
		log:       logging,
	}
	router := setupRouter(a)

	// Setup Cron
	cronScheduler := cron.New()
	if _, err := cronScheduler.AddFunc(cfg.CronSchedule, func() {
		logging.Info("Running scheduled ingestion...")
		report, err := ingestion.Run(context.Background(), services.RunOptions{})
		if err != nil {
			logging.Error("Cron job failed", zap.Error(err))
			return
		}
		logging.Info("Cron job completed", zap.String("run_id", report.RunID), zap.String("status", report.Status))
	}); err != nil {
		logging.Fatal("Invalid cron schedule", zap.String("schedule", cfg.CronSchedule), zap.Error(err))
	}
	cronScheduler.Start()
	defer cronScheduler.Stop()

	logging.Info("Starting server", zap.String("port", cfg.HTTPPort))
	srv := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           router,
		ReadTimeout:       30 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	if err := srv.ListenAndServe(); err != nil {
		logging.Fatal("Failed to run server", zap.Error(err))
	}
}

// newCache nimmt Redis, wenn REDIS_URL gesetzt ist, sonst einen In-Memory-Store.
func newCache(ctx context.Context, cfg *config.Config, logging *zap.Logger) (*cache.Service, error) {
	ttls := map[string]time.Duration{}
	if cfg.InteractionCacheTTL > 0 {
		ttls[cache.NamespaceInteraction] = cfg.InteractionCacheTTL
	}

	var store cache.Store = cache.NewMemoryStore()
	if cfg.RedisURL != "" {
		rs, err := cache.NewRedisStore(ctx, cfg.RedisURL)
		if err != nil {
			return nil, err
		}
		store = rs
		logging.Info("Using Redis response cache")
	}
	return cache.NewService(store, cfg.CachePrefix, ttls, logging), nil
}
