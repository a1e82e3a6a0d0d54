package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"strings"

	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"drugnet/cache"
	"drugnet/config"
	"drugnet/models"
	"drugnet/services"
	"drugnet/storage"
)

// sourceList sammelt wiederholte bzw. kommagetrennte -source-Angaben.
type sourceList []string

func (s *sourceList) String() string { return strings.Join(*s, ",") }

func (s *sourceList) Set(v string) error {
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			*s = append(*s, part)
		}
	}
	return nil
}

func main() {
	var selected sourceList
	list := flag.Bool("list", false, "List configured sources and exit")
	dryRun := flag.Bool("dry-run", false, "Run adapters without writing to the database")
	workers := flag.Int("workers", 0, "Maximum number of concurrent jobs (default INGEST_WORKERS)")
	sourcesFile := flag.String("sources", "", "Path to the sources file (default SOURCES_FILE)")
	flag.Var(&selected, "source", "Only run the given source names or fetcher aliases (repeatable)")
	flag.Parse()

	if *list {
		path := *sourcesFile
		if path == "" {
			path = os.Getenv("SOURCES_FILE")
		}
		if path == "" {
			path = "config/sources.yaml"
		}
		sources, err := config.LoadSources(path)
		if err != nil {
			log.Fatalf("Quellen-Datei ungültig: %v", err)
		}
		listSources(os.Stdout, sources)
		return
	}

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
	if *sourcesFile != "" {
		cfg.SourcesFile = *sourcesFile
	}
	sources, err := config.LoadSources(cfg.SourcesFile)
	if err != nil {
		logging.Fatal("Sources file invalid", zap.String("path", cfg.SourcesFile), zap.Error(err))
	}

	db, err := gorm.Open(postgres.Open(cfg.DSN()), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	if err != nil {
		logging.Fatal("Failed to connect to database", zap.Error(err))
	}
	if err := db.AutoMigrate(models.All()...); err != nil {
		logging.Fatal("Auto-migration failed", zap.Error(err))
	}

	var store cache.Store = cache.NewMemoryStore()
	if cfg.RedisURL != "" {
		if store, err = cache.NewRedisStore(ctx, cfg.RedisURL); err != nil {
			logging.Fatal("Redis unavailable", zap.Error(err))
		}
	}
	responseCache := cache.NewService(store, cfg.CachePrefix, nil, logging)
	defer responseCache.Close()

	ingestion := services.NewIngestionService(cfg, sources, services.NewStoreWriter(db, logging), responseCache, logging)
	ingestion.Outputs.Graphs = services.NewGraphBuilder(db)
	if archive, err := storage.NewReportArchive(ctx, cfg); err != nil {
		logging.Fatal("S3 client creation failed", zap.Error(err))
	} else if archive != nil {
		ingestion.Outputs.Reports = archive
	}
	if mirror, err := storage.NewGraphMirror(ctx, cfg, logging); err != nil {
		logging.Warn("Neo4j mirror disabled", zap.Error(err))
	} else if mirror != nil {
		ingestion.Outputs.Mirror = mirror
		defer mirror.Close(context.Background())
	}

	report, err := ingestion.Run(ctx, services.RunOptions{Sources: selected, DryRun: *dryRun, Workers: *workers})
	if err != nil {
		logging.Fatal("Ingestion run aborted", zap.Error(err))
	}
	summarize(os.Stdout, report)
}

func listSources(w io.Writer, sources *config.Sources) {
	for _, name := range sources.Names() {
		src := sources.Sources[name]
		status := "disabled"
		if src.Enabled {
			status = "enabled"
		}
		fmt.Fprintf(w, "%s [%s] -> %s\n", name, status, src.Fetcher)
	}
}

func summarize(w io.Writer, report *services.RunReport) {
	succeeded, failed := 0, 0
	for _, r := range report.Sources {
		switch r.Status {
		case services.StatusLoaded, services.StatusCaptured:
			succeeded++
		case services.StatusSkipped, services.StatusFiltered, services.StatusEmpty:
		default:
			failed++
		}
		fmt.Fprintf(w, "  %-16s %-16s rows=%d canonical=%d\n", r.Source, r.Status, r.Rows, r.Canonical)
	}
	fmt.Fprintf(w, "Completed run %s (%s): %d succeeded, %d failed out of %d configured sources, %d interactions\n",
		report.RunID, report.Status, succeeded, failed, len(report.Sources), report.Interactions)
}
