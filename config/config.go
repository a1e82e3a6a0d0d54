package config

import (
	"fmt"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Config enthält alle Konfigurationsparameter aus Umgebungsvariablen.
type Config struct {
	DBHost     string `envconfig:"DB_HOST" required:"true"`
	DBPort     int    `envconfig:"DB_PORT" default:"5432"`
	DBUser     string `envconfig:"DB_USER" required:"true"`
	DBPassword string `envconfig:"DB_PASSWORD" required:"true"`
	DBName     string `envconfig:"DB_NAME" required:"true"`

	HTTPPort     string `envconfig:"HTTP_PORT" default:"4242"`
	APISecretKey string `envconfig:"API_SECRET_KEY"`

	OpenFDABaseURL string `envconfig:"OPENFDA_BASE_URL" default:"https://api.fda.gov/drug/label.json"`
	OpenFDAAPIKey  string `envconfig:"OPENFDA_API_KEY"`
	RxNormBaseURL  string `envconfig:"RXNORM_BASE_URL" default:"https://rxnav.nlm.nih.gov/REST"`

	HTTPTimeout      time.Duration `envconfig:"HTTP_TIMEOUT" default:"30s"`
	RetryMaxAttempts int           `envconfig:"RETRY_MAX_ATTEMPTS" default:"3"`
	RetryBaseDelay   time.Duration `envconfig:"RETRY_BASE_DELAY" default:"2s"`
	RetryMaxDelay    time.Duration `envconfig:"RETRY_MAX_DELAY" default:"10s"`

	// Ingestion
	SourcesFile    string `envconfig:"SOURCES_FILE" default:"config/sources.yaml"`
	IngestWorkers  int    `envconfig:"INGEST_WORKERS" default:"4"`
	CronSchedule   string `envconfig:"CRON_SCHEDULE" default:"0 3 * * *"`
	SeedSampleData bool   `envconfig:"SEED_SAMPLE_DATA" default:"false"`

	// Cache: ohne REDIS_URL wird ein In-Memory-Store verwendet
	RedisURL            string        `envconfig:"REDIS_URL"`
	CachePrefix         string        `envconfig:"CACHE_PREFIX" default:"drugnet"`
	InteractionCacheTTL time.Duration `envconfig:"INTERACTION_CACHE_TTL" default:"2h"`

	// Archiv der Ingestion-Reports (optional)
	ArchiveS3Key    string `envconfig:"ARCHIVE_S3_KEY"`
	ArchiveS3Secret string `envconfig:"ARCHIVE_S3_SECRET"`
	ArchiveS3URL    string `envconfig:"ARCHIVE_S3_URL"`
	ArchiveS3Region string `envconfig:"ARCHIVE_S3_REGION" default:"eu-central-1"`
	ArchiveS3Bucket string `envconfig:"ARCHIVE_S3_BUCKET"`

	// Graph-Spiegelung nach Neo4j (optional)
	Neo4jURI            string `envconfig:"NEO4J_URI"`
	Neo4jUser           string `envconfig:"NEO4J_USER" default:"neo4j"`
	Neo4jPassword       string `envconfig:"NEO4J_PASSWORD"`
	Neo4jDatabase       string `envconfig:"NEO4J_DATABASE"`
	Neo4jTimeoutSeconds int    `envconfig:"NEO4J_TIMEOUT_SECONDS" default:"10"`
	Neo4jMaxPoolSize    int    `envconfig:"NEO4J_MAX_POOL_SIZE" default:"50"`
}

// DSN gibt den Data Source Name für die PostgreSQL-Verbindung zurück.
func (c *Config) DSN() string {
	return fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%d sslmode=disable",
		c.DBHost, c.DBUser, c.DBPassword, c.DBName, c.DBPort)
}

// ArchiveEnabled meldet, ob Run-Reports nach S3 geschrieben werden sollen.
func (c *Config) ArchiveEnabled() bool {
	return c.ArchiveS3Bucket != "" && c.ArchiveS3URL != ""
}

// Validate prüft die Umgebungswerte, die envconfig selbst nicht abdeckt.
func (c *Config) Validate() error {
	v := &ValidationError{}
	if c.RetryMaxAttempts < 1 {
		v.add("RETRY_MAX_ATTEMPTS must be >= 1, got %d", c.RetryMaxAttempts)
	}
	if c.RetryBaseDelay <= 0 {
		v.add("RETRY_BASE_DELAY must be positive")
	}
	if c.RetryMaxDelay < c.RetryBaseDelay {
		v.add("RETRY_MAX_DELAY (%s) must not be below RETRY_BASE_DELAY (%s)", c.RetryMaxDelay, c.RetryBaseDelay)
	}
	if c.IngestWorkers < 1 {
		v.add("INGEST_WORKERS must be >= 1, got %d", c.IngestWorkers)
	}
	return v.orNil()
}

// Load lädt die Konfiguration aus den Umgebungsvariablen.
func Load() (*Config, error) {
	_ = godotenv.Load()
	var c Config
	if err := envconfig.Process("", &c); err != nil {
		return nil, &ValidationError{Problems: []string{err.Error()}}
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}
