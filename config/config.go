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
	DBName     string `envconfig:"DB_NAME" default:"catalogDB"`

	HTTPPort     string `envconfig:"HTTP_PORT" default:"8000"`
	APISecretKey string `envconfig:"API_SECRET_KEY"`

	// Analyse-Verzeichnis (git working tree) und Vorlage für neue Analysen
	AnalysisDir      string `envconfig:"ANALYSIS_DIR" default:"./dataset_analysis"`
	AnalysisTemplate string `envconfig:"ANALYSIS_TEMPLATE" default:"analysis_example.toml"`

	GitURL          string        `envconfig:"GIT_URL" default:"https://gitlab.liberouter.org/monitoring/katoda-datasets"`
	GitRemote       string        `envconfig:"GIT_REMOTE" default:"origin"`
	GitBranch       string        `envconfig:"GIT_BRANCH" default:"main"`
	GitTimeout      time.Duration `envconfig:"GIT_TIMEOUT" default:"5m"`
	GitSyncSchedule string        `envconfig:"GIT_SYNC_SCHEDULE" default:"*/15 * * * *"`

	PublishWorkers int `envconfig:"PUBLISH_WORKERS" default:"1"`
	PublishQueue   int `envconfig:"PUBLISH_QUEUE" default:"64"`

	// Objektspeicher: s3, minio oder none
	ObjectStore string        `envconfig:"OBJECT_STORE" default:"s3"`
	S3URL       string        `envconfig:"S3_URL" default:"https://s3.liberouter.org"`
	S3Region    string        `envconfig:"S3_REGION" default:"us-east-1"`
	S3AccessKey string        `envconfig:"S3_ACCESS_KEY"`
	S3SecretKey string        `envconfig:"S3_SECRET_KEY"`
	S3Bucket    string        `envconfig:"S3_BUCKET" default:"katoda"`
	S3UseSSL    bool          `envconfig:"S3_USE_SSL" default:"true"`
	PresignTTL  time.Duration `envconfig:"PRESIGN_TTL" default:"1h"`
}

// DSN gibt den Data Source Name für die PostgreSQL-Verbindung zurück.
func (c *Config) DSN() string {
	return fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%d sslmode=disable",
		c.DBHost, c.DBUser, c.DBPassword, c.DBName, c.DBPort)
}

// Load lädt die Konfiguration aus den Umgebungsvariablen.
func Load() (*Config, error) {
	_ = godotenv.Load()
	var c Config
	err := envconfig.Process("", &c)
	return &c, err
}
