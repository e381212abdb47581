// Package config provides configuration loading from environment variables.
package config

import (
	"errors"
	"io/fs"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
)

// ServiceConfig holds configuration shared by the API and the retry worker.
type ServiceConfig struct {
	Port             string
	APIKey           string
	RunLocal         bool
	DispatchTable    string
	IdempotencyTable string

	// IdempotencyTTL expires idempotency items after the window. 0 keeps them
	// forever. Above 0, a key reused after expiry creates a second dispatch
	// record and sends a second code.
	IdempotencyTTL time.Duration

	RetryQueueURL    string
	DestinationsFile string
	MaxAttempts      int
	BackoffInitial   time.Duration
	BackoffMax       time.Duration
	MetricsNamespace string
	// MetricsFlush is how often long-running processes publish buffered
	// CloudWatch datums.
	MetricsFlush    time.Duration
	LogLevel        string
	ShutdownTimeout time.Duration
}

// LoadServiceConfig loads service configuration from environment variables.
func LoadServiceConfig() *ServiceConfig {
	apiKey := GetEnv("API_KEY", "")
	if file := GetEnv("API_KEY_FILE", ""); file != "" {
		apiKey = GetSecretFile(file)
	}

	return &ServiceConfig{
		Port:             GetEnv("PORT", "8080"),
		APIKey:           apiKey,
		RunLocal:         GetBoolEnv("RUN_LOCAL", false),
		DispatchTable:    GetEnv("DISPATCH_TABLE", "Dispatches"),
		IdempotencyTable: GetEnv("IDEMPOTENCY_TABLE", "DispatchIdempotency"),
		IdempotencyTTL:   GetDurationEnv("IDEMPOTENCY_TTL", 0),
		RetryQueueURL:    GetEnv("RETRY_QUEUE_URL", ""),
		DestinationsFile: GetEnv("DESTINATIONS_FILE", "destinations.yaml"),
		MaxAttempts:      GetIntEnv("MAX_ATTEMPTS", 8),
		BackoffInitial:   GetDurationEnv("BACKOFF_INITIAL", 30*time.Second),
		BackoffMax:       GetDurationEnv("BACKOFF_MAX", 24*time.Hour),
		MetricsNamespace: GetEnv("METRICS_NAMESPACE", "CodeDispatch"),
		MetricsFlush:     GetDurationEnv("METRICS_FLUSH_INTERVAL", 10*time.Second),
		LogLevel:         GetEnv("LOG_LEVEL", "info"),
		ShutdownTimeout:  GetDurationEnv("SHUTDOWN_TIMEOUT", 10*time.Second),
	}
}

// LoadDotEnv loads a .env file for local runs. A missing file is not an error.
func LoadDotEnv(paths ...string) {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			logrus.WithError(err).WithField("path", p).Warn("failed to load env file")
		}
	}
}

// SetupLogging configures the standard logrus logger for JSON output.
func SetupLogging(level string) {
	logrus.SetFormatter(&logrus.JSONFormatter{TimestampFormat: time.RFC3339Nano})
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		logrus.WithField("level", level).Warn("unknown log level, using info")
		lvl = logrus.InfoLevel
	}
	logrus.SetLevel(lvl)
}
