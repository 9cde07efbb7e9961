package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all configuration for the server
type Config struct {
	Server    ServerConfig
	Storage   StorageConfig
	Auth      AuthConfig
	Cache     CacheConfig
	Logging   LoggingConfig
	Metrics   MetricsConfig
	RateLimit RateLimitConfig
	Security  SecurityConfig
	Proxy     ProxyConfig
	Verifier  VerifierConfig
	Chain     ChainConfig
	Claims    ClaimsConfig
	Reconcile ReconcileConfig
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port           int
	Host           string
	ReadTimeout    int // seconds
	WriteTimeout   int // seconds
	IdleTimeout    int // seconds
	RequestTimeout int // seconds
}

// StorageConfig holds storage configuration
type StorageConfig struct {
	Type     string // "sqlite" or "postgres"
	Postgres PostgresConfig
	SQLite   SQLiteConfig
	Blobs    BlobsConfig
}

// PostgresConfig holds Postgres connection settings
type PostgresConfig struct {
	URL string
}

// SQLiteConfig holds SQLite settings
type SQLiteConfig struct {
	Path string
}

// BlobsConfig holds plot image storage settings
type BlobsConfig struct {
	Type     string // "none", "filesystem", "s3", "azure"
	BasePath string // for filesystem
	S3       S3Config
	Azure    AzureConfig
}

// AzureConfig holds Azure Blob Storage settings for plot images
type AzureConfig struct {
	ConnectionString string
	Container        string
}

// S3Config holds S3 bucket settings for plot images
type S3Config struct {
	Bucket          string
	Region          string
	Prefix          string
	Endpoint        string // optional, for S3-compatible stores
	AccessKeyID     string
	SecretAccessKey string
}

// AuthConfig holds authentication settings
type AuthConfig struct {
	Type string // "none" or "api-key"
}

// CacheConfig holds the idempotency guard cache settings
type CacheConfig struct {
	Enabled    bool
	Size       int
	TTLSeconds int
}

// LoggingConfig holds logging settings
type LoggingConfig struct {
	Level  string
	Format string // "text" or "json"
}

// MetricsConfig holds Prometheus settings
type MetricsConfig struct {
	Enabled bool
}

// RateLimitConfig holds rate limiting settings
type RateLimitConfig struct {
	Enabled        bool
	RequestsPerMin int
	BurstSize      int
	IdleMinutes    int
	MaxClients     int
	// Submissions and claims call out to the verifier and the chain, so they
	// get a separate, tighter bucket.
	WriteRequestsPerMin int
	WriteBurstSize      int
}

// SecurityConfig holds request size settings
type SecurityConfig struct {
	MaxBodySizeMB int
}

// ProxyConfig holds trusted proxy settings for X-Forwarded-For handling
type ProxyConfig struct {
	TrustProxy     bool
	TrustedProxies []string // CIDR notation
}

// VerifierConfig holds settings for the NDVI verification service
type VerifierConfig struct {
	URL            string
	TimeoutSeconds int
	MaxAttempts    int
	BackoffMillis  int
	RatePerSec     float64
}

// ChainConfig holds settings for claim submission on-chain
type ChainConfig struct {
	RPCURL                string
	PrivateKey            string // hex, optional; empty selects the development submitter
	ContractAddress       string
	Confirmations         int
	ConfirmTimeoutSeconds int
	PollIntervalMillis    int
	TokenDecimals         int
}

// ClaimsConfig holds claim orchestration settings
type ClaimsConfig struct {
	MaxAttempts   int
	BackoffMillis int
}

// ReconcileConfig holds reconciliation sweep settings
type ReconcileConfig struct {
	Enabled     bool
	Schedule    string // cron spec, e.g. "@every 1m"
	BatchLimit  int
	Concurrency int
}

// Load loads configuration from environment variables. A .env file in the
// working directory is read first when present; real environment variables win.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("loading .env: %w", err)
	}

	cfg := &Config{
		Server: ServerConfig{
			Port:           getEnvInt("PORT", 8080),
			Host:           getEnv("HOST", "0.0.0.0"),
			ReadTimeout:    getEnvInt("SERVER_READ_TIMEOUT", 30),
			WriteTimeout:   getEnvInt("SERVER_WRITE_TIMEOUT", 180),
			IdleTimeout:    getEnvInt("SERVER_IDLE_TIMEOUT", 120),
			RequestTimeout: getEnvInt("SERVER_REQUEST_TIMEOUT", 30),
		},
		Storage: StorageConfig{
			Type: getEnv("STORAGE_TYPE", "sqlite"),
			Postgres: PostgresConfig{
				URL: getEnv("DATABASE_URL", ""),
			},
			SQLite: SQLiteConfig{
				Path: getEnv("SQLITE_PATH", "./data/terraverify.db"),
			},
			Blobs: BlobsConfig{
				Type:     getEnv("BLOB_STORAGE_TYPE", "filesystem"),
				BasePath: getEnv("BLOB_STORAGE_PATH", "./data/plots"),
				S3: S3Config{
					Bucket:          getEnv("S3_BUCKET", ""),
					Region:          getEnv("S3_REGION", "us-east-1"),
					Prefix:          getEnv("S3_PREFIX", ""),
					Endpoint:        getEnv("S3_ENDPOINT", ""),
					AccessKeyID:     getEnv("S3_ACCESS_KEY_ID", ""),
					SecretAccessKey: getEnv("S3_SECRET_ACCESS_KEY", ""),
				},
				Azure: AzureConfig{
					ConnectionString: getEnv("AZURE_STORAGE_CONNECTION_STRING", ""),
					Container:        getEnv("AZURE_STORAGE_CONTAINER", "plots"),
				},
			},
		},
		Auth: AuthConfig{
			Type: getEnv("AUTH_TYPE", "none"),
		},
		Cache: CacheConfig{
			Enabled:    getEnvBool("GUARD_CACHE_ENABLED", true),
			Size:       getEnvInt("GUARD_CACHE_SIZE", 10000),
			TTLSeconds: getEnvInt("GUARD_CACHE_TTL_SECONDS", 3600),
		},
		Logging: LoggingConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
		},
		Metrics: MetricsConfig{
			Enabled: getEnvBool("METRICS_ENABLED", true),
		},
		RateLimit: RateLimitConfig{
			Enabled:        getEnvBool("RATE_LIMIT_ENABLED", true),
			RequestsPerMin: getEnvInt("RATE_LIMIT_RPM", 300),
			BurstSize:      getEnvInt("RATE_LIMIT_BURST", 50),
			IdleMinutes:    getEnvInt("RATE_LIMIT_IDLE_MINUTES", 10),
			MaxClients:     getEnvInt("RATE_LIMIT_MAX_CLIENTS", 10000),

			WriteRequestsPerMin: getEnvInt("RATE_LIMIT_WRITE_RPM", 30),
			WriteBurstSize:      getEnvInt("RATE_LIMIT_WRITE_BURST", 5),
		},
		Security: SecurityConfig{
			MaxBodySizeMB: getEnvInt("SECURITY_MAX_BODY_SIZE_MB", 5),
		},
		Proxy: ProxyConfig{
			TrustProxy:     getEnvBool("TRUST_PROXY", false),
			TrustedProxies: getEnvStringSlice("TRUSTED_PROXIES", []string{"10.0.0.0/8", "172.16.0.0/12", "192.168.0.0/16"}),
		},
		Verifier: VerifierConfig{
			URL:            getEnv("VERIFIER_URL", "http://localhost:5000"),
			TimeoutSeconds: getEnvInt("VERIFIER_TIMEOUT_SECONDS", 120),
			MaxAttempts:    getEnvInt("VERIFIER_MAX_ATTEMPTS", 3),
			BackoffMillis:  getEnvInt("VERIFIER_BACKOFF_MS", 500),
			RatePerSec:     getEnvFloat("VERIFIER_RATE_PER_SEC", 2),
		},
		Chain: ChainConfig{
			RPCURL:                getEnv("CHAIN_RPC_URL", "http://localhost:8545"),
			PrivateKey:            getEnv("CHAIN_PRIVATE_KEY", ""),
			ContractAddress:       getEnv("CLAIM_CONTRACT_ADDRESS", ""),
			Confirmations:         getEnvInt("CHAIN_CONFIRMATIONS", 1),
			ConfirmTimeoutSeconds: getEnvInt("CHAIN_CONFIRM_TIMEOUT_SECONDS", 120),
			PollIntervalMillis:    getEnvInt("CHAIN_POLL_INTERVAL_MS", 2000),
			TokenDecimals:         getEnvInt("TOKEN_DECIMALS", 18),
		},
		Claims: ClaimsConfig{
			MaxAttempts:   getEnvInt("CLAIM_MAX_ATTEMPTS", 3),
			BackoffMillis: getEnvInt("CLAIM_BACKOFF_MS", 1000),
		},
		Reconcile: ReconcileConfig{
			Enabled:     getEnvBool("RECONCILE_ENABLED", true),
			Schedule:    getEnv("RECONCILE_SCHEDULE", "@every 1m"),
			BatchLimit:  getEnvInt("RECONCILE_BATCH_LIMIT", 100),
			Concurrency: getEnvInt("RECONCILE_CONCURRENCY", 4),
		},
	}

	// If DATABASE_URL is set, default to postgres
	if cfg.Storage.Postgres.URL != "" && cfg.Storage.Type == "sqlite" {
		cfg.Storage.Type = "postgres"
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks settings that would otherwise fail later at runtime.
func (c *Config) Validate() error {
	if c.Verifier.MaxAttempts < 1 {
		return errors.New("VERIFIER_MAX_ATTEMPTS must be at least 1")
	}
	if c.Claims.MaxAttempts < 1 {
		return errors.New("CLAIM_MAX_ATTEMPTS must be at least 1")
	}
	if c.Chain.Confirmations < 0 {
		return errors.New("CHAIN_CONFIRMATIONS must not be negative")
	}
	if c.Chain.PrivateKey != "" && c.Chain.ContractAddress == "" {
		return errors.New("CLAIM_CONTRACT_ADDRESS is required when CHAIN_PRIVATE_KEY is set")
	}
	if c.Storage.Blobs.Type == "s3" && c.Storage.Blobs.S3.Bucket == "" {
		return errors.New("S3_BUCKET is required when BLOB_STORAGE_TYPE=s3")
	}
	if c.Storage.Blobs.Type == "azure" && c.Storage.Blobs.Azure.ConnectionString == "" {
		return errors.New("AZURE_STORAGE_CONNECTION_STRING is required when BLOB_STORAGE_TYPE=azure")
	}
	return nil
}

// ConfirmTimeout returns the chain confirmation deadline.
func (c ChainConfig) ConfirmTimeout() time.Duration {
	return time.Duration(c.ConfirmTimeoutSeconds) * time.Second
}

// PollInterval returns the receipt polling interval.
func (c ChainConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalMillis) * time.Millisecond
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return strings.ToLower(value) == "true" || value == "1"
	}
	return defaultValue
}

func getEnvStringSlice(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		parts := strings.Split(value, ",")
		result := make([]string, 0, len(parts))
		for _, p := range parts {
			if trimmed := strings.TrimSpace(p); trimmed != "" {
				result = append(result, trimmed)
			}
		}
		if len(result) > 0 {
			return result
		}
	}
	return defaultValue
}
