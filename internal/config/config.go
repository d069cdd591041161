// Package config provides configuration management functionality.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/joho/godotenv"

	"github.com/aristath/darwin/internal/modules/settings"
)

// Config holds application configuration. Structural knobs live here;
// runtime tunables live in the settings database and can change without
// a restart.
type Config struct {
	DataDir  string // Base directory for all databases (always absolute)
	Port     int
	LogLevel string
	DevMode  bool

	// Exchange connectivity. PaperTrading routes all orders through the
	// in-process paper exchange regardless of credentials.
	PaperTrading      bool
	ExchangeBaseURL   string
	ExchangeWSURL     string
	ExchangeAPIKey    string
	ExchangeAPISecret string

	// Trading universe
	Symbols   []string
	Timeframe string

	// Cloud backups (optional - disabled unless fully configured)
	Backup BackupConfig
}

// BackupConfig holds object store credentials for cloud backups.
type BackupConfig struct {
	Endpoint        string
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	Bucket          string
	RetentionDays   int
}

// Enabled reports whether enough is configured to reach a bucket.
func (b BackupConfig) Enabled() bool {
	return b.Bucket != "" && b.AccessKeyID != "" && b.SecretAccessKey != ""
}

// Load reads configuration from environment variables
func Load() (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load()

	dataDir := getEnv("DARWIN_DATA_DIR", "")
	if dataDir == "" {
		dataDir = "./data"
	}

	absDataDir, err := filepath.Abs(dataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve data directory path: %w", err)
	}
	if err := os.MkdirAll(absDataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	cfg := &Config{
		DataDir:  absDataDir,
		Port:     getEnvAsInt("DARWIN_PORT", 8080),
		LogLevel: getEnv("LOG_LEVEL", "info"),
		DevMode:  getEnvAsBool("DEV_MODE", false),

		PaperTrading:      getEnvAsBool("PAPER_TRADING", true),
		ExchangeBaseURL:   getEnv("EXCHANGE_BASE_URL", "https://api.exchange.coinbase.com"),
		ExchangeWSURL:     getEnv("EXCHANGE_WS_URL", "wss://ws-feed.exchange.coinbase.com"),
		ExchangeAPIKey:    getEnv("EXCHANGE_API_KEY", ""),
		ExchangeAPISecret: getEnv("EXCHANGE_API_SECRET", ""),

		Symbols:   splitList(getEnv("SYMBOLS", "BTC-USD,ETH-USD")),
		Timeframe: getEnv("TIMEFRAME", "5m"),

		Backup: BackupConfig{
			Endpoint:        getEnv("BACKUP_S3_ENDPOINT", ""),
			Region:          getEnv("BACKUP_S3_REGION", ""),
			AccessKeyID:     getEnv("BACKUP_S3_ACCESS_KEY_ID", ""),
			SecretAccessKey: getEnv("BACKUP_S3_SECRET_ACCESS_KEY", ""),
			Bucket:          getEnv("BACKUP_S3_BUCKET", ""),
			RetentionDays:   getEnvAsInt("BACKUP_RETENTION_DAYS", 30),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// UpdateFromSettings overlays credentials stored in the settings database.
// Non-empty settings values take precedence over environment variables so
// credentials can be rotated through the control surface.
func (c *Config) UpdateFromSettings(repo *settings.Repository) error {
	apiKey, err := repo.Get("exchange_api_key")
	if err != nil {
		return fmt.Errorf("failed to get exchange_api_key from settings: %w", err)
	}
	if apiKey != nil && *apiKey != "" {
		c.ExchangeAPIKey = *apiKey
	}

	apiSecret, err := repo.Get("exchange_api_secret")
	if err != nil {
		return fmt.Errorf("failed to get exchange_api_secret from settings: %w", err)
	}
	if apiSecret != nil && *apiSecret != "" {
		c.ExchangeAPISecret = *apiSecret
	}

	return nil
}

// Validate checks if required configuration is present
func (c *Config) Validate() error {
	if len(c.Symbols) == 0 {
		return fmt.Errorf("at least one trading symbol is required")
	}
	if !c.PaperTrading && (c.ExchangeAPIKey == "" || c.ExchangeAPISecret == "") {
		return fmt.Errorf("exchange API credentials required when paper trading is disabled")
	}
	return nil
}

// Helper functions
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

func splitList(value string) []string {
	var out []string
	for _, part := range strings.Split(value, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
