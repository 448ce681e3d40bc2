package healthctl

import (
	"os"
	"strconv"
	"time"

	"github.com/google/uuid"
)

type Config struct {
	MasterAppID string // Required: master application id registered with the platform

	PlatformURL string // Optional: default platform endpoint used until provisioning binds an instance
	ShellURL    string // Optional: default Shell endpoint
	RESTURL     string // Optional: REST API root

	IsMultiRecordApp   bool // Optional: forwarded to the Shell consent flows (default: false)
	MultiInstanceAware bool // Optional: appends aib=true to provisioning URLs (default: false)

	DatabaseFile string // Optional: path to the SQLite object store (default: ./healthlink.db)

	RetryCount     int           // Optional: retries on HTTP 500 (default: 2)
	RetrySleep     time.Duration // Optional: sleep between 500 retries (default: 1s)
	RequestTimeout time.Duration // Optional: per-request timeout (default: 30s)

	Env       string // Environment (dev, staging, prod) (default: dev)
	LogLevel  string // Log level (debug, info, warn, error) (default: info)
	LogFormat string // Log format (json, text) (default: text)
}

func LoadConfig() Config {
	return Config{
		MasterAppID:        os.Getenv("HEALTHLINK_MASTER_APP_ID"),
		PlatformURL:        getEnvOrDefault("HEALTHLINK_PLATFORM_URL", ""),
		ShellURL:           getEnvOrDefault("HEALTHLINK_SHELL_URL", ""),
		RESTURL:            getEnvOrDefault("HEALTHLINK_REST_URL", ""),
		IsMultiRecordApp:   getEnvBoolOrDefault("HEALTHLINK_MULTI_RECORD", false),
		MultiInstanceAware: getEnvBoolOrDefault("HEALTHLINK_MULTI_INSTANCE", false),
		DatabaseFile:       getEnvOrDefault("HEALTHLINK_DATABASE_FILE", "healthlink.db"),
		RetryCount:         getEnvIntOrDefault("HEALTHLINK_RETRY_COUNT", 2),
		RetrySleep:         getEnvDurationOrDefault("HEALTHLINK_RETRY_SLEEP", time.Second),
		RequestTimeout:     getEnvDurationOrDefault("HEALTHLINK_REQUEST_TIMEOUT", 30*time.Second),
		Env:                getEnvOrDefault("ENV", "dev"),
		LogLevel:           getEnvOrDefault("LOG_LEVEL", "info"),
		LogFormat:          getEnvOrDefault("LOG_FORMAT", "text"),
	}
}

// Validate checks the required fields.
func (c Config) Validate() error {
	_, err := uuid.Parse(c.MasterAppID)
	return err
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBoolOrDefault(key string, defaultValue bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	if b, err := strconv.ParseBool(value); err == nil {
		return b
	}
	return defaultValue
}

func getEnvIntOrDefault(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	if intValue, err := strconv.Atoi(value); err == nil {
		return intValue
	}
	return defaultValue
}

func getEnvDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	if duration, err := time.ParseDuration(value); err == nil {
		return duration
	}
	return defaultValue
}
