package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	LogLevel string

	// Record store
	RecordStore      string // memory | postgres
	PostgresHost     string
	PostgresPort     string
	PostgresUser     string
	PostgresPassword string
	PostgresDB       string
	PostgresSSLMode  string
	// PostgresConn is a full DSN that overrides the parts above.
	PostgresConn string

	// Redis counters (optional)
	RedisHost     string
	RedisPort     string
	RedisPassword string
	RedisDB       int

	// Kafka lifecycle events (optional)
	KafkaBrokers []string
	KafkaTopic   string

	// Blob store
	BlobStore      string // local | minio
	LocalStoreDir  string
	MinIOEndpoint  string
	MinIOAccessKey string
	MinIOSecretKey string
	MinIOBucket    string
	MinIOUseSSL    bool
	SigningKey     string
	SignBaseURL    string

	// Retry envelope
	RetryAttempts  int
	RetryBaseDelay time.Duration
	RPCTimeout     time.Duration

	XT File
}

func Load() *Config {
	return &Config{
		LogLevel: getEnv("LOG_LEVEL", "info"),

		RecordStore:      getEnv("XT_RECORD_STORE", "postgres"),
		PostgresHost:     getEnv("POSTGRES_HOST", "localhost"),
		PostgresPort:     getEnv("POSTGRES_PORT", "5432"),
		PostgresUser:     getEnv("POSTGRES_USER", "xt"),
		PostgresPassword: getEnv("POSTGRES_PASSWORD", ""),
		PostgresDB:       getEnv("POSTGRES_DB", "xt"),
		PostgresSSLMode:  getEnv("POSTGRES_SSLMODE", "disable"),
		PostgresConn:     getEnv("XT_POSTGRES_DSN", ""),

		RedisHost:     getEnv("REDIS_HOST", ""),
		RedisPort:     getEnv("REDIS_PORT", "6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getIntEnv("REDIS_DB", 0),

		KafkaBrokers: getStringSliceEnv("KAFKA_BROKERS", nil),
		KafkaTopic:   getEnv("KAFKA_TOPIC", "xt-lifecycle"),

		BlobStore:      getEnv("XT_BLOB_STORE", "local"),
		LocalStoreDir:  getEnv("XT_LOCAL_STORE_DIR", defaultStoreDir()),
		MinIOEndpoint:  getEnv("MINIO_ENDPOINT", ""),
		MinIOAccessKey: getEnv("MINIO_ACCESS_KEY", ""),
		MinIOSecretKey: getEnv("MINIO_SECRET_KEY", ""),
		MinIOBucket:    getEnv("MINIO_BUCKET", "xt-store"),
		MinIOUseSSL:    getBoolEnv("MINIO_USE_SSL", false),
		SigningKey:     getEnv("XT_SIGNING_KEY", ""),
		SignBaseURL:    getEnv("XT_SIGN_BASE_URL", "http://localhost:18861/blobs"),

		RetryAttempts:  getIntEnv("XT_RETRY_ATTEMPTS", 5),
		RetryBaseDelay: getDuration("XT_RETRY_BASE_DELAY", 100*time.Millisecond),
		RPCTimeout:     getDuration("XT_RPC_TIMEOUT", 10*time.Second),

		XT: DefaultFile(),
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getStringSliceEnv(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		var out []string
		for _, part := range strings.Split(value, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
		return out
	}
	return defaultValue
}

func getDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

func defaultStoreDir() string {
	if h := os.Getenv("HOME"); h != "" {
		return h + "/.xt/store"
	}
	return "/tmp/xt/store"
}
