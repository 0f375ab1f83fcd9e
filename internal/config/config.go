package config

import (
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// Config holds application configuration.
type Config struct {
	AppName     string
	AppVersion  string
	Environment string
	HTTPAddr    string

	OTLPEndpoint string

	DBType            string
	DBHost            string
	DBPort            string
	DBName            string
	DBUser            string
	DBPassword        string
	DBSSLMode         string
	DBMaxIdleConn     int
	DBMaxOpenConn     int
	DBConnMaxLifetime int

	RateLimit RateLimitConfig
	Gate      GateConfig
	Usage     UsageConfig

	PlanConfigPath string
	DefaultTier    string
}

// RateLimitConfig selects and configures the counter store backend.
type RateLimitConfig struct {
	Backend       string // "memory" or "redis"
	RedisAddr     string
	RedisPassword string
	RedisDB       int
}

// GateConfig controls admission policy knobs.
type GateConfig struct {
	// FailOpen admits requests when the credential or counter store is
	// unreachable. Default is fail-closed: quota enforcement is never
	// silently disabled.
	FailOpen bool
	// ResourceEnvironment is the environment the protected resources of
	// this deployment are declared in.
	ResourceEnvironment string
}

// UsageConfig sizes the asynchronous usage pipeline.
type UsageConfig struct {
	QueueSize     int
	FlushInterval int // seconds
	TopEndpoints  int
}

// Load loads configuration from environment variables and .env file.
func Load() Config {
	_ = godotenv.Load()

	return Config{
		AppName:     getenv("APP_SERVICE", "apigate"),
		AppVersion:  getenv("APP_VERSION", "0.1.0"),
		Environment: getenv("ENVIRONMENT", "development"),
		HTTPAddr:    getenv("HTTP_ADDR", ":8080"),

		OTLPEndpoint: getenv("OTLP_ENDPOINT", "localhost:4317"),

		DBType:            getenv("DATABASE_TYPE", "postgres"),
		DBHost:            getenv("DATABASE_HOST", "localhost"),
		DBPort:            getenv("DATABASE_PORT", "5432"),
		DBName:            getenv("DATABASE_NAME", "apigate"),
		DBUser:            getenv("DATABASE_USER", "postgres"),
		DBPassword:        getenv("DATABASE_PASSWORD", ""),
		DBSSLMode:         getenv("DATABASE_SSLMODE", "disable"),
		DBMaxIdleConn:     getenvInt("DATABASE_MAX_IDLE_CONN", 5),
		DBMaxOpenConn:     getenvInt("DATABASE_MAX_OPEN_CONN", 25),
		DBConnMaxLifetime: getenvInt("DATABASE_CONN_MAX_LIFETIME", 300),

		RateLimit: RateLimitConfig{
			Backend:       normalizeBackend(getenv("RATE_LIMIT_BACKEND", "memory")),
			RedisAddr:     strings.TrimSpace(getenv("RATE_LIMIT_REDIS_ADDR", "")),
			RedisPassword: strings.TrimSpace(getenv("RATE_LIMIT_REDIS_PASSWORD", "")),
			RedisDB:       getenvInt("RATE_LIMIT_REDIS_DB", 0),
		},
		Gate: GateConfig{
			FailOpen:            getenvBool("GATE_FAIL_OPEN", false),
			ResourceEnvironment: normalizeEnvironment(getenv("GATE_RESOURCE_ENVIRONMENT", "production")),
		},
		Usage: UsageConfig{
			QueueSize:     getenvInt("USAGE_QUEUE_SIZE", 4096),
			FlushInterval: getenvInt("USAGE_FLUSH_INTERVAL", 15),
			TopEndpoints:  getenvInt("USAGE_TOP_ENDPOINTS", 10),
		},

		PlanConfigPath: strings.TrimSpace(getenv("PLAN_CONFIG_PATH", "")),
		DefaultTier:    getenv("PLAN_DEFAULT_TIER", "free"),
	}
}

const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
)

func normalizeBackend(raw string) string {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case BackendRedis:
		return BackendRedis
	default:
		return BackendMemory
	}
}

func normalizeEnvironment(raw string) string {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "sandbox":
		return "sandbox"
	default:
		return "production"
	}
}

func getenv(key, def string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return def
}

func getenvInt(key string, def int) int {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return def
	}
	return parsed
}

func getenvBool(key string, def bool) bool {
	value := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	if value == "" {
		return def
	}
	switch value {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return def
	}
}
