package app

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

type Config struct {
	ListenAddr string
	LogLevel   string

	DBDSN string

	VaultEnabled bool

	// Scheduler.
	Workers                  int
	QueueMaxDepth            int
	TaskTimeoutSecs          int // default per-task deadline around adapter calls
	ResultTimeoutSecs        int // per-item wait budget for batch retrieval
	DegradedPendingThreshold int

	// Response cache.
	CacheBackend    string // "memory" or "redis"
	CacheTTLSecs    int
	CacheMaxEntries int
	RedisAddr       string
	RedisPassword   string
	RedisDB         int

	// Backend registration.
	BackendsFile  string // JSON file with []task.AdapterConfig, loaded at boot
	LocalFallback bool   // register the built-in heuristic backend when nothing else is configured

	HealthIntervalSecs int

	// Security & hardening.
	CORSOrigins    []string // allowed CORS origins; empty = ["*"]
	RateLimitRPS   int      // requests per second per IP
	RateLimitBurst int      // burst capacity per IP

	// Tracing.
	OtelEnabled  bool
	OtelEndpoint string
}

func LoadConfig() (Config, error) {
	cfg := Config{
		ListenAddr:   getEnv("MODELMUX_LISTEN_ADDR", ":8080"),
		LogLevel:     getEnv("MODELMUX_LOG_LEVEL", "info"),
		DBDSN:        getEnv("MODELMUX_DB_DSN", "file:/data/modelmux.sqlite"),
		VaultEnabled: getEnvBool("MODELMUX_VAULT_ENABLED", true),

		Workers:                  getEnvInt("MODELMUX_WORKERS", 3),
		QueueMaxDepth:            getEnvInt("MODELMUX_QUEUE_MAX_DEPTH", 1024),
		TaskTimeoutSecs:          getEnvInt("MODELMUX_TASK_TIMEOUT_SECS", 30),
		ResultTimeoutSecs:        getEnvInt("MODELMUX_RESULT_TIMEOUT_SECS", 30),
		DegradedPendingThreshold: getEnvInt("MODELMUX_DEGRADED_PENDING_THRESHOLD", 100),

		CacheBackend:    getEnv("MODELMUX_CACHE_BACKEND", "memory"),
		CacheTTLSecs:    getEnvInt("MODELMUX_CACHE_TTL_SECS", 3600),
		CacheMaxEntries: getEnvInt("MODELMUX_CACHE_MAX_ENTRIES", 10000),
		RedisAddr:       getEnv("MODELMUX_REDIS_ADDR", "localhost:6379"),
		RedisPassword:   getEnv("MODELMUX_REDIS_PASSWORD", ""),
		RedisDB:         getEnvInt("MODELMUX_REDIS_DB", 0),

		BackendsFile:  getEnv("MODELMUX_BACKENDS_FILE", ""),
		LocalFallback: getEnvBool("MODELMUX_LOCAL_FALLBACK", true),

		HealthIntervalSecs: getEnvInt("MODELMUX_HEALTH_INTERVAL_SECS", 30),

		CORSOrigins:    getEnvStringSlice("MODELMUX_CORS_ORIGINS", nil),
		RateLimitRPS:   getEnvInt("MODELMUX_RATE_LIMIT_RPS", 60),
		RateLimitBurst: getEnvInt("MODELMUX_RATE_LIMIT_BURST", 120),

		OtelEnabled:  getEnvBool("MODELMUX_OTEL_ENABLED", false),
		OtelEndpoint: getEnv("MODELMUX_OTEL_ENDPOINT", "localhost:4318"),
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks config values for obviously invalid settings.
func (c Config) Validate() error {
	if c.Workers <= 0 {
		return fmt.Errorf("MODELMUX_WORKERS must be > 0, got %d", c.Workers)
	}
	if c.QueueMaxDepth <= 0 {
		return fmt.Errorf("MODELMUX_QUEUE_MAX_DEPTH must be > 0, got %d", c.QueueMaxDepth)
	}
	if c.TaskTimeoutSecs <= 0 {
		return fmt.Errorf("MODELMUX_TASK_TIMEOUT_SECS must be > 0, got %d", c.TaskTimeoutSecs)
	}
	if c.ResultTimeoutSecs <= 0 {
		return fmt.Errorf("MODELMUX_RESULT_TIMEOUT_SECS must be > 0, got %d", c.ResultTimeoutSecs)
	}
	if c.CacheBackend != "memory" && c.CacheBackend != "redis" {
		return fmt.Errorf("MODELMUX_CACHE_BACKEND must be memory or redis, got %q", c.CacheBackend)
	}
	if c.RateLimitRPS <= 0 {
		return fmt.Errorf("MODELMUX_RATE_LIMIT_RPS must be > 0, got %d", c.RateLimitRPS)
	}
	if c.RateLimitBurst <= 0 {
		return fmt.Errorf("MODELMUX_RATE_LIMIT_BURST must be > 0, got %d", c.RateLimitBurst)
	}
	return nil
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		b, err := strconv.ParseBool(v)
		if err == nil {
			return b
		}
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		i, err := strconv.Atoi(v)
		if err == nil {
			return i
		}
	}
	return def
}

func getEnvStringSlice(key string, def []string) []string {
	if v := os.Getenv(key); v != "" {
		var result []string
		for _, s := range strings.Split(v, ",") {
			s = strings.TrimSpace(s)
			if s != "" {
				result = append(result, s)
			}
		}
		if len(result) > 0 {
			return result
		}
	}
	return def
}
