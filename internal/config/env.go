package config

import (
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

func Load() *Config {
	return &Config{
		Service: &ServiceConfig{
			Name: getEnv("RELAYSYNC_SERVICE_NAME", "relaysync"),
			Env:  getEnv("RELAYSYNC_ENV", "development"),
			Addr: getEnv("RELAYSYNC_ADDR", ":8080"),
		},
		Remote: &RemoteConfig{
			DSN: getEnv("RELAYSYNC_REMOTE_DSN", ""),
		},
		Resources: &ResourceConfig{
			URL:       getEnv("RELAYSYNC_RESOURCE_URL", ""),
			Dir:       getEnv("RELAYSYNC_RESOURCE_DIR", ""),
			CacheTTL:  getEnvDuration("RELAYSYNC_CACHE_TTL", 10*time.Minute),
			CacheSize: getEnvInt("RELAYSYNC_CACHE_SIZE", 256),
		},
		Auth: &AuthConfig{
			Token:     getEnv("RELAYSYNC_TOKEN", ""),
			JWTSecret: getEnv("RELAYSYNC_JWT_SECRET", ""),
		},
		Search: &SearchConfig{
			Delay: getEnvDuration("RELAYSYNC_SEARCH_DELAY", 300*time.Millisecond),
		},
		Logger: &LoggerConfig{
			Level:  getEnv("RELAYSYNC_LOG_LEVEL", "info"),
			Format: getEnv("RELAYSYNC_LOG_FORMAT", "TEXT"),
		},
		Tracer: &TracerConfig{
			Endpoint: getEnv("RELAYSYNC_OTLP_ENDPOINT", ""),
			Insecure: getEnvBool("RELAYSYNC_OTLP_INSECURE", true),
		},
	}
}

func getEnv(name, fallback string) string {
	if value := strings.TrimSpace(os.Getenv(name)); value != "" {
		return value
	}
	return fallback
}

func getEnvInt(name string, fallback int) int {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		slog.Warn("config - load - invalid integer, using fallback", "name", name, "value", raw, "fallback", fallback)
		return fallback
	}
	return value
}

func getEnvDuration(name string, fallback time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		slog.Warn("config - load - invalid duration, using fallback", "name", name, "value", raw, "fallback", fallback.String())
		return fallback
	}
	return value
}

func getEnvBool(name string, fallback bool) bool {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseBool(raw)
	if err != nil {
		slog.Warn("config - load - invalid boolean, using fallback", "name", name, "value", raw, "fallback", fallback)
		return fallback
	}
	return value
}
