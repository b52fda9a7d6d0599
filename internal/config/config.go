// Package config reads relaysync settings from RELAYSYNC_* environment variables.
package config

import "time"

type Config struct {
	Service   *ServiceConfig
	Remote    *RemoteConfig
	Resources *ResourceConfig
	Auth      *AuthConfig
	Search    *SearchConfig
	Logger    *LoggerConfig
	Tracer    *TracerConfig
}

type ServiceConfig struct {
	Name string
	Env  string
	Addr string
}

// RemoteConfig selects the remote store; see remote.Open for the accepted DSNs.
type RemoteConfig struct {
	DSN string
}

type ResourceConfig struct {
	URL       string
	Dir       string
	CacheTTL  time.Duration
	CacheSize int
}

type AuthConfig struct {
	Token     string
	JWTSecret string
}

type SearchConfig struct {
	Delay time.Duration
}

type LoggerConfig struct {
	Level  string
	Format string
}

// TracerConfig points at an OTLP/gRPC collector. Tracing is off when Endpoint is empty.
type TracerConfig struct {
	Endpoint string
	Insecure bool
}
