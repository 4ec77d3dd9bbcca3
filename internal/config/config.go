package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds every runtime setting for the gateway and the capture client.
type Config struct {
	Server          ServerConfig
	Backend         BackendConfig
	Redis           RedisConfig
	Database        DatabaseConfig
	Auth            AuthConfig
	History         HistoryConfig
	ShutdownTimeout time.Duration
}

type ServerConfig struct {
	Addr string
}

// BackendConfig points at the external inference service.
type BackendConfig struct {
	BaseURL        string
	RequestTimeout time.Duration
	PingTimeout    time.Duration
}

type RedisConfig struct {
	Addr      string
	ResultTTL time.Duration
}

type DatabaseConfig struct {
	DSN string
}

type AuthConfig struct {
	// JWTSecret enables bearer auth on the detect endpoint when non-empty.
	JWTSecret   string
	JWTAudience string
}

type HistoryConfig struct {
	// MaxEntries bounds the recent-detections list.
	MaxEntries int
	// PrefetchLimit is how many past detections to load from the backend on boot.
	PrefetchLimit int
}

// Load reads configuration from the environment and an optional
// liveguard.yaml in the working directory. Environment wins.
func Load() (*Config, error) {
	v := viper.New()

	v.SetDefault("server.addr", ":8080")
	v.SetDefault("backend.base_url", "http://localhost:10000")
	v.SetDefault("backend.request_timeout", "30s")
	v.SetDefault("backend.ping_timeout", "5s")
	v.SetDefault("redis.addr", "redis:6379")
	v.SetDefault("redis.result_ttl", "5m")
	v.SetDefault("database.dsn", "host=postgres user=postgres password=postgres dbname=liveguard port=5432 sslmode=disable")
	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("auth.jwt_audience", "")
	v.SetDefault("history.max_entries", 10)
	v.SetDefault("history.prefetch_limit", 10)
	v.SetDefault("shutdown_timeout", "15s")

	v.SetEnvPrefix("LIVEGUARD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetConfigName("liveguard")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	cfg := &Config{
		Server: ServerConfig{
			Addr: v.GetString("server.addr"),
		},
		Backend: BackendConfig{
			BaseURL:        strings.TrimRight(v.GetString("backend.base_url"), "/"),
			RequestTimeout: v.GetDuration("backend.request_timeout"),
			PingTimeout:    v.GetDuration("backend.ping_timeout"),
		},
		Redis: RedisConfig{
			Addr:      v.GetString("redis.addr"),
			ResultTTL: v.GetDuration("redis.result_ttl"),
		},
		Database: DatabaseConfig{
			DSN: v.GetString("database.dsn"),
		},
		Auth: AuthConfig{
			JWTSecret:   v.GetString("auth.jwt_secret"),
			JWTAudience: v.GetString("auth.jwt_audience"),
		},
		History: HistoryConfig{
			MaxEntries:    v.GetInt("history.max_entries"),
			PrefetchLimit: v.GetInt("history.prefetch_limit"),
		},
		ShutdownTimeout: v.GetDuration("shutdown_timeout"),
	}

	if cfg.History.MaxEntries <= 0 {
		cfg.History.MaxEntries = 10
	}

	return cfg, nil
}
