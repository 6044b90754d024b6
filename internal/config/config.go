package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config carries all runtime settings, populated from the environment.
type Config struct {
	AppEnv           string
	LogLevel         string
	HTTPListenAddr   string
	PublicBasePath   string
	MetricsNamespace string

	DataDir   string
	InviteTTL time.Duration

	RedisAddr     string
	RedisPassword string
	RedisDB       int
	RedisTLS      bool

	CatalogCacheTTL time.Duration
}

// Load reads configuration from environment variables, applying defaults
// where values are unset.
func Load() (*Config, error) {
	cfg := &Config{
		AppEnv:           getString("APP_ENV", "development"),
		LogLevel:         getString("LOG_LEVEL", "info"),
		HTTPListenAddr:   getString("HTTP_LISTEN_ADDR", ":8080"),
		PublicBasePath:   getString("PUBLIC_BASE_PATH", ""),
		MetricsNamespace: getString("METRICS_NAMESPACE", "firmly_accounts"),
		DataDir:          getString("DATA_DIR", "./data"),
		RedisAddr:        getString("REDIS_ADDR", ""),
		RedisPassword:    getString("REDIS_PASSWORD", ""),
	}

	var err error
	if cfg.InviteTTL, err = getDuration("INVITE_TTL", 7*24*time.Hour); err != nil {
		return nil, err
	}
	if cfg.CatalogCacheTTL, err = getDuration("CATALOG_CACHE_TTL", 5*time.Minute); err != nil {
		return nil, err
	}
	if cfg.RedisDB, err = getInt("REDIS_DB", 0); err != nil {
		return nil, err
	}
	cfg.RedisTLS = getBool("REDIS_TLS", false)

	return cfg, nil
}

func getString(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}

func getInt(key string, fallback int) (int, error) {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", key, err)
	}
	return n, nil
}

func getBool(key string, fallback bool) bool {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

func getDuration(key string, fallback time.Duration) (time.Duration, error) {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", key, err)
	}
	return d, nil
}
