package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Backend selects which AccountingService implementation ledgerd runs.
type Backend string

const (
	BackendPostgres    Backend = "psql"
	BackendTigerBeetle Backend = "tigerbeetle"
	BackendMemory      Backend = "memory"
)

const (
	defaultAppName       = "ledgerd"
	defaultAppEnv        = "development"
	defaultPort          = "8080"
	defaultMetricsPort   = "9090"
	defaultLogLevel      = "info"
	defaultBackend       = string(BackendPostgres)
	defaultShutdownDelay = 10 * time.Second

	shutdownSecondsEnvVar  = "SHUTDOWN_TIMEOUT_SECONDS"
	shutdownDurationEnvVar = "SHUTDOWN_TIMEOUT"
	throttleDelayEnvVar    = "WITHDRAWAL_THROTTLE_DELAY"
	clusterIDEnvVar        = "TIGERBEETLE_CLUSTER_ID"
	addressesEnvVar        = "TIGERBEETLE_ADDRESSES"
)

// Config captures application runtime configuration loaded from environment variables.
type Config struct {
	AppName     string
	AppEnv      string
	Port        string
	MetricsPort string
	LogLevel    string

	Backend              Backend
	DatabaseURL          string
	RedisURL             string
	TigerBeetleClusterID uint64
	TigerBeetleAddresses []string

	ShutdownPeriod          time.Duration
	WithdrawalThrottleDelay time.Duration
}

// Load reads configuration values from the environment and populates a Config instance.
func Load() (Config, error) {
	cfg := Config{
		AppName:        getEnv("APP_NAME", defaultAppName),
		AppEnv:         getEnv("APP_ENV", defaultAppEnv),
		Port:           getEnv("PORT", defaultPort),
		MetricsPort:    getEnv("METRICS_PORT", defaultMetricsPort),
		LogLevel:       strings.ToLower(getEnv("LOG_LEVEL", defaultLogLevel)),
		Backend:        Backend(strings.ToLower(getEnv("ACCOUNTING_BACKEND", defaultBackend))),
		DatabaseURL:    os.Getenv("DATABASE_URL"),
		RedisURL:       os.Getenv("REDIS_URL"),
		ShutdownPeriod: defaultShutdownDelay,
	}

	if v := os.Getenv(shutdownSecondsEnvVar); v != "" {
		seconds, err := strconv.Atoi(v)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s: %w", shutdownSecondsEnvVar, err)
		}
		cfg.ShutdownPeriod = time.Duration(seconds) * time.Second
	} else if v := os.Getenv(shutdownDurationEnvVar); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s: %w", shutdownDurationEnvVar, err)
		}
		cfg.ShutdownPeriod = d
	}

	if v := os.Getenv(throttleDelayEnvVar); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s: %w", throttleDelayEnvVar, err)
		}
		if d < 0 {
			return Config{}, fmt.Errorf("%s must not be negative", throttleDelayEnvVar)
		}
		cfg.WithdrawalThrottleDelay = d
	}

	if v := os.Getenv(clusterIDEnvVar); v != "" {
		id, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s: %w", clusterIDEnvVar, err)
		}
		cfg.TigerBeetleClusterID = id
	}
	if v := os.Getenv(addressesEnvVar); v != "" {
		for _, addr := range strings.Split(v, ",") {
			if addr = strings.TrimSpace(addr); addr != "" {
				cfg.TigerBeetleAddresses = append(cfg.TigerBeetleAddresses, addr)
			}
		}
	}

	switch cfg.Backend {
	case BackendPostgres:
		if cfg.DatabaseURL == "" {
			return Config{}, fmt.Errorf("DATABASE_URL must be set for the %s backend", BackendPostgres)
		}
	case BackendTigerBeetle:
		if len(cfg.TigerBeetleAddresses) == 0 {
			return Config{}, fmt.Errorf("%s must be set for the %s backend", addressesEnvVar, BackendTigerBeetle)
		}
	case BackendMemory:
	default:
		return Config{}, fmt.Errorf("unknown ACCOUNTING_BACKEND %q", cfg.Backend)
	}

	return cfg, nil
}

// Address returns the API listen address in the format Fiber expects.
func (c Config) Address() string {
	return listenAddress(c.Port)
}

// MetricsAddress returns the metrics listener address.
func (c Config) MetricsAddress() string {
	return listenAddress(c.MetricsPort)
}

func listenAddress(port string) string {
	if strings.HasPrefix(port, ":") {
		return port
	}
	return fmt.Sprintf(":%s", port)
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}
