package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultConfigFile is the path checked for YAML configuration.
const DefaultConfigFile = "agentmesh.yaml"

// Load returns a Config using the hierarchy: defaults < YAML < ENV.
// The YAML file is optional; a missing file is not an error.
func Load() (*Config, error) {
	return LoadFrom(DefaultConfigFile)
}

// LoadFrom returns a Config loaded from the given YAML path using the
// hierarchy: defaults < YAML < ENV. The YAML file is optional.
func LoadFrom(yamlPath string) (*Config, error) {
	cfg := Defaults()

	if err := loadYAML(&cfg, yamlPath); err != nil {
		return nil, fmt.Errorf("config yaml: %w", err)
	}

	loadEnv(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validate: %w", err)
	}

	return &cfg, nil
}

// loadYAML reads the YAML file and unmarshals it over cfg.
// Returns nil if the file does not exist.
func loadYAML(cfg *Config, path string) error {
	data, err := os.ReadFile(path) //nolint:gosec // G304: path is validated by caller
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}

	return nil
}

// loadEnv overlays environment variables onto cfg.
// Only non-empty env values override the current config.
func loadEnv(cfg *Config) {
	setString(&cfg.Registry.Port, "AGENTMESH_REGISTRY_PORT")
	setString(&cfg.Registry.URL, "AGENTMESH_REGISTRY_URL")
	setDuration(&cfg.Registry.SweepInterval, "AGENTMESH_SWEEP_INTERVAL")
	setDuration(&cfg.Registry.EvictAfter, "AGENTMESH_EVICT_AFTER")
	setString(&cfg.NATS.URL, "NATS_URL")
	setString(&cfg.Agent.Name, "AGENTMESH_AGENT_NAME")
	setString(&cfg.Agent.Role, "AGENTMESH_AGENT_ROLE")
	setStrings(&cfg.Agent.Capabilities, "AGENTMESH_CAPABILITIES")
	setDuration(&cfg.Agent.Heartbeat, "AGENTMESH_HEARTBEAT")
	setInt(&cfg.Agent.ReregisterEvery, "AGENTMESH_REREGISTER_EVERY")
	setString(&cfg.Agent.ControllerName, "AGENTMESH_CONTROLLER_NAME")
	setString(&cfg.Agent.FrontendName, "AGENTMESH_FRONTEND_NAME")
	setInt(&cfg.Retry.MaxAttempts, "AGENTMESH_MAX_ATTEMPTS")
	setString(&cfg.Files.URL, "AGENTMESH_FILES_URL")
	setInt64(&cfg.Files.CacheMaxMB, "AGENTMESH_FILES_CACHE_MB")
	setDuration(&cfg.Files.CacheTTL, "AGENTMESH_FILES_CACHE_TTL")
	setDuration(&cfg.Files.CallTimeout, "AGENTMESH_FILES_TIMEOUT")
	setString(&cfg.Git.URL, "AGENTMESH_GIT_URL")
	setDuration(&cfg.Git.CallTimeout, "AGENTMESH_GIT_TIMEOUT")
	setString(&cfg.Oracle.URL, "AGENTMESH_ORACLE_URL")
	setString(&cfg.Oracle.Model, "AGENTMESH_ORACLE_MODEL")
	setString(&cfg.Oracle.APIKey, "AGENTMESH_ORACLE_API_KEY")
	setDuration(&cfg.Oracle.CallTimeout, "AGENTMESH_ORACLE_TIMEOUT")
	setString(&cfg.Postgres.DSN, "DATABASE_URL")
	setInt32(&cfg.Postgres.MaxConns, "AGENTMESH_PG_MAX_CONNS")
	setInt32(&cfg.Postgres.MinConns, "AGENTMESH_PG_MIN_CONNS")
	setDuration(&cfg.Postgres.MaxConnLifetime, "AGENTMESH_PG_MAX_CONN_LIFETIME")
	setDuration(&cfg.Postgres.MaxConnIdleTime, "AGENTMESH_PG_MAX_CONN_IDLE_TIME")
	setDuration(&cfg.Postgres.HealthCheck, "AGENTMESH_PG_HEALTH_CHECK")
	setString(&cfg.Logging.Level, "AGENTMESH_LOG_LEVEL")
	setString(&cfg.Logging.Service, "AGENTMESH_LOG_SERVICE")
	setInt(&cfg.Breaker.MaxFailures, "AGENTMESH_BREAKER_MAX_FAILURES")
	setDuration(&cfg.Breaker.Timeout, "AGENTMESH_BREAKER_TIMEOUT")
	setString(&cfg.Metrics.OTLPEndpoint, "AGENTMESH_OTLP_ENDPOINT")
	setDuration(&cfg.Metrics.Interval, "AGENTMESH_METRICS_INTERVAL")
}

// validate checks that required fields are set.
func validate(cfg *Config) error {
	if cfg.Registry.Port == "" {
		return errors.New("registry.port is required")
	}
	if cfg.NATS.URL == "" {
		return errors.New("nats.url is required")
	}
	if cfg.Agent.Name == "" {
		return errors.New("agent.name is required")
	}
	if cfg.Agent.Heartbeat <= 0 {
		return errors.New("agent.heartbeat must be positive")
	}
	if cfg.Registry.EvictAfter <= cfg.Agent.Heartbeat {
		return errors.New("registry.evict_after must exceed agent.heartbeat")
	}
	if cfg.Retry.MaxAttempts < 1 {
		return errors.New("retry.max_attempts must be >= 1")
	}
	if cfg.Breaker.MaxFailures < 1 {
		return errors.New("breaker.max_failures must be >= 1")
	}
	return nil
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setStrings(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
		if len(out) > 0 {
			*dst = out
		}
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setInt32(dst *int32, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 32); err == nil {
			*dst = int32(n)
		}
	}
}

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setDuration(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}
