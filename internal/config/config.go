// Package config provides hierarchical configuration loading for agentmesh.
// Precedence: defaults < YAML file < environment variables.
package config

import "time"

// Config holds all runtime configuration for the agentmesh services.
type Config struct {
	Registry Registry `yaml:"registry"`
	NATS     NATS     `yaml:"nats"`
	Agent    Agent    `yaml:"agent"`
	Retry    Retry    `yaml:"retry"`
	Files    Files    `yaml:"files"`
	Git      Git      `yaml:"git"`
	Oracle   Oracle   `yaml:"oracle"`
	Postgres Postgres `yaml:"postgres"`
	Logging  Logging  `yaml:"logging"`
	Breaker  Breaker  `yaml:"breaker"`
	Metrics  Metrics  `yaml:"metrics"`
}

// Registry holds the capability registry service configuration.
// Port is used by registryd when listening; URL is used by agents when calling.
type Registry struct {
	Port          string        `yaml:"port"`
	URL           string        `yaml:"url"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
	EvictAfter    time.Duration `yaml:"evict_after"`
}

// NATS holds NATS JetStream configuration.
type NATS struct {
	URL string `yaml:"url"`
}

// Agent holds per-agent identity and lifecycle configuration.
type Agent struct {
	Name            string        `yaml:"name"`
	Role            string        `yaml:"role"` // "builder" | "tester"
	Capabilities    []string      `yaml:"capabilities"`
	Heartbeat       time.Duration `yaml:"heartbeat"`
	ReregisterEvery int           `yaml:"reregister_every"` // heartbeats between re-registrations
	ControllerName  string        `yaml:"controller_name"`
	FrontendName    string        `yaml:"frontend_name"`
}

// Retry holds task retry engine configuration.
type Retry struct {
	MaxAttempts int `yaml:"max_attempts"`
}

// Files holds the external file-storage service configuration.
type Files struct {
	URL         string        `yaml:"url"`
	CacheMaxMB  int64         `yaml:"cache_max_mb"`
	CacheTTL    time.Duration `yaml:"cache_ttl"`
	CallTimeout time.Duration `yaml:"call_timeout"`
}

// Git holds the external git-commit service configuration.
type Git struct {
	URL         string        `yaml:"url"`
	CallTimeout time.Duration `yaml:"call_timeout"`
}

// Oracle holds the decision oracle (LLM) configuration.
type Oracle struct {
	URL         string        `yaml:"url"`
	Model       string        `yaml:"model"`
	APIKey      string        `yaml:"api_key"`
	CallTimeout time.Duration `yaml:"call_timeout"`
}

// Postgres holds the controller's timeline store configuration.
// An empty DSN disables the Postgres timeline; the file-service status log
// remains authoritative either way.
type Postgres struct {
	DSN             string        `yaml:"dsn"`
	MaxConns        int32         `yaml:"max_conns"`
	MinConns        int32         `yaml:"min_conns"`
	MaxConnLifetime time.Duration `yaml:"max_conn_lifetime"`
	MaxConnIdleTime time.Duration `yaml:"max_conn_idle_time"`
	HealthCheck     time.Duration `yaml:"health_check"`
}

// Logging holds structured logging configuration.
type Logging struct {
	Level   string `yaml:"level"`
	Service string `yaml:"service"`
}

// Breaker holds circuit breaker configuration for external HTTP calls.
type Breaker struct {
	MaxFailures int           `yaml:"max_failures"`
	Timeout     time.Duration `yaml:"timeout"`
}

// Metrics holds OpenTelemetry export configuration.
// An empty OTLP endpoint disables the exporter.
type Metrics struct {
	OTLPEndpoint string        `yaml:"otlp_endpoint"`
	Interval     time.Duration `yaml:"interval"`
}

// Defaults returns a Config with sensible default values for local development.
func Defaults() Config {
	return Config{
		Registry: Registry{
			Port:          "5005",
			URL:           "http://localhost:5005",
			SweepInterval: time.Minute,
			EvictAfter:    2 * time.Minute,
		},
		NATS: NATS{
			URL: "nats://localhost:4222",
		},
		Agent: Agent{
			Name:            "Worker1",
			Role:            "builder",
			Capabilities:    []string{"code_implementation"},
			Heartbeat:       30 * time.Second,
			ReregisterEvery: 10,
			ControllerName:  "Controller",
			FrontendName:    "FrontendUI",
		},
		Retry: Retry{
			MaxAttempts: 5,
		},
		Files: Files{
			URL:         "http://localhost:6000",
			CacheMaxMB:  64,
			CacheTTL:    30 * time.Second,
			CallTimeout: 10 * time.Second,
		},
		Git: Git{
			URL:         "http://localhost:5001",
			CallTimeout: 10 * time.Second,
		},
		Oracle: Oracle{
			URL:         "http://localhost:4000",
			Model:       "openai/gpt-4o-mini",
			CallTimeout: 2 * time.Minute,
		},
		Postgres: Postgres{
			MaxConns:        10,
			MinConns:        1,
			MaxConnLifetime: time.Hour,
			MaxConnIdleTime: 10 * time.Minute,
			HealthCheck:     time.Minute,
		},
		Logging: Logging{
			Level: "info",
		},
		Breaker: Breaker{
			MaxFailures: 5,
			Timeout:     30 * time.Second,
		},
		Metrics: Metrics{
			Interval: time.Minute,
		},
	}
}
