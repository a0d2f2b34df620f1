// Package config loads the coordinator configuration from a YAML file with
// environment variable overrides.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the full coordinator configuration.
type Config struct {
	// ChainID is the chain this coordinator settles on.
	ChainID uint64 `yaml:"chain_id"`

	HTTP     HTTPConfig     `yaml:"http"`
	Quorum   QuorumConfig   `yaml:"quorum"`
	Database DatabaseConfig `yaml:"database"`
	Auth     AuthConfig     `yaml:"auth"`
	Events   EventsConfig   `yaml:"events"`

	// Relays configures outbound HTTP relay channels toward peer
	// coordinators. When empty the coordinator runs with loopback relays,
	// which only makes sense in simulation.
	Relays []RelayConfig `yaml:"relays"`
}

// RelayConfig configures one outbound HTTP relay channel.
type RelayConfig struct {
	ID uint8 `yaml:"id"`

	// Endpoints maps destination chain ids to peer coordinator base URLs.
	Endpoints map[uint64]string `yaml:"endpoints"`

	// Token is the bearer token presented to the peer, if any.
	Token string `yaml:"token"`
}

// HTTPConfig configures the API server.
type HTTPConfig struct {
	Addr              string `yaml:"addr"`
	RequestsPerSecond int    `yaml:"requests_per_second"`
	Burst             int    `yaml:"burst"`
}

// QuorumConfig configures the per-source-chain attestation thresholds.
type QuorumConfig struct {
	Default  uint64            `yaml:"default"`
	PerChain map[uint64]uint64 `yaml:"per_chain"`
}

// DatabaseConfig configures payload persistence. An empty DSN selects the
// in-memory store.
type DatabaseConfig struct {
	DSN string `yaml:"dsn"`
}

// AuthConfig configures API token verification. An empty secret disables
// authentication, which is only acceptable for simulation deployments.
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret"`
}

// EventsConfig configures the lifecycle event buffer.
type EventsConfig struct {
	BufferSize int `yaml:"buffer_size"`
}

// Default returns the configuration used when no file is present.
func Default() Config {
	return Config{
		ChainID: 1,
		HTTP: HTTPConfig{
			Addr:              ":8080",
			RequestsPerSecond: 50,
			Burst:             100,
		},
		Quorum: QuorumConfig{Default: 1},
		Events: EventsConfig{BufferSize: 1000},
	}
}

// Load reads the configuration file at path, falling back to defaults when
// path is empty, then applies environment overrides. A .env file in the
// working directory is loaded first when present.
func Load(path string) (Config, error) {
	_ = godotenv.Load()

	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(filepath.Clean(path))
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the configuration for values that cannot work.
func (c Config) Validate() error {
	if c.ChainID == 0 {
		return fmt.Errorf("config: chain_id must be non-zero")
	}
	if c.HTTP.Addr == "" {
		return fmt.Errorf("config: http.addr must be set")
	}
	if c.Quorum.Default == 0 {
		return fmt.Errorf("config: quorum.default must be at least 1")
	}
	seen := make(map[uint8]bool, len(c.Relays))
	for _, r := range c.Relays {
		if seen[r.ID] {
			return fmt.Errorf("config: duplicate relay id %d", r.ID)
		}
		seen[r.ID] = true
		if len(r.Endpoints) == 0 {
			return fmt.Errorf("config: relay %d has no endpoints", r.ID)
		}
	}
	return nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("COORDINATOR_CHAIN_ID"); v != "" {
		if id, err := strconv.ParseUint(v, 10, 64); err == nil {
			cfg.ChainID = id
		}
	}
	if v := os.Getenv("COORDINATOR_HTTP_ADDR"); v != "" {
		cfg.HTTP.Addr = v
	}
	if v := os.Getenv("COORDINATOR_DB_DSN"); v != "" {
		cfg.Database.DSN = v
	}
	if v := os.Getenv("COORDINATOR_JWT_SECRET"); v != "" {
		cfg.Auth.JWTSecret = v
	}
}
