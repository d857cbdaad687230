// Package config resolves deeprun's process-level configuration (database
// DSN, Redis address, node identity, log level) with the same layered
// precedence the kernel's per-run ExecutionConfig uses, one level up:
// flags > env (DEEPRUN_*) > project config (.deeprun/config.yaml) > home
// config (~/.deeprun/config.yaml) > defaults.
package config

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config holds the process-level settings cmd/deeprun and
// cmd/deeprun-worker need to construct a Kernel.
type Config struct {
	DatabaseURL    string `yaml:"database_url" json:"database_url"`
	RedisAddr      string `yaml:"redis_addr" json:"redis_addr"`
	NodeID         string `yaml:"node_id" json:"node_id"`
	LogLevel       string `yaml:"log_level" json:"log_level"`
	HealthPort     int    `yaml:"health_port" json:"health_port"`
	DefaultProfile string `yaml:"default_profile" json:"default_profile"`
	LeaseSeconds   int    `yaml:"lease_seconds" json:"lease_seconds"`
}

const (
	defaultDatabaseURL    = "postgres://localhost:5432/deeprun?sslmode=disable"
	defaultRedisAddr      = "127.0.0.1:6379"
	defaultLogLevel       = "info"
	defaultHealthPort     = 9091
	defaultDefaultProfile = "full"
	defaultLeaseSeconds   = 30
)

// Default returns deeprun's built-in configuration defaults.
func Default() *Config {
	nodeID, err := os.Hostname()
	if err != nil || nodeID == "" {
		nodeID = "deeprun-node"
	}
	return &Config{
		DatabaseURL:    defaultDatabaseURL,
		RedisAddr:      defaultRedisAddr,
		NodeID:         nodeID,
		LogLevel:       defaultLogLevel,
		HealthPort:     defaultHealthPort,
		DefaultProfile: defaultDefaultProfile,
		LeaseSeconds:   defaultLeaseSeconds,
	}
}

// Load resolves configuration with precedence: flags > env > project config
// > home config > defaults.
func Load(flagOverrides *Config) (*Config, error) {
	cfg := Default()

	if homeConfig, _ := loadFromPath(homeConfigPath()); homeConfig != nil {
		cfg = merge(cfg, homeConfig)
	}
	if projectConfig, _ := loadFromPath(projectConfigPath()); projectConfig != nil {
		cfg = merge(cfg, projectConfig)
	}
	cfg = applyEnv(cfg)
	if flagOverrides != nil {
		cfg = merge(cfg, flagOverrides)
	}
	return cfg, nil
}

func homeConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".deeprun", "config.yaml")
}

func projectConfigPath() string {
	if override := strings.TrimSpace(os.Getenv("DEEPRUN_CONFIG")); override != "" {
		return override
	}
	cwd, err := os.Getwd()
	if err != nil {
		return ""
	}
	return filepath.Join(cwd, ".deeprun", "config.yaml")
}

func loadFromPath(path string) (*Config, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyEnv(cfg *Config) *Config {
	if v := os.Getenv("DEEPRUN_DATABASE_URL"); v != "" {
		cfg.DatabaseURL = v
	}
	if v := os.Getenv("DEEPRUN_REDIS_ADDR"); v != "" {
		cfg.RedisAddr = v
	}
	if v := os.Getenv("DEEPRUN_NODE_ID"); v != "" {
		cfg.NodeID = v
	}
	if v := os.Getenv("DEEPRUN_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("DEEPRUN_HEALTH_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.HealthPort = port
		}
	}
	if v := os.Getenv("DEEPRUN_PROFILE"); v != "" {
		cfg.DefaultProfile = v
	}
	if v := os.Getenv("DEEPRUN_LEASE_SECONDS"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil {
			cfg.LeaseSeconds = secs
		}
	}
	return cfg
}

// merge overlays src's non-zero fields onto dst, src taking precedence.
func merge(dst, src *Config) *Config {
	if src.DatabaseURL != "" {
		dst.DatabaseURL = src.DatabaseURL
	}
	if src.RedisAddr != "" {
		dst.RedisAddr = src.RedisAddr
	}
	if src.NodeID != "" {
		dst.NodeID = src.NodeID
	}
	if src.LogLevel != "" {
		dst.LogLevel = src.LogLevel
	}
	if src.HealthPort != 0 {
		dst.HealthPort = src.HealthPort
	}
	if src.DefaultProfile != "" {
		dst.DefaultProfile = src.DefaultProfile
	}
	if src.LeaseSeconds != 0 {
		dst.LeaseSeconds = src.LeaseSeconds
	}
	return dst
}
