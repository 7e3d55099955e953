// Copyright 2025 TallyGate
// SPDX-License-Identifier: Apache-2.0

package gatekeeper

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Config holds the gatekeeper runtime configuration. Values come from an
// optional YAML file (TALLYGATE_CONFIG), with environment variables taking
// precedence so container deployments stay 12-factor.
type Config struct {
	Port        string `yaml:"port"`
	DatabaseURL string `yaml:"database_url"`
	RedisURL    string `yaml:"redis_url"`
	JWTSecret   string `yaml:"jwt_secret"`
	AdminToken  string `yaml:"admin_token"`

	// WeeklyLimit is the community-mode fallback; with a database the limit
	// comes from the settings store.
	WeeklyLimit int `yaml:"weekly_limit"`

	SnapshotCacheTTLSeconds int `yaml:"snapshot_cache_ttl_seconds"`
	SweepIntervalSeconds    int `yaml:"sweep_interval_seconds"`
	RetentionDays           int `yaml:"retention_days"`
}

// LoadConfig builds the configuration from defaults, the optional YAML
// file, then the environment.
func LoadConfig() (*Config, error) {
	cfg := &Config{
		Port:                    "8080",
		WeeklyLimit:             DefaultWeeklyLimit,
		SnapshotCacheTTLSeconds: 30,
		SweepIntervalSeconds:    600,
		RetentionDays:           28,
	}

	if path := os.Getenv("TALLYGATE_CONFIG"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	cfg.Port = getEnv("PORT", cfg.Port)
	cfg.DatabaseURL = getEnv("DATABASE_URL", cfg.DatabaseURL)
	cfg.RedisURL = getEnv("REDIS_URL", cfg.RedisURL)
	cfg.JWTSecret = getEnv("JWT_SECRET", cfg.JWTSecret)
	cfg.AdminToken = getEnv("ADMIN_TOKEN", cfg.AdminToken)

	if raw := os.Getenv("FREE_WEEKLY_LIMIT"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			return nil, fmt.Errorf("invalid FREE_WEEKLY_LIMIT %q", raw)
		}
		cfg.WeeklyLimit = limit
	}

	return cfg, nil
}

// getEnv returns the environment value or a fallback.
func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}
