// Package config loads hub settings from a yaml file with environment
// variable overrides for the values that differ per deployment.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server struct {
		Addr    string `yaml:"addr"`
		Version string `yaml:"version"`
	} `yaml:"server"`

	Database struct {
		Host     string `yaml:"host"`
		Port     int    `yaml:"port"`
		User     string `yaml:"user"`
		Password string `yaml:"password"`
		Name     string `yaml:"name"`
		SSLMode  string `yaml:"sslmode"`
	} `yaml:"database"`

	Redis struct {
		Addr     string `yaml:"addr"`
		Password string `yaml:"password"`
	} `yaml:"redis"`

	NATS struct {
		URL     string `yaml:"url"`
		Subject string `yaml:"subject"`
	} `yaml:"nats"`

	Auth struct {
		JWTSigningKey  string        `yaml:"jwt_signing_key"`
		TokenTTL       time.Duration `yaml:"token_ttl"`
		TokenCacheSize int           `yaml:"token_cache_size"`
	} `yaml:"auth"`

	Turn struct {
		Host       string `yaml:"host"`
		PublicHost string `yaml:"public_host"`
		Port       int    `yaml:"port"`
		Secret     string `yaml:"secret"`
		// SecretFile, when set, is read at startup and hot-reloaded on
		// change so coturn secret rotation needs no hub restart.
		SecretFile string `yaml:"secret_file"`
	} `yaml:"turn"`
}

// Load reads path (if it exists), then applies environment overrides and
// defaults.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	if raw, err := os.ReadFile(path); err == nil {
		if err := yaml.Unmarshal(raw, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	} else if !os.IsNotExist(err) {
		return nil, err
	}

	overrideString(&cfg.Server.Addr, "SERVER_ADDR")
	overrideString(&cfg.Database.Host, "DB_HOST")
	overrideString(&cfg.Database.User, "DB_USER")
	overrideString(&cfg.Database.Password, "DB_PASSWORD")
	overrideString(&cfg.Database.Name, "DB_NAME")
	overrideString(&cfg.Redis.Addr, "REDIS_ADDR")
	overrideString(&cfg.Redis.Password, "REDIS_PASSWORD")
	overrideString(&cfg.NATS.URL, "NATS_URL")
	overrideString(&cfg.Auth.JWTSigningKey, "JWT_SIGNING_KEY")
	overrideString(&cfg.Turn.Host, "TURN_HOST")
	overrideString(&cfg.Turn.PublicHost, "TURN_PUBLIC_HOST")
	overrideString(&cfg.Turn.Secret, "TURN_SECRET")

	cfg.applyDefaults()
	return cfg, nil
}

func overrideString(dst *string, env string) {
	if v := os.Getenv(env); v != "" {
		*dst = v
	}
}

func (c *Config) applyDefaults() {
	if c.Server.Addr == "" {
		c.Server.Addr = ":8080"
	}
	if c.Server.Version == "" {
		c.Server.Version = "dev"
	}
	if c.Database.Port == 0 {
		c.Database.Port = 5432
	}
	if c.Database.SSLMode == "" {
		c.Database.SSLMode = "disable"
	}
	if c.NATS.Subject == "" {
		c.NATS.Subject = "camhub.events"
	}
	if c.Auth.TokenTTL == 0 {
		c.Auth.TokenTTL = 24 * time.Hour
	}
	if c.Auth.TokenCacheSize == 0 {
		c.Auth.TokenCacheSize = 1024
	}
	if c.Turn.Port == 0 {
		c.Turn.Port = 3478
	}
	if c.Turn.PublicHost == "" {
		c.Turn.PublicHost = c.Turn.Host
	}
}

// DSN renders the Postgres connection string for lib/pq.
func (c *Config) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.Database.User, c.Database.Password,
		c.Database.Host, c.Database.Port,
		c.Database.Name, c.Database.SSLMode)
}
