// Package config loads service configuration from an optional YAML
// file layered under CONVOGATE_-prefixed environment variables. In env
// names a double underscore separates nesting levels, so
// CONVOGATE_AUTHORITY__BASE_URL maps to authority.base_url.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

const envPrefix = "CONVOGATE_"

type Config struct {
	Server    ServerConfig    `koanf:"server"`
	Authority AuthorityConfig `koanf:"authority"`
	Broker    BrokerConfig    `koanf:"broker"`
	Telegram  TelegramConfig  `koanf:"telegram"`
	Session   SessionConfig   `koanf:"session"`
}

type ServerConfig struct {
	Port int `koanf:"port"`
}

type AuthorityConfig struct {
	BaseURL    string        `koanf:"base_url"`
	ServiceKey string        `koanf:"service_key"`
	Timeout    time.Duration `koanf:"timeout"`
}

type BrokerConfig struct {
	BaseURL     string        `koanf:"base_url"`
	MaxAttempts int           `koanf:"max_attempts"`
	BaseDelay   time.Duration `koanf:"base_delay"`
}

type TelegramConfig struct {
	Token   string `koanf:"token"`
	BaseURL string `koanf:"base_url"`
}

type SessionConfig struct {
	Timeout              time.Duration `koanf:"timeout"`
	RevalidationInterval time.Duration `koanf:"revalidation_interval"`
}

// Load reads configuration. path names an optional YAML file; "" or a
// missing file just means env-only.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
				return nil, fmt.Errorf("load config file %s: %w", path, err)
			}
		}
	}

	if err := k.Load(env.Provider(envPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("load environment: %w", err)
	}

	applyDefaults(k)

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func envKey(s string) string {
	s = strings.ToLower(strings.TrimPrefix(s, envPrefix))
	return strings.ReplaceAll(s, "__", ".")
}

func applyDefaults(k *koanf.Koanf) {
	defaults := map[string]any{
		"server.port":                   8080,
		"authority.timeout":             "10s",
		"broker.max_attempts":           3,
		"broker.base_delay":             "500ms",
		"session.timeout":               "30m",
		"session.revalidation_interval": "5m",
	}
	for key, value := range defaults {
		if !k.Exists(key) {
			k.Set(key, value)
		}
	}
}

func (c *Config) validate() error {
	var missing []string
	if c.Telegram.Token == "" {
		missing = append(missing, "telegram.token")
	}
	if c.Authority.BaseURL == "" {
		missing = append(missing, "authority.base_url")
	}
	if c.Broker.BaseURL == "" {
		missing = append(missing, "broker.base_url")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required config: %s", strings.Join(missing, ", "))
	}
	return nil
}
