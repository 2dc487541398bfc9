// Package config loads lifelog settings: built-in defaults, then the JSON
// config file, then LIFELOG_* environment variables. Secrets come only from
// the environment or the secrets file.
package config

import (
	"fmt"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"
)

type Config struct {
	Server  ServerConfig
	Storage StorageConfig
	LLM     LLMConfig
	Worker  WorkerConfig
	Janitor JanitorConfig
	Leader  LeaderConfig
	Logs    LogsConfig
	App     AppConfig
	Log     LogConfig
	API     APIConfig
}

type ServerConfig struct {
	Port int
}

type StorageConfig struct {
	DataDir string
}

type LLMConfig struct {
	BaseURL string
	Model   string
	APIKey  string
	// MaxContextTokens bounds the earlier entries included in a prompt.
	MaxContextTokens int
}

type WorkerConfig struct {
	PollInterval time.Duration
	LockTTL      time.Duration
	BackoffBase  time.Duration
}

type JanitorConfig struct {
	Interval time.Duration
}

type LeaderConfig struct {
	LeaseTTL time.Duration
}

type LogsConfig struct {
	// TTL applies to durable log records. Negative keeps them forever.
	TTL time.Duration
}

type AppConfig struct {
	Locale string
}

type LogConfig struct {
	Level string
}

type APIConfig struct {
	Token string
}

func defaults() Config {
	return Config{
		Server:  ServerConfig{Port: 4100},
		Storage: StorageConfig{DataDir: defaultDataDir()},
		LLM: LLMConfig{
			BaseURL:          "https://api.openai.com/v1",
			Model:            "gpt-4o-mini",
			MaxContextTokens: 4000,
		},
		Worker: WorkerConfig{
			PollInterval: 500 * time.Millisecond,
			LockTTL:      2 * time.Minute,
			BackoffBase:  2 * time.Second,
		},
		Janitor: JanitorConfig{Interval: time.Minute},
		Leader:  LeaderConfig{LeaseTTL: 15 * time.Second},
		Logs:    LogsConfig{TTL: 30 * 24 * time.Hour},
		App:     AppConfig{Locale: "en"},
		Log:     LogConfig{Level: "info"},
	}
}

// Load reads configuration from the config file at ConfigFilePath, the
// environment and the secrets file at SecretsFilePath. A missing LLM API
// key is not an error: enrichment jobs fail until one is provided.
func Load() (Config, error) {
	return loadWith(newFileBackend(ConfigFilePath()), secretsFile{path: SecretsFilePath()})
}

func loadWith(b ConfigBackend, secrets SecretStore) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	applyEnvOverrides(&cfg)

	// Secrets not given in the environment fall back to the secrets file.
	for _, s := range specs {
		if !s.secret || s.extract(cfg) != "" {
			continue
		}
		if v, err := secrets.Get(s.key); err == nil {
			s.apply(&cfg, v)
		}
	}

	return cfg, nil
}

// EnsureAPIToken generates and stores the HTTP API token on first use.
func EnsureAPIToken(cfg *Config) error {
	return ensureAPIToken(cfg, secretsFile{path: SecretsFilePath()})
}

func ensureAPIToken(cfg *Config, secrets SecretStore) error {
	if cfg.API.Token != "" {
		return nil
	}
	tok, err := gonanoid.New(32)
	if err != nil {
		return fmt.Errorf("generating API token: %w", err)
	}
	if err := secrets.Set("api.token", tok); err != nil {
		return fmt.Errorf("storing API token: %w", err)
	}
	cfg.API.Token = tok
	return nil
}
