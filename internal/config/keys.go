package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

type keyType int

const (
	kString keyType = iota
	kInt
	kDuration
)

type keySpec struct {
	key     string
	typ     keyType
	env     string
	secret  bool
	apply   func(cfg *Config, v any)
	extract func(cfg Config) any
}

var specs = []keySpec{
	{
		key: "server.port", typ: kInt, env: "LIFELOG_SERVER_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "storage.data_dir", typ: kString, env: "LIFELOG_STORAGE_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "llm.base_url", typ: kString, env: "LIFELOG_LLM_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.LLM.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.LLM.BaseURL },
	},
	{
		key: "llm.model", typ: kString, env: "LIFELOG_LLM_MODEL",
		apply:   func(cfg *Config, v any) { cfg.LLM.Model = v.(string) },
		extract: func(cfg Config) any { return cfg.LLM.Model },
	},
	{
		key: "llm.max_context_tokens", typ: kInt, env: "LIFELOG_LLM_MAX_CONTEXT_TOKENS",
		apply:   func(cfg *Config, v any) { cfg.LLM.MaxContextTokens = v.(int) },
		extract: func(cfg Config) any { return cfg.LLM.MaxContextTokens },
	},
	{
		key: "llm.api_key", typ: kString, env: "LIFELOG_LLM_API_KEY",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.LLM.APIKey = v.(string) },
		extract: func(cfg Config) any { return cfg.LLM.APIKey },
	},
	{
		key: "api.token", typ: kString, env: "LIFELOG_API_TOKEN",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.API.Token = v.(string) },
		extract: func(cfg Config) any { return cfg.API.Token },
	},
	{
		key: "worker.poll_interval", typ: kDuration, env: "LIFELOG_WORKER_POLL_INTERVAL",
		apply:   func(cfg *Config, v any) { cfg.Worker.PollInterval = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Worker.PollInterval },
	},
	{
		key: "worker.lock_ttl", typ: kDuration, env: "LIFELOG_WORKER_LOCK_TTL",
		apply:   func(cfg *Config, v any) { cfg.Worker.LockTTL = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Worker.LockTTL },
	},
	{
		key: "worker.backoff_base", typ: kDuration, env: "LIFELOG_WORKER_BACKOFF_BASE",
		apply:   func(cfg *Config, v any) { cfg.Worker.BackoffBase = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Worker.BackoffBase },
	},
	{
		key: "janitor.interval", typ: kDuration, env: "LIFELOG_JANITOR_INTERVAL",
		apply:   func(cfg *Config, v any) { cfg.Janitor.Interval = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Janitor.Interval },
	},
	{
		key: "leader.lease_ttl", typ: kDuration, env: "LIFELOG_LEADER_LEASE_TTL",
		apply:   func(cfg *Config, v any) { cfg.Leader.LeaseTTL = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Leader.LeaseTTL },
	},
	{
		key: "logs.ttl", typ: kDuration, env: "LIFELOG_LOGS_TTL",
		apply:   func(cfg *Config, v any) { cfg.Logs.TTL = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Logs.TTL },
	},
	{
		key: "app.locale", typ: kString, env: "LIFELOG_APP_LOCALE",
		apply:   func(cfg *Config, v any) { cfg.App.Locale = v.(string) },
		extract: func(cfg Config) any { return cfg.App.Locale },
	},
	{
		key: "log.level", typ: kString, env: "LIFELOG_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
}

func applyBackend(cfg *Config, b ConfigBackend) error {
	for _, s := range specs {
		if s.secret {
			continue
		}
		switch s.typ {
		case kString:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		case kInt:
			v, ok, err := b.GetInt(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		case kDuration:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok && v != "" {
				if d, err := time.ParseDuration(v); err == nil {
					s.apply(cfg, d)
				} else {
					fmt.Fprintf(os.Stderr, "[WARN] could not parse duration from config key %s=%q: %v. Using default value.\n", s.key, v, err)
				}
			}
		}
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	for _, s := range specs {
		if s.env == "" {
			continue
		}
		raw := os.Getenv(s.env)
		if raw == "" {
			continue
		}
		switch s.typ {
		case kString:
			s.apply(cfg, raw)
		case kInt:
			if i, err := strconv.Atoi(raw); err == nil {
				s.apply(cfg, i)
			} else {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse integer from env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			}
		case kDuration:
			if d, err := time.ParseDuration(raw); err == nil {
				s.apply(cfg, d)
			} else {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse duration from env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			}
		}
	}
}
