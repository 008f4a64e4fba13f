package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/rs/zerolog/log"
)

var knownWeakSecrets = []string{
	"change-me", "dev-secret-change-me", "secret", "admin", "password",
}

type Config struct {
	Port                 int      `env:"PORT" envDefault:"8080"`
	DatabaseURL          string   `env:"DATABASE_URL,required"`
	RedisURL             string   `env:"REDIS_URL,required"`
	EngineBaseURL        string   `env:"ENGINE_BASE_URL,required"`
	PoolCount            int      `env:"POOL_COUNT" envDefault:"3"`
	MaxThreadsPerPool    int      `env:"MAX_THREADS_PER_POOL" envDefault:"50"`
	AgentIDs             []string `env:"AGENT_IDS,required" envSeparator:","`
	CronSecret           string   `env:"CRON_SECRET"`
	AgentSecret          string   `env:"AGENT_SECRET"`
	SessionIdleMinutes   int      `env:"SESSION_IDLE_MINUTES" envDefault:"60"`
	EngineTimeoutSeconds int      `env:"ENGINE_TIMEOUT_SECONDS" envDefault:"10"`
	LogLevel             string   `env:"LOG_LEVEL" envDefault:"info"`
}

func (c *Config) Addr() string {
	return fmt.Sprintf(":%d", c.Port)
}

func (c *Config) SessionIdleThreshold() time.Duration {
	return time.Duration(c.SessionIdleMinutes) * time.Minute
}

func (c *Config) EngineTimeout() time.Duration {
	return time.Duration(c.EngineTimeoutSeconds) * time.Second
}

// PoolIDs returns the stable identifiers of every engine pool this
// deployment routes to. Pool ids double as the requested engine session
// ids, so they must not change between releases.
func (c *Config) PoolIDs() []string {
	ids := make([]string, c.PoolCount)
	for i := range ids {
		ids[i] = fmt.Sprintf("pool-%d", i)
	}
	return ids
}

func (c *Config) Validate(isProduction bool) error {
	if c.PoolCount < 1 {
		return fmt.Errorf("POOL_COUNT must be at least 1")
	}
	if c.MaxThreadsPerPool < 1 {
		return fmt.Errorf("MAX_THREADS_PER_POOL must be at least 1")
	}
	if !strings.HasPrefix(c.EngineBaseURL, "http://") && !strings.HasPrefix(c.EngineBaseURL, "https://") {
		return fmt.Errorf("ENGINE_BASE_URL must be an http(s) URL")
	}

	if isProduction {
		if err := validateSecret("CRON_SECRET", c.CronSecret); err != nil {
			return err
		}
		if err := validateSecret("AGENT_SECRET", c.AgentSecret); err != nil {
			return err
		}
		if strings.HasPrefix(c.RedisURL, "redis://") {
			log.Warn().Msg("REDIS_URL uses redis:// (not TLS) in production: consider using rediss://")
		}
		if strings.HasPrefix(c.EngineBaseURL, "http://") {
			log.Warn().Msg("ENGINE_BASE_URL uses http:// in production: consider using https://")
		}
	}

	return nil
}

func validateSecret(name, value string) error {
	if len(value) < 32 {
		return fmt.Errorf("%s must be at least 32 characters in production (generate with: openssl rand -base64 32)", name)
	}
	for _, weak := range knownWeakSecrets {
		if value == weak {
			return fmt.Errorf("%s is a known weak default; set a strong secret in production", name)
		}
	}
	return nil
}

func Load() (*Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return &cfg, nil
}
