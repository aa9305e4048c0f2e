// internal/config/config.go
package config

import (
	"fmt"

	"github.com/caarlos0/env"
	"github.com/joho/godotenv"
)

// Config holds every tunable the bot reads from the environment.
type Config struct {
	DiscordToken string `env:"DISCORD_BOT_TOKEN,required"`

	LeagueURL string `env:"LEAGUE_WEB_URL,required"`

	PostgresUser     string `env:"POSTGRES_USER" envDefault:"postgres"`
	PostgresPassword string `env:"POSTGRES_PASSWORD" envDefault:"postgres"`
	PostgresHost     string `env:"PG_HOST" envDefault:"localhost"`
	PostgresPort     string `env:"PG_PORT" envDefault:"5432"`
	PostgresDatabase string `env:"PG_DATABASE" envDefault:"pugbot"`

	RedisAddr string `env:"REDIS_ADDR" envDefault:"localhost:6379"`
	RedisDB   int    `env:"REDIS_DB" envDefault:"0"`

	MonitorIntervalSec int `env:"MATCH_POLL_SECONDS" envDefault:"20"`
	UnbanSweepSec      int `env:"UNBAN_SWEEP_SECONDS" envDefault:"30"`

	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`
}

// Load reads .env if present, then parses the environment.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}
	return cfg, nil
}

// PostgresURL assembles the pgx connection string the same way the env
// variables are split.
func (c *Config) PostgresURL() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s",
		c.PostgresUser, c.PostgresPassword, c.PostgresHost, c.PostgresPort, c.PostgresDatabase)
}
