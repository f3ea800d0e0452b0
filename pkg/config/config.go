// Package config loads the indexer's configuration once at startup
// from the environment (optionally seeded from a local .env file),
// per the recognized options table.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Config holds every recognized configuration option. It is read once
// at startup and never mutated afterward.
type Config struct {
	APIURL          string        `envconfig:"API_URL" required:"true"`
	APIWalletURL    string        `envconfig:"API_WALLET_URL" required:"true"`
	DBPath          string        `envconfig:"DB_PATH" default:"./ordindexer.db"`
	RedisURL        string        `envconfig:"REDIS_URL" default:"redis://localhost:6379/0"`
	StartBlock      uint64        `envconfig:"START_BLOCK" default:"792435"`
	MaxRetries      int           `envconfig:"MAX_RETRIES" default:"5"`
	RetryDelay      time.Duration `envconfig:"RETRY_DELAY" default:"500ms"`
	RetryBlockDelay uint64        `envconfig:"RETRY_BLOCK_DELAY" default:"6"`
	ConcurrencyLimit int          `envconfig:"CONCURRENCY_LIMIT" default:"8"`
	Port            int           `envconfig:"PORT" default:"8080"`

	// Ambient additions governing driver recovery and royalty-lookup
	// retry budgets.
	RecoveryPause      time.Duration `envconfig:"RECOVERY_PAUSE" default:"30s"`
	RoyaltyRetryBudget int           `envconfig:"ROYALTY_RETRY_BUDGET" default:"3"`
}

// Load reads an optional .env file (missing is not an error) and then
// populates Config from the process environment.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("process environment: %w", err)
	}
	return &cfg, nil
}
