// Package config loads the configuration of the mongoqueue command from
// the environment, optionally populated from .env files.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"

	"github.com/olivere/mongoqueue"
)

// Backends lists the supported backends.
var Backends = []string{"mongodb", "mongodriver", "mysql", "postgres", "sqlite", "redis", "memory"}

// Environment variables read by Load.
const (
	EnvBackend     = "MONGOQUEUE_BACKEND"
	EnvURL         = "MONGOQUEUE_URL"
	EnvDatabase    = "MONGOQUEUE_DATABASE"
	EnvCollection  = "MONGOQUEUE_COLLECTION"
	EnvLockTimeout = "MONGOQUEUE_LOCK_TIMEOUT"
	EnvMaxAttempts = "MONGOQUEUE_MAX_ATTEMPTS"
)

// Config is the configuration of the mongoqueue command.
type Config struct {
	Backend string            // one of Backends
	URL     string            // connection string, or file name for sqlite
	Queue   mongoqueue.Config // queue settings
}

// Default returns the configuration used when nothing is set: an
// in-memory queue with the default settings.
func Default() Config {
	return Config{
		Backend: "memory",
		Queue:   mongoqueue.DefaultConfig(),
	}
}

// Load reads the configuration from the environment. Variables from
// envFiles are added to the environment first, without overriding
// variables that are already set. Without envFiles, a .env file in the
// working directory is loaded if it exists. The result is not validated,
// so callers can apply overrides before calling Validate.
func Load(envFiles ...string) (Config, error) {
	if len(envFiles) == 0 {
		if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
			return Config{}, err
		}
	} else if err := godotenv.Load(envFiles...); err != nil {
		return Config{}, err
	}

	cfg := Default()
	if v := os.Getenv(EnvBackend); v != "" {
		cfg.Backend = v
	}
	cfg.URL = os.Getenv(EnvURL)
	if v := os.Getenv(EnvDatabase); v != "" {
		cfg.Queue.Database = v
	}
	if v := os.Getenv(EnvCollection); v != "" {
		cfg.Queue.Collection = v
	}
	if v := os.Getenv(EnvLockTimeout); v != "" {
		d, err := ParseDuration(v)
		if err != nil {
			return Config{}, fmt.Errorf("config: %s: %w", EnvLockTimeout, err)
		}
		cfg.Queue.LockTimeout = d
	}
	if v := os.Getenv(EnvMaxAttempts); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return Config{}, fmt.Errorf("config: %s: %w", EnvMaxAttempts, err)
		}
		cfg.Queue.MaxAttempts = n
	}
	return cfg, nil
}

// ParseDuration parses a duration like "90s" or "5m". A plain number is
// taken as seconds.
func ParseDuration(s string) (time.Duration, error) {
	if n, err := strconv.Atoi(s); err == nil {
		return time.Duration(n) * time.Second, nil
	}
	return time.ParseDuration(s)
}

// Validate returns an error if the configuration cannot be used.
func (c Config) Validate() error {
	found := false
	for _, b := range Backends {
		if c.Backend == b {
			found = true
			break
		}
	}
	if !found {
		return fmt.Errorf("config: unknown backend %q", c.Backend)
	}
	if c.Backend != "memory" && c.URL == "" {
		return fmt.Errorf("config: backend %q requires a URL", c.Backend)
	}
	return c.Queue.WithDefaults().Validate()
}
