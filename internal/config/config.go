// Package config handles agent configuration from environment variables
package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"

	"github.com/briangreenhill/surveysync/internal/route"
)

// Backend names
const (
	CacheFile   = "file"
	CacheMemory = "memory"
	CacheRedis  = "redis"

	QueueSQLite   = "sqlite"
	QueuePostgres = "postgres"
	QueueMemory   = "memory"
)

// Config holds all agent configuration
type Config struct {
	Port      string `env:"AGENT_PORT" envDefault:"8787"`
	OriginURL string `env:"ORIGIN_URL" envDefault:"http://localhost:8080"`
	AgentURL  string `env:"AGENT_URL" envDefault:"http://localhost:8787"`

	// CacheVersion names the cache namespace this build owns
	CacheVersion string `env:"CACHE_VERSION" envDefault:"v1"`
	CacheBackend string `env:"CACHE_BACKEND" envDefault:"file"`
	CacheDir     string `env:"CACHE_DIR" envDefault:".surveysync/cache"`

	QueueBackend string `env:"QUEUE_BACKEND" envDefault:"sqlite"`
	QueuePath    string `env:"QUEUE_PATH" envDefault:".surveysync/queue.db"`
	DatabaseURL  string `env:"DATABASE_URL"`

	// RedisAddr backs the Redis cache and the background sync facility
	RedisAddr string `env:"REDIS_ADDR"`

	APIPrefix       string   `env:"API_PREFIX" envDefault:"/api/"`
	ImmutablePaths  []string `env:"IMMUTABLE_PATHS" envDefault:"/api/images/" envSeparator:","`
	MutatingMethods []string `env:"MUTATING_METHODS" envDefault:"POST,PUT,PATCH,DELETE" envSeparator:","`

	ProbeSchedule   string        `env:"PROBE_SCHEDULE" envDefault:"@every 5s"`
	SessionLifetime time.Duration `env:"SESSION_LIFETIME" envDefault:"720h"`

	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogPretty bool   `env:"LOG_PRETTY" envDefault:"false"`
}

// Load reads configuration from environment variables
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	return cfg, nil
}

// Validate checks the configuration is usable
func (c Config) Validate() error {
	var errs []error

	u, err := url.Parse(c.OriginURL)
	if err != nil || !u.IsAbs() || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		errs = append(errs, fmt.Errorf("ORIGIN_URL must be an absolute http(s) URL, got %q", c.OriginURL))
	}
	if c.CacheVersion == "" {
		errs = append(errs, errors.New("CACHE_VERSION is required"))
	}

	switch c.CacheBackend {
	case CacheFile:
		if c.CacheDir == "" {
			errs = append(errs, errors.New("CACHE_DIR is required for the file cache"))
		}
	case CacheMemory:
	case CacheRedis:
		if c.RedisAddr == "" {
			errs = append(errs, errors.New("REDIS_ADDR is required for the redis cache"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown CACHE_BACKEND %q", c.CacheBackend))
	}

	switch c.QueueBackend {
	case QueueSQLite:
		if c.QueuePath == "" {
			errs = append(errs, errors.New("QUEUE_PATH is required for the sqlite queue"))
		}
	case QueueMemory:
	case QueuePostgres:
		if c.DatabaseURL == "" {
			errs = append(errs, errors.New("DATABASE_URL is required for the postgres queue"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown QUEUE_BACKEND %q", c.QueueBackend))
	}

	if !strings.HasPrefix(c.APIPrefix, "/") {
		errs = append(errs, fmt.Errorf("API_PREFIX must start with /, got %q", c.APIPrefix))
	}
	if len(c.MutatingMethods) == 0 {
		errs = append(errs, errors.New("MUTATING_METHODS must not be empty"))
	}
	return errors.Join(errs...)
}

// Classifier builds the request classifier from the route settings
func (c Config) Classifier() route.Classifier {
	methods := make([]string, 0, len(c.MutatingMethods))
	for _, m := range c.MutatingMethods {
		if m = strings.TrimSpace(m); m != "" {
			methods = append(methods, strings.ToUpper(m))
		}
	}
	var prefixes []string
	for _, p := range c.ImmutablePaths {
		if p = strings.TrimSpace(p); p != "" {
			prefixes = append(prefixes, p)
		}
	}
	return route.Classifier{
		MutatingMethods:   methods,
		ImmutablePrefixes: prefixes,
		APIPrefix:         c.APIPrefix,
	}
}

// SyncFacility reports whether background sync runs through asynq
func (c Config) SyncFacility() bool {
	return c.RedisAddr != ""
}
