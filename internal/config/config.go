// Package config loads application configuration from environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all runtime configuration values. Each field corresponds to
// an environment variable.
type Config struct {
	Env      string // application environment (e.g. "dev", "prod")
	Port     string // HTTP port to listen on
	LogLevel string

	DBUser string
	DBPass string // empty allowed
	DBHost string
	DBPort string
	DBName string

	RabbitURL            string // empty disables cross-instance invalidation
	InvalidationExchange string

	Redis     RedisConfig
	RateLimit RateLimitConfig
	IDGen     IDGenConfig
	Lock      LockConfig
	Inventory InventoryConfig
}

// IDGenConfig selects the node the identifier generator runs as. Negative
// ids are derived from the host's network identity.
type IDGenConfig struct {
	DatacenterID int64
	WorkerID     int64
}

// LockConfig holds distributed lock defaults.
type LockConfig struct {
	Wait          time.Duration
	Lease         time.Duration
	RetryInterval time.Duration
}

// InventoryConfig tunes the reservation engine.
type InventoryConfig struct {
	LocalCacheSize  int
	KeyRetention    time.Duration
	MatchAttempts   int
	OrderTableCount int
}

// Load reads configuration values from environment variables. Required
// variables are enforced by must; every missing or malformed one is
// reported in the returned error.
func Load() (Config, error) {
	var e env
	cfg := Config{
		Env:      e.must("APP_ENV"),
		Port:     e.str("APP_PORT", "8080"),
		LogLevel: e.str("LOG_LEVEL", "info"),

		DBUser: e.must("DB_USER"),
		DBPass: os.Getenv("DB_PASS"),
		DBHost: e.must("DB_HOST"),
		DBPort: e.must("DB_PORT"),
		DBName: e.must("DB_NAME"),

		RabbitURL:            e.str("RABBITMQ_URL", os.Getenv("AMQP_URL")),
		InvalidationExchange: e.str("INVALIDATION_EXCHANGE", "inventory.invalidate"),

		Redis:     loadRedisConfig(&e),
		RateLimit: loadRateLimitConfig(&e),
		IDGen: IDGenConfig{
			DatacenterID: int64(e.intOr("IDGEN_DATACENTER_ID", -1)),
			WorkerID:     int64(e.intOr("IDGEN_WORKER_ID", -1)),
		},
		Lock: LockConfig{
			Wait:          e.durOr("LOCK_WAIT", time.Second),
			Lease:         e.durOr("LOCK_LEASE", 10*time.Second),
			RetryInterval: e.durOr("LOCK_RETRY_INTERVAL", 5*time.Millisecond),
		},
		Inventory: InventoryConfig{
			LocalCacheSize:  e.intOr("LOCAL_CACHE_SIZE", 10000),
			KeyRetention:    e.durOr("INVENTORY_KEY_RETENTION", 24*time.Hour),
			MatchAttempts:   e.intOr("MATCH_ATTEMPTS", 3),
			OrderTableCount: e.intOr("ORDER_TABLE_COUNT", 4),
		},
	}
	if cfg.Inventory.OrderTableCount < 1 || cfg.Inventory.OrderTableCount > 1024 {
		e.fail("ORDER_TABLE_COUNT must be in [1, 1024], got %d", cfg.Inventory.OrderTableCount)
	}
	if cfg.Lock.Lease <= 0 {
		e.fail("LOCK_LEASE must be positive, got %s", cfg.Lock.Lease)
	}
	if err := e.err(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Addr is the HTTP listen address.
func (c Config) Addr() string {
	if strings.Contains(c.Port, ":") {
		return c.Port
	}
	return ":" + c.Port
}

// DSN is the MySQL data source name. parseTime maps DATETIME to time.Time
// and loc=UTC keeps times consistent.
func (c Config) DSN() string {
	auth := c.DBUser
	if c.DBPass != "" {
		auth = fmt.Sprintf("%s:%s", c.DBUser, c.DBPass)
	}
	return fmt.Sprintf("%s@tcp(%s:%s)/%s?charset=utf8mb4&parseTime=true&loc=UTC",
		auth, c.DBHost, c.DBPort, c.DBName)
}

// env collects configuration problems so Load can report all of them at once.
type env struct {
	problems []error
}

func (e *env) fail(format string, args ...any) {
	e.problems = append(e.problems, fmt.Errorf(format, args...))
}

func (e *env) err() error {
	return errors.Join(e.problems...)
}

// must retrieves the value of a required environment variable.
func (e *env) must(key string) string {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		e.fail("missing required env var: %s", key)
	}
	return v
}

// str returns the variable or d when it is unset or empty.
func (e *env) str(key, d string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return d
}

// intOr returns the variable parsed as an int, or d when unset. A
// malformed value is recorded rather than silently replaced by d.
func (e *env) intOr(key string, d int) int {
	s := os.Getenv(key)
	if s == "" {
		return d
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		e.fail("invalid int for %s: %q", key, s)
		return d
	}
	return n
}

func (e *env) durOr(key string, d time.Duration) time.Duration {
	s := os.Getenv(key)
	if s == "" {
		return d
	}
	dur, err := time.ParseDuration(s)
	if err != nil {
		e.fail("invalid duration for %s: %q", key, s)
		return d
	}
	return dur
}

func (e *env) boolOr(key string, d bool) bool {
	s := os.Getenv(key)
	if s == "" {
		return d
	}
	b, err := strconv.ParseBool(strings.ToLower(s))
	if err != nil {
		switch strings.ToLower(s) {
		case "yes", "on":
			return true
		case "no", "off":
			return false
		}
		e.fail("invalid bool for %s: %q", key, s)
		return d
	}
	return b
}
