// Package config loads the evstored configuration from an optional YAML file
// and EVSTORE_* environment variables.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	BackendMemory   = "memory"
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
	BackendDynamoDB = "dynamodb"
	BackendNATS     = "nats"
	BackendRedis    = "redis"
)

type Config struct {
	Log            Log           `yaml:"log"`
	HTTP           HTTP          `yaml:"http"`
	Metrics        Metrics       `yaml:"metrics"`
	Cache          Cache         `yaml:"cache"`
	Backend        Backend       `yaml:"backend"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
}

type Log struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // text or json
}

type HTTP struct {
	Addr            string        `yaml:"addr"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

type Metrics struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

type Cache struct {
	// Size is the number of cached stream versions; 0 disables the cache.
	Size   int `yaml:"size"`
	Shards int `yaml:"shards"`
}

type Backend struct {
	Type     string   `yaml:"type"`
	SQLite   SQLite   `yaml:"sqlite"`
	Postgres Postgres `yaml:"postgres"`
	DynamoDB DynamoDB `yaml:"dynamodb"`
	NATS     NATS     `yaml:"nats"`
	Redis    Redis    `yaml:"redis"`
}

type SQLite struct {
	Path string `yaml:"path"`
}

type Postgres struct {
	DSN string `yaml:"dsn"`
}

type DynamoDB struct {
	Table          string  `yaml:"table"`
	Region         string  `yaml:"region"`
	Endpoint       string  `yaml:"endpoint"`
	CreateTable    bool    `yaml:"create_table"`
	WriteRateLimit float64 `yaml:"write_rate_limit"`
	WriteBurst     int     `yaml:"write_burst"`
}

type NATS struct {
	URL           string        `yaml:"url"`
	Name          string        `yaml:"name"`
	MaxReconnects int           `yaml:"max_reconnects"`
	ReconnectWait time.Duration `yaml:"reconnect_wait"`
	StreamName    string        `yaml:"stream_name"`
	SubjectPrefix string        `yaml:"subject_prefix"`
}

type Redis struct {
	Addr      string `yaml:"addr"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db"`
	KeyPrefix string `yaml:"key_prefix"`
}

// Default returns a configuration that runs on the in-memory backend.
func Default() Config {
	return Config{
		Log: Log{Level: "info", Format: "text"},
		HTTP: HTTP{
			Addr:            ":8080",
			ReadTimeout:     10 * time.Second,
			WriteTimeout:    10 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		Metrics: Metrics{Enabled: true, Addr: ":9090"},
		Cache:   Cache{Size: 10_000, Shards: 32},
		Backend: Backend{
			Type:     BackendMemory,
			SQLite:   SQLite{Path: "evstore.db"},
			DynamoDB: DynamoDB{Table: "evstore_events"},
			NATS: NATS{
				URL:           "nats://127.0.0.1:4222",
				Name:          "evstored",
				MaxReconnects: 3,
				ReconnectWait: 2 * time.Second,
			},
			Redis: Redis{Addr: "127.0.0.1:6379"},
		},
		RequestTimeout: 5 * time.Second,
	}
}

// Load reads path over the defaults, applies environment overrides and
// validates the result. An empty path skips the file.
func Load(path string) (Config, error) {
	cfg, err := Read(path)
	if err != nil {
		return cfg, err
	}
	return cfg, cfg.Validate()
}

// Read is Load without validation, for callers that override fields
// before validating.
func Read(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	return cfg, cfg.ApplyEnv()
}

// ApplyEnv overrides fields from EVSTORE_* environment variables.
func (c *Config) ApplyEnv() error {
	var errs []error
	str := func(key string, dst *string) {
		*dst = getEnv(key, *dst)
	}
	num := func(key string, dst *int) {
		if v, err := getEnvInt(key, *dst); err != nil {
			errs = append(errs, err)
		} else {
			*dst = v
		}
	}
	dur := func(key string, dst *time.Duration) {
		if v, err := getEnvDuration(key, *dst); err != nil {
			errs = append(errs, err)
		} else {
			*dst = v
		}
	}

	str("EVSTORE_LOG_LEVEL", &c.Log.Level)
	str("EVSTORE_LOG_FORMAT", &c.Log.Format)
	str("EVSTORE_HTTP_ADDR", &c.HTTP.Addr)
	str("EVSTORE_METRICS_ADDR", &c.Metrics.Addr)
	c.Metrics.Enabled = getEnvBool("EVSTORE_METRICS_ENABLED", c.Metrics.Enabled)
	num("EVSTORE_CACHE_SIZE", &c.Cache.Size)
	dur("EVSTORE_REQUEST_TIMEOUT", &c.RequestTimeout)

	str("EVSTORE_BACKEND", &c.Backend.Type)
	str("EVSTORE_SQLITE_PATH", &c.Backend.SQLite.Path)
	str("EVSTORE_POSTGRES_DSN", &c.Backend.Postgres.DSN)
	str("EVSTORE_DYNAMODB_TABLE", &c.Backend.DynamoDB.Table)
	str("EVSTORE_DYNAMODB_REGION", &c.Backend.DynamoDB.Region)
	str("EVSTORE_DYNAMODB_ENDPOINT", &c.Backend.DynamoDB.Endpoint)
	c.Backend.DynamoDB.CreateTable = getEnvBool("EVSTORE_DYNAMODB_CREATE_TABLE", c.Backend.DynamoDB.CreateTable)
	str("EVSTORE_NATS_URL", &c.Backend.NATS.URL)
	str("EVSTORE_NATS_NAME", &c.Backend.NATS.Name)
	num("EVSTORE_NATS_MAX_RECONNECTS", &c.Backend.NATS.MaxReconnects)
	dur("EVSTORE_NATS_RECONNECT_WAIT", &c.Backend.NATS.ReconnectWait)
	str("EVSTORE_REDIS_ADDR", &c.Backend.Redis.Addr)
	str("EVSTORE_REDIS_PASSWORD", &c.Backend.Redis.Password)
	num("EVSTORE_REDIS_DB", &c.Backend.Redis.DB)

	return errors.Join(errs...)
}

// Validate reports every invalid setting.
func (c Config) Validate() error {
	var errs []error
	if _, err := c.SlogLevel(); err != nil {
		errs = append(errs, err)
	}
	if c.Log.Format != "text" && c.Log.Format != "json" {
		errs = append(errs, fmt.Errorf("log.format: must be text or json, got %q", c.Log.Format))
	}
	if c.HTTP.Addr == "" {
		errs = append(errs, errors.New("http.addr: required"))
	}
	if c.Metrics.Enabled && c.Metrics.Addr == "" {
		errs = append(errs, errors.New("metrics.addr: required when metrics are enabled"))
	}
	if c.Cache.Size < 0 {
		errs = append(errs, errors.New("cache.size: must not be negative"))
	}
	if c.RequestTimeout < 0 {
		errs = append(errs, errors.New("request_timeout: must not be negative"))
	}

	b := c.Backend
	switch b.Type {
	case BackendMemory:
	case BackendSQLite:
		if b.SQLite.Path == "" {
			errs = append(errs, errors.New("backend.sqlite.path: required"))
		}
	case BackendPostgres:
		if b.Postgres.DSN == "" {
			errs = append(errs, errors.New("backend.postgres.dsn: required"))
		}
	case BackendDynamoDB:
		if b.DynamoDB.Table == "" {
			errs = append(errs, errors.New("backend.dynamodb.table: required"))
		}
		if b.DynamoDB.WriteRateLimit < 0 {
			errs = append(errs, errors.New("backend.dynamodb.write_rate_limit: must not be negative"))
		}
	case BackendNATS:
		if b.NATS.URL == "" {
			errs = append(errs, errors.New("backend.nats.url: required"))
		}
		if b.NATS.ReconnectWait < 0 {
			errs = append(errs, errors.New("backend.nats.reconnect_wait: must not be negative"))
		}
	case BackendRedis:
		if b.Redis.Addr == "" {
			errs = append(errs, errors.New("backend.redis.addr: required"))
		}
	default:
		errs = append(errs, fmt.Errorf("backend.type: unknown backend %q", b.Type))
	}
	return errors.Join(errs...)
}

// SlogLevel parses Log.Level.
func (c Config) SlogLevel() (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(c.Log.Level)); err != nil {
		return 0, fmt.Errorf("log.level: %w", err)
	}
	return l, nil
}

func getEnv(key, fallback string) string {
	v, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	return v
}

func getEnvInt(key string, fallback int) (int, error) {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback, fmt.Errorf("%s: %w", key, err)
	}
	return n, nil
}

func getEnvBool(key string, fallback bool) bool {
	v := getEnv(key, "")
	if v == "" {
		return fallback
	}
	return v == "1" || strings.ToLower(v) == "true"
}

func getEnvDuration(key string, fallback time.Duration) (time.Duration, error) {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback, fmt.Errorf("%s: %w", key, err)
	}
	return d, nil
}
