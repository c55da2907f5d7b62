// Package config loads the gateway settings from the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cast"
)

const (
	JobStoreMemory = "memory"
	JobStoreSQLite = "sqlite"

	QueueLocal = "local"
	QueueAsynq = "asynq"
)

// Config holds every runtime setting of the gateway.
type Config struct {
	APIKey        string
	DBDir         string
	ExtensionsDir string

	MaxWorkers   int
	QueryTimeout time.Duration
	BusyTimeout  time.Duration

	CacheExpiry        time.Duration
	MaxCacheSize       int
	CacheSweepSchedule string

	JobStore         string
	JobStorePath     string
	JobRetention     time.Duration
	MaxCompletedJobs int
	JobSweepSchedule string

	QueueBackend  string
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	AsynqQueue    string

	AutoloadExtensions []string

	Host string
	Port int

	LogLevel  string
	LogFormat string

	RateLimitRPS       float64
	RateLimitBurst     int
	CORSAllowedOrigins []string
}

// Addr is the HTTP listen address.
func (c Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// Load reads an optional .env file and then the process environment.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil {
		var pathErr *os.PathError
		if !errors.As(err, &pathErr) {
			return Config{}, fmt.Errorf("load .env file: %w", err)
		}
	}
	return FromLookup(os.LookupEnv)
}

// FromLookup builds a Config from lookup, applying defaults for unset keys.
func FromLookup(lookup func(string) (string, bool)) (Config, error) {
	e := env{lookup: lookup}
	cfg := Config{
		APIKey:        e.str("API_KEY", ""),
		DBDir:         e.str("DB_DIR", "databases"),
		ExtensionsDir: e.str("EXTENSIONS_DIR", "extensions"),

		MaxWorkers:   e.int("MAX_WORKERS", 30),
		QueryTimeout: e.duration("QUERY_TIMEOUT", 30*time.Second),
		BusyTimeout:  e.duration("BUSY_TIMEOUT", 5*time.Second),

		CacheExpiry:        e.duration("CACHE_EXPIRY", 300*time.Second),
		MaxCacheSize:       e.int("MAX_CACHE_SIZE", 1000),
		CacheSweepSchedule: e.str("CACHE_SWEEP_SCHEDULE", "@every 1m"),

		JobStore:         strings.ToLower(e.str("JOB_STORE", JobStoreMemory)),
		JobStorePath:     e.str("JOB_STORE_PATH", "sqlgate-jobs.sqlite"),
		JobRetention:     e.duration("JOB_RETENTION", 5*time.Minute),
		MaxCompletedJobs: e.int("MAX_COMPLETED_JOBS", 10000),
		JobSweepSchedule: e.str("JOB_SWEEP_SCHEDULE", "@every 30s"),

		QueueBackend:  strings.ToLower(e.str("QUEUE_BACKEND", QueueLocal)),
		RedisAddr:     e.str("REDIS_ADDR", "127.0.0.1:6379"),
		RedisPassword: e.str("REDIS_PASSWORD", ""),
		RedisDB:       e.int("REDIS_DB", 0),
		AsynqQueue:    e.str("ASYNQ_QUEUE", "default"),

		AutoloadExtensions: e.list("AUTOLOAD_EXTENSIONS", []string{"default"}),

		Host: e.str("APP_HOST", "0.0.0.0"),
		Port: e.int("APP_PORT", 8000),

		LogLevel:  strings.ToLower(e.str("LOG_LEVEL", "info")),
		LogFormat: strings.ToLower(e.str("LOG_FORMAT", "json")),

		RateLimitRPS:       e.float("RATE_LIMIT_RPS", 0),
		RateLimitBurst:     e.int("RATE_LIMIT_BURST", 20),
		CORSAllowedOrigins: e.list("CORS_ALLOWED_ORIGINS", nil),
	}
	if len(e.errs) > 0 {
		return Config{}, errors.Join(e.errs...)
	}
	return cfg, nil
}

// Validate reports settings the gateway cannot start with.
func (c Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.APIKey) == "" {
		errs = append(errs, errors.New("API_KEY is required"))
	}
	if c.MaxWorkers < 0 {
		errs = append(errs, fmt.Errorf("MAX_WORKERS must not be negative, got %d", c.MaxWorkers))
	}
	if c.MaxCacheSize <= 0 {
		errs = append(errs, fmt.Errorf("MAX_CACHE_SIZE must be positive, got %d", c.MaxCacheSize))
	}
	if c.MaxCompletedJobs < 0 {
		errs = append(errs, fmt.Errorf("MAX_COMPLETED_JOBS must not be negative, got %d", c.MaxCompletedJobs))
	}
	if c.CacheExpiry < 0 || c.QueryTimeout < 0 || c.JobRetention < 0 {
		errs = append(errs, errors.New("durations must not be negative"))
	}
	switch c.JobStore {
	case JobStoreMemory:
	case JobStoreSQLite:
		if c.JobStorePath == "" {
			errs = append(errs, errors.New("JOB_STORE_PATH is required for the sqlite job store"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown JOB_STORE %q", c.JobStore))
	}
	switch c.QueueBackend {
	case QueueLocal:
	case QueueAsynq:
		if c.RedisAddr == "" {
			errs = append(errs, errors.New("REDIS_ADDR is required for the asynq backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown QUEUE_BACKEND %q", c.QueueBackend))
	}
	if c.Port <= 0 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("APP_PORT out of range: %d", c.Port))
	}
	if c.RateLimitRPS < 0 {
		errs = append(errs, errors.New("RATE_LIMIT_RPS must not be negative"))
	}
	return errors.Join(errs...)
}

type env struct {
	lookup func(string) (string, bool)
	errs   []error
}

func (e *env) raw(key string) (string, bool) {
	v, ok := e.lookup(key)
	if !ok {
		return "", false
	}
	v = strings.TrimSpace(v)
	return v, v != ""
}

func (e *env) str(key, def string) string {
	if v, ok := e.raw(key); ok {
		return v
	}
	return def
}

func (e *env) int(key string, def int) int {
	v, ok := e.raw(key)
	if !ok {
		return def
	}
	n, err := cast.ToIntE(v)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%s: %w", key, err))
		return def
	}
	return n
}

func (e *env) float(key string, def float64) float64 {
	v, ok := e.raw(key)
	if !ok {
		return def
	}
	f, err := cast.ToFloat64E(v)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%s: %w", key, err))
		return def
	}
	return f
}

// duration accepts Go duration strings and bare integers, read as seconds.
func (e *env) duration(key string, def time.Duration) time.Duration {
	v, ok := e.raw(key)
	if !ok {
		return def
	}
	if secs, err := cast.ToInt64E(v); err == nil {
		return time.Duration(secs) * time.Second
	}
	d, err := cast.ToDurationE(v)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%s: %w", key, err))
		return def
	}
	return d
}

func (e *env) list(key string, def []string) []string {
	v, ok := e.raw(key)
	if !ok {
		return def
	}
	var out []string
	for _, item := range cast.ToStringSlice(strings.ReplaceAll(v, ",", " ")) {
		if item != "" {
			out = append(out, item)
		}
	}
	return out
}
