package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func lookupFrom(m map[string]string) func(string) (string, bool) {
	return func(k string) (string, bool) {
		v, ok := m[k]
		return v, ok
	}
}

func TestDefaults(t *testing.T) {
	cfg, err := FromLookup(lookupFrom(nil))
	require.NoError(t, err)

	assert.Equal(t, "databases", cfg.DBDir)
	assert.Equal(t, "extensions", cfg.ExtensionsDir)
	assert.Equal(t, 30, cfg.MaxWorkers)
	assert.Equal(t, 300*time.Second, cfg.CacheExpiry)
	assert.Equal(t, 1000, cfg.MaxCacheSize)
	assert.Equal(t, 5*time.Minute, cfg.JobRetention)
	assert.Equal(t, JobStoreMemory, cfg.JobStore)
	assert.Equal(t, QueueLocal, cfg.QueueBackend)
	assert.Equal(t, []string{"default"}, cfg.AutoloadExtensions)
	assert.Equal(t, "0.0.0.0:8000", cfg.Addr())

	// no API key by default
	assert.ErrorContains(t, cfg.Validate(), "API_KEY")
}

func TestOverrides(t *testing.T) {
	cfg, err := FromLookup(lookupFrom(map[string]string{
		"API_KEY":              "s3cret",
		"MAX_WORKERS":          " 4 ",
		"CACHE_EXPIRY":         "60",
		"QUERY_TIMEOUT":        "1500ms",
		"JOB_STORE":            "SQLite",
		"QUEUE_BACKEND":        "asynq",
		"AUTOLOAD_EXTENSIONS":  "default, analytics,,",
		"CORS_ALLOWED_ORIGINS": "https://a.example,https://b.example",
		"RATE_LIMIT_RPS":       "2.5",
		"APP_PORT":             "9090",
		"DB_DIR":               "",
	}))
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 4, cfg.MaxWorkers)
	assert.Equal(t, time.Minute, cfg.CacheExpiry)
	assert.Equal(t, 1500*time.Millisecond, cfg.QueryTimeout)
	assert.Equal(t, JobStoreSQLite, cfg.JobStore)
	assert.Equal(t, QueueAsynq, cfg.QueueBackend)
	assert.Equal(t, []string{"default", "analytics"}, cfg.AutoloadExtensions)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.CORSAllowedOrigins)
	assert.InDelta(t, 2.5, cfg.RateLimitRPS, 1e-9)
	assert.Equal(t, 9090, cfg.Port)
	assert.Equal(t, "databases", cfg.DBDir, "empty values fall back to defaults")
}

func TestMalformedValues(t *testing.T) {
	_, err := FromLookup(lookupFrom(map[string]string{
		"MAX_WORKERS":   "many",
		"JOB_RETENTION": "soon",
	}))
	require.Error(t, err)
	assert.ErrorContains(t, err, "MAX_WORKERS")
	assert.ErrorContains(t, err, "JOB_RETENTION")
}

func TestValidate(t *testing.T) {
	base, err := FromLookup(lookupFrom(map[string]string{"API_KEY": "k"}))
	require.NoError(t, err)
	require.NoError(t, base.Validate())

	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"negative workers", func(c *Config) { c.MaxWorkers = -1 }, "MAX_WORKERS"},
		{"negative cache size", func(c *Config) { c.MaxCacheSize = -5 }, "MAX_CACHE_SIZE"},
		{"unknown store", func(c *Config) { c.JobStore = "postgres" }, "JOB_STORE"},
		{"unknown backend", func(c *Config) { c.QueueBackend = "kafka" }, "QUEUE_BACKEND"},
		{"blank key", func(c *Config) { c.APIKey = "  " }, "API_KEY"},
		{"bad port", func(c *Config) { c.Port = 0 }, "APP_PORT"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base
			tt.mutate(&cfg)
			assert.ErrorContains(t, cfg.Validate(), tt.want)
		})
	}
}
