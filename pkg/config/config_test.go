package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func envMap(m map[string]string) LookupFunc {
	return func(key string) (string, bool) {
		v, ok := m[key]
		return v, ok
	}
}

func TestDefault(t *testing.T) {
	cfg := Default()

	assert.Equal(t, 3, cfg.Session.MaxContexts)
	assert.Equal(t, 30*time.Second, cfg.Session.OperationTimeout)
	assert.Equal(t, []string{"image", "stylesheet", "font", "media"}, cfg.Session.BlockedResources)
	assert.Equal(t, 3, cfg.Batch.Size)
	assert.Equal(t, 2*time.Second, cfg.Batch.Delay)
	assert.Equal(t, 60*time.Second, cfg.Monitor.Interval)
	assert.Equal(t, 3, cfg.Recovery.MaxAttempts)
	assert.Equal(t, 5*time.Second, cfg.Recovery.CoolDown)
	assert.Equal(t, 10*time.Second, cfg.Recovery.RetryDelay)
	assert.Equal(t, "*/40 0 * * *", cfg.Relogin.Schedule)
	assert.Equal(t, "Asia/Jakarta", cfg.Relogin.TimeZone)
	assert.Equal(t, 5, cfg.Auth.MaxCodeAttempts)
	assert.True(t, cfg.Browser.Headless)

	require.NoError(t, cfg.Validate())
}

func TestLoad(t *testing.T) {
	t.Run("missing file yields defaults", func(t *testing.T) {
		cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
		require.NoError(t, err)
		assert.Equal(t, Default(), cfg)
	})

	t.Run("empty path yields defaults", func(t *testing.T) {
		cfg, err := Load("")
		require.NoError(t, err)
		assert.Equal(t, 3, cfg.Batch.Size)
	})

	t.Run("overrides selected fields", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "consolepilot.yaml")
		data := `
session:
  max_contexts: 5
  operation_timeout: 45s
batch:
  size: 10
relogin:
  schedule: "0 */6 * * *"
  time_zone: UTC
`
		require.NoError(t, os.WriteFile(path, []byte(data), 0600))

		cfg, err := Load(path)
		require.NoError(t, err)
		assert.Equal(t, 5, cfg.Session.MaxContexts)
		assert.Equal(t, 45*time.Second, cfg.Session.OperationTimeout)
		assert.Equal(t, 10, cfg.Batch.Size)
		assert.Equal(t, "0 */6 * * *", cfg.Relogin.Schedule)
		// untouched sections keep defaults
		assert.Equal(t, 2*time.Second, cfg.Batch.Delay)
		assert.Equal(t, 3, cfg.Recovery.MaxAttempts)
		require.NoError(t, cfg.Validate())
	})

	t.Run("malformed yaml", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "bad.yaml")
		require.NoError(t, os.WriteFile(path, []byte("batch: [unclosed"), 0600))

		_, err := Load(path)
		assert.Error(t, err)
	})
}

func TestApplyEnv(t *testing.T) {
	cfg := Default()
	err := cfg.ApplyEnv(envMap(map[string]string{
		"MAX_CONCURRENT_PAGES":        "6",
		"PAGE_TIMEOUT":                "15000",
		"BATCH_SIZE":                  "4",
		"BATCH_DELAY":                 "1500ms",
		"HEALTH_CHECK_INTERVAL":       "30000",
		"RELOGIN_TIME":                "*/20 * * * *",
		"RELOGIN_TZ":                  "UTC",
		"MAX_CRASH_RECOVERY_ATTEMPTS": "5",
		"MAX_OTP_ATTEMPTS":            "2",
		"MAX_LOGIN_RETRIES":           "4",
		"HEADLESS":                    "false",
		"NATS_URL":                    "nats://127.0.0.1:4222",
		"PORT":                        "7123",
		"API_KEY":                     "secret",
		"LOG_LEVEL":                   "debug",
		"ROSTER_PATH":                 "/data/ids.json",
	}))
	require.NoError(t, err)

	assert.Equal(t, 6, cfg.Session.MaxContexts)
	assert.Equal(t, 15*time.Second, cfg.Session.OperationTimeout)
	assert.Equal(t, 4, cfg.Batch.Size)
	assert.Equal(t, 1500*time.Millisecond, cfg.Batch.Delay)
	assert.Equal(t, 30*time.Second, cfg.Monitor.Interval)
	assert.Equal(t, "*/20 * * * *", cfg.Relogin.Schedule)
	assert.Equal(t, "UTC", cfg.Relogin.TimeZone)
	assert.Equal(t, 5, cfg.Recovery.MaxAttempts)
	assert.Equal(t, 2, cfg.Auth.MaxCodeAttempts)
	assert.Equal(t, 4, cfg.Auth.MaxRetries)
	assert.False(t, cfg.Browser.Headless)
	assert.Equal(t, "nats://127.0.0.1:4222", cfg.Notify.NATSURL)
	assert.Equal(t, ":7123", cfg.Server.Addr)
	assert.Equal(t, "secret", cfg.Server.APIKey)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "/data/ids.json", cfg.Roster.Path)
	require.NoError(t, cfg.Validate())
}

func TestApplyEnvHeadlessOnlyFalseDisables(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.ApplyEnv(envMap(map[string]string{"HEADLESS": "0"})))
	assert.True(t, cfg.Browser.Headless)
}

func TestApplyEnvInvalidValues(t *testing.T) {
	cfg := Default()
	err := cfg.ApplyEnv(envMap(map[string]string{
		"BATCH_SIZE":  "three",
		"BATCH_DELAY": "soon",
	}))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "BATCH_SIZE")
	assert.Contains(t, err.Error(), "BATCH_DELAY")
	// failed values leave defaults in place
	assert.Equal(t, 3, cfg.Batch.Size)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"zero contexts", func(c *Config) { c.Session.MaxContexts = 0 }, "max_contexts"},
		{"zero batch size", func(c *Config) { c.Batch.Size = 0 }, "batch size"},
		{"negative batch delay", func(c *Config) { c.Batch.Delay = -time.Second }, "batch delay"},
		{"zero interval", func(c *Config) { c.Monitor.Interval = 0 }, "monitor interval"},
		{"zero recovery attempts", func(c *Config) { c.Recovery.MaxAttempts = 0 }, "max_attempts"},
		{"bad digits", func(c *Config) { c.Auth.CodeDigits = 7 }, "code_digits"},
		{"bad schedule", func(c *Config) { c.Relogin.Schedule = "every day" }, "relogin schedule"},
		{"bad zone", func(c *Config) { c.Relogin.TimeZone = "Mars/Olympus" }, "time_zone"},
		{"bad level", func(c *Config) { c.Logging.Level = "verbose" }, "logging level"},
		{"no base url", func(c *Config) { c.Console.BaseURL = "" }, "base_url"},
		{"negative idle timeout", func(c *Config) { c.Session.IdleTimeout = -time.Minute }, "idle_timeout"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}

	t.Run("disabled relogin skips schedule checks", func(t *testing.T) {
		cfg := Default()
		cfg.Relogin.Enabled = false
		cfg.Relogin.Schedule = "garbage"
		assert.NoError(t, cfg.Validate())
	})
}
