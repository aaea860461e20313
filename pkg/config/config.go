package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

// Config is the full runtime configuration of a consolepilot process.
type Config struct {
	// Console endpoints
	Console ConsoleConfig `yaml:"console" json:"console"`

	// Browser process settings
	Browser BrowserConfig `yaml:"browser" json:"browser"`

	// Execution context leasing
	Session SessionConfig `yaml:"session" json:"session"`

	// Login state machine
	Auth AuthConfig `yaml:"auth" json:"auth"`

	// Batch execution
	Batch BatchConfig `yaml:"batch" json:"batch"`

	// Liveness supervision
	Monitor  MonitorConfig  `yaml:"monitor" json:"monitor"`
	Recovery RecoveryConfig `yaml:"recovery" json:"recovery"`
	Relogin  ReloginConfig  `yaml:"relogin" json:"relogin"`

	// Progress events
	Notify NotifyConfig `yaml:"notify" json:"notify"`

	// HTTP surface
	Server ServerConfig `yaml:"server" json:"server"`

	Logging LoggingConfig `yaml:"logging" json:"logging"`
	Roster  RosterConfig  `yaml:"roster" json:"roster"`
}

// ConsoleConfig holds the admin console URLs.
type ConsoleConfig struct {
	BaseURL   string `yaml:"base_url" json:"base_url"`
	LoginURL  string `yaml:"login_url" json:"login_url"`
	LogoutURL string `yaml:"logout_url" json:"logout_url"`
}

// BrowserConfig controls how the browser process is launched.
type BrowserConfig struct {
	Headless bool `yaml:"headless" json:"headless"`
	// Install downloads the driver and browser binaries before launch
	Install       bool          `yaml:"install" json:"install"`
	LaunchTimeout time.Duration `yaml:"launch_timeout" json:"launch_timeout"`
}

// SessionConfig controls execution context leasing.
type SessionConfig struct {
	MaxContexts        int           `yaml:"max_contexts" json:"max_contexts"`
	OperationTimeout   time.Duration `yaml:"operation_timeout" json:"operation_timeout"`
	HealthProbeTimeout time.Duration `yaml:"health_probe_timeout" json:"health_probe_timeout"`
	// IdleTimeout reclaims leases held longer than this; zero disables
	IdleTimeout      time.Duration `yaml:"idle_timeout" json:"idle_timeout"`
	BlockedResources []string      `yaml:"blocked_resources" json:"blocked_resources"`
}

// AuthConfig controls the login state machine.
type AuthConfig struct {
	MaxRetries      int           `yaml:"max_retries" json:"max_retries"`
	MaxCodeAttempts int           `yaml:"max_code_attempts" json:"max_code_attempts"`
	StepTimeout     time.Duration `yaml:"step_timeout" json:"step_timeout"`
	RetryBackoff    time.Duration `yaml:"retry_backoff" json:"retry_backoff"`
	LogoutPause     time.Duration `yaml:"logout_pause" json:"logout_pause"`
	SettleDelay     time.Duration `yaml:"settle_delay" json:"settle_delay"`
	CodeDigits      int           `yaml:"code_digits" json:"code_digits"`
}

// BatchConfig controls batch partitioning.
type BatchConfig struct {
	Size  int           `yaml:"size" json:"size"`
	Delay time.Duration `yaml:"delay" json:"delay"`
}

// MonitorConfig controls the health check loop.
type MonitorConfig struct {
	Interval time.Duration `yaml:"interval" json:"interval"`
}

// RecoveryConfig controls crash recovery.
type RecoveryConfig struct {
	MaxAttempts int           `yaml:"max_attempts" json:"max_attempts"`
	CoolDown    time.Duration `yaml:"cool_down" json:"cool_down"`
	RetryDelay  time.Duration `yaml:"retry_delay" json:"retry_delay"`
}

// ReloginConfig controls the scheduled forced relogin.
type ReloginConfig struct {
	Enabled  bool   `yaml:"enabled" json:"enabled"`
	Schedule string `yaml:"schedule" json:"schedule"`
	TimeZone string `yaml:"time_zone" json:"time_zone"`
}

// NotifyConfig controls where progress events go. An empty NATSURL keeps
// events in the log only.
type NotifyConfig struct {
	NATSURL       string `yaml:"nats_url" json:"nats_url"`
	SubjectPrefix string `yaml:"subject_prefix" json:"subject_prefix"`
	Channel       string `yaml:"channel" json:"channel"`
}

// ServerConfig controls the HTTP listener.
type ServerConfig struct {
	Addr            string        `yaml:"addr" json:"addr"`
	APIKey          string        `yaml:"api_key" json:"-"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" json:"shutdown_timeout"`
}

// LoggingConfig defines logging configuration
type LoggingConfig struct {
	// Level is one of debug, info, warn, error
	Level string `yaml:"level" json:"level"`
}

// RosterConfig locates the target roster file.
type RosterConfig struct {
	Path string `yaml:"path" json:"path"`
}

// Default returns a configuration with the production defaults.
func Default() *Config {
	return &Config{
		Console: ConsoleConfig{
			BaseURL:   "https://admin.google.com",
			LoginURL:  DefaultLoginURL,
			LogoutURL: "https://accounts.google.com/Logout?hl=en&continue=https://admin.google.com",
		},
		Browser: BrowserConfig{
			Headless:      true,
			LaunchTimeout: 60 * time.Second,
		},
		Session: SessionConfig{
			MaxContexts:        3,
			OperationTimeout:   30 * time.Second,
			HealthProbeTimeout: 5 * time.Second,
			IdleTimeout:        5 * time.Minute,
			BlockedResources:   []string{"image", "stylesheet", "font", "media"},
		},
		Auth: AuthConfig{
			MaxRetries:      3,
			MaxCodeAttempts: 5,
			StepTimeout:     15 * time.Second,
			RetryBackoff:    2 * time.Second,
			LogoutPause:     3 * time.Second,
			SettleDelay:     2 * time.Second,
			CodeDigits:      6,
		},
		Batch: BatchConfig{
			Size:  3,
			Delay: 2 * time.Second,
		},
		Monitor: MonitorConfig{
			Interval: 60 * time.Second,
		},
		Recovery: RecoveryConfig{
			MaxAttempts: 3,
			CoolDown:    5 * time.Second,
			RetryDelay:  10 * time.Second,
		},
		Relogin: ReloginConfig{
			Enabled:  true,
			Schedule: "*/40 0 * * *",
			TimeZone: "Asia/Jakarta",
		},
		Notify: NotifyConfig{
			SubjectPrefix: "consolepilot",
			Channel:       "turn_off",
		},
		Server: ServerConfig{
			Addr:            ":3000",
			ShutdownTimeout: 30 * time.Second,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
		Roster: RosterConfig{
			Path: "ids.json",
		},
	}
}

// DefaultLoginURL is the sign-in entry point of the admin console.
const DefaultLoginURL = "https://accounts.google.com/v3/signin/identifier?continue=https%3A%2F%2Fadmin.google.com%2F&followup=https%3A%2F%2Fadmin.google.com%2F&ifkv=AcMMx-cSIp2ZhSL47HoTHd_r4Q0ZyNwbhfp5rLL-mbr5cuPUGjBbFpWzYSWtomfmv5AXgsmbn5xV&passive=1209600&flowName=GlifWebSignIn&flowEntry=ServiceLogin&dsh=S616393372%3A1731296919429624&ddm=1"

// Load reads a YAML file on top of the defaults. A missing path yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return cfg, nil
}

// LookupFunc resolves an environment variable. os.LookupEnv satisfies it.
type LookupFunc func(key string) (string, bool)

// ApplyEnv overrides fields from environment variables. Millisecond options
// accept either a bare integer (milliseconds) or a Go duration string.
func (c *Config) ApplyEnv(lookup LookupFunc) error {
	if lookup == nil {
		lookup = os.LookupEnv
	}

	var errs []error
	setInt := func(key string, dst *int) {
		if v, ok := lookup(key); ok && v != "" {
			n, err := strconv.Atoi(strings.TrimSpace(v))
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = n
		}
	}
	setDuration := func(key string, dst *time.Duration) {
		if v, ok := lookup(key); ok && v != "" {
			d, err := parseMillis(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = d
		}
	}
	setString := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}

	setInt("MAX_CONCURRENT_PAGES", &c.Session.MaxContexts)
	setDuration("PAGE_TIMEOUT", &c.Session.OperationTimeout)
	setInt("BATCH_SIZE", &c.Batch.Size)
	setDuration("BATCH_DELAY", &c.Batch.Delay)
	setDuration("HEALTH_CHECK_INTERVAL", &c.Monitor.Interval)
	setString("RELOGIN_TIME", &c.Relogin.Schedule)
	setString("RELOGIN_TZ", &c.Relogin.TimeZone)
	setInt("MAX_CRASH_RECOVERY_ATTEMPTS", &c.Recovery.MaxAttempts)
	setInt("MAX_OTP_ATTEMPTS", &c.Auth.MaxCodeAttempts)
	setInt("MAX_LOGIN_RETRIES", &c.Auth.MaxRetries)
	setString("NATS_URL", &c.Notify.NATSURL)
	setString("API_KEY", &c.Server.APIKey)
	setString("LOG_LEVEL", &c.Logging.Level)
	setString("ROSTER_PATH", &c.Roster.Path)
	setString("CONSOLE_URL", &c.Console.BaseURL)

	// Only the literal "false" turns headless mode off
	if v, ok := lookup("HEADLESS"); ok && v != "" {
		c.Browser.Headless = v != "false"
	}
	if v, ok := lookup("PORT"); ok && v != "" {
		if strings.Contains(v, ":") {
			c.Server.Addr = v
		} else {
			c.Server.Addr = ":" + v
		}
	}

	return errors.Join(errs...)
}

func parseMillis(v string) (time.Duration, error) {
	v = strings.TrimSpace(v)
	if ms, err := strconv.ParseInt(v, 10, 64); err == nil {
		return time.Duration(ms) * time.Millisecond, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q", v)
	}
	return d, nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Console.BaseURL == "" {
		return fmt.Errorf("console base_url is required")
	}
	if c.Console.LoginURL == "" {
		return fmt.Errorf("console login_url is required")
	}

	if c.Session.MaxContexts < 1 {
		return fmt.Errorf("session max_contexts must be at least 1")
	}
	if c.Session.OperationTimeout <= 0 {
		return fmt.Errorf("session operation_timeout must be positive")
	}
	if c.Session.HealthProbeTimeout <= 0 {
		return fmt.Errorf("session health_probe_timeout must be positive")
	}
	if c.Session.IdleTimeout < 0 {
		return fmt.Errorf("session idle_timeout cannot be negative")
	}

	if c.Auth.MaxRetries < 1 {
		return fmt.Errorf("auth max_retries must be at least 1")
	}
	if c.Auth.MaxCodeAttempts < 1 {
		return fmt.Errorf("auth max_code_attempts must be at least 1")
	}
	if c.Auth.StepTimeout <= 0 {
		return fmt.Errorf("auth step_timeout must be positive")
	}
	if c.Auth.RetryBackoff < 0 || c.Auth.LogoutPause < 0 || c.Auth.SettleDelay < 0 {
		return fmt.Errorf("auth delays cannot be negative")
	}
	if c.Auth.CodeDigits != 6 && c.Auth.CodeDigits != 8 {
		return fmt.Errorf("invalid auth code_digits: %d (must be 6 or 8)", c.Auth.CodeDigits)
	}

	if c.Batch.Size < 1 {
		return fmt.Errorf("batch size must be at least 1")
	}
	if c.Batch.Delay < 0 {
		return fmt.Errorf("batch delay cannot be negative")
	}

	if c.Monitor.Interval <= 0 {
		return fmt.Errorf("monitor interval must be positive")
	}

	if c.Recovery.MaxAttempts < 1 {
		return fmt.Errorf("recovery max_attempts must be at least 1")
	}
	if c.Recovery.CoolDown < 0 || c.Recovery.RetryDelay < 0 {
		return fmt.Errorf("recovery delays cannot be negative")
	}

	if c.Relogin.Enabled {
		if _, err := c.Relogin.Location(); err != nil {
			return err
		}
		if _, err := cron.ParseStandard(c.Relogin.Schedule); err != nil {
			return fmt.Errorf("invalid relogin schedule %q: %w", c.Relogin.Schedule, err)
		}
	}

	validLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("invalid logging level: %s (must be 'debug', 'info', 'warn', or 'error')", c.Logging.Level)
	}

	return nil
}

// Location resolves the relogin time zone. An empty zone means local time.
func (r ReloginConfig) Location() (*time.Location, error) {
	if r.TimeZone == "" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(r.TimeZone)
	if err != nil {
		return nil, fmt.Errorf("invalid relogin time_zone %q: %w", r.TimeZone, err)
	}
	return loc, nil
}
