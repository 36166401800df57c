// Package config loads the score fetcher configuration from a YAML file,
// SCOREFETCH_* environment variables and built-in defaults.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Sternrassler/osu-score-fetcher/pkg/logging"
	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment override, e.g.
// SCOREFETCH_SCHEDULER_WORKERS=8 sets scheduler.workers.
const EnvPrefix = "SCOREFETCH"

// Backend names.
const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
	BackendSQLite = "sqlite"
)

// Config is the complete application configuration.
type Config struct {
	Server      ServerConfig     `mapstructure:"server"`
	Osu         OsuConfig        `mapstructure:"osu"`
	RateLimit   RateLimitConfig  `mapstructure:"ratelimit"`
	Redis       RedisConfig      `mapstructure:"redis"`
	Store       StoreConfig      `mapstructure:"store"`
	Scheduler   SchedulerConfig  `mapstructure:"scheduler"`
	Checkpoints CheckpointConfig `mapstructure:"checkpoints"`
	Log         LogConfig        `mapstructure:"log"`
}

// ServerConfig controls the admin and introspection HTTP server.
type ServerConfig struct {
	Addr            string        `mapstructure:"addr"`
	AdminToken      string        `mapstructure:"admin_token"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// OsuConfig holds the upstream API client settings.
type OsuConfig struct {
	BaseURL        string        `mapstructure:"base_url"`
	TokenURL       string        `mapstructure:"token_url"`
	ClientID       string        `mapstructure:"client_id"`
	ClientSecret   string        `mapstructure:"client_secret"`
	UserAgent      string        `mapstructure:"user_agent"`
	Timeout        time.Duration `mapstructure:"timeout"`
	MaxRetries     int           `mapstructure:"max_retries"`
	InitialBackoff time.Duration `mapstructure:"initial_backoff"`
}

// RateLimitConfig is the outbound call budget: Calls per trailing Window.
type RateLimitConfig struct {
	Backend string        `mapstructure:"backend"`
	Calls   int           `mapstructure:"calls"`
	Window  time.Duration `mapstructure:"window"`
}

// RedisConfig is used by the redis rate limit and checkpoint backends.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// StoreConfig locates the SQLite database.
type StoreConfig struct {
	Path        string        `mapstructure:"path"`
	BusyTimeout time.Duration `mapstructure:"busy_timeout"`
}

// SchedulerConfig tunes the fetch scheduler.
type SchedulerConfig struct {
	Workers                 int           `mapstructure:"workers"`
	PageSize                int           `mapstructure:"page_size"`
	DualCategoryDelay       time.Duration `mapstructure:"dual_category_delay"`
	ProbeCredentialOnSubmit bool          `mapstructure:"probe_credential_on_submit"`
	ProgressEvery           int           `mapstructure:"progress_every"`
}

// CheckpointConfig selects where aborted runs are recorded.
type CheckpointConfig struct {
	Backend string        `mapstructure:"backend"`
	TTL     time.Duration `mapstructure:"ttl"`
}

// LogConfig configures pkg/logging.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Pretty bool   `mapstructure:"pretty"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:            ":8080",
			ShutdownTimeout: 30 * time.Second,
		},
		Osu: OsuConfig{
			BaseURL:        "https://osu.ppy.sh/api/v2",
			TokenURL:       "https://osu.ppy.sh/oauth/token",
			UserAgent:      "osu-score-fetcher/1.0",
			Timeout:        30 * time.Second,
			MaxRetries:     2,
			InitialBackoff: time.Second,
		},
		RateLimit: RateLimitConfig{
			Backend: BackendMemory,
			Calls:   60,
			Window:  time.Minute,
		},
		Redis: RedisConfig{
			Addr: "localhost:6379",
		},
		Store: StoreConfig{
			Path:        "data/scores.db",
			BusyTimeout: 5 * time.Second,
		},
		Scheduler: SchedulerConfig{
			Workers:           4,
			PageSize:          100,
			DualCategoryDelay: 12 * time.Hour,
			ProgressEvery:     50,
		},
		Checkpoints: CheckpointConfig{
			Backend: BackendSQLite,
			TTL:     30 * 24 * time.Hour,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// SetDefaults registers every key with v. Keys without a default are not
// picked up from the environment by Unmarshal, so all keys are listed.
func SetDefaults(v *viper.Viper) {
	d := Default()

	v.SetDefault("server.addr", d.Server.Addr)
	v.SetDefault("server.admin_token", d.Server.AdminToken)
	v.SetDefault("server.shutdown_timeout", d.Server.ShutdownTimeout)

	v.SetDefault("osu.base_url", d.Osu.BaseURL)
	v.SetDefault("osu.token_url", d.Osu.TokenURL)
	v.SetDefault("osu.client_id", d.Osu.ClientID)
	v.SetDefault("osu.client_secret", d.Osu.ClientSecret)
	v.SetDefault("osu.user_agent", d.Osu.UserAgent)
	v.SetDefault("osu.timeout", d.Osu.Timeout)
	v.SetDefault("osu.max_retries", d.Osu.MaxRetries)
	v.SetDefault("osu.initial_backoff", d.Osu.InitialBackoff)

	v.SetDefault("ratelimit.backend", d.RateLimit.Backend)
	v.SetDefault("ratelimit.calls", d.RateLimit.Calls)
	v.SetDefault("ratelimit.window", d.RateLimit.Window)

	v.SetDefault("redis.addr", d.Redis.Addr)
	v.SetDefault("redis.password", d.Redis.Password)
	v.SetDefault("redis.db", d.Redis.DB)

	v.SetDefault("store.path", d.Store.Path)
	v.SetDefault("store.busy_timeout", d.Store.BusyTimeout)

	v.SetDefault("scheduler.workers", d.Scheduler.Workers)
	v.SetDefault("scheduler.page_size", d.Scheduler.PageSize)
	v.SetDefault("scheduler.dual_category_delay", d.Scheduler.DualCategoryDelay)
	v.SetDefault("scheduler.probe_credential_on_submit", d.Scheduler.ProbeCredentialOnSubmit)
	v.SetDefault("scheduler.progress_every", d.Scheduler.ProgressEvery)

	v.SetDefault("checkpoints.backend", d.Checkpoints.Backend)
	v.SetDefault("checkpoints.ttl", d.Checkpoints.TTL)

	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.pretty", d.Log.Pretty)
}

// Load reads the configuration. An explicit path must exist; without one,
// config.yaml is looked up in the working directory and /etc/score-fetcher
// and is optional.
func Load(path string) (*Config, error) {
	v := viper.New()
	SetDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/score-fetcher")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("read config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if c.Server.Addr == "" {
		add("server.addr is required")
	}

	if c.Osu.BaseURL == "" {
		add("osu.base_url is required")
	}
	if c.Osu.TokenURL == "" {
		add("osu.token_url is required")
	}
	if strings.TrimSpace(c.Osu.UserAgent) == "" {
		add("osu.user_agent is required")
	}
	if c.Osu.MaxRetries < 0 {
		add("osu.max_retries must be >= 0 (got %d)", c.Osu.MaxRetries)
	}

	switch c.RateLimit.Backend {
	case BackendMemory, BackendRedis:
	default:
		add("ratelimit.backend must be %q or %q (got %q)", BackendMemory, BackendRedis, c.RateLimit.Backend)
	}
	if c.RateLimit.Calls <= 0 {
		add("ratelimit.calls must be > 0 (got %d)", c.RateLimit.Calls)
	}
	if c.RateLimit.Window <= 0 {
		add("ratelimit.window must be > 0 (got %s)", c.RateLimit.Window)
	}

	if c.Store.Path == "" {
		add("store.path is required")
	}

	if c.Scheduler.Workers <= 0 {
		add("scheduler.workers must be > 0 (got %d)", c.Scheduler.Workers)
	}
	// most_played accepts at most 100 entries per page
	if c.Scheduler.PageSize <= 0 || c.Scheduler.PageSize > 100 {
		add("scheduler.page_size must be in 1..100 (got %d)", c.Scheduler.PageSize)
	}
	if c.Scheduler.DualCategoryDelay < 0 {
		add("scheduler.dual_category_delay must be >= 0 (got %s)", c.Scheduler.DualCategoryDelay)
	}

	switch c.Checkpoints.Backend {
	case BackendSQLite, BackendRedis:
	default:
		add("checkpoints.backend must be %q or %q (got %q)", BackendSQLite, BackendRedis, c.Checkpoints.Backend)
	}

	if c.UsesRedis() && c.Redis.Addr == "" {
		add("redis.addr is required by the redis backend")
	}

	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		add("log.level: %v", err)
	}

	return errors.Join(errs...)
}

// RequireClientCredentials checks the OAuth client settings needed to refresh
// subject tokens. Only commands that talk to the token endpoint need them.
func (c *Config) RequireClientCredentials() error {
	if c.Osu.ClientID == "" || c.Osu.ClientSecret == "" {
		return fmt.Errorf("osu.client_id and osu.client_secret are required (set %s_OSU_CLIENT_ID / %s_OSU_CLIENT_SECRET)", EnvPrefix, EnvPrefix)
	}
	return nil
}

// UsesRedis reports whether any backend needs a Redis connection.
func (c *Config) UsesRedis() bool {
	return c.RateLimit.Backend == BackendRedis || c.Checkpoints.Backend == BackendRedis
}
