package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/pelletier/go-toml/v2"
)

// DefaultFile is read from the working directory when no path is given.
const DefaultFile = "recapd.toml"

// Duration decodes TOML strings such as "90s" or "10m".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q", string(text))
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

type Server struct {
	ListenAddr   string   `toml:"listen_addr"`
	APIKeys      []string `toml:"api_keys"`
	CORSOrigins  []string `toml:"cors_origins"`
	RateLimitRPS float64  `toml:"rate_limit_rps"`
}

type Store struct {
	Driver          string   `toml:"driver"`
	SQLitePath      string   `toml:"sqlite_path"`
	RedisAddr       string   `toml:"redis_addr"`
	RedisPassword   string   `toml:"redis_password"`
	RedisDB         int      `toml:"redis_db"`
	PostgresDSN     string   `toml:"postgres_dsn"`
	Retention       Duration `toml:"retention"`
	CleanupInterval Duration `toml:"cleanup_interval"`
}

type Manager struct {
	MaxConcurrency  int      `toml:"max_concurrency"`
	MaxAttempts     int      `toml:"max_attempts"`
	BaseDelay       Duration `toml:"base_delay"`
	MaxDelay        Duration `toml:"max_delay"`
	AttemptTimeout  Duration `toml:"attempt_timeout"`
	PollInterval    Duration `toml:"poll_interval"`
	DrainOnShutdown bool     `toml:"drain_on_shutdown"`
}

type Worker struct {
	Command string   `toml:"command"`
	Args    []string `toml:"args"`
	Timeout Duration `toml:"timeout"`
}

type Sessions struct {
	SQLitePath string `toml:"sqlite_path"`
}

type Notify struct {
	WebhookURL   string `toml:"webhook_url"`
	AllowPrivate bool   `toml:"allow_private"`
}

type Log struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

type Config struct {
	Server   Server   `toml:"server"`
	Store    Store    `toml:"store"`
	Manager  Manager  `toml:"manager"`
	Worker   Worker   `toml:"worker"`
	Sessions Sessions `toml:"sessions"`
	Notify   Notify   `toml:"notify"`
	Log      Log      `toml:"log"`
}

// Default returns the configuration used when nothing overrides it.
func Default() Config {
	return Config{
		Server: Server{
			ListenAddr:   "127.0.0.1:8080",
			RateLimitRPS: 10,
		},
		Store: Store{
			Driver:          "sqlite",
			SQLitePath:      "recapd.db",
			RedisAddr:       "localhost:6379",
			Retention:       Duration{7 * 24 * time.Hour},
			CleanupInterval: Duration{time.Hour},
		},
		Manager: Manager{
			MaxConcurrency:  2,
			MaxAttempts:     3,
			BaseDelay:       Duration{5 * time.Second},
			MaxDelay:        Duration{5 * time.Minute},
			AttemptTimeout:  Duration{10 * time.Minute},
			PollInterval:    Duration{5 * time.Second},
			DrainOnShutdown: true,
		},
		Worker: Worker{
			Command: "recapd-enrich",
		},
		Sessions: Sessions{SQLitePath: "sessions.db"},
		Log:      Log{Level: "info", Format: "json"},
	}
}

// Load builds the configuration from defaults, the TOML file at path (or
// DefaultFile when path is empty and it exists), a .env file in the working
// directory and RECAPD_* environment variables, in that order.
func Load(path string) (*Config, error) {
	cfg := Default()

	if err := loadFile(path, &cfg); err != nil {
		return nil, err
	}
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}
	if err := applyEnv(&cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func loadFile(path string, cfg *Config) error {
	explicit := path != ""
	if !explicit {
		path = DefaultFile
	}
	file, err := os.Open(path)
	if err != nil {
		if !explicit && errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("open config: %w", err)
	}
	defer file.Close()

	decoder := toml.NewDecoder(file)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(cfg); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

func applyEnv(cfg *Config) error {
	var err error

	cfg.Server.ListenAddr = getEnv("RECAPD_LISTEN_ADDR", cfg.Server.ListenAddr)
	cfg.Server.APIKeys = getEnvList("RECAPD_API_KEYS", cfg.Server.APIKeys)
	cfg.Server.CORSOrigins = getEnvList("RECAPD_CORS_ORIGINS", cfg.Server.CORSOrigins)
	if cfg.Server.RateLimitRPS, err = getEnvFloat("RECAPD_RATE_LIMIT_RPS", cfg.Server.RateLimitRPS); err != nil {
		return err
	}

	cfg.Store.Driver = getEnv("RECAPD_STORE_DRIVER", cfg.Store.Driver)
	cfg.Store.SQLitePath = getEnv("RECAPD_SQLITE_PATH", cfg.Store.SQLitePath)
	cfg.Store.RedisAddr = getEnv("RECAPD_REDIS_ADDR", cfg.Store.RedisAddr)
	cfg.Store.RedisPassword = getEnv("RECAPD_REDIS_PASSWORD", cfg.Store.RedisPassword)
	if cfg.Store.RedisDB, err = getEnvInt("RECAPD_REDIS_DB", cfg.Store.RedisDB); err != nil {
		return err
	}
	cfg.Store.PostgresDSN = getEnv("RECAPD_POSTGRES_DSN", cfg.Store.PostgresDSN)
	if err = getEnvDuration("RECAPD_RETENTION", &cfg.Store.Retention); err != nil {
		return err
	}
	if err = getEnvDuration("RECAPD_CLEANUP_INTERVAL", &cfg.Store.CleanupInterval); err != nil {
		return err
	}

	if cfg.Manager.MaxConcurrency, err = getEnvInt("RECAPD_MAX_CONCURRENCY", cfg.Manager.MaxConcurrency); err != nil {
		return err
	}
	if cfg.Manager.MaxAttempts, err = getEnvInt("RECAPD_MAX_ATTEMPTS", cfg.Manager.MaxAttempts); err != nil {
		return err
	}
	for key, d := range map[string]*Duration{
		"RECAPD_BASE_DELAY":      &cfg.Manager.BaseDelay,
		"RECAPD_MAX_DELAY":       &cfg.Manager.MaxDelay,
		"RECAPD_ATTEMPT_TIMEOUT": &cfg.Manager.AttemptTimeout,
		"RECAPD_POLL_INTERVAL":   &cfg.Manager.PollInterval,
		"RECAPD_WORKER_TIMEOUT":  &cfg.Worker.Timeout,
	} {
		if err = getEnvDuration(key, d); err != nil {
			return err
		}
	}
	if cfg.Manager.DrainOnShutdown, err = getEnvBool("RECAPD_DRAIN_ON_SHUTDOWN", cfg.Manager.DrainOnShutdown); err != nil {
		return err
	}

	cfg.Worker.Command = getEnv("RECAPD_WORKER_COMMAND", cfg.Worker.Command)
	if v := os.Getenv("RECAPD_WORKER_ARGS"); v != "" {
		cfg.Worker.Args = strings.Fields(v)
	}
	cfg.Sessions.SQLitePath = getEnv("RECAPD_SESSIONS_PATH", cfg.Sessions.SQLitePath)
	cfg.Notify.WebhookURL = getEnv("RECAPD_WEBHOOK_URL", cfg.Notify.WebhookURL)
	if cfg.Notify.AllowPrivate, err = getEnvBool("RECAPD_WEBHOOK_ALLOW_PRIVATE", cfg.Notify.AllowPrivate); err != nil {
		return err
	}
	cfg.Log.Level = getEnv("RECAPD_LOG_LEVEL", cfg.Log.Level)
	cfg.Log.Format = getEnv("RECAPD_LOG_FORMAT", cfg.Log.Format)
	return nil
}

// Validate checks the configuration for values the daemon cannot run with.
func (c *Config) Validate() error {
	if len(c.Server.APIKeys) == 0 {
		return errors.New("server.api_keys must not be empty")
	}
	if c.Server.RateLimitRPS < 0 {
		return errors.New("server.rate_limit_rps must be >= 0")
	}

	switch c.Store.Driver {
	case "sqlite":
		if c.Store.SQLitePath == "" {
			return errors.New("store.sqlite_path must not be empty")
		}
	case "redis":
		if c.Store.RedisAddr == "" {
			return errors.New("store.redis_addr must not be empty")
		}
	case "postgres":
		if c.Store.PostgresDSN == "" {
			return errors.New("store.postgres_dsn must not be empty")
		}
	default:
		return fmt.Errorf("store.driver %q must be one of: sqlite, redis, postgres", c.Store.Driver)
	}
	if c.Store.Retention.Duration < 0 {
		return errors.New("store.retention must be >= 0")
	}
	if c.Store.CleanupInterval.Duration <= 0 {
		return errors.New("store.cleanup_interval must be > 0")
	}

	m := c.Manager
	if m.MaxConcurrency < 1 {
		return errors.New("manager.max_concurrency must be > 0")
	}
	if m.MaxAttempts < 1 || m.MaxAttempts > 10 {
		return errors.New("manager.max_attempts must be between 1 and 10")
	}
	if m.BaseDelay.Duration <= 0 {
		return errors.New("manager.base_delay must be > 0")
	}
	if m.MaxDelay.Duration < m.BaseDelay.Duration {
		return errors.New("manager.max_delay must be >= manager.base_delay")
	}
	if m.AttemptTimeout.Duration <= 0 {
		return errors.New("manager.attempt_timeout must be > 0")
	}
	if m.PollInterval.Duration <= 0 {
		return errors.New("manager.poll_interval must be > 0")
	}

	if c.Worker.Command == "" {
		return errors.New("worker.command must not be empty")
	}
	if c.Sessions.SQLitePath == "" {
		return errors.New("sessions.sqlite_path must not be empty")
	}
	switch c.Log.Format {
	case "json", "text":
	default:
		return fmt.Errorf("log.format %q must be json or text", c.Log.Format)
	}
	return nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid integer %q", key, v)
	}
	return n, nil
}

func getEnvFloat(key string, fallback float64) (float64, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid number %q", key, v)
	}
	return f, nil
}

func getEnvBool(key string, fallback bool) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("%s: invalid boolean %q", key, v)
	}
	return b, nil
}

func getEnvDuration(key string, d *Duration) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	if err := d.UnmarshalText([]byte(v)); err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	return nil
}

// getEnvList splits a comma-separated variable, dropping empty entries.
func getEnvList(key string, fallback []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	var out []string
	for _, item := range strings.Split(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
