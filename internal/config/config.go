package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"

	"github.com/jakechorley/shift-notifier/pkg/core/timezone"
)

const (
	MaxLookaheadDays = 90

	DefaultMaxBatchSize      = 50
	DefaultMaxRunTimeMs      = 25000
	DefaultSkewToleranceSecs = 60
	DefaultLeaseSeconds      = 300
	DefaultConcurrency       = 4
	DefaultLookaheadDays     = 28
	DefaultNotifyHourUTC     = 6
	DefaultDispatchSchedule  = "@every 1m"
	DefaultExpandSchedule    = "0 5 * * *"
	DefaultPort              = 8080
	DefaultPushChannelPrefix = "notifications"
	DefaultLogDir            = "logs"
)

// DatabaseConfig selects and locates the notification store
type DatabaseConfig struct {
	Driver string `yaml:"driver" validate:"required,oneof=postgres sqlite"`
	URL    string `yaml:"url" validate:"required"`
}

// DispatchConfig bounds each dispatcher invocation
type DispatchConfig struct {
	MaxBatchSize         int    `yaml:"maxBatchSize" validate:"min=1,max=1000"`
	MaxRunTimeMs         int    `yaml:"maxRunTimeMs" validate:"min=1"`
	SkewToleranceSeconds int    `yaml:"skewToleranceSeconds" validate:"min=0"`
	LeaseSeconds         int    `yaml:"leaseSeconds" validate:"min=1"`
	Concurrency          int    `yaml:"concurrency" validate:"min=1,max=64"`
	Schedule             string `yaml:"schedule,omitempty"`
}

// MaxRunTime returns the time budget as a duration
func (d DispatchConfig) MaxRunTime() time.Duration {
	return time.Duration(d.MaxRunTimeMs) * time.Millisecond
}

// SkewTolerance returns the skew tolerance as a duration
func (d DispatchConfig) SkewTolerance() time.Duration {
	return time.Duration(d.SkewToleranceSeconds) * time.Second
}

// Lease returns the claim lease as a duration
func (d DispatchConfig) Lease() time.Duration {
	return time.Duration(d.LeaseSeconds) * time.Second
}

// RulesConfig controls the recurring rule expansion
type RulesConfig struct {
	LookaheadDays int    `yaml:"lookaheadDays" validate:"min=1,max=90"`
	NotifyHourUTC int    `yaml:"notifyHourUtc" validate:"min=0,max=23"`
	Schedule      string `yaml:"schedule,omitempty"`
}

// ServerConfig configures the HTTP surface
type ServerConfig struct {
	Port           int    `yaml:"port" validate:"min=1,max=65535"`
	DispatchSecret string `yaml:"dispatchSecret,omitempty"`
	JWTSecret      string `yaml:"jwtSecret,omitempty"`
}

// EmailConfig configures the Gmail channel
type EmailConfig struct {
	Enabled     bool   `yaml:"enabled"`
	GmailUserID string `yaml:"gmailUserID" validate:"required_if=Enabled true"`
	GmailSender string `yaml:"gmailSender,omitempty"`
}

// PushConfig configures the Redis push channel
type PushConfig struct {
	Enabled       bool   `yaml:"enabled"`
	RedisURL      string `yaml:"redisURL" validate:"required_if=Enabled true"`
	ChannelPrefix string `yaml:"channelPrefix,omitempty"`
}

// Config represents the application configuration
type Config struct {
	TimeZone string         `yaml:"timeZone"`
	Database DatabaseConfig `yaml:"database"`
	Dispatch DispatchConfig `yaml:"dispatch"`
	Rules    RulesConfig    `yaml:"rules"`
	Server   ServerConfig   `yaml:"server"`
	Email    EmailConfig    `yaml:"email"`
	Push     PushConfig     `yaml:"push"`
	LogDir   string         `yaml:"logDir,omitempty"`
}

var validate *validator.Validate

func init() {
	validate = validator.New()
}

// Default returns a configuration populated with defaults only
func Default() *Config {
	return &Config{
		TimeZone: timezone.DefaultZone,
		Database: DatabaseConfig{Driver: "sqlite", URL: "notifier.db"},
		Dispatch: DispatchConfig{
			MaxBatchSize:         DefaultMaxBatchSize,
			MaxRunTimeMs:         DefaultMaxRunTimeMs,
			SkewToleranceSeconds: DefaultSkewToleranceSecs,
			LeaseSeconds:         DefaultLeaseSeconds,
			Concurrency:          DefaultConcurrency,
			Schedule:             DefaultDispatchSchedule,
		},
		Rules: RulesConfig{
			LookaheadDays: DefaultLookaheadDays,
			NotifyHourUTC: DefaultNotifyHourUTC,
			Schedule:      DefaultExpandSchedule,
		},
		Server: ServerConfig{Port: DefaultPort},
		Push:   PushConfig{ChannelPrefix: DefaultPushChannelPrefix},
		LogDir: DefaultLogDir,
	}
}

// Load loads and validates the configuration for the given environment.
// A .env file in the working directory is loaded first if present; the config
// file is notifier_config.<env>.yaml, searched in the current directory then the
// user's home directory. A missing config file falls back to defaults.
func Load(env string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to load .env file: %w", err)
	}

	configPath, err := findConfigFile(env)
	if err != nil {
		cfg := Default()
		if err := applyEnv(cfg); err != nil {
			return nil, err
		}
		if err := Validate(cfg); err != nil {
			return nil, err
		}
		return cfg, nil
	}

	return LoadFromPath(configPath)
}

// LoadFromPath loads and validates the configuration from a specific path.
// Values missing from the file keep their defaults; environment variables win
// over both.
func LoadFromPath(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := applyEnv(cfg); err != nil {
		return nil, err
	}

	if err := Validate(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate validates the configuration struct, the time zone and cron syntax
func Validate(cfg *Config) error {
	if err := validate.Struct(cfg); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}

	if _, err := timezone.New(cfg.TimeZone); err != nil {
		return fmt.Errorf("invalid timeZone: %w", err)
	}

	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	if cfg.Dispatch.Schedule != "" {
		if _, err := parser.Parse(cfg.Dispatch.Schedule); err != nil {
			return fmt.Errorf("invalid cron in dispatch.schedule: %w", err)
		}
	}
	if cfg.Rules.Schedule != "" {
		if _, err := parser.Parse(cfg.Rules.Schedule); err != nil {
			return fmt.Errorf("invalid cron in rules.schedule: %w", err)
		}
	}

	return nil
}

// applyEnv overrides configuration values from recognised environment variables
func applyEnv(cfg *Config) error {
	strVars := map[string]*string{
		"APP_TIMEZONE":    &cfg.TimeZone,
		"DATABASE_DRIVER": &cfg.Database.Driver,
		"DATABASE_URL":    &cfg.Database.URL,
		"DISPATCH_SECRET": &cfg.Server.DispatchSecret,
		"JWT_SECRET":      &cfg.Server.JWTSecret,
		"REDIS_URL":       &cfg.Push.RedisURL,
	}
	for name, target := range strVars {
		if v, ok := os.LookupEnv(name); ok && v != "" {
			*target = v
		}
	}

	intVars := map[string]*int{
		"NOTIFY_BATCH_SIZE":     &cfg.Dispatch.MaxBatchSize,
		"NOTIFY_MAX_RUN_MS":     &cfg.Dispatch.MaxRunTimeMs,
		"NOTIFY_SKEW_SECONDS":   &cfg.Dispatch.SkewToleranceSeconds,
		"NOTIFY_LEASE_SECONDS":  &cfg.Dispatch.LeaseSeconds,
		"NOTIFY_LOOKAHEAD_DAYS": &cfg.Rules.LookaheadDays,
		"NOTIFY_HOUR_UTC":       &cfg.Rules.NotifyHourUTC,
		"PORT":                  &cfg.Server.Port,
	}
	for name, target := range intVars {
		v, ok := os.LookupEnv(name)
		if !ok || v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid value for %s: %w", name, err)
		}
		*target = n
	}

	if os.Getenv("REDIS_URL") != "" {
		cfg.Push.Enabled = true
	}

	return nil
}

// findConfigFile searches for notifier_config.<env>.yaml in current directory and home directory
func findConfigFile(env string) (string, error) {
	configFileName := "notifier_config.yaml"
	if env != "" {
		configFileName = "notifier_config." + env + ".yaml"
	}

	// Check current directory
	if _, err := os.Stat(configFileName); err == nil {
		return configFileName, nil
	}

	// Check home directory
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}

	homeConfigPath := filepath.Join(homeDir, configFileName)
	if _, err := os.Stat(homeConfigPath); err == nil {
		return homeConfigPath, nil
	}

	return "", fmt.Errorf("config file not found in current directory or home directory")
}
