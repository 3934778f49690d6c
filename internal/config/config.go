// Package config loads the gateway configuration through viper.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/CybercentreCanada/clue/internal/classification"
	"github.com/CybercentreCanada/clue/internal/registry"
)

// EnvPrefix prefixes environment overrides, e.g. CLUE_REDIS_URL.
const EnvPrefix = "CLUE"

// Config represents the application configuration
type Config struct {
	Log            LogConfig            `mapstructure:"log"`
	Redis          RedisConfig          `mapstructure:"redis"`
	Database       DatabaseConfig       `mapstructure:"database"`
	Classification ClassificationConfig `mapstructure:"classification"`
	Lookup         LookupConfig         `mapstructure:"lookup"`
	Quota          QuotaConfig          `mapstructure:"quota"`
	Server         ServerConfig         `mapstructure:"server"`
	Registry       RegistryConfig       `mapstructure:"registry"`
	Localization   LocalizationConfig   `mapstructure:"localization"`
	Sources        []registry.Source    `mapstructure:"sources"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// RedisConfig.URL empty runs every shared component in memory.
type RedisConfig struct {
	URL string `mapstructure:"url"`
}

// DatabaseConfig.Path empty disables auditing.
type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

type ClassificationConfig struct {
	// Ceiling defaults to the most restrictive level.
	Ceiling string `mapstructure:"ceiling"`
	// Levels orders markings from least to most restrictive. Empty means TLP.
	Levels []string `mapstructure:"levels"`
}

// LookupConfig timeouts are in seconds, like the max_timeout parameter.
type LookupConfig struct {
	DefaultTimeout float64 `mapstructure:"default_timeout"`
	MaxTimeout     float64 `mapstructure:"max_timeout"`
	Strict         bool    `mapstructure:"strict"`
	MaxConcurrency int     `mapstructure:"max_concurrency"`
}

type QuotaConfig struct {
	TTL time.Duration `mapstructure:"ttl"`
	Max int64         `mapstructure:"max"`
}

type ServerConfig struct {
	Bind         string  `mapstructure:"bind"`
	RPS          float64 `mapstructure:"rps"`
	Burst        int     `mapstructure:"burst"`
	MaxBodyBytes int64   `mapstructure:"max_body_bytes"`
}

type RegistryConfig struct {
	RefreshSchedule string `mapstructure:"refresh_schedule"`
	Stream          string `mapstructure:"stream"`
	SetKey          string `mapstructure:"set_key"`
}

// LocalizationConfig.Languages must all be labelled by status results.
type LocalizationConfig struct {
	Languages []string `mapstructure:"languages"`
}

// SetDefaults registers every default on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
	v.SetDefault("redis.url", "")
	v.SetDefault("database.path", "./data/clue.db")
	v.SetDefault("classification.ceiling", "")
	v.SetDefault("lookup.default_timeout", 5.0)
	v.SetDefault("lookup.max_timeout", 60.0)
	v.SetDefault("lookup.strict", false)
	v.SetDefault("lookup.max_concurrency", 32)
	v.SetDefault("quota.ttl", "120s")
	v.SetDefault("quota.max", 10)
	v.SetDefault("server.bind", "127.0.0.1:5000")
	v.SetDefault("server.rps", 50.0)
	v.SetDefault("server.burst", 100)
	v.SetDefault("server.max_body_bytes", 10*1024*1024)
	v.SetDefault("registry.refresh_schedule", registry.DefaultRefreshSchedule)
	v.SetDefault("registry.stream", "clue:registry")
	v.SetDefault("registry.set_key", registry.DefaultSetKey)
	v.SetDefault("localization.languages", []string{"en"})
}

// Configure applies the environment conventions to v.
func Configure(v *viper.Viper) {
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
}

// Load decodes and checks the configuration held by v.
func Load(v *viper.Viper) (Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	var errs []error
	if c.Lookup.DefaultTimeout <= 0 {
		errs = append(errs, errors.New("lookup.default_timeout must be positive"))
	}
	if c.Lookup.MaxTimeout < c.Lookup.DefaultTimeout {
		errs = append(errs, errors.New("lookup.max_timeout must not be below lookup.default_timeout"))
	}
	if c.Quota.Max <= 0 {
		errs = append(errs, errors.New("quota.max must be positive"))
	}
	if _, err := c.ClassificationEngine(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// ClassificationEngine builds the engine for the configured levels.
func (c Config) ClassificationEngine() (classification.Engine, error) {
	if len(c.Classification.Levels) == 0 {
		return classification.NewTLP(), nil
	}
	engine, err := classification.NewOrdered(classification.LevelsFromNames(c.Classification.Levels))
	if err != nil {
		return nil, fmt.Errorf("classification.levels: %w", err)
	}
	return engine, nil
}

// Seconds converts a timeout in seconds to a duration.
func Seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}
