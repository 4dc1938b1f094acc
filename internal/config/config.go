// Package config provides Viper-based configuration loading for the server.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Deployment roles and their conventional ports.
const (
	RoleLogin = "login"
	RoleWorld = "world"

	LoginPort = 6112
	WorldPort = 6113
)

// ListenConfig holds the TCP listener settings.
type ListenConfig struct {
	// Role is the deployment role: "login" or "world". It selects the
	// conventional port when Port is 0.
	Role string `mapstructure:"role"`
	// Host is the bind address for the listener.
	Host string `mapstructure:"host"`
	// Port is the TCP port; 0 means the role's conventional port.
	Port int `mapstructure:"port"`
	// WriteTimeout is the per-write timeout for client connections.
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	// MaxFrameBytes caps the size of a single inbound frame.
	MaxFrameBytes int `mapstructure:"max_frame_bytes"`
}

// EffectivePort returns Port, or the role's conventional port when unset.
func (l ListenConfig) EffectivePort() int {
	if l.Port != 0 {
		return l.Port
	}
	if l.Role == RoleLogin {
		return LoginPort
	}
	return WorldPort
}

// Addr returns the "host:port" listen address.
func (l ListenConfig) Addr() string {
	return fmt.Sprintf("%s:%d", l.Host, l.EffectivePort())
}

// GameConfig holds session and admission settings.
type GameConfig struct {
	// Capacity is the admission cap on concurrent sessions.
	Capacity int `mapstructure:"capacity"`
	// ShutdownGrace is the delay between the shutdown signal and the
	// forced disconnect of all sessions.
	ShutdownGrace time.Duration `mapstructure:"shutdown_grace"`
	// PatchedItems are item ids disabled from being newly acquired.
	PatchedItems []int `mapstructure:"patched_items"`
}

// PatchedSet returns PatchedItems as a membership set.
func (g GameConfig) PatchedSet() map[int]bool {
	set := make(map[int]bool, len(g.PatchedItems))
	for _, item := range g.PatchedItems {
		set[item] = true
	}
	return set
}

// DatabaseConfig holds PostgreSQL connection settings.
type DatabaseConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	Name            string        `mapstructure:"name"`
	SSLMode         string        `mapstructure:"sslmode"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
}

// DSN returns the PostgreSQL connection string.
//
// Precondition: Host, Port, User, and Name must be non-empty.
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		d.User, d.Password, d.Host, d.Port, d.Name, d.SSLMode,
	)
}

// RedisConfig holds the presence mirror connection settings.
type RedisConfig struct {
	// Enabled turns the cross-instance presence mirror on.
	Enabled  bool   `mapstructure:"enabled"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// Addr returns the "host:port" Redis address.
func (r RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}

// LoggingConfig holds structured logging settings.
type LoggingConfig struct {
	// Level is the minimum log level: "debug", "info", "warn", "error".
	Level string `mapstructure:"level"`
	// Format is the log output format: "json" or "console".
	Format string `mapstructure:"format"`
}

// Config is the top-level application configuration.
type Config struct {
	Listen   ListenConfig   `mapstructure:"listen"`
	Game     GameConfig     `mapstructure:"game"`
	Database DatabaseConfig `mapstructure:"database"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// Validate checks all configuration invariants.
//
// Postcondition: Returns nil if configuration is valid, or an error
// describing all violations.
func (c Config) Validate() error {
	var errs []string

	if err := validateListen(c.Listen); err != nil {
		errs = append(errs, err.Error())
	}
	if err := validateGame(c.Game); err != nil {
		errs = append(errs, err.Error())
	}
	if err := validateDatabase(c.Database); err != nil {
		errs = append(errs, err.Error())
	}
	if err := validateRedis(c.Redis); err != nil {
		errs = append(errs, err.Error())
	}
	if err := validateLogging(c.Logging); err != nil {
		errs = append(errs, err.Error())
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}

func validateListen(l ListenConfig) error {
	var errs []string
	if l.Role != RoleLogin && l.Role != RoleWorld {
		errs = append(errs, fmt.Sprintf("listen.role must be one of [login, world], got %q", l.Role))
	}
	if l.Port < 0 || l.Port > 65535 {
		errs = append(errs, fmt.Sprintf("listen.port must be 0-65535, got %d", l.Port))
	}
	if l.WriteTimeout < 0 {
		errs = append(errs, "listen.write_timeout must not be negative")
	}
	if l.MaxFrameBytes < 1 {
		errs = append(errs, fmt.Sprintf("listen.max_frame_bytes must be >= 1, got %d", l.MaxFrameBytes))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

func validateGame(g GameConfig) error {
	var errs []string
	if g.Capacity < 1 {
		errs = append(errs, fmt.Sprintf("game.capacity must be >= 1, got %d", g.Capacity))
	}
	if g.ShutdownGrace < 0 {
		errs = append(errs, "game.shutdown_grace must not be negative")
	}
	for _, item := range g.PatchedItems {
		if item < 0 {
			errs = append(errs, fmt.Sprintf("game.patched_items must be non-negative, got %d", item))
			break
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

func validateDatabase(d DatabaseConfig) error {
	var errs []string
	if d.Host == "" {
		errs = append(errs, "database.host must not be empty")
	}
	if d.Port < 1 || d.Port > 65535 {
		errs = append(errs, fmt.Sprintf("database.port must be 1-65535, got %d", d.Port))
	}
	if d.User == "" {
		errs = append(errs, "database.user must not be empty")
	}
	if d.Name == "" {
		errs = append(errs, "database.name must not be empty")
	}
	validSSL := map[string]bool{"disable": true, "require": true, "verify-ca": true, "verify-full": true}
	if !validSSL[d.SSLMode] {
		errs = append(errs, fmt.Sprintf("database.sslmode must be one of [disable, require, verify-ca, verify-full], got %q", d.SSLMode))
	}
	if d.MaxConns < 1 {
		errs = append(errs, fmt.Sprintf("database.max_conns must be >= 1, got %d", d.MaxConns))
	}
	if d.MinConns < 0 {
		errs = append(errs, fmt.Sprintf("database.min_conns must be >= 0, got %d", d.MinConns))
	}
	if d.MinConns > d.MaxConns {
		errs = append(errs, "database.min_conns must not exceed database.max_conns")
	}
	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

func validateRedis(r RedisConfig) error {
	if !r.Enabled {
		return nil
	}
	var errs []string
	if r.Host == "" {
		errs = append(errs, "redis.host must not be empty")
	}
	if r.Port < 1 || r.Port > 65535 {
		errs = append(errs, fmt.Sprintf("redis.port must be 1-65535, got %d", r.Port))
	}
	if r.DB < 0 {
		errs = append(errs, fmt.Sprintf("redis.db must be >= 0, got %d", r.DB))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

func validateLogging(l LoggingConfig) error {
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[l.Level] {
		return fmt.Errorf("logging.level must be one of [debug, info, warn, error], got %q", l.Level)
	}
	validFormats := map[string]bool{"json": true, "console": true}
	if !validFormats[l.Format] {
		return fmt.Errorf("logging.format must be one of [json, console], got %q", l.Format)
	}
	return nil
}

// Load reads configuration from the given file path, applies environment
// variable overrides, and validates the result.
//
// Precondition: path must be a valid file path to a YAML configuration file.
// Postcondition: Returns a valid Config or a non-nil error.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetConfigFile(path)

	// Environment variable overrides with WADDLER_ prefix
	v.SetEnvPrefix("WADDLER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return Config{}, fmt.Errorf("reading config file: %w", err)
	}

	return LoadFromViper(v)
}

// LoadFromViper builds a Config from an already-configured Viper instance.
//
// Precondition: v must be non-nil.
// Postcondition: Returns a valid Config or a non-nil error.
func LoadFromViper(v *viper.Viper) (Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshalling config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("listen.role", RoleWorld)
	v.SetDefault("listen.host", "0.0.0.0")
	v.SetDefault("listen.port", 0)
	v.SetDefault("listen.write_timeout", "30s")
	v.SetDefault("listen.max_frame_bytes", 8192)

	v.SetDefault("game.capacity", 100)
	v.SetDefault("game.shutdown_grace", "3s")
	v.SetDefault("game.patched_items", []int{})

	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "waddler")
	v.SetDefault("database.password", "waddler")
	v.SetDefault("database.name", "waddler")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.max_conns", 10)
	v.SetDefault("database.min_conns", 2)
	v.SetDefault("database.max_conn_lifetime", "1h")

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}
