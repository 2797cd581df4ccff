package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/pion/stun/v3"
)

// Database drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Config holds server configuration values.
type Config struct {
	Addr               string        `mapstructure:"addr" yaml:"addr"`
	ReadHeaderTimeout  time.Duration `mapstructure:"read_header_timeout" yaml:"read_header_timeout"`
	ShutdownTimeout    time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`
	LogLevel           string        `mapstructure:"log_level" yaml:"log_level"`
	LogFormat          string        `mapstructure:"log_format" yaml:"log_format"`
	MaxMessageBytes    int64         `mapstructure:"max_message_bytes" yaml:"max_message_bytes"`
	RateLimitPerMinute int           `mapstructure:"rate_limit_per_minute" yaml:"rate_limit_per_minute"`
	CORSOrigins        []string      `mapstructure:"cors_origins" yaml:"cors_origins"`

	DatabaseDriver string `mapstructure:"database_driver" yaml:"database_driver"`
	DatabasePath   string `mapstructure:"database_path" yaml:"database_path"`
	DatabaseURL    string `mapstructure:"database_url" yaml:"database_url"`

	StunServer      string `mapstructure:"stun_server" yaml:"stun_server"`
	TurnServer      string `mapstructure:"turn_server" yaml:"turn_server"`
	DefaultRoomSize int    `mapstructure:"default_room_size" yaml:"default_room_size"`
	MaxRoomSize     int    `mapstructure:"max_room_size" yaml:"max_room_size"`
	JoinRetries     int    `mapstructure:"join_retries" yaml:"join_retries"`

	RoomReaperInterval   time.Duration `mapstructure:"room_reaper_interval" yaml:"room_reaper_interval"`
	ClientReaperInterval time.Duration `mapstructure:"client_reaper_interval" yaml:"client_reaper_interval"`
}

// Default returns configuration with reasonable starter defaults.
func Default() Config {
	return Config{
		Addr:                 ":8080",
		ReadHeaderTimeout:    5 * time.Second,
		ShutdownTimeout:      5 * time.Second,
		LogLevel:             "info",
		LogFormat:            "console",
		MaxMessageBytes:      64 << 10,
		RateLimitPerMinute:   600,
		CORSOrigins:          []string{"http://localhost:4200"},
		DatabaseDriver:       DriverSQLite,
		DatabasePath:         "lobbyrelay.db",
		StunServer:           "stun:stun.l.google.com:19302",
		DefaultRoomSize:      4,
		MaxRoomSize:          16,
		JoinRetries:          3,
		RoomReaperInterval:   10 * time.Minute,
		ClientReaperInterval: 10 * time.Minute,
	}
}

// UpdateFrom overwrites non-zero values from other config into receiver.
func (c *Config) UpdateFrom(other Config) {
	if other.Addr != "" {
		c.Addr = other.Addr
	}
	if other.ReadHeaderTimeout != 0 {
		c.ReadHeaderTimeout = other.ReadHeaderTimeout
	}
	if other.ShutdownTimeout != 0 {
		c.ShutdownTimeout = other.ShutdownTimeout
	}
	if other.LogLevel != "" {
		c.LogLevel = other.LogLevel
	}
	if other.LogFormat != "" {
		c.LogFormat = other.LogFormat
	}
	if other.MaxMessageBytes != 0 {
		c.MaxMessageBytes = other.MaxMessageBytes
	}
	if other.RateLimitPerMinute != 0 {
		c.RateLimitPerMinute = other.RateLimitPerMinute
	}
	if len(other.CORSOrigins) > 0 {
		c.CORSOrigins = other.CORSOrigins
	}
	if other.DatabaseDriver != "" {
		c.DatabaseDriver = other.DatabaseDriver
	}
	if other.DatabasePath != "" {
		c.DatabasePath = other.DatabasePath
	}
	if other.DatabaseURL != "" {
		c.DatabaseURL = other.DatabaseURL
	}
	if other.StunServer != "" {
		c.StunServer = other.StunServer
	}
	if other.TurnServer != "" {
		c.TurnServer = other.TurnServer
	}
	if other.DefaultRoomSize != 0 {
		c.DefaultRoomSize = other.DefaultRoomSize
	}
	if other.MaxRoomSize != 0 {
		c.MaxRoomSize = other.MaxRoomSize
	}
	if other.JoinRetries != 0 {
		c.JoinRetries = other.JoinRetries
	}
	if other.RoomReaperInterval != 0 {
		c.RoomReaperInterval = other.RoomReaperInterval
	}
	if other.ClientReaperInterval != 0 {
		c.ClientReaperInterval = other.ClientReaperInterval
	}
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []error

	if c.Addr == "" {
		errs = append(errs, errors.New("addr is required"))
	}
	switch c.DatabaseDriver {
	case DriverSQLite:
		if c.DatabasePath == "" {
			errs = append(errs, errors.New("database_path is required for sqlite"))
		}
	case DriverPostgres:
		if c.DatabaseURL == "" {
			errs = append(errs, errors.New("database_url is required for postgres"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown database_driver %q", c.DatabaseDriver))
	}

	if c.StunServer != "" {
		if err := checkServerURI(c.StunServer, stun.SchemeTypeSTUN, stun.SchemeTypeSTUNS); err != nil {
			errs = append(errs, fmt.Errorf("stun_server: %w", err))
		}
	}
	if c.TurnServer != "" {
		if err := checkServerURI(c.TurnServer, stun.SchemeTypeTURN, stun.SchemeTypeTURNS); err != nil {
			errs = append(errs, fmt.Errorf("turn_server: %w", err))
		}
	}

	if c.DefaultRoomSize < 1 {
		errs = append(errs, errors.New("default_room_size must be positive"))
	}
	if c.MaxRoomSize < c.DefaultRoomSize {
		errs = append(errs, errors.New("max_room_size must not be below default_room_size"))
	}
	if c.JoinRetries < 1 {
		errs = append(errs, errors.New("join_retries must be positive"))
	}
	if c.RoomReaperInterval <= 0 || c.ClientReaperInterval <= 0 {
		errs = append(errs, errors.New("reaper intervals must be positive"))
	}
	if c.MaxMessageBytes < 0 || c.RateLimitPerMinute < 0 {
		errs = append(errs, errors.New("max_message_bytes and rate_limit_per_minute must not be negative"))
	}

	return errors.Join(errs...)
}

func checkServerURI(raw string, allowed ...stun.SchemeType) error {
	uri, err := stun.ParseURI(raw)
	if err != nil {
		return err
	}
	for _, s := range allowed {
		if uri.Scheme == s {
			return nil
		}
	}
	return fmt.Errorf("unexpected scheme %s", uri.Scheme)
}
