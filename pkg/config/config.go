package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
)

// Config - root configuration of a caskdb node

type Config struct {
	Logger LoggerConfig `yaml:"logger" validate:"required"`
	Server ServerConfig `yaml:"http-server" validate:"required"`
	DB     `yaml:"db" validate:"required"`
}

type ServerConfig struct {
	Port int `yaml:"port" validate:"required,min=1,max=65535"`
}

type DB struct {
	Path    string `yaml:"path" validate:"required"`
	Pattern string `yaml:"pattern" validate:"required"`

	// MaxWrites is the number of set/delete calls between compactions.
	MaxWrites       uint64 `yaml:"max_writes" validate:"required,min=1"`
	MaxSegmentBytes int64  `yaml:"max_segment_bytes" validate:"required,min=1"`
	MaxKeyBytes     int    `yaml:"max_key_bytes" validate:"required,min=1"`
	MaxValueBytes   int    `yaml:"max_value_bytes" validate:"required,min=1"`
}

type LoggerConfig struct {
	Level string `yaml:"level" validate:"required,oneof=DEBUG INFO WARN ERROR debug info warn error"`
	JSON  bool   `yaml:"json"`
}

const (
	DefaultMaxWrites       = 10000
	DefaultMaxSegmentBytes = 64 << 20
	DefaultMaxKeyBytes     = 64 << 10
	DefaultMaxValueBytes   = 16 << 20
)

// Default returns a baseline development config.
func Default() Config {
	return Config{
		Logger: LoggerConfig{
			Level: "INFO",
			JSON:  false,
		},
		Server: ServerConfig{
			Port: 8080,
		},
		DB: DefaultDB(),
	}
}

func DefaultDB() DB {
	return DB{
		Path:            "./data",
		Pattern:         "data",
		MaxWrites:       DefaultMaxWrites,
		MaxSegmentBytes: DefaultMaxSegmentBytes,
		MaxKeyBytes:     DefaultMaxKeyBytes,
		MaxValueBytes:   DefaultMaxValueBytes,
	}
}

// Validate checks the fields the engine cannot default.
func (c *Config) Validate() error {
	var errs []error

	if err := c.DB.Validate(); err != nil {
		errs = append(errs, err)
	}
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("http-server.port out of range: %d", c.Server.Port))
	}
	switch strings.ToUpper(c.Logger.Level) {
	case "DEBUG", "INFO", "WARN", "ERROR":
	default:
		errs = append(errs, fmt.Errorf("unknown logger.level %q", c.Logger.Level))
	}

	return errors.Join(errs...)
}

func (db *DB) Validate() error {
	var errs []error

	if db.Path == "" {
		errs = append(errs, errors.New("db.path is required"))
	}
	if db.Pattern == "" {
		errs = append(errs, errors.New("db.pattern is required"))
	} else if strings.ContainsRune(db.Pattern, filepath.Separator) {
		errs = append(errs, fmt.Errorf("db.pattern must not contain %q", filepath.Separator))
	}
	if db.MaxWrites == 0 {
		errs = append(errs, errors.New("db.max_writes must be positive"))
	}
	if db.MaxSegmentBytes <= 0 {
		errs = append(errs, errors.New("db.max_segment_bytes must be positive"))
	}
	if db.MaxKeyBytes <= 0 {
		errs = append(errs, errors.New("db.max_key_bytes must be positive"))
	}
	if db.MaxValueBytes <= 0 {
		errs = append(errs, errors.New("db.max_value_bytes must be positive"))
	}

	return errors.Join(errs...)
}
