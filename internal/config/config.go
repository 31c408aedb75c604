// Package config loads nanolog-export settings.
//
// Sources, later ones win:
//   - built-in defaults
//   - a TOML file (optional)
//   - NANOLOG_EXPORT_* environment variables
//
// Command line flags are applied on top by the CLI.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/caarlos0/env/v11"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "NANOLOG_EXPORT_"

// Duration is a time.Duration written as "500ms", "72h" in TOML and env.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

type Config struct {
	DataDir      string   `toml:"data_dir" env:"DATA_DIR"`
	Retention    Duration `toml:"retention" env:"RETENTION"` // 0 keeps everything
	MaxTableSize int64    `toml:"max_table_size" env:"MAX_TABLE_SIZE"`

	Export ExportConfig `toml:"export" envPrefix:"EXPORT_"`
	Server ServerConfig `toml:"server" envPrefix:"SERVER_"`
	Log    LogConfig    `toml:"log" envPrefix:"LOG_"`
}

type ExportConfig struct {
	TempDir      string   `toml:"temp_dir" env:"TEMP_DIR"`
	SettingsPath string   `toml:"settings_path" env:"SETTINGS_PATH"`
	Debounce     Duration `toml:"debounce" env:"DEBOUNCE"`
}

type ServerConfig struct {
	Addr            string   `toml:"addr" env:"ADDR"`
	IngestRate      float64  `toml:"ingest_rate" env:"INGEST_RATE"` // requests per second, 0 disables limiting
	IngestBurst     int      `toml:"ingest_burst" env:"INGEST_BURST"`
	CleanerInterval Duration `toml:"cleaner_interval" env:"CLEANER_INTERVAL"`
}

type LogConfig struct {
	Level  string `toml:"level" env:"LEVEL"`
	Format string `toml:"format" env:"FORMAT"` // json or console
}

// Default returns the configuration used when nothing is set.
func Default() Config {
	return Config{
		DataDir:      "./data",
		MaxTableSize: 64 * 1024 * 1024,
		Export: ExportConfig{
			Debounce: Duration{500 * time.Millisecond},
		},
		Server: ServerConfig{
			Addr:            ":8088",
			IngestRate:      200,
			IngestBurst:     400,
			CleanerInterval: Duration{time.Hour},
		},
		Log: LogConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// Load reads path (when non-empty) and the process environment.
func Load(path string) (Config, error) {
	return load(path, env.Options{Prefix: EnvPrefix})
}

// LoadWithEnv is Load with an explicit environment instead of os.Environ.
func LoadWithEnv(path string, environ map[string]string) (Config, error) {
	return load(path, env.Options{Prefix: EnvPrefix, Environment: environ})
}

func load(path string, opts env.Options) (Config, error) {
	cfg := Default()

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return Config{}, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	}

	if err := env.ParseWithOptions(&cfg, opts); err != nil {
		return Config{}, fmt.Errorf("failed to parse environment: %w", err)
	}

	cfg.applyDerived()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// applyDerived fills paths that default relative to DataDir.
func (c *Config) applyDerived() {
	if c.Export.SettingsPath == "" && c.DataDir != "" {
		c.Export.SettingsPath = filepath.Join(c.DataDir, "settings.db")
	}
	if c.Export.TempDir == "" {
		c.Export.TempDir = os.TempDir()
	}
}

// Validate reports every invalid field.
func (c Config) Validate() error {
	var errs []error
	if c.DataDir == "" {
		errs = append(errs, errors.New("data_dir must be set"))
	}
	if c.Retention.Duration < 0 {
		errs = append(errs, errors.New("retention must not be negative"))
	}
	if c.MaxTableSize < 1024 {
		errs = append(errs, fmt.Errorf("max_table_size %d is below 1KiB", c.MaxTableSize))
	}
	if c.Export.Debounce.Duration <= 0 {
		errs = append(errs, errors.New("export.debounce must be positive"))
	}
	if c.Server.IngestRate < 0 {
		errs = append(errs, errors.New("server.ingest_rate must not be negative"))
	}
	if c.Server.IngestRate > 0 && c.Server.IngestBurst < 1 {
		errs = append(errs, errors.New("server.ingest_burst must be at least 1"))
	}
	if c.Server.CleanerInterval.Duration <= 0 {
		errs = append(errs, errors.New("server.cleaner_interval must be positive"))
	}
	switch c.Log.Format {
	case "json", "console":
	default:
		errs = append(errs, fmt.Errorf("log.format %q must be json or console", c.Log.Format))
	}
	return errors.Join(errs...)
}
