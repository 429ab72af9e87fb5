// Package config loads tapesim settings from a file, .env and TAPESIM_*
// environment variables.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"tapesim/internal/account"
	"tapesim/internal/historical"
	"tapesim/internal/orderbook"
)

var ErrInvalidConfig = errors.New("invalid config")

// Config is the full application configuration.
type Config struct {
	Server   ServerConfig     `json:"server" yaml:"server" toml:"server"`
	Data     DataConfig       `json:"data" yaml:"data" toml:"data"`
	Risk     account.Settings `json:"risk" yaml:"risk" toml:"risk"`
	Matching orderbook.Config `json:"matching" yaml:"matching" toml:"matching"`
	Journal  JournalConfig    `json:"journal" yaml:"journal" toml:"journal"`
	Log      LogConfig        `json:"log" yaml:"log" toml:"log"`
}

type ServerConfig struct {
	Addr            string   `json:"addr" yaml:"addr" toml:"addr"`
	CORSOrigins     []string `json:"cors_origins" yaml:"cors_origins" toml:"cors_origins"`
	ShutdownTimeout Duration `json:"shutdown_timeout" yaml:"shutdown_timeout" toml:"shutdown_timeout"`
	CatalogTTL      Duration `json:"catalog_ttl" yaml:"catalog_ttl" toml:"catalog_ttl"`
}

// DataConfig locates the parquet datasets. Symbol and Day, when set, are
// the defaults for a session that is played without an explicit load.
type DataConfig struct {
	Dir       string `json:"dir" yaml:"dir" toml:"dir"`
	TZ        string `json:"tz" yaml:"tz" toml:"tz"`
	Symbol    string `json:"symbol" yaml:"symbol" toml:"symbol"`
	Day       string `json:"day" yaml:"day" toml:"day"`
	Timeframe string `json:"tf" yaml:"tf" toml:"tf"`
}

// JournalConfig points at the sqlite journal. An empty path disables it.
type JournalConfig struct {
	Path string `json:"path" yaml:"path" toml:"path"`
}

type LogConfig struct {
	Level  string `json:"level" yaml:"level" toml:"level"`
	Format string `json:"format" yaml:"format" toml:"format"`
}

// Duration decodes from strings such as "5s" in every supported format.
type Duration struct {
	time.Duration
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(string(b))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Addr:            ":8088",
			ShutdownTimeout: Duration{5 * time.Second},
			CatalogTTL:      Duration{5 * time.Second},
		},
		Data: DataConfig{
			Dir:       "./data",
			TZ:        "America/New_York",
			Timeframe: historical.TF1s.String(),
		},
		Risk:     account.DefaultSettings(),
		Matching: orderbook.DefaultConfig(),
		Journal:  JournalConfig{Path: "tapesim.db"},
		Log:      LogConfig{Level: "info", Format: "text"},
	}
}

// LoadFromFile merges the file at path over the defaults, then applies .env
// and environment overrides. An empty path skips the file. The result is
// not validated.
func LoadFromFile(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		if err := decodeFile(path, &cfg); err != nil {
			return nil, fmt.Errorf("load config %s: %w", path, err)
		}
	}

	_ = godotenv.Load()
	applyEnvOverrides(&cfg)
	return &cfg, nil
}

func decodeFile(path string, cfg *Config) error {
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		_, err := toml.DecodeFile(path, cfg)
		return err
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	yerr := yaml.Unmarshal(raw, cfg)
	if yerr == nil {
		return nil
	}
	// Fall back to JSON for files YAML rejects, e.g. tab indentation.
	if jerr := json.Unmarshal(raw, cfg); jerr != nil {
		return yerr
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	setStr(&cfg.Server.Addr, "TAPESIM_ADDR")
	setStringSlice(&cfg.Server.CORSOrigins, "TAPESIM_CORS_ORIGINS")
	setDuration(&cfg.Server.ShutdownTimeout, "TAPESIM_SHUTDOWN_TIMEOUT")

	setStr(&cfg.Data.Dir, "TAPESIM_DATA_DIR")
	setStr(&cfg.Data.TZ, "TAPESIM_TZ")
	setStr(&cfg.Data.Symbol, "TAPESIM_SYMBOL")
	setStr(&cfg.Data.Day, "TAPESIM_DAY")

	setStr(&cfg.Journal.Path, "TAPESIM_JOURNAL_PATH")

	setStr(&cfg.Log.Level, "TAPESIM_LOG_LEVEL")
	setStr(&cfg.Log.Format, "TAPESIM_LOG_FORMAT")

	setBool(&cfg.Risk.AllowShorting, "TAPESIM_ALLOW_SHORTING")
	setBool(&cfg.Risk.BuyingPowerEnabled, "TAPESIM_BUYING_POWER_ENABLED")
	setFloat64(&cfg.Risk.BuyingPower, "TAPESIM_BUYING_POWER")

	setFloat64(&cfg.Matching.TakeParticipation, "TAPESIM_TAKE_PARTICIPATION")
	setFloat64(&cfg.Matching.PassiveParticipation, "TAPESIM_PASSIVE_PARTICIPATION")
}

// Validate checks every section.
func (c *Config) Validate() error {
	var errs []error
	if c.Server.Addr == "" {
		errs = append(errs, errors.New("server.addr is required"))
	}
	if c.Server.ShutdownTimeout.Duration < 0 {
		errs = append(errs, errors.New("server.shutdown_timeout must not be negative"))
	}
	if c.Data.Dir == "" {
		errs = append(errs, errors.New("data.dir is required"))
	}
	if _, err := historical.LoadLocation(c.Data.TZ); err != nil {
		errs = append(errs, fmt.Errorf("data.tz: %w", err))
	}
	if _, err := c.Timeframe(); err != nil {
		errs = append(errs, fmt.Errorf("data.tf: %w", err))
	}
	if err := c.Risk.Validate(); err != nil {
		errs = append(errs, err)
	}
	if err := c.Matching.Validate(); err != nil {
		errs = append(errs, err)
	}
	if _, err := ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, err)
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format %q must be text or json", c.Log.Format))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(errs...))
	}
	return nil
}

// Timeframe returns the parsed default session timeframe.
func (c *Config) Timeframe() (historical.Timeframe, error) {
	if c.Data.Timeframe == "" {
		return historical.TF1s, nil
	}
	return historical.ParseTimeframe(c.Data.Timeframe)
}

// ParseLevel maps debug, info, warn and error to slog levels.
func ParseLevel(s string) (slog.Level, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("log.level %q: %w", s, err)
	}
	return lvl, nil
}

// NewLogger builds the process logger from the log section.
func (c *Config) NewLogger() (*slog.Logger, error) {
	lvl, err := ParseLevel(c.Log.Level)
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: lvl}
	if c.Log.Format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts)), nil
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts)), nil
}
