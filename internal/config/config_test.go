package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, ":8088", cfg.Server.Addr)
	assert.Equal(t, "America/New_York", cfg.Data.TZ)
	assert.False(t, cfg.Risk.AllowShorting)
	assert.True(t, cfg.Risk.BuyingPowerEnabled)
	assert.InDelta(t, 1800, cfg.Risk.BuyingPower, 1e-9)
	assert.InDelta(t, 0.85, cfg.Matching.TakeParticipation, 1e-9)
	assert.InDelta(t, 0.40, cfg.Matching.PassiveParticipation, 1e-9)
	assert.Equal(t, "tapesim.db", cfg.Journal.Path)
}

func TestLoadFormats(t *testing.T) {
	tests := []struct {
		name string
		file string
		body string
	}{
		{
			name: "toml",
			file: "tapesim.toml",
			body: `
[server]
addr = ":9000"
shutdown_timeout = "2s"

[risk]
allow_shorting = true
buying_power = 5000

[matching]
passive_participation = 0.25
`,
		},
		{
			name: "yaml",
			file: "tapesim.yaml",
			body: `
server:
  addr: ":9000"
  shutdown_timeout: 2s
risk:
  allow_shorting: true
  buying_power: 5000
matching:
  passive_participation: 0.25
`,
		},
		{
			name: "json",
			file: "tapesim.json",
			body: "{\n\t\"server\": {\"addr\": \":9000\", \"shutdown_timeout\": \"2s\"},\n\t\"risk\": {\"allow_shorting\": true, \"buying_power\": 5000},\n\t\"matching\": {\"passive_participation\": 0.25}\n}\n",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := LoadFromFile(writeFile(t, tt.file, tt.body))
			require.NoError(t, err)
			assert.Equal(t, ":9000", cfg.Server.Addr)
			assert.Equal(t, 2*time.Second, cfg.Server.ShutdownTimeout.Duration)
			assert.True(t, cfg.Risk.AllowShorting)
			assert.InDelta(t, 5000, cfg.Risk.BuyingPower, 1e-9)
			assert.InDelta(t, 0.25, cfg.Matching.PassiveParticipation, 1e-9)
			// Unset keys keep their defaults.
			assert.True(t, cfg.Risk.BuyingPowerEnabled)
			assert.InDelta(t, 0.85, cfg.Matching.TakeParticipation, 1e-9)
			require.NoError(t, cfg.Validate())
		})
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("TAPESIM_ADDR", ":7777")
	t.Setenv("TAPESIM_DATA_DIR", "/srv/data")
	t.Setenv("TAPESIM_ALLOW_SHORTING", "true")
	t.Setenv("TAPESIM_BUYING_POWER_ENABLED", "false")
	t.Setenv("TAPESIM_BUYING_POWER", "250.5")
	t.Setenv("TAPESIM_TAKE_PARTICIPATION", "0.5")
	t.Setenv("TAPESIM_CORS_ORIGINS", "http://a, ,http://b")
	t.Setenv("TAPESIM_PASSIVE_PARTICIPATION", "not-a-number")

	cfg, err := LoadFromFile("")
	require.NoError(t, err)
	assert.Equal(t, ":7777", cfg.Server.Addr)
	assert.Equal(t, "/srv/data", cfg.Data.Dir)
	assert.True(t, cfg.Risk.AllowShorting)
	assert.False(t, cfg.Risk.BuyingPowerEnabled)
	assert.InDelta(t, 250.5, cfg.Risk.BuyingPower, 1e-9)
	assert.InDelta(t, 0.5, cfg.Matching.TakeParticipation, 1e-9)
	assert.Equal(t, []string{"http://a", "http://b"}, cfg.Server.CORSOrigins)
	assert.InDelta(t, 0.40, cfg.Matching.PassiveParticipation, 1e-9)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := LoadFromFile(filepath.Join(t.TempDir(), "nope.toml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty addr", func(c *Config) { c.Server.Addr = "" }},
		{"bad tz", func(c *Config) { c.Data.TZ = "Mars/Olympus" }},
		{"bad timeframe", func(c *Config) { c.Data.Timeframe = "2m" }},
		{"negative buying power", func(c *Config) { c.Risk.BuyingPower = -1 }},
		{"participation above one", func(c *Config) { c.Matching.TakeParticipation = 1.5 }},
		{"bad level", func(c *Config) { c.Log.Level = "loud" }},
		{"bad format", func(c *Config) { c.Log.Format = "xml" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			assert.ErrorIs(t, cfg.Validate(), ErrInvalidConfig)
		})
	}
}

func TestNewLogger(t *testing.T) {
	cfg := Default()
	cfg.Log = LogConfig{Level: "debug", Format: "json"}
	logger, err := cfg.NewLogger()
	require.NoError(t, err)
	assert.NotNil(t, logger)
}
