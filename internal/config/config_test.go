package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("IATIMPORT_CONFIG_DIR", t.TempDir())
	dataDir := t.TempDir()
	t.Setenv("IATIMPORT_DATA_DIR", dataDir)

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "sqlite", cfg.Database.Driver)
	assert.Equal(t, filepath.Join(dataDir, "iatimport.db"), cfg.Database.DSN)
	assert.Equal(t, 4, cfg.Workers)
	assert.True(t, cfg.Prune)
	assert.Equal(t, 5, cfg.CoordinatePrecision)
}

func TestLoadFileThenEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
database:
  driver: pgx
  dsn: postgres://localhost/aims
workers: 8
prune: false
log:
  level: debug
  format: json
`), 0o644))
	t.Setenv("IATIMPORT_WORKERS", "2")
	t.Setenv("IATIMPORT_LOG_LEVEL", "warn")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "pgx", cfg.Database.Driver)
	assert.Equal(t, "postgres://localhost/aims", cfg.Database.DSN)
	assert.Equal(t, 2, cfg.Workers, "env overrides file")
	assert.Equal(t, "warn", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format, "file value kept when env is unset")
	assert.False(t, cfg.Prune)
}

func TestLoadCurrencyRates(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
currency:
  rates:
    EUR: "1.08"
    EUR@2024-06-01: "1.07"
`), 0o644))
	t.Setenv("IATIMPORT_DATA_DIR", t.TempDir())

	cfg, err := Load(path)
	require.NoError(t, err)
	rates, err := cfg.Rates()
	require.NoError(t, err)
	assert.Equal(t, 2, rates.Len())
	rate, ok := rates.Rate("EUR", "2024-07-01")
	require.True(t, ok)
	assert.Equal(t, "1.07", rate.String())

	t.Setenv("IATIMPORT_CURRENCY_RATES", "GBP:1.27")
	cfg, err = Load(path)
	require.NoError(t, err)
	assert.Equal(t, "1.27", cfg.Currency.Rates["GBP"])
}

func TestLoadMissingExplicitFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"unknown driver", func(c *Config) { c.Database.Driver = "mysql" }},
		{"pgx without dsn", func(c *Config) { c.Database.Driver = "pgx"; c.Database.DSN = "" }},
		{"zero workers", func(c *Config) { c.Workers = 0 }},
		{"precision too high", func(c *Config) { c.CoordinatePrecision = 12 }},
		{"bad log format", func(c *Config) { c.Log.Format = "xml" }},
		{"bad currency rate", func(c *Config) { c.Currency.Rates = map[string]string{"EUR": "-1"} }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
	assert.NoError(t, Default().Validate())
}
