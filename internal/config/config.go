// Package config loads iatimport settings from defaults, a YAML file, .env
// files and IATIMPORT_* environment variables, in that order of precedence.
package config

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/caarlos0/env/v11"
	"github.com/go-faster/errors"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/Napageneral/iatimport/internal/currency"
)

const (
	appName   = "iatimport"
	envPrefix = "IATIMPORT_"
	dbFile    = "iatimport.db"
)

type DatabaseOptions struct {
	Driver string `yaml:"driver" env:"DRIVER"`
	DSN    string `yaml:"dsn" env:"DSN"`
}

type LogOptions struct {
	Level  string `yaml:"level" env:"LEVEL"`
	Format string `yaml:"format" env:"FORMAT"`
}

type MetricsOptions struct {
	Textfile string `yaml:"textfile" env:"TEXTFILE"`
}

// CurrencyOptions maps "CUR" or "CUR@YYYY-MM-DD" to the USD value of one
// unit of the currency.
type CurrencyOptions struct {
	Rates map[string]string `yaml:"rates" env:"RATES"`
}

type Config struct {
	Database            DatabaseOptions `yaml:"database" envPrefix:"DB_"`
	Log                 LogOptions      `yaml:"log" envPrefix:"LOG_"`
	Metrics             MetricsOptions  `yaml:"metrics" envPrefix:"METRICS_"`
	Currency            CurrencyOptions `yaml:"currency" envPrefix:"CURRENCY_"`
	Workers             int             `yaml:"workers" env:"WORKERS"`
	Prune               bool            `yaml:"prune" env:"PRUNE"`
	CoordinatePrecision int             `yaml:"coordinate_precision" env:"COORDINATE_PRECISION"`
}

// Default returns the built-in settings.
func Default() *Config {
	return &Config{
		Database:            DatabaseOptions{Driver: "sqlite"},
		Log:                 LogOptions{Level: "info", Format: "text"},
		Workers:             4,
		Prune:               true,
		CoordinatePrecision: 5,
	}
}

// GetConfigDir returns the directory holding config.yaml.
func GetConfigDir() (string, error) {
	if dir := os.Getenv(envPrefix + "CONFIG_DIR"); dir != "" {
		return dir, nil
	}
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, appName), nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", errors.Wrap(err, "resolve home directory")
	}
	return filepath.Join(home, ".config", appName), nil
}

// GetDataDir returns the directory holding the default SQLite database.
func GetDataDir() (string, error) {
	if dir := os.Getenv(envPrefix + "DATA_DIR"); dir != "" {
		return dir, nil
	}
	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		return filepath.Join(xdg, appName), nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", errors.Wrap(err, "resolve home directory")
	}
	return filepath.Join(home, ".local", "share", appName), nil
}

// LoadEnv loads the given .env files that exist and reports how many did.
func LoadEnv(envFiles []string) (int, error) {
	existing := make([]string, 0, len(envFiles))
	for _, file := range envFiles {
		if _, err := os.Stat(file); err == nil {
			existing = append(existing, file)
		}
	}
	if len(existing) == 0 {
		return 0, nil
	}
	return len(existing), godotenv.Load(existing...)
}

// Load builds the configuration. An empty path means config.yaml in the
// config directory, which may be absent.
func Load(path string) (*Config, error) {
	cfg := Default()

	explicit := path != ""
	if !explicit {
		dir, err := GetConfigDir()
		if err != nil {
			return nil, err
		}
		path = filepath.Join(dir, "config.yaml")
	}
	if err := cfg.loadFile(path, explicit); err != nil {
		return nil, err
	}

	if _, err := LoadEnv([]string{".env", ".env.local"}); err != nil {
		return nil, errors.Wrap(err, "load .env")
	}
	if err := env.ParseWithOptions(cfg, env.Options{Prefix: envPrefix}); err != nil {
		return nil, errors.Wrap(err, "parse environment")
	}

	if err := cfg.fillDSN(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadFile(path string, required bool) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) && !required {
			return nil
		}
		return errors.Wrapf(err, "read config %s", path)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return errors.Wrapf(err, "parse config %s", path)
	}
	return nil
}

func (c *Config) fillDSN() error {
	if c.Database.DSN != "" || !c.IsSQLite() {
		return nil
	}
	dir, err := GetDataDir()
	if err != nil {
		return err
	}
	c.Database.DSN = filepath.Join(dir, dbFile)
	return nil
}

// IsSQLite reports whether the configured driver is one of the SQLite drivers.
func (c *Config) IsSQLite() bool {
	return c.Database.Driver == "sqlite" || c.Database.Driver == "sqlite3"
}

// Validate rejects settings the engine cannot run with.
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "sqlite", "sqlite3", "pgx":
	default:
		return errors.Errorf("config: unknown database driver %q (want sqlite, sqlite3 or pgx)", c.Database.Driver)
	}
	if c.Database.Driver == "pgx" && c.Database.DSN == "" {
		return errors.New("config: database.dsn is required for the pgx driver")
	}
	if c.Workers < 1 {
		return errors.Errorf("config: workers must be at least 1, got %d", c.Workers)
	}
	if c.CoordinatePrecision < 1 || c.CoordinatePrecision > 9 {
		return errors.Errorf("config: coordinate_precision must be between 1 and 9, got %d", c.CoordinatePrecision)
	}
	if _, err := c.Rates(); err != nil {
		return errors.Wrap(err, "config")
	}
	switch strings.ToLower(c.Log.Format) {
	case "text", "json":
	default:
		return errors.Errorf("config: unknown log format %q", c.Log.Format)
	}
	return nil
}

// Rates parses the configured exchange rate table.
func (c *Config) Rates() (*currency.Table, error) {
	return currency.ParseRates(c.Currency.Rates)
}

// Write stores the configuration as YAML at path.
func (c *Config) Write(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return errors.Wrap(err, "marshal config")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errors.Wrap(err, "create config directory")
	}
	return os.WriteFile(path, data, 0o644)
}
