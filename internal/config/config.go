// Package config loads the AIS store configuration from struct defaults,
// an optional YAML file and AIS_* environment variables, in that order.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"

	"ais_store/internal/logging"
	"ais_store/internal/storage"
)

// EnvPrefix prefixes every environment override: AIS_POSTGRES_HOST sets
// postgres.host.
const EnvPrefix = "AIS_"

// ConfigPathEnvVar overrides the config file location.
const ConfigPathEnvVar = "AIS_CONFIG"

// DefaultConfigPaths are searched in order when AIS_CONFIG is unset.
var DefaultConfigPaths = []string{
	"config.yaml",
	"config.yml",
	"/etc/ais-store/config.yaml",
}

// Config is the full application configuration.
type Config struct {
	Postgres   PostgresConfig   `koanf:"postgres"`
	SQLite     SQLiteConfig     `koanf:"sqlite"`
	ClickHouse ClickHouseConfig `koanf:"clickhouse"`
	NATS       NATSConfig       `koanf:"nats"`
	Server     ServerConfig     `koanf:"server"`
	Retention  RetentionConfig  `koanf:"retention"`
	Tiles      TilesConfig      `koanf:"tiles"`
	Log        LogConfig        `koanf:"log"`
}

type PostgresConfig struct {
	Host     string `koanf:"host"`
	Port     int    `koanf:"port" validate:"min=1,max=65535"`
	Database string `koanf:"database"`
	User     string `koanf:"user"`
	Password string `koanf:"password"`
}

// SQLiteConfig selects the embedded store when Path is set.
type SQLiteConfig struct {
	Path string `koanf:"path"`
}

type ClickHouseConfig struct {
	Enabled  bool   `koanf:"enabled"`
	Host     string `koanf:"host" validate:"required_if=Enabled true"`
	Port     int    `koanf:"port" validate:"min=1,max=65535"`
	Database string `koanf:"database" validate:"required_if=Enabled true"`
	User     string `koanf:"user"`
	Password string `koanf:"password"`
}

type NATSConfig struct {
	Enabled bool   `koanf:"enabled"`
	URL     string `koanf:"url" validate:"required_if=Enabled true"`
	Subject string `koanf:"subject" validate:"required_if=Enabled true"`
	Queue   string `koanf:"queue"`
}

type ServerConfig struct {
	Host        string        `koanf:"host"`
	Port        int           `koanf:"port" validate:"min=1,max=65535"`
	Timeout     time.Duration `koanf:"timeout" validate:"min=1s"`
	AuthEnabled bool          `koanf:"auth_enabled"`
	APIKeys     []string      `koanf:"api_keys" validate:"required_if=AuthEnabled true"`
}

type RetentionConfig struct {
	Enabled  bool          `koanf:"enabled"`
	Window   time.Duration `koanf:"window" validate:"min=1s"`
	Interval time.Duration `koanf:"interval" validate:"min=1s"`
}

type TilesConfig struct {
	Enabled bool     `koanf:"enabled"`
	Zooms   []uint32 `koanf:"zooms" validate:"len=3,dive,min=1,max=24"`
}

type LogConfig struct {
	Level  string `koanf:"level" validate:"oneof=trace debug info warn warning error disabled"`
	Format string `koanf:"format" validate:"oneof=json console"`
	Caller bool   `koanf:"caller"`
}

func defaultConfig() *Config {
	db := storage.DefaultConfig()
	return &Config{
		Postgres: PostgresConfig{
			Host:     db.Postgres.Host,
			Port:     db.Postgres.Port,
			Database: db.Postgres.Database,
			User:     db.Postgres.User,
			Password: db.Postgres.Password,
		},
		ClickHouse: ClickHouseConfig{
			Enabled:  false,
			Host:     db.ClickHouse.Host,
			Port:     db.ClickHouse.Port,
			Database: db.ClickHouse.Database,
			User:     db.ClickHouse.User,
		},
		NATS: NATSConfig{
			Enabled: false,
			URL:     "nats://127.0.0.1:4222",
			Subject: "ais.messages",
			Queue:   "ais-store",
		},
		Server: ServerConfig{
			Host:    "0.0.0.0",
			Port:    8080,
			Timeout: 30 * time.Second,
		},
		Retention: RetentionConfig{
			Enabled:  true,
			Window:   5 * time.Minute,
			Interval: time.Minute,
		},
		Tiles: TilesConfig{
			Enabled: true,
			Zooms:   []uint32{6, 9, 12},
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load builds the configuration: defaults, then the config file if one
// exists, then environment variables.
func Load() (*Config, error) {
	return load(findConfigFile())
}

// LoadFile is Load with an explicit config file path.
func LoadFile(path string) (*Config, error) {
	return load(path)
}

func load(path string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(defaultConfig(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envTransformFunc), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	if err := processSliceFields(k); err != nil {
		return nil, fmt.Errorf("failed to process slice fields: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal configuration: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

// findConfigFile returns the first existing config file, or "".
func findConfigFile() string {
	if envPath := os.Getenv(ConfigPathEnvVar); envPath != "" {
		return envPath
	}
	for _, path := range DefaultConfigPaths {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

// envTransformFunc maps AIS_POSTGRES_HOST to postgres.host and
// AIS_SERVER_API_KEYS to server.api_keys. Only the first underscore after
// the prefix separates the section from the key.
func envTransformFunc(key string) string {
	key = strings.ToLower(strings.TrimPrefix(key, EnvPrefix))
	return strings.Replace(key, "_", ".", 1)
}

// sliceConfigPaths are parsed from comma-separated env values.
var sliceConfigPaths = []string{
	"server.api_keys",
	"tiles.zooms",
}

func processSliceFields(k *koanf.Koanf) error {
	for _, path := range sliceConfigPaths {
		s, ok := k.Get(path).(string)
		if !ok {
			continue
		}
		var parts []string
		for _, p := range strings.Split(s, ",") {
			if p = strings.TrimSpace(p); p != "" {
				parts = append(parts, p)
			}
		}
		if err := k.Set(path, parts); err != nil {
			return err
		}
	}
	return nil
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks field constraints. The PostgreSQL settings are required
// only when no SQLite path is configured.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return err
	}
	if c.SQLite.Path == "" {
		var missing []string
		if c.Postgres.Host == "" {
			missing = append(missing, "postgres.host")
		}
		if c.Postgres.Database == "" {
			missing = append(missing, "postgres.database")
		}
		if c.Postgres.User == "" {
			missing = append(missing, "postgres.user")
		}
		if len(missing) > 0 {
			return errors.New("missing required settings: " + strings.Join(missing, ", "))
		}
	}
	return nil
}

// Storage converts the database sections into storage settings.
func (c *Config) Storage() storage.Config {
	return storage.Config{
		SQLitePath: c.SQLite.Path,
		Postgres: storage.PostgresConfig{
			Host:     c.Postgres.Host,
			Port:     c.Postgres.Port,
			Database: c.Postgres.Database,
			User:     c.Postgres.User,
			Password: c.Postgres.Password,
		},
		ClickHouse: storage.ClickHouseConfig{
			Host:     c.ClickHouse.Host,
			Port:     c.ClickHouse.Port,
			Database: c.ClickHouse.Database,
			User:     c.ClickHouse.User,
			Password: c.ClickHouse.Password,
		},
	}
}

// Logging converts the log section into logger settings.
func (c *Config) Logging() logging.Config {
	return logging.Config{
		Level:  c.Log.Level,
		Format: c.Log.Format,
		Caller: c.Log.Caller,
	}
}

// TileZooms returns the three configured zoom levels.
func (c *Config) TileZooms() [3]uint32 {
	var z [3]uint32
	copy(z[:], c.Tiles.Zooms)
	return z
}
