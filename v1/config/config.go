// Package config loads lock settings from YAML or JSON files and builds the
// stores, buses and loggers they describe.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"

	"github.com/mirkobrombin/go-lockable/v1/lock"
)

var (
	ErrUnsupportedFormat = errors.New("lockable: unsupported config format")
	ErrLoadFailed        = errors.New("lockable: failed to load config")
	ErrParseFailed       = errors.New("lockable: failed to parse config")
	ErrInvalid           = errors.New("lockable: invalid config")
)

// Format is a config file format.
type Format string

const (
	FormatYAML Format = "yaml"
	FormatJSON Format = "json"
)

// Store drivers.
const (
	DriverMemory = "memory"
	DriverRedis  = "redis"
	DriverBolt   = "bolt"
	DriverSQLite = "sqlite"
	DriverEtcd   = "etcd"
)

// Bus drivers.
const (
	BusNone   = "none"
	BusMemory = "memory"
	BusRedis  = "redis"
	BusNATS   = "nats"
	BusKafka  = "kafka"
)

// Config is the full lockable configuration.
type Config struct {
	Lock   LockConfig   `koanf:"lock"`
	Store  StoreConfig  `koanf:"store"`
	Native NativeConfig `koanf:"native"`
	Bus    BusConfig    `koanf:"bus"`
	Log    LogConfig    `koanf:"log"`
}

// LockConfig holds the timings of a lock.
type LockConfig struct {
	WaitTimeout   time.Duration `koanf:"wait_timeout"`
	WaitTickDelay time.Duration `koanf:"wait_tick_delay"`
	HangTimeout   time.Duration `koanf:"hang_timeout"`
}

// StoreConfig selects and configures the shared lease store.
//
// DSN meaning depends on Driver: a redis:// URL, a bbolt file path, a
// SQLite file name or a comma separated list of etcd endpoints.
type StoreConfig struct {
	Driver  string        `koanf:"driver"`
	DSN     string        `koanf:"dsn"`
	Prefix  string        `koanf:"prefix"`
	Table   string        `koanf:"table"`
	Bucket  string        `koanf:"bucket"`
	Timeout time.Duration `koanf:"timeout"`
}

// NativeConfig controls the file lock fast path.
type NativeConfig struct {
	Enabled bool   `koanf:"enabled"`
	Dir     string `koanf:"dir"`
}

// BusConfig selects the release notifier. URL is a redis:// URL, a NATS
// URL or a comma separated list of Kafka brokers. Topic only applies to
// Kafka.
type BusConfig struct {
	Driver           string        `koanf:"driver"`
	URL              string        `koanf:"url"`
	Topic            string        `koanf:"topic"`
	BreakerThreshold int           `koanf:"breaker_threshold"`
	BreakerTimeout   time.Duration `koanf:"breaker_timeout"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level       string `koanf:"level"`
	Development bool   `koanf:"development"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		Lock: LockConfig{
			WaitTimeout:   lock.DefaultWaitTimeout,
			WaitTickDelay: lock.DefaultWaitTickDelay,
			HangTimeout:   lock.DefaultHangTimeout,
		},
		Store: StoreConfig{
			Driver:  DriverBolt,
			DSN:     filepath.Join(os.TempDir(), "lockable", "leases.db"),
			Timeout: 5 * time.Second,
		},
		Native: NativeConfig{Enabled: true},
		Bus: BusConfig{
			Driver:           BusNone,
			BreakerThreshold: 3,
			BreakerTimeout:   30 * time.Second,
		},
		Log: LogConfig{Level: "info"},
	}
}

// Load reads the file at path over the defaults. The format follows the
// file extension. An empty path returns Default.
func Load(path string) (Config, error) {
	if path == "" {
		return Default(), nil
	}
	format, err := detectFormat(path)
	if err != nil {
		return Config{}, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("%w: %w", ErrLoadFailed, err)
	}
	return LoadBytes(data, format)
}

// LoadBytes parses data over the defaults.
func LoadBytes(data []byte, format Format) (Config, error) {
	var parser koanf.Parser
	switch format {
	case FormatYAML:
		parser = yaml.Parser()
	case FormatJSON:
		parser = json.Parser()
	default:
		return Config{}, ErrUnsupportedFormat
	}

	k := koanf.New(".")
	if len(data) > 0 {
		if err := k.Load(rawbytes.Provider(data), parser); err != nil {
			return Config{}, fmt.Errorf("%w: %w", ErrParseFailed, err)
		}
	}
	cfg := Default()
	if err := k.UnmarshalWithConf("", &cfg, koanf.UnmarshalConf{Tag: "koanf"}); err != nil {
		return Config{}, fmt.Errorf("%w: %w", ErrParseFailed, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the configuration for values no component would accept.
func (c Config) Validate() error {
	var errs []error
	if c.Lock.WaitTimeout <= 0 {
		errs = append(errs, errors.New("lock.wait_timeout must be positive"))
	}
	if c.Lock.WaitTickDelay <= 0 {
		errs = append(errs, errors.New("lock.wait_tick_delay must be positive"))
	}
	if c.Lock.HangTimeout <= 0 {
		errs = append(errs, errors.New("lock.hang_timeout must be positive"))
	}
	switch c.Store.Driver {
	case DriverMemory:
	case DriverRedis, DriverBolt, DriverSQLite, DriverEtcd:
		if c.Store.DSN == "" {
			errs = append(errs, fmt.Errorf("store.dsn is required for driver %q", c.Store.Driver))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown store.driver %q", c.Store.Driver))
	}
	switch c.Bus.Driver {
	case "", BusNone, BusMemory:
	case BusRedis, BusNATS, BusKafka:
		if c.Bus.URL == "" {
			errs = append(errs, fmt.Errorf("bus.url is required for driver %q", c.Bus.Driver))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown bus.driver %q", c.Bus.Driver))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalid, errors.Join(errs...))
	}
	return nil
}

// LockOptions returns the lock options for the timings of c.
func (c Config) LockOptions() []lock.Option {
	return []lock.Option{
		lock.WithWaitTimeout(c.Lock.WaitTimeout),
		lock.WithWaitTickDelay(c.Lock.WaitTickDelay),
		lock.WithHangTimeout(c.Lock.HangTimeout),
	}
}

func detectFormat(path string) (Format, error) {
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		return FormatYAML, nil
	case ".json":
		return FormatJSON, nil
	default:
		return "", fmt.Errorf("%w: unknown extension %q", ErrUnsupportedFormat, ext)
	}
}
