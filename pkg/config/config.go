package config

import (
	"errors"
	"fmt"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/goccy/go-yaml"

	"membuf/pkg/compression"
)

// Config is the root configuration of a node.
// yaml and validate tags describe parsing and validation rules.
type Config struct {
	Logger LoggerConfig `yaml:"logger" validate:"required"`
	Server ServerConfig `yaml:"http-server" validate:"required"`
	DB     `yaml:"db" validate:"required"`
}

type ServerConfig struct {
	// 0 picks a free port.
	Port              int           `yaml:"port" validate:"min=0,max=65535"`
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout" validate:"required,gt=0"`
}

type DB struct {
	Memtable    MemtableConfig    `yaml:"memtable" validate:"required"`
	WAL         WALConfig         `yaml:"wal"`
	Persistence PersistenceConfig `yaml:"persistence" validate:"required"`
}

type MemtableConfig struct {
	// A memtable is rotated once its accounted size reaches this value.
	FlushThresholdBytes uint64 `yaml:"flush_threshold" validate:"required,min=1"`
	// Bytes charged once per distinct key on top of key and value lengths.
	EntryOverheadBytes uint64 `yaml:"entry_overhead" validate:"min=0"`
	// Frozen memtables waiting for the flusher. Writers block above it.
	MaxImmTables int `yaml:"max_imm_tables" validate:"required,min=1"`
}

type WALConfig struct {
	// Defaults to <persistence.path>/wal when empty.
	Dir  string `yaml:"dir"`
	Sync bool   `yaml:"sync"`
}

type PersistenceConfig struct {
	RootPath    string            `yaml:"path" validate:"required"`
	BloomFilter BloomFilterConfig `yaml:"bloom_filter" validate:"required"`
	// Value codec for new sstables: none or zstd.
	Compression string `yaml:"compression" validate:"omitempty,oneof=none zstd"`
	// Record cache shared by all sstables. Zero disables it.
	BlockCacheBytes uint64 `yaml:"block_cache_bytes"`
}

type BloomFilterConfig struct {
	FPRate float64 `yaml:"fp_rate" validate:"required,gt=0,lt=1"`
}

type LoggerConfig struct {
	Level string `yaml:"level" validate:"required,oneof=DEBUG INFO WARN ERROR debug info warn error"`
	JSON  bool   `yaml:"json"`
}

// Default returns a baseline development config.
func Default() Config {
	return Config{
		Logger: LoggerConfig{
			Level: "DEBUG",
			JSON:  false,
		},
		Server: ServerConfig{
			Port:              8080,
			ReadHeaderTimeout: time.Second,
		},
		DB: DB{
			Memtable: MemtableConfig{
				FlushThresholdBytes: 4 * 1024 * 1024,
				EntryOverheadBytes:  17,
				MaxImmTables:        3,
			},
			WAL: WALConfig{
				Sync: true,
			},
			Persistence: PersistenceConfig{
				RootPath: "./data",
				BloomFilter: BloomFilterConfig{
					FPRate: 0.01,
				},
				Compression:     "none",
				BlockCacheBytes: 8 * 1024 * 1024,
			},
		},
	}
}

// Load reads a YAML config from path on top of Default. A missing file is
// not an error: the default config is returned.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("read config: %w", err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}

	return cfg, nil
}

var validate = newValidator()

// newValidator reports fields by their yaml names.
func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("yaml"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// Validate checks the validate tags of the whole config.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return c.DB.checkCodec()
}

// Validate checks the store part of the config only.
func (d *DB) Validate() error {
	if err := validate.Struct(d); err != nil {
		return fmt.Errorf("invalid db config: %w", err)
	}
	return d.checkCodec()
}

// checkCodec makes sure the configured compression has a registered codec.
func (d *DB) checkCodec() error {
	typ, err := compression.ParseType(d.Persistence.Compression)
	if err != nil {
		return fmt.Errorf("db.persistence.compression: %w", err)
	}
	if typ == compression.None {
		return nil
	}
	if _, err := compression.Lookup(typ); err != nil {
		return fmt.Errorf("db.persistence.compression: %w", err)
	}
	return nil
}
