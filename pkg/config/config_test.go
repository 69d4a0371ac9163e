package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-playground/validator/v10"
)

func TestDefault_IsValid(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Default config is invalid: %v", err)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.DB.Memtable.FlushThresholdBytes != Default().DB.Memtable.FlushThresholdBytes {
		t.Fatal("Expected default config for a missing file")
	}
}

func TestLoad_Overrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	data := `
logger:
  level: info
  json: true
http-server:
  port: 9090
  read_header_timeout: 2s
db:
  memtable:
    flush_threshold: 2048
    entry_overhead: 0
    max_imm_tables: 5
  wal:
    dir: /tmp/wal
    sync: false
  persistence:
    path: /tmp/data
    bloom_filter:
      fp_rate: 0.05
    compression: zstd
    block_cache_bytes: 1024
`
	if err := os.WriteFile(path, []byte(data), 0600); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Logger.Level != "info" || !cfg.Logger.JSON {
		t.Fatalf("Unexpected logger config: %+v", cfg.Logger)
	}
	if cfg.Server.Port != 9090 || cfg.Server.ReadHeaderTimeout != 2*time.Second {
		t.Fatalf("Unexpected server config: %+v", cfg.Server)
	}
	mt := cfg.DB.Memtable
	if mt.FlushThresholdBytes != 2048 || mt.EntryOverheadBytes != 0 || mt.MaxImmTables != 5 {
		t.Fatalf("Unexpected memtable config: %+v", mt)
	}
	if cfg.DB.WAL.Dir != "/tmp/wal" || cfg.DB.WAL.Sync {
		t.Fatalf("Unexpected wal config: %+v", cfg.DB.WAL)
	}
	if cfg.DB.Persistence.RootPath != "/tmp/data" || cfg.DB.Persistence.BloomFilter.FPRate != 0.05 {
		t.Fatalf("Unexpected persistence config: %+v", cfg.DB.Persistence)
	}
	if cfg.DB.Persistence.Compression != "zstd" || cfg.DB.Persistence.BlockCacheBytes != 1024 {
		t.Fatalf("Unexpected persistence config: %+v", cfg.DB.Persistence)
	}
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{name: "bad level", data: "logger:\n  level: loud\n"},
		{name: "bad port", data: "http-server:\n  port: 70000\n"},
		{name: "zero threshold", data: "db:\n  memtable:\n    flush_threshold: 0\n"},
		{name: "bad fp rate", data: "db:\n  persistence:\n    bloom_filter:\n      fp_rate: 1.5\n"},
		{name: "bad compression", data: "db:\n  persistence:\n    compression: lz4\n"},
		{name: "negative port", data: "http-server:\n  port: -1\n"},
		{name: "zero header timeout", data: "http-server:\n  read_header_timeout: 0s\n"},
		{name: "no imm tables", data: "db:\n  memtable:\n    max_imm_tables: 0\n"},
		{name: "not yaml", data: "logger: [\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "config.yaml")
			if err := os.WriteFile(path, []byte(tt.data), 0600); err != nil {
				t.Fatalf("WriteFile failed: %v", err)
			}
			if _, err := Load(path); err == nil {
				t.Fatal("Expected Load to fail")
			}
		})
	}
}

func TestValidate_ReportsYAMLNames(t *testing.T) {
	cfg := Default()
	cfg.DB.Memtable.FlushThresholdBytes = 0
	cfg.DB.Persistence.BloomFilter.FPRate = 1

	err := cfg.Validate()
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		t.Fatalf("Expected validation errors, got %v", err)
	}

	fields := map[string]string{}
	for _, fe := range verrs {
		fields[fe.Field()] = fe.Tag()
	}
	if fields["flush_threshold"] != "required" || fields["fp_rate"] != "lt" || len(fields) != 2 {
		t.Fatalf("Unexpected failing fields: %v", fields)
	}

	if err := cfg.DB.Validate(); !errors.As(err, &verrs) {
		t.Fatalf("Expected DB validation errors, got %v", err)
	}
}

func TestLoad_PortZero(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("http-server:\n  port: 0\n"), 0600); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Server.Port != 0 {
		t.Fatalf("Expected port 0, got %d", cfg.Server.Port)
	}
}
