// Package config loads the swap subsystem configuration.
package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	swaperr "swapvm/pkg/error"
	"swapvm/pkg/logging"
)

// Device kinds.
const (
	DeviceMemory = "memory"
	DeviceFile   = "file"
	DeviceSQLite = "sqlite"
)

// Compression names.
const (
	CompressionNone = "none"
	CompressionXZ   = "xz"
)

// DeviceConfig selects and parameterizes the swap transport.
type DeviceConfig struct {
	Kind        string `yaml:"kind" json:"kind"`
	Path        string `yaml:"path" json:"path"`
	Compression string `yaml:"compression" json:"compression"`
	Verify      bool   `yaml:"verify" json:"verify"`
}

// QuotaConfig bounds how much anonymous memory one credential may charge.
type QuotaConfig struct {
	DefaultLimit int64 `yaml:"default_limit" json:"default_limit"` // bytes, 0 = unlimited
}

// LogConfig mirrors logging.Config in file form.
type LogConfig struct {
	Level  string `yaml:"level" json:"level"`
	Path   string `yaml:"path" json:"path"`
	Format string `yaml:"format" json:"format"`
}

type Config struct {
	PageSize         int          `yaml:"page_size" json:"page_size"`
	SwapSlots        int          `yaml:"swap_slots" json:"swap_slots"`
	MaxResidentPages int          `yaml:"max_resident_pages" json:"max_resident_pages"`
	CacheShards      int          `yaml:"cache_shards" json:"cache_shards"`
	MaxCluster       int          `yaml:"max_cluster" json:"max_cluster"`
	PutParallelism   int          `yaml:"put_parallelism" json:"put_parallelism"`
	SlotGoneRetries  int          `yaml:"slot_gone_retries" json:"slot_gone_retries"`
	Device           DeviceConfig `yaml:"device" json:"device"`
	Quota            QuotaConfig  `yaml:"quota" json:"quota"`
	Log              LogConfig    `yaml:"log" json:"log"`
}

// Default returns a configuration suitable for tests and the simulator:
// 4 KiB pages, 4096 in-memory slots, no compression.
func Default() Config {
	return Config{
		PageSize:         4096,
		SwapSlots:        4096,
		MaxResidentPages: 0,
		CacheShards:      16,
		MaxCluster:       8,
		PutParallelism:   4,
		SlotGoneRetries:  3,
		Device: DeviceConfig{
			Kind:        DeviceMemory,
			Compression: CompressionNone,
		},
		Log: LogConfig{
			Level:  string(logging.LevelWarn),
			Format: "text",
		},
	}
}

// Load reads a YAML or JSON (by extension) file over the defaults and
// validates the result.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, swaperr.InvalidArgument("reading config %s", path).WithCause(err).WithOp("Load", "Config")
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		err = json.Unmarshal(data, &cfg)
	default:
		err = yaml.Unmarshal(data, &cfg)
	}
	if err != nil {
		return cfg, swaperr.InvalidArgument("parsing config %s", path).WithCause(err).WithOp("Load", "Config")
	}

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate checks ranges and enumerations.
func (c Config) Validate() error {
	invalid := func(format string, args ...any) error {
		return swaperr.InvalidArgument(format, args...).WithOp("Validate", "Config")
	}

	if c.PageSize <= 0 || c.PageSize&(c.PageSize-1) != 0 {
		return invalid("page_size %d must be a positive power of two", c.PageSize)
	}
	if c.SwapSlots <= 0 {
		return invalid("swap_slots %d must be positive", c.SwapSlots)
	}
	if c.MaxResidentPages < 0 {
		return invalid("max_resident_pages %d must not be negative", c.MaxResidentPages)
	}
	if c.MaxCluster < 0 {
		return invalid("max_cluster %d must not be negative", c.MaxCluster)
	}
	if c.PutParallelism <= 0 {
		return invalid("put_parallelism %d must be positive", c.PutParallelism)
	}
	if c.SlotGoneRetries < 0 {
		return invalid("slot_gone_retries %d must not be negative", c.SlotGoneRetries)
	}

	switch c.Device.Kind {
	case DeviceMemory:
	case DeviceFile, DeviceSQLite:
		if c.Device.Path == "" {
			return invalid("device kind %q needs a path", c.Device.Kind)
		}
	default:
		return invalid("unknown device kind %q", c.Device.Kind)
	}

	switch c.Device.Compression {
	case "", CompressionNone:
	case CompressionXZ:
		if c.Device.Kind == DeviceFile {
			return invalid("file devices store fixed-width slots and cannot be compressed")
		}
	default:
		return invalid("unknown compression %q", c.Device.Compression)
	}
	return nil
}

// Logging converts the log section for logging.Init.
func (c Config) Logging() logging.Config {
	return logging.Config{
		Level:      logging.LogLevel(c.Log.Level),
		OutputPath: c.Log.Path,
		Format:     c.Log.Format,
	}
}
