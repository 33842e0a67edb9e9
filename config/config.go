package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"

	"redo/walfile"
)

// EnvPrefix is the prefix of environment variables that override config file
// values, e.g. REDO_FILE_SIZE.
const EnvPrefix = "REDO_"

const (
	LayoutPhysical = "physical"
	LayoutLegacy   = "legacy"
)

var (
	ErrBadLayout     = errors.New("unknown log layout")
	ErrBadFileSize   = errors.New("log file size must be a positive multiple of the block size")
	ErrBadBufferSize = errors.New("log buffer must hold at least two blocks per half")
	ErrBadThreads    = errors.New("thread count must be positive")
)

// Config describes the log engine. Immutable after Load and safe for
// concurrent reads.
type Config struct {
	// Dir is the directory holding the log files.
	Dir string `koanf:"dir"`

	// FileSize is the configured size of the circular log file in bytes. The
	// low 9 bits are reserved and must be zero.
	FileSize int64 `koanf:"file_size"`

	// BufferSize is the total in-memory log buffer size; it is split into two
	// halves so writers can keep appending while the other half drains.
	BufferSize int `koanf:"buffer_size"`

	// ThreadCount is the number of concurrent writer threads the capacity
	// margins must leave headroom for.
	ThreadCount int `koanf:"thread_count"`

	// Layout selects the physical format (separate pure data file) or the
	// legacy format (data interleaved in the main file).
	Layout string `koanf:"layout"`

	// KeyVersion is the log encryption key version; 0 disables encryption.
	KeyVersion uint32 `koanf:"key_version"`

	// NoSync disables fsync after durable writes. Less durable; only for
	// development.
	NoSync bool `koanf:"no_sync"`

	// DurableWrites opens the log files with synchronous write semantics
	// (O_DSYNC), so every write reaches stable storage without a separate
	// flush syscall.
	DurableWrites bool `koanf:"durable_writes"`

	// DirPerms and FilePerms are the modes of created directories and files.
	DirPerms  uint32 `koanf:"dir_perms"`
	FilePerms uint32 `koanf:"file_perms"`
}

func Default() Config {
	return Config{
		Dir:           "wal",
		FileSize:      64 << 20,
		BufferSize:    1 << 20,
		ThreadCount:   16,
		Layout:        LayoutPhysical,
		KeyVersion:    0,
		NoSync:        false,
		DurableWrites: false,
		DirPerms:      0750,
		FilePerms:     0640,
	}
}

// Load builds the config from defaults, an optional yaml file and environment
// variables, in that order of precedence. An empty path skips the file step.
func Load(path string) (Config, error) {
	k := koanf.New(".")

	defaults := Default()
	if err := k.Load(structs.Provider(defaults, "koanf"), nil); err != nil {
		return Config{}, fmt.Errorf("failed to load defaults: %w", err)
	}

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return Config{}, fmt.Errorf("failed to load config file %v: %w", path, err)
		}
	}

	envProvider := env.Provider(EnvPrefix, ".", func(s string) string {
		return strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	})
	if err := k.Load(envProvider, nil); err != nil {
		return Config{}, fmt.Errorf("failed to load environment: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return Config{}, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if c.Layout != LayoutPhysical && c.Layout != LayoutLegacy {
		return fmt.Errorf("%w: %q", ErrBadLayout, c.Layout)
	}
	if c.FileSize <= 0 || c.FileSize%walfile.BlockSize != 0 {
		return fmt.Errorf("%w: %v", ErrBadFileSize, c.FileSize)
	}
	if c.BufferSize < 4*walfile.BlockSize {
		return fmt.Errorf("%w: %v", ErrBadBufferSize, c.BufferSize)
	}
	if c.ThreadCount < 1 {
		return fmt.Errorf("%w: %v", ErrBadThreads, c.ThreadCount)
	}
	return nil
}

// Format maps the configured layout to its on-disk format identifier.
func (c Config) Format() uint32 {
	if c.Layout == LayoutLegacy {
		return walfile.FormatLegacy
	}
	return walfile.FormatPhysical
}

func (c Config) DirMode() os.FileMode  { return os.FileMode(c.DirPerms) }
func (c Config) FileMode() os.FileMode { return os.FileMode(c.FilePerms) }
