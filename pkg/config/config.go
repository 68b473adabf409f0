package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/KevoDB/lsmtree/pkg/sstable/compression"
)

const (
	// OptionsFileName is the file the engine records its options in
	OptionsFileName = "OPTIONS"
	// CurrentOptionsVersion is the version written into the options file
	CurrentOptionsVersion = 1
)

var (
	ErrInvalidConfig   = errors.New("invalid configuration")
	ErrOptionsNotFound = errors.New("options file not found")
)

// SyncMode controls when the WAL is fsynced
type SyncMode int

const (
	// SyncNone leaves syncing to the operating system
	SyncNone SyncMode = iota
	// SyncBatch syncs once WALSyncBytes have accumulated
	SyncBatch
	// SyncImmediate syncs after every write
	SyncImmediate
)

// String returns the mode name
func (m SyncMode) String() string {
	switch m {
	case SyncNone:
		return "none"
	case SyncBatch:
		return "batch"
	case SyncImmediate:
		return "immediate"
	default:
		return fmt.Sprintf("syncmode(%d)", int(m))
	}
}

// MarshalText implements encoding.TextMarshaler
func (m SyncMode) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler
func (m *SyncMode) UnmarshalText(b []byte) error {
	switch strings.ToLower(string(b)) {
	case "none":
		*m = SyncNone
	case "batch":
		*m = SyncBatch
	case "immediate":
		*m = SyncImmediate
	default:
		return fmt.Errorf("%w: unknown sync mode %q", ErrInvalidConfig, b)
	}
	return nil
}

// Config holds every tunable of the engine
type Config struct {
	Version int    `json:"version"`
	Dir     string `json:"dir"`

	// Block cache capacity in blocks; 0 disables caching
	BlockCacheCapacity int `json:"block_cache_capacity"`

	// MemTable configuration
	MemTableSize            int64   `json:"memtable_size"`
	MaxFrozenMemTables      int     `json:"max_frozen_memtables"`
	MemTableHardLimitFactor float64 `json:"memtable_hard_limit_factor"`

	// SSTable configuration
	BlockSize       int              `json:"block_size"`
	RestartInterval int              `json:"restart_interval"`
	BloomBitsPerKey int              `json:"bloom_bits_per_key"`
	Compression     compression.Type `json:"compression"`
	TargetFileSize  int64            `json:"target_file_size"`

	// Compaction configuration
	L0CompactionTrigger int           `json:"l0_compaction_trigger"`
	L0MaxCompactFiles   int           `json:"l0_max_compact_files"`
	LevelSizeBase       int64         `json:"level_size_base"`
	LevelSizeMultiplier float64       `json:"level_size_multiplier"`
	MaxLevels           int           `json:"max_levels"`
	CompactionInterval  time.Duration `json:"compaction_interval"`
	FlushRetryInterval  time.Duration `json:"flush_retry_interval"`

	// WAL configuration
	WALEnabled   bool     `json:"wal_enabled"`
	WALSyncMode  SyncMode `json:"wal_sync_mode"`
	WALSyncBytes int64    `json:"wal_sync_bytes"`

	mu sync.RWMutex
}

// NewDefaultConfig creates a Config with recommended default values
func NewDefaultConfig(dbPath string) *Config {
	return &Config{
		Version: CurrentOptionsVersion,
		Dir:     dbPath,

		BlockCacheCapacity: 4096, // 64MB of 16KB blocks

		// MemTable defaults
		MemTableSize:            32 * 1024 * 1024, // 32MB
		MaxFrozenMemTables:      4,
		MemTableHardLimitFactor: 2,

		// SSTable defaults
		BlockSize:       16 * 1024, // 16KB
		RestartInterval: 16,        // Restart points every 16 keys
		BloomBitsPerKey: 10,
		Compression:     compression.Snappy,
		TargetFileSize:  64 * 1024 * 1024, // 64MB

		// Compaction defaults
		L0CompactionTrigger: 4,
		L0MaxCompactFiles:   8,
		LevelSizeBase:       256 * 1024 * 1024, // 256MB
		LevelSizeMultiplier: 10,
		MaxLevels:           7,
		CompactionInterval:  30 * time.Second,
		FlushRetryInterval:  5 * time.Second,

		// WAL defaults
		WALEnabled:   true,
		WALSyncMode:  SyncBatch,
		WALSyncBytes: 1024 * 1024, // 1MB
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.validateLocked()
}

func (c *Config) validateLocked() error {
	if c.Version <= 0 {
		return fmt.Errorf("%w: invalid version %d", ErrInvalidConfig, c.Version)
	}

	if c.Dir == "" {
		return fmt.Errorf("%w: data directory not specified", ErrInvalidConfig)
	}

	if c.BlockCacheCapacity < 0 {
		return fmt.Errorf("%w: block cache capacity must not be negative", ErrInvalidConfig)
	}

	if c.MemTableSize <= 0 {
		return fmt.Errorf("%w: MemTable size must be positive", ErrInvalidConfig)
	}

	if c.MaxFrozenMemTables <= 0 {
		return fmt.Errorf("%w: Max frozen MemTables must be positive", ErrInvalidConfig)
	}

	if c.MemTableHardLimitFactor < 1.0 {
		return fmt.Errorf("%w: MemTable hard limit factor must be at least 1.0", ErrInvalidConfig)
	}

	if c.BlockSize <= 0 {
		return fmt.Errorf("%w: SSTable block size must be positive", ErrInvalidConfig)
	}

	if c.RestartInterval <= 0 {
		return fmt.Errorf("%w: restart interval must be positive", ErrInvalidConfig)
	}

	if c.BloomBitsPerKey < 0 {
		return fmt.Errorf("%w: bloom bits per key must not be negative", ErrInvalidConfig)
	}

	if c.Compression > compression.S2 {
		return fmt.Errorf("%w: unknown compression %v", ErrInvalidConfig, c.Compression)
	}

	if c.TargetFileSize <= 0 {
		return fmt.Errorf("%w: target file size must be positive", ErrInvalidConfig)
	}

	if c.L0CompactionTrigger <= 0 || c.L0MaxCompactFiles <= 0 {
		return fmt.Errorf("%w: L0 compaction trigger and file limit must be positive", ErrInvalidConfig)
	}

	if c.LevelSizeBase <= 0 {
		return fmt.Errorf("%w: level size base must be positive", ErrInvalidConfig)
	}

	if c.LevelSizeMultiplier <= 1.0 {
		return fmt.Errorf("%w: level size multiplier must be greater than 1.0", ErrInvalidConfig)
	}

	if c.MaxLevels < 2 {
		return fmt.Errorf("%w: at least 2 levels are required", ErrInvalidConfig)
	}

	if c.CompactionInterval <= 0 || c.FlushRetryInterval <= 0 {
		return fmt.Errorf("%w: background intervals must be positive", ErrInvalidConfig)
	}

	if c.WALSyncMode < SyncNone || c.WALSyncMode > SyncImmediate {
		return fmt.Errorf("%w: unknown WAL sync mode %d", ErrInvalidConfig, c.WALSyncMode)
	}

	if c.WALSyncMode == SyncBatch && c.WALSyncBytes <= 0 {
		return fmt.Errorf("%w: WAL sync bytes must be positive in batch mode", ErrInvalidConfig)
	}

	return nil
}

// Clone returns an independent copy of the configuration
func (c *Config) Clone() *Config {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return &Config{
		Version:                 c.Version,
		Dir:                     c.Dir,
		BlockCacheCapacity:      c.BlockCacheCapacity,
		MemTableSize:            c.MemTableSize,
		MaxFrozenMemTables:      c.MaxFrozenMemTables,
		MemTableHardLimitFactor: c.MemTableHardLimitFactor,
		BlockSize:               c.BlockSize,
		RestartInterval:         c.RestartInterval,
		BloomBitsPerKey:         c.BloomBitsPerKey,
		Compression:             c.Compression,
		TargetFileSize:          c.TargetFileSize,
		L0CompactionTrigger:     c.L0CompactionTrigger,
		L0MaxCompactFiles:       c.L0MaxCompactFiles,
		LevelSizeBase:           c.LevelSizeBase,
		LevelSizeMultiplier:     c.LevelSizeMultiplier,
		MaxLevels:               c.MaxLevels,
		CompactionInterval:      c.CompactionInterval,
		FlushRetryInterval:      c.FlushRetryInterval,
		WALEnabled:              c.WALEnabled,
		WALSyncMode:             c.WALSyncMode,
		WALSyncBytes:            c.WALSyncBytes,
	}
}

// Update applies the given function to modify the configuration
func (c *Config) Update(fn func(*Config)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fn(c)
}

// MemTableHardLimit returns the size past which writes are refused while
// the flush queue is full
func (c *Config) MemTableHardLimit() int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return int64(float64(c.MemTableSize) * c.MemTableHardLimitFactor)
}

// LoadOptions reads the options file from dbPath
func LoadOptions(dbPath string) (*Config, error) {
	data, err := os.ReadFile(filepath.Join(dbPath, OptionsFileName))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrOptionsNotFound
		}
		return nil, fmt.Errorf("failed to read options: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// SaveOptions writes the configuration to the options file in dbPath
func (c *Config) SaveOptions(dbPath string) error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if err := c.validateLocked(); err != nil {
		return err
	}

	if err := os.MkdirAll(dbPath, 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	optionsPath := filepath.Join(dbPath, OptionsFileName)
	tempPath := optionsPath + ".tmp"

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(tempPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write options: %w", err)
	}

	if err := os.Rename(tempPath, optionsPath); err != nil {
		return fmt.Errorf("failed to rename options: %w", err)
	}

	return nil
}
