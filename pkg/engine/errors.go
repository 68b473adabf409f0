package engine

import (
	"errors"

	"github.com/KevoDB/lsmtree/pkg/memtable"
	"github.com/KevoDB/lsmtree/pkg/sstable"
)

var (
	// ErrClosed is returned when operations are performed on a closed engine
	ErrClosed = errors.New("engine is closed")
	// ErrEmptyKey is returned when a key has zero length
	ErrEmptyKey = errors.New("key must not be empty")
	// ErrLocked is returned when another engine holds the data directory
	ErrLocked = errors.New("data directory is locked by another engine")
	// ErrNotDirectory is returned when the data path exists but is not a directory
	ErrNotDirectory = errors.New("data path is not a directory")

	// ErrCapacity is returned when the flush queue is full and the active
	// memtable has reached its hard limit
	ErrCapacity = memtable.ErrCapacity
	// ErrCorruption is returned when a table fails checksum or decoding
	ErrCorruption = sstable.ErrCorruption
)
