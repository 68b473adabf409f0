package wal

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/valyala/bytebufferpool"

	"github.com/KevoDB/lsmtree/pkg/config"
)

const (
	// Operation types
	OpTypePut    = 1
	OpTypeDelete = 2

	// Header layout
	// - Checksum (8 bytes, xxhash64 of length and payload)
	// - Length (4 bytes)
	HeaderSize = 12

	// Maximum size of a record payload
	MaxRecordSize = 64 * 1024 * 1024 // 64MB

	// FileExtension is the suffix of every WAL segment
	FileExtension = ".log"
)

var (
	ErrCorruptRecord  = errors.New("corrupt record")
	ErrInvalidOpType  = errors.New("invalid operation type")
	ErrWALClosed      = errors.New("WAL is closed")
	ErrRecordTooLarge = errors.New("record too large")
)

// Entry represents a logical entry in the WAL
type Entry struct {
	SequenceNumber uint64
	Type           uint8 // OpTypePut or OpTypeDelete
	Key            []byte
	Value          []byte
}

// Options controls durability of a segment
type Options struct {
	SyncMode  config.SyncMode
	SyncBytes int64
}

// OptionsFromConfig extracts the WAL options from an engine configuration
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{SyncMode: cfg.WALSyncMode, SyncBytes: cfg.WALSyncBytes}
}

// WAL is one write-ahead log segment. Each memtable writes to its own
// segment, which becomes obsolete once that memtable is flushed.
type WAL struct {
	number        uint64
	path          string
	file          *os.File
	writer        *bufio.Writer
	opts          Options
	bytesWritten  int64
	batchByteSize int64
	lastSync      time.Time
	closed        atomic.Bool
	mu            sync.Mutex
}

// FileName returns the path of segment number inside dir
func FileName(dir string, number uint64) string {
	return filepath.Join(dir, fmt.Sprintf("%06d%s", number, FileExtension))
}

// Create creates a new, empty WAL segment
func Create(dir string, number uint64, opts Options) (*WAL, error) {
	path := FileName(dir, number)
	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to create WAL file: %w", err)
	}

	return &WAL{
		number:   number,
		path:     path,
		file:     file,
		writer:   bufio.NewWriterSize(file, 64*1024), // 64KB buffer
		opts:     opts,
		lastSync: time.Now(),
	}, nil
}

// Number returns the segment's file number
func (w *WAL) Number() uint64 {
	return w.number
}

// Path returns the segment's file path
func (w *WAL) Path() string {
	return w.path
}

// Size returns the number of bytes appended
func (w *WAL) Size() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.bytesWritten
}

// Append adds an entry to the WAL
func (w *WAL) Append(entryType uint8, seqNum uint64, key, value []byte) error {
	if entryType != OpTypePut && entryType != OpTypeDelete {
		return ErrInvalidOpType
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed.Load() {
		return ErrWALClosed
	}

	buf := bytebufferpool.Get()
	defer bytebufferpool.Put(buf)

	// Reserve the header, then encode the payload after it:
	// type(1) + seq(8) + uvarint keylen + key [+ uvarint vallen + val]
	buf.B = append(buf.B[:0], make([]byte, HeaderSize)...)
	buf.B = append(buf.B, entryType)
	buf.B = binary.LittleEndian.AppendUint64(buf.B, seqNum)
	buf.B = binary.AppendUvarint(buf.B, uint64(len(key)))
	buf.B = append(buf.B, key...)
	if entryType == OpTypePut {
		buf.B = binary.AppendUvarint(buf.B, uint64(len(value)))
		buf.B = append(buf.B, value...)
	}

	payloadSize := len(buf.B) - HeaderSize
	if payloadSize > MaxRecordSize {
		return fmt.Errorf("%w: %d > %d", ErrRecordTooLarge, payloadSize, MaxRecordSize)
	}
	binary.LittleEndian.PutUint32(buf.B[8:HeaderSize], uint32(payloadSize))
	binary.LittleEndian.PutUint64(buf.B[0:8], xxhash.Sum64(buf.B[8:]))

	if _, err := w.writer.Write(buf.B); err != nil {
		return fmt.Errorf("failed to write record: %w", err)
	}
	w.bytesWritten += int64(len(buf.B))
	w.batchByteSize += int64(len(buf.B))

	return w.maybeSync()
}

// maybeSync syncs the WAL file if needed based on configuration
func (w *WAL) maybeSync() error {
	needSync := false

	switch w.opts.SyncMode {
	case config.SyncImmediate:
		needSync = true
	case config.SyncBatch:
		// Sync if we've written enough bytes
		if w.batchByteSize >= w.opts.SyncBytes {
			needSync = true
		}
	case config.SyncNone:
		// No syncing
	}

	if needSync {
		return w.syncLocked()
	}
	return nil
}

// syncLocked performs the sync operation assuming the mutex is already held
func (w *WAL) syncLocked() error {
	if err := w.writer.Flush(); err != nil {
		return fmt.Errorf("failed to flush WAL buffer: %w", err)
	}

	if err := w.file.Sync(); err != nil {
		return fmt.Errorf("failed to sync WAL file: %w", err)
	}

	w.lastSync = time.Now()
	w.batchByteSize = 0
	return nil
}

// Sync flushes all buffered data to disk
func (w *WAL) Sync() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed.Load() {
		return ErrWALClosed
	}
	return w.syncLocked()
}

// Close flushes, syncs and closes the segment
func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed.Load() {
		return nil
	}

	syncErr := w.syncLocked()
	w.closed.Store(true)
	if err := w.file.Close(); err != nil {
		return fmt.Errorf("failed to close WAL file: %w", err)
	}
	return syncErr
}
