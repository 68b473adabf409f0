package wal

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/cespare/xxhash/v2"
)

// Reader reads entries from WAL files
type Reader struct {
	file      *os.File
	reader    *bufio.Reader
	header    [HeaderSize]byte
	buffer    []byte
	offset    int64
	truncated bool
}

// OpenReader creates a new Reader for the given WAL file
func OpenReader(path string) (*Reader, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open WAL file: %w", err)
	}

	return &Reader{
		file:   file,
		reader: bufio.NewReaderSize(file, 64*1024), // 64KB buffer
	}, nil
}

// ReadEntry reads the next entry from the WAL. It returns io.EOF at the end
// of the log, including when the final record was only partially written.
// A damaged record followed by more data returns ErrCorruptRecord.
func (r *Reader) ReadEntry() (*Entry, error) {
	data, err := r.readRecord()
	if err != nil {
		return nil, err
	}
	return parseEntryData(data)
}

// Truncated reports whether the log ended in a partially written record
func (r *Reader) Truncated() bool {
	return r.truncated
}

// Offset returns the position just after the last complete record read
func (r *Reader) Offset() int64 {
	return r.offset
}

// readRecord returns the payload of the next record. The slice is reused by
// the following call.
func (r *Reader) readRecord() ([]byte, error) {
	if _, err := io.ReadFull(r.reader, r.header[:]); err != nil {
		return nil, r.endOfLog(err)
	}

	checksum := binary.LittleEndian.Uint64(r.header[0:8])
	length := binary.LittleEndian.Uint32(r.header[8:HeaderSize])
	if length > MaxRecordSize {
		return nil, r.damaged(fmt.Errorf("%w: record length %d at offset %d", ErrCorruptRecord, length, r.offset))
	}

	if cap(r.buffer) < int(length) {
		r.buffer = make([]byte, length)
	}
	r.buffer = r.buffer[:length]
	if _, err := io.ReadFull(r.reader, r.buffer); err != nil {
		return nil, r.endOfLog(err)
	}

	d := xxhash.New()
	d.Write(r.header[8:HeaderSize])
	d.Write(r.buffer)
	if d.Sum64() != checksum {
		return nil, r.damaged(fmt.Errorf("%w: checksum mismatch at offset %d", ErrCorruptRecord, r.offset))
	}

	r.offset += int64(HeaderSize) + int64(length)
	return r.buffer, nil
}

// endOfLog maps a short read onto io.EOF, remembering a torn tail
func (r *Reader) endOfLog(err error) error {
	switch {
	case errors.Is(err, io.EOF):
		return io.EOF
	case errors.Is(err, io.ErrUnexpectedEOF):
		r.truncated = true
		return io.EOF
	default:
		return fmt.Errorf("failed to read WAL record: %w", err)
	}
}

// damaged treats a bad record as a torn tail when nothing follows it
func (r *Reader) damaged(err error) error {
	if _, perr := r.reader.Peek(1); errors.Is(perr, io.EOF) {
		r.truncated = true
		return io.EOF
	}
	return err
}

// parseEntryData decodes a record payload:
// type(1) + seq(8) + uvarint keylen + key [+ uvarint vallen + val]
func parseEntryData(data []byte) (*Entry, error) {
	if len(data) < 9 {
		return nil, fmt.Errorf("%w: entry too short: %d bytes", ErrCorruptRecord, len(data))
	}

	entry := &Entry{
		Type:           data[0],
		SequenceNumber: binary.LittleEndian.Uint64(data[1:9]),
	}
	if entry.Type != OpTypePut && entry.Type != OpTypeDelete {
		return nil, fmt.Errorf("%w: %d", ErrInvalidOpType, entry.Type)
	}

	rest := data[9:]
	key, rest, ok := lengthPrefixed(rest)
	if !ok || len(key) == 0 {
		return nil, fmt.Errorf("%w: bad key", ErrCorruptRecord)
	}
	entry.Key = append([]byte(nil), key...)

	if entry.Type == OpTypePut {
		value, tail, ok := lengthPrefixed(rest)
		if !ok {
			return nil, fmt.Errorf("%w: bad value", ErrCorruptRecord)
		}
		// Empty values stay non-nil so they are not confused with deletions
		entry.Value = append([]byte{}, value...)
		rest = tail
	}

	if len(rest) != 0 {
		return nil, fmt.Errorf("%w: %d trailing bytes", ErrCorruptRecord, len(rest))
	}
	return entry, nil
}

func lengthPrefixed(data []byte) ([]byte, []byte, bool) {
	n, size := binary.Uvarint(data)
	if size <= 0 || uint64(len(data)-size) < n {
		return nil, nil, false
	}
	data = data[size:]
	return data[:n], data[n:], true
}

// Close closes the reader
func (r *Reader) Close() error {
	return r.file.Close()
}

// EntryHandler is a function that processes WAL entries during replay
type EntryHandler func(*Entry) error

// RecoveryStats tracks statistics about WAL recovery
type RecoveryStats struct {
	FilesReplayed    int
	EntriesProcessed uint64
	MaxSeqNum        uint64
	TruncatedTail    bool
}

// Segment identifies one WAL file on disk
type Segment struct {
	Number uint64
	Path   string
}

// ParseFileNumber extracts the segment number from a WAL file name
func ParseFileNumber(name string) (uint64, bool) {
	base := filepath.Base(name)
	if !strings.HasSuffix(base, FileExtension) {
		return 0, false
	}
	n, err := strconv.ParseUint(strings.TrimSuffix(base, FileExtension), 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

// FindWALFiles returns the WAL segments in dir ordered by number
func FindWALFiles(dir string) ([]Segment, error) {
	matches, err := filepath.Glob(filepath.Join(dir, "*"+FileExtension))
	if err != nil {
		return nil, fmt.Errorf("failed to list WAL files: %w", err)
	}

	segments := make([]Segment, 0, len(matches))
	for _, path := range matches {
		if n, ok := ParseFileNumber(path); ok {
			segments = append(segments, Segment{Number: n, Path: path})
		}
	}
	sort.Slice(segments, func(i, j int) bool { return segments[i].Number < segments[j].Number })
	return segments, nil
}

// ReplayWALFile replays every entry of a single WAL file
func ReplayWALFile(path string, handler EntryHandler) (*RecoveryStats, error) {
	stats := &RecoveryStats{}
	if err := replayInto(path, handler, stats); err != nil {
		return stats, err
	}
	return stats, nil
}

func replayInto(path string, handler EntryHandler, stats *RecoveryStats) error {
	reader, err := OpenReader(path)
	if err != nil {
		return err
	}
	defer reader.Close()

	for {
		entry, err := reader.ReadEntry()
		if err != nil {
			if err == io.EOF {
				break
			}
			return fmt.Errorf("%s: %w", filepath.Base(path), err)
		}

		if err := handler(entry); err != nil {
			return fmt.Errorf("error handling entry: %w", err)
		}
		stats.EntriesProcessed++
		if entry.SequenceNumber > stats.MaxSeqNum {
			stats.MaxSeqNum = entry.SequenceNumber
		}
	}

	stats.FilesReplayed++
	if reader.Truncated() {
		stats.TruncatedTail = true
	}
	return nil
}

// ReplayFrom replays, in order, every segment in dir numbered minNumber or
// higher. Older segments belong to memtables that were already flushed.
func ReplayFrom(dir string, minNumber uint64, handler EntryHandler) (*RecoveryStats, []Segment, error) {
	segments, err := FindWALFiles(dir)
	if err != nil {
		return nil, nil, err
	}

	stats := &RecoveryStats{}
	var replayed []Segment
	for _, seg := range segments {
		if seg.Number < minNumber {
			continue
		}
		if err := replayInto(seg.Path, handler, stats); err != nil {
			return stats, replayed, err
		}
		replayed = append(replayed, seg)
	}
	return stats, replayed, nil
}

// Remove deletes segment number from dir. A missing file is not an error.
func Remove(dir string, number uint64) error {
	if err := os.Remove(FileName(dir, number)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove WAL file: %w", err)
	}
	return nil
}
