package sstable

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/valyala/bytebufferpool"

	"github.com/KevoDB/lsmtree/pkg/common/kv"
	"github.com/KevoDB/lsmtree/pkg/sstable/block"
	"github.com/KevoDB/lsmtree/pkg/sstable/bloom"
	"github.com/KevoDB/lsmtree/pkg/sstable/compression"
	"github.com/KevoDB/lsmtree/pkg/sstable/footer"
)

// FileManager handles file operations for SSTable writing. Data goes to a
// hidden temporary file that is renamed into place once complete.
type FileManager struct {
	path    string
	tmpPath string
	file    *os.File
}

// NewFileManager creates a new FileManager for the given file path
func NewFileManager(path string) (*FileManager, error) {
	dir := filepath.Dir(path)
	tmpPath := filepath.Join(dir, fmt.Sprintf(".%s.tmp", filepath.Base(path)))

	file, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to create temporary file: %w", err)
	}

	return &FileManager{
		path:    path,
		tmpPath: tmpPath,
		file:    file,
	}, nil
}

// Write writes data to the file at the current position
func (fm *FileManager) Write(data []byte) (int, error) {
	return fm.file.Write(data)
}

// Close closes the file
func (fm *FileManager) Close() error {
	if fm.file == nil {
		return nil
	}
	err := fm.file.Close()
	fm.file = nil
	return err
}

// FinalizeFile syncs and closes the file, renames it to the final path and
// syncs the parent directory.
func (fm *FileManager) FinalizeFile() error {
	if err := fm.file.Sync(); err != nil {
		return fmt.Errorf("failed to sync file: %w", err)
	}
	if err := fm.Close(); err != nil {
		return fmt.Errorf("failed to close file: %w", err)
	}
	if err := os.Rename(fm.tmpPath, fm.path); err != nil {
		return fmt.Errorf("failed to rename temp file: %w", err)
	}
	if err := syncDir(filepath.Dir(fm.path)); err != nil {
		return fmt.Errorf("failed to sync directory: %w", err)
	}
	return nil
}

// Cleanup removes the temporary file if writing is aborted
func (fm *FileManager) Cleanup() error {
	fm.Close()
	if err := os.Remove(fm.tmpPath); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// WriterOptions controls the layout of a new table
type WriterOptions struct {
	BlockSize       int
	RestartInterval int
	// BloomBitsPerKey sizes the filter block; zero disables it
	BloomBitsPerKey int
	Compression     compression.Type
}

// DefaultWriterOptions returns the options used when none are given
func DefaultWriterOptions() WriterOptions {
	return WriterOptions{
		BlockSize:       block.DefaultBlockSize,
		RestartInterval: block.DefaultRestartInterval,
		BloomBitsPerKey: 10,
		Compression:     compression.Snappy,
	}
}

// Writer writes an SSTable from a stream of entries in strictly increasing
// key order.
type Writer struct {
	fileManager *FileManager
	opts        WriterOptions
	dataBlock   *block.Builder
	indexBlock  *block.Builder
	filter      *bloom.Builder
	scratch     *bytebufferpool.ByteBuffer
	offset      uint64
	props       Properties
	lastKey     []byte
	closed      bool
}

// NewWriter creates a new SSTable writer for path
func NewWriter(path string, opts WriterOptions) (*Writer, error) {
	if opts.BlockSize <= 0 {
		opts.BlockSize = block.DefaultBlockSize
	}
	if opts.RestartInterval <= 0 {
		opts.RestartInterval = block.DefaultRestartInterval
	}

	fm, err := NewFileManager(path)
	if err != nil {
		return nil, err
	}

	w := &Writer{
		fileManager: fm,
		opts:        opts,
		dataBlock:   block.NewBuilder(opts.RestartInterval),
		indexBlock:  block.NewBuilder(1),
		scratch:     bytebufferpool.Get(),
		props: Properties{
			MinSeqNum:   kv.MaxSeqNum,
			Compression: opts.Compression,
		},
	}
	if opts.BloomBitsPerKey > 0 {
		w.filter = bloom.NewBuilder(opts.BloomBitsPerKey)
	}
	return w, nil
}

// Add appends an entry to the table
func (w *Writer) Add(e kv.Entry) error {
	if w.closed {
		return ErrWriterClosed
	}
	if w.props.NumEntries > 0 && bytes.Compare(e.Key, w.lastKey) <= 0 {
		return fmt.Errorf("%w: %q after %q", ErrOutOfOrder, e.Key, w.lastKey)
	}

	if err := w.dataBlock.Add(e); err != nil {
		return fmt.Errorf("failed to add entry: %w", err)
	}
	if w.filter != nil {
		w.filter.AddKey(e.Key)
	}

	if w.props.NumEntries == 0 {
		w.props.Smallest = append([]byte(nil), e.Key...)
	}
	w.lastKey = append(w.lastKey[:0], e.Key...)
	w.props.NumEntries++
	if e.IsTombstone() {
		w.props.NumTombstones++
	}
	if e.SeqNum < w.props.MinSeqNum {
		w.props.MinSeqNum = e.SeqNum
	}
	if e.SeqNum > w.props.MaxSeqNum {
		w.props.MaxSeqNum = e.SeqNum
	}

	if w.dataBlock.EstimatedSize() >= w.opts.BlockSize {
		return w.flushBlock()
	}
	return nil
}

// NumEntries returns the number of entries added so far
func (w *Writer) NumEntries() uint64 {
	return w.props.NumEntries
}

// EstimatedSize returns the approximate file size if finished now
func (w *Writer) EstimatedSize() uint64 {
	return w.offset + uint64(w.dataBlock.EstimatedSize())
}

// flushBlock writes the pending data block and records it in the index
func (w *Writer) flushBlock() error {
	if w.dataBlock.Empty() {
		return nil
	}

	h, err := w.writeBlock(w.dataBlock.Finish(), w.opts.Compression)
	if err != nil {
		return err
	}
	if err := w.indexBlock.Add(kv.Entry{
		Key:   w.dataBlock.FirstKey(),
		Value: h.AppendTo(nil),
		Kind:  kv.KindValue,
	}); err != nil {
		return fmt.Errorf("failed to add index entry: %w", err)
	}
	w.dataBlock.Reset()
	return nil
}

// writeBlock writes a payload followed by its trailer, compressing it when
// that pays off.
func (w *Writer) writeBlock(raw []byte, codec compression.Type) (block.Handle, error) {
	payload := raw
	if codec != compression.None {
		compressed, err := compression.Compress(codec, w.scratch.B, raw)
		if err != nil {
			return block.Handle{}, fmt.Errorf("failed to compress block: %w", err)
		}
		w.scratch.B = compressed
		if compression.Worthwhile(len(raw), len(compressed)) {
			payload = compressed
		} else {
			codec = compression.None
		}
	}

	var trailer [block.TrailerSize]byte
	block.AppendTrailer(trailer[:0], payload, byte(codec))

	h := block.Handle{Offset: w.offset, Length: uint32(len(payload))}
	if _, err := w.fileManager.Write(payload); err != nil {
		return block.Handle{}, fmt.Errorf("failed to write block: %w", err)
	}
	if _, err := w.fileManager.Write(trailer[:]); err != nil {
		return block.Handle{}, fmt.Errorf("failed to write block trailer: %w", err)
	}
	w.offset += uint64(len(payload)) + block.TrailerSize
	return h, nil
}

// Finish writes the remaining blocks and the footer, then atomically moves
// the table into place. The writer cannot be used afterwards.
func (w *Writer) Finish() (*Properties, error) {
	if w.closed {
		return nil, ErrWriterClosed
	}

	props, err := w.finish()
	w.release()
	if err != nil {
		w.fileManager.Cleanup()
		os.Remove(w.fileManager.path)
		return nil, err
	}
	return props, nil
}

func (w *Writer) finish() (*Properties, error) {
	if err := w.flushBlock(); err != nil {
		return nil, err
	}

	var filterData []byte
	if w.filter != nil {
		filterData = w.filter.AppendFilter(nil)
	}
	filterHandle, err := w.writeBlock(filterData, compression.None)
	if err != nil {
		return nil, fmt.Errorf("failed to write filter block: %w", err)
	}

	indexHandle, err := w.writeBlock(w.indexBlock.Finish(), compression.None)
	if err != nil {
		return nil, fmt.Errorf("failed to write index block: %w", err)
	}

	if w.props.NumEntries == 0 {
		w.props.MinSeqNum = 0
	} else {
		w.props.Largest = append([]byte(nil), w.lastKey...)
	}
	w.props.CreatedAt = time.Now()
	metaHandle, err := w.writeBlock(w.props.encode(), compression.None)
	if err != nil {
		return nil, fmt.Errorf("failed to write meta block: %w", err)
	}

	ft := footer.NewFooter(filterHandle, indexHandle, metaHandle)
	if _, err := ft.WriteTo(w.fileManager); err != nil {
		return nil, fmt.Errorf("failed to write footer: %w", err)
	}

	if err := w.fileManager.FinalizeFile(); err != nil {
		return nil, err
	}

	props := w.props
	props.FileSize = w.offset + footer.FooterSize
	return &props, nil
}

// Abort discards the partially written table
func (w *Writer) Abort() error {
	if w.closed {
		return nil
	}
	w.release()
	return w.fileManager.Cleanup()
}

func (w *Writer) release() {
	w.closed = true
	w.dataBlock.Release()
	w.indexBlock.Release()
	bytebufferpool.Put(w.scratch)
	w.scratch = nil
}
