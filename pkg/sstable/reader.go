package sstable

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"sync/atomic"

	"github.com/valyala/bytebufferpool"

	"github.com/KevoDB/lsmtree/pkg/cache"
	"github.com/KevoDB/lsmtree/pkg/common/kv"
	"github.com/KevoDB/lsmtree/pkg/sstable/block"
	"github.com/KevoDB/lsmtree/pkg/sstable/bloom"
	"github.com/KevoDB/lsmtree/pkg/sstable/compression"
	"github.com/KevoDB/lsmtree/pkg/sstable/footer"
)

// BlockCache is the cache type shared by table readers
type BlockCache = cache.Cache[*block.Block]

// NewBlockCache creates a block cache holding up to capacity blocks. Zero
// disables caching.
func NewBlockCache(capacity int) *BlockCache {
	return cache.New[*block.Block](capacity, (*block.Block).Release)
}

// Reader reads an SSTable file. It is safe for concurrent use.
type Reader struct {
	id      uint64
	path    string
	file    *os.File
	size    int64
	cache   *BlockCache
	ft      *footer.Footer
	index   *block.Block
	filter  *bloom.Filter
	props   *Properties
	corrupt atomic.Bool
}

// Open opens the table at path. Blocks are cached in c under the table id;
// a nil cache disables caching.
func Open(path string, id uint64, c *BlockCache) (*Reader, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open sstable: %w", err)
	}

	r, err := newReader(file, path, id, c)
	if err != nil {
		file.Close()
		return nil, err
	}
	return r, nil
}

func newReader(file *os.File, path string, id uint64, c *BlockCache) (*Reader, error) {
	stat, err := file.Stat()
	if err != nil {
		return nil, fmt.Errorf("failed to stat sstable: %w", err)
	}
	if c == nil {
		c = NewBlockCache(0)
	}

	r := &Reader{
		id:    id,
		path:  path,
		file:  file,
		size:  stat.Size(),
		cache: c,
	}

	if r.size < footer.FooterSize {
		return nil, fmt.Errorf("%w: file too small to be valid SSTable: %d bytes", ErrCorruption, r.size)
	}

	footerData := make([]byte, footer.FooterSize)
	if _, err := file.ReadAt(footerData, r.size-footer.FooterSize); err != nil {
		return nil, fmt.Errorf("failed to read footer: %w", err)
	}
	if r.ft, err = footer.Decode(footerData); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruption, err)
	}

	metaData, err := r.readRaw(r.ft.Meta)
	if err != nil {
		return nil, fmt.Errorf("failed to read meta block: %w", err)
	}
	if r.props, err = decodeProperties(metaData); err != nil {
		return nil, err
	}
	r.props.FileSize = uint64(r.size)

	filterData, err := r.readRaw(r.ft.Filter)
	if err != nil {
		return nil, fmt.Errorf("failed to read filter block: %w", err)
	}
	if r.filter, err = bloom.Decode(filterData); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruption, err)
	}

	if r.props.NumEntries > 0 {
		indexData, err := r.readRaw(r.ft.Index)
		if err != nil {
			return nil, fmt.Errorf("failed to read index block: %w", err)
		}
		if r.index, err = block.Decode(indexData); err != nil {
			return nil, fmt.Errorf("%w: index block: %v", ErrCorruption, err)
		}
	} else {
		r.index = &block.Block{}
	}

	return r, nil
}

// readRaw reads and verifies an uncompressed metadata block onto the heap
func (r *Reader) readRaw(h block.Handle) ([]byte, error) {
	buf := make([]byte, int(h.Length)+block.TrailerSize)
	if err := r.readAt(buf, h); err != nil {
		return nil, err
	}
	payload, trailer := buf[:h.Length], buf[h.Length:]
	codec, ok := block.VerifyTrailer(payload, trailer)
	if !ok || compression.Type(codec) != compression.None {
		return nil, r.corruption(h, "checksum mismatch")
	}
	return payload, nil
}

func (r *Reader) readAt(buf []byte, h block.Handle) error {
	if h.Offset+uint64(len(buf)) > uint64(r.size) {
		return r.corruption(h, "block extends past end of file")
	}
	if _, err := r.file.ReadAt(buf, int64(h.Offset)); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("failed to read block at %d: %w", h.Offset, err)
	}
	return nil
}

// readBlock loads a data block into a pooled buffer, verifying its checksum
// and decompressing it.
func (r *Reader) readBlock(h block.Handle) (*block.Block, error) {
	raw := bytebufferpool.Get()
	defer bytebufferpool.Put(raw)

	n := int(h.Length) + block.TrailerSize
	if cap(raw.B) < n {
		raw.B = make([]byte, n)
	}
	raw.B = raw.B[:n]
	if err := r.readAt(raw.B, h); err != nil {
		return nil, err
	}

	payload, trailer := raw.B[:h.Length], raw.B[h.Length:]
	codec, ok := block.VerifyTrailer(payload, trailer)
	if !ok {
		return nil, r.corruption(h, "checksum mismatch")
	}

	out := bytebufferpool.Get()
	decoded, err := compression.Decompress(compression.Type(codec), out.B, payload)
	if err != nil {
		bytebufferpool.Put(out)
		return nil, r.corruption(h, err.Error())
	}
	out.B = decoded

	b, err := block.DecodeOwned(out)
	if err != nil {
		return nil, r.corruption(h, err.Error())
	}
	return b, nil
}

// loadBlock returns a pinned data block, going through the block cache
func (r *Reader) loadBlock(h block.Handle) (*cache.Handle[*block.Block], error) {
	return r.cache.GetOrLoad(cache.Key{TableID: r.id, Offset: h.Offset}, func() (*block.Block, error) {
		return r.readBlock(h)
	})
}

// corruption flags the table and builds the error describing the damage
func (r *Reader) corruption(h block.Handle, msg string) error {
	r.corrupt.Store(true)
	return fmt.Errorf("%w: table %d block at offset %d: %s", ErrCorruption, r.id, h.Offset, msg)
}

// findBlock returns the index position of the only block that may hold key,
// or -1.
func (r *Reader) findBlock(key []byte) int {
	i := r.index.SeekIndex(key)
	if i < r.index.Len() && bytes.Equal(r.index.Entry(i).Key, key) {
		return i
	}
	return i - 1
}

// blockHandle decodes the value of an index entry
func (r *Reader) blockHandle(value []byte) (block.Handle, error) {
	h, err := block.DecodeHandle(value)
	if err != nil {
		r.corrupt.Store(true)
		return block.Handle{}, fmt.Errorf("%w: table %d: bad index entry: %v", ErrCorruption, r.id, err)
	}
	return h, nil
}

// Get returns the entry stored for key. Tombstones are returned as entries;
// the boolean reports whether the table holds the key at all. The returned
// entry does not alias cached memory.
func (r *Reader) Get(key []byte) (kv.Entry, bool, error) {
	if r.props.NumEntries == 0 ||
		bytes.Compare(key, r.props.Smallest) < 0 ||
		bytes.Compare(key, r.props.Largest) > 0 {
		return kv.Entry{}, false, nil
	}
	if !r.filter.MayContain(key) {
		return kv.Entry{}, false, nil
	}

	i := r.findBlock(key)
	if i < 0 {
		return kv.Entry{}, false, nil
	}
	h, err := r.blockHandle(r.index.Entry(i).Value)
	if err != nil {
		return kv.Entry{}, false, err
	}

	bh, err := r.loadBlock(h)
	if err != nil {
		return kv.Entry{}, false, err
	}
	defer bh.Release()

	e, ok := bh.Value().Get(key)
	if !ok {
		return kv.Entry{}, false, nil
	}
	return e.Clone(), true, nil
}

// NewIterator returns an iterator over every entry in the table. It must be
// closed to release its pinned block.
func (r *Reader) NewIterator() *Iterator {
	return &Iterator{
		reader: r,
		index:  r.index.NewIterator(),
	}
}

// ID returns the table number
func (r *Reader) ID() uint64 {
	return r.id
}

// Path returns the table's file path
func (r *Reader) Path() string {
	return r.path
}

// Properties returns the table's metadata
func (r *Reader) Properties() *Properties {
	return r.props
}

// NumBlocks returns the number of data blocks
func (r *Reader) NumBlocks() int {
	return r.index.Len()
}

// IsCorrupt reports whether a checksum or decoding failure was observed
func (r *Reader) IsCorrupt() bool {
	return r.corrupt.Load()
}

// Close closes the underlying file and drops the table's cached blocks
func (r *Reader) Close() error {
	r.cache.EvictTable(r.id)
	return r.file.Close()
}
