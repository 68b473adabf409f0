package sstable

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/KevoDB/lsmtree/pkg/common/kv"
	"github.com/KevoDB/lsmtree/pkg/sstable/compression"
)

func testKey(i int) []byte {
	return []byte(fmt.Sprintf("key%05d", i))
}

func testValue(i int) []byte {
	return []byte(fmt.Sprintf("value%05d", i))
}

// writeTestTable writes n sequential entries. Every fifth key is a tombstone
// when withTombstones is set.
func writeTestTable(t testing.TB, path string, n int, opts WriterOptions, withTombstones bool) *Properties {
	t.Helper()

	writer, err := NewWriter(path, opts)
	if err != nil {
		t.Fatalf("Failed to create SSTable writer: %v", err)
	}
	for i := 0; i < n; i++ {
		e := kv.Entry{Key: testKey(i), Value: testValue(i), SeqNum: uint64(i + 1), Kind: kv.KindValue}
		if withTombstones && i%5 == 0 {
			e.Value = nil
			e.Kind = kv.KindDeletion
		}
		if err := writer.Add(e); err != nil {
			t.Fatalf("Failed to add entry %d: %v", i, err)
		}
	}
	props, err := writer.Finish()
	if err != nil {
		t.Fatalf("Failed to finish SSTable: %v", err)
	}
	return props
}

func TestWriterBasics(t *testing.T) {
	sstablePath := filepath.Join(t.TempDir(), "test.sst")

	props := writeTestTable(t, sstablePath, 100, DefaultWriterOptions(), true)

	if props.NumEntries != 100 {
		t.Errorf("Expected 100 entries, got %d", props.NumEntries)
	}
	if props.NumTombstones != 20 {
		t.Errorf("Expected 20 tombstones, got %d", props.NumTombstones)
	}
	if props.MinSeqNum != 1 || props.MaxSeqNum != 100 {
		t.Errorf("Unexpected sequence range [%d, %d]", props.MinSeqNum, props.MaxSeqNum)
	}
	if string(props.Smallest) != "key00000" || string(props.Largest) != "key00099" {
		t.Errorf("Unexpected key range [%s, %s]", props.Smallest, props.Largest)
	}

	stat, err := os.Stat(sstablePath)
	if err != nil {
		t.Fatalf("SSTable file not created: %v", err)
	}
	if uint64(stat.Size()) != props.FileSize {
		t.Errorf("File size %d does not match reported size %d", stat.Size(), props.FileSize)
	}

	tmpPath := filepath.Join(filepath.Dir(sstablePath), ".test.sst.tmp")
	if _, err := os.Stat(tmpPath); !os.IsNotExist(err) {
		t.Errorf("Temp file %s left behind", tmpPath)
	}
}

func TestWriterOutOfOrder(t *testing.T) {
	writer, err := NewWriter(filepath.Join(t.TempDir(), "test.sst"), DefaultWriterOptions())
	if err != nil {
		t.Fatalf("Failed to create SSTable writer: %v", err)
	}
	defer writer.Abort()

	if err := writer.Add(kv.Entry{Key: []byte("b"), Value: []byte("1"), SeqNum: 1, Kind: kv.KindValue}); err != nil {
		t.Fatalf("Failed to add entry: %v", err)
	}
	for _, key := range []string{"a", "b"} {
		err := writer.Add(kv.Entry{Key: []byte(key), Value: []byte("2"), SeqNum: 2, Kind: kv.KindValue})
		if !errors.Is(err, ErrOutOfOrder) {
			t.Errorf("Expected ErrOutOfOrder for %q, got %v", key, err)
		}
	}
}

func TestWriterAbort(t *testing.T) {
	sstablePath := filepath.Join(t.TempDir(), "test.sst")

	writer, err := NewWriter(sstablePath, DefaultWriterOptions())
	if err != nil {
		t.Fatalf("Failed to create SSTable writer: %v", err)
	}
	for i := 0; i < 10; i++ {
		writer.Add(kv.Entry{Key: testKey(i), Value: testValue(i), SeqNum: uint64(i + 1), Kind: kv.KindValue})
	}

	tmpPath := filepath.Join(filepath.Dir(sstablePath), fmt.Sprintf(".%s.tmp", filepath.Base(sstablePath)))

	if err := writer.Abort(); err != nil {
		t.Fatalf("Failed to abort SSTable: %v", err)
	}

	if _, err := os.Stat(tmpPath); !os.IsNotExist(err) {
		t.Errorf("Temp file %s still exists after abort", tmpPath)
	}
	if _, err := os.Stat(sstablePath); !os.IsNotExist(err) {
		t.Errorf("Final file %s exists after abort", sstablePath)
	}

	if err := writer.Add(kv.Entry{Key: []byte("z"), SeqNum: 99, Kind: kv.KindDeletion}); !errors.Is(err, ErrWriterClosed) {
		t.Errorf("Expected ErrWriterClosed after abort, got %v", err)
	}
	if _, err := writer.Finish(); !errors.Is(err, ErrWriterClosed) {
		t.Errorf("Expected ErrWriterClosed from Finish after abort, got %v", err)
	}
}

func TestWriterCompression(t *testing.T) {
	for _, codec := range []compression.Type{compression.None, compression.Snappy, compression.Zstd, compression.S2} {
		t.Run(codec.String(), func(t *testing.T) {
			opts := DefaultWriterOptions()
			opts.Compression = codec
			opts.BlockSize = 1024

			path := filepath.Join(t.TempDir(), "test.sst")
			props := writeTestTable(t, path, 2000, opts, false)
			if props.Compression != codec {
				t.Errorf("Expected compression %v, got %v", codec, props.Compression)
			}

			reader, err := Open(path, 1, nil)
			if err != nil {
				t.Fatalf("Failed to open SSTable: %v", err)
			}
			defer reader.Close()

			if reader.NumBlocks() < 2 {
				t.Errorf("Expected several data blocks, got %d", reader.NumBlocks())
			}
			for _, i := range []int{0, 777, 1999} {
				e, found, err := reader.Get(testKey(i))
				if err != nil || !found {
					t.Fatalf("Failed to get key %d: found=%v err=%v", i, found, err)
				}
				if string(e.Value) != string(testValue(i)) {
					t.Errorf("Value mismatch for key %d: %q", i, e.Value)
				}
			}
		})
	}
}

func TestWriterEmptyTable(t *testing.T) {
	path := filepath.Join(t.TempDir(), "empty.sst")

	writer, err := NewWriter(path, DefaultWriterOptions())
	if err != nil {
		t.Fatalf("Failed to create SSTable writer: %v", err)
	}
	props, err := writer.Finish()
	if err != nil {
		t.Fatalf("Failed to finish empty SSTable: %v", err)
	}
	if props.NumEntries != 0 {
		t.Errorf("Expected no entries, got %d", props.NumEntries)
	}

	reader, err := Open(path, 1, nil)
	if err != nil {
		t.Fatalf("Failed to open empty SSTable: %v", err)
	}
	defer reader.Close()

	if _, found, err := reader.Get([]byte("anything")); found || err != nil {
		t.Errorf("Expected miss on empty table, got found=%v err=%v", found, err)
	}
	iter := reader.NewIterator()
	defer iter.Close()
	iter.SeekToFirst()
	if iter.Valid() {
		t.Errorf("Iterator over empty table should not be valid")
	}
}
