package sstable

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/KevoDB/lsmtree/pkg/sstable/footer"
)

func TestReaderBasics(t *testing.T) {
	sstablePath := filepath.Join(t.TempDir(), "test.sst")
	opts := DefaultWriterOptions()
	opts.BlockSize = 512
	writeTestTable(t, sstablePath, 500, opts, true)

	reader, err := Open(sstablePath, 7, NewBlockCache(16))
	if err != nil {
		t.Fatalf("Failed to open SSTable: %v", err)
	}
	defer reader.Close()

	if reader.ID() != 7 || reader.Path() != sstablePath {
		t.Errorf("Unexpected identity %d %s", reader.ID(), reader.Path())
	}
	if reader.Properties().NumEntries != 500 {
		t.Errorf("Expected 500 entries, got %d", reader.Properties().NumEntries)
	}

	for i := 0; i < 500; i++ {
		e, found, err := reader.Get(testKey(i))
		if err != nil {
			t.Fatalf("Failed to get key %d: %v", i, err)
		}
		if !found {
			t.Fatalf("Key %d not found", i)
		}
		if e.SeqNum != uint64(i+1) {
			t.Errorf("Key %d: expected seq %d, got %d", i, i+1, e.SeqNum)
		}
		if i%5 == 0 {
			if !e.IsTombstone() || e.Value != nil {
				t.Errorf("Key %d should be a tombstone, got %+v", i, e)
			}
			continue
		}
		if string(e.Value) != string(testValue(i)) {
			t.Errorf("Key %d: expected %q, got %q", i, testValue(i), e.Value)
		}
	}

	for _, key := range []string{"", "a", "key00000a", "key99999", "zzz"} {
		if _, found, err := reader.Get([]byte(key)); found || err != nil {
			t.Errorf("Expected miss for %q, got found=%v err=%v", key, found, err)
		}
	}
	if reader.IsCorrupt() {
		t.Errorf("Healthy table reported corrupt")
	}
}

func TestReaderGetDoesNotAliasCache(t *testing.T) {
	sstablePath := filepath.Join(t.TempDir(), "test.sst")
	writeTestTable(t, sstablePath, 10, DefaultWriterOptions(), false)

	c := NewBlockCache(1)
	reader, err := Open(sstablePath, 1, c)
	if err != nil {
		t.Fatalf("Failed to open SSTable: %v", err)
	}
	defer reader.Close()

	e, found, err := reader.Get(testKey(3))
	if err != nil || !found {
		t.Fatalf("Failed to get key: found=%v err=%v", found, err)
	}
	c.Purge()
	if string(e.Value) != string(testValue(3)) {
		t.Errorf("Value changed after the cache was purged: %q", e.Value)
	}
}

func TestReaderCacheDisabledSameResults(t *testing.T) {
	sstablePath := filepath.Join(t.TempDir(), "test.sst")
	opts := DefaultWriterOptions()
	opts.BlockSize = 256
	writeTestTable(t, sstablePath, 300, opts, true)

	cached, err := Open(sstablePath, 1, NewBlockCache(8))
	if err != nil {
		t.Fatalf("Failed to open SSTable: %v", err)
	}
	defer cached.Close()
	uncached, err := Open(sstablePath, 2, NewBlockCache(0))
	if err != nil {
		t.Fatalf("Failed to open SSTable: %v", err)
	}
	defer uncached.Close()

	for i := 0; i < 310; i++ {
		a, foundA, errA := cached.Get(testKey(i))
		b, foundB, errB := uncached.Get(testKey(i))
		if errA != nil || errB != nil {
			t.Fatalf("Get failed: %v / %v", errA, errB)
		}
		if foundA != foundB || string(a.Value) != string(b.Value) || a.Kind != b.Kind || a.SeqNum != b.SeqNum {
			t.Errorf("Key %d differs: %+v vs %+v", i, a, b)
		}
	}

	ia, ib := cached.NewIterator(), uncached.NewIterator()
	defer ia.Close()
	defer ib.Close()
	ia.SeekToFirst()
	ib.SeekToFirst()
	for ia.Valid() && ib.Valid() {
		if string(ia.Key()) != string(ib.Key()) || string(ia.Value()) != string(ib.Value()) {
			t.Fatalf("Iterators diverge at %q / %q", ia.Key(), ib.Key())
		}
		ia.Next()
		ib.Next()
	}
	if ia.Valid() != ib.Valid() {
		t.Errorf("Iterators ended at different positions")
	}
}

func TestReaderCorruptDataBlock(t *testing.T) {
	sstablePath := filepath.Join(t.TempDir(), "test.sst")
	writeTestTable(t, sstablePath, 100, DefaultWriterOptions(), false)

	// Flip a byte inside the first data block.
	data, err := os.ReadFile(sstablePath)
	if err != nil {
		t.Fatalf("Failed to read table: %v", err)
	}
	data[10] ^= 0xff
	if err := os.WriteFile(sstablePath, data, 0o644); err != nil {
		t.Fatalf("Failed to write table: %v", err)
	}

	reader, err := Open(sstablePath, 1, NewBlockCache(4))
	if err != nil {
		t.Fatalf("Metadata is intact, open should succeed: %v", err)
	}
	defer reader.Close()

	_, _, err = reader.Get(testKey(1))
	if !errors.Is(err, ErrCorruption) {
		t.Fatalf("Expected ErrCorruption, got %v", err)
	}
	if !reader.IsCorrupt() {
		t.Errorf("Reader should be flagged corrupt")
	}

	iter := reader.NewIterator()
	defer iter.Close()
	iter.SeekToFirst()
	if iter.Valid() || !errors.Is(iter.Err(), ErrCorruption) {
		t.Errorf("Expected iterator to fail with ErrCorruption, got valid=%v err=%v", iter.Valid(), iter.Err())
	}
}

func TestReaderCorruptFooter(t *testing.T) {
	sstablePath := filepath.Join(t.TempDir(), "test.sst")
	writeTestTable(t, sstablePath, 10, DefaultWriterOptions(), false)

	data, err := os.ReadFile(sstablePath)
	if err != nil {
		t.Fatalf("Failed to read table: %v", err)
	}
	data[len(data)-footer.FooterSize+3] ^= 0x01
	if err := os.WriteFile(sstablePath, data, 0o644); err != nil {
		t.Fatalf("Failed to write table: %v", err)
	}

	if _, err := Open(sstablePath, 1, nil); !errors.Is(err, ErrCorruption) {
		t.Errorf("Expected ErrCorruption opening a damaged footer, got %v", err)
	}

	if err := os.WriteFile(sstablePath, []byte("short"), 0o644); err != nil {
		t.Fatalf("Failed to write table: %v", err)
	}
	if _, err := Open(sstablePath, 1, nil); !errors.Is(err, ErrCorruption) {
		t.Errorf("Expected ErrCorruption opening a truncated file, got %v", err)
	}
}
