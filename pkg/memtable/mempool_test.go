package memtable

import (
	"errors"
	"testing"
)

func TestMemPoolBasicOperations(t *testing.T) {
	pool := NewMemTablePool(2, 1)

	if err := pool.Active().Put([]byte("key1"), []byte("value1"), 1); err != nil {
		t.Fatal(err)
	}
	e, found := pool.Get([]byte("key1"))
	if !found || string(e.Value) != "value1" {
		t.Fatalf("expected value1, got %+v", e)
	}

	if err := pool.Active().Delete([]byte("key1"), 2); err != nil {
		t.Fatal(err)
	}
	e, found = pool.Get([]byte("key1"))
	if !found || !e.IsTombstone() {
		t.Fatalf("expected tombstone for key1")
	}
}

func TestMemPoolSwitchMemTable(t *testing.T) {
	pool := NewMemTablePool(2, 1)
	_ = pool.Active().Put([]byte("key1"), []byte("value1"), 1)

	old, err := pool.SwitchToNewMemTable(2)
	if err != nil {
		t.Fatalf("switch failed: %v", err)
	}
	if !old.IsImmutable() {
		t.Errorf("expected switched memtable to be immutable")
	}
	if old.LogNumber() != 1 || pool.Active().LogNumber() != 2 {
		t.Errorf("unexpected log numbers: old=%d active=%d", old.LogNumber(), pool.Active().LogNumber())
	}
	if pool.FrozenCount() != 1 {
		t.Errorf("expected 1 frozen memtable, got %d", pool.FrozenCount())
	}

	_ = pool.Active().Put([]byte("key1"), []byte("value2"), 2)
	if e, _ := pool.Get([]byte("key1")); string(e.Value) != "value2" {
		t.Errorf("expected active table to shadow frozen, got %s", e.Value)
	}

	tables := pool.GetMemTables()
	if len(tables) != 2 || tables[0] != pool.Active() || tables[1] != old {
		t.Errorf("expected tables ordered newest first")
	}
}

func TestMemPoolCapacity(t *testing.T) {
	pool := NewMemTablePool(2, 1)

	first, err := pool.SwitchToNewMemTable(2)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := pool.SwitchToNewMemTable(3); err != nil {
		t.Fatal(err)
	}
	if !pool.Full() {
		t.Errorf("expected pool to be full")
	}
	if _, err := pool.SwitchToNewMemTable(4); !errors.Is(err, ErrCapacity) {
		t.Fatalf("expected ErrCapacity, got %v", err)
	}
	if pool.Active().LogNumber() != 3 {
		t.Errorf("failed switch must keep the active table, got log %d", pool.Active().LogNumber())
	}

	if !pool.Remove(first) {
		t.Fatalf("expected first frozen table to be removed")
	}
	if pool.Remove(first) {
		t.Errorf("removing twice should report false")
	}
	frozen := pool.Frozen()
	if len(frozen) != 1 || frozen[0].LogNumber() != 2 {
		t.Errorf("expected remaining frozen table with log 2")
	}
	if _, err := pool.SwitchToNewMemTable(4); err != nil {
		t.Errorf("expected switch to succeed after removal, got %v", err)
	}
}

func TestMemPoolTotalSize(t *testing.T) {
	pool := NewMemTablePool(1, 0)
	_ = pool.Active().Put([]byte("a"), []byte("1"), 1)
	before := pool.TotalSize()
	if _, err := pool.SwitchToNewMemTable(0); err != nil {
		t.Fatal(err)
	}
	_ = pool.Active().Put([]byte("b"), []byte("2"), 2)
	if pool.TotalSize() != before*2 {
		t.Errorf("expected total size %d, got %d", before*2, pool.TotalSize())
	}
}
