package iterator

import "errors"

// ErrDirectionChange is reported when an iterator positioned for one
// traversal direction is stepped in the other. Build a new iterator instead.
var ErrDirectionChange = errors.New("iterator direction cannot change mid-traversal")

// Iterator defines the cursor capability shared by every data source
// (memtables, SSTables, levels and merged views).
//
// Sources expose at most one entry per key: the newest version they hold.
// Keys and values returned are only valid until the next positioning call.
type Iterator interface {
	// SeekToFirst positions the iterator at the first key
	SeekToFirst()

	// SeekToLast positions the iterator at the last key
	SeekToLast()

	// Seek positions the iterator at the first key >= target
	Seek(target []byte) bool

	// SeekForPrev positions the iterator at the last key <= target
	SeekForPrev(target []byte) bool

	// Next advances the iterator to the next key
	Next() bool

	// Prev moves the iterator to the previous key
	Prev() bool

	// Key returns the current key
	Key() []byte

	// Value returns the current value
	Value() []byte

	// SeqNum returns the sequence number of the current entry
	SeqNum() uint64

	// Valid returns true if the iterator is positioned at a valid entry
	Valid() bool

	// IsTombstone returns true if the current entry is a deletion marker
	IsTombstone() bool

	// Err returns the first error encountered, if any. An iterator that hit
	// an error is no longer valid.
	Err() error
}

// Empty is an iterator over nothing
type Empty struct{}

func (Empty) SeekToFirst() {}
func (Empty) SeekToLast() {}
func (Empty) Seek([]byte) bool { return false }
func (Empty) SeekForPrev([]byte) bool { return false }
func (Empty) Next() bool { return false }
func (Empty) Prev() bool { return false }
func (Empty) Key() []byte { return nil }
func (Empty) Value() []byte { return nil }
func (Empty) SeqNum() uint64 { return 0 }
func (Empty) Valid() bool { return false }
func (Empty) IsTombstone() bool { return false }
func (Empty) Err() error { return nil }
