// Package kv defines the entry model shared by every layer of the engine.
package kv

import "bytes"

// Kind distinguishes a live value from a deletion marker
type Kind uint8

const (
	// KindValue indicates the entry carries a value
	KindValue Kind = iota + 1

	// KindDeletion indicates the entry is a tombstone
	KindDeletion
)

// String returns a short name for the kind
func (k Kind) String() string {
	switch k {
	case KindValue:
		return "value"
	case KindDeletion:
		return "deletion"
	default:
		return "unknown"
	}
}

// MaxSeqNum is the largest sequence number that can be assigned
const MaxSeqNum = ^uint64(0) >> 1

// Entry is a single versioned key-value record
type Entry struct {
	Key    []byte
	Value  []byte
	SeqNum uint64
	Kind   Kind
}

// IsTombstone reports whether the entry marks a deletion
func (e *Entry) IsTombstone() bool {
	return e.Kind == KindDeletion
}

// Size returns the approximate in-memory footprint of the entry
func (e *Entry) Size() int {
	return len(e.Key) + len(e.Value) + 16
}

// Clone returns a deep copy of the entry
func (e *Entry) Clone() Entry {
	return Entry{
		Key:    append([]byte(nil), e.Key...),
		Value:  cloneValue(e.Value),
		SeqNum: e.SeqNum,
		Kind:   e.Kind,
	}
}

func cloneValue(v []byte) []byte {
	if v == nil {
		return nil
	}
	return append(make([]byte, 0, len(v)), v...)
}

// Compare orders entries by key ascending, then sequence number descending,
// so the newest version of a key sorts first.
func Compare(aKey []byte, aSeq uint64, bKey []byte, bSeq uint64) int {
	if c := bytes.Compare(aKey, bKey); c != 0 {
		return c
	}
	switch {
	case aSeq > bSeq:
		return -1
	case aSeq < bSeq:
		return 1
	}
	return 0
}
