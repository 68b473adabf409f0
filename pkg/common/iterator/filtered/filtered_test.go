package filtered

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/KevoDB/lsmtree/pkg/common/iterator"
	"github.com/KevoDB/lsmtree/pkg/common/kv"
)

type mockEntry struct {
	key       string
	value     string
	tombstone bool
}

func newMockIterator(entries ...mockEntry) iterator.Iterator {
	out := make([]kv.Entry, len(entries))
	for i, e := range entries {
		out[i] = kv.Entry{Key: []byte(e.key), Value: []byte(e.value), SeqNum: uint64(i + 1), Kind: kv.KindValue}
		if e.tombstone {
			out[i].Kind = kv.KindDeletion
			out[i].Value = nil
		}
	}
	return iterator.NewSliceIterator(out)
}

func collect(it iterator.Iterator, reverse bool) []string {
	var keys []string
	if reverse {
		for it.SeekToLast(); it.Valid(); it.Prev() {
			keys = append(keys, string(it.Key()))
		}
		return keys
	}
	for it.SeekToFirst(); it.Valid(); it.Next() {
		keys = append(keys, string(it.Key()))
	}
	return keys
}

func TestLiveIteratorHidesTombstones(t *testing.T) {
	src := newMockIterator(
		mockEntry{key: "a", tombstone: true},
		mockEntry{key: "b", value: "1"},
		mockEntry{key: "c", tombstone: true},
		mockEntry{key: "d", value: ""},
		mockEntry{key: "e", tombstone: true},
	)
	it := NewLiveIterator(src)

	assert.Equal(t, []string{"b", "d"}, collect(it, false))
	assert.Equal(t, []string{"d", "b"}, collect(it, true))

	require.True(t, it.Seek([]byte("c")))
	assert.Equal(t, "d", string(it.Key()))
	assert.False(t, it.IsTombstone())
	assert.NotNil(t, it.Value())

	require.True(t, it.SeekForPrev([]byte("c")))
	assert.Equal(t, "b", string(it.Key()))

	assert.False(t, it.SeekForPrev([]byte("a")))
	assert.NoError(t, it.Err())
}

func TestFilteredIteratorAllRejected(t *testing.T) {
	it := NewLiveIterator(newMockIterator(
		mockEntry{key: "a", tombstone: true},
		mockEntry{key: "b", tombstone: true},
	))
	assert.Empty(t, collect(it, false))
	assert.Empty(t, collect(it, true))
}

func TestFilteredIteratorCustomFilter(t *testing.T) {
	src := newMockIterator(
		mockEntry{key: "user:1", value: "x"},
		mockEntry{key: "user:2", value: "y"},
		mockEntry{key: "zone:1", value: "z"},
	)
	it := NewFilteredIterator(src, func(it iterator.Iterator) bool {
		return bytes.HasPrefix(it.Key(), []byte("user:"))
	})
	assert.Equal(t, []string{"user:1", "user:2"}, collect(it, false))
	assert.NoError(t, it.Close())
}
