package bounded

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/KevoDB/lsmtree/pkg/common/iterator"
	"github.com/KevoDB/lsmtree/pkg/common/kv"
)

func newSource(keys ...string) iterator.Iterator {
	entries := make([]kv.Entry, len(keys))
	for i, k := range keys {
		entries[i] = kv.Entry{Key: []byte(k), Value: []byte("value-" + k), SeqNum: uint64(i + 1), Kind: kv.KindValue}
	}
	return iterator.NewSliceIterator(entries)
}

func forward(it iterator.Iterator) []string {
	var out []string
	for it.SeekToFirst(); it.Valid(); it.Next() {
		out = append(out, string(it.Key()))
	}
	return out
}

func reverse(it iterator.Iterator) []string {
	var out []string
	for it.SeekToLast(); it.Valid(); it.Prev() {
		out = append(out, string(it.Key()))
	}
	return out
}

func TestBoundedIteratorInclusivity(t *testing.T) {
	keys := []string{"a", "b", "c", "d", "e"}

	tests := []struct {
		name  string
		lower *Bound
		upper *Bound
		want  []string
	}{
		{"unbounded", nil, nil, []string{"a", "b", "c", "d", "e"}},
		{"half open", Included([]byte("b")), Excluded([]byte("d")), []string{"b", "c"}},
		{"closed", Included([]byte("b")), Included([]byte("d")), []string{"b", "c", "d"}},
		{"open", Excluded([]byte("b")), Excluded([]byte("d")), []string{"c"}},
		{"lower only", Excluded([]byte("c")), nil, []string{"d", "e"}},
		{"upper only", nil, Included([]byte("b")), []string{"a", "b"}},
		{"between keys", Included([]byte("bb")), Excluded([]byte("dd")), []string{"c", "d"}},
		{"empty", Included([]byte("c")), Excluded([]byte("c")), nil},
		{"inverted", Included([]byte("d")), Included([]byte("b")), nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			it := NewBoundedIterator(newSource(keys...), tt.lower, tt.upper)
			assert.Equal(t, tt.want, forward(it))

			var want []string
			for i := len(tt.want) - 1; i >= 0; i-- {
				want = append(want, tt.want[i])
			}
			assert.Equal(t, want, reverse(it))
		})
	}
}

func TestBoundedIteratorSeek(t *testing.T) {
	it := NewBoundedIterator(newSource("a", "b", "c", "d", "e"), Included([]byte("b")), Excluded([]byte("e")))

	require.True(t, it.Seek([]byte("a")))
	assert.Equal(t, "b", string(it.Key()))

	require.True(t, it.Seek([]byte("c")))
	assert.Equal(t, "c", string(it.Key()))
	assert.Equal(t, "value-c", string(it.Value()))

	assert.False(t, it.Seek([]byte("e")))
	assert.Nil(t, it.Key())

	require.True(t, it.SeekForPrev([]byte("z")))
	assert.Equal(t, "d", string(it.Key()))

	assert.False(t, it.SeekForPrev([]byte("a")))
}

func TestBoundedIteratorSetBounds(t *testing.T) {
	it := NewBoundedIterator(newSource("a", "b", "c"), nil, nil)
	assert.False(t, it.Empty())

	it.SetBounds(Excluded([]byte("a")), nil)
	assert.Equal(t, []string{"b", "c"}, forward(it))

	it.SetBounds(Excluded([]byte("b")), Excluded([]byte("b")))
	assert.True(t, it.Empty())
}

func TestBoundConstructorsCopy(t *testing.T) {
	key := []byte("k")
	b := Included(key)
	key[0] = 'x'
	assert.Equal(t, "k", string(b.Key))
	assert.True(t, b.Inclusive)
	assert.False(t, Excluded([]byte("k")).Inclusive)
}
