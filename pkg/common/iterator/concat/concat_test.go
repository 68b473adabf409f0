package concat

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/KevoDB/lsmtree/pkg/common/iterator"
	"github.com/KevoDB/lsmtree/pkg/common/kv"
)

type trackedIterator struct {
	*iterator.SliceIterator
	closed *int
}

func (t *trackedIterator) Close() error {
	*t.closed++
	return nil
}

func makeFiles(closed, opened *int, runs ...[]string) []File {
	files := make([]File, 0, len(runs))
	for _, run := range runs {
		entries := make([]kv.Entry, len(run))
		for i, k := range run {
			entries[i] = kv.Entry{Key: []byte(k), Value: []byte(k), SeqNum: 1, Kind: kv.KindValue}
		}
		files = append(files, File{
			Smallest: []byte(run[0]),
			Largest:  []byte(run[len(run)-1]),
			Open: func() iterator.Iterator {
				*opened++
				return &trackedIterator{SliceIterator: iterator.NewSliceIterator(entries), closed: closed}
			},
		})
	}
	return files
}

func TestConcatIteratorTraversal(t *testing.T) {
	var closed, opened int
	it := NewConcatIterator(makeFiles(&closed, &opened, []string{"a", "b"}, []string{"c"}, []string{"d", "e", "f"}))

	var fwd []string
	for it.SeekToFirst(); it.Valid(); it.Next() {
		fwd = append(fwd, string(it.Key()))
	}
	assert.Equal(t, []string{"a", "b", "c", "d", "e", "f"}, fwd)

	var rev []string
	for it.SeekToLast(); it.Valid(); it.Prev() {
		rev = append(rev, string(it.Key()))
	}
	assert.Equal(t, []string{"f", "e", "d", "c", "b", "a"}, rev)

	require.NoError(t, it.Close())
	assert.Equal(t, opened, closed)
}

func TestConcatIteratorSeek(t *testing.T) {
	var closed, opened int
	it := NewConcatIterator(makeFiles(&closed, &opened, []string{"b", "d"}, []string{"f", "h"}))

	require.True(t, it.Seek([]byte("e")))
	assert.Equal(t, "f", string(it.Key()))

	require.True(t, it.Seek([]byte("a")))
	assert.Equal(t, "b", string(it.Key()))

	assert.False(t, it.Seek([]byte("i")))

	require.True(t, it.SeekForPrev([]byte("e")))
	assert.Equal(t, "d", string(it.Key()))

	require.True(t, it.SeekForPrev([]byte("z")))
	assert.Equal(t, "h", string(it.Key()))

	assert.False(t, it.SeekForPrev([]byte("a")))
	require.NoError(t, it.Close())
}

func TestConcatIteratorOpensLazily(t *testing.T) {
	var closed, opened int
	it := NewConcatIterator(makeFiles(&closed, &opened, []string{"a"}, []string{"b"}, []string{"c"}))

	require.True(t, it.Seek([]byte("c")))
	assert.Equal(t, 1, opened)
	require.NoError(t, it.Close())
	assert.Equal(t, 1, closed)
}
