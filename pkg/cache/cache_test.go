package cache

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type block struct {
	id       uint64
	released atomic.Int32
}

func loader(id uint64, loads *atomic.Int32) func() (*block, error) {
	return func() (*block, error) {
		loads.Add(1)
		return &block{id: id}, nil
	}
}

func releaseBlock(b *block) { b.released.Add(1) }

func TestCacheHitAndMiss(t *testing.T) {
	c := New[*block](8, releaseBlock)
	var loads atomic.Int32

	h1, err := c.GetOrLoad(Key{TableID: 1, Offset: 0}, loader(1, &loads))
	require.NoError(t, err)
	h1.Release()

	h2, err := c.GetOrLoad(Key{TableID: 1, Offset: 0}, loader(1, &loads))
	require.NoError(t, err)
	defer h2.Release()

	assert.Equal(t, int32(1), loads.Load())
	assert.Same(t, h1.Value(), h2.Value())

	st := c.Stats()
	assert.Equal(t, int64(1), st.Hits)
	assert.Equal(t, int64(1), st.Misses)
	assert.Equal(t, 1, st.Size)
	assert.Equal(t, 8, st.Capacity)
}

func TestCacheDisabled(t *testing.T) {
	c := New[*block](0, releaseBlock)
	var loads atomic.Int32

	for i := 0; i < 3; i++ {
		h, err := c.GetOrLoad(Key{TableID: 1}, loader(1, &loads))
		require.NoError(t, err)
		assert.Equal(t, uint64(1), h.Value().id)
		v := h.Value()
		h.Release()
		assert.Equal(t, int32(1), v.released.Load())
	}
	assert.Equal(t, int32(3), loads.Load())
	assert.Equal(t, 0, c.Len())
	assert.False(t, c.Enabled())
}

func TestCacheLRUEviction(t *testing.T) {
	c := New[*block](2, releaseBlock)
	var loads atomic.Int32

	get := func(off uint64) *block {
		h, err := c.GetOrLoad(Key{TableID: 1, Offset: off}, loader(off, &loads))
		require.NoError(t, err)
		defer h.Release()
		return h.Value()
	}

	b0 := get(0)
	get(1)
	get(0) // 0 is now most recent
	get(2) // evicts 1

	assert.Equal(t, 2, c.Len())
	assert.Equal(t, int64(1), c.Stats().Evictions)
	assert.Equal(t, int32(0), b0.released.Load())

	before := loads.Load()
	get(0)
	assert.Equal(t, before, loads.Load(), "block 0 should still be cached")
	get(1)
	assert.Equal(t, before+1, loads.Load(), "block 1 should have been reloaded")
}

func TestCacheEvictionWaitsForHandles(t *testing.T) {
	c := New[*block](1, releaseBlock)
	var loads atomic.Int32

	pinned, err := c.GetOrLoad(Key{TableID: 1, Offset: 0}, loader(0, &loads))
	require.NoError(t, err)

	h, err := c.GetOrLoad(Key{TableID: 1, Offset: 1}, loader(1, &loads))
	require.NoError(t, err)
	h.Release()

	b := pinned.Value()
	assert.Equal(t, int32(0), b.released.Load(), "evicted block released while pinned")

	pinned.Release()
	pinned.Release()
	assert.Equal(t, int32(1), b.released.Load())
}

func TestCacheFailedLoadNotCached(t *testing.T) {
	c := New[*block](4, nil)
	boom := errors.New("read failed")

	_, err := c.GetOrLoad(Key{TableID: 9}, func() (*block, error) { return nil, boom })
	require.ErrorIs(t, err, boom)
	assert.Equal(t, 0, c.Len())

	var loads atomic.Int32
	h, err := c.GetOrLoad(Key{TableID: 9}, loader(9, &loads))
	require.NoError(t, err)
	h.Release()
	assert.Equal(t, int32(1), loads.Load())
}

func TestCacheCoalescesConcurrentLoads(t *testing.T) {
	c := New[*block](64, nil)
	var loads atomic.Int32
	start := make(chan struct{})

	slow := func() (*block, error) {
		loads.Add(1)
		time.Sleep(20 * time.Millisecond)
		return &block{id: 7}, nil
	}

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			h, err := c.GetOrLoad(Key{TableID: 7, Offset: 64}, slow)
			if assert.NoError(t, err) {
				assert.Equal(t, uint64(7), h.Value().id)
				h.Release()
			}
		}()
	}
	close(start)
	wg.Wait()

	assert.Equal(t, int32(1), loads.Load())
}

func TestCacheEvictTable(t *testing.T) {
	c := New[*block](64, releaseBlock)
	var loads atomic.Int32

	var blocks []*block
	for table := uint64(1); table <= 2; table++ {
		for off := uint64(0); off < 4; off++ {
			h, err := c.GetOrLoad(Key{TableID: table, Offset: off}, loader(off, &loads))
			require.NoError(t, err)
			if table == 1 {
				blocks = append(blocks, h.Value())
			}
			h.Release()
		}
	}
	require.Equal(t, 8, c.Len())

	c.EvictTable(1)
	assert.Equal(t, 4, c.Len())
	for _, b := range blocks {
		assert.Equal(t, int32(1), b.released.Load())
	}

	c.Purge()
	assert.Equal(t, 0, c.Len())
}

func TestCacheShardedCapacityBound(t *testing.T) {
	c := New[*block](128, nil)
	var loads atomic.Int32
	for off := uint64(0); off < 1000; off++ {
		h, err := c.GetOrLoad(Key{TableID: 3, Offset: off}, loader(off, &loads))
		require.NoError(t, err)
		h.Release()
	}
	assert.LessOrEqual(t, c.Len(), 128)
}
