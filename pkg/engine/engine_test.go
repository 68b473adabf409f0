package engine

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/KevoDB/lsmtree/pkg/common/log"
	"github.com/KevoDB/lsmtree/pkg/config"
	"github.com/KevoDB/lsmtree/pkg/sstable"
	"github.com/KevoDB/lsmtree/pkg/telemetry"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.NewDefaultConfig(t.TempDir())
	cfg.MemTableSize = 64 * 1024
	cfg.BlockSize = 1024
	cfg.BlockCacheCapacity = 64
	cfg.TargetFileSize = 256 * 1024
	cfg.LevelSizeBase = 1 << 20
	cfg.MaxLevels = 4
	return cfg
}

func openEngine(t *testing.T, cfg *config.Config) *Engine {
	t.Helper()
	e, err := Open(cfg, WithLogger(log.NewNopLogger()))
	require.NoError(t, err)
	t.Cleanup(func() { e.Close() })
	return e
}

// flush forces a flush and waits for it. A full flush queue refuses the
// request until the worker frees a slot.
func flush(t *testing.T, e *Engine) {
	t.Helper()
	var h *FlushHandle
	retryCapacity(t, func() (err error) {
		h, err = e.ForceFlush()
		return err
	})
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, h.Wait(ctx))
}

// retryCapacity retries a write refused while the flush worker catches up
func retryCapacity(t *testing.T, write func() error) {
	t.Helper()
	for {
		err := write()
		if errors.Is(err, ErrCapacity) {
			time.Sleep(time.Millisecond)
			continue
		}
		require.NoError(t, err)
		return
	}
}

func put(t *testing.T, e *Engine, k, v []byte) {
	t.Helper()
	retryCapacity(t, func() error { return e.Put(k, v) })
}

func key(i int) []byte {
	return []byte(fmt.Sprintf("key-%06d", i))
}

func value(i, version int) []byte {
	return []byte(fmt.Sprintf("value-%06d-v%d", i, version))
}

func be32(i int) []byte {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, uint32(i))
	return b
}

func be64(i int) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, uint64(i))
	return b
}

type pair struct {
	key, value string
}

func collect(t *testing.T, it *Iterator) []pair {
	t.Helper()
	defer it.Close()
	var out []pair
	for it.Next() {
		out = append(out, pair{string(it.Key()), string(it.Value())})
	}
	require.NoError(t, it.Err())
	return out
}

func numFiles(e *Engine, level int) int {
	v := e.versions.Current()
	defer v.Unref()
	return v.NumFiles(level)
}

func TestPutGetDelete(t *testing.T) {
	e := openEngine(t, testConfig(t))

	require.NoError(t, e.Put([]byte("a"), []byte("1")))
	got, ok, err := e.Get([]byte("a"))
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []byte("1"), got)

	require.NoError(t, e.Put([]byte("a"), []byte("2")))
	got, ok, err = e.Get([]byte("a"))
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []byte("2"), got)

	require.NoError(t, e.Delete([]byte("a")))
	got, ok, err = e.Get([]byte("a"))
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Nil(t, got)

	got, ok, err = e.Get([]byte("missing"))
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Nil(t, got)

	// Deleting an absent key is fine
	require.NoError(t, e.Delete([]byte("never-written")))

	require.NoError(t, e.Put([]byte("empty"), nil))
	got, ok, err = e.Get([]byte("empty"))
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Empty(t, got)
}

func TestReturnedValueIsACopy(t *testing.T) {
	e := openEngine(t, testConfig(t))

	v := []byte("original")
	require.NoError(t, e.Put([]byte("k"), v))
	v[0] = 'X'

	got, _, err := e.Get([]byte("k"))
	require.NoError(t, err)
	assert.Equal(t, []byte("original"), got)

	got[0] = 'Y'
	again, _, err := e.Get([]byte("k"))
	require.NoError(t, err)
	assert.Equal(t, []byte("original"), again)
}

func TestEmptyKeyRejected(t *testing.T) {
	e := openEngine(t, testConfig(t))

	assert.ErrorIs(t, e.Put(nil, []byte("v")), ErrEmptyKey)
	assert.ErrorIs(t, e.Delete([]byte{}), ErrEmptyKey)
	_, _, err := e.Get(nil)
	assert.ErrorIs(t, err, ErrEmptyKey)
}

func TestGetSeesNewestAcrossFlushAndCompaction(t *testing.T) {
	cfg := testConfig(t)
	cfg.CompactionInterval = time.Hour
	e := openEngine(t, cfg)

	for version := 1; version <= 3; version++ {
		for i := 0; i < 200; i++ {
			require.NoError(t, e.Put(key(i), value(i, version)))
		}
		flush(t, e)
	}
	for i := 0; i < 200; i += 2 {
		require.NoError(t, e.Delete(key(i)))
	}
	require.NoError(t, e.Put(key(1), value(1, 4)))

	check := func() {
		for i := 0; i < 200; i++ {
			got, ok, err := e.Get(key(i))
			require.NoError(t, err)
			switch {
			case i == 1:
				require.True(t, ok)
				assert.Equal(t, value(i, 4), got)
			case i%2 == 0:
				assert.False(t, ok, "key %d should be deleted", i)
			default:
				require.True(t, ok)
				assert.Equal(t, value(i, 3), got)
			}
		}
	}

	check()
	flush(t, e)
	check()
	require.NoError(t, e.CompactRange(nil, nil))
	check()

	assert.Zero(t, numFiles(e, 0))
	n, err := e.Len()
	require.NoError(t, err)
	assert.Equal(t, 100, n)
}

func TestPersistenceAcrossFlushAndReopen(t *testing.T) {
	cfg := testConfig(t)
	e, err := Open(cfg, WithLogger(log.NewNopLogger()))
	require.NoError(t, err)

	const n = 2000
	for i := 0; i < n; i++ {
		put(t, e, key(i), value(i, 1))
	}
	flush(t, e)
	assert.GreaterOrEqual(t, numFiles(e, 0)+numFiles(e, 1), 1)

	for i := 0; i < n; i++ {
		got, ok, err := e.Get(key(i))
		require.NoError(t, err)
		require.True(t, ok, "key %d", i)
		require.Equal(t, value(i, 1), got)
	}
	require.NoError(t, e.Close())

	e = openEngine(t, cfg)
	for i := 0; i < n; i++ {
		got, ok, err := e.Get(key(i))
		require.NoError(t, err)
		require.True(t, ok, "key %d", i)
		require.Equal(t, value(i, 1), got)
	}
	count, err := e.Len()
	require.NoError(t, err)
	assert.Equal(t, n, count)
}

func TestWALReplayOnReopen(t *testing.T) {
	cfg := testConfig(t)
	cfg.MemTableSize = 4 << 20
	e, err := Open(cfg, WithLogger(log.NewNopLogger()))
	require.NoError(t, err)

	for i := 0; i < 500; i++ {
		require.NoError(t, e.Put(key(i), value(i, 1)))
	}
	require.NoError(t, e.Delete(key(7)))
	require.NoError(t, e.Close())

	e = openEngine(t, cfg)
	got, ok, err := e.Get(key(3))
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, value(3, 1), got)

	_, ok, err = e.Get(key(7))
	require.NoError(t, err)
	assert.False(t, ok)

	n, err := e.Len()
	require.NoError(t, err)
	assert.Equal(t, 499, n)

	// New writes continue the sequence past the replayed ones
	require.NoError(t, e.Put(key(3), value(3, 2)))
	got, _, err = e.Get(key(3))
	require.NoError(t, err)
	assert.Equal(t, value(3, 2), got)
}

// copyDir snapshots the files of a live data directory, as a crash would
// leave them
func copyDir(t *testing.T, src string) string {
	t.Helper()
	dst := t.TempDir()
	entries, err := os.ReadDir(src)
	require.NoError(t, err)
	for _, entry := range entries {
		if entry.IsDir() || entry.Name() == LockFileName {
			continue
		}
		data, err := os.ReadFile(filepath.Join(src, entry.Name()))
		require.NoError(t, err)
		require.NoError(t, os.WriteFile(filepath.Join(dst, entry.Name()), data, 0o644))
	}
	return dst
}

func TestRecoveryFromCrashImage(t *testing.T) {
	cfg := testConfig(t)
	cfg.MemTableSize = 4 << 20
	cfg.WALSyncMode = config.SyncImmediate
	e := openEngine(t, cfg)

	for i := 0; i < 100; i++ {
		require.NoError(t, e.Put(key(i), value(i, 1)))
	}
	flush(t, e)
	for i := 100; i < 200; i++ {
		require.NoError(t, e.Put(key(i), value(i, 1)))
	}
	require.NoError(t, e.Delete(key(0)))

	crashed := cfg.Clone()
	crashed.Dir = copyDir(t, cfg.Dir)
	recovered := openEngine(t, crashed)

	_, ok, err := recovered.Get(key(0))
	require.NoError(t, err)
	assert.False(t, ok)
	for i := 1; i < 200; i++ {
		got, ok, err := recovered.Get(key(i))
		require.NoError(t, err)
		require.True(t, ok, "key %d", i)
		require.Equal(t, value(i, 1), got)
	}
}

func TestTornWALTailIsDiscarded(t *testing.T) {
	cfg := testConfig(t)
	cfg.MemTableSize = 4 << 20
	e, err := Open(cfg, WithLogger(log.NewNopLogger()))
	require.NoError(t, err)
	for i := 0; i < 50; i++ {
		require.NoError(t, e.Put(key(i), value(i, 1)))
	}
	logPath := e.wal.Path()
	require.NoError(t, e.Close())

	info, err := os.Stat(logPath)
	require.NoError(t, err)
	require.NoError(t, os.Truncate(logPath, info.Size()-3))

	e = openEngine(t, cfg)
	n, err := e.Len()
	require.NoError(t, err)
	assert.Equal(t, 49, n)
	_, ok, err := e.Get(key(49))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRangeMatchesFilteredScan(t *testing.T) {
	cfg := testConfig(t)
	cfg.MemTableSize = 16 * 1024
	e := openEngine(t, cfg)

	rng := rand.New(rand.NewSource(42))
	for i := 0; i < 3000; i++ {
		k := key(rng.Intn(1000))
		if rng.Intn(5) == 0 {
			retryCapacity(t, func() error { return e.Delete(k) })
		} else {
			put(t, e, k, value(i, 0))
		}
		if i%700 == 0 {
			flush(t, e)
		}
	}

	all, err := e.Iter()
	require.NoError(t, err)
	full := collect(t, all)
	require.True(t, sort.SliceIsSorted(full, func(i, j int) bool { return full[i].key < full[j].key }))

	bounds := []struct {
		lower, upper *Bound
	}{
		{Included(key(100)), Excluded(key(200))},
		{Excluded(key(100)), Included(key(200))},
		{nil, Excluded(key(50))},
		{Included(key(900)), nil},
		{Included(key(500)), Excluded(key(500))},
		{Included(key(600)), Excluded(key(400))},
	}
	for _, b := range bounds {
		var want []pair
		for _, p := range full {
			if inBounds([]byte(p.key), b.lower, b.upper) {
				want = append(want, p)
			}
		}

		it, err := e.Range(b.lower, b.upper)
		require.NoError(t, err)
		assert.Equal(t, want, collect(t, it))

		it, err = e.NewIterator(IterOptions{Lower: b.lower, Upper: b.upper, Reverse: true})
		require.NoError(t, err)
		reversed := collect(t, it)
		for i, j := 0, len(reversed)-1; i < j; i, j = i+1, j-1 {
			reversed[i], reversed[j] = reversed[j], reversed[i]
		}
		assert.Equal(t, want, reversed)
	}
}

func inBounds(k []byte, lower, upper *Bound) bool {
	if lower != nil {
		c := bytes.Compare(k, lower.Key)
		if c < 0 || (c == 0 && !lower.Inclusive) {
			return false
		}
	}
	if upper != nil {
		c := bytes.Compare(k, upper.Key)
		if c > 0 || (c == 0 && !upper.Inclusive) {
			return false
		}
	}
	return true
}

func TestIteratorIsPointInTime(t *testing.T) {
	e := openEngine(t, testConfig(t))
	for i := 0; i < 10; i++ {
		require.NoError(t, e.Put(key(i), value(i, 1)))
	}

	it, err := e.Iter()
	require.NoError(t, err)

	require.NoError(t, e.Put(key(100), value(100, 1)))
	require.NoError(t, e.Put(key(0), value(0, 2)))
	require.NoError(t, e.Delete(key(5)))
	flush(t, e)

	got := collect(t, it)
	require.Len(t, got, 10)
	assert.Equal(t, string(value(0, 1)), got[0].value)
	assert.Equal(t, string(key(5)), got[5].key)
}

func TestConcurrentWriters(t *testing.T) {
	cfg := testConfig(t)
	cfg.MemTableSize = 32 * 1024
	cfg.L0CompactionTrigger = 2
	e := openEngine(t, cfg)

	const writers, perWriter = 8, 500
	var wg sync.WaitGroup
	errs := make(chan error, writers)
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				k := []byte(fmt.Sprintf("w%02d-%05d", w, i))
				for {
					err := e.Put(k, value(i, w))
					if errors.Is(err, ErrCapacity) {
						time.Sleep(time.Millisecond)
						continue
					}
					if err != nil {
						errs <- err
						return
					}
					break
				}
			}
		}(w)
	}

	var readers sync.WaitGroup
	stop := make(chan struct{})
	readers.Add(1)
	go func() {
		defer readers.Done()
		for {
			select {
			case <-stop:
				return
			default:
			}
			it, err := e.Iter()
			if err != nil {
				errs <- err
				return
			}
			for it.Next() {
			}
			if err := it.Err(); err != nil {
				errs <- err
			}
			it.Close()
		}
	}()

	wg.Wait()
	close(stop)
	readers.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	n, err := e.Len()
	require.NoError(t, err)
	assert.Equal(t, writers*perWriter, n)
}

func TestDisabledBlockCacheGivesSameResults(t *testing.T) {
	load := func(capacity int) *Engine {
		cfg := testConfig(t)
		cfg.BlockCacheCapacity = capacity
		cfg.MemTableSize = 16 * 1024
		e := openEngine(t, cfg)
		for i := 0; i < 1500; i++ {
			put(t, e, key(i%700), value(i, 0))
			if i%9 == 0 {
				retryCapacity(t, func() error { return e.Delete(key((i * 7) % 700)) })
			}
		}
		flush(t, e)
		return e
	}

	cached, uncached := load(64), load(0)

	for i := 0; i < 700; i++ {
		a, okA, err := cached.Get(key(i))
		require.NoError(t, err)
		b, okB, err := uncached.Get(key(i))
		require.NoError(t, err)
		assert.Equal(t, okA, okB, "key %d", i)
		assert.Equal(t, a, b, "key %d", i)
	}

	itA, err := cached.Iter()
	require.NoError(t, err)
	itB, err := uncached.Iter()
	require.NoError(t, err)
	assert.Equal(t, collect(t, itA), collect(t, itB))

	assert.Zero(t, uncached.Stats()["block_cache_size"])
}

func TestFourByteKeysPointLookups(t *testing.T) {
	cfg := testConfig(t)
	cfg.MemTableSize = 32 * 1024
	e := openEngine(t, cfg)

	const n = 10000
	for i := 0; i < n; i++ {
		put(t, e, be32(i), be32(i*3))
	}
	flush(t, e)

	for i := 0; i < n; i++ {
		got, ok, err := e.Get(be32(i))
		require.NoError(t, err)
		require.True(t, ok, "key %d", i)
		require.Equal(t, be32(i*3), got)
	}
	_, ok, err := e.Get(be32(n))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestEightByteKeysRange(t *testing.T) {
	cfg := testConfig(t)
	cfg.MemTableSize = 256 * 1024
	cfg.WALSyncMode = config.SyncNone
	e := openEngine(t, cfg)

	const n = 100000
	for i := 0; i < n; i++ {
		put(t, e, be64(i), be64(i))
	}

	check := func() {
		it, err := e.Range(Included(be64(60000)), Excluded(be64(61000)))
		require.NoError(t, err)
		forward := collect(t, it)
		require.Len(t, forward, 1000)
		for i, p := range forward {
			require.Equal(t, string(be64(60000+i)), p.key)
		}

		it, err = e.NewIterator(IterOptions{
			Lower:   Included(be64(60000)),
			Upper:   Excluded(be64(61000)),
			Reverse: true,
		})
		require.NoError(t, err)
		backward := collect(t, it)
		require.Len(t, backward, 1000)
		for i, p := range backward {
			require.Equal(t, string(be64(60999-i)), p.key)
		}
	}

	check()
	flush(t, e)
	check()
	require.NoError(t, e.CompactRange(nil, nil))
	check()
}

func TestForceFlush(t *testing.T) {
	cfg := testConfig(t)
	cfg.MemTableSize = 4 << 20
	e := openEngine(t, cfg)

	// Nothing to flush
	h, err := e.ForceFlush()
	require.NoError(t, err)
	select {
	case <-h.Done():
	default:
		t.Fatal("empty flush should complete immediately")
	}
	assert.NoError(t, h.Err())

	require.NoError(t, e.Put([]byte("k"), []byte("v")))
	flush(t, e)
	assert.Equal(t, 0, e.pool.FrozenCount())
	assert.True(t, e.pool.Active().Empty())
	assert.Equal(t, 1, numFiles(e, 0))

	got, ok, err := e.Get([]byte("k"))
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []byte("v"), got)
}

func TestFlushRemovesObsoleteWAL(t *testing.T) {
	cfg := testConfig(t)
	cfg.MemTableSize = 4 << 20
	e := openEngine(t, cfg)

	require.NoError(t, e.Put([]byte("k"), []byte("v")))
	first := e.wal.Path()
	flush(t, e)

	_, err := os.Stat(first)
	assert.True(t, os.IsNotExist(err), "flushed WAL segment should be removed")
	_, err = os.Stat(e.wal.Path())
	assert.NoError(t, err)
}

func TestWaitHonorsContext(t *testing.T) {
	cfg := testConfig(t)
	cfg.MemTableSize = 4 << 20
	e := openEngine(t, cfg)

	e.flushing.Lock()
	require.NoError(t, e.Put([]byte("k"), []byte("v")))
	h, err := e.ForceFlush()
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, h.Wait(ctx), context.DeadlineExceeded)
	e.flushing.Unlock()

	require.NoError(t, h.Wait(context.Background()))
}

func TestBackpressure(t *testing.T) {
	cfg := testConfig(t)
	cfg.MemTableSize = 4 * 1024
	cfg.MaxFrozenMemTables = 1
	cfg.MemTableHardLimitFactor = 2
	e := openEngine(t, cfg)

	// Hold the flush worker off so the queue stays full
	e.flushing.Lock()
	var refused error
	for i := 0; i < 10000; i++ {
		if err := e.Put(key(i), bytes.Repeat([]byte("x"), 100)); err != nil {
			refused = err
			break
		}
	}
	require.ErrorIs(t, refused, ErrCapacity)
	assert.Equal(t, 1, e.pool.FrozenCount())

	_, err := e.ForceFlush()
	assert.ErrorIs(t, err, ErrCapacity)
	errs := e.Stats()["errors"].(map[string]uint64)
	assert.NotZero(t, errs["backpressure"])

	e.flushing.Unlock()
	e.signalFlush()
	require.Eventually(t, func() bool {
		return e.Put([]byte("after"), []byte("v")) == nil
	}, 10*time.Second, 5*time.Millisecond)

	// Once the queue drains a forced flush goes through
	flush(t, e)
	assert.Zero(t, e.pool.FrozenCount())
	got, ok, err := e.Get([]byte("after"))
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []byte("v"), got)
}

func TestFlushFailureKeepsMemTableQueued(t *testing.T) {
	cfg := testConfig(t)
	cfg.FlushRetryInterval = time.Hour
	e := openEngine(t, cfg)
	require.NoError(t, e.Put([]byte("k"), []byte("v")))

	// Directories in place of the temporary table files make writes fail
	var blockers []string
	for n := uint64(1); n <= 64; n++ {
		name := "." + filepath.Base(sstable.FileName(cfg.Dir, n)) + ".tmp"
		p := filepath.Join(cfg.Dir, name)
		require.NoError(t, os.Mkdir(p, 0o755))
		blockers = append(blockers, p)
	}

	h, err := e.ForceFlush()
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	assert.Error(t, h.Wait(ctx))
	assert.Equal(t, 1, e.pool.FrozenCount())
	assert.Zero(t, numFiles(e, 0))
	errs := e.Stats()["errors"].(map[string]uint64)
	assert.NotZero(t, errs["flush_error"])

	got, ok, err := e.Get([]byte("k"))
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []byte("v"), got)

	for _, p := range blockers {
		require.NoError(t, os.Remove(p))
	}
	flush(t, e)
	assert.Zero(t, e.pool.FrozenCount())
	assert.Equal(t, 1, numFiles(e, 0))

	got, ok, err = e.Get([]byte("k"))
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []byte("v"), got)
}

func TestWALDisabledFlushAllocatesOneNumber(t *testing.T) {
	cfg := testConfig(t)
	cfg.WALEnabled = false
	e := openEngine(t, cfg)

	for i := 0; i < 3; i++ {
		before := e.versions.NextFileNumber()
		require.NoError(t, e.Put(key(i), value(i, 1)))
		flush(t, e)
		assert.Equal(t, before+1, e.versions.NextFileNumber())
	}
	assert.Equal(t, 3, numFiles(e, 0))
}

func TestReadsRacingClose(t *testing.T) {
	for round := 0; round < 20; round++ {
		e, err := Open(testConfig(t), WithLogger(log.NewNopLogger()))
		require.NoError(t, err)
		require.NoError(t, e.Put([]byte("k"), []byte("v")))

		start := make(chan struct{})
		errs := make(chan error, 8)
		var wg sync.WaitGroup
		for g := 0; g < 4; g++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				<-start
				for {
					if _, _, err := e.Get([]byte("k")); err != nil {
						errs <- err
						return
					}
					it, err := e.Iter()
					if err != nil {
						errs <- err
						return
					}
					for it.Next() {
					}
					it.Close()
				}
			}()
		}

		close(start)
		require.NoError(t, e.Close())
		wg.Wait()
		close(errs)
		for err := range errs {
			assert.ErrorIs(t, err, ErrClosed)
		}
	}
}

func TestCloseAndClone(t *testing.T) {
	cfg := testConfig(t)
	e, err := Open(cfg, WithLogger(log.NewNopLogger()))
	require.NoError(t, err)

	c := e.Clone()
	require.NoError(t, e.Close())

	// The clone keeps the engine open
	require.NoError(t, c.Put([]byte("k"), []byte("v")))
	got, ok, err := c.Get([]byte("k"))
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []byte("v"), got)

	require.NoError(t, c.Close())
	assert.ErrorIs(t, c.Close(), ErrClosed)
	assert.ErrorIs(t, e.Put([]byte("k"), []byte("v")), ErrClosed)
	assert.ErrorIs(t, e.Delete([]byte("k")), ErrClosed)
	_, _, err = e.Get([]byte("k"))
	assert.ErrorIs(t, err, ErrClosed)
	_, err = e.Iter()
	assert.ErrorIs(t, err, ErrClosed)
	_, err = e.ForceFlush()
	assert.ErrorIs(t, err, ErrClosed)
	_, err = e.Len()
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, e.CompactRange(nil, nil), ErrClosed)

	_, err = os.Stat(filepath.Join(cfg.Dir, LockFileName))
	assert.True(t, os.IsNotExist(err))
}

func TestDirectoryLock(t *testing.T) {
	cfg := testConfig(t)
	e, err := Open(cfg, WithLogger(log.NewNopLogger()))
	require.NoError(t, err)

	_, err = Open(cfg, WithLogger(log.NewNopLogger()))
	assert.ErrorIs(t, err, ErrLocked)

	require.NoError(t, e.Close())
	e, err = Open(cfg, WithLogger(log.NewNopLogger()))
	require.NoError(t, err)
	require.NoError(t, e.Close())
}

func TestStaleLockFile(t *testing.T) {
	cfg := testConfig(t)
	require.NoError(t, os.MkdirAll(cfg.Dir, 0o755))
	// Pid 0 cannot be parsed as an owner and is treated as held
	require.NoError(t, os.WriteFile(filepath.Join(cfg.Dir, LockFileName), []byte("0\n"), 0o644))
	_, err := Open(cfg, WithLogger(log.NewNopLogger()))
	assert.ErrorIs(t, err, ErrLocked)

	require.NoError(t, os.WriteFile(filepath.Join(cfg.Dir, LockFileName),
		[]byte(fmt.Sprintf("%d\n", os.Getpid())), 0o644))
	e := openEngine(t, cfg)
	require.NoError(t, e.Put([]byte("k"), []byte("v")))
}

func TestOpenRejectsFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "file")
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o644))

	_, err := Open(config.NewDefaultConfig(path))
	assert.ErrorIs(t, err, ErrNotDirectory)

	_, err = Open(nil)
	assert.ErrorIs(t, err, config.ErrInvalidConfig)
}

func TestOpenRemovesOrphanTables(t *testing.T) {
	cfg := testConfig(t)
	require.NoError(t, os.MkdirAll(cfg.Dir, 0o755))
	orphan := sstable.FileName(cfg.Dir, 999)
	require.NoError(t, os.WriteFile(orphan, []byte("garbage"), 0o644))

	e := openEngine(t, cfg)
	_, err := os.Stat(orphan)
	assert.True(t, os.IsNotExist(err))

	require.NoError(t, e.Put([]byte("k"), []byte("v")))
	flush(t, e)
	v := e.versions.Current()
	defer v.Unref()
	assert.Greater(t, v.Files(0)[0].Number, uint64(999))
}

func TestWALDisabledFlushesOnClose(t *testing.T) {
	cfg := testConfig(t)
	cfg.WALEnabled = false
	e, err := Open(cfg, WithLogger(log.NewNopLogger()))
	require.NoError(t, err)

	for i := 0; i < 100; i++ {
		require.NoError(t, e.Put(key(i), value(i, 1)))
	}
	require.NoError(t, e.Close())

	matches, err := filepath.Glob(filepath.Join(cfg.Dir, "*.log"))
	require.NoError(t, err)
	assert.Empty(t, matches)

	e = openEngine(t, cfg)
	n, err := e.Len()
	require.NoError(t, err)
	assert.Equal(t, 100, n)
}

func TestCorruptTableReported(t *testing.T) {
	cfg := testConfig(t)
	cfg.BlockSize = 256
	cfg.BlockCacheCapacity = 0
	cfg.CompactionInterval = time.Hour
	e, err := Open(cfg, WithLogger(log.NewNopLogger()))
	require.NoError(t, err)
	for i := 0; i < 200; i++ {
		require.NoError(t, e.Put(key(i), value(i, 1)))
	}
	flush(t, e)
	v := e.versions.Current()
	number := v.Files(0)[0].Number
	v.Unref()
	require.NoError(t, e.Close())

	path := sstable.FileName(cfg.Dir, number)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	data[10] ^= 0xff
	require.NoError(t, os.WriteFile(path, data, 0o644))

	e = openEngine(t, cfg)
	_, _, err = e.Get(key(0))
	assert.ErrorIs(t, err, ErrCorruption)
	assert.Equal(t, []uint64{number}, e.CorruptTables())

	// Keys in undamaged blocks still read
	got, ok, err := e.Get(key(199))
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, value(199, 1), got)
}

func TestStats(t *testing.T) {
	e := openEngine(t, testConfig(t))
	require.NoError(t, e.Put([]byte("a"), []byte("1")))
	_, _, err := e.Get([]byte("a"))
	require.NoError(t, err)
	flush(t, e)

	s := e.Stats()
	assert.Contains(t, s, "levels")
	assert.Contains(t, s, "block_cache_hits")
	assert.Contains(t, s, "compactions_completed")
	assert.Equal(t, uint64(1), s["last_sequence"])
	assert.NotEmpty(t, s["db_id"])
	levels := s["levels"].([]map[string]interface{})
	assert.Equal(t, 1, levels[0]["files"])
}

func TestTelemetry(t *testing.T) {
	rec := telemetry.NewRecorder()
	e, err := Open(testConfig(t), WithLogger(log.NewNopLogger()), WithTelemetry(rec))
	require.NoError(t, err)
	defer e.Close()

	require.NoError(t, e.Put([]byte("a"), []byte("1")))
	require.NoError(t, e.Delete([]byte("b")))
	_, _, err = e.Get([]byte("a"))
	require.NoError(t, err)
	flush(t, e)

	assert.Equal(t, int64(3), rec.CounterValue("lsmtree.engine.operation.count"))
	assert.Equal(t, uint64(3), rec.HistogramCount("lsmtree.engine.operation.duration"))

	// The flush is recorded just after its waiters are released
	assert.Eventually(t, func() bool {
		return rec.CounterValue("lsmtree.engine.flush.entries") == 2
	}, time.Second, 10*time.Millisecond)
	assert.Eventually(t, func() bool {
		for _, name := range rec.SpanNames() {
			if name == "lsmtree.engine.flush" {
				return true
			}
		}
		return false
	}, time.Second, 10*time.Millisecond)
}
