package manifest

import (
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/KevoDB/lsmtree/pkg/common/log"
)

func table(num uint64, smallest, largest string) *TableMeta {
	return &TableMeta{
		Number:   num,
		Size:     100,
		Smallest: []byte(smallest),
		Largest:  []byte(largest),
	}
}

type obsoleteRecorder struct {
	mu      sync.Mutex
	numbers []uint64
}

func (r *obsoleteRecorder) record(tables []*TableMeta) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, t := range tables {
		r.numbers = append(r.numbers, t.Number)
	}
}

func (r *obsoleteRecorder) get() []uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]uint64(nil), r.numbers...)
}

func openTest(t *testing.T, dir string, rec *obsoleteRecorder) *VersionSet {
	t.Helper()
	opts := Options{NumLevels: 4, Logger: log.NewNopLogger()}
	if rec != nil {
		opts.OnObsolete = rec.record
	}
	vs, err := Open(dir, opts)
	require.NoError(t, err)
	return vs
}

func TestOpenCreatesManifest(t *testing.T) {
	dir := t.TempDir()
	vs := openTest(t, dir, nil)
	defer vs.Close()

	_, err := os.Stat(filepath.Join(dir, FileName))
	require.NoError(t, err)
	assert.NotEmpty(t, vs.DBID())
	assert.Equal(t, uint64(0), vs.LastSequence())

	v := vs.Current()
	defer v.Unref()
	assert.Equal(t, 4, v.NumLevels())
	assert.Empty(t, v.AllFiles())
}

func TestLogAndApplyPersists(t *testing.T) {
	dir := t.TempDir()
	vs := openTest(t, dir, nil)
	id := vs.DBID()

	n1, n2, n3 := vs.NewFileNumber(), vs.NewFileNumber(), vs.NewFileNumber()
	assert.True(t, n1 < n2 && n2 < n3)

	edit := &Edit{LogNumber: n3, LastSequence: 42}
	edit.AddTable(0, table(n1, "a", "m"))
	edit.AddTable(0, table(n2, "c", "z"))
	require.NoError(t, vs.LogAndApply(edit))
	vs.Close()

	reopened := openTest(t, dir, nil)
	defer reopened.Close()

	assert.Equal(t, id, reopened.DBID())
	assert.Equal(t, uint64(42), reopened.LastSequence())
	assert.Equal(t, n3, reopened.LogNumber())
	assert.Greater(t, reopened.NewFileNumber(), n3)

	v := reopened.Current()
	defer v.Unref()
	files := v.Files(0)
	require.Len(t, files, 2)
	// L0 is newest first.
	assert.Equal(t, n2, files[0].Number)
	assert.Equal(t, n1, files[1].Number)
	assert.Equal(t, []byte("c"), files[0].Smallest)
}

func TestLevelsStaySortedAndDisjoint(t *testing.T) {
	vs := openTest(t, t.TempDir(), nil)
	defer vs.Close()

	edit := &Edit{}
	edit.AddTable(1, table(vs.NewFileNumber(), "m", "p"))
	edit.AddTable(1, table(vs.NewFileNumber(), "a", "c"))
	require.NoError(t, vs.LogAndApply(edit))

	v := vs.Current()
	files := v.Files(1)
	require.Len(t, files, 2)
	assert.Equal(t, []byte("a"), files[0].Smallest)
	assert.Equal(t, []byte("m"), files[1].Smallest)
	assert.Len(t, v.Overlapping(1, []byte("b"), []byte("n")), 2)
	assert.Len(t, v.Overlapping(1, []byte("d"), []byte("l")), 0)
	assert.Len(t, v.Overlapping(1, nil, []byte("a")), 1)
	assert.Equal(t, uint64(200), v.LevelSize(1))
	assert.Equal(t, 1, v.DeepestNonEmptyLevel())
	v.Unref()

	bad := &Edit{}
	bad.AddTable(1, table(vs.NewFileNumber(), "b", "n"))
	assert.Error(t, vs.LogAndApply(bad))

	after := vs.Current()
	defer after.Unref()
	assert.Equal(t, 2, after.NumFiles(1), "failed edit must leave the version untouched")
}

func TestDeleteMissingTableFails(t *testing.T) {
	vs := openTest(t, t.TempDir(), nil)
	defer vs.Close()

	edit := &Edit{}
	edit.DeleteTable(0, 99)
	assert.Error(t, vs.LogAndApply(edit))
}

func TestObsoleteAfterLastReference(t *testing.T) {
	rec := &obsoleteRecorder{}
	vs := openTest(t, t.TempDir(), rec)
	defer vs.Close()

	n1 := vs.NewFileNumber()
	add := &Edit{}
	add.AddTable(0, table(n1, "a", "b"))
	require.NoError(t, vs.LogAndApply(add))

	reader := vs.Current()

	n2 := vs.NewFileNumber()
	compact := &Edit{}
	compact.DeleteTable(0, n1)
	compact.AddTable(1, table(n2, "a", "b"))
	require.NoError(t, vs.LogAndApply(compact))

	assert.Empty(t, rec.get(), "table still referenced by a reader")
	assert.Len(t, reader.Files(0), 1)

	reader.Unref()
	assert.Equal(t, []uint64{n1}, rec.get())
}

func TestCloseDoesNotReportLiveTables(t *testing.T) {
	rec := &obsoleteRecorder{}
	vs := openTest(t, t.TempDir(), rec)

	edit := &Edit{}
	edit.AddTable(0, table(vs.NewFileNumber(), "a", "b"))
	require.NoError(t, vs.LogAndApply(edit))
	vs.Close()

	assert.Empty(t, rec.get())
}

func TestCorruptManifest(t *testing.T) {
	dir := t.TempDir()
	vs := openTest(t, dir, nil)
	edit := &Edit{LastSequence: 7}
	edit.AddTable(0, table(vs.NewFileNumber(), "a", "b"))
	require.NoError(t, vs.LogAndApply(edit))
	vs.Close()

	path := filepath.Join(dir, FileName)
	data, err := os.ReadFile(path)
	require.NoError(t, err)

	// Tamper with the snapshot body without fixing the checksum.
	tampered := []byte(string(data))
	for i := range tampered {
		if tampered[i] == '7' {
			tampered[i] = '8'
			break
		}
	}
	require.NoError(t, os.WriteFile(path, tampered, 0o644))
	_, err = Open(dir, Options{Logger: log.NewNopLogger()})
	assert.True(t, errors.Is(err, ErrCorruptManifest), "got %v", err)

	require.NoError(t, os.WriteFile(path, []byte("not json"), 0o644))
	_, err = Open(dir, Options{Logger: log.NewNopLogger()})
	assert.True(t, errors.Is(err, ErrCorruptManifest), "got %v", err)
}

func TestMarkFileNumberUsed(t *testing.T) {
	vs := openTest(t, t.TempDir(), nil)
	defer vs.Close()

	vs.MarkFileNumberUsed(50)
	assert.Equal(t, uint64(51), vs.NewFileNumber())
	vs.MarkFileNumberUsed(10)
	assert.Equal(t, uint64(52), vs.NewFileNumber())
}

func TestNextFileNumberDoesNotAllocate(t *testing.T) {
	vs := openTest(t, t.TempDir(), nil)
	defer vs.Close()

	next := vs.NextFileNumber()
	assert.Equal(t, next, vs.NextFileNumber())
	assert.Equal(t, next, vs.NewFileNumber())
	assert.Equal(t, next+1, vs.NextFileNumber())
}

func TestDirectorySyncFailureStillApplies(t *testing.T) {
	dir := t.TempDir()
	vs := openTest(t, dir, nil)

	orig := syncDir
	syncDir = func(string) error { return errors.New("sync failed") }
	defer func() { syncDir = orig }()

	n := vs.NewFileNumber()
	edit := &Edit{LastSequence: 7}
	edit.AddTable(0, table(n, "a", "b"))
	require.NoError(t, vs.LogAndApply(edit))

	// The renamed manifest and the installed version agree
	v := vs.Current()
	require.Len(t, v.Files(0), 1)
	v.Unref()
	vs.Close()

	syncDir = orig
	reopened := openTest(t, dir, nil)
	defer reopened.Close()
	v = reopened.Current()
	defer v.Unref()
	require.Len(t, v.Files(0), 1)
	assert.Equal(t, n, v.Files(0)[0].Number)
	assert.Equal(t, uint64(7), reopened.LastSequence())
}
