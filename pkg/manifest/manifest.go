// Package manifest persists the set of live tables and the counters needed
// to reopen the database, and hands out immutable versions of that set.
package manifest

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/zeebo/blake3"

	"github.com/KevoDB/lsmtree/pkg/common/log"
)

const (
	// FileName is the name of the manifest inside the data directory
	FileName = "MANIFEST"

	// CurrentFormatVersion is the snapshot format written by this package
	CurrentFormatVersion = 1
)

var (
	// ErrCorruptManifest is returned when the manifest fails validation
	ErrCorruptManifest = errors.New("corrupt manifest")

	// ErrManifestNotFound is returned when no manifest exists yet
	ErrManifestNotFound = errors.New("manifest not found")
)

// snapshot is the persisted state
type snapshot struct {
	FormatVersion  int          `json:"format_version"`
	DBID           string       `json:"db_id"`
	NextFileNumber uint64       `json:"next_file_number"`
	LastSequence   uint64       `json:"last_sequence"`
	LogNumber      uint64       `json:"log_number"`
	NumLevels      int          `json:"num_levels"`
	Tables         []*TableMeta `json:"tables"`
}

// envelope wraps the snapshot with its checksum
type envelope struct {
	Checksum string          `json:"checksum"`
	Snapshot json.RawMessage `json:"snapshot"`
}

// Options configures a VersionSet
type Options struct {
	NumLevels int
	Logger    log.Logger

	// OnObsolete is called with tables that no live version references.
	// It runs on the goroutine releasing the last reference and must not
	// call back into the VersionSet.
	OnObsolete func([]*TableMeta)
}

// VersionSet owns the current version and the manifest file
type VersionSet struct {
	dir        string
	numLevels  int
	dbID       string
	logger     log.Logger
	onObsolete func([]*TableMeta)

	// mu serializes edits and guards current and logNumber
	mu        sync.Mutex
	current   *Version
	logNumber uint64

	nextFileNumber atomic.Uint64
	lastSequence   atomic.Uint64
	closed         atomic.Bool
}

// Open loads the manifest in dir, or creates a fresh one when none exists
func Open(dir string, opts Options) (*VersionSet, error) {
	if opts.NumLevels < 2 {
		opts.NumLevels = 7
	}
	if opts.Logger == nil {
		opts.Logger = log.Component("manifest")
	}

	vs := &VersionSet{
		dir:        dir,
		numLevels:  opts.NumLevels,
		logger:     opts.Logger,
		onObsolete: opts.OnObsolete,
	}

	snap, err := readSnapshot(dir)
	switch {
	case errors.Is(err, ErrManifestNotFound):
		vs.dbID = uuid.NewString()
		vs.nextFileNumber.Store(1)
		v := newVersion(vs, vs.numLevels)
		if err := vs.persist(v); err != nil {
			return nil, err
		}
		vs.install(v)
		vs.logger.Info("Created new manifest for database %s", vs.dbID)
		return vs, nil
	case err != nil:
		return nil, err
	}

	v, err := vs.restore(snap)
	if err != nil {
		return nil, err
	}
	vs.install(v)
	vs.logger.Info("Loaded manifest for database %s: %d tables, last sequence %d",
		vs.dbID, len(snap.Tables), snap.LastSequence)
	return vs, nil
}

// restore rebuilds the version described by a snapshot
func (vs *VersionSet) restore(snap *snapshot) (*Version, error) {
	if snap.FormatVersion != CurrentFormatVersion {
		return nil, fmt.Errorf("%w: unsupported format version %d", ErrCorruptManifest, snap.FormatVersion)
	}
	if snap.DBID == "" {
		return nil, fmt.Errorf("%w: missing database id", ErrCorruptManifest)
	}
	if snap.NumLevels > vs.numLevels {
		vs.numLevels = snap.NumLevels
	}

	vs.dbID = snap.DBID
	vs.logNumber = snap.LogNumber
	vs.lastSequence.Store(snap.LastSequence)
	vs.nextFileNumber.Store(snap.NextFileNumber)

	v := newVersion(vs, vs.numLevels)
	seen := make(map[uint64]bool, len(snap.Tables))
	for _, t := range snap.Tables {
		if t == nil || t.Level < 0 || t.Level >= vs.numLevels || seen[t.Number] {
			return nil, fmt.Errorf("%w: invalid table entry", ErrCorruptManifest)
		}
		if t.Number >= snap.NextFileNumber {
			return nil, fmt.Errorf("%w: table %d beyond next file number %d",
				ErrCorruptManifest, t.Number, snap.NextFileNumber)
		}
		seen[t.Number] = true
		v.levels[t.Level] = append(v.levels[t.Level], t)
	}
	v.sortLevels()
	if level := v.checkOverlap(); level >= 0 {
		return nil, fmt.Errorf("%w: overlapping tables in level %d", ErrCorruptManifest, level)
	}
	return v, nil
}

func readSnapshot(dir string) (*snapshot, error) {
	data, err := os.ReadFile(filepath.Join(dir, FileName))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrManifestNotFound
		}
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}

	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptManifest, err)
	}
	var body bytes.Buffer
	if err := json.Compact(&body, env.Snapshot); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptManifest, err)
	}
	sum := blake3.Sum256(body.Bytes())
	if hex.EncodeToString(sum[:]) != env.Checksum {
		return nil, fmt.Errorf("%w: checksum mismatch", ErrCorruptManifest)
	}

	var snap snapshot
	if err := json.Unmarshal(env.Snapshot, &snap); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptManifest, err)
	}
	return &snap, nil
}

// persist atomically replaces the manifest with the state of v
func (vs *VersionSet) persist(v *Version) error {
	snap := snapshot{
		FormatVersion:  CurrentFormatVersion,
		DBID:           vs.dbID,
		NextFileNumber: vs.nextFileNumber.Load(),
		LastSequence:   vs.lastSequence.Load(),
		LogNumber:      vs.logNumber,
		NumLevels:      vs.numLevels,
		Tables:         v.AllFiles(),
	}
	if snap.Tables == nil {
		snap.Tables = []*TableMeta{}
	}

	body, err := json.Marshal(&snap)
	if err != nil {
		return fmt.Errorf("failed to marshal manifest: %w", err)
	}
	sum := blake3.Sum256(body)
	data, err := json.Marshal(envelope{
		Checksum: hex.EncodeToString(sum[:]),
		Snapshot: body,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal manifest: %w", err)
	}

	path := filepath.Join(vs.dir, FileName)
	tmpPath := path + ".tmp"
	if err := writeFileSync(tmpPath, data); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to write manifest: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to rename manifest: %w", err)
	}
	// Past the rename the new manifest is what a reopen reads, so it counts
	// as applied even if the directory entry is not yet durable
	if err := syncDir(vs.dir); err != nil {
		vs.logger.Warn("Failed to sync manifest directory: %v", err)
	}
	return nil
}

// install makes v current, taking the set's reference on it
func (vs *VersionSet) install(v *Version) {
	for _, t := range v.AllFiles() {
		t.refs.Add(1)
	}
	v.Ref()
	old := vs.current
	vs.current = v
	if old != nil {
		old.Unref()
	}
}

// LogAndApply builds a version from the current one plus edit, persists it
// and installs it. On failure the current version is left untouched.
func (vs *VersionSet) LogAndApply(edit *Edit) error {
	vs.mu.Lock()
	defer vs.mu.Unlock()

	base := vs.current
	v := newVersion(vs, vs.numLevels)

	deleted := make(map[DeletedTable]bool, len(edit.Deleted))
	for _, d := range edit.Deleted {
		deleted[d] = true
	}
	for level, files := range base.levels {
		for _, t := range files {
			key := DeletedTable{Level: level, Number: t.Number}
			if deleted[key] {
				delete(deleted, key)
				continue
			}
			v.levels[level] = append(v.levels[level], t)
		}
	}
	if len(deleted) > 0 {
		return fmt.Errorf("edit deletes %d tables missing from the current version", len(deleted))
	}
	for _, t := range edit.Added {
		if t.Level < 0 || t.Level >= vs.numLevels {
			return fmt.Errorf("edit adds table %d at invalid level %d", t.Number, t.Level)
		}
		v.levels[t.Level] = append(v.levels[t.Level], t)
	}
	v.sortLevels()
	if level := v.checkOverlap(); level >= 0 {
		return fmt.Errorf("edit leaves overlapping tables in level %d", level)
	}

	prevLog := vs.logNumber
	prevSeq := vs.lastSequence.Load()
	if edit.LogNumber > vs.logNumber {
		vs.logNumber = edit.LogNumber
	}
	if edit.LastSequence > prevSeq {
		vs.lastSequence.Store(edit.LastSequence)
	}

	if err := vs.persist(v); err != nil {
		vs.logNumber = prevLog
		vs.lastSequence.Store(prevSeq)
		return err
	}

	vs.install(v)
	vs.logger.Debug("Applied manifest edit: +%d -%d tables", len(edit.Added), len(edit.Deleted))
	return nil
}

// Current returns the current version with a reference held for the caller,
// who must Unref it.
func (vs *VersionSet) Current() *Version {
	vs.mu.Lock()
	defer vs.mu.Unlock()
	vs.current.Ref()
	return vs.current
}

// NewFileNumber allocates a file number for a table or WAL segment
func (vs *VersionSet) NewFileNumber() uint64 {
	return vs.nextFileNumber.Add(1) - 1
}

// NextFileNumber returns the number the next allocation will hand out
func (vs *VersionSet) NextFileNumber() uint64 {
	return vs.nextFileNumber.Load()
}

// MarkFileNumberUsed ensures future allocations stay above n
func (vs *VersionSet) MarkFileNumberUsed(n uint64) {
	for {
		cur := vs.nextFileNumber.Load()
		if cur > n || vs.nextFileNumber.CompareAndSwap(cur, n+1) {
			return
		}
	}
}

// LastSequence returns the highest sequence number recorded
func (vs *VersionSet) LastSequence() uint64 {
	return vs.lastSequence.Load()
}

// LogNumber returns the oldest WAL segment that must be replayed on open
func (vs *VersionSet) LogNumber() uint64 {
	vs.mu.Lock()
	defer vs.mu.Unlock()
	return vs.logNumber
}

// DBID returns the database identity
func (vs *VersionSet) DBID() string {
	return vs.dbID
}

// NumLevels returns the number of levels
func (vs *VersionSet) NumLevels() int {
	return vs.numLevels
}

// Dir returns the data directory
func (vs *VersionSet) Dir() string {
	return vs.dir
}

func (vs *VersionSet) obsolete(tables []*TableMeta) {
	if !vs.closed.Load() && vs.onObsolete != nil {
		vs.onObsolete(tables)
	}
}

// Close drops the set's reference on the current version. Tables that are
// still live are not reported obsolete.
func (vs *VersionSet) Close() {
	vs.mu.Lock()
	defer vs.mu.Unlock()
	vs.closed.Store(true)
	if vs.current != nil {
		vs.current.Unref()
		vs.current = nil
	}
}

func writeFileSync(path string, data []byte) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

var syncDir = func(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	if err := d.Sync(); err != nil {
		d.Close()
		return err
	}
	return d.Close()
}
