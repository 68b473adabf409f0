package engine

import (
	"github.com/KevoDB/lsmtree/pkg/common/iterator"
	"github.com/KevoDB/lsmtree/pkg/common/iterator/bounded"
	"github.com/KevoDB/lsmtree/pkg/common/iterator/concat"
	"github.com/KevoDB/lsmtree/pkg/common/iterator/filtered"
	"github.com/KevoDB/lsmtree/pkg/common/iterator/merge"
	"github.com/KevoDB/lsmtree/pkg/sstable"
	"github.com/KevoDB/lsmtree/pkg/stats"
)

// Bound is one end of a key range. A nil *Bound leaves that side open.
type Bound = bounded.Bound

// Included returns a bound that admits key itself
func Included(key []byte) *Bound {
	return bounded.Included(key)
}

// Excluded returns a bound that stops short of key
func Excluded(key []byte) *Bound {
	return bounded.Excluded(key)
}

// IterOptions configures an iterator
type IterOptions struct {
	Lower   *Bound
	Upper   *Bound
	Reverse bool
}

// Iterator walks live keys in order over a point-in-time snapshot. Writes
// made after it was created are not visible. It must be closed.
type Iterator struct {
	snap    *snapshot
	iter    *bounded.BoundedIterator
	reverse bool
	started bool
	closed  bool
	key     []byte
	value   []byte
	err     error
}

// Iter returns an iterator over every live key in ascending order
func (e *Engine) Iter() (*Iterator, error) {
	return e.NewIterator(IterOptions{})
}

// Range returns an iterator over the live keys between lower and upper
func (e *Engine) Range(lower, upper *Bound) (*Iterator, error) {
	return e.NewIterator(IterOptions{Lower: lower, Upper: upper})
}

// NewIterator returns an iterator configured by opts
func (e *Engine) NewIterator(opts IterOptions) (*Iterator, error) {
	if e.closed.Load() {
		return nil, ErrClosed
	}

	op := stats.OpScan
	if opts.Lower != nil || opts.Upper != nil {
		op = stats.OpScanRange
	}
	e.stats.TrackOperation(op)

	snap, err := e.acquireSnapshot()
	if err != nil {
		return nil, err
	}
	sources, err := snap.sources(e.tables, opts.Lower, opts.Upper)
	if err != nil {
		snap.release()
		e.stats.TrackError("read_error")
		return nil, err
	}

	live := filtered.NewLiveIterator(merge.NewMergeIterator(sources))
	return &Iterator{
		snap:    snap,
		iter:    bounded.NewBoundedIterator(live, opts.Lower, opts.Upper),
		reverse: opts.Reverse,
	}, nil
}

// sources returns one cursor per memtable, per level 0 table and per deeper
// level, newest first. Tables outside [lower, upper] are left out.
func (s *snapshot) sources(tables *sstable.TableCache, lower, upper *Bound) ([]iterator.Iterator, error) {
	var lo, hi []byte
	if lower != nil {
		lo = lower.Key
	}
	if upper != nil {
		hi = upper.Key
	}

	out := make([]iterator.Iterator, 0, len(s.memtables)+s.version.NumFiles(0)+s.version.NumLevels())
	for _, m := range s.memtables {
		out = append(out, m.NewSnapshotIterator(s.seq))
	}

	fail := func(err error) ([]iterator.Iterator, error) {
		for _, it := range out {
			iterator.Close(it)
		}
		return nil, err
	}

	for _, t := range s.version.Overlapping(0, lo, hi) {
		r, err := tables.Reader(t.Number)
		if err != nil {
			return fail(err)
		}
		out = append(out, r.NewIterator())
	}

	for level := 1; level < s.version.NumLevels(); level++ {
		files := s.version.Overlapping(level, lo, hi)
		if len(files) == 0 {
			continue
		}
		members := make([]concat.File, len(files))
		for i, t := range files {
			r, err := tables.Reader(t.Number)
			if err != nil {
				return fail(err)
			}
			members[i] = concat.File{
				Smallest: t.Smallest,
				Largest:  t.Largest,
				Open:     func() iterator.Iterator { return r.NewIterator() },
			}
		}
		out = append(out, concat.NewConcatIterator(members))
	}
	return out, nil
}

// Next advances to the next key and reports whether there is one
func (it *Iterator) Next() bool {
	if it.closed || it.err != nil {
		return false
	}

	var ok bool
	switch {
	case !it.started:
		it.started = true
		if it.reverse {
			it.iter.SeekToLast()
		} else {
			it.iter.SeekToFirst()
		}
		ok = it.iter.Valid()
	case it.reverse:
		ok = it.iter.Prev()
	default:
		ok = it.iter.Next()
	}

	if !ok {
		it.key, it.value = nil, nil
		it.err = it.iter.Err()
		return false
	}
	it.key = append([]byte(nil), it.iter.Key()...)
	it.value = append([]byte{}, it.iter.Value()...)
	return true
}

// Key returns the current key. The slice belongs to the caller.
func (it *Iterator) Key() []byte {
	return it.key
}

// Value returns the current value. The slice belongs to the caller.
func (it *Iterator) Value() []byte {
	return it.value
}

// Err returns the error that ended the iteration, if any
func (it *Iterator) Err() error {
	return it.err
}

// Close releases the snapshot held by the iterator
func (it *Iterator) Close() error {
	if it.closed {
		return nil
	}
	it.closed = true
	it.key, it.value = nil, nil
	err := it.iter.Close()
	it.snap.release()
	return err
}
