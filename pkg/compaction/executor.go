package compaction

import (
	"errors"
	"fmt"
	"os"

	"github.com/KevoDB/lsmtree/pkg/common/iterator"
	"github.com/KevoDB/lsmtree/pkg/common/iterator/merge"
	"github.com/KevoDB/lsmtree/pkg/common/kv"
	"github.com/KevoDB/lsmtree/pkg/common/log"
	"github.com/KevoDB/lsmtree/pkg/config"
	"github.com/KevoDB/lsmtree/pkg/manifest"
	"github.com/KevoDB/lsmtree/pkg/sstable"
)

// Result describes the output of a finished compaction
type Result struct {
	Outputs           []*manifest.TableMeta
	BytesRead         uint64
	BytesWritten      uint64
	EntriesIn         uint64
	EntriesOut        uint64
	TombstonesDropped uint64
}

// Executor merges the inputs of a task into new tables
type Executor struct {
	cfg           *config.Config
	dir           string
	tables        Tables
	newFileNumber func() uint64
	logger        log.Logger
}

// NewExecutor creates a new compaction executor writing tables into dir
// under numbers drawn from newFileNumber
func NewExecutor(cfg *config.Config, dir string, tables Tables, newFileNumber func() uint64, logger log.Logger) *Executor {
	if logger == nil {
		logger = log.Component("compaction")
	}
	return &Executor{
		cfg:           cfg,
		dir:           dir,
		tables:        tables,
		newFileNumber: newFileNumber,
		logger:        logger,
	}
}

func (e *Executor) writerOptions() sstable.WriterOptions {
	return sstable.WriterOptions{
		BlockSize:       e.cfg.BlockSize,
		RestartInterval: e.cfg.RestartInterval,
		BloomBitsPerKey: e.cfg.BloomBitsPerKey,
		Compression:     e.cfg.Compression,
	}
}

// Execute merges the task's inputs and writes the surviving entries into
// tables of at most TargetFileSize bytes each. Tombstones are dropped where
// filter allows; a nil filter keeps all of them. On error every output
// written so far is removed.
func (e *Executor) Execute(task *Task, filter TombstoneFilter) (res *Result, err error) {
	if filter == nil {
		filter = keepAll{}
	}

	inputs := task.Tables()
	sources := make([]iterator.Iterator, 0, len(inputs))
	res = &Result{}
	for _, tm := range inputs {
		r, err := e.tables.Reader(tm.Number)
		if err != nil {
			closeAll(sources)
			return nil, err
		}
		sources = append(sources, r.NewIterator())
		res.BytesRead += tm.Size
		res.EntriesIn += tm.NumEntries
	}

	merged := merge.NewMergeIterator(sources)
	defer merged.Close()

	var (
		writer *sstable.Writer
		number uint64
	)
	defer func() {
		if err == nil {
			return
		}
		if writer != nil {
			writer.Abort()
		}
		for _, out := range res.Outputs {
			os.Remove(sstable.FileName(e.dir, out.Number))
		}
		res = nil
	}()

	finish := func() error {
		props, err := writer.Finish()
		writer = nil
		if err != nil {
			return fmt.Errorf("failed to finish table %d: %w", number, err)
		}
		res.Outputs = append(res.Outputs, NewTableMeta(number, props))
		res.BytesWritten += props.FileSize
		return nil
	}

	for merged.SeekToFirst(); merged.Valid(); merged.Next() {
		tombstone := merged.IsTombstone()
		if tombstone && !filter.ShouldKeep(merged.Key()) {
			res.TombstonesDropped++
			continue
		}

		if writer == nil {
			number = e.newFileNumber()
			writer, err = sstable.NewWriter(sstable.FileName(e.dir, number), e.writerOptions())
			if err != nil {
				return nil, fmt.Errorf("failed to create table %d: %w", number, err)
			}
		}

		entry := kv.Entry{
			Key:    merged.Key(),
			Value:  merged.Value(),
			SeqNum: merged.SeqNum(),
			Kind:   kv.KindValue,
		}
		if tombstone {
			entry.Value = nil
			entry.Kind = kv.KindDeletion
		}
		if err = writer.Add(entry); err != nil {
			return nil, fmt.Errorf("failed to add entry to table %d: %w", number, err)
		}
		res.EntriesOut++

		if int64(writer.EstimatedSize()) >= e.cfg.TargetFileSize {
			if err = finish(); err != nil {
				return nil, err
			}
		}
	}
	if err = merged.Err(); err != nil {
		if errors.Is(err, sstable.ErrCorruption) {
			return nil, fmt.Errorf("compaction input is corrupt: %w", err)
		}
		return nil, fmt.Errorf("failed to read compaction inputs: %w", err)
	}

	if writer != nil {
		if err = finish(); err != nil {
			return nil, err
		}
	}

	e.logger.Debug("Compaction %s wrote %d tables: %d entries in, %d out, %d tombstones dropped",
		task, len(res.Outputs), res.EntriesIn, res.EntriesOut, res.TombstonesDropped)
	return res, nil
}

func closeAll(its []iterator.Iterator) {
	for _, it := range its {
		iterator.Close(it)
	}
}
