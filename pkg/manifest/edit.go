package manifest

// DeletedTable names a table removed from a level
type DeletedTable struct {
	Level  int
	Number uint64
}

// Edit is a set of changes applied atomically to the current version
type Edit struct {
	Added   []*TableMeta
	Deleted []DeletedTable

	// LogNumber, when non-zero, is the oldest WAL segment still needed
	LogNumber uint64

	// LastSequence, when non-zero, raises the persisted sequence number
	LastSequence uint64
}

// AddTable records a new table at level
func (e *Edit) AddTable(level int, t *TableMeta) {
	t.Level = level
	e.Added = append(e.Added, t)
}

// DeleteTable records the removal of table number from level
func (e *Edit) DeleteTable(level int, number uint64) {
	e.Deleted = append(e.Deleted, DeletedTable{Level: level, Number: number})
}
