package reftable

import (
	"strings"
)

// MergedTable is a read-only view over tables ordered from oldest to newest. For records with the
// same key the newest table wins.
type MergedTable struct {
	tables []*Table
}

// NewMergedTable creates a merged view over the given tables, oldest first.
func NewMergedTable(tables ...*Table) *MergedTable {
	return &MergedTable{tables: tables}
}

// Merge creates a view over the receiver and the given merged tables, with later tables shadowing
// earlier ones.
func (m *MergedTable) Merge(others ...*MergedTable) *MergedTable {
	tables := append([]*Table{}, m.tables...)
	for _, other := range others {
		tables = append(tables, other.tables...)
	}
	return &MergedTable{tables: tables}
}

// Tables returns the tables of the view, oldest first.
func (m *MergedTable) Tables() []*Table {
	return m.tables
}

// ReadRef looks up the newest record of the given reference. Returns ErrNotExist if there is no
// such record or if the newest record is a tombstone.
func (m *MergedTable) ReadRef(name string) (RefRecord, error) {
	for i := len(m.tables) - 1; i >= 0; i-- {
		table := m.tables[i]
		if pos := table.seekRef(name); pos < len(table.refs) && table.refs[pos].RefName == name {
			if table.refs[pos].IsDeletion() {
				return RefRecord{}, ErrNotExist
			}
			return table.refs[pos], nil
		}
	}

	return RefRecord{}, ErrNotExist
}

// SeekRef returns an iterator over all live references starting with prefix, in name order.
func (m *MergedTable) SeekRef(prefix string) *RefIterator {
	return m.newRefIterator(prefix, true)
}

// SeekLog returns an iterator over all live log records starting at the newest entry of name.
// Records are ordered by name and by decreasing update index. The iterator does not stop at the
// end of name's log.
func (m *MergedTable) SeekLog(name string) *LogIterator {
	return m.newLogIterator(name, true)
}

func (m *MergedTable) newRefIterator(prefix string, suppressDeletions bool) *RefIterator {
	it := &RefIterator{
		tables:            m.tables,
		pos:               make([]int, len(m.tables)),
		prefix:            prefix,
		suppressDeletions: suppressDeletions,
	}
	for i, table := range m.tables {
		it.pos[i] = table.seekRef(prefix)
	}
	return it
}

func (m *MergedTable) newLogIterator(name string, suppressDeletions bool) *LogIterator {
	it := &LogIterator{
		tables:            m.tables,
		pos:               make([]int, len(m.tables)),
		suppressDeletions: suppressDeletions,
	}
	for i, table := range m.tables {
		it.pos[i] = table.seekLog(name)
	}
	return it
}

// RefIterator iterates over reference records of a merged view.
type RefIterator struct {
	tables            []*Table
	pos               []int
	prefix            string
	suppressDeletions bool
}

// Next returns the next record. The boolean is false once the iterator is exhausted.
func (it *RefIterator) Next() (RefRecord, bool) {
	for {
		best := -1
		for i := len(it.tables) - 1; i >= 0; i-- {
			if it.pos[i] >= len(it.tables[i].refs) {
				continue
			}
			if best < 0 || it.tables[i].refs[it.pos[i]].RefName < it.tables[best].refs[it.pos[best]].RefName {
				best = i
			}
		}
		if best < 0 {
			return RefRecord{}, false
		}

		record := it.tables[best].refs[it.pos[best]]
		if !strings.HasPrefix(record.RefName, it.prefix) {
			return RefRecord{}, false
		}

		for i, table := range it.tables {
			if it.pos[i] < len(table.refs) && table.refs[it.pos[i]].RefName == record.RefName {
				it.pos[i]++
			}
		}

		if it.suppressDeletions && record.IsDeletion() {
			continue
		}

		return record, true
	}
}

// LogIterator iterates over log records of a merged view.
type LogIterator struct {
	tables            []*Table
	pos               []int
	suppressDeletions bool
}

// Next returns the next record. The boolean is false once the iterator is exhausted.
func (it *LogIterator) Next() (LogRecord, bool) {
	for {
		best := -1
		for i := len(it.tables) - 1; i >= 0; i-- {
			if it.pos[i] >= len(it.tables[i].logs) {
				continue
			}
			if best < 0 {
				best = i
				continue
			}

			candidate, current := it.tables[i].logs[it.pos[i]], it.tables[best].logs[it.pos[best]]
			if compareLogKeys(candidate.RefName, candidate.UpdateIndex, current.RefName, current.UpdateIndex) < 0 {
				best = i
			}
		}
		if best < 0 {
			return LogRecord{}, false
		}

		record := it.tables[best].logs[it.pos[best]]
		for i, table := range it.tables {
			if it.pos[i] >= len(table.logs) {
				continue
			}
			if current := table.logs[it.pos[i]]; current.RefName == record.RefName && current.UpdateIndex == record.UpdateIndex {
				it.pos[i]++
			}
		}

		if it.suppressDeletions && record.IsDeletion() {
			continue
		}

		return record, true
	}
}
