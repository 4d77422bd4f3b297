package reftable

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"
)

// segmentRange is a half-open range [start, end) of segments.
type segmentRange struct {
	start, end int
	bytes      int64
}

func (r segmentRange) size() int {
	return r.end - r.start
}

// suggestCompactionSegment finds the range of segments that needs to be merged so that segment
// sizes form a geometric sequence again, with every segment being at least factor times the size
// of its successor.
func suggestCompactionSegment(sizes []int64, factor int64) segmentRange {
	var seg segmentRange

	// The end of the range is the newest segment whose predecessor is too small.
	i := len(sizes) - 1
	for ; i > 0; i-- {
		if sizes[i-1] < sizes[i]*factor {
			seg.end = i + 1
			seg.bytes = sizes[i]
			break
		}
	}

	// Segments are merged backwards, so each predecessor is compared to the accumulated size of
	// everything merged so far.
	bytes := seg.bytes
	for ; i > 0; i-- {
		current := bytes
		bytes += sizes[i-1]
		if sizes[i-1] < current*factor {
			seg.start = i - 1
			seg.bytes = bytes
		}
	}

	return seg
}

// CompactAll merges all segments of the stack into a single one, dropping tombstones.
func (s *Stack) CompactAll() error {
	return s.compact(func(tables []*Table) segmentRange {
		return segmentRange{start: 0, end: len(tables)}
	})
}

// AutoCompact merges the newest segments if their sizes violate the geometric sequence.
func (s *Stack) AutoCompact() error {
	factor := int64(s.opts.GeometricFactor)
	return s.compact(func(tables []*Table) segmentRange {
		sizes := make([]int64, len(tables))
		for i, table := range tables {
			sizes[i] = table.size
		}
		return suggestCompactionSegment(sizes, factor)
	})
}

func (s *Stack) compact(selectRange func([]*Table) segmentRange) (returnedErr error) {
	if err := s.Reload(); err != nil {
		return err
	}

	// Check whether there is anything to do before contending for the lock.
	if selectRange(s.tables).size() < 2 {
		return nil
	}

	s.stats.Attempts++
	defer func() {
		if returnedErr != nil {
			s.stats.Failures++
		}
	}()

	lock, err := s.lockTableList()
	if err != nil {
		return err
	}
	defer func() { _ = lock.Close() }()

	if err := s.Reload(); err != nil {
		return err
	}

	selected := selectRange(s.tables)
	if selected.size() < 2 {
		return nil
	}

	first, last := selected.start, selected.end-1
	name, err := s.writeSegment(s.mergeSegments(first, last))
	if err != nil {
		return err
	}

	names := s.tableNames()
	newNames := append(append(append([]string{}, names[:first]...), name), names[last+1:]...)

	if _, err := lock.Write([]byte(strings.Join(newNames, "\n") + "\n")); err != nil {
		_ = os.Remove(filepath.Join(s.dir, name))
		return fmt.Errorf("writing table list: %w", err)
	}
	if err := lock.Commit(); err != nil {
		_ = os.Remove(filepath.Join(s.dir, name))
		return fmt.Errorf("committing table list: %w", err)
	}

	// Readers that loaded the old list retry their reload, see Reload.
	for _, obsolete := range names[first : last+1] {
		path := filepath.Join(s.dir, obsolete)
		s.cache.evict(path)
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			s.logger.WithError(err).WithField("segment", obsolete).Warn("removing compacted segment")
		}
	}

	s.stats.Compacted += uint64(last - first + 1)
	s.logger.WithFields(logrus.Fields{
		"segments_merged": last - first + 1,
		"segments_total":  len(newNames),
		"segment":         name,
	}).Info("compacted reftable stack")

	return s.Reload()
}

// mergeSegments merges the given range of tables into a single segment. Tombstones are only
// needed to shadow records of older segments, so they are dropped when the oldest segment is part
// of the range.
func (s *Stack) mergeSegments(first, last int) segment {
	tables := s.tables[first : last+1]
	merged := NewMergedTable(tables...)
	dropDeletions := first == 0

	seg := segment{
		minUpdateIndex: tables[0].minUpdateIndex,
		maxUpdateIndex: tables[len(tables)-1].maxUpdateIndex,
	}

	refs := merged.newRefIterator("", dropDeletions)
	for ref, ok := refs.Next(); ok; ref, ok = refs.Next() {
		seg.refs = append(seg.refs, ref)
	}

	logs := merged.newLogIterator("", dropDeletions)
	for log, ok := logs.Next(); ok; log, ok = logs.Next() {
		seg.logs = append(seg.logs, log)
	}

	return seg
}

// Clean removes segment files which are not referenced by the table list anymore and which are
// covered by the stack's update indices, e.g. leftovers of interrupted compactions.
func (s *Stack) Clean() error {
	lock, err := s.lockTableList()
	if err != nil {
		return err
	}
	defer func() { _ = lock.Close() }()

	if err := s.Reload(); err != nil {
		return err
	}

	live := make(map[string]bool, len(s.tables))
	for _, table := range s.tables {
		live[table.name] = true
	}
	maxUpdateIndex := s.NextUpdateIndex() - 1

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return fmt.Errorf("reading stack directory: %w", err)
	}

	removed := 0
	for _, entry := range entries {
		name := entry.Name()
		if live[name] || !strings.HasSuffix(name, segmentSuffix) {
			continue
		}

		_, segmentMax, ok := parseSegmentName(name)
		if !ok || segmentMax > maxUpdateIndex {
			continue
		}

		if err := os.Remove(filepath.Join(s.dir, name)); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("removing stale segment: %w", err)
		}
		removed++
	}

	if removed > 0 {
		s.logger.WithField("segments_removed", removed).Info("cleaned reftable stack")
	}

	return nil
}
