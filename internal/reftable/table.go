package reftable

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru"
	"gitlab.com/gitlab-org/refstore/internal/git"
)

// segmentSuffix is the file extension of segment files.
const segmentSuffix = ".ref"

var segmentNameRegexp = regexp.MustCompile(`\A0x([0-9a-f]{12})-0x([0-9a-f]{12})-[0-9a-f]{8}\.ref\z`)

// newSegmentName returns a unique file name for a segment covering the given update indices.
func newSegmentName(minUpdateIndex, maxUpdateIndex uint64) string {
	return fmt.Sprintf("0x%012x-0x%012x-%08x%s", minUpdateIndex, maxUpdateIndex, uuid.New().ID(), segmentSuffix)
}

// parseSegmentName extracts the update index limits from a segment file name.
func parseSegmentName(name string) (uint64, uint64, bool) {
	matches := segmentNameRegexp.FindStringSubmatch(name)
	if matches == nil {
		return 0, 0, false
	}

	minUpdateIndex, err := strconv.ParseUint(matches[1], 16, 64)
	if err != nil {
		return 0, 0, false
	}
	maxUpdateIndex, err := strconv.ParseUint(matches[2], 16, 64)
	if err != nil {
		return 0, 0, false
	}

	return minUpdateIndex, maxUpdateIndex, true
}

// Table is a single immutable segment loaded into memory.
type Table struct {
	name string
	size int64
	segment
}

// Name returns the file name of the segment.
func (t *Table) Name() string {
	return t.name
}

// Size returns the size of the segment's payload in bytes.
func (t *Table) Size() int64 {
	return t.size
}

// MinUpdateIndex returns the lowest update index covered by the segment.
func (t *Table) MinUpdateIndex() uint64 {
	return t.minUpdateIndex
}

// MaxUpdateIndex returns the highest update index covered by the segment.
func (t *Table) MaxUpdateIndex() uint64 {
	return t.maxUpdateIndex
}

// seekRef returns the position of the first reference that sorts at or after name.
func (t *Table) seekRef(name string) int {
	return sort.Search(len(t.refs), func(i int) bool {
		return t.refs[i].RefName >= name
	})
}

// seekLog returns the position of the newest log entry of name or the first one sorting after.
func (t *Table) seekLog(name string) int {
	return sort.Search(len(t.logs), func(i int) bool {
		return strings.Compare(t.logs[i].RefName, name) >= 0
	})
}

// SegmentCache caches decoded segments across stacks. Segment files are immutable and carry
// unique names, so entries never need to be invalidated.
type SegmentCache struct {
	lru *lru.Cache
}

// DefaultSegmentCacheSize is the number of segments cached if no size is configured.
const DefaultSegmentCacheSize = 256

// NewSegmentCache creates a new cache holding at most size segments.
func NewSegmentCache(size int) (*SegmentCache, error) {
	if size <= 0 {
		size = DefaultSegmentCacheSize
	}

	cache, err := lru.New(size)
	if err != nil {
		return nil, fmt.Errorf("creating segment cache: %w", err)
	}

	return &SegmentCache{lru: cache}, nil
}

// Len returns the number of cached segments.
func (c *SegmentCache) Len() int {
	return c.lru.Len()
}

func (c *SegmentCache) load(hash git.ObjectHash, path string) (*Table, error) {
	if cached, ok := c.lru.Get(path); ok {
		return cached.(*Table), nil
	}

	table, err := readTable(hash, path)
	if err != nil {
		return nil, err
	}

	c.lru.Add(path, table)
	return table, nil
}

func (c *SegmentCache) evict(path string) {
	c.lru.Remove(path)
}

func readTable(hash git.ObjectHash, path string) (*Table, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	seg, err := decodeSegment(hash, data)
	if err != nil {
		return nil, fmt.Errorf("reading segment %q: %w", filepath.Base(path), err)
	}

	return &Table{
		name:    filepath.Base(path),
		size:    int64(len(data) - segmentHeaderLen - segmentFooterLen),
		segment: seg,
	}, nil
}
