package reftable

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jpillora/backoff"
	"github.com/sirupsen/logrus"
	"gitlab.com/gitlab-org/refstore/internal/git"
)

// TablesListName is the name of the file listing the segments of a stack, oldest first.
const TablesListName = "tables.list"

// DefaultGeometricFactor is the factor by which segment sizes must shrink from the oldest to the
// newest segment before auto-compaction kicks in.
const DefaultGeometricFactor = 2

// Options configure a Stack.
type Options struct {
	// HashFormat is the object hash of the repository. Defaults to SHA1.
	HashFormat git.ObjectHash
	// DisableAutoCompaction disables compaction after each committed addition.
	DisableAutoCompaction bool
	// GeometricFactor is the factor used by the auto-compaction heuristic.
	GeometricFactor int
	// Cache is the segment cache shared between stacks. A private cache is created if unset.
	Cache *SegmentCache
	// ReloadTimeout bounds how long Reload retries when segments vanish concurrently.
	ReloadTimeout time.Duration
	// Logger receives diagnostics. Defaults to the standard logger.
	Logger logrus.FieldLogger
}

// Stats are counters of a stack's maintenance activity.
type Stats struct {
	// Attempts is the number of compactions that were started.
	Attempts uint64
	// Failures is the number of compactions that failed, including lock contention.
	Failures uint64
	// Compacted is the number of segments that were merged away by compactions.
	Compacted uint64
}

// Stack is an ordered, reloadable set of segments living in a single directory. A Stack is not
// safe for concurrent use. Concurrent writers in other processes are serialized via the lock on
// the table list.
type Stack struct {
	dir    string
	opts   Options
	cache  *SegmentCache
	logger logrus.FieldLogger

	tables []*Table
	merged *MergedTable
	stats  Stats
}

// Open opens the stack in dir, creating the directory if it does not exist yet.
func Open(dir string, opts Options) (*Stack, error) {
	if opts.HashFormat.Format == "" {
		opts.HashFormat = git.ObjectHashSHA1
	}
	if opts.GeometricFactor <= 1 {
		opts.GeometricFactor = DefaultGeometricFactor
	}
	if opts.ReloadTimeout <= 0 {
		opts.ReloadTimeout = 3 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}

	cache := opts.Cache
	if cache == nil {
		var err error
		if cache, err = NewSegmentCache(0); err != nil {
			return nil, err
		}
	}

	if err := os.MkdirAll(dir, 0o777); err != nil {
		return nil, fmt.Errorf("creating stack directory: %w", err)
	}

	stack := &Stack{
		dir:    dir,
		opts:   opts,
		cache:  cache,
		logger: opts.Logger.WithField("reftable_dir", dir),
		merged: NewMergedTable(),
	}

	if err := stack.Reload(); err != nil {
		return nil, err
	}

	stack.logger.WithField("segments", len(stack.tables)).Debug("opened reftable stack")

	return stack, nil
}

// Dir returns the directory of the stack.
func (s *Stack) Dir() string {
	return s.dir
}

// HashFormat returns the object hash used by the stack.
func (s *Stack) HashFormat() git.ObjectHash {
	return s.opts.HashFormat
}

func (s *Stack) listPath() string {
	return filepath.Join(s.dir, TablesListName)
}

func (s *Stack) readList() ([]string, error) {
	content, err := os.ReadFile(s.listPath())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading table list: %w", err)
	}

	var names []string
	for _, line := range strings.Split(string(content), "\n") {
		if line == "" {
			continue
		}
		if _, _, ok := parseSegmentName(line); !ok {
			return nil, fmt.Errorf("%w: invalid segment name %q in table list", ErrFormat, line)
		}
		names = append(names, line)
	}

	return names, nil
}

// Reload refreshes the stack's view from disk. Segments listed in the table list may be removed
// by a concurrent compaction between reading the list and opening them, in which case reloading
// is retried with backoff until the list is stable.
func (s *Stack) Reload() error {
	retry := &backoff.Backoff{
		Min:    time.Millisecond,
		Max:    100 * time.Millisecond,
		Factor: 2,
		Jitter: true,
	}
	deadline := time.Now().Add(s.opts.ReloadTimeout)

	var previous []string
	for {
		names, err := s.readList()
		if err != nil {
			return err
		}

		tables, err := s.loadTables(names)
		if err == nil {
			s.tables = tables
			s.merged = NewMergedTable(tables...)
			return nil
		}
		if !errors.Is(err, os.ErrNotExist) {
			return err
		}

		// The list did not change although one of its segments is missing. No concurrent
		// writer is going to fix that.
		if (previous != nil && equalNames(previous, names)) || time.Now().After(deadline) {
			return fmt.Errorf("%w: %v", ErrFormat, err)
		}
		previous = names

		time.Sleep(retry.Duration())
	}
}

func (s *Stack) loadTables(names []string) ([]*Table, error) {
	tables := make([]*Table, 0, len(names))
	for _, name := range names {
		table, err := s.cache.load(s.opts.HashFormat, filepath.Join(s.dir, name))
		if err != nil {
			return nil, err
		}
		tables = append(tables, table)
	}
	return tables, nil
}

func equalNames(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func (s *Stack) tableNames() []string {
	names := make([]string, 0, len(s.tables))
	for _, table := range s.tables {
		names = append(names, table.name)
	}
	return names
}

// Tables returns the currently loaded segments, oldest first.
func (s *Stack) Tables() []*Table {
	return s.tables
}

// Merged returns the merged view of the currently loaded segments.
func (s *Stack) Merged() *MergedTable {
	return s.merged
}

// ReadRef reads a single reference from the currently loaded segments. Returns ErrNotExist if it
// does not exist.
func (s *Stack) ReadRef(name string) (RefRecord, error) {
	return s.merged.ReadRef(name)
}

// NextUpdateIndex returns the update index to be used by the next addition.
func (s *Stack) NextUpdateIndex() uint64 {
	if len(s.tables) == 0 {
		return 1
	}
	return s.tables[len(s.tables)-1].maxUpdateIndex + 1
}

// Stats returns the maintenance counters of the stack.
func (s *Stack) Stats() Stats {
	return s.stats
}

// Add is a convenience wrapper which writes a single segment via a new addition and commits it.
func (s *Stack) Add(write func(*Writer) error) error {
	addition, err := s.NewAddition()
	if err != nil {
		return err
	}
	defer addition.Destroy()

	if err := addition.Add(write); err != nil {
		return err
	}

	return addition.Commit()
}

func (s *Stack) writeSegment(seg segment) (string, error) {
	data, err := encodeSegment(s.opts.HashFormat, seg)
	if err != nil {
		return "", err
	}

	name := newSegmentName(seg.minUpdateIndex, seg.maxUpdateIndex)
	if err := writeFileAtomically(filepath.Join(s.dir, name), data); err != nil {
		return "", fmt.Errorf("writing segment: %w", err)
	}

	return name, nil
}
