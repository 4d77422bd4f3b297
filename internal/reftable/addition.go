package reftable

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gitlab.com/gitlab-org/refstore/internal/safe"
)

// Addition is an exclusive, staged batch of new segments for a stack. While an addition exists it
// holds the lock of the stack's table list.
type Addition struct {
	stack           *Stack
	lock            *safe.LockingFileWriter
	newTables       []string
	nextUpdateIndex uint64
	closed          bool
}

// lockTableList takes the lock of the table list. Lock contention, including modifications of the
// list between stat and lock, is reported as ErrLock.
func (s *Stack) lockTableList() (*safe.LockingFileWriter, error) {
	lock, err := safe.NewLockingFileWriter(s.listPath())
	if err != nil {
		return nil, fmt.Errorf("creating table list writer: %w", err)
	}

	if err := lock.Lock(); err != nil {
		_ = lock.Close()
		if errors.Is(err, safe.ErrFileAlreadyLocked) || safe.IsConcurrentModification(err) {
			s.logger.WithError(err).Warn("reftable stack is locked")
			return nil, ErrLock
		}
		return nil, fmt.Errorf("locking table list: %w", err)
	}

	return lock, nil
}

// NewAddition locks the stack and reloads it under the lock. It fails fast with ErrLock if the
// stack is locked by someone else.
func (s *Stack) NewAddition() (*Addition, error) {
	lock, err := s.lockTableList()
	if err != nil {
		return nil, err
	}

	if err := s.Reload(); err != nil {
		_ = lock.Close()
		return nil, err
	}

	return &Addition{
		stack:           s,
		lock:            lock,
		nextUpdateIndex: s.NextUpdateIndex(),
	}, nil
}

// NextUpdateIndex returns the update index to be used for the next segment of this addition.
func (a *Addition) NextUpdateIndex() uint64 {
	return a.nextUpdateIndex
}

// Add writes a new segment with the records produced by write. Writers that did not add any
// records do not produce a segment.
func (a *Addition) Add(write func(*Writer) error) error {
	if a.closed {
		return ErrClosed
	}

	writer := newWriter(a.stack.opts.HashFormat)
	if err := write(writer); err != nil {
		return err
	}

	if writer.empty() {
		return nil
	}
	if !writer.limitsSet {
		writer.SetLimits(a.nextUpdateIndex, a.nextUpdateIndex)
	}
	if writer.min < a.nextUpdateIndex {
		return fmt.Errorf("%w: segment starts at update index %d, next update index is %d",
			ErrAPI, writer.min, a.nextUpdateIndex)
	}

	seg, err := writer.finish()
	if err != nil {
		return err
	}

	name, err := a.stack.writeSegment(seg)
	if err != nil {
		return err
	}

	a.newTables = append(a.newTables, name)
	if writer.max+1 > a.nextUpdateIndex {
		a.nextUpdateIndex = writer.max + 1
	}

	return nil
}

// Commit atomically appends the new segments to the table list and releases the lock. Unless
// disabled, the stack is auto-compacted afterwards. Compaction failures are not reported as the
// addition itself has been committed at that point, and neither are failures to reload the stack.
func (a *Addition) Commit() error {
	if a.closed {
		return ErrClosed
	}

	if len(a.newTables) == 0 {
		a.Destroy()
		return nil
	}

	names := append(a.stack.tableNames(), a.newTables...)
	if _, err := a.lock.Write([]byte(strings.Join(names, "\n") + "\n")); err != nil {
		a.Destroy()
		return fmt.Errorf("writing table list: %w", err)
	}

	if err := a.lock.Commit(); err != nil {
		a.Destroy()
		return fmt.Errorf("committing table list: %w", err)
	}

	a.newTables = nil
	a.closed = true

	if err := a.stack.Reload(); err != nil {
		a.stack.logger.WithError(err).Warn("reloading stack after commit")
		return nil
	}

	if !a.stack.opts.DisableAutoCompaction {
		if err := a.stack.AutoCompact(); err != nil {
			a.stack.logger.WithError(err).Warn("auto-compaction failed")
		}
	}

	return nil
}

// Destroy releases the lock and removes all segments written by the addition. It is a no-op if the
// addition was committed or destroyed already.
func (a *Addition) Destroy() {
	if a.closed {
		return
	}
	a.closed = true

	for _, name := range a.newTables {
		if err := os.Remove(filepath.Join(a.stack.dir, name)); err != nil && !os.IsNotExist(err) {
			a.stack.logger.WithError(err).WithField("segment", name).Warn("removing uncommitted segment")
		}
	}
	a.newTables = nil

	if err := a.lock.Close(); err != nil {
		a.stack.logger.WithError(err).Warn("releasing table list lock")
	}
}

func writeFileAtomically(path string, data []byte) error {
	writer, err := safe.NewFileWriter(path, safe.FileWriterConfig{FileMode: 0o444})
	if err != nil {
		return err
	}
	defer func() { _ = writer.Close() }()

	if _, err := writer.Write(data); err != nil {
		return err
	}

	return writer.Commit()
}
