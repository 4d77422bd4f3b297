package refstore

import (
	"context"
	"errors"
	"sort"

	"gitlab.com/gitlab-org/refstore/internal/git"
	"gitlab.com/gitlab-org/refstore/internal/reftable"
)

// ReflogEntry is a single entry of a reference's history.
type ReflogEntry struct {
	RefName     git.ReferenceName
	UpdateIndex uint64
	OldOID      git.ObjectID
	NewOID      git.ObjectID
	Committer   git.Signature
	Message     string
}

// ReflogOrder is the order in which ForEachReflogEntry yields entries.
type ReflogOrder int

const (
	// ReflogNewestFirst yields the most recent entry first.
	ReflogNewestFirst ReflogOrder = iota
	// ReflogOldestFirst yields the oldest entry first.
	ReflogOldestFirst
)

// readLogs returns all live log records of the reference in the stack's current state, newest
// first. Existence markers are included.
func readLogs(stack *reftable.Stack, name git.ReferenceName) []reftable.LogRecord {
	var logs []reftable.LogRecord

	iter := stack.Merged().SeekLog(name.String())
	for {
		log, ok := iter.Next()
		if !ok || log.RefName != name.String() {
			return logs
		}
		logs = append(logs, log)
	}
}

func reflogExists(stack *reftable.Stack, name git.ReferenceName) bool {
	log, ok := stack.Merged().SeekLog(name.String()).Next()
	return ok && log.RefName == name.String()
}

// logTombstones returns deletions for every live log record of the reference.
func logTombstones(stack *reftable.Stack, name git.ReferenceName) ([]reftable.LogRecord, error) {
	logs := readLogs(stack, name)

	tombstones := make([]reftable.LogRecord, 0, len(logs))
	for _, log := range logs {
		tombstones = append(tombstones, reftable.NewLogDeletion(name.String(), log.UpdateIndex))
	}

	return tombstones, nil
}

func (s *Store) entryFromRecord(name git.ReferenceName, log reftable.LogRecord) (ReflogEntry, error) {
	oldOID, err := s.opts.HashFormat.FromBytes(log.Old)
	if err != nil {
		return ReflogEntry{}, engineError("decoding log", err)
	}
	newOID, err := s.opts.HashFormat.FromBytes(log.New)
	if err != nil {
		return ReflogEntry{}, engineError("decoding log", err)
	}

	return ReflogEntry{
		RefName:     name,
		UpdateIndex: log.UpdateIndex,
		OldOID:      oldOID,
		NewOID:      newOID,
		Committer:   log.Signature(),
		Message:     log.Message,
	}, nil
}

// reloadedStackFor returns the reloaded stack owning the reference.
func (s *Store) reloadedStackFor(name git.ReferenceName) (*reftable.Stack, git.ReferenceName, error) {
	stack, bare, err := s.stackFor(name)
	if err != nil {
		return nil, "", err
	}

	if err := stack.Reload(); err != nil {
		return nil, "", engineError("reload", err)
	}

	return stack, bare, nil
}

// ReflogExists tells whether the reference has a reflog, which may consist of only an existence
// marker.
func (s *Store) ReflogExists(ctx context.Context, name git.ReferenceName) (bool, error) {
	stack, bare, err := s.reloadedStackFor(name)
	if err != nil {
		return false, err
	}

	return reflogExists(stack, bare), nil
}

// ForEachReflogEntry calls fn for each entry of the reference's reflog in the given order.
// Existence markers are skipped. Iteration stops at the first error returned by fn, which is
// returned to the caller.
func (s *Store) ForEachReflogEntry(ctx context.Context, name git.ReferenceName, order ReflogOrder, fn func(ReflogEntry) error) error {
	stack, bare, err := s.reloadedStackFor(name)
	if err != nil {
		return err
	}

	logs := readLogs(stack, bare)
	if order == ReflogOldestFirst {
		for i, j := 0, len(logs)-1; i < j; i, j = i+1, j-1 {
			logs[i], logs[j] = logs[j], logs[i]
		}
	}

	for _, log := range logs {
		if log.IsExistenceMarker() {
			continue
		}

		entry, err := s.entryFromRecord(name, log)
		if err != nil {
			return err
		}

		if err := fn(entry); err != nil {
			return err
		}
	}

	return nil
}

// ReadReflog returns all entries of the reference's reflog, newest first.
func (s *Store) ReadReflog(ctx context.Context, name git.ReferenceName) ([]ReflogEntry, error) {
	var entries []ReflogEntry
	if err := s.ForEachReflogEntry(ctx, name, ReflogNewestFirst, func(entry ReflogEntry) error {
		entries = append(entries, entry)
		return nil
	}); err != nil {
		return nil, err
	}
	return entries, nil
}

// CreateReflog makes sure that the reference has a reflog. If it does not have one yet, an
// existence marker is written.
func (s *Store) CreateReflog(ctx context.Context, name git.ReferenceName) error {
	if err := validateRefName(name, true); err != nil {
		return err
	}

	committer, err := s.committer()
	if err != nil {
		return err
	}

	return s.addToStack(name, func(stack *reftable.Stack, bare git.ReferenceName, ts uint64) (records, error) {
		if reflogExists(stack, bare) {
			return records{}, nil
		}

		marker := reftable.LogRecord{
			RefName:     bare.String(),
			UpdateIndex: ts,
			ValueType:   reftable.LogUpdate,
		}
		marker.SetSignature(committer)

		return records{logs: []reftable.LogRecord{marker}}, nil
	})
}

// DeleteReflog deletes all entries of the reference's reflog.
func (s *Store) DeleteReflog(ctx context.Context, name git.ReferenceName) error {
	if err := validateRefName(name, false); err != nil {
		return err
	}

	return s.addToStack(name, func(stack *reftable.Stack, bare git.ReferenceName, ts uint64) (records, error) {
		tombstones, err := logTombstones(stack, bare)
		if err != nil {
			return records{}, err
		}
		return records{logs: tombstones}, nil
	})
}

// records are the records of a single segment written by addToStack.
type records struct {
	refs []reftable.RefRecord
	logs []reftable.LogRecord
}

// addToStack locks the stack owning the reference and commits the records produced by collect as
// a single new segment. ts is the stack's next update index. Errors returned by collect are passed
// through unchanged.
func (s *Store) addToStack(name git.ReferenceName, collect func(*reftable.Stack, git.ReferenceName, uint64) (records, error)) error {
	stack, bare, err := s.stackFor(name)
	if err != nil {
		return err
	}

	addition, err := stack.NewAddition()
	if err != nil {
		if errors.Is(err, reftable.ErrLock) {
			return lockError(name, err)
		}
		return engineError("locking stack", err)
	}
	defer addition.Destroy()

	ts := addition.NextUpdateIndex()
	batch, err := collect(stack, bare, ts)
	if err != nil {
		return err
	}

	maxIndex := ts
	for _, ref := range batch.refs {
		if ref.UpdateIndex > maxIndex {
			maxIndex = ref.UpdateIndex
		}
	}

	if err := addition.Add(func(w *reftable.Writer) error {
		w.SetLimits(ts, maxIndex)
		if err := w.AddRefs(batch.refs); err != nil {
			return err
		}
		return w.AddLogs(batch.logs)
	}); err != nil {
		return engineError("writing segment", err)
	}

	if err := addition.Commit(); err != nil {
		return engineError("committing addition", err)
	}

	return nil
}

// ReflogRefNames returns the names of all references which have a reflog.
func (s *Store) ReflogRefNames(ctx context.Context) ([]git.ReferenceName, error) {
	type source struct {
		stack *reftable.Stack
		keep  func(string) bool
	}

	sources := []source{{stack: s.main}}
	if s.worktree != nil {
		sources = []source{
			{stack: s.main, keep: func(name string) bool { return !git.IsPerWorktreeReference(name) }},
			{stack: s.worktree, keep: git.IsPerWorktreeReference},
		}
	}

	seen := map[string]bool{}
	var names []git.ReferenceName
	for _, src := range sources {
		if err := src.stack.Reload(); err != nil {
			return nil, engineError("reload", err)
		}

		iter := src.stack.Merged().SeekLog("")
		for {
			log, ok := iter.Next()
			if !ok {
				break
			}
			if seen[log.RefName] || (src.keep != nil && !src.keep(log.RefName)) {
				continue
			}

			seen[log.RefName] = true
			names = append(names, git.ReferenceName(log.RefName))
		}
	}

	sort.Slice(names, func(i, j int) bool { return names[i] < names[j] })

	return names, nil
}
