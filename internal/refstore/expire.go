package refstore

import (
	"context"
	"errors"
	"time"

	"gitlab.com/gitlab-org/refstore/internal/git"
	"gitlab.com/gitlab-org/refstore/internal/reftable"
)

// ExpireFlags modify how ExpireReflog prunes a reflog.
type ExpireFlags uint

const (
	// ExpireDryRun evaluates the policy without writing anything.
	ExpireDryRun ExpireFlags = 1 << iota
	// ExpireUpdateRef points the reference at the new value of the newest retained entry.
	ExpireUpdateRef
	// ExpireRewrite rewrites the old value of each retained entry to the new value of the
	// previously retained entry, such that the history stays contiguous.
	ExpireRewrite
)

// ExpirePolicy decides which entries of a reflog get pruned.
type ExpirePolicy interface {
	// Prepare is called once before any entry is inspected with the reference's current value.
	Prepare(name git.ReferenceName, current git.ObjectID)
	// ShouldPrune is called for each entry, oldest first.
	ShouldPrune(entry ReflogEntry) bool
	// Cleanup is called once after all entries have been inspected, even on failure.
	Cleanup()
}

type expireOlderThan struct {
	cutoff time.Time
}

// ExpireOlderThan returns a policy which prunes all entries committed before cutoff.
func ExpireOlderThan(cutoff time.Time) ExpirePolicy {
	return expireOlderThan{cutoff: cutoff}
}

func (p expireOlderThan) Prepare(git.ReferenceName, git.ObjectID) {}

func (p expireOlderThan) ShouldPrune(entry ReflogEntry) bool {
	return entry.Committer.When.Before(p.cutoff)
}

func (p expireOlderThan) Cleanup() {}

// ExpireResult summarizes an expiry.
type ExpireResult struct {
	Pruned    int
	Retained  int
	Rewritten int
}

// ExpireReflog prunes the reflog of the reference according to policy. Pruned entries are
// tombstoned. If no entry remains, an existence marker is written so that the reflog continues to
// exist.
func (s *Store) ExpireReflog(ctx context.Context, name git.ReferenceName, policy ExpirePolicy, flags ExpireFlags) (ExpireResult, error) {
	defer policy.Cleanup()

	if err := validateRefName(name, false); err != nil {
		return ExpireResult{}, err
	}

	committer, err := s.committer()
	if err != nil {
		return ExpireResult{}, err
	}

	var result ExpireResult
	if err := s.addToStack(name, func(stack *reftable.Stack, bare git.ReferenceName, ts uint64) (records, error) {
		raw, err := s.readRaw(stack, bare)
		if err != nil && !errors.Is(err, git.ErrReferenceNotFound) {
			return records{}, err
		}
		exists := err == nil

		current := raw.OID
		if raw.IsSymbolic() {
			if current, err = s.resolveOID(ctx, raw.SymbolicTarget); err != nil {
				return records{}, err
			}
		}

		policy.Prepare(name, current)

		var batch records
		var last *reftable.LogRecord
		var haveMarker bool

		logs := readLogs(stack, bare)
		for i := len(logs) - 1; i >= 0; i-- {
			log := logs[i]
			if log.IsExistenceMarker() {
				haveMarker = true
				continue
			}

			entry, err := s.entryFromRecord(name, log)
			if err != nil {
				return records{}, err
			}

			if policy.ShouldPrune(entry) {
				batch.logs = append(batch.logs, reftable.NewLogDeletion(bare.String(), log.UpdateIndex))
				result.Pruned++
				continue
			}

			result.Retained++
			if flags&ExpireRewrite != 0 && last != nil && !git.RawEqual(log.Old, last.New) {
				log.Old = last.New
				batch.logs = append(batch.logs, log)
				result.Rewritten++
			}

			retained := log
			last = &retained
		}

		if result.Retained == 0 && !haveMarker && result.Pruned > 0 {
			marker := reftable.LogRecord{
				RefName:     bare.String(),
				UpdateIndex: ts,
				ValueType:   reftable.LogUpdate,
			}
			marker.SetSignature(committer)
			batch.logs = append(batch.logs, marker)
		}

		if flags&ExpireUpdateRef != 0 && exists && last != nil && !raw.IsSymbolic() && !git.RawEqual(last.New, nil) {
			newOID, err := s.opts.HashFormat.FromBytes(last.New)
			if err != nil {
				return records{}, engineError("decoding log", err)
			}

			if !newOID.Equal(current) {
				peeled, err := s.peel(ctx, newOID)
				if err != nil {
					return records{}, err
				}

				ref, err := refRecord(bare, ts, newOID, peeled)
				if err != nil {
					return records{}, engineError("encoding ref", err)
				}
				batch.refs = append(batch.refs, ref)
			}
		}

		if flags&ExpireDryRun != 0 {
			return records{}, nil
		}

		return batch, nil
	}); err != nil {
		return ExpireResult{}, err
	}

	s.logger(ctx).WithFields(map[string]interface{}{
		"ref":       name,
		"pruned":    result.Pruned,
		"retained":  result.Retained,
		"rewritten": result.Rewritten,
		"dry_run":   flags&ExpireDryRun != 0,
	}).Debug("expired reflog")

	return result, nil
}
