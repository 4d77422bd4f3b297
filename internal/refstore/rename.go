package refstore

import (
	"context"
	"errors"
	"fmt"

	"gitlab.com/gitlab-org/refstore/internal/git"
	"gitlab.com/gitlab-org/refstore/internal/reftable"
)

// RenameRef renames the direct reference oldName to newName along with its reflog.
func (s *Store) RenameRef(ctx context.Context, oldName, newName git.ReferenceName, msg string) error {
	return s.moveRef(ctx, oldName, newName, msg, true)
}

// CopyRef copies the direct reference oldName to newName along with its reflog.
func (s *Store) CopyRef(ctx context.Context, oldName, newName git.ReferenceName, msg string) error {
	return s.moveRef(ctx, oldName, newName, msg, false)
}

// moveRef copies oldName to newName and deletes oldName afterwards if deleteOld is set. When
// deleting, the deletion and the creation get two consecutive update indices.
func (s *Store) moveRef(ctx context.Context, oldName, newName git.ReferenceName, msg string, deleteOld bool) error {
	if err := validateRefName(oldName, false); err != nil {
		return err
	}
	if err := validateRefName(newName, true); err != nil {
		return err
	}

	oldStack, oldBare, err := s.stackFor(oldName)
	if err != nil {
		return err
	}
	newStack, newBare, err := s.stackFor(newName)
	if err != nil {
		return err
	}
	if oldStack != newStack {
		return fmt.Errorf("cannot move '%s' to '%s': references live in different worktrees", oldName, newName)
	}

	committer, err := s.committer()
	if err != nil {
		return err
	}

	var headAddition *reftable.Addition
	if deleteOld {
		if headAddition, err = s.lockFollowingHead(oldStack, oldName); err != nil {
			return err
		}
		if headAddition != nil {
			defer headAddition.Destroy()
		}
	}

	var moved bool
	var movedOID git.ObjectID
	if err := s.addToStack(newName, func(stack *reftable.Stack, _ git.ReferenceName, ts uint64) (records, error) {
		raw, err := s.readRaw(stack, oldBare)
		if err != nil {
			if errors.Is(err, git.ErrReferenceNotFound) {
				return records{}, fmt.Errorf("refname '%s' not found: %w", oldName, err)
			}
			return records{}, err
		}
		if raw.IsSymbolic() {
			return records{}, fmt.Errorf("cannot move '%s': %w", oldName, ErrSymbolicReference)
		}
		if oldBare == newBare {
			return records{}, nil
		}

		if _, err := s.readRaw(stack, newBare); err == nil {
			return records{}, unavailableError(newName, newName)
		} else if !errors.Is(err, git.ErrReferenceNotFound) {
			return records{}, err
		}

		var deleted map[git.ReferenceName]bool
		if deleteOld {
			deleted = map[git.ReferenceName]bool{oldName: true}
		}
		if err := s.checkAvailable(ctx, newName, deleted, nil); err != nil {
			return records{}, err
		}

		deletionTS, creationTS := ts, ts
		if deleteOld {
			creationTS = ts + 1
		}

		batch, err := s.moveRecords(stack, oldBare, newBare, raw, deletionTS, creationTS, deleteOld, committer, msg)
		if err != nil {
			return records{}, err
		}

		moved, movedOID = true, raw.OID
		return batch, nil
	}); err != nil {
		return err
	}

	if moved && headAddition != nil {
		if err := s.logFollowingHead(headAddition, movedOID, committer, msg); err != nil {
			return err
		}
	}

	if moved {
		s.logger(ctx).WithFields(map[string]interface{}{
			"old_ref": oldName,
			"new_ref": newName,
			"delete":  deleteOld,
		}).Debug("moved reference")
	}

	return nil
}

// lockFollowingHead locks the stack of HEAD if it is not the stack of the reference and HEAD
// points to the reference. It returns nil if HEAD does not need to be logged separately.
func (s *Store) lockFollowingHead(stack *reftable.Stack, name git.ReferenceName) (*reftable.Addition, error) {
	headStack, headBare, err := s.stackFor(git.HEAD)
	if err != nil {
		return nil, err
	}
	if headStack == stack {
		return nil, nil
	}

	addition, err := headStack.NewAddition()
	if err != nil {
		if errors.Is(err, reftable.ErrLock) {
			return nil, lockError(git.HEAD, err)
		}
		return nil, engineError("locking stack", err)
	}

	head, err := s.readRaw(headStack, headBare)
	if err != nil && !errors.Is(err, git.ErrReferenceNotFound) {
		addition.Destroy()
		return nil, err
	}
	if head.SymbolicTarget != name {
		addition.Destroy()
		return nil, nil
	}

	return addition, nil
}

// logFollowingHead commits a reflog entry for HEAD mirroring the rename of the branch it points to.
func (s *Store) logFollowingHead(addition *reftable.Addition, oid git.ObjectID, committer git.Signature, msg string) error {
	ts := addition.NextUpdateIndex()

	log, err := logRecord(git.HEAD, ts, oid, oid, committer, msg)
	if err != nil {
		return engineError("encoding log", err)
	}

	if err := addition.Add(func(w *reftable.Writer) error {
		w.SetLimits(ts, ts)
		return w.AddLogs([]reftable.LogRecord{log})
	}); err != nil {
		return engineError("writing segment", err)
	}

	if err := addition.Commit(); err != nil {
		return engineError("committing addition", err)
	}

	return nil
}

func (s *Store) moveRecords(
	stack *reftable.Stack,
	oldBare, newBare git.ReferenceName,
	raw RawRef,
	deletionTS, creationTS uint64,
	deleteOld bool,
	committer git.Signature,
	msg string,
) (records, error) {
	var batch records

	if deleteOld {
		batch.refs = append(batch.refs, reftable.NewDeletion(oldBare.String(), deletionTS))
	}

	ref, err := refRecord(newBare, creationTS, raw.OID, raw.Peeled)
	if err != nil {
		return records{}, engineError("encoding ref", err)
	}
	batch.refs = append(batch.refs, ref)

	if deleteOld {
		headStack, _, err := s.stackFor(git.HEAD)
		if err != nil {
			return records{}, err
		}

		if headStack == stack {
			head, err := s.readRaw(stack, git.HEAD)
			if err != nil && !errors.Is(err, git.ErrReferenceNotFound) {
				return records{}, err
			}

			if head.SymbolicTarget == oldBare {
				log, err := logRecord(git.HEAD, creationTS, raw.OID, raw.OID, committer, msg)
				if err != nil {
					return records{}, engineError("encoding log", err)
				}
				batch.logs = append(batch.logs, log)
			}
		}
	}

	for _, log := range readLogs(stack, oldBare) {
		copied := log
		copied.RefName = newBare.String()
		batch.logs = append(batch.logs, copied)

		if deleteOld {
			batch.logs = append(batch.logs, reftable.NewLogDeletion(oldBare.String(), log.UpdateIndex))
		}
	}

	log, err := logRecord(newBare, creationTS, raw.OID, raw.OID, committer, msg)
	if err != nil {
		return records{}, engineError("encoding log", err)
	}
	batch.logs = append(batch.logs, log)

	return batch, nil
}
