package refstore

import (
	"context"

	"gitlab.com/gitlab-org/refstore/internal/git"
	"gitlab.com/gitlab-org/refstore/internal/reftable"
)

// CreateSymref points the symbolic reference name at target, overwriting any previous value. If
// msg is not empty and target resolves to an object, a reflog entry is written for name.
func (s *Store) CreateSymref(ctx context.Context, name, target git.ReferenceName, msg string) error {
	if err := validateRefName(name, true); err != nil {
		return err
	}
	if err := validateRefName(target, true); err != nil {
		return err
	}

	committer, err := s.committer()
	if err != nil {
		return err
	}

	if err := s.addToStack(name, func(stack *reftable.Stack, bare git.ReferenceName, ts uint64) (records, error) {
		if err := s.checkAvailable(ctx, name, nil, nil); err != nil {
			return records{}, err
		}

		// Both values must be resolved before anything is written, as the logging policy
		// depends on the state of the reflog.
		newOID, err := s.resolveOID(ctx, target)
		if err != nil {
			return records{}, err
		}
		oldOID, err := s.resolveOID(ctx, name)
		if err != nil {
			return records{}, err
		}

		batch := records{
			refs: []reftable.RefRecord{reftable.NewSymref(bare.String(), ts, target.String())},
		}

		if msg == "" || newOID == "" {
			return batch, nil
		}

		shouldLog, err := s.shouldLog(stack, bare, 0)
		if err != nil {
			return records{}, err
		}
		if !shouldLog {
			return batch, nil
		}

		log, err := logRecord(bare, ts, oldOID, newOID, committer, msg)
		if err != nil {
			return records{}, engineError("encoding log", err)
		}
		batch.logs = append(batch.logs, log)

		return batch, nil
	}); err != nil {
		return err
	}

	s.logger(ctx).WithFields(map[string]interface{}{
		"ref":    name,
		"target": target,
	}).Debug("created symbolic reference")

	return nil
}
