package refstore

import (
	"context"
	"errors"

	"gitlab.com/gitlab-org/refstore/internal/git"
	"gitlab.com/gitlab-org/refstore/internal/reftable"
)

// maxSymrefDepth is the number of symbolic references followed before giving up.
const maxSymrefDepth = 5

// RawRef is the value of a reference as stored, without following symbolic references.
type RawRef struct {
	// OID is the object the reference points to. It is empty for symbolic references.
	OID git.ObjectID
	// Peeled is the object an annotated tag peels to, if known.
	Peeled git.ObjectID
	// SymbolicTarget is the referenced name of a symbolic reference.
	SymbolicTarget git.ReferenceName
}

// IsSymbolic tells whether the reference is a symbolic reference.
func (r RawRef) IsSymbolic() bool {
	return r.SymbolicTarget != ""
}

// ReadRawRef reads the reference without following symbolic references. It returns
// git.ErrReferenceNotFound if the reference does not exist.
func (s *Store) ReadRawRef(ctx context.Context, name git.ReferenceName) (RawRef, error) {
	stack, bare, err := s.stackFor(name)
	if err != nil {
		return RawRef{}, err
	}

	if err := stack.Reload(); err != nil {
		return RawRef{}, engineError("reload", err)
	}

	return s.readRaw(stack, bare)
}

// readRaw reads the reference from the stack's current state without reloading it.
func (s *Store) readRaw(stack *reftable.Stack, name git.ReferenceName) (RawRef, error) {
	record, err := stack.ReadRef(name.String())
	if err != nil {
		if errors.Is(err, reftable.ErrNotExist) {
			return RawRef{}, git.ErrReferenceNotFound
		}
		return RawRef{}, engineError("read ref", err)
	}

	return s.rawFromRecord(record)
}

func (s *Store) rawFromRecord(record reftable.RefRecord) (RawRef, error) {
	hash := s.opts.HashFormat

	switch record.ValueType {
	case reftable.RefSymref:
		return RawRef{SymbolicTarget: git.ReferenceName(record.Target)}, nil
	case reftable.RefVal1, reftable.RefVal2:
		oid, err := hash.FromBytes(record.Value)
		if err != nil {
			return RawRef{}, engineError("decoding ref", err)
		}

		raw := RawRef{OID: oid}
		if record.ValueType == reftable.RefVal2 {
			if raw.Peeled, err = hash.FromBytes(record.TargetValue); err != nil {
				return RawRef{}, engineError("decoding ref", err)
			}
		}

		return raw, nil
	default:
		return RawRef{}, git.ErrReferenceNotFound
	}
}

// ResolveRef follows symbolic references starting at name until it finds a direct reference. It
// returns the object ID and the name of the direct reference. If the chain ends in a missing
// reference, the name of that reference is returned along with git.ErrReferenceNotFound.
func (s *Store) ResolveRef(ctx context.Context, name git.ReferenceName) (git.ObjectID, git.ReferenceName, error) {
	resolved, raw, err := s.resolve(ctx, name)
	if err != nil {
		return "", resolved, err
	}
	return raw.OID, resolved, nil
}

func (s *Store) resolve(ctx context.Context, name git.ReferenceName) (git.ReferenceName, RawRef, error) {
	for depth := 0; ; depth++ {
		raw, err := s.ReadRawRef(ctx, name)
		if err != nil {
			return name, RawRef{}, err
		}

		if !raw.IsSymbolic() {
			return name, raw, nil
		}

		if depth >= maxSymrefDepth {
			return name, RawRef{}, ErrSymrefTooDeep
		}

		name = raw.SymbolicTarget
	}
}

// resolveOID resolves the name to an object ID. Missing references resolve to the empty object ID.
func (s *Store) resolveOID(ctx context.Context, name git.ReferenceName) (git.ObjectID, error) {
	oid, _, err := s.ResolveRef(ctx, name)
	if err != nil {
		if errors.Is(err, git.ErrReferenceNotFound) {
			return "", nil
		}
		return "", err
	}
	return oid, nil
}

// headTarget returns the reference HEAD points to, or the empty name if HEAD is missing or not
// symbolic.
func (s *Store) headTarget(ctx context.Context) (git.ReferenceName, error) {
	raw, err := s.ReadRawRef(ctx, git.HEAD)
	if err != nil {
		if errors.Is(err, git.ErrReferenceNotFound) {
			return "", nil
		}
		return "", err
	}
	return raw.SymbolicTarget, nil
}
