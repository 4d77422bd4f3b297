package refstore

import (
	"context"
	"errors"
	"strings"

	"gitlab.com/gitlab-org/refstore/internal/git"
	"gitlab.com/gitlab-org/refstore/internal/git/catfile"
	"gitlab.com/gitlab-org/refstore/internal/reftable"
)

// RefFlags describe a reference yielded by a RefIterator.
type RefFlags uint

const (
	// RefIsSymref is set for symbolic references.
	RefIsSymref RefFlags = 1 << iota
	// RefIsBroken is set for references which do not resolve to an existing object.
	RefIsBroken
	// RefBadName is set for references whose name is malformed.
	RefBadName
)

// Ref is a reference yielded by a RefIterator.
type Ref struct {
	Name git.ReferenceName
	// OID is the object the reference resolves to. For symbolic references this is the
	// object their target resolves to.
	OID git.ObjectID
	// Peeled is the object an annotated tag peels to, if known.
	Peeled git.ObjectID
	// SymbolicTarget is the referenced name of a symbolic reference.
	SymbolicTarget git.ReferenceName
	Flags          RefFlags
}

// IterateFlags modify the behaviour of IterateRefs.
type IterateFlags uint

const (
	// IterateIncludeBroken yields broken references instead of skipping them.
	IterateIncludeBroken IterateFlags = 1 << iota
	// IterateIncludeRootRefs yields references outside of "refs/" like HEAD.
	IterateIncludeRootRefs
	// IteratePerWorktreeOnly only yields references private to the current worktree.
	IteratePerWorktreeOnly
)

// IterateOptions select the references yielded by IterateRefs.
type IterateOptions struct {
	// Prefix restricts iteration to references starting with it.
	Prefix string
	// Exclude lists prefixes of references to skip.
	Exclude []string
	Flags   IterateFlags
}

type refSource struct {
	iter *reftable.RefIterator
	keep func(name string) bool

	head  reftable.RefRecord
	valid bool
}

func (src *refSource) advance() {
	for {
		record, ok := src.iter.Next()
		if !ok {
			src.valid = false
			return
		}
		if src.keep == nil || src.keep(record.RefName) {
			src.head, src.valid = record, true
			return
		}
	}
}

// RefIterator yields references in name order. It must either be drained or closed.
type RefIterator struct {
	ctx     context.Context
	store   *Store
	opts    IterateOptions
	sources []*refSource

	ref    Ref
	err    error
	closed bool
}

// IterateRefs returns an iterator over the references of the main stack merged with the
// references of the current worktree's stack.
func (s *Store) IterateRefs(ctx context.Context, opts IterateOptions) (*RefIterator, error) {
	if err := s.main.Reload(); err != nil {
		return nil, engineError("reload", err)
	}

	var sources []*refSource
	if s.worktree == nil {
		sources = append(sources, &refSource{iter: s.main.Merged().SeekRef(opts.Prefix)})
	} else {
		if err := s.worktree.Reload(); err != nil {
			return nil, engineError("reload", err)
		}

		sources = append(sources,
			&refSource{
				iter: s.main.Merged().SeekRef(opts.Prefix),
				keep: func(name string) bool { return !git.IsPerWorktreeReference(name) },
			},
			&refSource{
				iter: s.worktree.Merged().SeekRef(opts.Prefix),
				keep: git.IsPerWorktreeReference,
			},
		)
	}

	for _, source := range sources {
		source.advance()
	}

	return &RefIterator{
		ctx:     ctx,
		store:   s,
		opts:    opts,
		sources: sources,
	}, nil
}

// Next advances the iterator. It returns false when the iterator is exhausted or when an error
// occurred, in which case Err returns it. The iterator is closed automatically in both cases.
func (it *RefIterator) Next() bool {
	for !it.closed {
		var next *refSource
		for _, source := range it.sources {
			if source.valid && (next == nil || source.head.RefName < next.head.RefName) {
				next = source
			}
		}
		if next == nil {
			it.Close()
			return false
		}

		record := next.head
		next.advance()

		if !it.wanted(record.RefName) {
			continue
		}

		ref, err := it.store.refFromRecord(it.ctx, record)
		if err != nil {
			it.err = err
			it.Close()
			return false
		}

		if ref.Flags&RefIsBroken != 0 && it.opts.Flags&IterateIncludeBroken == 0 {
			continue
		}

		it.ref = ref
		return true
	}

	return false
}

func (it *RefIterator) wanted(name string) bool {
	for _, exclude := range it.opts.Exclude {
		if strings.HasPrefix(name, exclude) {
			return false
		}
	}

	if it.opts.Flags&IteratePerWorktreeOnly != 0 && !git.IsPerWorktreeReference(name) {
		return false
	}

	if !strings.HasPrefix(name, "refs/") && git.IsRootReferenceSyntax(name) {
		return it.opts.Flags&IterateIncludeRootRefs != 0
	}

	return true
}

// Ref returns the current reference.
func (it *RefIterator) Ref() Ref {
	return it.ref
}

// Err returns the error which stopped the iteration, if any.
func (it *RefIterator) Err() error {
	return it.err
}

// Close releases the iterator. It is safe to call Close multiple times.
func (it *RefIterator) Close() error {
	it.closed = true
	it.sources = nil
	return nil
}

func isValidStoredName(name string) bool {
	if err := git.ValidateReferenceName(name, git.AllowOneLevel); err != nil {
		return false
	}
	return strings.HasPrefix(name, "refs/") || git.IsRootReferenceSyntax(name)
}

// refFromRecord converts a stored record into a Ref, resolving symbolic references and marking
// references broken whose names are malformed or whose objects do not exist.
func (s *Store) refFromRecord(ctx context.Context, record reftable.RefRecord) (Ref, error) {
	ref := Ref{Name: git.ReferenceName(record.RefName)}

	if !isValidStoredName(record.RefName) {
		ref.Flags |= RefBadName | RefIsBroken
		return ref, nil
	}

	raw, err := s.rawFromRecord(record)
	if err != nil {
		return Ref{}, err
	}

	if raw.IsSymbolic() {
		ref.Flags |= RefIsSymref
		ref.SymbolicTarget = raw.SymbolicTarget

		oid, _, err := s.ResolveRef(ctx, raw.SymbolicTarget)
		switch {
		case errors.Is(err, git.ErrReferenceNotFound), errors.Is(err, ErrSymrefTooDeep):
			ref.Flags |= RefIsBroken
			return ref, nil
		case err != nil:
			return Ref{}, err
		}
		ref.OID = oid
	} else {
		ref.OID, ref.Peeled = raw.OID, raw.Peeled
	}

	exists, err := s.objectExists(ctx, ref.OID)
	if err != nil {
		return Ref{}, err
	}
	if !exists {
		ref.Flags |= RefIsBroken
	}

	return ref, nil
}

func (s *Store) objectExists(ctx context.Context, oid git.ObjectID) (bool, error) {
	if s.opts.Objects == nil {
		return true, nil
	}

	if _, err := s.opts.Objects.Info(ctx, oid.Revision()); err != nil {
		if catfile.IsNotFound(err) {
			return false, nil
		}
		return false, err
	}

	return true, nil
}
