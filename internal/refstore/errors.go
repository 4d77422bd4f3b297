package refstore

import (
	"errors"
	"fmt"

	"gitlab.com/gitlab-org/refstore/internal/git"
	"gitlab.com/gitlab-org/refstore/internal/reftable"
)

var (
	// ErrLock is returned when a storage unit is locked by a concurrent writer.
	ErrLock = reftable.ErrLock
	// ErrTransactionClosed is returned when using a transaction which has been committed,
	// aborted or which failed to prepare.
	ErrTransactionClosed = errors.New("transaction is closed")
	// ErrTransactionPrepared is returned when queueing updates into a prepared transaction.
	ErrTransactionPrepared = errors.New("transaction has been prepared already")
	// ErrSymrefTooDeep is returned when a chain of symbolic references does not terminate.
	ErrSymrefTooDeep = errors.New("symbolic reference chain too deep")
	// ErrSymbolicReference is returned when an operation does not support symbolic references.
	ErrSymbolicReference = errors.New("reference is symbolic")
)

// lockError wraps ErrLock with the name of the reference whose unit could not be locked.
func lockError(name git.ReferenceName, err error) error {
	return fmt.Errorf("cannot lock ref '%s': %w", name, err)
}

// NameConflictError is returned when a reference name is used more than once in a transaction or
// when a new name collides with an existing one.
type NameConflictError struct {
	RefName git.ReferenceName
	// ConflictingRefName is the reference that is in the way, if any.
	ConflictingRefName git.ReferenceName
	msg                string
}

func (e *NameConflictError) Error() string {
	return e.msg
}

func duplicateUpdateError(name git.ReferenceName) error {
	return &NameConflictError{
		RefName: name,
		msg:     fmt.Sprintf("multiple updates for ref '%s' not allowed", name),
	}
}

func duplicateSymrefUpdateError(name, symref git.ReferenceName) error {
	return &NameConflictError{
		RefName:            name,
		ConflictingRefName: symref,
		msg: fmt.Sprintf("multiple updates for '%s' (including one via symref '%s') are not allowed",
			name, symref),
	}
}

func unavailableError(name, existing git.ReferenceName) error {
	return &NameConflictError{
		RefName:            name,
		ConflictingRefName: existing,
		msg:                fmt.Sprintf("'%s' exists; cannot create '%s'", existing, name),
	}
}

// PreconditionKind distinguishes the ways an expected old value can mismatch.
type PreconditionKind int

const (
	// PreconditionShouldNotExist means the reference was expected to be absent but exists.
	PreconditionShouldNotExist PreconditionKind = iota
	// PreconditionMissing means the reference was expected to exist but is absent.
	PreconditionMissing
	// PreconditionStale means the reference exists with a different value.
	PreconditionStale
	// PreconditionUnresolvable means a symbolic reference could not be resolved.
	PreconditionUnresolvable
)

// PreconditionError is returned when the expected old value of an update does not match.
type PreconditionError struct {
	Kind     PreconditionKind
	RefName  git.ReferenceName
	Expected git.ObjectID
	Actual   git.ObjectID
}

func (e *PreconditionError) Error() string {
	switch e.Kind {
	case PreconditionShouldNotExist:
		return fmt.Sprintf("cannot lock ref '%s': reference already exists", e.RefName)
	case PreconditionMissing:
		return fmt.Sprintf("cannot lock ref '%s': unable to resolve reference '%s'", e.RefName, e.RefName)
	case PreconditionStale:
		return fmt.Sprintf("cannot lock ref '%s': is at %s but expected %s", e.RefName, e.Actual, e.Expected)
	default:
		return fmt.Sprintf("cannot lock ref '%s': unable to resolve symbolic reference", e.RefName)
	}
}

// InvalidNewValueError is returned when the new value of an update is not acceptable.
type InvalidNewValueError struct {
	RefName git.ReferenceName
	OID     git.ObjectID
	msg     string
}

func (e *InvalidNewValueError) Error() string {
	return e.msg
}

// MalformedNameError is returned when writing a reference whose name is not well-formed.
type MalformedNameError struct {
	RefName git.ReferenceName
	Err     error
}

func (e *MalformedNameError) Error() string {
	return fmt.Sprintf("refusing to update ref with bad name '%s'", e.RefName)
}

func (e *MalformedNameError) Unwrap() error {
	return e.Err
}

// EngineError wraps failures of the table engine like I/O errors or corrupt segments.
type EngineError struct {
	Op  string
	Err error
}

func (e *EngineError) Error() string {
	return fmt.Sprintf("reftable: %s: %v", e.Op, e.Err)
}

func (e *EngineError) Unwrap() error {
	return e.Err
}

// engineError wraps err into an EngineError unless it is a lock error, which callers need to tell
// apart.
func engineError(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, reftable.ErrLock) {
		return err
	}

	var engineErr *EngineError
	if errors.As(err, &engineErr) {
		return err
	}

	return &EngineError{Op: op, Err: err}
}
