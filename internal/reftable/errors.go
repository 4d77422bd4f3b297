package reftable

import "errors"

var (
	// ErrLock is returned when the lock of a stack is held by somebody else.
	ErrLock = errors.New("cannot lock references")
	// ErrNotExist is returned when a record does not exist.
	ErrNotExist = errors.New("record does not exist")
	// ErrAPI is returned when the engine is used incorrectly, e.g. when writing records outside
	// of the writer's update index limits.
	ErrAPI = errors.New("reftable API misuse")
	// ErrFormat is returned when a segment or the table list is corrupt.
	ErrFormat = errors.New("corrupt reftable data")
	// ErrClosed is returned when using an addition that has been committed or destroyed.
	ErrClosed = errors.New("addition already closed")
)
