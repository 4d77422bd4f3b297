package safe

import (
	"errors"
	"fmt"
	"os"
)

var (
	// ErrFileAlreadyLocked is returned by LockingFileWriter.Lock when another writer holds the lock.
	ErrFileAlreadyLocked = errors.New("file already locked")
	// ErrConcurrentlyCreated is returned when the target appeared after the writer was created.
	ErrConcurrentlyCreated = errors.New("file concurrently created")
	// ErrConcurrentlyDeleted is returned when the target vanished after the writer was created.
	ErrConcurrentlyDeleted = errors.New("file concurrently deleted")
	// ErrConcurrentlyModified is returned when the target changed after the writer was created.
	ErrConcurrentlyModified = errors.New("file concurrently modified")
)

// IsConcurrentModification tells whether the error reports a change of the target file that
// happened behind the writer's back.
func IsConcurrentModification(err error) bool {
	return errors.Is(err, ErrConcurrentlyCreated) ||
		errors.Is(err, ErrConcurrentlyDeleted) ||
		errors.Is(err, ErrConcurrentlyModified)
}

// LockSuffix is appended to the target path to form the path of the lock file.
const LockSuffix = ".lock"

type lockingFileWriterState int

const (
	lockingFileWriterStateOpen = lockingFileWriterState(iota)
	lockingFileWriterStateLocked
	lockingFileWriterStateClosed
)

// LockingFileWriter is a FileWriter guarded by an exclusively created "<target>.lock" file. The
// lock can be taken before or after writing. Commit replaces the target file if and only if it
// has not been modified since the writer was created.
type LockingFileWriter struct {
	writer *FileWriter
	fi     os.FileInfo
	state  lockingFileWriterState
}

// NewLockingFileWriter creates a new LockingFileWriter for the given path. At creation, it
// stats the target file and caches its current size and last modification time such that it can
// compare on lock and commit whether the file has changed.
func NewLockingFileWriter(path string, optionalCfg ...FileWriterConfig) (*LockingFileWriter, error) {
	if len(optionalCfg) > 1 {
		return nil, fmt.Errorf("locking file writer created with more than one config")
	}

	targetFileInfo, err := os.Stat(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("statting target file: %w", err)
		}
		targetFileInfo = nil
	}

	writer, err := NewFileWriter(path, optionalCfg...)
	if err != nil {
		return nil, fmt.Errorf("creating file writer: %w", err)
	}

	return &LockingFileWriter{
		writer: writer,
		fi:     targetFileInfo,
	}, nil
}

// Write writes to the FileWriter. Must be called on a writer that hasn't been closed yet.
func (fw *LockingFileWriter) Write(p []byte) (int, error) {
	if fw.state == lockingFileWriterStateClosed {
		return 0, fmt.Errorf("file writer not accepting writes")
	}

	return fw.writer.Write(p)
}

// Close closes the FileWriter and removes any locks and temporary files without updating the target
// file. Does nothing if the file has already been closed.
func (fw *LockingFileWriter) Close() error {
	var err error
	switch fw.state {
	case lockingFileWriterStateOpen:
		// No lock has been taken yet, so we don't have to unlock.
	case lockingFileWriterStateLocked:
		err = fw.unlock()
	case lockingFileWriterStateClosed:
		return nil
	default:
		return fmt.Errorf("invalid state %d", fw.state)
	}

	if writerErr := fw.writer.Close(); writerErr != nil && err == nil {
		err = fmt.Errorf("closing writer: %w", writerErr)
	}

	fw.state = lockingFileWriterStateClosed

	return err
}

// Lock locks the file writer such that no other process can concurrently update the same file. It
// fails fast with ErrFileAlreadyLocked instead of waiting for the lock. Must be called on an open
// LockingFileWriter.
func (fw *LockingFileWriter) Lock() error {
	if fw.state != lockingFileWriterStateOpen {
		return fmt.Errorf("file writer not lockable")
	}

	if err := fw.checkConcurrentModification(); err != nil {
		return err
	}

	lock, err := os.OpenFile(fw.LockPath(), os.O_CREATE|os.O_EXCL|os.O_RDONLY, 0o400)
	if err != nil {
		if os.IsExist(err) {
			return ErrFileAlreadyLocked
		}

		return fmt.Errorf("creating lock file: %w", err)
	}
	defer lock.Close()

	fw.state = lockingFileWriterStateLocked

	return nil
}

func (fw *LockingFileWriter) unlock() error {
	// We only want to unlock in case we have locked this file ourselves. Otherwise, we risk
	// removing the lock from another, concurrent locking file writer.
	if fw.state != lockingFileWriterStateLocked {
		return fmt.Errorf("file writer not locked")
	}

	if err := os.Remove(fw.LockPath()); err != nil {
		return fmt.Errorf("removing lock file: %w", err)
	}

	fw.state = lockingFileWriterStateClosed

	return nil
}

// Commit writes whatever has been written to the FileWriter to the target file if and only if the
// target file has not been modified meanwhile. The writer must be `Lock()`ed first. The writer
// will be closed after this call, with all locks and temporary files having been removed.
func (fw *LockingFileWriter) Commit() error {
	if fw.state != lockingFileWriterStateLocked {
		return fmt.Errorf("file writer not locked")
	}

	if err := fw.checkConcurrentModification(); err != nil {
		_ = fw.Close()
		return err
	}

	if err := fw.writer.Commit(); err != nil {
		_ = fw.unlock()
		return fmt.Errorf("committing file: %w", err)
	}

	if err := fw.unlock(); err != nil {
		return fmt.Errorf("unlocking file: %w", err)
	}

	return nil
}

func (fw *LockingFileWriter) checkConcurrentModification() error {
	fi, err := os.Stat(fw.writer.path)
	if err != nil {
		if !os.IsNotExist(err) {
			return fmt.Errorf("statting path: %w", err)
		}
		fi = nil
	}

	switch {
	case fw.fi == nil && fi != nil:
		return ErrConcurrentlyCreated
	case fw.fi != nil && fi == nil:
		return ErrConcurrentlyDeleted
	case fw.fi != nil && fi != nil:
		if fw.fi.Size() != fi.Size() || fw.fi.ModTime() != fi.ModTime() || fw.fi.Mode() != fi.Mode() {
			return ErrConcurrentlyModified
		}
	}

	return nil
}

// LockPath returns the path of the lock file guarding the target.
func (fw *LockingFileWriter) LockPath() string {
	return fw.writer.path + LockSuffix
}
