package safe

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// ErrAlreadyDone is returned when the safe file has already been closed
// or committed
var ErrAlreadyDone = errors.New("safe file was already committed or closed")

// TempFileSuffix is appended to the names of temporary files created by FileWriter. Files carrying
// it are leftovers of interrupted writers once they are older than any running writer.
const TempFileSuffix = ".tmp"

// FileWriter does an atomic write to the target file: contents are written into a temporary file
// next to the target which gets renamed over the target on commit.
type FileWriter struct {
	tmpFile       *os.File
	path          string
	commitOrClose sync.Once
}

// FileWriterConfig contains configuration for the `NewFileWriter()` function.
type FileWriterConfig struct {
	// FileMode is the desired file mode of the committed target file. If left at its default
	// value, then no file mode will be explicitly set for the file.
	FileMode os.FileMode
}

// NewFileWriter takes path as an absolute path of the target file and creates a new FileWriter by
// attempting to create a tempfile. This function either takes no FileWriterConfig or exactly one.
func NewFileWriter(path string, optionalCfg ...FileWriterConfig) (*FileWriter, error) {
	var cfg FileWriterConfig
	if len(optionalCfg) == 1 {
		cfg = optionalCfg[0]
	} else if len(optionalCfg) > 1 {
		return nil, fmt.Errorf("file writer created with more than one config")
	}

	tmpFile, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*"+TempFileSuffix)
	if err != nil {
		return nil, err
	}

	writer := &FileWriter{path: path, tmpFile: tmpFile}

	if cfg.FileMode != 0 {
		if err := tmpFile.Chmod(cfg.FileMode); err != nil {
			_ = writer.Close()
			return nil, err
		}
	}

	return writer, nil
}

// IsTempFile tells whether the given file name was created by a FileWriter.
func IsTempFile(name string) bool {
	return strings.HasSuffix(name, TempFileSuffix)
}

// Write wraps the temporary file's Write.
func (fw *FileWriter) Write(p []byte) (n int, err error) {
	return fw.tmpFile.Write(p)
}

// Commit syncs and closes the temporary file, renames it to the target file name and syncs the
// directory. Only the first call to Commit() or Close() has an effect, all subsequent calls return
// ErrAlreadyDone.
func (fw *FileWriter) Commit() error {
	err := ErrAlreadyDone

	fw.commitOrClose.Do(func() {
		if err = fw.tmpFile.Sync(); err != nil {
			err = fmt.Errorf("syncing temp file: %w", err)
			_ = fw.discard()
			return
		}

		if err = fw.tmpFile.Close(); err != nil {
			err = fmt.Errorf("closing temp file: %w", err)
			_ = os.Remove(fw.tmpFile.Name())
			return
		}

		if err = os.Rename(fw.tmpFile.Name(), fw.path); err != nil {
			err = fmt.Errorf("renaming temp file: %w", err)
			_ = os.Remove(fw.tmpFile.Name())
			return
		}

		if err = syncDir(filepath.Dir(fw.path)); err != nil {
			err = fmt.Errorf("syncing dir: %w", err)
			return
		}
	})

	return err
}

// Close will close and remove the temp file artifact if it exists. If the file
// was already committed, ErrAlreadyDone will be returned and no
// changes will be made to the filesystem.
func (fw *FileWriter) Close() error {
	err := ErrAlreadyDone

	fw.commitOrClose.Do(func() {
		err = fw.discard()
	})

	return err
}

func (fw *FileWriter) discard() error {
	if err := fw.tmpFile.Close(); err != nil {
		return err
	}
	if err := os.Remove(fw.tmpFile.Name()); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

func syncDir(dir string) error {
	f, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer f.Close()

	return f.Sync()
}
