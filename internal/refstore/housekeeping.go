package refstore

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"
	"gitlab.com/gitlab-org/refstore/internal/reftable"
	"gitlab.com/gitlab-org/refstore/internal/safe"
)

const (
	tablesListLockGracePeriod = 1 * time.Hour
	tempFileGracePeriod       = 24 * time.Hour
)

type staleFileFinderFn func(dir string, now time.Time) ([]string, error)

// CleanStaleData removes leftovers of crashed writers from all stacks opened by the store: stale
// locks of the table list and temporary files.
func (s *Store) CleanStaleData(ctx context.Context) error {
	logger := s.logger(ctx).WithField("system", "housekeeping")
	now := time.Now()

	var filesToPrune []string
	counts := logrus.Fields{}
	for _, stack := range s.stacks() {
		for field, staleFileFinder := range map[string]staleFileFinderFn{
			"locks":     findStaleTablesListLock,
			"tempfiles": findStaleTempFiles,
		} {
			staleFiles, err := staleFileFinder(stack.Dir(), now)
			if err != nil {
				return fmt.Errorf("housekeeping failed to find %s: %w", field, err)
			}

			filesToPrune = append(filesToPrune, staleFiles...)
			n, _ := counts[field].(int)
			counts[field] = n + len(staleFiles)
		}
	}
	logger = logger.WithFields(counts)

	unremovableFiles := 0
	for _, path := range filesToPrune {
		if err := os.Remove(path); err != nil {
			if os.IsNotExist(err) {
				continue
			}
			unremovableFiles++
			s.logger(ctx).WithError(err).WithField("path", path).Warn("unable to remove stale file")
		}
	}

	if len(filesToPrune) > 0 {
		logger.WithFields(logrus.Fields{
			"removed":  len(filesToPrune) - unremovableFiles,
			"failures": unremovableFiles,
		}).Info("removed files")
	}

	return nil
}

func findStaleTablesListLock(dir string, now time.Time) ([]string, error) {
	path := filepath.Join(dir, reftable.TablesListName+safe.LockSuffix)

	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	if now.Sub(info.ModTime()) < tablesListLockGracePeriod {
		return nil, nil
	}

	return []string{path}, nil
}

func findStaleTempFiles(dir string, now time.Time) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var staleFiles []string
	for _, entry := range entries {
		if entry.IsDir() || !safe.IsTempFile(entry.Name()) {
			continue
		}

		info, err := entry.Info()
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, err
		}

		if now.Sub(info.ModTime()) < tempFileGracePeriod {
			continue
		}

		staleFiles = append(staleFiles, filepath.Join(dir, entry.Name()))
	}

	return staleFiles, nil
}
