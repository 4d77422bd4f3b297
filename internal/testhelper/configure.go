package testhelper

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	log "github.com/sirupsen/logrus"
	refstorelog "gitlab.com/gitlab-org/refstore/internal/log"
)

var testDirectory string

// Run sets up required testing state and executes the given test suite.
func Run(m *testing.M) {
	// Run tests in a separate function such that we can use deferred statements and still
	// (indirectly) call `os.Exit()` in case the test setup failed.
	if err := func() error {
		defer mustHaveNoChildProcess()
		defer mustHaveNoGoroutines()

		cleanup, err := configure()
		if err != nil {
			return fmt.Errorf("test configuration: %w", err)
		}
		defer cleanup()

		m.Run()

		return nil
	}(); err != nil {
		fmt.Printf("%s", err)
		os.Exit(1)
	}
}

// configure sets up the global test configuration.
func configure() (_ func(), returnedErr error) {
	refstorelog.Configure(refstorelog.Loggers, "json", "panic")

	if testDirectory != "" {
		return nil, errors.New("test directory has already been configured")
	}

	var err error
	testDirectory, err = getTestTmpDir()
	if err != nil {
		return nil, err
	}
	defer func() {
		if returnedErr != nil {
			if err := os.RemoveAll(testDirectory); err != nil {
				log.Error(err)
			}
		}
	}()

	// Identity variables of the host must not leak into reflog entries written by tests.
	for _, envvar := range os.Environ() {
		if name := strings.SplitN(envvar, "=", 2)[0]; strings.HasPrefix(name, "GIT_") || strings.HasPrefix(name, "REFSTORE_") {
			if err := os.Unsetenv(name); err != nil {
				return nil, fmt.Errorf("error unsetting envvar: %w", err)
			}
		}
	}

	return func() {
		if err := os.RemoveAll(testDirectory); err != nil {
			log.Errorf("error removing test directory: %v", err)
		}
	}, nil
}

func getTestTmpDir() (string, error) {
	testTmpDir := os.Getenv("TEST_TMP_DIR")
	if testTmpDir != "" {
		return testTmpDir, nil
	}

	testTmpDir, err := os.MkdirTemp("", "refstore-")
	if err != nil {
		return "", err
	}

	// macOS symlinks /tmp/ to /private/tmp/ which can cause some check to fail
	return filepath.EvalSymlinks(testTmpDir)
}
