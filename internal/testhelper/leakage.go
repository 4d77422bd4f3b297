package testhelper

import (
	"fmt"
	"os"

	"go.uber.org/goleak"
)

// mustHaveNoGoroutines panics if it finds any Goroutines running.
func mustHaveNoGoroutines() {
	if err := goleak.Find(); err != nil {
		panic(fmt.Errorf("goroutines running: %w", err))
	}
}

// mustHaveNoChildProcess panics if a child process like `git cat-file` outlived its test.
func mustHaveNoChildProcess() {
	tasks, err := os.ReadDir(fmt.Sprintf("/proc/%d/task", os.Getpid()))
	if err != nil {
		// Not running on Linux.
		return
	}

	for _, task := range tasks {
		children, err := os.ReadFile(fmt.Sprintf("/proc/%d/task/%s/children", os.Getpid(), task.Name()))
		if err != nil {
			continue
		}
		if len(children) > 0 {
			panic(fmt.Errorf("found running child processes: %s", children))
		}
	}
}
