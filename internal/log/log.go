package log

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"github.com/sirupsen/logrus"
)

const (
	// LogDirEnvKey defines the environment variable used to specify the log directory
	LogDirEnvKey = "REFSTORE_LOG_DIR"
	// LogTimestampFormat defines the timestamp format in log files
	LogTimestampFormat = "2006-01-02T15:04:05.000Z"
	// LogFileName is the name of the log file written into the log directory.
	LogFileName = "refstore.log"
)

var (
	defaultLogger = logrus.StandardLogger()

	// Loggers is convenient when you want to apply configuration to all
	// loggers
	Loggers = []*logrus.Logger{defaultLogger}
)

func init() {
	// This ensures that any log statements that occur before
	// the configuration has been loaded will be written to
	// stderr, keeping stdout free for command output.
	for _, l := range Loggers {
		l.Out = os.Stderr
	}
}

// Configure sets the format and level on all loggers. Unknown levels fall back to info.
func Configure(loggers []*logrus.Logger, format string, level string) {
	var formatter logrus.Formatter
	switch format {
	case "json":
		formatter = &logrus.JSONFormatter{TimestampFormat: LogTimestampFormat}
	case "text":
		formatter = &logrus.TextFormatter{TimestampFormat: LogTimestampFormat}
	case "":
		// Just stick with the default
	default:
		logrus.WithField("format", format).Fatal("invalid logger format")
	}

	logrusLevel, err := logrus.ParseLevel(level)
	if err != nil {
		logrusLevel = logrus.InfoLevel
	}

	for _, l := range loggers {
		l.SetLevel(logrusLevel)

		if formatter != nil {
			l.Formatter = formatter
		}
	}
}

// RedirectToDir makes all loggers append to LogFileName inside dir. An empty dir is a no-op.
func RedirectToDir(loggers []*logrus.Logger, dir string) error {
	if dir == "" {
		return nil
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating log directory: %w", err)
	}

	logFile, err := os.OpenFile(filepath.Join(dir, LogFileName), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}

	runtime.SetFinalizer(logFile, func(f *os.File) {
		f.Close()
	})

	for _, l := range loggers {
		l.SetOutput(logFile)
	}

	return nil
}

// Default is the default logrus logger
func Default() *logrus.Entry { return defaultLogger.WithField("pid", os.Getpid()) }
