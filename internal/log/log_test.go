package log

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

func TestConfigure(t *testing.T) {
	for _, tc := range []struct {
		desc   string
		format string
		level  string
		logger *logrus.Logger
	}{
		{
			desc:   "json format with info level",
			format: "json",
			logger: &logrus.Logger{
				Formatter: &logrus.JSONFormatter{TimestampFormat: LogTimestampFormat},
				Level:     logrus.InfoLevel,
			},
		},
		{
			desc:   "text format with info level",
			format: "text",
			logger: &logrus.Logger{
				Formatter: &logrus.TextFormatter{TimestampFormat: LogTimestampFormat},
				Level:     logrus.InfoLevel,
			},
		},
		{
			desc: "empty format with info level",
			logger: &logrus.Logger{
				Level: logrus.InfoLevel,
			},
		},
		{
			desc:   "text format with debug level",
			format: "text",
			level:  "debug",
			logger: &logrus.Logger{
				Formatter: &logrus.TextFormatter{TimestampFormat: LogTimestampFormat},
				Level:     logrus.DebugLevel,
			},
		},
		{
			desc:   "text format with invalid level",
			format: "text",
			level:  "invalid-level",
			logger: &logrus.Logger{
				Formatter: &logrus.TextFormatter{TimestampFormat: LogTimestampFormat},
				Level:     logrus.InfoLevel,
			},
		},
	} {
		t.Run(tc.desc, func(t *testing.T) {
			loggers := []*logrus.Logger{{}, {}}
			Configure(loggers, tc.format, tc.level)
			require.Equal(t, []*logrus.Logger{tc.logger, tc.logger}, loggers)
		})
	}
}

func TestRedirectToDir(t *testing.T) {
	t.Run("empty directory is a no-op", func(t *testing.T) {
		logger := logrus.New()
		out := logger.Out
		require.NoError(t, RedirectToDir([]*logrus.Logger{logger}, ""))
		require.Equal(t, out, logger.Out)
	})

	t.Run("logs are appended to the log file", func(t *testing.T) {
		dir := filepath.Join(t.TempDir(), "logs")
		logger := logrus.New()
		logger.Formatter = &logrus.TextFormatter{DisableTimestamp: true}

		require.NoError(t, RedirectToDir([]*logrus.Logger{logger}, dir))
		logger.Info("first")
		logger.Info("second")

		content, err := os.ReadFile(filepath.Join(dir, LogFileName))
		require.NoError(t, err)
		require.Equal(t, "level=info msg=first\nlevel=info msg=second\n", string(content))
	})
}
