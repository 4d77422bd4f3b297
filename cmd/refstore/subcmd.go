package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	sentry "github.com/getsentry/sentry-go"
	"github.com/grpc-ecosystem/go-grpc-middleware/logging/logrus/ctxlogrus"
	"github.com/sirupsen/logrus"
	"gitlab.com/gitlab-org/labkit/correlation"
	"gitlab.com/gitlab-org/refstore/internal/config"
	"gitlab.com/gitlab-org/refstore/internal/git/catfile"
	"gitlab.com/gitlab-org/refstore/internal/refstore"
)

type subcmd interface {
	FlagSet() *flag.FlagSet
	Exec(flags *flag.FlagSet, cfg config.Cfg) error
}

// storeOpener opens the reference store described by the configuration. The returned function
// releases resources held by the store.
type storeOpener func(ctx context.Context, cfg config.Cfg) (*refstore.Store, func(), error)

func newSubcommands(stdin io.Reader, stdout io.Writer, logger *logrus.Entry, open storeOpener) map[string]subcmd {
	return map[string]subcmd{
		initCmdName:   newInitSubcommand(logger, open),
		listCmdName:   newListSubcommand(logger, stdout, open),
		showCmdName:   newShowSubcommand(logger, stdout, open),
		updateCmdName: newUpdateSubcommand(logger, open),
		deleteCmdName: newDeleteSubcommand(logger, open),
		batchCmdName:  newBatchSubcommand(logger, stdin, open),
		symrefCmdName: newSymrefSubcommand(logger, open),
		renameCmdName: newMoveSubcommand(renameCmdName, logger, open),
		copyCmdName:   newMoveSubcommand(copyCmdName, logger, open),
		reflogCmdName: newReflogSubcommand(logger, stdout, open),
		expireCmdName: newExpireSubcommand(logger, stdout, open),
		packCmdName:   newPackSubcommand(logger, open),
	}
}

// subCommand returns an exit code, to be fed into os.Exit.
func subCommand(subcommands map[string]subcmd, cfg config.Cfg, arg0 string, argRest []string) int {
	subcmd, ok := subcommands[arg0]
	if !ok {
		printfErr("%s: unknown subcommand: %q\n", progname, arg0)
		return 1
	}

	flags := subcmd.FlagSet()

	if err := flags.Parse(argRest); err != nil {
		printfErr("%s\n", err)
		return 1
	}

	if err := subcmd.Exec(flags, cfg); err != nil {
		reportError(err)
		printfErr("%s\n", err)
		return 1
	}

	return 0
}

func printfErr(format string, a ...interface{}) (int, error) {
	return fmt.Fprintf(os.Stderr, format, a...)
}

type unexpectedPositionalArgsError struct{ Command string }

func (err unexpectedPositionalArgsError) Error() string {
	return fmt.Sprintf("%s doesn't accept positional arguments", err.Command)
}

type wrongArgCountError struct {
	Command string
	Usage   string
}

func (err wrongArgCountError) Error() string {
	return fmt.Sprintf("usage: %s %s", err.Command, err.Usage)
}

// commandContext returns a context carrying a new correlation ID and a logger tagged with it. The
// reference store logs through the context's logger.
func commandContext(logger *logrus.Entry, name string) (context.Context, *logrus.Entry) {
	ctx := correlation.ContextWithCorrelation(context.Background(), correlation.SafeRandomID())

	logger = logger.WithFields(logrus.Fields{
		"correlation_id": correlation.ExtractFromContext(ctx),
		"command":        name,
	})
	logger.Debugf("starting %s command", name)

	return ctxlogrus.ToContext(ctx, logger), logger
}

// openStore opens the store with a `git cat-file` process to verify objects.
func openStore(ctx context.Context, cfg config.Cfg) (*refstore.Store, func(), error) {
	hash, err := cfg.HashFormat()
	if err != nil {
		return nil, nil, err
	}

	committer, err := cfg.CommitterFunc()
	if err != nil {
		return nil, nil, err
	}

	tables, err := cfg.ReftableOptions()
	if err != nil {
		return nil, nil, err
	}

	objects, err := catfile.NewBatchCheck(ctx, cfg.Git.BinPath, cfg.GitDir, hash)
	if err != nil {
		return nil, nil, fmt.Errorf("starting object reader: %w", err)
	}

	store, err := refstore.New(ctx, refstore.Options{
		GitDir:           cfg.GitDir,
		HashFormat:       hash,
		Bare:             cfg.Bare,
		LogAllRefUpdates: refstore.LogRefUpdates(cfg.LogAllRefUpdates),
		Objects:          objects,
		Committer:        committer,
		Logger:           logger,
		Reftable:         tables,
	})
	if err != nil {
		_ = objects.Close()
		return nil, nil, err
	}

	return store, func() {
		if err := objects.Close(); err != nil {
			logger.WithError(err).Warn("closing object reader")
		}
	}, nil
}

func configureSentry(cfg config.Sentry) {
	if cfg.DSN == "" {
		return
	}

	if err := sentry.Init(sentry.ClientOptions{
		Dsn:         cfg.DSN,
		Environment: cfg.Environment,
	}); err != nil {
		logger.WithError(err).Warn("Unable to initialize sentry client")
		return
	}

	logger.Debug("Using sentry logging")
}

// reportError sends failures of the storage engine to Sentry. Errors caused by the user's input,
// like conflicting or malformed names, are not reported.
func reportError(err error) {
	var engineErr *refstore.EngineError
	if !errors.As(err, &engineErr) {
		return
	}

	if id := sentry.CaptureException(err); id != nil {
		logger.WithField("sentry_id", *id).Error("storage engine failure sent to Sentry")
	}
	sentry.Flush(2 * time.Second)
}
