package main

import (
	"context"
	"flag"

	"github.com/sirupsen/logrus"
	"gitlab.com/gitlab-org/refstore/internal/config"
	"gitlab.com/gitlab-org/refstore/internal/git"
	"gitlab.com/gitlab-org/refstore/internal/refstore"
)

const initCmdName = "init"

type initSubcommand struct {
	logger *logrus.Entry
	open   storeOpener
	branch string
}

func newInitSubcommand(logger *logrus.Entry, open storeOpener) *initSubcommand {
	return &initSubcommand{logger: logger, open: open}
}

func (cmd *initSubcommand) FlagSet() *flag.FlagSet {
	fs := flag.NewFlagSet(initCmdName, flag.ExitOnError)
	fs.StringVar(&cmd.branch, "initial-branch", git.DefaultBranch, "branch HEAD points to in the new repository")
	fs.Usage = func() {
		printfErr("Description:\n" +
			"	Sets up the reference store of a new repository. HEAD is left untouched\n" +
			"	if it exists already.\n")
		fs.PrintDefaults()
	}
	return fs
}

func (cmd *initSubcommand) Exec(flags *flag.FlagSet, cfg config.Cfg) error {
	if flags.NArg() > 0 {
		return unexpectedPositionalArgsError{Command: flags.Name()}
	}

	ctx, logger := commandContext(cmd.logger, flags.Name())

	return withStore(ctx, cmd.open, cfg, func(store *refstore.Store) error {
		if err := store.Init(ctx, cmd.branch); err != nil {
			return err
		}

		logger.WithField("branch", cmd.branch).Info("initialized reference store")
		return nil
	})
}

// withStore opens the store, runs fn and releases the store afterwards.
func withStore(ctx context.Context, open storeOpener, cfg config.Cfg, fn func(*refstore.Store) error) error {
	store, closeStore, err := open(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	return fn(store)
}
