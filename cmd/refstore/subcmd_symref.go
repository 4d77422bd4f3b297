package main

import (
	"flag"

	"github.com/sirupsen/logrus"
	"gitlab.com/gitlab-org/refstore/internal/config"
	"gitlab.com/gitlab-org/refstore/internal/git"
	"gitlab.com/gitlab-org/refstore/internal/refstore"
)

const symrefCmdName = "symref"

type symrefSubcommand struct {
	logger  *logrus.Entry
	open    storeOpener
	message string
}

func newSymrefSubcommand(logger *logrus.Entry, open storeOpener) *symrefSubcommand {
	return &symrefSubcommand{logger: logger, open: open}
}

func (cmd *symrefSubcommand) FlagSet() *flag.FlagSet {
	fs := flag.NewFlagSet(symrefCmdName, flag.ExitOnError)
	fs.StringVar(&cmd.message, "m", "", "reflog message")
	return fs
}

func (cmd *symrefSubcommand) Exec(flags *flag.FlagSet, cfg config.Cfg) error {
	if flags.NArg() != 2 {
		return wrongArgCountError{Command: flags.Name(), Usage: "<ref> <target>"}
	}
	name, target := git.ReferenceName(flags.Arg(0)), git.ReferenceName(flags.Arg(1))

	ctx, logger := commandContext(cmd.logger, flags.Name())

	return withStore(ctx, cmd.open, cfg, func(store *refstore.Store) error {
		if err := store.CreateSymref(ctx, name, target, cmd.message); err != nil {
			return err
		}

		logger.WithFields(logrus.Fields{"ref": name, "target": target}).Info("created symbolic reference")
		return nil
	})
}
