package main

import (
	"context"
	"flag"
	"fmt"

	"github.com/sirupsen/logrus"
	"gitlab.com/gitlab-org/refstore/internal/config"
	"gitlab.com/gitlab-org/refstore/internal/git"
	"gitlab.com/gitlab-org/refstore/internal/refstore"
)

const (
	renameCmdName = "rename"
	copyCmdName   = "copy"
)

// moveSubcommand renames or copies a reference together with its reflog.
type moveSubcommand struct {
	name    string
	logger  *logrus.Entry
	open    storeOpener
	message string
}

func newMoveSubcommand(name string, logger *logrus.Entry, open storeOpener) *moveSubcommand {
	return &moveSubcommand{name: name, logger: logger, open: open}
}

func (cmd *moveSubcommand) FlagSet() *flag.FlagSet {
	fs := flag.NewFlagSet(cmd.name, flag.ExitOnError)
	fs.StringVar(&cmd.message, "m", "", "reflog message")
	return fs
}

func (cmd *moveSubcommand) move(store *refstore.Store) func(context.Context, git.ReferenceName, git.ReferenceName, string) error {
	switch cmd.name {
	case renameCmdName:
		return store.RenameRef
	case copyCmdName:
		return store.CopyRef
	default:
		panic(fmt.Sprintf("unknown move subcommand %q", cmd.name))
	}
}

func (cmd *moveSubcommand) Exec(flags *flag.FlagSet, cfg config.Cfg) error {
	if flags.NArg() != 2 {
		return wrongArgCountError{Command: flags.Name(), Usage: "<old-ref> <new-ref>"}
	}
	oldName, newName := git.ReferenceName(flags.Arg(0)), git.ReferenceName(flags.Arg(1))

	ctx, logger := commandContext(cmd.logger, flags.Name())

	return withStore(ctx, cmd.open, cfg, func(store *refstore.Store) error {
		if err := cmd.move(store)(ctx, oldName, newName, cmd.message); err != nil {
			return err
		}

		logger.WithFields(logrus.Fields{"old_ref": oldName, "new_ref": newName}).Infof("%s done", cmd.name)
		return nil
	})
}
