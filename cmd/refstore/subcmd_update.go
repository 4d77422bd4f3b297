package main

import (
	"flag"
	"fmt"

	"github.com/sirupsen/logrus"
	"gitlab.com/gitlab-org/refstore/internal/config"
	"gitlab.com/gitlab-org/refstore/internal/git"
	"gitlab.com/gitlab-org/refstore/internal/refstore"
)

const (
	updateCmdName = "update"
	deleteCmdName = "delete"
)

// updateFlags are the flags shared by subcommands queueing reference updates.
type updateFlags struct {
	message      string
	noDeref      bool
	createReflog bool
}

func (f *updateFlags) register(fs *flag.FlagSet) {
	fs.StringVar(&f.message, "m", "", "reflog message")
	fs.BoolVar(&f.noDeref, "no-deref", false, "update symbolic references themselves instead of their targets")
	fs.BoolVar(&f.createReflog, "create-reflog", false, "write a reflog entry regardless of core.logAllRefUpdates")
}

func (f *updateFlags) flags() refstore.UpdateFlags {
	var flags refstore.UpdateFlags
	if f.noDeref {
		flags |= refstore.UpdateNoDeref
	}
	if f.createReflog {
		flags |= refstore.UpdateForceCreateReflog
	}
	return flags
}

// parseOID parses an object ID of the store's object format. The empty string is returned as is.
func parseOID(store *refstore.Store, hex string) (git.ObjectID, error) {
	if hex == "" {
		return "", nil
	}

	oid, err := store.HashFormat().FromHex(hex)
	if err != nil {
		return "", fmt.Errorf("%q: %w", hex, err)
	}
	return oid, nil
}

type updateSubcommand struct {
	updateFlags
	logger *logrus.Entry
	open   storeOpener
	oldOID string
}

func newUpdateSubcommand(logger *logrus.Entry, open storeOpener) *updateSubcommand {
	return &updateSubcommand{logger: logger, open: open}
}

func (cmd *updateSubcommand) FlagSet() *flag.FlagSet {
	fs := flag.NewFlagSet(updateCmdName, flag.ExitOnError)
	cmd.register(fs)
	fs.StringVar(&cmd.oldOID, "old", "", "expected old value; the zero object ID requires the reference to not exist")
	return fs
}

func (cmd *updateSubcommand) Exec(flags *flag.FlagSet, cfg config.Cfg) error {
	if flags.NArg() != 2 {
		return wrongArgCountError{Command: flags.Name(), Usage: "<ref> <new-oid>"}
	}
	name := git.ReferenceName(flags.Arg(0))

	ctx, logger := commandContext(cmd.logger, flags.Name())

	return withStore(ctx, cmd.open, cfg, func(store *refstore.Store) error {
		newOID, err := parseOID(store, flags.Arg(1))
		if err != nil {
			return err
		}
		oldOID, err := parseOID(store, cmd.oldOID)
		if err != nil {
			return err
		}

		tx := store.NewTransaction()
		if err := tx.Update(name, newOID, oldOID, cmd.flags(), cmd.message); err != nil {
			return err
		}
		if err := tx.Commit(ctx); err != nil {
			return err
		}

		logger.WithFields(logrus.Fields{"ref": name, "new_oid": newOID}).Info("updated reference")
		return nil
	})
}

type deleteSubcommand struct {
	updateFlags
	logger *logrus.Entry
	open   storeOpener
	oldOID string
}

func newDeleteSubcommand(logger *logrus.Entry, open storeOpener) *deleteSubcommand {
	return &deleteSubcommand{logger: logger, open: open}
}

func (cmd *deleteSubcommand) FlagSet() *flag.FlagSet {
	fs := flag.NewFlagSet(deleteCmdName, flag.ExitOnError)
	cmd.register(fs)
	fs.StringVar(&cmd.oldOID, "old", "", "expected old value, only allowed when deleting a single reference")
	return fs
}

func (cmd *deleteSubcommand) Exec(flags *flag.FlagSet, cfg config.Cfg) error {
	if flags.NArg() == 0 {
		return wrongArgCountError{Command: flags.Name(), Usage: "<ref>..."}
	}
	if cmd.oldOID != "" && flags.NArg() > 1 {
		return fmt.Errorf("%s: -old requires a single reference", flags.Name())
	}

	ctx, logger := commandContext(cmd.logger, flags.Name())

	return withStore(ctx, cmd.open, cfg, func(store *refstore.Store) error {
		oldOID, err := parseOID(store, cmd.oldOID)
		if err != nil {
			return err
		}

		tx := store.NewTransaction()
		for _, arg := range flags.Args() {
			if err := tx.Delete(git.ReferenceName(arg), oldOID, cmd.flags(), cmd.message); err != nil {
				return err
			}
		}
		if err := tx.Commit(ctx); err != nil {
			return err
		}

		logger.WithField("refs", flags.Args()).Info("deleted references")
		return nil
	})
}
