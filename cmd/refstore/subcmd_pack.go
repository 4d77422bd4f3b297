package main

import (
	"flag"

	"github.com/sirupsen/logrus"
	"gitlab.com/gitlab-org/refstore/internal/config"
	"gitlab.com/gitlab-org/refstore/internal/refstore"
)

const packCmdName = "pack"

type packSubcommand struct {
	logger     *logrus.Entry
	open       storeOpener
	auto       bool
	allUnits   bool
	cleanStale bool
}

func newPackSubcommand(logger *logrus.Entry, open storeOpener) *packSubcommand {
	return &packSubcommand{logger: logger, open: open}
}

func (cmd *packSubcommand) FlagSet() *flag.FlagSet {
	fs := flag.NewFlagSet(packCmdName, flag.ExitOnError)
	fs.BoolVar(&cmd.auto, "auto", false, "only compact tables violating the geometric sequence")
	fs.BoolVar(&cmd.allUnits, "all-units", false, "pack the stacks of all worktrees")
	fs.BoolVar(&cmd.cleanStale, "clean-stale", false, "remove stale lock and temporary files before packing")
	fs.Usage = func() {
		printfErr("Description:\n" +
			"	Compacts the reference tables and removes tables which are not in use\n" +
			"	anymore. Packing does not change any reference or reflog.\n")
		fs.PrintDefaults()
	}
	return fs
}

func (cmd *packSubcommand) Exec(flags *flag.FlagSet, cfg config.Cfg) error {
	if flags.NArg() > 0 {
		return unexpectedPositionalArgsError{Command: flags.Name()}
	}

	ctx, logger := commandContext(cmd.logger, flags.Name())

	return withStore(ctx, cmd.open, cfg, func(store *refstore.Store) error {
		if cmd.cleanStale {
			if err := store.CleanStaleData(ctx); err != nil {
				return err
			}
		}

		if err := store.Pack(ctx, refstore.PackOptions{Auto: cmd.auto, AllUnits: cmd.allUnits}); err != nil {
			return err
		}

		logger.WithFields(logrus.Fields{"auto": cmd.auto, "all_units": cmd.allUnits}).Info("packed references")
		return nil
	})
}
