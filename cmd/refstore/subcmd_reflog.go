package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"
	"gitlab.com/gitlab-org/refstore/internal/config"
	"gitlab.com/gitlab-org/refstore/internal/git"
	"gitlab.com/gitlab-org/refstore/internal/refstore"
)

const reflogCmdName = "reflog"

var errReflogMissing = errors.New("reflog does not exist")

type reflogSubcommand struct {
	logger      *logrus.Entry
	out         io.Writer
	open        storeOpener
	oldestFirst bool
	exists      bool
	create      bool
	remove      bool
	list        bool
}

func newReflogSubcommand(logger *logrus.Entry, out io.Writer, open storeOpener) *reflogSubcommand {
	return &reflogSubcommand{logger: logger, out: out, open: open}
}

func (cmd *reflogSubcommand) FlagSet() *flag.FlagSet {
	fs := flag.NewFlagSet(reflogCmdName, flag.ExitOnError)
	fs.BoolVar(&cmd.oldestFirst, "oldest-first", false, "print the oldest entry first")
	fs.BoolVar(&cmd.exists, "exists", false, "fail unless the reference has a reflog")
	fs.BoolVar(&cmd.create, "create", false, "create an empty reflog")
	fs.BoolVar(&cmd.remove, "delete", false, "delete the reflog")
	fs.BoolVar(&cmd.list, "list", false, "list the names of all references with a reflog")
	fs.Usage = func() {
		printfErr("Description:\n" +
			"	Prints the reflog of <ref>, newest entry first. At most one of\n" +
			"	-exists, -create, -delete and -list may be given.\n")
		fs.PrintDefaults()
	}
	return fs
}

func (cmd *reflogSubcommand) Exec(flags *flag.FlagSet, cfg config.Cfg) error {
	var modes int
	for _, set := range []bool{cmd.exists, cmd.create, cmd.remove, cmd.list} {
		if set {
			modes++
		}
	}
	if modes > 1 {
		return fmt.Errorf("%s: -exists, -create, -delete and -list are mutually exclusive", flags.Name())
	}

	if cmd.list {
		if flags.NArg() > 0 {
			return unexpectedPositionalArgsError{Command: flags.Name()}
		}
	} else if flags.NArg() != 1 {
		return wrongArgCountError{Command: flags.Name(), Usage: "<ref>"}
	}
	name := git.ReferenceName(flags.Arg(0))

	ctx, logger := commandContext(cmd.logger, flags.Name())

	return withStore(ctx, cmd.open, cfg, func(store *refstore.Store) error {
		switch {
		case cmd.list:
			names, err := store.ReflogRefNames(ctx)
			if err != nil {
				return err
			}
			for _, name := range names {
				fmt.Fprintln(cmd.out, name)
			}
			return nil
		case cmd.exists:
			exists, err := store.ReflogExists(ctx, name)
			if err != nil {
				return err
			}
			if !exists {
				return fmt.Errorf("%s: %w", name, errReflogMissing)
			}
			return nil
		case cmd.create:
			if err := store.CreateReflog(ctx, name); err != nil {
				return err
			}
			logger.WithField("ref", name).Info("created reflog")
			return nil
		case cmd.remove:
			if err := store.DeleteReflog(ctx, name); err != nil {
				return err
			}
			logger.WithField("ref", name).Info("deleted reflog")
			return nil
		}

		order := refstore.ReflogNewestFirst
		if cmd.oldestFirst {
			order = refstore.ReflogOldestFirst
		}

		table := newTable(cmd.out, "Index", "Old", "New", "Committer", "Date", "Message")
		if err := store.ForEachReflogEntry(ctx, name, order, func(entry refstore.ReflogEntry) error {
			table.Append([]string{
				strconv.FormatUint(entry.UpdateIndex, 10),
				entry.OldOID.String(),
				entry.NewOID.String(),
				fmt.Sprintf("%s <%s>", entry.Committer.Name, entry.Committer.Email),
				entry.Committer.When.Format(time.RFC3339),
				entry.Message,
			})
			return nil
		}); err != nil {
			return err
		}

		table.Render()
		return nil
	})
}
