package main

import (
	"flag"
	"fmt"
	"io"

	"github.com/sirupsen/logrus"
	"gitlab.com/gitlab-org/refstore/internal/config"
	"gitlab.com/gitlab-org/refstore/internal/git"
	"gitlab.com/gitlab-org/refstore/internal/refstore"
)

const showCmdName = "show"

type showSubcommand struct {
	logger  *logrus.Entry
	out     io.Writer
	open    storeOpener
	resolve bool
}

func newShowSubcommand(logger *logrus.Entry, out io.Writer, open storeOpener) *showSubcommand {
	return &showSubcommand{logger: logger, out: out, open: open}
}

func (cmd *showSubcommand) FlagSet() *flag.FlagSet {
	fs := flag.NewFlagSet(showCmdName, flag.ExitOnError)
	fs.BoolVar(&cmd.resolve, "resolve", false, "follow symbolic references and print the object and name they resolve to")
	return fs
}

func (cmd *showSubcommand) Exec(flags *flag.FlagSet, cfg config.Cfg) error {
	if flags.NArg() != 1 {
		return wrongArgCountError{Command: flags.Name(), Usage: "<ref>"}
	}
	name := git.ReferenceName(flags.Arg(0))

	ctx, _ := commandContext(cmd.logger, flags.Name())

	return withStore(ctx, cmd.open, cfg, func(store *refstore.Store) error {
		if cmd.resolve {
			oid, resolved, err := store.ResolveRef(ctx, name)
			if err != nil {
				return fmt.Errorf("resolving %q: %w", name, err)
			}

			fmt.Fprintf(cmd.out, "%s %s\n", oid, resolved)
			return nil
		}

		raw, err := store.ReadRawRef(ctx, name)
		if err != nil {
			return fmt.Errorf("reading %q: %w", name, err)
		}

		switch {
		case raw.IsSymbolic():
			fmt.Fprintf(cmd.out, "ref: %s\n", raw.SymbolicTarget)
		case raw.Peeled != "":
			fmt.Fprintf(cmd.out, "%s\n%s %s^{}\n", raw.OID, raw.Peeled, name)
		default:
			fmt.Fprintf(cmd.out, "%s\n", raw.OID)
		}

		return nil
	})
}
