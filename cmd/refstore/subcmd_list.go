package main

import (
	"flag"
	"io"
	"strings"

	"github.com/olekukonko/tablewriter"
	"github.com/sirupsen/logrus"
	"gitlab.com/gitlab-org/refstore/internal/config"
	"gitlab.com/gitlab-org/refstore/internal/refstore"
)

const listCmdName = "list"

type listSubcommand struct {
	logger          *logrus.Entry
	out             io.Writer
	open            storeOpener
	prefix          string
	exclude         string
	includeBroken   bool
	includeRootRefs bool
	perWorktreeOnly bool
}

func newListSubcommand(logger *logrus.Entry, out io.Writer, open storeOpener) *listSubcommand {
	return &listSubcommand{logger: logger, out: out, open: open}
}

func (cmd *listSubcommand) FlagSet() *flag.FlagSet {
	fs := flag.NewFlagSet(listCmdName, flag.ExitOnError)
	fs.StringVar(&cmd.prefix, "prefix", "", "only list references starting with this prefix")
	fs.StringVar(&cmd.exclude, "exclude", "", "comma-separated prefixes of references to skip")
	fs.BoolVar(&cmd.includeBroken, "include-broken", false, "list references which do not resolve")
	fs.BoolVar(&cmd.includeRootRefs, "include-root-refs", false, "list references outside of refs/ like HEAD")
	fs.BoolVar(&cmd.perWorktreeOnly, "per-worktree", false, "only list references of the current worktree")
	return fs
}

func (cmd *listSubcommand) Exec(flags *flag.FlagSet, cfg config.Cfg) error {
	if flags.NArg() > 0 {
		return unexpectedPositionalArgsError{Command: flags.Name()}
	}

	opts := refstore.IterateOptions{Prefix: cmd.prefix}
	if cmd.exclude != "" {
		opts.Exclude = strings.Split(cmd.exclude, ",")
	}
	if cmd.includeBroken {
		opts.Flags |= refstore.IterateIncludeBroken
	}
	if cmd.includeRootRefs {
		opts.Flags |= refstore.IterateIncludeRootRefs
	}
	if cmd.perWorktreeOnly {
		opts.Flags |= refstore.IteratePerWorktreeOnly
	}

	ctx, _ := commandContext(cmd.logger, flags.Name())

	return withStore(ctx, cmd.open, cfg, func(store *refstore.Store) error {
		iter, err := store.IterateRefs(ctx, opts)
		if err != nil {
			return err
		}
		defer iter.Close()

		table := newTable(cmd.out, "Reference", "Object", "Target", "Flags")
		for iter.Next() {
			ref := iter.Ref()
			table.Append([]string{ref.Name.String(), ref.OID.String(), ref.SymbolicTarget.String(), formatRefFlags(ref.Flags)})
		}
		if err := iter.Err(); err != nil {
			return err
		}

		table.Render()
		return nil
	})
}

func formatRefFlags(flags refstore.RefFlags) string {
	var names []string
	for _, known := range []struct {
		flag refstore.RefFlags
		name string
	}{
		{flag: refstore.RefIsSymref, name: "symref"},
		{flag: refstore.RefIsBroken, name: "broken"},
		{flag: refstore.RefBadName, name: "bad-name"},
	} {
		if flags&known.flag != 0 {
			names = append(names, known.name)
		}
	}
	return strings.Join(names, ",")
}

func newTable(out io.Writer, header ...string) *tablewriter.Table {
	table := tablewriter.NewWriter(out)
	table.SetHeader(header)
	table.SetBorder(false)
	table.SetAutoWrapText(false)
	return table
}
