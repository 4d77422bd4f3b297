package main

import (
	"flag"
	"io"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"
	"gitlab.com/gitlab-org/refstore/internal/config"
	"gitlab.com/gitlab-org/refstore/internal/git"
	"gitlab.com/gitlab-org/refstore/internal/refstore"
)

const (
	expireCmdName = "expire"

	defaultExpiry = 90 * 24 * time.Hour
)

type expireSubcommand struct {
	logger    *logrus.Entry
	out       io.Writer
	open      storeOpener
	now       func() time.Time
	expire    time.Duration
	dryRun    bool
	rewrite   bool
	updateRef bool
	all       bool
}

func newExpireSubcommand(logger *logrus.Entry, out io.Writer, open storeOpener) *expireSubcommand {
	return &expireSubcommand{logger: logger, out: out, open: open, now: time.Now}
}

func (cmd *expireSubcommand) FlagSet() *flag.FlagSet {
	fs := flag.NewFlagSet(expireCmdName, flag.ExitOnError)
	fs.DurationVar(&cmd.expire, "expire", defaultExpiry, "prune entries older than this")
	fs.BoolVar(&cmd.dryRun, "dry-run", false, "only report what would be pruned")
	fs.BoolVar(&cmd.rewrite, "rewrite", false, "rewrite old values of retained entries to keep the history contiguous")
	fs.BoolVar(&cmd.updateRef, "updateref", false, "point the reference at the newest retained entry")
	fs.BoolVar(&cmd.all, "all", false, "expire the reflogs of all references")
	return fs
}

func (cmd *expireSubcommand) Exec(flags *flag.FlagSet, cfg config.Cfg) error {
	if cmd.all && flags.NArg() > 0 {
		return unexpectedPositionalArgsError{Command: flags.Name()}
	}
	if !cmd.all && flags.NArg() == 0 {
		return wrongArgCountError{Command: flags.Name(), Usage: "(-all | <ref>...)"}
	}

	var expireFlags refstore.ExpireFlags
	if cmd.dryRun {
		expireFlags |= refstore.ExpireDryRun
	}
	if cmd.rewrite {
		expireFlags |= refstore.ExpireRewrite
	}
	if cmd.updateRef {
		expireFlags |= refstore.ExpireUpdateRef
	}

	ctx, logger := commandContext(cmd.logger, flags.Name())
	cutoff := cmd.now().Add(-cmd.expire)

	return withStore(ctx, cmd.open, cfg, func(store *refstore.Store) error {
		names := make([]git.ReferenceName, 0, flags.NArg())
		for _, arg := range flags.Args() {
			names = append(names, git.ReferenceName(arg))
		}
		if cmd.all {
			var err error
			if names, err = store.ReflogRefNames(ctx); err != nil {
				return err
			}
		}

		table := newTable(cmd.out, "Reference", "Pruned", "Retained", "Rewritten")
		for _, name := range names {
			result, err := store.ExpireReflog(ctx, name, refstore.ExpireOlderThan(cutoff), expireFlags)
			if err != nil {
				return err
			}

			table.Append([]string{
				name.String(),
				strconv.Itoa(result.Pruned),
				strconv.Itoa(result.Retained),
				strconv.Itoa(result.Rewritten),
			})
		}
		table.Render()

		logger.WithFields(logrus.Fields{
			"refs":    len(names),
			"cutoff":  cutoff,
			"dry_run": cmd.dryRun,
		}).Info("expired reflogs")
		return nil
	})
}
