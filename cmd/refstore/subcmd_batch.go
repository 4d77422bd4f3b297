package main

import (
	"bufio"
	"flag"
	"fmt"
	"io"
	"strings"

	"github.com/sirupsen/logrus"
	"gitlab.com/gitlab-org/refstore/internal/config"
	"gitlab.com/gitlab-org/refstore/internal/git"
	"gitlab.com/gitlab-org/refstore/internal/refstore"
)

const batchCmdName = "batch"

type batchSubcommand struct {
	logger  *logrus.Entry
	in      io.Reader
	open    storeOpener
	message string
}

func newBatchSubcommand(logger *logrus.Entry, in io.Reader, open storeOpener) *batchSubcommand {
	return &batchSubcommand{logger: logger, in: in, open: open}
}

func (cmd *batchSubcommand) FlagSet() *flag.FlagSet {
	fs := flag.NewFlagSet(batchCmdName, flag.ExitOnError)
	fs.StringVar(&cmd.message, "m", "", "reflog message of all updates")
	fs.Usage = func() {
		printfErr("Description:\n" +
			"	Reads commands from stdin, one per line, and commits them in a single transaction:\n" +
			"		update <ref> <new-oid> [<old-oid>]\n" +
			"		create <ref> <new-oid>\n" +
			"		delete <ref> [<old-oid>]\n" +
			"		verify <ref> [<old-oid>]\n" +
			"		option no-deref\n" +
			"	The option applies to the next command only.\n")
		fs.PrintDefaults()
	}
	return fs
}

func (cmd *batchSubcommand) Exec(flags *flag.FlagSet, cfg config.Cfg) error {
	if flags.NArg() > 0 {
		return unexpectedPositionalArgsError{Command: flags.Name()}
	}

	ctx, logger := commandContext(cmd.logger, flags.Name())

	return withStore(ctx, cmd.open, cfg, func(store *refstore.Store) error {
		tx := store.NewTransaction()
		defer tx.Abort(ctx)

		scanner := bufio.NewScanner(cmd.in)
		var lineno int
		var noDeref bool
		for scanner.Scan() {
			lineno++

			line := strings.TrimSpace(scanner.Text())
			if line == "" {
				continue
			}

			if line == "option no-deref" {
				noDeref = true
				continue
			}

			var updateFlags refstore.UpdateFlags
			if noDeref {
				updateFlags |= refstore.UpdateNoDeref
				noDeref = false
			}

			if err := cmd.queue(store, tx, strings.Fields(line), updateFlags); err != nil {
				return fmt.Errorf("line %d: %w", lineno, err)
			}
		}
		if err := scanner.Err(); err != nil {
			return fmt.Errorf("reading commands: %w", err)
		}
		if noDeref {
			return fmt.Errorf("line %d: option no-deref is not followed by a command", lineno)
		}

		if err := tx.Commit(ctx); err != nil {
			return err
		}

		logger.WithField("updates", len(tx.Updates())).Info("committed batch")
		return nil
	})
}

func (cmd *batchSubcommand) queue(store *refstore.Store, tx *refstore.Transaction, fields []string, flags refstore.UpdateFlags) error {
	verb, args := fields[0], fields[1:]

	var minArgs, maxArgs int
	switch verb {
	case "update":
		minArgs, maxArgs = 2, 3
	case "create":
		minArgs, maxArgs = 2, 2
	case "delete", "verify":
		minArgs, maxArgs = 1, 2
	default:
		return fmt.Errorf("unknown command %q", verb)
	}
	if len(args) < minArgs || len(args) > maxArgs {
		return fmt.Errorf("%s: expected between %d and %d arguments, got %d", verb, minArgs, maxArgs, len(args))
	}

	oids := make([]git.ObjectID, len(args))
	for i, arg := range args[1:] {
		oid, err := parseOID(store, arg)
		if err != nil {
			return fmt.Errorf("%s: %w", verb, err)
		}
		oids[i+1] = oid
	}
	name := git.ReferenceName(args[0])

	switch verb {
	case "update":
		var oldOID git.ObjectID
		if len(oids) == 3 {
			oldOID = oids[2]
		}
		return tx.Update(name, oids[1], oldOID, flags, cmd.message)
	case "create":
		return tx.Create(name, oids[1], flags, cmd.message)
	case "delete":
		var oldOID git.ObjectID
		if len(oids) == 2 {
			oldOID = oids[1]
		}
		return tx.Delete(name, oldOID, flags, cmd.message)
	default:
		var oldOID git.ObjectID
		if len(oids) == 2 {
			oldOID = oids[1]
		}
		return tx.Verify(name, oldOID, flags)
	}
}
