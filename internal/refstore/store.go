package refstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/grpc-ecosystem/go-grpc-middleware/logging/logrus/ctxlogrus"
	"github.com/sirupsen/logrus"
	"gitlab.com/gitlab-org/refstore/internal/git"
	"gitlab.com/gitlab-org/refstore/internal/git/catfile"
	"gitlab.com/gitlab-org/refstore/internal/reftable"
	"gitlab.com/gitlab-org/refstore/internal/safe"
)

// ObjectReader looks up objects of the repository. Missing objects must be reported via
// catfile.NotFoundError. Revisions are either object IDs or object IDs suffixed with "^{}" to
// request the peeled object.
type ObjectReader interface {
	Info(ctx context.Context, revision git.Revision) (*catfile.ObjectInfo, error)
}

// CommitterFunc returns the identity recorded in reflog entries.
type CommitterFunc func() (git.Signature, error)

// LogRefUpdates mirrors the core.logAllRefUpdates setting.
type LogRefUpdates string

const (
	// LogRefUpdatesDefault logs updates of standard references unless the repository is bare.
	LogRefUpdatesDefault = LogRefUpdates("")
	// LogRefUpdatesTrue logs updates of HEAD, branches, remote-tracking branches and notes as
	// well as of every reference which has a reflog already.
	LogRefUpdatesTrue = LogRefUpdates("true")
	// LogRefUpdatesFalse only logs updates of references which have a reflog already.
	LogRefUpdatesFalse = LogRefUpdates("false")
	// LogRefUpdatesAlways logs updates of all references.
	LogRefUpdatesAlways = LogRefUpdates("always")
)

// Options configure a Store.
type Options struct {
	// GitDir is the repository's Git directory. For linked worktrees this is the worktree's
	// private directory "<common-dir>/worktrees/<id>".
	GitDir string
	// HashFormat is the object hash of the repository. Defaults to SHA1.
	HashFormat git.ObjectHash
	// Bare tells whether the repository is bare, which changes the default logging policy.
	Bare bool
	// LogAllRefUpdates is the reflog policy.
	LogAllRefUpdates LogRefUpdates
	// Objects is used to verify new values and to peel tags. Verification is skipped if unset.
	Objects ObjectReader
	// Committer provides the identity of new reflog entries.
	Committer CommitterFunc
	// Logger is used when the context does not carry a logger.
	Logger logrus.FieldLogger
	// Reftable configures the storage units. HashFormat and Logger are inherited from the
	// store.
	Reftable reftable.Options
}

// Store is a reference store on top of reftable stacks: one main stack holding shared references
// and the main worktree's references, and one stack per linked worktree. A Store is a session
// object and is not safe for concurrent use.
type Store struct {
	gitDir     string
	commonDir  string
	worktreeID string

	opts   Options
	log    logrus.FieldLogger
	tables reftable.Options

	main     *reftable.Stack
	worktree *reftable.Stack
	// worktrees caches stacks of worktrees other than the current one, keyed by worktree ID.
	worktrees map[string]*reftable.Stack

	metrics *metrics
}

// New opens the reference store of the repository at opts.GitDir.
func New(ctx context.Context, opts Options) (*Store, error) {
	if opts.GitDir == "" {
		return nil, errors.New("missing git directory")
	}

	gitDir, err := filepath.Abs(opts.GitDir)
	if err != nil {
		return nil, fmt.Errorf("resolving git directory: %w", err)
	}

	if opts.HashFormat.Format == "" {
		opts.HashFormat = git.ObjectHashSHA1
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	if opts.Committer == nil {
		opts.Committer = defaultCommitter
	}

	tables := opts.Reftable
	tables.HashFormat = opts.HashFormat
	if tables.Logger == nil {
		tables.Logger = opts.Logger
	}
	if tables.Cache == nil {
		if tables.Cache, err = reftable.NewSegmentCache(0); err != nil {
			return nil, err
		}
	}

	store := &Store{
		gitDir:    gitDir,
		commonDir: gitDir,
		opts:      opts,
		log:       opts.Logger.WithField("git_dir", gitDir),
		tables:    tables,
		worktrees: map[string]*reftable.Stack{},
		metrics:   newMetrics(),
	}

	if parent := filepath.Dir(gitDir); filepath.Base(parent) == "worktrees" {
		store.commonDir = filepath.Dir(parent)
		store.worktreeID = filepath.Base(gitDir)
	}

	if store.main, err = reftable.Open(filepath.Join(store.commonDir, "reftable"), tables); err != nil {
		return nil, engineError("opening main stack", err)
	}

	if store.worktreeID != "" {
		if store.worktree, err = reftable.Open(filepath.Join(gitDir, "reftable"), tables); err != nil {
			return nil, engineError("opening worktree stack", err)
		}
	}

	store.logger(ctx).WithField("worktree", store.worktreeID).Debug("opened reference store")

	return store, nil
}

func defaultCommitter() (git.Signature, error) {
	return git.NewSignature("refstore", "refstore@localhost", time.Now()), nil
}

// GitDir returns the Git directory the store has been opened for.
func (s *Store) GitDir() string {
	return s.gitDir
}

// HashFormat returns the object hash of the repository.
func (s *Store) HashFormat() git.ObjectHash {
	return s.opts.HashFormat
}

// Worktree returns the ID of the current linked worktree, or the empty string for the main
// worktree.
func (s *Store) Worktree() string {
	return s.worktreeID
}

// Init sets up a new repository: it writes stub files for tools which do not know about reftables
// and points HEAD to the default branch unless HEAD exists already.
func (s *Store) Init(ctx context.Context, defaultBranch string) error {
	if defaultBranch == "" {
		defaultBranch = git.DefaultBranch
	}

	if err := os.MkdirAll(filepath.Join(s.commonDir, "refs"), 0o777); err != nil {
		return fmt.Errorf("creating refs directory: %w", err)
	}

	for path, contents := range map[string]string{
		filepath.Join(s.gitDir, "HEAD"):             "ref: refs/heads/.invalid\n",
		filepath.Join(s.commonDir, "refs", "heads"): "this repository uses the reftable format\n",
	} {
		if err := writeStub(path, contents); err != nil {
			return err
		}
	}

	if _, err := s.ReadRawRef(ctx, git.HEAD); err == nil {
		return nil
	} else if !errors.Is(err, git.ErrReferenceNotFound) {
		return err
	}

	return s.CreateSymref(ctx, git.HEAD, git.NewReferenceNameFromBranchName(defaultBranch), "")
}

func writeStub(path, contents string) error {
	if info, err := os.Stat(path); err == nil && info.IsDir() {
		return fmt.Errorf("stub %q is a directory", path)
	}

	writer, err := safe.NewFileWriter(path)
	if err != nil {
		return fmt.Errorf("creating stub: %w", err)
	}
	defer func() { _ = writer.Close() }()

	if _, err := io.WriteString(writer, contents); err != nil {
		return fmt.Errorf("writing stub: %w", err)
	}

	return writer.Commit()
}

// stackFor returns the stack owning the reference along with the name the stack knows the
// reference by.
func (s *Store) stackFor(name git.ReferenceName) (*reftable.Stack, git.ReferenceName, error) {
	ref := git.ClassifyReference(name)

	switch ref.Kind {
	case git.WorktreeOther:
		if ref.Worktree == s.worktreeID && s.worktree != nil {
			return s.worktree, ref.Name, nil
		}

		stack, ok := s.worktrees[ref.Worktree]
		if !ok {
			var err error
			dir := filepath.Join(s.commonDir, "worktrees", ref.Worktree, "reftable")
			if stack, err = reftable.Open(dir, s.tables); err != nil {
				return nil, "", engineError(fmt.Sprintf("opening stack of worktree %q", ref.Worktree), err)
			}
			s.worktrees[ref.Worktree] = stack
		}

		return stack, ref.Name, nil
	case git.WorktreeMain:
		return s.main, ref.Name, nil
	case git.WorktreeCurrent:
		if s.worktree != nil {
			return s.worktree, ref.Name, nil
		}
		return s.main, ref.Name, nil
	default:
		return s.main, ref.Name, nil
	}
}

// stacks returns all stacks opened by the store. The main stack comes first, followed by the
// current worktree's stack and the stacks of other worktrees ordered by their ID.
func (s *Store) stacks() []*reftable.Stack {
	stacks := []*reftable.Stack{s.main}
	if s.worktree != nil {
		stacks = append(stacks, s.worktree)
	}

	ids := make([]string, 0, len(s.worktrees))
	for id := range s.worktrees {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		stacks = append(stacks, s.worktrees[id])
	}

	return stacks
}

func (s *Store) logger(ctx context.Context) logrus.FieldLogger {
	if entry := ctxlogrus.Extract(ctx); entry.Logger.Out != io.Discard {
		return entry.WithField("git_dir", s.gitDir)
	}
	return s.log
}

func (s *Store) committer() (git.Signature, error) {
	signature, err := s.opts.Committer()
	if err != nil {
		return git.Signature{}, fmt.Errorf("determining committer: %w", err)
	}
	return signature, nil
}
