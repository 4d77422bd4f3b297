package refstore

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gitlab.com/gitlab-org/refstore/internal/git"
	"gitlab.com/gitlab-org/refstore/internal/git/gittest"
	"gitlab.com/gitlab-org/refstore/internal/reftable"
	"gitlab.com/gitlab-org/refstore/internal/testhelper"
)

func TestMain(m *testing.M) {
	testhelper.Run(m)
}

type setupOption func(*Options)

func withBare() setupOption {
	return func(opts *Options) {
		opts.Bare = true
	}
}

func withLogRefUpdates(policy LogRefUpdates) setupOption {
	return func(opts *Options) {
		opts.LogAllRefUpdates = policy
	}
}

func withCommitter(committer CommitterFunc) setupOption {
	return func(opts *Options) {
		opts.Committer = committer
	}
}

// setupStore creates a store in a new Git directory. Reflog entries are stamped with a committer
// whose clock advances by one hour for every write.
func setupStore(t testing.TB, ctx context.Context, opts ...setupOption) (*Store, *gittest.ObjectDB) {
	t.Helper()

	objects := gittest.NewObjectDB(git.ObjectHashSHA1)
	return openStore(t, ctx, testhelper.TempDir(t), objects, opts...), objects
}

func openStore(t testing.TB, ctx context.Context, gitDir string, objects *gittest.ObjectDB, opts ...setupOption) *Store {
	t.Helper()

	options := Options{
		GitDir:     gitDir,
		HashFormat: objects.Hash(),
		Objects:    objects,
		Committer:  gittest.TickingCommitter(gittest.DefaultCommitter, time.Hour),
		Logger:     testhelper.NewDiscardingLogEntry(t),
		Reftable: reftable.Options{
			DisableAutoCompaction: true,
		},
	}
	for _, opt := range opts {
		opt(&options)
	}

	store, err := New(ctx, options)
	require.NoError(t, err)
	return store
}

// setupWorktree creates a linked worktree of the repository the store has been created for.
func setupWorktree(t testing.TB, ctx context.Context, main *Store, objects *gittest.ObjectDB, id string) *Store {
	t.Helper()

	worktreeDir := filepath.Join(main.GitDir(), "worktrees", id)
	require.NoError(t, os.MkdirAll(worktreeDir, 0o777))

	return openStore(t, ctx, worktreeDir, objects)
}

func readOID(t testing.TB, ctx context.Context, store *Store, name git.ReferenceName) git.ObjectID {
	t.Helper()

	raw, err := store.ReadRawRef(ctx, name)
	require.NoError(t, err)
	require.False(t, raw.IsSymbolic())
	return raw.OID
}

func requireRefMissing(t testing.TB, ctx context.Context, store *Store, name git.ReferenceName) {
	t.Helper()

	_, err := store.ReadRawRef(ctx, name)
	require.Equal(t, git.ErrReferenceNotFound, err)
}

// logEntry is the subset of a reflog entry tests commonly assert on.
type logEntry struct {
	UpdateIndex uint64
	OldOID      git.ObjectID
	NewOID      git.ObjectID
	Message     string
}

func readReflog(t testing.TB, ctx context.Context, store *Store, name git.ReferenceName) []logEntry {
	t.Helper()

	entries, err := store.ReadReflog(ctx, name)
	require.NoError(t, err)

	var result []logEntry
	for _, entry := range entries {
		result = append(result, logEntry{
			UpdateIndex: entry.UpdateIndex,
			OldOID:      entry.OldOID,
			NewOID:      entry.NewOID,
			Message:     entry.Message,
		})
	}
	return result
}

func tableCount(t testing.TB, stack *reftable.Stack) int {
	t.Helper()
	require.NoError(t, stack.Reload())
	return len(stack.Tables())
}

func collectRefs(t testing.TB, ctx context.Context, store *Store, opts IterateOptions) []Ref {
	t.Helper()

	iter, err := store.IterateRefs(ctx, opts)
	require.NoError(t, err)

	var refs []Ref
	for iter.Next() {
		refs = append(refs, iter.Ref())
	}
	require.NoError(t, iter.Err())
	require.NoError(t, iter.Close())

	return refs
}

func refNames(refs []Ref) []git.ReferenceName {
	names := make([]git.ReferenceName, 0, len(refs))
	for _, ref := range refs {
		names = append(names, ref.Name)
	}
	return names
}
