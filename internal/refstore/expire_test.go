package refstore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gitlab.com/gitlab-org/refstore/internal/git"
	"gitlab.com/gitlab-org/refstore/internal/git/gittest"
	"gitlab.com/gitlab-org/refstore/internal/testhelper"
)

// indexPolicy prunes entries by update index and records how it has been invoked.
type indexPolicy struct {
	prune     map[uint64]bool
	name      git.ReferenceName
	current   git.ObjectID
	inspected []uint64
	cleanups  int
}

func pruneIndices(indices ...uint64) *indexPolicy {
	policy := &indexPolicy{prune: map[uint64]bool{}}
	for _, index := range indices {
		policy.prune[index] = true
	}
	return policy
}

func (p *indexPolicy) Prepare(name git.ReferenceName, current git.ObjectID) {
	p.name = name
	p.current = current
}

func (p *indexPolicy) ShouldPrune(entry ReflogEntry) bool {
	p.inspected = append(p.inspected, entry.UpdateIndex)
	return p.prune[entry.UpdateIndex]
}

func (p *indexPolicy) Cleanup() {
	p.cleanups++
}

// setupHistory creates refs/heads/main with three reflog entries at update indices 1 to 3, which
// have been committed one hour apart starting at the default committer's time.
func setupHistory(t *testing.T, ctx context.Context) (*Store, []git.ObjectID) {
	t.Helper()

	store, objects := setupStore(t, ctx)

	commits := []git.ObjectID{
		objects.WriteCommit(t, "first"),
		objects.WriteCommit(t, "second"),
		objects.WriteCommit(t, "third"),
	}

	var old git.ObjectID
	for _, commit := range commits {
		require.NoError(t, store.UpdateRef(ctx, "refs/heads/main", commit, old, "update"))
		old = commit
	}

	return store, commits
}

func reflogIndices(t *testing.T, ctx context.Context, store *Store, name git.ReferenceName) []uint64 {
	t.Helper()

	var indices []uint64
	for _, entry := range readReflog(t, ctx, store, name) {
		indices = append(indices, entry.UpdateIndex)
	}
	return indices
}

func TestStore_ExpireReflog_olderThan(t *testing.T) {
	ctx, cancel := testhelper.Context()
	defer cancel()

	store, commits := setupHistory(t, ctx)

	cutoff := gittest.DefaultCommitter.When.Add(90 * time.Minute)
	result, err := store.ExpireReflog(ctx, "refs/heads/main", ExpireOlderThan(cutoff), 0)
	require.NoError(t, err)
	require.Equal(t, ExpireResult{Pruned: 2, Retained: 1}, result)

	require.Equal(t, []uint64{3}, reflogIndices(t, ctx, store, "refs/heads/main"))
	require.Equal(t, commits[2], readOID(t, ctx, store, "refs/heads/main"))
}

func TestStore_ExpireReflog_rewrite(t *testing.T) {
	ctx, cancel := testhelper.Context()
	defer cancel()

	store, commits := setupHistory(t, ctx)
	zero := store.HashFormat().ZeroOID

	policy := pruneIndices(2)
	result, err := store.ExpireReflog(ctx, "refs/heads/main", policy, ExpireRewrite)
	require.NoError(t, err)
	require.Equal(t, ExpireResult{Pruned: 1, Retained: 2, Rewritten: 1}, result)

	require.Equal(t, git.ReferenceName("refs/heads/main"), policy.name)
	require.Equal(t, commits[2], policy.current)
	require.Equal(t, []uint64{1, 2, 3}, policy.inspected, "entries must be inspected oldest first")
	require.Equal(t, 1, policy.cleanups)

	require.Equal(t, []logEntry{
		{UpdateIndex: 3, OldOID: commits[0], NewOID: commits[2], Message: "update"},
		{UpdateIndex: 1, OldOID: zero, NewOID: commits[0], Message: "update"},
	}, readReflog(t, ctx, store, "refs/heads/main"))

	t.Run("expiring again is a no-op", func(t *testing.T) {
		tables := tableCount(t, store.main)

		result, err := store.ExpireReflog(ctx, "refs/heads/main", pruneIndices(2), ExpireRewrite)
		require.NoError(t, err)
		require.Equal(t, ExpireResult{Retained: 2}, result)
		require.Equal(t, tables, tableCount(t, store.main))
	})
}

func TestStore_ExpireReflog_withoutRewrite(t *testing.T) {
	ctx, cancel := testhelper.Context()
	defer cancel()

	store, commits := setupHistory(t, ctx)

	result, err := store.ExpireReflog(ctx, "refs/heads/main", pruneIndices(2), 0)
	require.NoError(t, err)
	require.Equal(t, ExpireResult{Pruned: 1, Retained: 2}, result)

	entries := readReflog(t, ctx, store, "refs/heads/main")
	require.Len(t, entries, 2)
	require.Equal(t, commits[1], entries[0].OldOID, "history must not be rewritten")
}

func TestStore_ExpireReflog_pruneAll(t *testing.T) {
	ctx, cancel := testhelper.Context()
	defer cancel()

	store, _ := setupHistory(t, ctx)

	everything := ExpireOlderThan(gittest.DefaultCommitter.When.Add(24 * time.Hour))

	result, err := store.ExpireReflog(ctx, "refs/heads/main", everything, 0)
	require.NoError(t, err)
	require.Equal(t, ExpireResult{Pruned: 3}, result)

	require.Empty(t, readReflog(t, ctx, store, "refs/heads/main"))
	exists, err := store.ReflogExists(ctx, "refs/heads/main")
	require.NoError(t, err)
	require.True(t, exists, "reflog must continue to exist")

	tables := tableCount(t, store.main)
	result, err = store.ExpireReflog(ctx, "refs/heads/main", everything, 0)
	require.NoError(t, err)
	require.Equal(t, ExpireResult{}, result)
	require.Equal(t, tables, tableCount(t, store.main), "existing marker must not be rewritten")
}

func TestStore_ExpireReflog_dryRun(t *testing.T) {
	ctx, cancel := testhelper.Context()
	defer cancel()

	store, _ := setupHistory(t, ctx)
	tables := tableCount(t, store.main)

	result, err := store.ExpireReflog(ctx, "refs/heads/main", pruneIndices(1, 2, 3), ExpireDryRun|ExpireUpdateRef)
	require.NoError(t, err)
	require.Equal(t, ExpireResult{Pruned: 3}, result)

	require.Equal(t, tables, tableCount(t, store.main))
	require.Equal(t, []uint64{3, 2, 1}, reflogIndices(t, ctx, store, "refs/heads/main"))
}

func TestStore_ExpireReflog_updateRef(t *testing.T) {
	ctx, cancel := testhelper.Context()
	defer cancel()

	t.Run("reference follows newest retained entry", func(t *testing.T) {
		store, commits := setupHistory(t, ctx)

		_, err := store.ExpireReflog(ctx, "refs/heads/main", pruneIndices(3), ExpireUpdateRef)
		require.NoError(t, err)

		require.Equal(t, commits[1], readOID(t, ctx, store, "refs/heads/main"))
		require.Equal(t, []uint64{2, 1}, reflogIndices(t, ctx, store, "refs/heads/main"))
	})

	t.Run("unchanged reference", func(t *testing.T) {
		store, commits := setupHistory(t, ctx)

		_, err := store.ExpireReflog(ctx, "refs/heads/main", pruneIndices(1), ExpireUpdateRef)
		require.NoError(t, err)
		require.Equal(t, commits[2], readOID(t, ctx, store, "refs/heads/main"))
	})

	t.Run("deleted reference is not recreated", func(t *testing.T) {
		store, commits := setupHistory(t, ctx)
		tx := store.NewTransaction()
		require.NoError(t, tx.Delete("refs/heads/main", commits[2], 0, "delete"))
		require.NoError(t, tx.Commit(ctx))

		_, err := store.ExpireReflog(ctx, "refs/heads/main", pruneIndices(3), ExpireUpdateRef)
		require.NoError(t, err)
		requireRefMissing(t, ctx, store, "refs/heads/main")
	})
}

func TestStore_ExpireReflog_errors(t *testing.T) {
	ctx, cancel := testhelper.Context()
	defer cancel()

	store, _ := setupStore(t, ctx)

	policy := pruneIndices()
	_, err := store.ExpireReflog(ctx, "refs/heads/../main", policy, 0)

	var malformed *MalformedNameError
	require.True(t, errors.As(err, &malformed))
	require.Equal(t, 1, policy.cleanups, "cleanup must run on failure")
	require.Empty(t, policy.inspected)
}
