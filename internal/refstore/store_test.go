package refstore

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"gitlab.com/gitlab-org/refstore/internal/git"
	"gitlab.com/gitlab-org/refstore/internal/reftable"
	"gitlab.com/gitlab-org/refstore/internal/testhelper"
)

func TestStore_Init(t *testing.T) {
	ctx, cancel := testhelper.Context()
	defer cancel()

	store, objects := setupStore(t, ctx)
	commit := objects.WriteCommit(t, "commit")

	require.NoError(t, store.Init(ctx, "trunk"))

	require.Equal(t, "ref: refs/heads/.invalid\n",
		string(testhelper.MustReadFile(t, filepath.Join(store.GitDir(), "HEAD"))))
	require.Equal(t, "this repository uses the reftable format\n",
		string(testhelper.MustReadFile(t, filepath.Join(store.GitDir(), "refs", "heads"))))

	raw, err := store.ReadRawRef(ctx, git.HEAD)
	require.NoError(t, err)
	require.Equal(t, RawRef{SymbolicTarget: "refs/heads/trunk"}, raw)

	t.Run("reinitializing keeps HEAD", func(t *testing.T) {
		require.NoError(t, store.CreateSymref(ctx, git.HEAD, "refs/heads/other", ""))
		require.NoError(t, store.Init(ctx, ""))

		raw, err := store.ReadRawRef(ctx, git.HEAD)
		require.NoError(t, err)
		require.Equal(t, git.ReferenceName("refs/heads/other"), raw.SymbolicTarget)
	})

	t.Run("resolving an unborn branch", func(t *testing.T) {
		_, resolved, err := store.ResolveRef(ctx, git.HEAD)
		require.Equal(t, git.ErrReferenceNotFound, err)
		require.Equal(t, git.ReferenceName("refs/heads/other"), resolved)
	})

	t.Run("resolving a born branch", func(t *testing.T) {
		require.NoError(t, store.UpdateRef(ctx, "refs/heads/other", commit, "", ""))

		oid, resolved, err := store.ResolveRef(ctx, git.HEAD)
		require.NoError(t, err)
		require.Equal(t, commit, oid)
		require.Equal(t, git.ReferenceName("refs/heads/other"), resolved)
	})
}

func TestStore_symrefLoop(t *testing.T) {
	ctx, cancel := testhelper.Context()
	defer cancel()

	store, _ := setupStore(t, ctx)

	require.NoError(t, store.CreateSymref(ctx, "refs/heads/a", "refs/heads/b", ""))
	require.NoError(t, store.CreateSymref(ctx, "refs/heads/b", "refs/heads/a", ""))

	_, _, err := store.ResolveRef(ctx, "refs/heads/a")
	require.Equal(t, ErrSymrefTooDeep, err)
}

func TestStore_sharedSegmentsBetweenStores(t *testing.T) {
	ctx, cancel := testhelper.Context()
	defer cancel()

	store, objects := setupStore(t, ctx)
	other := openStore(t, ctx, store.GitDir(), objects)
	commit := objects.WriteCommit(t, "commit")

	require.NoError(t, store.UpdateRef(ctx, "refs/heads/main", commit, "", ""))
	require.Equal(t, commit, readOID(t, ctx, other, "refs/heads/main"))

	require.NoError(t, other.DeleteRefs(ctx, "", "refs/heads/main"))
	requireRefMissing(t, ctx, store, "refs/heads/main")
}

func TestIterateRefs(t *testing.T) {
	ctx, cancel := testhelper.Context()
	defer cancel()

	store, objects := setupStore(t, ctx)
	commit := objects.WriteCommit(t, "commit")
	tag := objects.WriteTag(t, "v1.0.0", commit)
	missing := git.ObjectID("1e292f8fedd741b75372e19097c76d327140c312")

	require.NoError(t, store.Init(ctx, "main"))

	tx := store.NewTransaction()
	for name, oid := range map[git.ReferenceName]git.ObjectID{
		"refs/heads/main":    commit,
		"refs/heads/feature": commit,
		"refs/tags/v1.0.0":   tag,
		"refs/keep-around/x": commit,
		"ORIG_HEAD":          commit,
	} {
		require.NoError(t, tx.Create(name, oid, 0, ""))
	}
	require.NoError(t, tx.Create("refs/heads/broken", missing, UpdateSkipOIDVerification, ""))
	require.NoError(t, tx.Commit(ctx))

	require.NoError(t, store.CreateSymref(ctx, "refs/heads/dangling", "refs/heads/missing", ""))

	t.Run("prefix", func(t *testing.T) {
		require.Equal(t, []git.ReferenceName{
			"refs/heads/feature",
			"refs/heads/main",
		}, refNames(collectRefs(t, ctx, store, IterateOptions{Prefix: "refs/heads/"})))
	})

	t.Run("all references", func(t *testing.T) {
		require.Equal(t, []git.ReferenceName{
			"refs/heads/feature",
			"refs/heads/main",
			"refs/keep-around/x",
			"refs/tags/v1.0.0",
		}, refNames(collectRefs(t, ctx, store, IterateOptions{})))
	})

	t.Run("exclude", func(t *testing.T) {
		require.Equal(t, []git.ReferenceName{
			"refs/heads/feature",
			"refs/heads/main",
		}, refNames(collectRefs(t, ctx, store, IterateOptions{
			Exclude: []string{"refs/keep-around/", "refs/tags/"},
		})))
	})

	t.Run("root references", func(t *testing.T) {
		refs := collectRefs(t, ctx, store, IterateOptions{Flags: IterateIncludeRootRefs})
		require.Equal(t, []git.ReferenceName{
			"HEAD",
			"ORIG_HEAD",
			"refs/heads/feature",
			"refs/heads/main",
			"refs/keep-around/x",
			"refs/tags/v1.0.0",
		}, refNames(refs))

		require.Equal(t, Ref{
			Name:           git.HEAD,
			OID:            commit,
			SymbolicTarget: "refs/heads/main",
			Flags:          RefIsSymref,
		}, refs[0])
		require.Equal(t, Ref{Name: "refs/tags/v1.0.0", OID: tag, Peeled: commit}, refs[5])
	})

	t.Run("broken references", func(t *testing.T) {
		refs := collectRefs(t, ctx, store, IterateOptions{Prefix: "refs/heads/", Flags: IterateIncludeBroken})
		require.Equal(t, []Ref{
			{Name: "refs/heads/broken", OID: missing, Flags: RefIsBroken},
			{Name: "refs/heads/dangling", SymbolicTarget: "refs/heads/missing", Flags: RefIsSymref | RefIsBroken},
			{Name: "refs/heads/feature", OID: commit},
			{Name: "refs/heads/main", OID: commit},
		}, refs)
	})

	t.Run("malformed names", func(t *testing.T) {
		raw, err := commit.Bytes()
		require.NoError(t, err)

		require.NoError(t, store.main.Add(func(w *reftable.Writer) error {
			updateIndex := store.main.NextUpdateIndex()
			w.SetLimits(updateIndex, updateIndex)
			return w.AddRef(reftable.NewVal1("refs/heads/bad..name", updateIndex, raw))
		}))

		require.Equal(t, []git.ReferenceName{
			"refs/heads/feature",
			"refs/heads/main",
		}, refNames(collectRefs(t, ctx, store, IterateOptions{Prefix: "refs/heads/"})))

		refs := collectRefs(t, ctx, store, IterateOptions{Prefix: "refs/heads/bad", Flags: IterateIncludeBroken})
		require.Equal(t, []Ref{
			{Name: "refs/heads/bad..name", Flags: RefBadName | RefIsBroken},
		}, refs)
	})

	t.Run("closing early", func(t *testing.T) {
		iter, err := store.IterateRefs(ctx, IterateOptions{})
		require.NoError(t, err)
		require.True(t, iter.Next())
		require.NoError(t, iter.Close())
		require.False(t, iter.Next())
		require.NoError(t, iter.Close())
	})
}

func TestStore_worktrees(t *testing.T) {
	ctx, cancel := testhelper.Context()
	defer cancel()

	main, objects := setupStore(t, ctx)
	first := objects.WriteCommit(t, "first")
	second := objects.WriteCommit(t, "second")

	require.NoError(t, main.Init(ctx, "main"))
	require.NoError(t, main.UpdateRef(ctx, "refs/heads/main", first, "", "create main"))

	worktree := setupWorktree(t, ctx, main, objects, "wt1")
	require.Equal(t, "wt1", worktree.Worktree())
	require.Empty(t, main.Worktree())

	require.NoError(t, worktree.CreateSymref(ctx, git.HEAD, "refs/heads/feature", ""))
	require.NoError(t, worktree.UpdateRef(ctx, "refs/heads/feature", first, "", "create feature"))
	require.NoError(t, worktree.UpdateRef(ctx, "refs/bisect/bad", second, "", ""))

	t.Run("shared references are visible everywhere", func(t *testing.T) {
		require.Equal(t, first, readOID(t, ctx, main, "refs/heads/feature"))
		require.Equal(t, first, readOID(t, ctx, worktree, "refs/heads/main"))
	})

	t.Run("per-worktree references are private", func(t *testing.T) {
		raw, err := main.ReadRawRef(ctx, git.HEAD)
		require.NoError(t, err)
		require.Equal(t, git.ReferenceName("refs/heads/main"), raw.SymbolicTarget)

		raw, err = worktree.ReadRawRef(ctx, git.HEAD)
		require.NoError(t, err)
		require.Equal(t, git.ReferenceName("refs/heads/feature"), raw.SymbolicTarget)

		requireRefMissing(t, ctx, main, "refs/bisect/bad")
		require.Equal(t, second, readOID(t, ctx, worktree, "refs/bisect/bad"))
	})

	t.Run("addressing other worktrees", func(t *testing.T) {
		raw, err := main.ReadRawRef(ctx, "worktrees/wt1/HEAD")
		require.NoError(t, err)
		require.Equal(t, git.ReferenceName("refs/heads/feature"), raw.SymbolicTarget)

		require.Equal(t, second, readOID(t, ctx, main, "worktrees/wt1/refs/bisect/bad"))

		raw, err = worktree.ReadRawRef(ctx, "main-worktree/HEAD")
		require.NoError(t, err)
		require.Equal(t, git.ReferenceName("refs/heads/main"), raw.SymbolicTarget)
	})

	t.Run("HEAD of the worktree follows its branch", func(t *testing.T) {
		require.Equal(t, "create feature", readReflog(t, ctx, worktree, git.HEAD)[0].Message)
		require.Equal(t, "create main", readReflog(t, ctx, main, git.HEAD)[0].Message)

		tx := worktree.NewTransaction()
		require.NoError(t, tx.Update(git.HEAD, second, first, 0, "commit"))
		require.NoError(t, tx.Commit(ctx))

		require.Equal(t, second, readOID(t, ctx, main, "refs/heads/feature"))
		require.Equal(t, "commit", readReflog(t, ctx, worktree, git.HEAD)[0].Message)
		require.Equal(t, "create main", readReflog(t, ctx, main, git.HEAD)[0].Message)
	})

	t.Run("iteration merges both stacks", func(t *testing.T) {
		refs := collectRefs(t, ctx, worktree, IterateOptions{Flags: IterateIncludeRootRefs})
		require.Equal(t, []git.ReferenceName{
			"HEAD",
			"refs/bisect/bad",
			"refs/heads/feature",
			"refs/heads/main",
		}, refNames(refs))
		require.Equal(t, git.ReferenceName("refs/heads/feature"), refs[0].SymbolicTarget)

		require.Equal(t, []git.ReferenceName{
			"HEAD",
			"refs/bisect/bad",
		}, refNames(collectRefs(t, ctx, worktree, IterateOptions{
			Flags: IterateIncludeRootRefs | IteratePerWorktreeOnly,
		})))

		require.Equal(t, []git.ReferenceName{
			"HEAD",
			"refs/heads/feature",
			"refs/heads/main",
		}, refNames(collectRefs(t, ctx, main, IterateOptions{Flags: IterateIncludeRootRefs})))
	})

	t.Run("renames across worktrees are refused", func(t *testing.T) {
		err := worktree.RenameRef(ctx, "refs/bisect/bad", "refs/heads/bisected", "")
		require.EqualError(t, err, "cannot move 'refs/bisect/bad' to 'refs/heads/bisected': references live in different worktrees")
	})

	t.Run("stacks live in their own directories", func(t *testing.T) {
		for _, dir := range []string{
			filepath.Join(main.GitDir(), "reftable"),
			filepath.Join(main.GitDir(), "worktrees", "wt1", "reftable"),
		} {
			_, err := os.Stat(filepath.Join(dir, reftable.TablesListName))
			require.NoError(t, err)
		}
	})
}

func TestStore_engineErrors(t *testing.T) {
	ctx, cancel := testhelper.Context()
	defer cancel()

	store, objects := setupStore(t, ctx)
	commit := objects.WriteCommit(t, "commit")
	require.NoError(t, store.UpdateRef(ctx, "refs/heads/main", commit, "", ""))

	require.NoError(t, os.WriteFile(filepath.Join(store.main.Dir(), reftable.TablesListName), []byte("garbage\n"), 0o666))

	_, err := store.ReadRawRef(ctx, "refs/heads/main")

	var engineErr *EngineError
	require.True(t, errors.As(err, &engineErr), "unexpected error: %v", err)
}
