package catfile

import (
	"bytes"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
	"gitlab.com/gitlab-org/refstore/internal/git"
	"gitlab.com/gitlab-org/refstore/internal/testhelper"
)

func gitBinary(t *testing.T) string {
	t.Helper()

	path, err := exec.LookPath("git")
	if err != nil {
		t.Skip("git is not installed")
	}

	return path
}

func runGit(t *testing.T, gitDir string, stdin string, args ...string) string {
	t.Helper()

	cmd := exec.Command(gitBinary(t), append([]string{"--git-dir", gitDir}, args...)...)
	cmd.Stdin = strings.NewReader(stdin)
	var stdout bytes.Buffer
	cmd.Stdout = &stdout
	require.NoError(t, cmd.Run())

	return strings.TrimSpace(stdout.String())
}

func TestBatchCheck(t *testing.T) {
	ctx, cancel := testhelper.Context()
	defer cancel()

	gitDir := filepath.Join(testhelper.TempDir(t), "repo.git")
	require.NoError(t, exec.Command(gitBinary(t), "init", "--bare", "--quiet", gitDir).Run())

	blobID := git.ObjectID(runGit(t, gitDir, "hello\n", "hash-object", "-w", "--stdin"))

	batch, err := NewBatchCheck(ctx, gitBinary(t), gitDir, git.ObjectHashSHA1)
	require.NoError(t, err)
	defer testhelper.MustClose(t, batch)

	info, err := batch.Info(ctx, blobID.Revision())
	require.NoError(t, err)
	require.Equal(t, &ObjectInfo{Oid: blobID, Type: "blob", Size: 6}, info)

	_, err = batch.Info(ctx, git.Revision(strings.Repeat("1", 40)))
	require.Equal(t, NotFoundError{Revision: git.Revision(strings.Repeat("1", 40))}, err)

	_, err = batch.Info(ctx, "refs/heads/main\nHEAD")
	require.Error(t, err)
	require.False(t, IsNotFound(err))

	require.Equal(t, 1.0, testutil.ToFloat64(batch.lookupsTotal.WithLabelValues("blob")))
	require.Equal(t, 1.0, testutil.ToFloat64(batch.lookupsTotal.WithLabelValues("missing")))

	require.NoError(t, batch.Close())
	require.NoError(t, batch.Close())

	_, err = batch.Info(ctx, blobID.Revision())
	require.Equal(t, ErrClosed, err)
}
