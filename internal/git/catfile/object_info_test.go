package catfile

import (
	"bufio"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"gitlab.com/gitlab-org/refstore/internal/git"
)

func TestParseObjectInfo(t *testing.T) {
	commitID := git.ObjectID(strings.Repeat("1", 40))

	for _, tc := range []struct {
		desc         string
		hash         git.ObjectHash
		line         string
		expectedInfo *ObjectInfo
		expectedErr  error
		errContains  string
	}{
		{
			desc:         "commit",
			hash:         git.ObjectHashSHA1,
			line:         commitID.String() + " commit 230\n",
			expectedInfo: &ObjectInfo{Oid: commitID, Type: "commit", Size: 230},
		},
		{
			desc: "sha256 tag",
			hash: git.ObjectHashSHA256,
			line: strings.Repeat("a", 64) + " tag 140\n",
			expectedInfo: &ObjectInfo{
				Oid:  git.ObjectID(strings.Repeat("a", 64)),
				Type: "tag",
				Size: 140,
			},
		},
		{
			desc:        "missing object",
			hash:        git.ObjectHashSHA1,
			line:        "refs/heads/does-not-exist missing\n",
			expectedErr: NotFoundError{Revision: "refs/heads/does-not-exist"},
		},
		{
			desc:        "ambiguous object",
			hash:        git.ObjectHashSHA1,
			line:        "1234 ambiguous\n",
			expectedErr: NotFoundError{Revision: "refs/heads/does-not-exist"},
		},
		{
			desc:        "wrong hash",
			hash:        git.ObjectHashSHA256,
			line:        commitID.String() + " commit 230\n",
			errContains: "parse object ID",
		},
		{
			desc:        "truncated line",
			hash:        git.ObjectHashSHA1,
			line:        commitID.String() + " commit\n",
			errContains: "invalid info line",
		},
		{
			desc:        "invalid size",
			hash:        git.ObjectHashSHA1,
			line:        commitID.String() + " commit huge\n",
			errContains: "parse object size",
		},
		{
			desc:        "no newline",
			hash:        git.ObjectHashSHA1,
			line:        commitID.String(),
			errContains: "read info line",
		},
	} {
		t.Run(tc.desc, func(t *testing.T) {
			info, err := ParseObjectInfo(tc.hash, "refs/heads/does-not-exist", bufio.NewReader(strings.NewReader(tc.line)))
			switch {
			case tc.expectedErr != nil:
				require.Equal(t, tc.expectedErr, err)
				require.True(t, IsNotFound(err))
			case tc.errContains != "":
				require.Error(t, err)
				require.Contains(t, err.Error(), tc.errContains)
				require.False(t, IsNotFound(err))
			default:
				require.NoError(t, err)
				require.Equal(t, tc.expectedInfo, info)
			}
		})
	}
}

func TestObjectInfo_types(t *testing.T) {
	require.True(t, (&ObjectInfo{Type: "commit"}).IsCommit())
	require.False(t, (&ObjectInfo{Type: "commit"}).IsTag())
	require.True(t, (&ObjectInfo{Type: "tag"}).IsTag())
}
