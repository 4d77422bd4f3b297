package git

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestReferenceName_Branch(t *testing.T) {
	for _, tc := range []struct {
		desc     string
		name     ReferenceName
		branch   string
		isBranch bool
	}{
		{desc: "branch", name: "refs/heads/main", branch: "main", isBranch: true},
		{desc: "nested branch", name: "refs/heads/feature/x", branch: "feature/x", isBranch: true},
		{desc: "tag", name: "refs/tags/v1.0.0"},
		{desc: "HEAD", name: HEAD},
	} {
		t.Run(tc.desc, func(t *testing.T) {
			branch, ok := tc.name.Branch()
			require.Equal(t, tc.isBranch, ok)
			require.Equal(t, tc.branch, branch)
		})
	}
}

func TestNewReferenceNameFromBranchName(t *testing.T) {
	require.Equal(t, ReferenceName("refs/heads/main"), NewReferenceNameFromBranchName(DefaultBranch))
}
