package git

import (
	"testing"

	"gitlab.com/gitlab-org/refstore/internal/testhelper"
)

func TestMain(m *testing.M) {
	testhelper.Run(m)
}
