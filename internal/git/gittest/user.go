package gittest

import (
	"time"

	"gitlab.com/gitlab-org/refstore/internal/git"
)

const (
	// Timezone is the Timezone of the default user.
	Timezone = "Asia/Shanghai"
	// TimezoneOffset is ISO 8601-like format of the default user Timezone.
	TimezoneOffset = "+0800"
)

// DefaultCommitter is the identity used for reflog entries written by tests.
var DefaultCommitter = git.NewSignature(
	"Jane Doe",
	"janedoe@example.com",
	time.Date(2021, time.June, 1, 12, 0, 0, 0, time.FixedZone("", 8*60*60)),
)

// FixedCommitter returns a committer function which always returns the given signature.
func FixedCommitter(signature git.Signature) func() (git.Signature, error) {
	return func() (git.Signature, error) {
		return signature, nil
	}
}

// TickingCommitter returns a committer function whose timestamp starts at the given signature's
// and advances by step on every call.
func TickingCommitter(signature git.Signature, step time.Duration) func() (git.Signature, error) {
	return func() (git.Signature, error) {
		current := signature
		signature.When = signature.When.Add(step)
		return current, nil
	}
}
