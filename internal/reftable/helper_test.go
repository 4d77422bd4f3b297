package reftable

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
	"gitlab.com/gitlab-org/refstore/internal/git"
	"gitlab.com/gitlab-org/refstore/internal/testhelper"
)

func TestMain(m *testing.M) {
	testhelper.Run(m)
}

// rawOID returns a SHA1 object ID consisting of the given byte only.
func rawOID(b byte) []byte {
	return bytes.Repeat([]byte{b}, git.ObjectHashSHA1.RawLen())
}

func openStack(t testing.TB, dir string, opts Options) *Stack {
	t.Helper()

	if opts.Logger == nil {
		opts.Logger = testhelper.NewDiscardingLogEntry(t)
	}

	stack, err := Open(dir, opts)
	require.NoError(t, err)
	return stack
}

func newTestStack(t testing.TB) *Stack {
	t.Helper()
	return openStack(t, testhelper.TempDir(t), Options{DisableAutoCompaction: true})
}

// addRefs commits a single segment containing the given references at the next update index.
func addRefs(t testing.TB, stack *Stack, refs ...RefRecord) uint64 {
	t.Helper()

	updateIndex := stack.NextUpdateIndex()
	require.NoError(t, stack.Add(func(w *Writer) error {
		w.SetLimits(updateIndex, updateIndex)
		for _, ref := range refs {
			ref.UpdateIndex = updateIndex
			if err := w.AddRef(ref); err != nil {
				return err
			}
		}
		return nil
	}))

	return updateIndex
}

func collectRefs(it *RefIterator) []RefRecord {
	var refs []RefRecord
	for ref, ok := it.Next(); ok; ref, ok = it.Next() {
		refs = append(refs, ref)
	}
	return refs
}

func collectLogs(it *LogIterator) []LogRecord {
	var logs []LogRecord
	for log, ok := it.Next(); ok; log, ok = it.Next() {
		logs = append(logs, log)
	}
	return logs
}

func refNames(refs []RefRecord) []string {
	names := make([]string, 0, len(refs))
	for _, ref := range refs {
		names = append(names, ref.RefName)
	}
	return names
}
