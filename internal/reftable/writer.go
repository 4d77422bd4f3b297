package reftable

import (
	"fmt"
	"sort"

	"gitlab.com/gitlab-org/refstore/internal/git"
)

// Writer collects the records of a single new segment. Records may be added in any order; they
// are sorted when the segment is written.
type Writer struct {
	hash      git.ObjectHash
	limitsSet bool
	min, max  uint64
	refs      []RefRecord
	logs      []LogRecord
}

func newWriter(hash git.ObjectHash) *Writer {
	return &Writer{hash: hash}
}

// SetLimits declares the range of update indices covered by the segment. It must be called
// before adding any reference.
func (w *Writer) SetLimits(min, max uint64) {
	w.min, w.max = min, max
	w.limitsSet = true
}

// MinUpdateIndex returns the lower update index limit.
func (w *Writer) MinUpdateIndex() uint64 {
	return w.min
}

// MaxUpdateIndex returns the upper update index limit.
func (w *Writer) MaxUpdateIndex() uint64 {
	return w.max
}

// AddRef adds a single reference record. Its update index must lie within the writer's limits.
func (w *Writer) AddRef(ref RefRecord) error {
	if !w.limitsSet {
		return fmt.Errorf("%w: limits not set before adding %q", ErrAPI, ref.RefName)
	}
	if ref.RefName == "" {
		return fmt.Errorf("%w: empty reference name", ErrAPI)
	}
	if ref.UpdateIndex < w.min || ref.UpdateIndex > w.max {
		return fmt.Errorf("%w: update index %d of %q outside of [%d, %d]",
			ErrAPI, ref.UpdateIndex, ref.RefName, w.min, w.max)
	}

	switch ref.ValueType {
	case RefDeletion:
	case RefVal1:
		if err := w.checkHash(ref.Value); err != nil {
			return err
		}
	case RefVal2:
		if err := w.checkHash(ref.Value); err != nil {
			return err
		}
		if err := w.checkHash(ref.TargetValue); err != nil {
			return err
		}
	case RefSymref:
		if ref.Target == "" {
			return fmt.Errorf("%w: symbolic reference %q without target", ErrAPI, ref.RefName)
		}
	default:
		return fmt.Errorf("%w: unknown value type %d", ErrAPI, ref.ValueType)
	}

	w.refs = append(w.refs, ref)
	return nil
}

// AddRefs adds multiple reference records.
func (w *Writer) AddRefs(refs []RefRecord) error {
	for _, ref := range refs {
		if err := w.AddRef(ref); err != nil {
			return err
		}
	}
	return nil
}

// AddLog adds a single log record. Log records are not bound to the writer's limits so that
// existing history can be copied with its original update indices.
func (w *Writer) AddLog(log LogRecord) error {
	if log.RefName == "" {
		return fmt.Errorf("%w: empty reference name", ErrAPI)
	}

	switch log.ValueType {
	case LogDeletion:
	case LogUpdate:
		if err := w.checkHash(log.Old); err != nil {
			return err
		}
		if err := w.checkHash(log.New); err != nil {
			return err
		}
	default:
		return fmt.Errorf("%w: unknown log value type %d", ErrAPI, log.ValueType)
	}

	w.logs = append(w.logs, log)
	return nil
}

// AddLogs adds multiple log records.
func (w *Writer) AddLogs(logs []LogRecord) error {
	for _, log := range logs {
		if err := w.AddLog(log); err != nil {
			return err
		}
	}
	return nil
}

func (w *Writer) checkHash(raw []byte) error {
	if len(raw) != 0 && len(raw) != w.hash.RawLen() {
		return fmt.Errorf("%w: object ID of length %d for %s", ErrAPI, len(raw), w.hash.Format)
	}
	return nil
}

func (w *Writer) empty() bool {
	return len(w.refs) == 0 && len(w.logs) == 0
}

// finish sorts the records and returns the segment, failing on duplicate keys.
func (w *Writer) finish() (segment, error) {
	sort.SliceStable(w.refs, func(i, j int) bool {
		return w.refs[i].RefName < w.refs[j].RefName
	})
	for i := 1; i < len(w.refs); i++ {
		if w.refs[i-1].RefName == w.refs[i].RefName {
			return segment{}, fmt.Errorf("%w: duplicate reference %q", ErrAPI, w.refs[i].RefName)
		}
	}

	sort.SliceStable(w.logs, func(i, j int) bool {
		return compareLogKeys(w.logs[i].RefName, w.logs[i].UpdateIndex, w.logs[j].RefName, w.logs[j].UpdateIndex) < 0
	})
	for i := 1; i < len(w.logs); i++ {
		if compareLogKeys(w.logs[i-1].RefName, w.logs[i-1].UpdateIndex, w.logs[i].RefName, w.logs[i].UpdateIndex) == 0 {
			return segment{}, fmt.Errorf("%w: duplicate log entry %q@%d", ErrAPI, w.logs[i].RefName, w.logs[i].UpdateIndex)
		}
	}

	return segment{
		minUpdateIndex: w.min,
		maxUpdateIndex: w.max,
		refs:           w.refs,
		logs:           w.logs,
	}, nil
}
