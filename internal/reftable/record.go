package reftable

import (
	"bytes"
	"strings"

	"gitlab.com/gitlab-org/refstore/internal/git"
)

// RefValueType is the discriminant of a reference record's value.
type RefValueType uint8

const (
	// RefDeletion is a tombstone hiding older values of the reference.
	RefDeletion RefValueType = iota
	// RefVal1 is a direct reference to an object.
	RefVal1
	// RefVal2 is a direct reference to an annotated tag along with the object it peels to.
	RefVal2
	// RefSymref is a symbolic reference to another reference.
	RefSymref
)

func (t RefValueType) String() string {
	switch t {
	case RefDeletion:
		return "deletion"
	case RefVal1:
		return "val1"
	case RefVal2:
		return "val2"
	case RefSymref:
		return "symref"
	default:
		return "unknown"
	}
}

// RefRecord is a single reference record. Which of Value, TargetValue and Target are set depends
// on the ValueType.
type RefRecord struct {
	RefName     string
	UpdateIndex uint64
	ValueType   RefValueType
	// Value is the raw object ID for RefVal1 and RefVal2.
	Value []byte
	// TargetValue is the raw peeled object ID for RefVal2.
	TargetValue []byte
	// Target is the referenced name for RefSymref.
	Target string
}

// NewDeletion creates a tombstone for the reference.
func NewDeletion(name string, updateIndex uint64) RefRecord {
	return RefRecord{RefName: name, UpdateIndex: updateIndex, ValueType: RefDeletion}
}

// NewVal1 creates a direct reference.
func NewVal1(name string, updateIndex uint64, value []byte) RefRecord {
	return RefRecord{RefName: name, UpdateIndex: updateIndex, ValueType: RefVal1, Value: value}
}

// NewVal2 creates a direct reference along with its peeled value.
func NewVal2(name string, updateIndex uint64, value, peeled []byte) RefRecord {
	return RefRecord{RefName: name, UpdateIndex: updateIndex, ValueType: RefVal2, Value: value, TargetValue: peeled}
}

// NewSymref creates a symbolic reference.
func NewSymref(name string, updateIndex uint64, target string) RefRecord {
	return RefRecord{RefName: name, UpdateIndex: updateIndex, ValueType: RefSymref, Target: target}
}

// IsDeletion tells whether the record is a tombstone.
func (r RefRecord) IsDeletion() bool {
	return r.ValueType == RefDeletion
}

// Val1 returns the object ID the reference points to. It returns nil for symbolic references and
// tombstones.
func (r RefRecord) Val1() []byte {
	switch r.ValueType {
	case RefVal1, RefVal2:
		return r.Value
	default:
		return nil
	}
}

// Equal compares two records including their update index.
func (r RefRecord) Equal(o RefRecord) bool {
	return r.RefName == o.RefName &&
		r.UpdateIndex == o.UpdateIndex &&
		r.ValueType == o.ValueType &&
		bytes.Equal(r.Value, o.Value) &&
		bytes.Equal(r.TargetValue, o.TargetValue) &&
		r.Target == o.Target
}

// LogValueType is the discriminant of a log record.
type LogValueType uint8

const (
	// LogDeletion is a tombstone hiding an older log entry with the same name and update index.
	LogDeletion LogValueType = iota
	// LogUpdate is a reflog entry.
	LogUpdate
)

// LogRecord is a single reflog record, keyed by its name and update index.
type LogRecord struct {
	RefName     string
	UpdateIndex uint64
	ValueType   LogValueType

	Old []byte
	New []byte

	Name     string
	Email    string
	Time     uint64
	TZOffset int16
	Message  string
}

// NewLogDeletion creates a tombstone for the log entry with the given key.
func NewLogDeletion(name string, updateIndex uint64) LogRecord {
	return LogRecord{RefName: name, UpdateIndex: updateIndex, ValueType: LogDeletion}
}

// IsDeletion tells whether the record is a tombstone.
func (l LogRecord) IsDeletion() bool {
	return l.ValueType == LogDeletion
}

// IsExistenceMarker tells whether the record is an update where both the old and the new object
// ID are null. Such records announce that a reflog exists without carrying any history.
func (l LogRecord) IsExistenceMarker() bool {
	return l.ValueType == LogUpdate && git.RawEqual(l.Old, nil) && git.RawEqual(l.New, nil)
}

// Signature returns the committer identity of the record.
func (l LogRecord) Signature() git.Signature {
	return git.Signature{
		Name:  l.Name,
		Email: l.Email,
		When:  git.TimeWithOffset(int64(l.Time), l.TZOffset),
	}
}

// SetSignature sets the committer identity of the record.
func (l *LogRecord) SetSignature(signature git.Signature) {
	l.Name = signature.Name
	l.Email = signature.Email
	l.Time = uint64(signature.When.Unix())
	l.TZOffset = signature.TimezoneOffset()
}

// compareLogKeys orders logs by name ascending, then by update index descending.
func compareLogKeys(aName string, aIndex uint64, bName string, bIndex uint64) int {
	if c := strings.Compare(aName, bName); c != 0 {
		return c
	}
	switch {
	case aIndex > bIndex:
		return -1
	case aIndex < bIndex:
		return 1
	default:
		return 0
	}
}
