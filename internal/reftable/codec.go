package reftable

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"

	"github.com/golang/snappy"
	"gitlab.com/gitlab-org/refstore/internal/git"
)

const (
	segmentMagic   = "REFT"
	segmentVersion = 1
	// segmentHeaderLen is the length of magic, version, hash ID and both update index limits.
	segmentHeaderLen = len(segmentMagic) + 2 + 16
	segmentFooterLen = 4
)

var hashIDs = map[string]byte{
	git.ObjectHashSHA1.Format:   1,
	git.ObjectHashSHA256.Format: 2,
}

// segment is the decoded content of a single segment file.
type segment struct {
	minUpdateIndex uint64
	maxUpdateIndex uint64
	refs           []RefRecord
	logs           []LogRecord
}

type encoder struct {
	buf     bytes.Buffer
	scratch [binary.MaxVarintLen64]byte
	hashLen int
}

func (e *encoder) uvarint(v uint64) {
	n := binary.PutUvarint(e.scratch[:], v)
	e.buf.Write(e.scratch[:n])
}

func (e *encoder) varint(v int64) {
	n := binary.PutVarint(e.scratch[:], v)
	e.buf.Write(e.scratch[:n])
}

func (e *encoder) string(s string) {
	e.uvarint(uint64(len(s)))
	e.buf.WriteString(s)
}

// hash writes a fixed-length object ID. Empty values are written as the null object ID.
func (e *encoder) hash(raw []byte) {
	if len(raw) == 0 {
		e.buf.Write(make([]byte, e.hashLen))
		return
	}
	e.buf.Write(raw)
}

func encodeSegment(hash git.ObjectHash, seg segment) ([]byte, error) {
	hashID, ok := hashIDs[hash.Format]
	if !ok {
		return nil, fmt.Errorf("%w: %q", git.ErrUnknownObjectFormat, hash.Format)
	}

	body := encoder{hashLen: hash.RawLen()}

	body.uvarint(uint64(len(seg.refs)))
	for _, ref := range seg.refs {
		body.string(ref.RefName)
		body.uvarint(ref.UpdateIndex - seg.minUpdateIndex)
		body.buf.WriteByte(byte(ref.ValueType))
		switch ref.ValueType {
		case RefVal1:
			body.hash(ref.Value)
		case RefVal2:
			body.hash(ref.Value)
			body.hash(ref.TargetValue)
		case RefSymref:
			body.string(ref.Target)
		}
	}

	body.uvarint(uint64(len(seg.logs)))
	for _, log := range seg.logs {
		body.string(log.RefName)
		body.uvarint(log.UpdateIndex)
		body.buf.WriteByte(byte(log.ValueType))
		if log.ValueType == LogUpdate {
			body.hash(log.Old)
			body.hash(log.New)
			body.string(log.Name)
			body.string(log.Email)
			body.uvarint(log.Time)
			body.varint(int64(log.TZOffset))
			body.string(log.Message)
		}
	}

	compressed := snappy.Encode(nil, body.buf.Bytes())

	out := make([]byte, 0, segmentHeaderLen+len(compressed)+segmentFooterLen)
	out = append(out, segmentMagic...)
	out = append(out, segmentVersion, hashID)
	out = appendUint64(out, seg.minUpdateIndex)
	out = appendUint64(out, seg.maxUpdateIndex)
	out = append(out, compressed...)
	out = appendUint32(out, crc32.ChecksumIEEE(compressed))

	return out, nil
}

func appendUint64(b []byte, v uint64) []byte {
	var scratch [8]byte
	binary.BigEndian.PutUint64(scratch[:], v)
	return append(b, scratch[:]...)
}

func appendUint32(b []byte, v uint32) []byte {
	var scratch [4]byte
	binary.BigEndian.PutUint32(scratch[:], v)
	return append(b, scratch[:]...)
}

type decoder struct {
	r       *bytes.Reader
	hashLen int
	err     error
}

func (d *decoder) uvarint() uint64 {
	if d.err != nil {
		return 0
	}
	v, err := binary.ReadUvarint(d.r)
	if err != nil {
		d.err = err
	}
	return v
}

func (d *decoder) varint() int64 {
	if d.err != nil {
		return 0
	}
	v, err := binary.ReadVarint(d.r)
	if err != nil {
		d.err = err
	}
	return v
}

func (d *decoder) byte() byte {
	if d.err != nil {
		return 0
	}
	b, err := d.r.ReadByte()
	if err != nil {
		d.err = err
	}
	return b
}

func (d *decoder) bytes(n uint64) []byte {
	if d.err != nil {
		return nil
	}
	if n > uint64(d.r.Len()) {
		d.err = io.ErrUnexpectedEOF
		return nil
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(d.r, b); err != nil {
		d.err = err
	}
	return b
}

func (d *decoder) string() string {
	return string(d.bytes(d.uvarint()))
}

func (d *decoder) hash() []byte {
	return d.bytes(uint64(d.hashLen))
}

func decodeSegment(hash git.ObjectHash, data []byte) (segment, error) {
	if len(data) < segmentHeaderLen+segmentFooterLen {
		return segment{}, fmt.Errorf("%w: segment too short", ErrFormat)
	}
	if string(data[:len(segmentMagic)]) != segmentMagic {
		return segment{}, fmt.Errorf("%w: bad magic", ErrFormat)
	}
	if version := data[len(segmentMagic)]; version != segmentVersion {
		return segment{}, fmt.Errorf("%w: unsupported version %d", ErrFormat, version)
	}
	if hashID := data[len(segmentMagic)+1]; hashID != hashIDs[hash.Format] {
		return segment{}, fmt.Errorf("%w: segment uses hash ID %d, expected %s", ErrFormat, hashID, hash.Format)
	}

	seg := segment{
		minUpdateIndex: binary.BigEndian.Uint64(data[len(segmentMagic)+2:]),
		maxUpdateIndex: binary.BigEndian.Uint64(data[len(segmentMagic)+10:]),
	}

	compressed := data[segmentHeaderLen : len(data)-segmentFooterLen]
	if crc32.ChecksumIEEE(compressed) != binary.BigEndian.Uint32(data[len(data)-segmentFooterLen:]) {
		return segment{}, fmt.Errorf("%w: checksum mismatch", ErrFormat)
	}

	body, err := snappy.Decode(nil, compressed)
	if err != nil {
		return segment{}, fmt.Errorf("%w: %v", ErrFormat, err)
	}

	d := decoder{r: bytes.NewReader(body), hashLen: hash.RawLen()}

	refCount := d.uvarint()
	for i := uint64(0); i < refCount && d.err == nil; i++ {
		ref := RefRecord{
			RefName:     d.string(),
			UpdateIndex: seg.minUpdateIndex + d.uvarint(),
			ValueType:   RefValueType(d.byte()),
		}
		switch ref.ValueType {
		case RefDeletion:
		case RefVal1:
			ref.Value = d.hash()
		case RefVal2:
			ref.Value = d.hash()
			ref.TargetValue = d.hash()
		case RefSymref:
			ref.Target = d.string()
		default:
			return segment{}, fmt.Errorf("%w: unknown ref value type %d", ErrFormat, ref.ValueType)
		}
		seg.refs = append(seg.refs, ref)
	}

	logCount := d.uvarint()
	for i := uint64(0); i < logCount && d.err == nil; i++ {
		log := LogRecord{
			RefName:     d.string(),
			UpdateIndex: d.uvarint(),
			ValueType:   LogValueType(d.byte()),
		}
		switch log.ValueType {
		case LogDeletion:
		case LogUpdate:
			log.Old = d.hash()
			log.New = d.hash()
			log.Name = d.string()
			log.Email = d.string()
			log.Time = d.uvarint()
			log.TZOffset = int16(d.varint())
			log.Message = d.string()
		default:
			return segment{}, fmt.Errorf("%w: unknown log value type %d", ErrFormat, log.ValueType)
		}
		seg.logs = append(seg.logs, log)
	}

	if d.err != nil {
		return segment{}, fmt.Errorf("%w: %v", ErrFormat, d.err)
	}
	if d.r.Len() != 0 {
		return segment{}, fmt.Errorf("%w: %d trailing bytes", ErrFormat, d.r.Len())
	}

	return seg, nil
}
