package git

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"regexp"
	"strings"
)

var (
	// ErrInvalidObjectID is returned in case an object ID's string
	// representation is not a valid one.
	ErrInvalidObjectID = errors.New("invalid object ID")

	// ErrUnknownObjectFormat is returned for object formats other than sha1 and sha256.
	ErrUnknownObjectFormat = errors.New("unknown object format")
)

// ObjectHash describes a hash function used by a repository to address its objects.
type ObjectHash struct {
	// Format is the name of the object format as it would appear in a repository's
	// extensions.objectFormat setting.
	Format string
	// EncodedLen is the length of the hex representation of an object ID.
	EncodedLen int
	// ZeroOID is the special value that Git uses to signal a ref or object does not exist.
	ZeroOID ObjectID

	regexp *regexp.Regexp
}

var (
	// ObjectHashSHA1 is the implementation of an object ID via SHA1.
	ObjectHashSHA1 = ObjectHash{
		Format:     "sha1",
		EncodedLen: 40,
		ZeroOID:    ObjectID(strings.Repeat("0", 40)),
		regexp:     regexp.MustCompile(`\A[0-9a-f]{40}\z`),
	}

	// ObjectHashSHA256 is the implementation of an object ID via SHA256.
	ObjectHashSHA256 = ObjectHash{
		Format:     "sha256",
		EncodedLen: 64,
		ZeroOID:    ObjectID(strings.Repeat("0", 64)),
		regexp:     regexp.MustCompile(`\A[0-9a-f]{64}\z`),
	}

	// ZeroOID is the null object ID of the default SHA1 object format.
	ZeroOID = ObjectHashSHA1.ZeroOID
)

// ObjectHashByFormat looks up the ObjectHash by its format name. An empty format
// name selects SHA1.
func ObjectHashByFormat(format string) (ObjectHash, error) {
	switch format {
	case "", ObjectHashSHA1.Format:
		return ObjectHashSHA1, nil
	case ObjectHashSHA256.Format:
		return ObjectHashSHA256, nil
	default:
		return ObjectHash{}, fmt.Errorf("%w: %q", ErrUnknownObjectFormat, format)
	}
}

// RawLen returns the length of the binary representation of an object ID.
func (h ObjectHash) RawLen() int {
	return h.EncodedLen / 2
}

// FromHex constructs a new ObjectID from the given hex representation of the object ID.
// Returns ErrInvalidObjectID if the given OID is not valid.
func (h ObjectHash) FromHex(hex string) (ObjectID, error) {
	if err := h.ValidateHex(hex); err != nil {
		return "", err
	}
	return ObjectID(hex), nil
}

// FromBytes converts the binary representation of an object ID into an ObjectID. A nil
// or empty slice is converted to the zero OID.
func (h ObjectHash) FromBytes(raw []byte) (ObjectID, error) {
	if len(raw) == 0 {
		return h.ZeroOID, nil
	}
	if len(raw) != h.RawLen() {
		return "", fmt.Errorf("%w: %d bytes for %s", ErrInvalidObjectID, len(raw), h.Format)
	}
	return ObjectID(hex.EncodeToString(raw)), nil
}

// ValidateHex checks if hex is a syntactically correct object ID. Abbreviated object IDs
// are not deemed to be valid.
func (h ObjectHash) ValidateHex(hex string) error {
	if h.regexp != nil && h.regexp.MatchString(hex) {
		return nil
	}
	return fmt.Errorf("%w: %q", ErrInvalidObjectID, hex)
}

// IsZeroOID checks whether the given object ID is the all-zeroes object ID of this hash.
func (h ObjectHash) IsZeroOID(oid ObjectID) bool {
	return oid == "" || oid == h.ZeroOID
}

// ObjectID represents an object ID.
type ObjectID string

// String returns the hex representation of the ObjectID.
func (oid ObjectID) String() string {
	return string(oid)
}

// Bytes returns the byte representation of the ObjectID. The empty and the zero object ID
// both map to nil.
func (oid ObjectID) Bytes() ([]byte, error) {
	if oid.IsZeroOID() {
		return nil, nil
	}
	decoded, err := hex.DecodeString(string(oid))
	if err != nil {
		return nil, err
	}
	return decoded, nil
}

// Revision returns a revision of the ObjectID. This directly returns the hex
// representation as every object ID is a valid revision.
func (oid ObjectID) Revision() Revision {
	return Revision(oid.String())
}

// IsZeroOID tells whether the object ID is empty or consists of zeroes only,
// independent of the object hash in use.
func (oid ObjectID) IsZeroOID() bool {
	return strings.Trim(string(oid), "0") == ""
}

// Equal compares two object IDs, treating empty and zero object IDs as the same value.
func (oid ObjectID) Equal(other ObjectID) bool {
	if oid.IsZeroOID() || other.IsZeroOID() {
		return oid.IsZeroOID() == other.IsZeroOID()
	}
	return oid == other
}

// RawEqual compares two binary object IDs, treating nil and zero-filled slices as equal.
func RawEqual(a, b []byte) bool {
	return bytes.Equal(trimZero(a), trimZero(b))
}

func trimZero(raw []byte) []byte {
	for _, b := range raw {
		if b != 0 {
			return raw
		}
	}
	return nil
}
