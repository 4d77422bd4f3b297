package git

import (
	"bytes"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestObjectHash_ValidateHex(t *testing.T) {
	for _, hash := range []ObjectHash{ObjectHashSHA1, ObjectHashSHA256} {
		t.Run(hash.Format, func(t *testing.T) {
			validOID := strings.Repeat("1", hash.EncodedLen)

			for _, tc := range []struct {
				desc  string
				oid   string
				valid bool
			}{
				{
					desc:  "valid object ID",
					oid:   validOID,
					valid: true,
				},
				{
					desc:  "object ID with non-hex characters fails",
					oid:   "x" + validOID[1:],
					valid: false,
				},
				{
					desc:  "object ID with upper-case letters fails",
					oid:   strings.Repeat("A", hash.EncodedLen),
					valid: false,
				},
				{
					desc:  "too short object ID fails",
					oid:   validOID[1:],
					valid: false,
				},
				{
					desc:  "too long object ID fails",
					oid:   validOID + "1",
					valid: false,
				},
				{
					desc:  "empty string fails",
					oid:   "",
					valid: false,
				},
			} {
				t.Run(tc.desc, func(t *testing.T) {
					err := hash.ValidateHex(tc.oid)
					if tc.valid {
						require.NoError(t, err)
					} else {
						require.EqualError(t, err, fmt.Sprintf("invalid object ID: %q", tc.oid))
					}
				})
			}
		})
	}
}

func TestObjectHashByFormat(t *testing.T) {
	hash, err := ObjectHashByFormat("")
	require.NoError(t, err)
	require.Equal(t, ObjectHashSHA1.Format, hash.Format)

	hash, err = ObjectHashByFormat("sha256")
	require.NoError(t, err)
	require.Equal(t, 32, hash.RawLen())

	_, err = ObjectHashByFormat("md5")
	require.ErrorIs(t, err, ErrUnknownObjectFormat)
}

func TestObjectHash_FromBytes(t *testing.T) {
	oid, err := ObjectHashSHA1.FromBytes(nil)
	require.NoError(t, err)
	require.Equal(t, ObjectHashSHA1.ZeroOID, oid)

	oid, err = ObjectHashSHA1.FromBytes(bytes.Repeat([]byte{0xab}, 20))
	require.NoError(t, err)
	require.Equal(t, ObjectID(strings.Repeat("ab", 20)), oid)

	raw, err := oid.Bytes()
	require.NoError(t, err)
	require.Equal(t, bytes.Repeat([]byte{0xab}, 20), raw)

	_, err = ObjectHashSHA256.FromBytes(bytes.Repeat([]byte{0xab}, 20))
	require.ErrorIs(t, err, ErrInvalidObjectID)
}

func TestObjectID_IsZeroOID(t *testing.T) {
	for _, tc := range []struct {
		desc   string
		oid    ObjectID
		isZero bool
	}{
		{desc: "empty", oid: "", isZero: true},
		{desc: "sha1 zero", oid: ObjectHashSHA1.ZeroOID, isZero: true},
		{desc: "sha256 zero", oid: ObjectHashSHA256.ZeroOID, isZero: true},
		{desc: "non-zero", oid: ObjectID(strings.Repeat("0", 39) + "1"), isZero: false},
	} {
		t.Run(tc.desc, func(t *testing.T) {
			require.Equal(t, tc.isZero, tc.oid.IsZeroOID())
		})
	}
}

func TestObjectID_Equal(t *testing.T) {
	require.True(t, ObjectID("").Equal(ZeroOID))
	require.True(t, ZeroOID.Equal(""))
	require.False(t, ZeroOID.Equal(ObjectID(strings.Repeat("1", 40))))
	require.True(t, ObjectID(strings.Repeat("1", 40)).Equal(ObjectID(strings.Repeat("1", 40))))
}

func TestRawEqual(t *testing.T) {
	require.True(t, RawEqual(nil, make([]byte, 20)))
	require.True(t, RawEqual([]byte{1, 2}, []byte{1, 2}))
	require.False(t, RawEqual(nil, []byte{0, 1}))
}
