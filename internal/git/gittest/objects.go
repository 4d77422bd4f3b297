package gittest

import (
	"context"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"gitlab.com/gitlab-org/refstore/internal/git"
	"gitlab.com/gitlab-org/refstore/internal/git/catfile"
)

type object struct {
	objectType string
	size       int64
	target     git.ObjectID
}

// ObjectDB is an in-memory object database. Object IDs are computed the same way Git computes
// them from the object header and contents, but contents themselves are not retained.
type ObjectDB struct {
	hash    git.ObjectHash
	objects map[git.ObjectID]object
}

// NewObjectDB creates an empty object database using the given object hash.
func NewObjectDB(hash git.ObjectHash) *ObjectDB {
	return &ObjectDB{
		hash:    hash,
		objects: map[git.ObjectID]object{},
	}
}

// Hash returns the object hash of the database.
func (db *ObjectDB) Hash() git.ObjectHash {
	return db.hash
}

func (db *ObjectDB) write(objectType, content string, target git.ObjectID) git.ObjectID {
	var h hash.Hash
	if db.hash.Format == git.ObjectHashSHA256.Format {
		h = sha256.New()
	} else {
		h = sha1.New()
	}
	fmt.Fprintf(h, "%s %d\x00%s", objectType, len(content), content)

	oid := git.ObjectID(hex.EncodeToString(h.Sum(nil)))
	db.objects[oid] = object{
		objectType: objectType,
		size:       int64(len(content)),
		target:     target,
	}

	return oid
}

// WriteBlob writes a blob with the given contents.
func (db *ObjectDB) WriteBlob(t testing.TB, content string) git.ObjectID {
	t.Helper()
	return db.write("blob", content, "")
}

// WriteCommit writes a commit with an empty tree and the given message.
func (db *ObjectDB) WriteCommit(t testing.TB, message string) git.ObjectID {
	t.Helper()

	content := fmt.Sprintf("tree %s\nauthor %s\ncommitter %s\n\n%s\n",
		db.hash.ZeroOID, DefaultCommitter, DefaultCommitter, message)

	return db.write("commit", content, "")
}

// WriteTag writes an annotated tag pointing at target, which must exist.
func (db *ObjectDB) WriteTag(t testing.TB, name string, target git.ObjectID) git.ObjectID {
	t.Helper()

	targetObject, ok := db.objects[target]
	require.True(t, ok, "tag target %s does not exist", target)

	content := fmt.Sprintf("object %s\ntype %s\ntag %s\ntagger %s\n\n%s\n",
		target, targetObject.objectType, name, DefaultCommitter, name)

	return db.write("tag", content, target)
}

// Info looks up the object. The revision must either be an object ID or an object ID suffixed with
// "^{}", in which case tags are peeled recursively.
func (db *ObjectDB) Info(ctx context.Context, revision git.Revision) (*catfile.ObjectInfo, error) {
	rev := revision.String()
	peel := strings.HasSuffix(rev, "^{}")

	oid := git.ObjectID(strings.TrimSuffix(rev, "^{}"))
	obj, ok := db.objects[oid]
	if !ok {
		return nil, catfile.NotFoundError{Revision: revision}
	}

	for peel && obj.objectType == "tag" {
		oid = obj.target
		if obj, ok = db.objects[oid]; !ok {
			return nil, catfile.NotFoundError{Revision: revision}
		}
	}

	return &catfile.ObjectInfo{
		Oid:  oid,
		Type: obj.objectType,
		Size: obj.size,
	}, nil
}
