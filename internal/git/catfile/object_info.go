package catfile

import (
	"bufio"
	"fmt"
	"strconv"
	"strings"

	"gitlab.com/gitlab-org/refstore/internal/git"
)

// ObjectInfo represents a header returned by `git cat-file --batch-check`
type ObjectInfo struct {
	Oid  git.ObjectID
	Type string
	Size int64
}

// NotFoundError is returned when requesting an object that does not exist.
type NotFoundError struct {
	Revision git.Revision
}

func (e NotFoundError) Error() string {
	return fmt.Sprintf("object not found: %q", e.Revision)
}

// IsNotFound tests whether err has type NotFoundError.
func IsNotFound(err error) bool {
	_, ok := err.(NotFoundError)
	return ok
}

// IsCommit returns true if object type is "commit"
func (o *ObjectInfo) IsCommit() bool {
	return o.Type == "commit"
}

// IsTag returns true if object type is "tag"
func (o *ObjectInfo) IsTag() bool {
	return o.Type == "tag"
}

// ParseObjectInfo reads from a reader and parses the data into an ObjectInfo struct. The object ID
// is validated against the given object hash.
func ParseObjectInfo(hash git.ObjectHash, revision git.Revision, stdout *bufio.Reader) (*ObjectInfo, error) {
	infoLine, err := stdout.ReadString('\n')
	if err != nil {
		return nil, fmt.Errorf("read info line: %w", err)
	}

	infoLine = strings.TrimSuffix(infoLine, "\n")
	if strings.HasSuffix(infoLine, " missing") || strings.HasSuffix(infoLine, " ambiguous") {
		return nil, NotFoundError{Revision: revision}
	}

	info := strings.Split(infoLine, " ")
	if len(info) != 3 {
		return nil, fmt.Errorf("invalid info line: %q", infoLine)
	}

	oid, err := hash.FromHex(info[0])
	if err != nil {
		return nil, fmt.Errorf("parse object ID: %w", err)
	}

	objectSize, err := strconv.ParseInt(info[2], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("parse object size: %w", err)
	}

	return &ObjectInfo{
		Oid:  oid,
		Type: info[1],
		Size: objectSize,
	}, nil
}
