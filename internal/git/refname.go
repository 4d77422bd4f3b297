package git

import (
	"fmt"
	"strings"
)

// ReferenceNameFlags modify how ValidateReferenceName treats a name.
type ReferenceNameFlags uint

const (
	// AllowOneLevel accepts names without any slash like "HEAD" or "FETCH_HEAD".
	AllowOneLevel ReferenceNameFlags = 1 << iota
)

// InvalidReferenceNameError is returned by ValidateReferenceName.
type InvalidReferenceNameError struct {
	Name   string
	Reason string
}

func (e InvalidReferenceNameError) Error() string {
	return fmt.Sprintf("invalid reference name %q: %s", e.Name, e.Reason)
}

// ValidateReferenceName checks the name against the rules of git-check-ref-format(1).
func ValidateReferenceName(name string, flags ReferenceNameFlags) error {
	invalid := func(reason string) error {
		return InvalidReferenceNameError{Name: name, Reason: reason}
	}

	if name == "@" {
		return invalid("name is a single '@'")
	}
	if strings.HasSuffix(name, ".") {
		return invalid("name ends with '.'")
	}

	components := strings.Split(name, "/")
	for _, component := range components {
		if err := validateComponent(component); err != "" {
			return invalid(err)
		}
	}

	if len(components) < 2 && flags&AllowOneLevel == 0 {
		return invalid("name has only one level")
	}

	return nil
}

func validateComponent(component string) string {
	if component == "" {
		return "empty path component"
	}
	if component[0] == '.' {
		return "path component starts with '.'"
	}
	if strings.HasSuffix(component, ".lock") {
		return "path component ends with '.lock'"
	}

	var last byte
	for i := 0; i < len(component); i++ {
		c := component[i]
		switch {
		case c < 0x20 || c == 0x7f:
			return "control character"
		case c == ' ', c == '~', c == '^', c == ':', c == '?', c == '[', c == '\\', c == '*':
			return fmt.Sprintf("forbidden character %q", c)
		case c == '.' && last == '.':
			return "contains '..'"
		case c == '{' && last == '@':
			return "contains '@{'"
		}
		last = c
	}

	return ""
}

// IsSafeReferenceName tells whether a name is safe to be used for deletions. Names below "refs/"
// must not escape the hierarchy, all other names must use root reference syntax.
func IsSafeReferenceName(name string) bool {
	if strings.HasPrefix(name, "refs/") {
		for _, component := range strings.Split(strings.TrimPrefix(name, "refs/"), "/") {
			if component == "" || component == "." || component == ".." {
				return false
			}
		}
		return true
	}

	return IsRootReferenceSyntax(name)
}

// IsRootReferenceSyntax tells whether the name consists solely of upper-case letters, '-' and
// '_', which is the syntax used by pseudo references such as "HEAD" or "ORIG_HEAD".
func IsRootReferenceSyntax(name string) bool {
	if name == "" {
		return false
	}
	for i := 0; i < len(name); i++ {
		c := name[i]
		if (c < 'A' || c > 'Z') && c != '-' && c != '_' {
			return false
		}
	}
	return true
}

var specialRootReferences = map[string]bool{
	"AUTO_MERGE":          true,
	"BISECT_EXPECTED_REV": true,
	"NOTES_MERGE_PARTIAL": true,
	"NOTES_MERGE_REF":     true,
	"MERGE_AUTOSTASH":     true,
}

// IsRootReference tells whether the name is a root reference like "HEAD", "ORIG_HEAD" or
// "AUTO_MERGE" that lives outside of the "refs/" hierarchy.
func IsRootReference(name string) bool {
	if !IsRootReferenceSyntax(name) {
		return false
	}
	return strings.HasSuffix(name, "HEAD") || specialRootReferences[name]
}

var perWorktreePrefixes = []string{
	"refs/worktree/",
	"refs/bisect/",
	"refs/rewritten/",
}

// IsPerWorktreeReference tells whether the reference is private to a single worktree.
func IsPerWorktreeReference(name string) bool {
	if IsRootReferenceSyntax(name) {
		return true
	}
	for _, prefix := range perWorktreePrefixes {
		if strings.HasPrefix(name, prefix) {
			return true
		}
	}
	return false
}

// WorktreeReferenceKind classifies which worktree a reference name points into.
type WorktreeReferenceKind int

const (
	// WorktreeShared references are shared between all worktrees.
	WorktreeShared WorktreeReferenceKind = iota
	// WorktreeCurrent references are private to the current worktree.
	WorktreeCurrent
	// WorktreeMain references are explicitly addressed at the main worktree via the
	// "main-worktree/" prefix.
	WorktreeMain
	// WorktreeOther references are explicitly addressed at another worktree via the
	// "worktrees/<id>/" prefix.
	WorktreeOther
)

// WorktreeReference is the result of classifying a reference name.
type WorktreeReference struct {
	Kind WorktreeReferenceKind
	// Worktree is the identifier of the worktree for WorktreeOther.
	Worktree string
	// Name is the name as seen by the owning worktree, with any worktree prefix removed.
	Name ReferenceName
}

// ClassifyReference determines which worktree owns the given reference name.
func ClassifyReference(name ReferenceName) WorktreeReference {
	s := name.String()

	if rest := strings.TrimPrefix(s, "worktrees/"); rest != s {
		if slash := strings.IndexByte(rest, '/'); slash > 0 {
			bare := rest[slash+1:]
			if IsPerWorktreeReference(bare) {
				return WorktreeReference{
					Kind:     WorktreeOther,
					Worktree: rest[:slash],
					Name:     ReferenceName(bare),
				}
			}
		}
	}

	if bare := strings.TrimPrefix(s, "main-worktree/"); bare != s && IsPerWorktreeReference(bare) {
		return WorktreeReference{Kind: WorktreeMain, Name: ReferenceName(bare)}
	}

	if IsPerWorktreeReference(s) {
		return WorktreeReference{Kind: WorktreeCurrent, Name: name}
	}

	return WorktreeReference{Kind: WorktreeShared, Name: name}
}
