package model

import (
	"fmt"
	"strconv"
	"strings"
)

// Revision is one immutable version of a document.
//
// revId has the form "N-hash" where N is a monotonically increasing
// generation counter and hash is an opaque, implementation-defined token
// (typically derived from the revision's content and parent). A revision
// is current if no descendant of it exists locally.
type Revision struct {
	DocID       string
	RevID       string
	Sequence    int64
	Deleted     bool
	Body        map[string]interface{}
	Attachments map[string]AttachmentRef
}

// RevisionHistory is the ordered list of ancestor revIds for a revision,
// most recent first, as attached to pull responses that set revs=true.
type RevisionHistory []string

// Generation returns the leading integer of a "N-hash" revId. It returns
// 0 and an error if revId is malformed.
func Generation(revID string) (int, error) {
	idx := strings.IndexByte(revID, '-')
	if idx <= 0 {
		return 0, fmt.Errorf("model: malformed revId %q", revID)
	}
	n, err := strconv.Atoi(revID[:idx])
	if err != nil {
		return 0, fmt.Errorf("model: malformed revId %q: %w", revID, err)
	}
	return n, nil
}

// HashPart returns the token after the generation prefix of a "N-hash" revId.
func HashPart(revID string) string {
	idx := strings.IndexByte(revID, '-')
	if idx < 0 || idx == len(revID)-1 {
		return ""
	}
	return revID[idx+1:]
}

// NewRevID composes a "N-hash" revId from a generation and hash token.
func NewRevID(generation int, hash string) string {
	return strconv.Itoa(generation) + "-" + hash
}

// Winner selects the current revision among siblings of the same document
// per the glossary rule: a non-deleted revision beats any deleted one;
// among the rest, highest generation wins and ties are broken by the
// lexicographically greatest hash component. The winner is deleted only
// when every sibling is, so callers still filter deleted docs out when
// required (e.g. the view indexer skips deleted winners).
//
// Winner panics if revs is empty; callers are expected to group by DocID
// and only call Winner on non-empty groups.
func Winner(revs []Revision) Revision {
	best := revs[0]
	bestGen, _ := Generation(best.RevID)
	for _, r := range revs[1:] {
		gen, _ := Generation(r.RevID)
		switch {
		case best.Deleted != r.Deleted:
			if best.Deleted {
				best, bestGen = r, gen
			}
		case gen > bestGen:
			best, bestGen = r, gen
		case gen == bestGen && HashPart(r.RevID) > HashPart(best.RevID):
			best, bestGen = r, gen
		}
	}
	return best
}
