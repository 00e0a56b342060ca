package workflow

import (
	"sort"
	"time"
)

type Tag string

const (
	TagComment                Tag = "comment"
	TagMinorRevisionRequested Tag = "minor_revision_requested"
	TagMajorRevisionRequested Tag = "major_revision_requested"
	TagRevisionSubmitted      Tag = "revision_submitted"
	TagApproved               Tag = "approved"
	TagRejected               Tag = "rejected"
)

var allowedTags = map[Tag]struct{}{
	TagComment:                {},
	TagMinorRevisionRequested: {},
	TagMajorRevisionRequested: {},
	TagRevisionSubmitted:      {},
	TagApproved:               {},
	TagRejected:               {},
}

func ParseTag(value string) (Tag, bool) {
	if value == "" {
		return TagComment, true
	}
	tag := Tag(value)
	_, ok := allowedTags[tag]
	return tag, ok
}

// EditorialTag reports whether only an editor in scope may write the tag.
func (t Tag) EditorialTag() bool {
	return t != TagComment
}

func (t Tag) RevisionRequest() bool {
	return t == TagMinorRevisionRequested || t == TagMajorRevisionRequested
}

func (t Tag) decisive() bool {
	switch t {
	case TagMinorRevisionRequested, TagMajorRevisionRequested, TagRevisionSubmitted, TagApproved, TagRejected:
		return true
	default:
		return false
	}
}

// TimelineEntry is the slice of a review event needed to derive revision state.
// Seq breaks ties between entries written in the same instant.
type TimelineEntry struct {
	Tag       Tag
	CreatedAt time.Time
	Seq       int64
}

// RevisionRequested reports whether the newest decisive entry asks for a
// revision. It is recomputed from the log on every read.
func RevisionRequested(entries []TimelineEntry) bool {
	ordered := make([]TimelineEntry, len(entries))
	copy(ordered, entries)
	sort.SliceStable(ordered, func(i, j int) bool {
		if !ordered[i].CreatedAt.Equal(ordered[j].CreatedAt) {
			return ordered[i].CreatedAt.After(ordered[j].CreatedAt)
		}
		return ordered[i].Seq > ordered[j].Seq
	})
	for _, entry := range ordered {
		if entry.Tag.decisive() {
			return entry.Tag.RevisionRequest()
		}
	}
	return false
}
