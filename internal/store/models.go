package store

import (
	"time"

	"manuscript/api/internal/workflow"
)

type User struct {
	ID          string
	DisplayName string
	Email       string
	Role        string
	CreatedAt   time.Time
}

type Venue struct {
	ID              string
	Code            string
	Kind            string
	Name            string
	Description     string
	Status          string
	ChiefUserID     *string
	EditorIDs       []string
	ManuscriptCount int
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

func (v Venue) Ref() workflow.VenueRef {
	return workflow.VenueRef{Kind: workflow.VenueKind(v.Kind), ID: v.ID}
}

// Author is one entry of the structured author list, stored as JSONB.
type Author struct {
	Name        string   `json:"name"`
	Affiliation string   `json:"affiliation"`
	Roles       []string `json:"roles"`
	Contact     string   `json:"contact,omitempty"`
}

type Manuscript struct {
	ID              string
	Title           string
	AuthorLine      string
	Authors         []Author
	Abstract        string
	Subject         string
	Type            string
	FileURL         string
	FileHash        string
	FileExt         string
	CoverURL        string
	PendingCoverURL string
	Status          string
	LockedVenueID   *string
	LockedVenueKind *string
	Pool            []string
	FundIDs         []string
	UploaderID      *string
	SubmitIP        string
	SubmitIPHash    string
	Popularity      int
	AOIScore        float64
	AIScores        map[string]float64
	CreatedAt       time.Time
	UpdatedAt       time.Time
	LastSubmittedAt time.Time
	LastApprovedAt  *time.Time
}

func (m Manuscript) State() workflow.State {
	state := workflow.State{Status: workflow.Status(m.Status)}
	if m.LockedVenueID != nil && m.LockedVenueKind != nil {
		state.Locked = &workflow.VenueRef{Kind: workflow.VenueKind(*m.LockedVenueKind), ID: *m.LockedVenueID}
	}
	if len(m.Pool) > 0 {
		state.Pool = append([]string(nil), m.Pool...)
	}
	return state
}

// WithState copies the workflow fields of state onto m.
func (m Manuscript) WithState(state workflow.State) Manuscript {
	m.Status = string(state.Status)
	m.LockedVenueID = nil
	m.LockedVenueKind = nil
	if state.Locked != nil {
		id := state.Locked.ID
		kind := string(state.Locked.Kind)
		m.LockedVenueID = &id
		m.LockedVenueKind = &kind
	}
	m.Pool = append([]string(nil), state.Pool...)
	return m
}

type StoredFile struct {
	URL  string
	Hash string
	Ext  string
}

// ManuscriptEdits are optional rewrites applied together with a transition.
// Nil fields are left unchanged.
type ManuscriptEdits struct {
	Title      *string
	AuthorLine *string
	Authors    *[]Author
	Abstract   *string
	Subject    *string
	File       *StoredFile
	FundIDs    *[]string
}

func (e *ManuscriptEdits) Empty() bool {
	return e == nil || (e.Title == nil && e.AuthorLine == nil && e.Authors == nil && e.Abstract == nil &&
		e.Subject == nil && e.File == nil && e.FundIDs == nil)
}

func (e *ManuscriptEdits) Apply(m Manuscript) Manuscript {
	if e == nil {
		return m
	}
	if e.Title != nil {
		m.Title = *e.Title
	}
	if e.AuthorLine != nil {
		m.AuthorLine = *e.AuthorLine
	}
	if e.Authors != nil {
		m.Authors = append([]Author(nil), (*e.Authors)...)
	}
	if e.Abstract != nil {
		m.Abstract = *e.Abstract
	}
	if e.Subject != nil {
		m.Subject = *e.Subject
	}
	if e.File != nil {
		m.FileURL = e.File.URL
		m.FileHash = e.File.Hash
		m.FileExt = e.File.Ext
	}
	if e.FundIDs != nil {
		m.FundIDs = append([]string(nil), (*e.FundIDs)...)
	}
	return m
}

// Transition is the outcome of a workflow step computed while the manuscript
// row is locked. Everything in it is written in one transaction.
type Transition struct {
	Next     workflow.State
	Approved bool
	Edits    *ManuscriptEdits
	Log      *FormalReviewLog
	Event    *ReviewEvent
}

type TransitionFunc func(current Manuscript) (Transition, error)

const (
	ThreadDiscussion = "discussion"
	ThreadReview     = "review"
)

type ReviewEvent struct {
	ID           string
	Seq          int64
	ManuscriptID string
	ParentID     *string
	Thread       string
	Action       string
	Body         string
	ActorUserID  *string
	ActorName    string
	ActorIPHash  string
	CreatedAt    time.Time
	LikeCount    int
	Liked        bool
}

type FormalReviewLog struct {
	ID           int64
	ManuscriptID string
	VenueID      string
	VenueKind    string
	ActorUserID  string
	ActorName    string
	Action       string
	Feedback     string
	CreatedAt    time.Time
}

type FundApplication struct {
	ID       string
	Title    string
	SerialNo string
	Status   string
}

const (
	VoteOverreach  = "overreach"
	VoteMisconduct = "misconduct"
)

// QueueFilter selects the editorial queue for one venue kind.
type QueueFilter struct {
	Kind         string
	Statuses     []string
	Unrestricted bool
	VenueIDs     []string
	Limit        int
	Offset       int
}

// LikeKey identifies who is liking: exactly one field is set.
type LikeKey struct {
	UserID      string
	GuestIPHash string
}
