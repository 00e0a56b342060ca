// Package workflow holds the manuscript lifecycle rules. It has no I/O: the
// store loads a State, applies one of these functions inside a transaction and
// persists the result.
package workflow

import (
	"errors"
	"fmt"
	"slices"
)

type Status string

const (
	StatusDraft           Status = "draft"
	StatusPending         Status = "pending"
	StatusPublished       Status = "published"
	StatusRejected        Status = "rejected"
	StatusPendingDeletion Status = "pending_deletion"
)

var allowedStatuses = map[Status]struct{}{
	StatusDraft:           {},
	StatusPending:         {},
	StatusPublished:       {},
	StatusRejected:        {},
	StatusPendingDeletion: {},
}

func ParseStatus(value string) (Status, bool) {
	status := Status(value)
	_, ok := allowedStatuses[status]
	return status, ok
}

type VenueKind string

const (
	KindJournal    VenueKind = "journal"
	KindConference VenueKind = "conference"
)

func ParseKind(value string) (VenueKind, bool) {
	switch VenueKind(value) {
	case KindJournal, KindConference:
		return VenueKind(value), true
	default:
		return "", false
	}
}

type VenueRef struct {
	Kind VenueKind `json:"kind"`
	ID   string    `json:"id"`
}

var (
	ErrInvalidTransition  = errors.New("invalid status transition")
	ErrVenueNotInPool     = errors.New("venue is not in the candidate pool")
	ErrNoCandidateVenues  = errors.New("at least one candidate venue is required")
	ErrTooManyVenues      = errors.New("too many candidate venues")
	ErrMixedVenueKinds    = errors.New("candidate venues must share one kind")
	ErrSingleConference   = errors.New("a conference submission targets exactly one conference")
	ErrInvariantViolation = errors.New("locked venue and candidate pool are both set")
)

// State is the part of a manuscript the lifecycle rules read and write.
// Pool only ever holds journal ids; a conference submission is locked to its
// conference from the start.
type State struct {
	Status Status
	Locked *VenueRef
	Pool   []string
}

func (s State) Clone() State {
	out := State{Status: s.Status, Pool: slices.Clone(s.Pool)}
	if s.Locked != nil {
		locked := *s.Locked
		out.Locked = &locked
	}
	return out
}

func (s State) InPool(venueID string) bool {
	return slices.Contains(s.Pool, venueID)
}

// Validate checks the lock/pool exclusion. Awaiting-review and published
// manuscripts must have exactly one of the two; draft and rejected manuscripts
// may have neither.
func (s State) Validate() error {
	locked := s.Locked != nil
	pooled := len(s.Pool) > 0
	if locked && pooled {
		return ErrInvariantViolation
	}
	switch s.Status {
	case StatusPending:
		if !locked && !pooled {
			return fmt.Errorf("%w: pending manuscript has no venue", ErrInvariantViolation)
		}
	case StatusPublished:
		if !locked {
			return fmt.Errorf("%w: published manuscript is not locked", ErrInvariantViolation)
		}
	}
	return nil
}

// AwaitingReview reports whether editors may still decide on the manuscript.
// Draft is included because the journal queue lists drafts.
func AwaitingReview(status Status) bool {
	return status == StatusDraft || status == StatusPending
}

// CanResubmit reports whether a replacement file may be uploaded.
func CanResubmit(status Status) bool {
	return status == StatusDraft || status == StatusPending || status == StatusPublished
}

// Submit builds the initial state for a new manuscript. Journals go into the
// candidate pool; a single conference becomes the locked venue.
func Submit(targets []VenueRef, anonymous bool, maxVenues int) (State, error) {
	if len(targets) == 0 {
		return State{}, ErrNoCandidateVenues
	}
	kind := targets[0].Kind
	pool := make([]string, 0, len(targets))
	for _, target := range targets {
		if target.Kind != kind {
			return State{}, ErrMixedVenueKinds
		}
		if target.ID == "" {
			return State{}, ErrNoCandidateVenues
		}
		if !slices.Contains(pool, target.ID) {
			pool = append(pool, target.ID)
		}
	}
	if maxVenues > 0 && len(pool) > maxVenues {
		return State{}, fmt.Errorf("%w: %d requested, limit %d", ErrTooManyVenues, len(pool), maxVenues)
	}

	status := StatusPending
	if anonymous {
		status = StatusDraft
	}
	if kind == KindConference {
		if len(pool) != 1 {
			return State{}, ErrSingleConference
		}
		return State{Status: status, Locked: &VenueRef{Kind: KindConference, ID: pool[0]}}, nil
	}
	return State{Status: status, Pool: pool}, nil
}

// Admit locks the manuscript to target and clears the pool, whether or not
// target was a candidate.
func Admit(s State, target VenueRef) (State, error) {
	if !AwaitingReview(s.Status) {
		return s, fmt.Errorf("%w: cannot admit from %s", ErrInvalidTransition, s.Status)
	}
	locked := target
	return State{Status: StatusPublished, Locked: &locked}, nil
}

// RemoveFromPool drops one journal from the pool. When the pool becomes empty
// the manuscript is rejected and exhausted is true.
func RemoveFromPool(s State, venueID string) (next State, exhausted bool, err error) {
	if !AwaitingReview(s.Status) {
		return s, false, fmt.Errorf("%w: cannot reject from %s", ErrInvalidTransition, s.Status)
	}
	if !s.InPool(venueID) {
		return s, false, ErrVenueNotInPool
	}
	next = s.Clone()
	next.Pool = slices.DeleteFunc(next.Pool, func(id string) bool { return id == venueID })
	if len(next.Pool) == 0 {
		next.Pool = nil
		next.Status = StatusRejected
		return next, true, nil
	}
	return next, false, nil
}

// HardReject rejects the whole manuscript regardless of the pool.
func HardReject(s State) (State, error) {
	if !AwaitingReview(s.Status) {
		return s, fmt.Errorf("%w: cannot reject from %s", ErrInvalidTransition, s.Status)
	}
	next := s.Clone()
	next.Pool = nil
	next.Status = StatusRejected
	return next, nil
}

// Withdraw takes down a published manuscript. The lock is kept as a record of
// where it had been published.
func Withdraw(s State) (State, error) {
	if s.Status != StatusPublished {
		return s, fmt.Errorf("%w: only published manuscripts can be withdrawn", ErrInvalidTransition)
	}
	next := s.Clone()
	next.Status = StatusRejected
	return next, nil
}

func RequestDeletion(s State) (State, error) {
	if s.Status == StatusPendingDeletion {
		return s, fmt.Errorf("%w: deletion already requested", ErrInvalidTransition)
	}
	next := s.Clone()
	next.Status = StatusPendingDeletion
	return next, nil
}
