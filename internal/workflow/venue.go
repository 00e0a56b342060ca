package workflow

import "fmt"

// Venue is the decision capability shared by journals and conferences.
type Venue interface {
	Ref() VenueRef
	// Pooled reports whether manuscripts wait in a shared candidate pool.
	Pooled() bool
	Admit(State) (State, error)
	Reject(State) (Rejection, error)
}

// Rejection describes what a per-venue reject did to the manuscript.
type Rejection struct {
	State State
	// Hard is set when the whole manuscript was rejected directly.
	Hard bool
	// Exhausted is set when removing the venue emptied the pool.
	Exhausted bool
}

type Journal struct {
	ID string
}

func (j Journal) Ref() VenueRef { return VenueRef{Kind: KindJournal, ID: j.ID} }

func (Journal) Pooled() bool { return true }

func (j Journal) Admit(s State) (State, error) {
	return Admit(s, j.Ref())
}

func (j Journal) Reject(s State) (Rejection, error) {
	next, exhausted, err := RemoveFromPool(s, j.ID)
	if err != nil {
		return Rejection{}, err
	}
	return Rejection{State: next, Exhausted: exhausted}, nil
}

type Conference struct {
	ID string
}

func (c Conference) Ref() VenueRef { return VenueRef{Kind: KindConference, ID: c.ID} }

func (Conference) Pooled() bool { return false }

func (c Conference) Admit(s State) (State, error) {
	return Admit(s, c.Ref())
}

func (c Conference) Reject(s State) (Rejection, error) {
	if s.Locked == nil || s.Locked.Kind != KindConference || s.Locked.ID != c.ID {
		return Rejection{}, ErrVenueNotInPool
	}
	next, err := HardReject(s)
	if err != nil {
		return Rejection{}, err
	}
	return Rejection{State: next, Hard: true}, nil
}

func VenueFor(ref VenueRef) (Venue, error) {
	switch ref.Kind {
	case KindJournal:
		return Journal{ID: ref.ID}, nil
	case KindConference:
		return Conference{ID: ref.ID}, nil
	default:
		return nil, fmt.Errorf("unknown venue kind %q", ref.Kind)
	}
}
