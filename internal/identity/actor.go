// Package identity resolves who is acting on a request. Every operation takes
// an Actor explicitly: either a registered member or an anonymous visitor keyed
// by IP address.
package identity

import (
	"manuscript/api/internal/rbac"
)

type Actor interface {
	// Key identifies the actor for ownership checks: a user id or an IP hash.
	Key() string
	DisplayName() string
	isActor()
}

type Registered struct {
	ID             string    `json:"id"`
	Name           string    `json:"name"`
	Email          string    `json:"-"`
	Role           rbac.Role `json:"role"`
	ManagedVenue   string    `json:"managedVenueId,omitempty"`
	ReviewerVenues []string  `json:"reviewerVenueIds,omitempty"`
}

func (r Registered) Key() string         { return r.ID }
func (r Registered) DisplayName() string { return r.Name }
func (Registered) isActor()              {}

func (r Registered) Scope() rbac.Scope {
	return rbac.ScopeFor(r.Role, r.ManagedVenue, r.ReviewerVenues)
}

func (r Registered) Can(action rbac.Action) bool {
	return rbac.Can(r.Role, action)
}

type Anonymous struct {
	IP        string `json:"-"`
	IPHash    string `json:"-"`
	Pseudonym string `json:"pseudonym"`
}

func (a Anonymous) Key() string         { return a.IPHash }
func (a Anonymous) DisplayName() string { return a.Pseudonym }
func (Anonymous) isActor()              {}

// AsRegistered returns the registered member behind actor, if any.
func AsRegistered(actor Actor) (Registered, bool) {
	switch a := actor.(type) {
	case Registered:
		return a, true
	case *Registered:
		if a == nil {
			return Registered{}, false
		}
		return *a, true
	default:
		return Registered{}, false
	}
}

// ScopeOf returns the venue scope of actor; anonymous actors have none.
func ScopeOf(actor Actor) rbac.Scope {
	if member, ok := AsRegistered(actor); ok {
		return member.Scope()
	}
	return rbac.Scope{}
}
