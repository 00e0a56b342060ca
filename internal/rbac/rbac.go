package rbac

import "slices"

type Role string
type Action string

const (
	RoleSuperAdmin    Role = "super_admin"
	RoleEditorInChief Role = "editor_in_chief"
	RoleEditor        Role = "editor"
	RoleAuthor        Role = "author"
)

const (
	ActionComment      Action = "comment"
	ActionDecide       Action = "decide"
	ActionModerate     Action = "moderate"
	ActionLinkFunds    Action = "link_funds"
	ActionManageVenues Action = "manage_venues"
)

func Can(role Role, action Action) bool {
	switch role {
	case RoleSuperAdmin:
		return true
	case RoleEditorInChief:
		return action == ActionComment || action == ActionDecide || action == ActionModerate || action == ActionLinkFunds
	case RoleEditor:
		return action == ActionComment || action == ActionDecide || action == ActionLinkFunds
	case RoleAuthor:
		return action == ActionComment
	default:
		return false
	}
}

func Normalize(role string) Role {
	switch Role(role) {
	case RoleSuperAdmin, RoleEditorInChief, RoleEditor, RoleAuthor:
		return Role(role)
	default:
		return RoleAuthor
	}
}

// Scope is the set of venues an actor may act on.
type Scope struct {
	Unrestricted bool
	VenueIDs     []string
}

// ScopeFor computes the venue scope for a role. managed is the single venue an
// editor-in-chief runs; reviewer lists the venues an editor was added to.
func ScopeFor(role Role, managed string, reviewer []string) Scope {
	switch role {
	case RoleSuperAdmin:
		return Scope{Unrestricted: true}
	case RoleEditorInChief:
		if managed == "" {
			return Scope{}
		}
		return Scope{VenueIDs: []string{managed}}
	case RoleEditor:
		return Scope{VenueIDs: slices.Clone(reviewer)}
	default:
		return Scope{}
	}
}

func (s Scope) Allows(venueID string) bool {
	if venueID == "" {
		return false
	}
	return s.Unrestricted || slices.Contains(s.VenueIDs, venueID)
}

// AllowsAny reports whether any of the venues is in scope.
func (s Scope) AllowsAny(venueIDs ...string) bool {
	for _, id := range venueIDs {
		if s.Allows(id) {
			return true
		}
	}
	return false
}

func (s Scope) Empty() bool {
	return !s.Unrestricted && len(s.VenueIDs) == 0
}
