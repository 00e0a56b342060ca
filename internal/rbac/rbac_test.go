package rbac

import "testing"

func TestCan(t *testing.T) {
	cases := []struct {
		name   string
		role   Role
		action Action
		allow  bool
	}{
		{name: "author comment", role: RoleAuthor, action: ActionComment, allow: true},
		{name: "author decide", role: RoleAuthor, action: ActionDecide, allow: false},
		{name: "editor decide", role: RoleEditor, action: ActionDecide, allow: true},
		{name: "editor moderate", role: RoleEditor, action: ActionModerate, allow: false},
		{name: "chief moderate", role: RoleEditorInChief, action: ActionModerate, allow: true},
		{name: "chief manage venues", role: RoleEditorInChief, action: ActionManageVenues, allow: false},
		{name: "super admin manage venues", role: RoleSuperAdmin, action: ActionManageVenues, allow: true},
		{name: "unknown role", role: Role("guest"), action: ActionComment, allow: false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Can(tc.role, tc.action); got != tc.allow {
				t.Fatalf("Can(%q, %q) = %v, want %v", tc.role, tc.action, got, tc.allow)
			}
		})
	}
}

func TestScopeFor(t *testing.T) {
	cases := []struct {
		name    string
		role    Role
		managed string
		review  []string
		venue   string
		allow   bool
	}{
		{name: "super admin any venue", role: RoleSuperAdmin, venue: "j9", allow: true},
		{name: "chief managed venue", role: RoleEditorInChief, managed: "j1", venue: "j1", allow: true},
		{name: "chief ignores reviewer list", role: RoleEditorInChief, managed: "j1", review: []string{"j2"}, venue: "j2", allow: false},
		{name: "chief without venue", role: RoleEditorInChief, venue: "j1", allow: false},
		{name: "editor reviewer venue", role: RoleEditor, review: []string{"j1", "j2"}, venue: "j2", allow: true},
		{name: "editor other venue", role: RoleEditor, review: []string{"j1"}, venue: "j3", allow: false},
		{name: "author", role: RoleAuthor, managed: "j1", venue: "j1", allow: false},
		{name: "empty venue id", role: RoleSuperAdmin, venue: "", allow: false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			scope := ScopeFor(tc.role, tc.managed, tc.review)
			if got := scope.Allows(tc.venue); got != tc.allow {
				t.Fatalf("Allows(%q) = %v, want %v (scope %+v)", tc.venue, got, tc.allow, scope)
			}
		})
	}

	if !ScopeFor(RoleAuthor, "", nil).Empty() {
		t.Fatal("author scope should be empty")
	}
	if !ScopeFor(RoleEditor, "", []string{"j1", "j2"}).AllowsAny("j5", "j2") {
		t.Fatal("AllowsAny should match a pooled venue")
	}
}
