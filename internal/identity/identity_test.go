package identity

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"testing"
	"time"

	"manuscript/api/internal/auth"
	"manuscript/api/internal/rbac"
)

type fakeDirectory struct {
	getMemberFn func(ctx context.Context, userID string) (Registered, error)
}

func (f fakeDirectory) GetMember(ctx context.Context, userID string) (Registered, error) {
	return f.getMemberFn(ctx, userID)
}

func TestPseudonymIsStablePerIP(t *testing.T) {
	p := NewPseudonymizer("key")
	first := p.Anonymous("203.0.113.7")
	second := p.Anonymous("203.0.113.7")
	other := p.Anonymous("203.0.113.8")

	if first.Pseudonym != second.Pseudonym || first.IPHash != second.IPHash {
		t.Fatalf("pseudonym changed for the same IP: %q vs %q", first.Pseudonym, second.Pseudonym)
	}
	if first.Pseudonym == other.Pseudonym {
		t.Fatalf("distinct IPs produced the same pseudonym %q", first.Pseudonym)
	}
	if !strings.HasPrefix(first.Pseudonym, "Guest-") || len(first.Pseudonym) != len("Guest-")+8 {
		t.Fatalf("unexpected pseudonym shape %q", first.Pseudonym)
	}
	if strings.Contains(first.IPHash, "203.0.113.7") {
		t.Fatal("hash leaks the IP")
	}
	if NewPseudonymizer("other-key").Hash("203.0.113.7") == first.IPHash {
		t.Fatal("hash does not depend on the key")
	}
}

func TestResolve(t *testing.T) {
	secret := []byte("secret")
	directory := fakeDirectory{getMemberFn: func(_ context.Context, userID string) (Registered, error) {
		if userID != "user-1" {
			return Registered{}, sql.ErrNoRows
		}
		return Registered{ID: "user-1", Name: "Avery", Role: rbac.RoleEditor, ReviewerVenues: []string{"j1"}}, nil
	}}
	resolver := NewResolver(secret, directory, NewPseudonymizer("key"))

	valid, err := auth.IssueToken(secret, "user-1", "Avery", "editor", time.Hour)
	if err != nil {
		t.Fatalf("IssueToken() error = %v", err)
	}
	unknown, err := auth.IssueToken(secret, "user-2", "Blake", "author", time.Hour)
	if err != nil {
		t.Fatalf("IssueToken() error = %v", err)
	}

	t.Run("anonymous without header", func(t *testing.T) {
		actor, err := resolver.Resolve(context.Background(), "", "198.51.100.1")
		if err != nil {
			t.Fatalf("Resolve() error = %v", err)
		}
		anon, ok := actor.(Anonymous)
		if !ok || anon.Pseudonym == "" {
			t.Fatalf("actor = %#v, want Anonymous", actor)
		}
		if _, ok := AsRegistered(actor); ok {
			t.Fatal("anonymous actor reported as registered")
		}
	})

	t.Run("registered", func(t *testing.T) {
		actor, err := resolver.Resolve(context.Background(), "Bearer "+valid, "198.51.100.1")
		if err != nil {
			t.Fatalf("Resolve() error = %v", err)
		}
		member, ok := AsRegistered(actor)
		if !ok || member.ID != "user-1" || !member.Scope().Allows("j1") {
			t.Fatalf("actor = %#v", actor)
		}
	})

	for name, header := range map[string]string{
		"garbage token": "Bearer nope",
		"wrong scheme":  "Basic abc",
		"unknown user":  "Bearer " + unknown,
	} {
		t.Run(name, func(t *testing.T) {
			_, err := resolver.Resolve(context.Background(), header, "198.51.100.1")
			if !errors.Is(err, ErrUnauthenticated) {
				t.Fatalf("Resolve() error = %v, want ErrUnauthenticated", err)
			}
		})
	}
}
