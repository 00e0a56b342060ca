package identity

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"manuscript/api/internal/auth"
)

var ErrUnauthenticated = errors.New("unauthenticated")

// Directory loads a member's current role and venue memberships.
type Directory interface {
	GetMember(ctx context.Context, userID string) (Registered, error)
}

type Resolver struct {
	secret     []byte
	directory  Directory
	pseudonyms *Pseudonymizer
}

func NewResolver(secret []byte, directory Directory, pseudonyms *Pseudonymizer) *Resolver {
	return &Resolver{secret: secret, directory: directory, pseudonyms: pseudonyms}
}

// Resolve maps a request to an actor. A missing Authorization header yields an
// anonymous actor; a present but invalid token is an error, never a silent
// downgrade to anonymous.
func (r *Resolver) Resolve(ctx context.Context, authorization, remoteIP string) (Actor, error) {
	raw := strings.TrimSpace(authorization)
	if raw == "" {
		return r.pseudonyms.Anonymous(remoteIP), nil
	}
	token, ok := strings.CutPrefix(raw, "Bearer ")
	if !ok || strings.TrimSpace(token) == "" {
		return nil, ErrUnauthenticated
	}
	claims, err := auth.ParseToken(r.secret, strings.TrimSpace(token))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnauthenticated, err)
	}
	member, err := r.directory.GetMember(ctx, claims.Subject)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: unknown user", ErrUnauthenticated)
		}
		return nil, fmt.Errorf("load member: %w", err)
	}
	return member, nil
}

func (r *Resolver) Anonymous(remoteIP string) Anonymous {
	return r.pseudonyms.Anonymous(remoteIP)
}
