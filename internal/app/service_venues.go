package app

import (
	"context"
	"errors"
	"regexp"
	"strings"

	"manuscript/api/internal/identity"
	"manuscript/api/internal/rbac"
	"manuscript/api/internal/store"
	"manuscript/api/internal/util"
	"manuscript/api/internal/workflow"
)

var venueCodePattern = regexp.MustCompile(`^[a-z0-9][a-z0-9-]{1,39}$`)

var allowedVenueStatuses = map[string]struct{}{
	"active":   {},
	"archived": {},
}

type VenueInput struct {
	Code        string `json:"code"`
	Kind        string `json:"kind"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

type VenueUpdateInput struct {
	Name        *string `json:"name"`
	Description *string `json:"description"`
	Status      *string `json:"status"`
}

func (s *Service) ListVenues(ctx context.Context, kind string) (map[string]any, error) {
	if kind != "" {
		if _, ok := workflow.ParseKind(kind); !ok {
			return nil, invalidField("kind", "kind must be journal or conference")
		}
	}
	venues, err := s.store.ListVenues(ctx, kind)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(venues))
	for _, venue := range venues {
		items = append(items, venueView(venue))
	}
	return map[string]any{"items": items}, nil
}

func (s *Service) CreateVenue(ctx context.Context, actor identity.Actor, input VenueInput) (map[string]any, error) {
	if _, err := requireMember(actor, rbac.ActionManageVenues); err != nil {
		return nil, err
	}
	problems := fieldErrors{}
	code := strings.ToLower(strings.TrimSpace(input.Code))
	if !venueCodePattern.MatchString(code) {
		problems.add("code", "code must be 2 to 40 lowercase letters, digits or dashes")
	}
	kind, ok := workflow.ParseKind(strings.TrimSpace(input.Kind))
	if !ok {
		problems.add("kind", "kind must be journal or conference")
	}
	name := strings.TrimSpace(input.Name)
	if name == "" {
		problems.add("name", "name is required")
	}
	if err := problems.err(); err != nil {
		return nil, err
	}

	venue := store.Venue{
		ID:          util.NewID("ven"),
		Code:        code,
		Kind:        string(kind),
		Name:        name,
		Description: strings.TrimSpace(input.Description),
		Status:      "active",
	}
	if err := s.store.InsertVenue(ctx, venue); err != nil {
		if errors.Is(err, store.ErrUniqueViolation) {
			return nil, conflict("DUPLICATE_CODE", "a venue with this code already exists", map[string]string{"code": code})
		}
		return nil, err
	}
	return s.venueDetail(ctx, venue.ID)
}

func (s *Service) UpdateVenue(ctx context.Context, actor identity.Actor, venueID string, input VenueUpdateInput) (map[string]any, error) {
	if _, err := requireMember(actor, rbac.ActionManageVenues); err != nil {
		return nil, err
	}
	venue, err := s.store.GetVenue(ctx, venueID)
	if err != nil {
		return nil, err
	}
	problems := fieldErrors{}
	if input.Name != nil {
		venue.Name = strings.TrimSpace(*input.Name)
		if venue.Name == "" {
			problems.add("name", "name is required")
		}
	}
	if input.Description != nil {
		venue.Description = strings.TrimSpace(*input.Description)
	}
	if input.Status != nil {
		venue.Status = strings.ToLower(strings.TrimSpace(*input.Status))
		if _, ok := allowedVenueStatuses[venue.Status]; !ok {
			problems.add("status", "status must be active or archived")
		}
	}
	if err := problems.err(); err != nil {
		return nil, err
	}
	if err := s.store.UpdateVenue(ctx, venueID, venue.Name, venue.Description, venue.Status); err != nil {
		return nil, err
	}
	return s.venueDetail(ctx, venueID)
}

// DeleteVenue removes a venue that owns no manuscripts and has no staff.
func (s *Service) DeleteVenue(ctx context.Context, actor identity.Actor, venueID string) error {
	if _, err := requireMember(actor, rbac.ActionManageVenues); err != nil {
		return err
	}
	if err := s.store.DeleteVenue(ctx, venueID); err != nil {
		if errors.Is(err, store.ErrVenueNotEmpty) {
			return conflict("VENUE_NOT_EMPTY", "venue still owns manuscripts or staff", nil)
		}
		return err
	}
	return nil
}

// SetChief assigns the editor-in-chief, or clears it when userID is empty.
func (s *Service) SetChief(ctx context.Context, actor identity.Actor, venueID, userID string) (map[string]any, error) {
	if _, err := requireMember(actor, rbac.ActionManageVenues); err != nil {
		return nil, err
	}
	var chief *string
	if userID = strings.TrimSpace(userID); userID != "" {
		chief = &userID
	}
	if err := s.store.SetVenueChief(ctx, venueID, chief); err != nil {
		if errors.Is(err, store.ErrUniqueViolation) {
			return nil, conflict("CHIEF_ALREADY_ASSIGNED", "user already manages another venue", map[string]string{"userId": userID})
		}
		return nil, err
	}
	return s.venueDetail(ctx, venueID)
}

func (s *Service) AddEditor(ctx context.Context, actor identity.Actor, venueID, userID string) (map[string]any, error) {
	if _, err := requireMember(actor, rbac.ActionManageVenues); err != nil {
		return nil, err
	}
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, invalidField("userId", "userId is required")
	}
	if err := s.store.AddVenueEditor(ctx, venueID, userID); err != nil {
		return nil, err
	}
	return s.venueDetail(ctx, venueID)
}

func (s *Service) RemoveEditor(ctx context.Context, actor identity.Actor, venueID, userID string) (map[string]any, error) {
	if _, err := requireMember(actor, rbac.ActionManageVenues); err != nil {
		return nil, err
	}
	if err := s.store.RemoveVenueEditor(ctx, venueID, userID); err != nil {
		return nil, err
	}
	return s.venueDetail(ctx, venueID)
}

func (s *Service) venueDetail(ctx context.Context, venueID string) (map[string]any, error) {
	venue, err := s.store.GetVenue(ctx, venueID)
	if err != nil {
		return nil, err
	}
	return venueView(venue), nil
}
