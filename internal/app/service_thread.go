package app

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"manuscript/api/internal/identity"
	"manuscript/api/internal/rbac"
	"manuscript/api/internal/search"
	"manuscript/api/internal/store"
	"manuscript/api/internal/util"
	"manuscript/api/internal/workflow"
)

const maxCommentLength = 5000

type CommentInput struct {
	Body     string `json:"body"`
	ParentID string `json:"parentId"`
}

// Comments returns the public discussion of a published manuscript as root
// comments with their direct replies.
func (s *Service) Comments(ctx context.Context, actor identity.Actor, manuscriptID string) (map[string]any, error) {
	manuscript, err := s.store.GetManuscript(ctx, manuscriptID)
	if err != nil {
		return nil, err
	}
	if manuscript.Status != string(workflow.StatusPublished) {
		return nil, conflict("DISCUSSION_CLOSED", "discussion is open on published manuscripts only", nil)
	}
	events, err := s.store.ListReviewEvents(ctx, manuscriptID, store.ThreadDiscussion, likeKey(actor))
	if err != nil {
		return nil, err
	}

	roots := make([]map[string]any, 0)
	replies := map[string][]map[string]any{}
	for _, event := range events {
		view := eventView(event)
		view["mine"] = ownsEvent(actor, event)
		if event.ParentID == nil {
			roots = append(roots, view)
			continue
		}
		replies[*event.ParentID] = append(replies[*event.ParentID], view)
	}
	for _, root := range roots {
		children := replies[root["id"].(string)]
		if children == nil {
			children = []map[string]any{}
		}
		root["replies"] = children
	}
	return map[string]any{"items": roots, "total": len(events)}, nil
}

// PostComment adds a root comment or a reply to a root comment. Replies to
// replies are refused.
func (s *Service) PostComment(ctx context.Context, actor identity.Actor, manuscriptID string, input CommentInput) (map[string]any, error) {
	body := strings.TrimSpace(input.Body)
	if body == "" {
		return nil, invalidField("body", "body is required")
	}
	if len(body) > maxCommentLength {
		return nil, invalidField("body", fmt.Sprintf("body must be at most %d characters", maxCommentLength))
	}
	manuscript, err := s.store.GetManuscript(ctx, manuscriptID)
	if err != nil {
		return nil, err
	}
	if manuscript.Status != string(workflow.StatusPublished) {
		return nil, conflict("DISCUSSION_CLOSED", "discussion is open on published manuscripts only", nil)
	}

	event := store.ReviewEvent{
		ID:           util.NewID("evt"),
		ManuscriptID: manuscriptID,
		Thread:       store.ThreadDiscussion,
		Action:       string(workflow.TagComment),
		Body:         body,
	}
	if parentID := strings.TrimSpace(input.ParentID); parentID != "" {
		parent, err := s.store.GetReviewEvent(ctx, parentID)
		if err != nil {
			return nil, err
		}
		if parent.ManuscriptID != manuscriptID || parent.Thread != store.ThreadDiscussion {
			return nil, sql.ErrNoRows
		}
		if parent.ParentID != nil {
			return nil, conflict("REPLY_DEPTH_EXCEEDED", "replies cannot be answered", map[string]string{"parentId": parentID})
		}
		event.ParentID = &parentID
	}

	created, err := s.store.InsertReviewEvent(ctx, eventActor(actor, event))
	if err != nil {
		return nil, err
	}
	s.metrics.ReviewEvent(store.ThreadDiscussion, created.Action)
	if s.search != nil {
		record := search.CommentRecord{
			ID:           created.ID,
			ManuscriptID: manuscriptID,
			Body:         created.Body,
			ActorName:    created.ActorName,
		}
		if manuscript.LockedVenueID != nil {
			record.VenueID = *manuscript.LockedVenueID
		}
		s.search.IndexComment(record)
	}
	view := eventView(created)
	view["mine"] = true
	return view, nil
}

// ToggleLike adds the actor's like to an entry or removes it when present.
func (s *Service) ToggleLike(ctx context.Context, actor identity.Actor, eventID string) (map[string]any, error) {
	event, err := s.store.GetReviewEvent(ctx, eventID)
	if err != nil {
		return nil, err
	}
	if event.Thread == store.ThreadReview {
		manuscript, err := s.store.GetManuscript(ctx, event.ManuscriptID)
		if err != nil {
			return nil, err
		}
		if !canAccessReview(actor, manuscript) {
			return nil, forbidden("you cannot access this review")
		}
	}
	key := likeKey(actor)
	if key.UserID == "" && key.GuestIPHash == "" {
		return nil, unauthorized()
	}
	liked, err := s.store.ToggleEventLike(ctx, eventID, key)
	if err != nil {
		return nil, err
	}
	return map[string]any{"eventId": eventID, "liked": liked}, nil
}

// DeleteEvent removes a thread entry. Its author may delete it, as may a
// moderator whose scope covers the manuscript.
func (s *Service) DeleteEvent(ctx context.Context, actor identity.Actor, eventID string) error {
	event, err := s.store.GetReviewEvent(ctx, eventID)
	if err != nil {
		return err
	}
	if tag, _ := workflow.ParseTag(event.Action); tag.EditorialTag() {
		return conflict("IMMUTABLE_ENTRY", "editorial timeline entries cannot be deleted", nil)
	}
	if !ownsEvent(actor, event) {
		member, ok := identity.AsRegistered(actor)
		if !ok || !member.Can(rbac.ActionModerate) {
			return forbidden("only the author or a moderator can delete this entry")
		}
		manuscript, err := s.store.GetManuscript(ctx, event.ManuscriptID)
		if err != nil {
			return err
		}
		if !inScope(member, manuscript) {
			return forbidden("manuscript is outside your venues")
		}
	}
	if err := s.store.DeleteReviewEvent(ctx, eventID); err != nil {
		return err
	}
	if event.Thread == store.ThreadDiscussion && s.search != nil {
		s.search.DeleteComment(eventID)
	}
	return nil
}

// ownsEvent matches registered authors by user id and anonymous authors by the
// hash of their IP.
func ownsEvent(actor identity.Actor, event store.ReviewEvent) bool {
	if member, ok := identity.AsRegistered(actor); ok {
		return event.ActorUserID != nil && *event.ActorUserID == member.ID
	}
	anon, ok := actor.(identity.Anonymous)
	return ok && event.ActorUserID == nil && anon.IPHash != "" && event.ActorIPHash == anon.IPHash
}
