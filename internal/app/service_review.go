package app

import (
	"context"
	"fmt"
	"strings"

	"manuscript/api/internal/identity"
	"manuscript/api/internal/notify"
	"manuscript/api/internal/rbac"
	"manuscript/api/internal/store"
	"manuscript/api/internal/util"
	"manuscript/api/internal/workflow"
)

const maxFeedbackLength = 10000

// ReviewQueue lists manuscripts awaiting a decision from the actor's venues of
// one kind. The statuses each kind lists come from configuration.
func (s *Service) ReviewQueue(ctx context.Context, actor identity.Actor, kind string, limit, offset int) (map[string]any, error) {
	member, err := requireMember(actor, rbac.ActionDecide)
	if err != nil {
		return nil, err
	}
	if kind == "" {
		kind = string(workflow.KindJournal)
	}
	venueKind, ok := workflow.ParseKind(kind)
	if !ok {
		return nil, invalidField("kind", "kind must be journal or conference")
	}
	statuses := s.cfg.JournalQueueStatuses
	if venueKind == workflow.KindConference {
		statuses = s.cfg.ConferenceQueueStatuses
	}
	scope := member.Scope()
	if scope.Empty() {
		return map[string]any{"kind": venueKind, "items": []map[string]any{}}, nil
	}
	items, err := s.store.ReviewQueue(ctx, store.QueueFilter{
		Kind:         string(venueKind),
		Statuses:     statuses,
		Unrestricted: scope.Unrestricted,
		VenueIDs:     scope.VenueIDs,
		Limit:        clampLimit(limit, 100, 500),
		Offset:       max(offset, 0),
	})
	if err != nil {
		return nil, err
	}
	return map[string]any{"kind": venueKind, "items": manuscriptList(items)}, nil
}

// EditInput carries the optional rewrites an editor may apply on admission.
type EditInput struct {
	Title      *string         `json:"title"`
	AuthorLine *string         `json:"authorLine"`
	Authors    *[]store.Author `json:"authors"`
	Abstract   *string         `json:"abstract"`
	Subject    *string         `json:"subject"`
	FundIDs    *[]string       `json:"fundIds"`
}

type AdmitInput struct {
	VenueID  string     `json:"venueId"`
	Feedback string     `json:"feedback"`
	Edits    *EditInput `json:"edits"`
}

type RejectInput struct {
	VenueID  string `json:"venueId"`
	Feedback string `json:"feedback"`
}

type RevisionInput struct {
	Severity string `json:"severity"`
	Body     string `json:"body"`
}

// Admit locks the manuscript to one venue and clears its pool. Editors can
// only admit to a venue the manuscript is waiting on; a super administrator
// may force any venue.
func (s *Service) Admit(ctx context.Context, actor identity.Actor, manuscriptID string, input AdmitInput) (map[string]any, error) {
	member, err := requireMember(actor, rbac.ActionDecide)
	if err != nil {
		return nil, err
	}
	venue, err := s.decisionVenue(ctx, member, input.VenueID)
	if err != nil {
		return nil, err
	}
	feedback := strings.TrimSpace(input.Feedback)
	if len(feedback) > maxFeedbackLength {
		return nil, invalidField("feedback", fmt.Sprintf("feedback must be at most %d characters", maxFeedbackLength))
	}
	edits, err := s.buildEdits(ctx, input.Edits)
	if err != nil {
		return nil, err
	}
	target, err := workflow.VenueFor(venue.Ref())
	if err != nil {
		return nil, err
	}
	unrestricted := member.Scope().Unrestricted

	updated, err := s.store.ApplyTransition(ctx, manuscriptID, func(current store.Manuscript) (store.Transition, error) {
		state := current.State()
		if !unrestricted && !waitingOn(state, venue.ID) {
			return store.Transition{}, workflow.ErrVenueNotInPool
		}
		next, err := target.Admit(state)
		if err != nil {
			return store.Transition{}, err
		}
		return store.Transition{
			Next:     next,
			Approved: true,
			Edits:    edits,
			Log:      decisionLog(member, venue, string(workflow.TagApproved), feedback),
		}, nil
	})
	if err != nil {
		return nil, err
	}
	s.metrics.Transition("admit")

	message := "Admitted to " + venue.Name
	if !edits.Empty() {
		message += " with editorial changes"
	}
	s.record(updated, member.Name, message)
	s.syncIndex(updated)
	s.notifyUploader(updated, notify.KindAdmitted, venue.Name, feedback)
	return s.manuscriptDetail(ctx, actor, updated)
}

// Reject removes one venue from the candidate pool. Emptying the pool rejects
// the manuscript. A conference rejection, or a super administrator rejecting
// without naming a venue, rejects the whole manuscript directly.
func (s *Service) Reject(ctx context.Context, actor identity.Actor, manuscriptID string, input RejectInput) (map[string]any, error) {
	member, err := requireMember(actor, rbac.ActionDecide)
	if err != nil {
		return nil, err
	}
	feedback := strings.TrimSpace(input.Feedback)
	if len(feedback) > maxFeedbackLength {
		return nil, invalidField("feedback", fmt.Sprintf("feedback must be at most %d characters", maxFeedbackLength))
	}

	var (
		venue    store.Venue
		decider  workflow.Venue
		operated = "reject"
	)
	if strings.TrimSpace(input.VenueID) == "" && member.Scope().Unrestricted {
		operated = "hard_reject"
	} else {
		venue, err = s.decisionVenue(ctx, member, input.VenueID)
		if err != nil {
			return nil, err
		}
		if decider, err = workflow.VenueFor(venue.Ref()); err != nil {
			return nil, err
		}
	}

	unrestricted := member.Scope().Unrestricted
	final := false
	updated, err := s.store.ApplyTransition(ctx, manuscriptID, func(current store.Manuscript) (store.Transition, error) {
		if !unrestricted && !waitingOn(current.State(), venue.ID) {
			return store.Transition{}, workflow.ErrVenueNotInPool
		}
		if decider == nil {
			next, err := workflow.HardReject(current.State())
			if err != nil {
				return store.Transition{}, err
			}
			final = true
			return store.Transition{Next: next, Log: decisionLog(member, venue, string(workflow.TagRejected), feedback)}, nil
		}
		rejection, err := decider.Reject(current.State())
		if err != nil {
			return store.Transition{}, err
		}
		final = rejection.Hard || rejection.Exhausted
		return store.Transition{
			Next: rejection.State,
			Log:  decisionLog(member, venue, string(workflow.TagRejected), feedback),
		}, nil
	})
	if err != nil {
		return nil, err
	}
	s.metrics.Transition(operated)
	if final {
		s.syncIndex(updated)
		s.notifyUploader(updated, notify.KindRejected, venue.Name, feedback)
	}
	view, err := s.manuscriptDetail(ctx, actor, updated)
	if err != nil {
		return nil, err
	}
	view["rejectedFromVenue"] = venue.ID
	view["finalRejection"] = final
	return view, nil
}

// RequestRevision appends a revision request to the review timeline. The
// manuscript status does not change.
func (s *Service) RequestRevision(ctx context.Context, actor identity.Actor, manuscriptID string, input RevisionInput) (map[string]any, error) {
	var tag workflow.Tag
	switch strings.ToLower(strings.TrimSpace(input.Severity)) {
	case "minor":
		tag = workflow.TagMinorRevisionRequested
	case "major":
		tag = workflow.TagMajorRevisionRequested
	default:
		return nil, invalidField("severity", "severity must be minor or major")
	}
	return s.PostTimeline(ctx, actor, manuscriptID, TimelineInput{Body: input.Body, Tag: string(tag)})
}

// decisionVenue loads the venue a decision targets and checks it against the
// member's scope at call time.
func (s *Service) decisionVenue(ctx context.Context, member identity.Registered, venueID string) (store.Venue, error) {
	venueID = strings.TrimSpace(venueID)
	if venueID == "" {
		return store.Venue{}, invalidField("venueId", "venueId is required")
	}
	venue, err := s.store.GetVenue(ctx, venueID)
	if err != nil {
		return store.Venue{}, err
	}
	if !member.Scope().Allows(venue.ID) {
		return store.Venue{}, forbidden("venue is outside your scope")
	}
	return venue, nil
}

func waitingOn(state workflow.State, venueID string) bool {
	return state.InPool(venueID) || (state.Locked != nil && state.Locked.ID == venueID)
}

func decisionLog(member identity.Registered, venue store.Venue, action, feedback string) *store.FormalReviewLog {
	return &store.FormalReviewLog{
		VenueID:     venue.ID,
		VenueKind:   venue.Kind,
		ActorUserID: member.ID,
		ActorName:   member.Name,
		Action:      action,
		Feedback:    feedback,
	}
}

// buildEdits validates optional admission rewrites. Fund ids must name
// approved fund records.
func (s *Service) buildEdits(ctx context.Context, input *EditInput) (*store.ManuscriptEdits, error) {
	if input == nil {
		return nil, nil
	}
	problems := fieldErrors{}
	edits := &store.ManuscriptEdits{
		AuthorLine: trimmedPtr(input.AuthorLine),
		Abstract:   trimmedPtr(input.Abstract),
		Subject:    trimmedPtr(input.Subject),
	}
	if input.Title != nil {
		title := strings.TrimSpace(*input.Title)
		if title == "" || len(title) > maxTitleLength {
			problems.add("edits.title", fmt.Sprintf("title must be 1 to %d characters", maxTitleLength))
		}
		edits.Title = &title
	}
	if input.Authors != nil {
		authors, problem := normalizeAuthors(*input.Authors)
		if problem != "" {
			problems.add("edits.authors", problem)
		}
		edits.Authors = &authors
	}
	if input.FundIDs != nil {
		fundIDs := uniqueTrimmed(*input.FundIDs)
		missing, err := s.store.MissingApprovedFunds(ctx, fundIDs)
		if err != nil {
			return nil, err
		}
		if len(missing) > 0 {
			problems.add("edits.fundIds", "unknown or unapproved funds: "+strings.Join(missing, ", "))
		}
		edits.FundIDs = &fundIDs
	}
	if err := problems.err(); err != nil {
		return nil, err
	}
	if edits.Empty() {
		return nil, nil
	}
	return edits, nil
}

func trimmedPtr(value *string) *string {
	if value == nil {
		return nil
	}
	trimmed := strings.TrimSpace(*value)
	return &trimmed
}

func (s *Service) FormalLog(ctx context.Context, actor identity.Actor, manuscriptID string) (map[string]any, error) {
	member, err := requireMember(actor, rbac.ActionDecide)
	if err != nil {
		return nil, err
	}
	manuscript, err := s.store.GetManuscript(ctx, manuscriptID)
	if err != nil {
		return nil, err
	}
	if !inScope(member, manuscript) {
		return nil, forbidden("manuscript is outside your venues")
	}
	entries, err := s.store.ListFormalLogs(ctx, manuscriptID)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(entries))
	for _, entry := range entries {
		items = append(items, map[string]any{
			"id":          entry.ID,
			"venueId":     entry.VenueID,
			"venueKind":   entry.VenueKind,
			"actorUserId": entry.ActorUserID,
			"actorName":   entry.ActorName,
			"action":      entry.Action,
			"feedback":    entry.Feedback,
			"createdAt":   entry.CreatedAt,
		})
	}
	return map[string]any{"items": items}, nil
}

type TimelineInput struct {
	Body string `json:"body"`
	Tag  string `json:"tag"`
}

// canAccessReview reports whether actor may read and comment on the review
// timeline: the uploader or an editor in scope.
func canAccessReview(actor identity.Actor, m store.Manuscript) bool {
	return isOwner(actor, m) || canReview(actor, m)
}

func (s *Service) Timeline(ctx context.Context, actor identity.Actor, manuscriptID string) (map[string]any, error) {
	manuscript, err := s.store.GetManuscript(ctx, manuscriptID)
	if err != nil {
		return nil, err
	}
	if !canAccessReview(actor, manuscript) {
		return nil, forbidden("you cannot access this review")
	}
	events, err := s.store.ListReviewEvents(ctx, manuscriptID, store.ThreadReview, likeKey(actor))
	if err != nil {
		return nil, err
	}
	entries := make([]workflow.TimelineEntry, 0, len(events))
	items := make([]map[string]any, 0, len(events))
	for _, event := range events {
		items = append(items, eventView(event))
		entries = append(entries, workflow.TimelineEntry{Tag: workflow.Tag(event.Action), CreatedAt: event.CreatedAt, Seq: event.Seq})
	}
	return map[string]any{
		"items":             items,
		"revisionRequested": workflow.RevisionRequested(entries),
	}, nil
}

// PostTimeline appends a root entry to the review timeline. Only editors in
// scope may attach an editorial tag.
func (s *Service) PostTimeline(ctx context.Context, actor identity.Actor, manuscriptID string, input TimelineInput) (map[string]any, error) {
	tag, ok := workflow.ParseTag(strings.TrimSpace(input.Tag))
	if !ok {
		return nil, invalidField("tag", "unknown tag")
	}
	if tag != workflow.TagComment && !tag.RevisionRequest() {
		return nil, invalidField("tag", "decisions and resubmissions are recorded by their own operations")
	}
	body := strings.TrimSpace(input.Body)
	if body == "" {
		return nil, invalidField("body", "body is required")
	}
	if len(body) > maxFeedbackLength {
		return nil, invalidField("body", fmt.Sprintf("body must be at most %d characters", maxFeedbackLength))
	}
	manuscript, err := s.store.GetManuscript(ctx, manuscriptID)
	if err != nil {
		return nil, err
	}
	if tag.EditorialTag() {
		if _, err := requireMember(actor, rbac.ActionDecide); err != nil {
			return nil, err
		}
		if !canReview(actor, manuscript) {
			return nil, forbidden("manuscript is outside your venues")
		}
	} else if !canAccessReview(actor, manuscript) {
		return nil, forbidden("you cannot access this review")
	}
	if !workflow.AwaitingReview(workflow.Status(manuscript.Status)) {
		return nil, conflict("INVALID_TRANSITION", "manuscript is not under review", map[string]string{"status": manuscript.Status})
	}

	event, err := s.store.InsertReviewEvent(ctx, eventActor(actor, store.ReviewEvent{
		ID:           util.NewID("evt"),
		ManuscriptID: manuscriptID,
		Thread:       store.ThreadReview,
		Action:       string(tag),
		Body:         body,
	}))
	if err != nil {
		return nil, err
	}
	s.metrics.ReviewEvent(store.ThreadReview, event.Action)
	if tag.RevisionRequest() {
		s.notifyUploader(manuscript, notify.KindRevisionRequested, "", body)
	}
	return eventView(event), nil
}
