package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"slices"
	"strings"

	"go.uber.org/zap"

	"manuscript/api/internal/blob"
	"manuscript/api/internal/identity"
	"manuscript/api/internal/notify"
	"manuscript/api/internal/ratelimit"
	"manuscript/api/internal/rbac"
	"manuscript/api/internal/store"
	"manuscript/api/internal/util"
	"manuscript/api/internal/workflow"
)

const (
	maxTitleLength    = 300
	maxAbstractLength = 20000
	defaultType       = "research_article"
)

var allowedManuscriptTypes = map[string]struct{}{
	defaultType: {},
}

var allowedVoteTypes = map[string]struct{}{
	store.VoteOverreach:  {},
	store.VoteMisconduct: {},
}

type SubmitInput struct {
	Title      string         `json:"title"`
	AuthorLine string         `json:"authorLine"`
	Authors    []store.Author `json:"authors"`
	Abstract   string         `json:"abstract"`
	Subject    string         `json:"subject"`
	Type       string         `json:"type"`
	VenueIDs   []string       `json:"venueIds"`
	FundIDs    []string       `json:"fundIds"`
}

// Upload is a file received with a request.
type Upload struct {
	Filename string
	Data     []byte
}

// Submit stores the file, then creates the manuscript with its candidate pool.
// origin is the network identity of the request, recorded for registered and
// anonymous submitters alike.
func (s *Service) Submit(ctx context.Context, actor identity.Actor, origin identity.Anonymous, input SubmitInput, file Upload) (map[string]any, error) {
	_, registered := identity.AsRegistered(actor)

	problems := fieldErrors{}
	title := strings.TrimSpace(input.Title)
	switch {
	case title == "":
		problems.add("title", "title is required")
	case len(title) > maxTitleLength:
		problems.add("title", fmt.Sprintf("title must be at most %d characters", maxTitleLength))
	}
	if len(input.Abstract) > maxAbstractLength {
		problems.add("abstract", fmt.Sprintf("abstract must be at most %d characters", maxAbstractLength))
	}
	manuscriptType := strings.TrimSpace(input.Type)
	if manuscriptType == "" {
		manuscriptType = defaultType
	}
	if _, ok := allowedManuscriptTypes[manuscriptType]; !ok {
		problems.add("type", "unsupported manuscript type")
	}
	authors, authorProblem := normalizeAuthors(input.Authors)
	if authorProblem != "" {
		problems.add("authors", authorProblem)
	}
	ext := s.checkFile(problems, "file", file, s.cfg.AllowedExtensions)

	venueIDs := uniqueTrimmed(input.VenueIDs)
	targets := make([]workflow.VenueRef, 0, len(venueIDs))
	names := map[string]string{}
	for _, venueID := range venueIDs {
		venue, err := s.store.GetVenue(ctx, venueID)
		if errors.Is(err, sql.ErrNoRows) {
			problems.add("venueIds", "unknown venue "+venueID)
			continue
		}
		if err != nil {
			return nil, err
		}
		if venue.Status != "active" {
			problems.add("venueIds", "venue "+venue.Code+" is not accepting submissions")
			continue
		}
		targets = append(targets, venue.Ref())
		names[venue.ID] = venue.Name
	}
	maxVenues := s.cfg.MaxVenuesAnonymous
	if registered {
		maxVenues = s.cfg.MaxVenuesRegistered
	}
	var state workflow.State
	if _, failed := problems["venueIds"]; !failed {
		next, err := workflow.Submit(targets, !registered, maxVenues)
		if err != nil {
			problems.add("venueIds", venueProblem(err, maxVenues))
		}
		state = next
	}

	fundIDs := uniqueTrimmed(input.FundIDs)
	if len(fundIDs) > 0 {
		missing, err := s.store.MissingApprovedFunds(ctx, fundIDs)
		if err != nil {
			return nil, err
		}
		if len(missing) > 0 {
			problems.add("fundIds", "unknown or unapproved funds: "+strings.Join(missing, ", "))
		}
	}
	if err := problems.err(); err != nil {
		return nil, err
	}

	quotaKey := actor.Key()
	if s.quota != nil {
		if _, err := s.quota.Take(ctx, quotaKey, s.cfg.DailySubmissionLimit); err != nil {
			if errors.Is(err, ratelimit.ErrQuotaExceeded) {
				s.metrics.QuotaDenied()
				return nil, quotaExceeded(s.cfg.DailySubmissionLimit)
			}
			s.logger.Error("quota check failed", zap.Error(err))
			return nil, upstreamError("quota service unavailable")
		}
	}
	committed := false
	defer func() {
		if committed || s.quota == nil {
			return
		}
		if err := s.quota.Release(context.WithoutCancel(ctx), quotaKey); err != nil {
			s.logger.Warn("release quota failed", zap.Error(err))
		}
	}()

	stored, err := s.putFile(ctx, file.Data, ext)
	if err != nil {
		return nil, err
	}

	manuscript := store.Manuscript{
		ID:           util.NewID("ms"),
		Title:        title,
		AuthorLine:   strings.TrimSpace(input.AuthorLine),
		Authors:      authors,
		Abstract:     strings.TrimSpace(input.Abstract),
		Subject:      strings.TrimSpace(input.Subject),
		Type:         manuscriptType,
		FileURL:      stored.URL,
		FileHash:     stored.Hash,
		FileExt:      ext,
		FundIDs:      fundIDs,
		SubmitIP:     origin.IP,
		SubmitIPHash: origin.IPHash,
	}.WithState(state)
	if member, ok := identity.AsRegistered(actor); ok {
		uploader := member.ID
		manuscript.UploaderID = &uploader
		if manuscript.AuthorLine == "" {
			manuscript.AuthorLine = member.Name
		}
	}
	if err := s.store.InsertManuscript(ctx, manuscript); err != nil {
		return nil, err
	}
	committed = true
	s.metrics.Transition("submit")

	created, err := s.store.GetManuscript(ctx, manuscript.ID)
	if err != nil {
		return nil, err
	}
	s.record(created, actor.DisplayName(), "Submitted to "+joinVenueNames(created.Pool, created.LockedVenueID, names))
	s.requestScore(ctx, created)
	return s.manuscriptDetail(ctx, actor, created)
}

func venueProblem(err error, maxVenues int) string {
	switch {
	case errors.Is(err, workflow.ErrNoCandidateVenues):
		return "at least one venue is required"
	case errors.Is(err, workflow.ErrTooManyVenues):
		return fmt.Sprintf("at most %d venues may be selected", maxVenues)
	case errors.Is(err, workflow.ErrMixedVenueKinds):
		return "journals and conferences cannot be mixed"
	case errors.Is(err, workflow.ErrSingleConference):
		return "a conference submission targets exactly one conference"
	default:
		return err.Error()
	}
}

func joinVenueNames(pool []string, locked *string, names map[string]string) string {
	ids := slices.Clone(pool)
	if locked != nil {
		ids = append(ids, *locked)
	}
	labels := make([]string, 0, len(ids))
	for _, id := range ids {
		if name := names[id]; name != "" {
			labels = append(labels, name)
			continue
		}
		labels = append(labels, id)
	}
	return strings.Join(labels, ", ")
}

func normalizeAuthors(authors []store.Author) ([]store.Author, string) {
	out := make([]store.Author, 0, len(authors))
	for i, author := range authors {
		author.Name = strings.TrimSpace(author.Name)
		author.Affiliation = strings.TrimSpace(author.Affiliation)
		author.Contact = strings.TrimSpace(author.Contact)
		author.Roles = uniqueTrimmed(author.Roles)
		if author.Name == "" {
			return nil, fmt.Sprintf("author %d has no name", i+1)
		}
		out = append(out, author)
	}
	return out, ""
}

// checkFile validates an upload against the size limit and allowed extensions
// and returns its normalized extension.
func (s *Service) checkFile(problems fieldErrors, field string, file Upload, allowed []string) string {
	if len(file.Data) == 0 {
		problems.add(field, "file is required")
		return ""
	}
	if s.cfg.MaxUploadBytes > 0 && int64(len(file.Data)) > s.cfg.MaxUploadBytes {
		problems.add(field, fmt.Sprintf("file exceeds %d bytes", s.cfg.MaxUploadBytes))
		return ""
	}
	ext := blob.Ext(file.Filename)
	if ext == "" || (len(allowed) > 0 && !slices.Contains(allowed, ext)) {
		problems.add(field, "file type must be one of "+strings.Join(allowed, ", "))
		return ""
	}
	return ext
}

// putFile persists data before any row references it. A failure aborts the
// calling operation.
func (s *Service) putFile(ctx context.Context, data []byte, ext string) (blob.Object, error) {
	if s.blobs == nil {
		return blob.Object{}, upstreamError("file storage unavailable")
	}
	stored, err := s.blobs.Put(ctx, data, ext)
	if err != nil {
		s.logger.Error("store file failed", zap.Error(err))
		return blob.Object{}, upstreamError("file storage unavailable")
	}
	s.metrics.Upload(stored.Reused)
	return stored, nil
}

func (s *Service) GetManuscript(ctx context.Context, actor identity.Actor, manuscriptID string) (map[string]any, error) {
	manuscript, err := s.loadVisible(ctx, actor, manuscriptID)
	if err != nil {
		return nil, err
	}
	return s.manuscriptDetail(ctx, actor, manuscript)
}

// manuscriptDetail adds the derived duplicate and revision flags to the view.
func (s *Service) manuscriptDetail(ctx context.Context, actor identity.Actor, m store.Manuscript) (map[string]any, error) {
	duplicate, err := s.store.HasDuplicate(ctx, m.ID, m.FileHash)
	if err != nil {
		return nil, err
	}
	entries, err := s.store.ListTimelineEntries(ctx, m.ID)
	if err != nil {
		return nil, err
	}
	tally, err := s.store.AoiVoteTally(ctx, m.ID)
	if err != nil {
		return nil, err
	}
	view := manuscriptView(m)
	view["duplicate"] = duplicate
	view["revisionRequested"] = workflow.RevisionRequested(entries)
	view["aoiVotes"] = tally
	view["permissions"] = map[string]bool{
		"owner":    isOwner(actor, m),
		"review":   canReview(actor, m),
		"resubmit": workflow.CanResubmit(workflow.Status(m.Status)),
	}
	return view, nil
}

func (s *Service) ListOwn(ctx context.Context, actor identity.Actor) (map[string]any, error) {
	var (
		items []store.Manuscript
		err   error
	)
	if member, ok := identity.AsRegistered(actor); ok {
		items, err = s.store.ListOwnManuscripts(ctx, member.ID, "")
	} else {
		items, err = s.store.ListOwnManuscripts(ctx, "", actor.Key())
	}
	if err != nil {
		return nil, err
	}
	return map[string]any{"items": manuscriptList(items)}, nil
}

func (s *Service) ListPublished(ctx context.Context, limit, offset int) (map[string]any, error) {
	items, err := s.store.ListPublished(ctx, clampLimit(limit, 50, 200), max(offset, 0))
	if err != nil {
		return nil, err
	}
	return map[string]any{"items": manuscriptList(items)}, nil
}

// Resubmit replaces the manuscript file. The new file must keep the original
// extension; the status is not changed.
func (s *Service) Resubmit(ctx context.Context, actor identity.Actor, manuscriptID, note string, file Upload) (map[string]any, error) {
	manuscript, err := s.loadVisible(ctx, actor, manuscriptID)
	if err != nil {
		return nil, err
	}
	if !workflow.CanResubmit(workflow.Status(manuscript.Status)) {
		return nil, conflict("INVALID_TRANSITION", "manuscript can no longer be revised", map[string]string{"status": manuscript.Status})
	}
	if len(file.Data) == 0 {
		return nil, invalidField("file", "file is required")
	}
	ext := blob.Ext(file.Filename)
	if !blob.SameExt(ext, manuscript.FileExt) {
		return nil, extensionMismatch(manuscript.FileExt, ext)
	}
	if s.cfg.MaxUploadBytes > 0 && int64(len(file.Data)) > s.cfg.MaxUploadBytes {
		return nil, invalidField("file", fmt.Sprintf("file exceeds %d bytes", s.cfg.MaxUploadBytes))
	}
	note = strings.TrimSpace(note)
	if note == "" {
		note = "Revised manuscript uploaded."
	}

	stored, err := s.putFile(ctx, file.Data, manuscript.FileExt)
	if err != nil {
		return nil, err
	}
	event := eventActor(actor, store.ReviewEvent{
		ID:     util.NewID("evt"),
		Thread: store.ThreadReview,
		Action: string(workflow.TagRevisionSubmitted),
		Body:   note,
	})
	updated, err := s.store.ApplyTransition(ctx, manuscriptID, func(current store.Manuscript) (store.Transition, error) {
		if !workflow.CanResubmit(workflow.Status(current.Status)) {
			return store.Transition{}, fmt.Errorf("%w: cannot resubmit from %s", workflow.ErrInvalidTransition, current.Status)
		}
		if !blob.SameExt(ext, current.FileExt) {
			return store.Transition{}, extensionMismatch(current.FileExt, ext)
		}
		return store.Transition{
			Next:  current.State(),
			Edits: &store.ManuscriptEdits{File: &store.StoredFile{URL: stored.URL, Hash: stored.Hash, Ext: current.FileExt}},
			Event: &event,
		}, nil
	})
	if err != nil {
		return nil, err
	}
	s.metrics.Transition("resubmit")
	s.metrics.ReviewEvent(store.ThreadReview, event.Action)

	s.record(updated, actor.DisplayName(), "Resubmitted: "+note)
	s.requestScore(ctx, updated)
	s.syncIndex(updated)
	if !isOwner(actor, updated) {
		s.notifyUploader(updated, notify.KindResubmitted, "", note)
	}
	return s.manuscriptDetail(ctx, actor, updated)
}

func extensionMismatch(expected, got string) *DomainError {
	return conflict("EXTENSION_MISMATCH", "replacement file must keep the original file type",
		map[string]string{"expected": expected, "got": got})
}

// Withdraw takes down an admitted manuscript. Only its uploader may do this.
func (s *Service) Withdraw(ctx context.Context, actor identity.Actor, manuscriptID string) (map[string]any, error) {
	return s.authorTransition(ctx, actor, manuscriptID, "withdraw", workflow.Withdraw)
}

func (s *Service) RequestDeletion(ctx context.Context, actor identity.Actor, manuscriptID string) (map[string]any, error) {
	return s.authorTransition(ctx, actor, manuscriptID, "request_deletion", workflow.RequestDeletion)
}

func (s *Service) authorTransition(ctx context.Context, actor identity.Actor, manuscriptID, operation string, step func(workflow.State) (workflow.State, error)) (map[string]any, error) {
	manuscript, err := s.store.GetManuscript(ctx, manuscriptID)
	if err != nil {
		return nil, err
	}
	if !isOwner(actor, manuscript) {
		return nil, forbidden("only the uploader can do this")
	}
	updated, err := s.store.ApplyTransition(ctx, manuscriptID, func(current store.Manuscript) (store.Transition, error) {
		next, err := step(current.State())
		if err != nil {
			return store.Transition{}, err
		}
		return store.Transition{Next: next}, nil
	})
	if err != nil {
		return nil, err
	}
	s.metrics.Transition(operation)
	s.syncIndex(updated)
	return s.manuscriptDetail(ctx, actor, updated)
}

// Delete physically removes a manuscript. Only its uploader may delete it, in
// any status.
func (s *Service) Delete(ctx context.Context, actor identity.Actor, manuscriptID string) error {
	manuscript, err := s.store.GetManuscript(ctx, manuscriptID)
	if err != nil {
		return err
	}
	if !isOwner(actor, manuscript) {
		return forbidden("only the uploader can delete this manuscript")
	}
	if err := s.store.DeleteManuscript(ctx, manuscriptID); err != nil {
		return err
	}
	s.metrics.Transition("delete")
	if s.search != nil {
		s.search.DeleteManuscript(manuscriptID)
	}
	if s.archive != nil {
		if err := s.archive.Remove(manuscriptID); err != nil {
			s.logger.Warn("remove revision archive failed", zap.String("manuscript_id", manuscriptID), zap.Error(err))
		}
	}
	return nil
}

// RequestCover stores an image as the pending cover until an editor approves it.
func (s *Service) RequestCover(ctx context.Context, actor identity.Actor, manuscriptID string, file Upload) (map[string]any, error) {
	manuscript, err := s.store.GetManuscript(ctx, manuscriptID)
	if err != nil {
		return nil, err
	}
	if !isOwner(actor, manuscript) {
		return nil, forbidden("only the uploader can change the cover")
	}
	problems := fieldErrors{}
	ext := s.checkFile(problems, "file", file, s.cfg.AllowedCoverExtensions)
	if err := problems.err(); err != nil {
		return nil, err
	}
	stored, err := s.putFile(ctx, file.Data, ext)
	if err != nil {
		return nil, err
	}
	if err := s.store.SetPendingCover(ctx, manuscriptID, stored.URL); err != nil {
		return nil, err
	}
	manuscript.PendingCoverURL = stored.URL
	return manuscriptView(manuscript), nil
}

func (s *Service) ApproveCover(ctx context.Context, actor identity.Actor, manuscriptID string) (map[string]any, error) {
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
	approved, err := s.store.ApproveCover(ctx, manuscriptID)
	if err != nil {
		return nil, err
	}
	if !approved {
		return nil, conflict("NO_PENDING_COVER", "there is no cover image waiting for approval", nil)
	}
	updated, err := s.store.GetManuscript(ctx, manuscriptID)
	if err != nil {
		return nil, err
	}
	return manuscriptView(updated), nil
}

func (s *Service) History(ctx context.Context, actor identity.Actor, manuscriptID string, limit int) (map[string]any, error) {
	if _, err := s.loadVisible(ctx, actor, manuscriptID); err != nil {
		return nil, err
	}
	if s.archive == nil {
		return map[string]any{"items": []any{}}, nil
	}
	commits, err := s.archive.History(manuscriptID, clampLimit(limit, 50, 200))
	if err != nil {
		return nil, err
	}
	return map[string]any{"items": commits}, nil
}

func (s *Service) ListApprovedFunds(ctx context.Context, actor identity.Actor, query string, limit int) (map[string]any, error) {
	if _, ok := identity.AsRegistered(actor); !ok {
		return nil, unauthorized()
	}
	funds, err := s.store.ListApprovedFunds(ctx, strings.TrimSpace(query), clampLimit(limit, 50, 200))
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(funds))
	for _, fund := range funds {
		items = append(items, map[string]any{"id": fund.ID, "title": fund.Title, "serialNo": fund.SerialNo})
	}
	return map[string]any{"items": items}, nil
}

// ReplaceFunds sets the manuscript's fund links to exactly fundIDs.
func (s *Service) ReplaceFunds(ctx context.Context, actor identity.Actor, manuscriptID string, fundIDs []string) (map[string]any, error) {
	member, err := requireMember(actor, rbac.ActionLinkFunds)
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
	fundIDs = uniqueTrimmed(fundIDs)
	missing, err := s.store.MissingApprovedFunds(ctx, fundIDs)
	if err != nil {
		return nil, err
	}
	if len(missing) > 0 {
		return nil, invalidField("fundIds", "unknown or unapproved funds: "+strings.Join(missing, ", "))
	}
	if err := s.store.ReplaceManuscriptFunds(ctx, manuscriptID, fundIDs); err != nil {
		return nil, err
	}
	manuscript.FundIDs = fundIDs
	s.record(manuscript, member.Name, "Fund links updated")
	return map[string]any{"manuscriptId": manuscriptID, "fundIds": nonNilStrings(fundIDs)}, nil
}

// Vote records the voter's AOI vote and asks for a score recomputation. The
// scoring call never undoes the vote.
func (s *Service) Vote(ctx context.Context, origin identity.Anonymous, manuscriptID, voteType string) (map[string]any, error) {
	voteType = strings.ToLower(strings.TrimSpace(voteType))
	if _, ok := allowedVoteTypes[voteType]; !ok {
		return nil, invalidField("type", "type must be overreach or misconduct")
	}
	manuscript, err := s.store.GetManuscript(ctx, manuscriptID)
	if err != nil {
		return nil, err
	}
	if manuscript.Status != string(workflow.StatusPublished) {
		return nil, conflict("NOT_PUBLISHED", "only published manuscripts can be voted on", nil)
	}
	if err := s.store.UpsertAoiVote(ctx, manuscriptID, origin.IPHash, voteType); err != nil {
		return nil, err
	}
	s.requestScore(ctx, manuscript)
	tally, err := s.store.AoiVoteTally(ctx, manuscriptID)
	if err != nil {
		return nil, err
	}
	return map[string]any{"manuscriptId": manuscriptID, "vote": voteType, "tally": tally}, nil
}
