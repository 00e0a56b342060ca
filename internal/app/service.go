package app

import (
	"context"
	"errors"
	"slices"
	"strings"

	"go.uber.org/zap"

	"manuscript/api/internal/blob"
	"manuscript/api/internal/config"
	"manuscript/api/internal/identity"
	"manuscript/api/internal/metrics"
	"manuscript/api/internal/notify"
	"manuscript/api/internal/rbac"
	"manuscript/api/internal/revisions"
	"manuscript/api/internal/search"
	"manuscript/api/internal/store"
	"manuscript/api/internal/workflow"
)

type dataStore interface {
	GetUser(context.Context, string) (store.User, error)

	ListVenues(context.Context, string) ([]store.Venue, error)
	GetVenue(context.Context, string) (store.Venue, error)
	InsertVenue(context.Context, store.Venue) error
	UpdateVenue(context.Context, string, string, string, string) error
	DeleteVenue(context.Context, string) error
	SetVenueChief(context.Context, string, *string) error
	AddVenueEditor(context.Context, string, string) error
	RemoveVenueEditor(context.Context, string, string) error

	InsertManuscript(context.Context, store.Manuscript) error
	GetManuscript(context.Context, string) (store.Manuscript, error)
	ListOwnManuscripts(context.Context, string, string) ([]store.Manuscript, error)
	ListPublished(context.Context, int, int) ([]store.Manuscript, error)
	ReviewQueue(context.Context, store.QueueFilter) ([]store.Manuscript, error)
	HasDuplicate(context.Context, string, string) (bool, error)
	ApplyTransition(context.Context, string, store.TransitionFunc) (store.Manuscript, error)
	DeleteManuscript(context.Context, string) error
	SetPendingCover(context.Context, string, string) error
	ApproveCover(context.Context, string) (bool, error)

	ReplaceManuscriptFunds(context.Context, string, []string) error
	ListApprovedFunds(context.Context, string, int) ([]store.FundApplication, error)
	MissingApprovedFunds(context.Context, []string) ([]string, error)
	UpsertAoiVote(context.Context, string, string, string) error
	AoiVoteTally(context.Context, string) (map[string]int, error)

	InsertReviewEvent(context.Context, store.ReviewEvent) (store.ReviewEvent, error)
	GetReviewEvent(context.Context, string) (store.ReviewEvent, error)
	ListReviewEvents(context.Context, string, string, store.LikeKey) ([]store.ReviewEvent, error)
	ListTimelineEntries(context.Context, string) ([]workflow.TimelineEntry, error)
	ToggleEventLike(context.Context, string, store.LikeKey) (bool, error)
	DeleteReviewEvent(context.Context, string) error
	ListFormalLogs(context.Context, string) ([]store.FormalReviewLog, error)

	Ping(ctx context.Context) error
}

type quotaCounter interface {
	Take(ctx context.Context, actorKey string, limit int) (int, error)
	Release(ctx context.Context, actorKey string) error
}

type revisionArchive interface {
	Record(manuscriptID string, manifest revisions.Manifest, author, message string) (revisions.Commit, error)
	History(manuscriptID string, limit int) ([]revisions.Commit, error)
	Remove(manuscriptID string) error
}

type searchIndex interface {
	Search(ctx context.Context, q search.Query) search.Response
	IndexManuscript(doc search.ManuscriptRecord)
	IndexComment(c search.CommentRecord)
	DeleteManuscript(id string)
	DeleteComment(id string)
}

type notifier interface {
	Notify(userID string, kind notify.Kind, payload notify.Payload)
}

type scoreRequester interface {
	Request(ctx context.Context, manuscriptID string, duplicate bool)
}

// Dependencies are the collaborators of a Service. Only Store and Blobs are
// required; the rest are skipped when nil.
type Dependencies struct {
	Store    dataStore
	Blobs    blob.Store
	Quota    quotaCounter
	Archive  revisionArchive
	Search   searchIndex
	Notifier notifier
	Scoring  scoreRequester
	Metrics  *metrics.Metrics
	Logger   *zap.Logger
}

type Service struct {
	cfg      config.Config
	store    dataStore
	blobs    blob.Store
	quota    quotaCounter
	archive  revisionArchive
	search   searchIndex
	notifier notifier
	scoring  scoreRequester
	metrics  *metrics.Metrics
	logger   *zap.Logger
}

func New(cfg config.Config, deps Dependencies) *Service {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		cfg:      cfg,
		store:    deps.Store,
		blobs:    deps.Blobs,
		quota:    deps.Quota,
		archive:  deps.Archive,
		search:   deps.Search,
		notifier: deps.Notifier,
		scoring:  deps.Scoring,
		metrics:  deps.Metrics,
		logger:   logger,
	}
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// PingBlobs reports whether the object store is reachable.
func (s *Service) PingBlobs(ctx context.Context) error {
	if s.blobs == nil {
		return errors.New("blob storage not configured")
	}
	return s.blobs.Ping(ctx)
}

func (s *Service) Session(actor identity.Actor) map[string]any {
	member, ok := identity.AsRegistered(actor)
	if !ok {
		return map[string]any{
			"authenticated": false,
			"displayName":   actor.DisplayName(),
		}
	}
	scope := member.Scope()
	venues := scope.VenueIDs
	if venues == nil {
		venues = []string{}
	}
	return map[string]any{
		"authenticated":    true,
		"userId":           member.ID,
		"displayName":      member.Name,
		"role":             member.Role,
		"managedVenueId":   member.ManagedVenue,
		"reviewerVenueIds": nonNilStrings(member.ReviewerVenues),
		"scope": map[string]any{
			"unrestricted": scope.Unrestricted,
			"venueIds":     venues,
		},
	}
}

func (s *Service) Search(ctx context.Context, text, resultType, venueID string, limit, offset int) (search.Response, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return search.Response{}, invalidField("q", "q is required")
	}
	filter := search.ResultType(strings.ToLower(strings.TrimSpace(resultType)))
	switch filter {
	case "", search.ResultManuscript, search.ResultComment:
	default:
		return search.Response{}, invalidField("type", "type must be manuscript or comment")
	}
	if s.search == nil {
		return search.Response{Results: []search.Result{}, Query: text}, nil
	}
	return s.search.Search(ctx, search.Query{
		Text:          text,
		FilterType:    filter,
		FilterVenueID: strings.TrimSpace(venueID),
		Limit:         clampLimit(limit, 20, 100),
		Offset:        max(offset, 0),
	}), nil
}

// requireMember returns the registered actor when its role permits action.
func requireMember(actor identity.Actor, action rbac.Action) (identity.Registered, error) {
	member, ok := identity.AsRegistered(actor)
	if !ok {
		return identity.Registered{}, unauthorized()
	}
	if !member.Can(action) {
		return identity.Registered{}, forbidden("your role cannot " + strings.ReplaceAll(string(action), "_", " "))
	}
	return member, nil
}

// venuesOf lists the venues a manuscript is linked to: its lock or its pool.
func venuesOf(m store.Manuscript) []string {
	ids := slices.Clone(m.Pool)
	if m.LockedVenueID != nil {
		ids = append(ids, *m.LockedVenueID)
	}
	return ids
}

func inScope(member identity.Registered, m store.Manuscript) bool {
	scope := member.Scope()
	return scope.Unrestricted || scope.AllowsAny(venuesOf(m)...)
}

// isOwner matches registered uploaders by id and anonymous uploaders by the
// hash of the submitting IP.
func isOwner(actor identity.Actor, m store.Manuscript) bool {
	if member, ok := identity.AsRegistered(actor); ok {
		return m.UploaderID != nil && *m.UploaderID == member.ID
	}
	anon, ok := actor.(identity.Anonymous)
	return ok && m.UploaderID == nil && anon.IPHash != "" && m.SubmitIPHash == anon.IPHash
}

// canReview reports whether actor decides on m: an editor whose scope covers
// one of the manuscript's venues.
func canReview(actor identity.Actor, m store.Manuscript) bool {
	member, ok := identity.AsRegistered(actor)
	return ok && member.Can(rbac.ActionDecide) && inScope(member, m)
}

func canView(actor identity.Actor, m store.Manuscript) bool {
	return m.Status == string(workflow.StatusPublished) || isOwner(actor, m) || canReview(actor, m)
}

func (s *Service) loadVisible(ctx context.Context, actor identity.Actor, manuscriptID string) (store.Manuscript, error) {
	manuscript, err := s.store.GetManuscript(ctx, manuscriptID)
	if err != nil {
		return store.Manuscript{}, err
	}
	if !canView(actor, manuscript) {
		return store.Manuscript{}, forbidden("you cannot access this manuscript")
	}
	return manuscript, nil
}

// eventActor fills the actor columns of a review event.
func eventActor(actor identity.Actor, event store.ReviewEvent) store.ReviewEvent {
	event.ActorName = actor.DisplayName()
	if member, ok := identity.AsRegistered(actor); ok {
		id := member.ID
		event.ActorUserID = &id
		return event
	}
	if anon, ok := actor.(identity.Anonymous); ok {
		event.ActorIPHash = anon.IPHash
	}
	return event
}

func likeKey(actor identity.Actor) store.LikeKey {
	if member, ok := identity.AsRegistered(actor); ok {
		return store.LikeKey{UserID: member.ID}
	}
	if anon, ok := actor.(identity.Anonymous); ok {
		return store.LikeKey{GuestIPHash: anon.IPHash}
	}
	return store.LikeKey{}
}

func (s *Service) record(m store.Manuscript, author, message string) {
	if s.archive == nil {
		return
	}
	if _, err := s.archive.Record(m.ID, revisions.ManifestOf(m), author, message); err != nil {
		s.logger.Warn("record revision failed", zap.String("manuscript_id", m.ID), zap.Error(err))
	}
}

func (s *Service) notifyUploader(m store.Manuscript, kind notify.Kind, venueName, note string) {
	if s.notifier == nil || m.UploaderID == nil {
		return
	}
	s.notifier.Notify(*m.UploaderID, kind, notify.Payload{
		ManuscriptID: m.ID,
		Title:        m.Title,
		VenueName:    venueName,
		Note:         note,
	})
}

func (s *Service) requestScore(ctx context.Context, m store.Manuscript) {
	if s.scoring == nil {
		return
	}
	duplicate, err := s.store.HasDuplicate(ctx, m.ID, m.FileHash)
	if err != nil {
		s.logger.Warn("duplicate lookup failed", zap.String("manuscript_id", m.ID), zap.Error(err))
		return
	}
	s.scoring.Request(ctx, m.ID, duplicate)
}

// syncIndex keeps the public search index in line with the manuscript status.
func (s *Service) syncIndex(m store.Manuscript) {
	if s.search == nil {
		return
	}
	if m.Status != string(workflow.StatusPublished) {
		s.search.DeleteManuscript(m.ID)
		return
	}
	record := search.ManuscriptRecord{
		ID:         m.ID,
		Title:      m.Title,
		AuthorLine: m.AuthorLine,
		Abstract:   m.Abstract,
		Subject:    m.Subject,
		Status:     m.Status,
	}
	if m.LockedVenueID != nil {
		record.VenueID = *m.LockedVenueID
	}
	s.search.IndexManuscript(record)
}

func manuscriptView(m store.Manuscript) map[string]any {
	var locked any
	if m.LockedVenueID != nil && m.LockedVenueKind != nil {
		locked = workflow.VenueRef{Kind: workflow.VenueKind(*m.LockedVenueKind), ID: *m.LockedVenueID}
	}
	authors := m.Authors
	if authors == nil {
		authors = []store.Author{}
	}
	scores := m.AIScores
	if scores == nil {
		scores = map[string]float64{}
	}
	return map[string]any{
		"id":              m.ID,
		"title":           m.Title,
		"authorLine":      m.AuthorLine,
		"authors":         authors,
		"abstract":        m.Abstract,
		"subject":         m.Subject,
		"type":            m.Type,
		"fileUrl":         m.FileURL,
		"fileHash":        m.FileHash,
		"fileExt":         m.FileExt,
		"coverUrl":        m.CoverURL,
		"pendingCoverUrl": m.PendingCoverURL,
		"status":          m.Status,
		"lockedVenue":     locked,
		"pool":            nonNilStrings(m.Pool),
		"fundIds":         nonNilStrings(m.FundIDs),
		"uploaderId":      m.UploaderID,
		"popularity":      m.Popularity,
		"aoiScore":        m.AOIScore,
		"aiScores":        scores,
		"createdAt":       m.CreatedAt,
		"updatedAt":       m.UpdatedAt,
		"lastSubmittedAt": m.LastSubmittedAt,
		"lastApprovedAt":  m.LastApprovedAt,
	}
}

func manuscriptList(items []store.Manuscript) []map[string]any {
	out := make([]map[string]any, 0, len(items))
	for _, item := range items {
		out = append(out, manuscriptView(item))
	}
	return out
}

func venueView(v store.Venue) map[string]any {
	return map[string]any{
		"id":              v.ID,
		"code":            v.Code,
		"kind":            v.Kind,
		"name":            v.Name,
		"description":     v.Description,
		"status":          v.Status,
		"chiefUserId":     v.ChiefUserID,
		"editorIds":       nonNilStrings(v.EditorIDs),
		"manuscriptCount": v.ManuscriptCount,
		"createdAt":       v.CreatedAt,
		"updatedAt":       v.UpdatedAt,
	}
}

func eventView(e store.ReviewEvent) map[string]any {
	return map[string]any{
		"id":          e.ID,
		"parentId":    e.ParentID,
		"thread":      e.Thread,
		"action":      e.Action,
		"body":        e.Body,
		"actorUserId": e.ActorUserID,
		"actorName":   e.ActorName,
		"createdAt":   e.CreatedAt,
		"likeCount":   e.LikeCount,
		"liked":       e.Liked,
	}
}

func nonNilStrings(values []string) []string {
	if values == nil {
		return []string{}
	}
	return values
}

func clampLimit(limit, fallback, ceiling int) int {
	if limit <= 0 {
		return fallback
	}
	return min(limit, ceiling)
}

// uniqueTrimmed trims values, drops blanks and removes repeats in order.
func uniqueTrimmed(values []string) []string {
	out := make([]string, 0, len(values))
	for _, value := range values {
		value = strings.TrimSpace(value)
		if value != "" && !slices.Contains(out, value) {
			out = append(out, value)
		}
	}
	return out
}
