package app

import (
	"context"
	"database/sql"
	"errors"
	"slices"
	"sort"
	"sync"
	"time"

	"manuscript/api/internal/store"
	"manuscript/api/internal/workflow"
)

// fakeStore keeps rows in memory and mirrors the transactional behavior of
// PostgresStore. The fn fields override single methods.
type fakeStore struct {
	mu sync.Mutex

	users       map[string]store.User
	venues      map[string]store.Venue
	manuscripts map[string]store.Manuscript
	funds       map[string]store.FundApplication
	events      []store.ReviewEvent
	likes       map[string]map[store.LikeKey]bool
	logs        []store.FormalReviewLog
	votes       map[string]map[string]string
	seq         int64
	clock       time.Time

	insertManuscriptFn func(context.Context, store.Manuscript) error
	applyTransitionFn  func(context.Context, string, store.TransitionFunc) (store.Manuscript, error)
	pingFn             func(context.Context) error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		users:       map[string]store.User{},
		venues:      map[string]store.Venue{},
		manuscripts: map[string]store.Manuscript{},
		funds:       map[string]store.FundApplication{},
		likes:       map[string]map[store.LikeKey]bool{},
		votes:       map[string]map[string]string{},
		clock:       time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC),
	}
}

// tick returns a strictly increasing timestamp.
func (f *fakeStore) tick() time.Time {
	f.clock = f.clock.Add(time.Second)
	return f.clock
}

func (f *fakeStore) addVenue(id, kind string) store.Venue {
	f.mu.Lock()
	defer f.mu.Unlock()
	venue := store.Venue{ID: id, Code: id, Kind: kind, Name: "Venue " + id, Status: "active", CreatedAt: f.tick()}
	f.venues[id] = venue
	return venue
}

func (f *fakeStore) addFund(id, status string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.funds[id] = store.FundApplication{ID: id, Title: "Fund " + id, SerialNo: "SN-" + id, Status: status}
}

func (f *fakeStore) manuscript(id string) store.Manuscript {
	f.mu.Lock()
	defer f.mu.Unlock()
	return cloneManuscript(f.manuscripts[id])
}

func (f *fakeStore) formalLogs() []store.FormalReviewLog {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.logs)
}

func cloneManuscript(m store.Manuscript) store.Manuscript {
	m.Pool = slices.Clone(m.Pool)
	m.FundIDs = slices.Clone(m.FundIDs)
	m.Authors = slices.Clone(m.Authors)
	return m
}

func (f *fakeStore) Ping(ctx context.Context) error {
	if f.pingFn != nil {
		return f.pingFn(ctx)
	}
	return nil
}

func (f *fakeStore) GetUser(_ context.Context, userID string) (store.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	user, ok := f.users[userID]
	if !ok {
		return store.User{}, sql.ErrNoRows
	}
	return user, nil
}

func (f *fakeStore) ListVenues(_ context.Context, kind string) ([]store.Venue, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := []store.Venue{}
	for _, venue := range f.venues {
		if kind == "" || venue.Kind == kind {
			out = append(out, f.withCounts(venue))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Code < out[j].Code })
	return out, nil
}

func (f *fakeStore) withCounts(venue store.Venue) store.Venue {
	count := 0
	for _, m := range f.manuscripts {
		if (m.LockedVenueID != nil && *m.LockedVenueID == venue.ID) || slices.Contains(m.Pool, venue.ID) {
			count++
		}
	}
	venue.ManuscriptCount = count
	venue.EditorIDs = slices.Clone(venue.EditorIDs)
	return venue
}

func (f *fakeStore) GetVenue(_ context.Context, venueID string) (store.Venue, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	venue, ok := f.venues[venueID]
	if !ok {
		return store.Venue{}, sql.ErrNoRows
	}
	return f.withCounts(venue), nil
}

func (f *fakeStore) InsertVenue(_ context.Context, venue store.Venue) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, existing := range f.venues {
		if existing.Code == venue.Code {
			return store.ErrUniqueViolation
		}
	}
	venue.CreatedAt = f.tick()
	f.venues[venue.ID] = venue
	return nil
}

func (f *fakeStore) UpdateVenue(_ context.Context, venueID, name, description, status string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	venue, ok := f.venues[venueID]
	if !ok {
		return sql.ErrNoRows
	}
	venue.Name, venue.Description, venue.Status = name, description, status
	f.venues[venueID] = venue
	return nil
}

func (f *fakeStore) DeleteVenue(_ context.Context, venueID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	venue, ok := f.venues[venueID]
	if !ok {
		return sql.ErrNoRows
	}
	if f.withCounts(venue).ManuscriptCount > 0 || venue.ChiefUserID != nil || len(venue.EditorIDs) > 0 {
		return store.ErrVenueNotEmpty
	}
	delete(f.venues, venueID)
	return nil
}

func (f *fakeStore) SetVenueChief(_ context.Context, venueID string, userID *string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	venue, ok := f.venues[venueID]
	if !ok {
		return sql.ErrNoRows
	}
	if userID != nil {
		for id, other := range f.venues {
			if id != venueID && other.ChiefUserID != nil && *other.ChiefUserID == *userID {
				return store.ErrUniqueViolation
			}
		}
	}
	venue.ChiefUserID = userID
	f.venues[venueID] = venue
	return nil
}

func (f *fakeStore) AddVenueEditor(_ context.Context, venueID, userID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	venue, ok := f.venues[venueID]
	if !ok {
		return sql.ErrNoRows
	}
	if !slices.Contains(venue.EditorIDs, userID) {
		venue.EditorIDs = append(venue.EditorIDs, userID)
	}
	f.venues[venueID] = venue
	return nil
}

func (f *fakeStore) RemoveVenueEditor(_ context.Context, venueID, userID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	venue, ok := f.venues[venueID]
	if !ok || !slices.Contains(venue.EditorIDs, userID) {
		return sql.ErrNoRows
	}
	venue.EditorIDs = slices.DeleteFunc(venue.EditorIDs, func(id string) bool { return id == userID })
	f.venues[venueID] = venue
	return nil
}

func (f *fakeStore) InsertManuscript(ctx context.Context, m store.Manuscript) error {
	if f.insertManuscriptFn != nil {
		return f.insertManuscriptFn(ctx, m)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, exists := f.manuscripts[m.ID]; exists {
		return store.ErrUniqueViolation
	}
	now := f.tick()
	m.CreatedAt, m.UpdatedAt, m.LastSubmittedAt = now, now, now
	f.manuscripts[m.ID] = cloneManuscript(m)
	return nil
}

func (f *fakeStore) GetManuscript(_ context.Context, manuscriptID string) (store.Manuscript, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.manuscripts[manuscriptID]
	if !ok {
		return store.Manuscript{}, sql.ErrNoRows
	}
	return cloneManuscript(m), nil
}

func (f *fakeStore) ListOwnManuscripts(_ context.Context, userID, ipHash string) ([]store.Manuscript, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := []store.Manuscript{}
	for _, m := range f.manuscripts {
		switch {
		case userID != "" && m.UploaderID != nil && *m.UploaderID == userID:
		case userID == "" && m.UploaderID == nil && m.SubmitIPHash == ipHash:
		default:
			continue
		}
		out = append(out, cloneManuscript(m))
	}
	return out, nil
}

func (f *fakeStore) ListPublished(_ context.Context, limit, offset int) ([]store.Manuscript, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := []store.Manuscript{}
	for _, m := range f.manuscripts {
		if m.Status == string(workflow.StatusPublished) {
			out = append(out, cloneManuscript(m))
		}
	}
	if offset >= len(out) {
		return []store.Manuscript{}, nil
	}
	return out[offset:min(len(out), offset+limit)], nil
}

func (f *fakeStore) ReviewQueue(_ context.Context, filter store.QueueFilter) ([]store.Manuscript, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	allowed := func(venueID string) bool {
		venue, ok := f.venues[venueID]
		if !ok || venue.Kind != filter.Kind {
			return false
		}
		return (filter.Unrestricted && venue.Status == "active") || slices.Contains(filter.VenueIDs, venueID)
	}
	out := []store.Manuscript{}
	for _, m := range f.manuscripts {
		if !slices.Contains(filter.Statuses, m.Status) {
			continue
		}
		match := m.LockedVenueID != nil && allowed(*m.LockedVenueID)
		if filter.Kind == string(workflow.KindJournal) {
			match = match || slices.ContainsFunc(m.Pool, allowed)
		}
		if match {
			out = append(out, cloneManuscript(m))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LastSubmittedAt.Before(out[j].LastSubmittedAt) })
	return out, nil
}

func (f *fakeStore) HasDuplicate(_ context.Context, manuscriptID, fileHash string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for id, m := range f.manuscripts {
		if id != manuscriptID && m.FileHash == fileHash {
			return true, nil
		}
	}
	return false, nil
}

// ApplyTransition serializes transitions with the store mutex the way the row
// lock does in Postgres. Nothing is written when fn or validation fails.
func (f *fakeStore) ApplyTransition(ctx context.Context, manuscriptID string, fn store.TransitionFunc) (store.Manuscript, error) {
	if f.applyTransitionFn != nil {
		return f.applyTransitionFn(ctx, manuscriptID, fn)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	current, ok := f.manuscripts[manuscriptID]
	if !ok {
		return store.Manuscript{}, sql.ErrNoRows
	}
	transition, err := fn(cloneManuscript(current))
	if err != nil {
		return store.Manuscript{}, err
	}
	if err := transition.Next.Validate(); err != nil {
		return store.Manuscript{}, err
	}
	now := f.tick()
	next := transition.Edits.Apply(current.WithState(transition.Next))
	next.UpdatedAt = now
	if transition.Approved {
		next.LastApprovedAt = &now
	}
	if transition.Edits != nil && transition.Edits.File != nil {
		next.LastSubmittedAt = now
	}
	if transition.Log != nil {
		entry := *transition.Log
		entry.ID = int64(len(f.logs) + 1)
		entry.ManuscriptID = manuscriptID
		entry.CreatedAt = now
		f.logs = append(f.logs, entry)
	}
	if transition.Event != nil {
		event := *transition.Event
		event.ManuscriptID = manuscriptID
		f.appendEvent(event)
	}
	f.manuscripts[manuscriptID] = cloneManuscript(next)
	return cloneManuscript(next), nil
}

func (f *fakeStore) DeleteManuscript(_ context.Context, manuscriptID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.manuscripts[manuscriptID]; !ok {
		return sql.ErrNoRows
	}
	delete(f.manuscripts, manuscriptID)
	f.events = slices.DeleteFunc(f.events, func(e store.ReviewEvent) bool { return e.ManuscriptID == manuscriptID })
	f.logs = slices.DeleteFunc(f.logs, func(l store.FormalReviewLog) bool { return l.ManuscriptID == manuscriptID })
	delete(f.votes, manuscriptID)
	return nil
}

func (f *fakeStore) SetPendingCover(_ context.Context, manuscriptID, coverURL string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.manuscripts[manuscriptID]
	if !ok {
		return sql.ErrNoRows
	}
	m.PendingCoverURL = coverURL
	f.manuscripts[manuscriptID] = m
	return nil
}

func (f *fakeStore) ApproveCover(_ context.Context, manuscriptID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.manuscripts[manuscriptID]
	if !ok {
		return false, sql.ErrNoRows
	}
	if m.PendingCoverURL == "" {
		return false, nil
	}
	m.CoverURL, m.PendingCoverURL = m.PendingCoverURL, ""
	f.manuscripts[manuscriptID] = m
	return true, nil
}

func (f *fakeStore) ReplaceManuscriptFunds(_ context.Context, manuscriptID string, fundIDs []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.manuscripts[manuscriptID]
	if !ok {
		return sql.ErrNoRows
	}
	m.FundIDs = slices.Clone(fundIDs)
	f.manuscripts[manuscriptID] = m
	return nil
}

func (f *fakeStore) ListApprovedFunds(_ context.Context, _ string, limit int) ([]store.FundApplication, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := []store.FundApplication{}
	for _, fund := range f.funds {
		if fund.Status == "approved" && len(out) < limit {
			out = append(out, fund)
		}
	}
	return out, nil
}

func (f *fakeStore) MissingApprovedFunds(_ context.Context, fundIDs []string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var missing []string
	for _, id := range fundIDs {
		if fund, ok := f.funds[id]; !ok || fund.Status != "approved" {
			missing = append(missing, id)
		}
	}
	return missing, nil
}

func (f *fakeStore) UpsertAoiVote(_ context.Context, manuscriptID, voterIPHash, voteType string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.votes[manuscriptID] == nil {
		f.votes[manuscriptID] = map[string]string{}
	}
	f.votes[manuscriptID][voterIPHash] = voteType
	return nil
}

func (f *fakeStore) AoiVoteTally(_ context.Context, manuscriptID string) (map[string]int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	tally := map[string]int{store.VoteOverreach: 0, store.VoteMisconduct: 0}
	for _, voteType := range f.votes[manuscriptID] {
		tally[voteType]++
	}
	return tally, nil
}

func (f *fakeStore) appendEvent(event store.ReviewEvent) store.ReviewEvent {
	f.seq++
	event.Seq = f.seq
	event.CreatedAt = f.tick()
	f.events = append(f.events, event)
	return event
}

func (f *fakeStore) InsertReviewEvent(_ context.Context, event store.ReviewEvent) (store.ReviewEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.appendEvent(event), nil
}

func (f *fakeStore) GetReviewEvent(_ context.Context, eventID string) (store.ReviewEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, event := range f.events {
		if event.ID == eventID {
			event.LikeCount = len(f.likes[eventID])
			return event, nil
		}
	}
	return store.ReviewEvent{}, sql.ErrNoRows
}

func (f *fakeStore) ListReviewEvents(_ context.Context, manuscriptID, thread string, viewer store.LikeKey) ([]store.ReviewEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := []store.ReviewEvent{}
	for _, event := range f.events {
		if event.ManuscriptID != manuscriptID || event.Thread != thread {
			continue
		}
		event.LikeCount = len(f.likes[event.ID])
		event.Liked = f.likes[event.ID][viewer]
		out = append(out, event)
	}
	return out, nil
}

func (f *fakeStore) ListTimelineEntries(_ context.Context, manuscriptID string) ([]workflow.TimelineEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []workflow.TimelineEntry
	for _, event := range f.events {
		if event.ManuscriptID == manuscriptID && event.Thread == store.ThreadReview {
			out = append(out, workflow.TimelineEntry{Tag: workflow.Tag(event.Action), CreatedAt: event.CreatedAt, Seq: event.Seq})
		}
	}
	return out, nil
}

func (f *fakeStore) ToggleEventLike(_ context.Context, eventID string, key store.LikeKey) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !slices.ContainsFunc(f.events, func(e store.ReviewEvent) bool { return e.ID == eventID }) {
		return false, sql.ErrNoRows
	}
	if f.likes[eventID] == nil {
		f.likes[eventID] = map[store.LikeKey]bool{}
	}
	if f.likes[eventID][key] {
		delete(f.likes[eventID], key)
		return false, nil
	}
	f.likes[eventID][key] = true
	return true, nil
}

func (f *fakeStore) DeleteReviewEvent(_ context.Context, eventID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	before := len(f.events)
	f.events = slices.DeleteFunc(f.events, func(e store.ReviewEvent) bool {
		return e.ID == eventID || (e.ParentID != nil && *e.ParentID == eventID)
	})
	if len(f.events) == before {
		return sql.ErrNoRows
	}
	return nil
}

func (f *fakeStore) ListFormalLogs(_ context.Context, manuscriptID string) ([]store.FormalReviewLog, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := []store.FormalReviewLog{}
	for _, entry := range f.logs {
		if entry.ManuscriptID == manuscriptID {
			out = append(out, entry)
		}
	}
	return out, nil
}

var errStoreDown = errors.New("store down")
