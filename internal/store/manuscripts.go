package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"slices"

	"manuscript/api/internal/workflow"
)

const manuscriptColumns = `
	m.id, m.title, m.author_line, m.authors, m.abstract, m.subject, m.manuscript_type,
	m.file_url, m.file_hash, m.file_ext, m.cover_url, m.pending_cover_url, m.status,
	m.locked_venue_id, m.locked_venue_kind, m.uploader_id, m.submit_ip, m.submit_ip_hash,
	m.popularity, m.aoi_score, m.ai_scores, m.created_at, m.updated_at, m.last_submitted_at, m.last_approved_at,
	COALESCE((SELECT string_agg(p.venue_id, ',' ORDER BY p.added_at, p.venue_id) FROM manuscript_pool p WHERE p.manuscript_id = m.id), ''),
	COALESCE((SELECT string_agg(f.fund_id, ',' ORDER BY f.fund_id) FROM manuscript_funds f WHERE f.manuscript_id = m.id), '')
`

func scanManuscript(row rowScanner) (Manuscript, error) {
	var (
		item        Manuscript
		authorsRaw  []byte
		scoresRaw   []byte
		lockedID    sql.NullString
		lockedKind  sql.NullString
		uploaderID  sql.NullString
		approvedAt  sql.NullTime
		pool, funds string
	)
	if err := row.Scan(
		&item.ID,
		&item.Title,
		&item.AuthorLine,
		&authorsRaw,
		&item.Abstract,
		&item.Subject,
		&item.Type,
		&item.FileURL,
		&item.FileHash,
		&item.FileExt,
		&item.CoverURL,
		&item.PendingCoverURL,
		&item.Status,
		&lockedID,
		&lockedKind,
		&uploaderID,
		&item.SubmitIP,
		&item.SubmitIPHash,
		&item.Popularity,
		&item.AOIScore,
		&scoresRaw,
		&item.CreatedAt,
		&item.UpdatedAt,
		&item.LastSubmittedAt,
		&approvedAt,
		&pool,
		&funds,
	); err != nil {
		return Manuscript{}, err
	}
	if lockedID.Valid {
		item.LockedVenueID = &lockedID.String
	}
	if lockedKind.Valid {
		item.LockedVenueKind = &lockedKind.String
	}
	if uploaderID.Valid {
		item.UploaderID = &uploaderID.String
	}
	if approvedAt.Valid {
		item.LastApprovedAt = &approvedAt.Time
	}
	if len(authorsRaw) > 0 {
		if err := json.Unmarshal(authorsRaw, &item.Authors); err != nil {
			return Manuscript{}, fmt.Errorf("decode authors of %s: %w", item.ID, err)
		}
	}
	if len(scoresRaw) > 0 {
		if err := json.Unmarshal(scoresRaw, &item.AIScores); err != nil {
			return Manuscript{}, fmt.Errorf("decode ai scores of %s: %w", item.ID, err)
		}
	}
	item.Pool = splitList(pool)
	item.FundIDs = splitList(funds)
	return item, nil
}

func scanManuscripts(rows *sql.Rows) ([]Manuscript, error) {
	defer rows.Close()
	items := make([]Manuscript, 0)
	for rows.Next() {
		item, err := scanManuscript(rows)
		if err != nil {
			return nil, fmt.Errorf("scan manuscript: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate manuscripts: %w", err)
	}
	return items, nil
}

// InsertManuscript writes a new manuscript with its candidate pool and fund
// links. The referenced file must already be stored.
func (s *PostgresStore) InsertManuscript(ctx context.Context, m Manuscript) error {
	if err := m.State().Validate(); err != nil {
		return err
	}
	authors, err := json.Marshal(nonNilAuthors(m.Authors))
	if err != nil {
		return fmt.Errorf("marshal authors: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin insert manuscript: %w", err)
	}
	defer rollback(tx)

	manuscriptType := m.Type
	if manuscriptType == "" {
		manuscriptType = "research_article"
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO manuscripts (
			id, title, author_line, authors, abstract, subject, manuscript_type,
			file_url, file_hash, file_ext, status, locked_venue_id, locked_venue_kind,
			uploader_id, submit_ip, submit_ip_hash
		)
		VALUES ($1, $2, $3, $4::jsonb, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
	`,
		m.ID, m.Title, m.AuthorLine, string(authors), m.Abstract, m.Subject, manuscriptType,
		m.FileURL, m.FileHash, m.FileExt, m.Status, m.LockedVenueID, m.LockedVenueKind,
		m.UploaderID, m.SubmitIP, m.SubmitIPHash,
	); err != nil {
		if isForeignKeyViolation(err) {
			return sql.ErrNoRows
		}
		return fmt.Errorf("insert manuscript: %w", err)
	}
	for _, venueID := range m.Pool {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO manuscript_pool (manuscript_id, venue_id) VALUES ($1, $2)
		`, m.ID, venueID); err != nil {
			if isForeignKeyViolation(err) {
				return sql.ErrNoRows
			}
			return fmt.Errorf("insert pool venue: %w", err)
		}
	}
	if err := replaceFunds(ctx, tx, m.ID, m.FundIDs); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit insert manuscript: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetManuscript(ctx context.Context, manuscriptID string) (Manuscript, error) {
	return scanManuscript(s.db.QueryRowContext(ctx, `SELECT `+manuscriptColumns+` FROM manuscripts m WHERE m.id=$1`, manuscriptID))
}

// ListOwnManuscripts returns manuscripts uploaded by userID or, for anonymous
// callers, submitted from the IP behind ipHash.
func (s *PostgresStore) ListOwnManuscripts(ctx context.Context, userID, ipHash string) ([]Manuscript, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+manuscriptColumns+`
		FROM manuscripts m
		WHERE ($1 <> '' AND m.uploader_id = $1)
		   OR ($1 = '' AND m.uploader_id IS NULL AND m.submit_ip_hash = $2)
		ORDER BY m.created_at DESC
	`, userID, ipHash)
	if err != nil {
		return nil, fmt.Errorf("list own manuscripts: %w", err)
	}
	return scanManuscripts(rows)
}

func (s *PostgresStore) ListPublished(ctx context.Context, limit, offset int) ([]Manuscript, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+manuscriptColumns+`
		FROM manuscripts m
		WHERE m.status = 'published'
		ORDER BY m.last_approved_at DESC NULLS LAST, m.created_at DESC
		LIMIT $1 OFFSET $2
	`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list published: %w", err)
	}
	return scanManuscripts(rows)
}

// ReviewQueue lists manuscripts waiting for an editor of the given venue kind.
// Journal manuscripts match on the locked venue or any pool member; conference
// manuscripts only through their locked conference.
func (s *PostgresStore) ReviewQueue(ctx context.Context, filter QueueFilter) ([]Manuscript, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	statuses := filter.Statuses
	if statuses == nil {
		statuses = []string{}
	}
	venueIDs := filter.VenueIDs
	if venueIDs == nil {
		venueIDs = []string{}
	}

	var query string
	switch filter.Kind {
	case string(workflow.KindConference):
		query = `
			SELECT ` + manuscriptColumns + `
			FROM manuscripts m
			JOIN venues v ON v.id = m.locked_venue_id
			WHERE m.status = ANY($1)
			  AND m.locked_venue_kind = 'conference'
			  AND (($2::boolean AND v.status = 'active') OR m.locked_venue_id = ANY($3))
			ORDER BY m.last_submitted_at ASC
			LIMIT $4 OFFSET $5`
	default:
		query = `
			SELECT ` + manuscriptColumns + `
			FROM manuscripts m
			WHERE m.status = ANY($1)
			  AND (
				EXISTS (
					SELECT 1 FROM manuscript_pool p
					JOIN venues v ON v.id = p.venue_id
					WHERE p.manuscript_id = m.id AND v.kind = 'journal'
					  AND (($2::boolean AND v.status = 'active') OR p.venue_id = ANY($3))
				)
				OR EXISTS (
					SELECT 1 FROM venues v
					WHERE v.id = m.locked_venue_id AND v.kind = 'journal'
					  AND (($2::boolean AND v.status = 'active') OR m.locked_venue_id = ANY($3))
				)
			  )
			ORDER BY m.last_submitted_at ASC
			LIMIT $4 OFFSET $5`
	}
	rows, err := s.db.QueryContext(ctx, query, statuses, filter.Unrestricted, venueIDs, limit, filter.Offset)
	if err != nil {
		return nil, fmt.Errorf("review queue: %w", err)
	}
	return scanManuscripts(rows)
}

// HasDuplicate reports whether another manuscript carries the same file hash.
func (s *PostgresStore) HasDuplicate(ctx context.Context, manuscriptID, fileHash string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS(SELECT 1 FROM manuscripts WHERE file_hash=$1 AND id<>$2)
	`, fileHash, manuscriptID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check duplicate: %w", err)
	}
	return exists, nil
}

// IsDuplicate is HasDuplicate keyed by manuscript id. A missing manuscript is
// sql.ErrNoRows.
func (s *PostgresStore) IsDuplicate(ctx context.Context, manuscriptID string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS(SELECT 1 FROM manuscripts o WHERE o.file_hash = m.file_hash AND o.id <> m.id)
		FROM manuscripts m WHERE m.id=$1
	`, manuscriptID).Scan(&exists)
	if err != nil {
		return false, err
	}
	return exists, nil
}

// ApplyTransition locks the manuscript row, lets fn compute the transition from
// the current row and writes status, pool, lock, edits, audit log and timeline
// entry in a single transaction.
func (s *PostgresStore) ApplyTransition(ctx context.Context, manuscriptID string, fn TransitionFunc) (Manuscript, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Manuscript{}, fmt.Errorf("begin transition: %w", err)
	}
	defer rollback(tx)

	current, err := scanManuscript(tx.QueryRowContext(ctx, `
		SELECT `+manuscriptColumns+` FROM manuscripts m WHERE m.id=$1 FOR UPDATE OF m
	`, manuscriptID))
	if err != nil {
		return Manuscript{}, err
	}

	transition, err := fn(current)
	if err != nil {
		return Manuscript{}, err
	}
	if err := transition.Next.Validate(); err != nil {
		return Manuscript{}, err
	}

	next := current.WithState(transition.Next)
	next = transition.Edits.Apply(next)

	if _, err := tx.ExecContext(ctx, `
		UPDATE manuscripts
		SET status=$2, locked_venue_id=$3, locked_venue_kind=$4, updated_at=NOW(),
			last_approved_at = CASE WHEN $5::boolean THEN NOW() ELSE last_approved_at END
		WHERE id=$1
	`, current.ID, next.Status, next.LockedVenueID, next.LockedVenueKind, transition.Approved); err != nil {
		return Manuscript{}, fmt.Errorf("update manuscript state: %w", err)
	}

	for _, venueID := range current.Pool {
		if slices.Contains(next.Pool, venueID) {
			continue
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM manuscript_pool WHERE manuscript_id=$1 AND venue_id=$2`, current.ID, venueID); err != nil {
			return Manuscript{}, fmt.Errorf("remove pool venue: %w", err)
		}
	}
	for _, venueID := range next.Pool {
		if slices.Contains(current.Pool, venueID) {
			continue
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO manuscript_pool (manuscript_id, venue_id) VALUES ($1, $2)`, current.ID, venueID); err != nil {
			return Manuscript{}, fmt.Errorf("add pool venue: %w", err)
		}
	}

	if !transition.Edits.Empty() {
		if err := applyEdits(ctx, tx, current.ID, transition.Edits); err != nil {
			return Manuscript{}, err
		}
	}
	if transition.Log != nil {
		entry := *transition.Log
		entry.ManuscriptID = current.ID
		if err := insertFormalLog(ctx, tx, entry); err != nil {
			return Manuscript{}, err
		}
	}
	if transition.Event != nil {
		event := *transition.Event
		event.ManuscriptID = current.ID
		if _, err := insertReviewEvent(ctx, tx, event); err != nil {
			return Manuscript{}, err
		}
	}

	updated, err := scanManuscript(tx.QueryRowContext(ctx, `SELECT `+manuscriptColumns+` FROM manuscripts m WHERE m.id=$1`, current.ID))
	if err != nil {
		return Manuscript{}, fmt.Errorf("reload manuscript: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return Manuscript{}, fmt.Errorf("commit transition: %w", err)
	}
	return updated, nil
}

func applyEdits(ctx context.Context, tx *sql.Tx, manuscriptID string, edits *ManuscriptEdits) error {
	var authors *string
	if edits.Authors != nil {
		encoded, err := json.Marshal(nonNilAuthors(*edits.Authors))
		if err != nil {
			return fmt.Errorf("marshal authors: %w", err)
		}
		value := string(encoded)
		authors = &value
	}
	var fileURL, fileHash, fileExt *string
	if edits.File != nil {
		fileURL, fileHash, fileExt = &edits.File.URL, &edits.File.Hash, &edits.File.Ext
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE manuscripts SET
			title = COALESCE($2, title),
			author_line = COALESCE($3, author_line),
			authors = COALESCE($4::jsonb, authors),
			abstract = COALESCE($5, abstract),
			subject = COALESCE($6, subject),
			file_url = COALESCE($7, file_url),
			file_hash = COALESCE($8, file_hash),
			file_ext = COALESCE($9, file_ext),
			last_submitted_at = CASE WHEN $7::text IS NULL THEN last_submitted_at ELSE NOW() END,
			updated_at = NOW()
		WHERE id=$1
	`, manuscriptID, edits.Title, edits.AuthorLine, authors, edits.Abstract, edits.Subject, fileURL, fileHash, fileExt); err != nil {
		return fmt.Errorf("apply manuscript edits: %w", err)
	}
	if edits.FundIDs != nil {
		return replaceFunds(ctx, tx, manuscriptID, *edits.FundIDs)
	}
	return nil
}

// DeleteManuscript removes a manuscript and every dependent row, including its
// formal review logs, which are otherwise protected against deletion.
func (s *PostgresStore) DeleteManuscript(ctx context.Context, manuscriptID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin delete manuscript: %w", err)
	}
	defer rollback(tx)

	if _, err := tx.ExecContext(ctx, `SELECT set_config('manuscript.purge', 'on', true)`); err != nil {
		return fmt.Errorf("enable log purge: %w", err)
	}
	result, err := tx.ExecContext(ctx, `DELETE FROM manuscripts WHERE id=$1`, manuscriptID)
	if err != nil {
		return fmt.Errorf("delete manuscript: %w", err)
	}
	if err := requireAffected(result, "delete manuscript"); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit delete manuscript: %w", err)
	}
	return nil
}

func (s *PostgresStore) SetPendingCover(ctx context.Context, manuscriptID, coverURL string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE manuscripts SET pending_cover_url=$2, updated_at=NOW() WHERE id=$1
	`, manuscriptID, coverURL)
	if err != nil {
		return fmt.Errorf("set pending cover: %w", err)
	}
	return requireAffected(result, "set pending cover")
}

// ApproveCover promotes the pending cover image. It reports false when there
// was nothing pending.
func (s *PostgresStore) ApproveCover(ctx context.Context, manuscriptID string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE manuscripts
		SET cover_url=pending_cover_url, pending_cover_url='', updated_at=NOW()
		WHERE id=$1 AND pending_cover_url <> ''
	`, manuscriptID)
	if err != nil {
		return false, fmt.Errorf("approve cover: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("approve cover rows: %w", err)
	}
	return affected > 0, nil
}

func (s *PostgresStore) ReplaceManuscriptFunds(ctx context.Context, manuscriptID string, fundIDs []string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin replace funds: %w", err)
	}
	defer rollback(tx)

	var exists bool
	if err := tx.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM manuscripts WHERE id=$1)`, manuscriptID).Scan(&exists); err != nil {
		return fmt.Errorf("check manuscript: %w", err)
	}
	if !exists {
		return sql.ErrNoRows
	}
	if err := replaceFunds(ctx, tx, manuscriptID, fundIDs); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit replace funds: %w", err)
	}
	return nil
}

func replaceFunds(ctx context.Context, tx *sql.Tx, manuscriptID string, fundIDs []string) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM manuscript_funds WHERE manuscript_id=$1`, manuscriptID); err != nil {
		return fmt.Errorf("clear fund links: %w", err)
	}
	for _, fundID := range fundIDs {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO manuscript_funds (manuscript_id, fund_id) VALUES ($1, $2)
			ON CONFLICT DO NOTHING
		`, manuscriptID, fundID); err != nil {
			if isForeignKeyViolation(err) {
				return fmt.Errorf("fund %s: %w", fundID, sql.ErrNoRows)
			}
			return fmt.Errorf("link fund: %w", err)
		}
	}
	return nil
}

func (s *PostgresStore) ListApprovedFunds(ctx context.Context, query string, limit int) ([]FundApplication, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, title, serial_no, status
		FROM fund_applications
		WHERE status = 'approved'
		  AND ($1 = '' OR title ILIKE '%' || $1 || '%' OR serial_no ILIKE '%' || $1 || '%')
		ORDER BY serial_no
		LIMIT $2
	`, query, limit)
	if err != nil {
		return nil, fmt.Errorf("list approved funds: %w", err)
	}
	defer rows.Close()

	items := make([]FundApplication, 0)
	for rows.Next() {
		var item FundApplication
		if err := rows.Scan(&item.ID, &item.Title, &item.SerialNo, &item.Status); err != nil {
			return nil, fmt.Errorf("scan fund: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate funds: %w", err)
	}
	return items, nil
}

// MissingApprovedFunds returns the ids that do not name an approved fund record.
func (s *PostgresStore) MissingApprovedFunds(ctx context.Context, fundIDs []string) ([]string, error) {
	if len(fundIDs) == 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id FROM fund_applications WHERE id = ANY($1) AND status = 'approved'
	`, fundIDs)
	if err != nil {
		return nil, fmt.Errorf("check funds: %w", err)
	}
	defer rows.Close()

	found := map[string]bool{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan fund id: %w", err)
		}
		found[id] = true
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate fund ids: %w", err)
	}
	missing := make([]string, 0)
	for _, id := range fundIDs {
		if !found[id] {
			missing = append(missing, id)
		}
	}
	return missing, nil
}

func (s *PostgresStore) UpsertAoiVote(ctx context.Context, manuscriptID, voterIPHash, voteType string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO aoi_votes (manuscript_id, voter_ip_hash, vote_type)
		VALUES ($1, $2, $3)
		ON CONFLICT (manuscript_id, voter_ip_hash)
		DO UPDATE SET vote_type=EXCLUDED.vote_type, updated_at=NOW()
	`, manuscriptID, voterIPHash, voteType)
	if err != nil {
		if isForeignKeyViolation(err) {
			return sql.ErrNoRows
		}
		return fmt.Errorf("upsert aoi vote: %w", err)
	}
	return nil
}

func (s *PostgresStore) AoiVoteTally(ctx context.Context, manuscriptID string) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT vote_type, COUNT(*) FROM aoi_votes WHERE manuscript_id=$1 GROUP BY vote_type
	`, manuscriptID)
	if err != nil {
		return nil, fmt.Errorf("tally aoi votes: %w", err)
	}
	defer rows.Close()

	tally := map[string]int{VoteOverreach: 0, VoteMisconduct: 0}
	for rows.Next() {
		var (
			voteType string
			count    int
		)
		if err := rows.Scan(&voteType, &count); err != nil {
			return nil, fmt.Errorf("scan aoi tally: %w", err)
		}
		tally[voteType] = count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate aoi tally: %w", err)
	}
	return tally, nil
}

func nonNilAuthors(authors []Author) []Author {
	if authors == nil {
		return []Author{}
	}
	return authors
}
