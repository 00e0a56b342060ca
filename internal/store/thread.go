package store

import (
	"context"
	"database/sql"
	"fmt"

	"manuscript/api/internal/workflow"
)

type execQuerier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func insertReviewEvent(ctx context.Context, q execQuerier, event ReviewEvent) (ReviewEvent, error) {
	action := event.Action
	if action == "" {
		action = string(workflow.TagComment)
	}
	var ipHash *string
	if event.ActorIPHash != "" {
		ipHash = &event.ActorIPHash
	}
	err := q.QueryRowContext(ctx, `
		INSERT INTO review_events (id, manuscript_id, parent_id, thread, action, body, actor_user_id, actor_name, actor_ip_hash)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING seq, created_at
	`, event.ID, event.ManuscriptID, event.ParentID, event.Thread, action, event.Body, event.ActorUserID, event.ActorName, ipHash,
	).Scan(&event.Seq, &event.CreatedAt)
	if err != nil {
		if isForeignKeyViolation(err) {
			return ReviewEvent{}, sql.ErrNoRows
		}
		return ReviewEvent{}, fmt.Errorf("insert review event: %w", err)
	}
	event.Action = action
	return event, nil
}

func (s *PostgresStore) InsertReviewEvent(ctx context.Context, event ReviewEvent) (ReviewEvent, error) {
	return insertReviewEvent(ctx, s.db, event)
}

func (s *PostgresStore) GetReviewEvent(ctx context.Context, eventID string) (ReviewEvent, error) {
	var (
		event    ReviewEvent
		parentID sql.NullString
		userID   sql.NullString
		ipHash   sql.NullString
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT e.id, e.seq, e.manuscript_id, e.parent_id, e.thread, e.action, e.body,
			e.actor_user_id, COALESCE(u.display_name, e.actor_name), e.actor_ip_hash, e.created_at
		FROM review_events e
		LEFT JOIN users u ON u.id = e.actor_user_id
		WHERE e.id=$1
	`, eventID).Scan(
		&event.ID, &event.Seq, &event.ManuscriptID, &parentID, &event.Thread, &event.Action, &event.Body,
		&userID, &event.ActorName, &ipHash, &event.CreatedAt,
	)
	if err != nil {
		return ReviewEvent{}, err
	}
	if parentID.Valid {
		event.ParentID = &parentID.String
	}
	if userID.Valid {
		event.ActorUserID = &userID.String
	}
	event.ActorIPHash = ipHash.String
	return event, nil
}

// ListReviewEvents returns one thread of a manuscript in creation order with
// like counts and whether viewer has liked each entry.
func (s *PostgresStore) ListReviewEvents(ctx context.Context, manuscriptID, thread string, viewer LikeKey) ([]ReviewEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT e.id, e.seq, e.manuscript_id, e.parent_id, e.thread, e.action, e.body,
			e.actor_user_id, COALESCE(u.display_name, e.actor_name), COALESCE(e.actor_ip_hash, ''), e.created_at,
			(SELECT COUNT(*) FROM event_likes l WHERE l.event_id = e.id),
			EXISTS(
				SELECT 1 FROM event_likes l
				WHERE l.event_id = e.id
				  AND (($3 <> '' AND l.user_id = $3) OR ($4 <> '' AND l.guest_ip_hash = $4))
			)
		FROM review_events e
		LEFT JOIN users u ON u.id = e.actor_user_id
		WHERE e.manuscript_id=$1 AND e.thread=$2
		ORDER BY e.created_at ASC, e.seq ASC
	`, manuscriptID, thread, viewer.UserID, viewer.GuestIPHash)
	if err != nil {
		return nil, fmt.Errorf("list review events: %w", err)
	}
	defer rows.Close()

	items := make([]ReviewEvent, 0)
	for rows.Next() {
		var (
			item     ReviewEvent
			parentID sql.NullString
			userID   sql.NullString
		)
		if err := rows.Scan(
			&item.ID,
			&item.Seq,
			&item.ManuscriptID,
			&parentID,
			&item.Thread,
			&item.Action,
			&item.Body,
			&userID,
			&item.ActorName,
			&item.ActorIPHash,
			&item.CreatedAt,
			&item.LikeCount,
			&item.Liked,
		); err != nil {
			return nil, fmt.Errorf("scan review event: %w", err)
		}
		if parentID.Valid {
			item.ParentID = &parentID.String
		}
		if userID.Valid {
			item.ActorUserID = &userID.String
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate review events: %w", err)
	}
	return items, nil
}

// ListTimelineEntries returns the tagged history the revision flag is derived from.
func (s *PostgresStore) ListTimelineEntries(ctx context.Context, manuscriptID string) ([]workflow.TimelineEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT action, created_at, seq
		FROM review_events
		WHERE manuscript_id=$1 AND thread='review' AND action <> 'comment'
		ORDER BY created_at DESC, seq DESC
	`, manuscriptID)
	if err != nil {
		return nil, fmt.Errorf("list timeline entries: %w", err)
	}
	defer rows.Close()

	items := make([]workflow.TimelineEntry, 0)
	for rows.Next() {
		var (
			item   workflow.TimelineEntry
			action string
		)
		if err := rows.Scan(&action, &item.CreatedAt, &item.Seq); err != nil {
			return nil, fmt.Errorf("scan timeline entry: %w", err)
		}
		item.Tag = workflow.Tag(action)
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate timeline entries: %w", err)
	}
	return items, nil
}

// ToggleEventLike removes the like when present and adds it otherwise. It
// reports whether the entry is liked afterwards.
func (s *PostgresStore) ToggleEventLike(ctx context.Context, eventID string, key LikeKey) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM event_likes
		WHERE event_id=$1
		  AND (($2 <> '' AND user_id = $2) OR ($3 <> '' AND guest_ip_hash = $3))
	`, eventID, key.UserID, key.GuestIPHash)
	if err != nil {
		return false, fmt.Errorf("delete event like: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete event like rows: %w", err)
	}
	if affected > 0 {
		return false, nil
	}

	var userID, guest *string
	if key.UserID != "" {
		userID = &key.UserID
	} else {
		guest = &key.GuestIPHash
	}
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO event_likes (event_id, user_id, guest_ip_hash) VALUES ($1, $2, $3)
		ON CONFLICT DO NOTHING
	`, eventID, userID, guest); err != nil {
		if isForeignKeyViolation(err) {
			return false, sql.ErrNoRows
		}
		return false, fmt.Errorf("insert event like: %w", err)
	}
	return true, nil
}

func (s *PostgresStore) DeleteReviewEvent(ctx context.Context, eventID string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM review_events WHERE id=$1`, eventID)
	if err != nil {
		return fmt.Errorf("delete review event: %w", err)
	}
	return requireAffected(result, "delete review event")
}

func insertFormalLog(ctx context.Context, q execQuerier, entry FormalReviewLog) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO formal_review_logs (manuscript_id, venue_id, venue_kind, actor_user_id, actor_name, action, feedback)
		VALUES ($1, NULLIF($2, ''), NULLIF($3, ''), $4, $5, $6, $7)
	`, entry.ManuscriptID, entry.VenueID, entry.VenueKind, entry.ActorUserID, entry.ActorName, entry.Action, entry.Feedback)
	if err != nil {
		return fmt.Errorf("insert formal review log: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListFormalLogs(ctx context.Context, manuscriptID string) ([]FormalReviewLog, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, manuscript_id, COALESCE(venue_id, ''), COALESCE(venue_kind, ''), actor_user_id, actor_name, action, feedback, created_at
		FROM formal_review_logs
		WHERE manuscript_id=$1
		ORDER BY created_at ASC, id ASC
	`, manuscriptID)
	if err != nil {
		return nil, fmt.Errorf("list formal logs: %w", err)
	}
	defer rows.Close()

	items := make([]FormalReviewLog, 0)
	for rows.Next() {
		var item FormalReviewLog
		if err := rows.Scan(
			&item.ID,
			&item.ManuscriptID,
			&item.VenueID,
			&item.VenueKind,
			&item.ActorUserID,
			&item.ActorName,
			&item.Action,
			&item.Feedback,
			&item.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan formal log: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate formal logs: %w", err)
	}
	return items, nil
}
