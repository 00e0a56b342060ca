package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

const venueColumns = `
	v.id, v.code, v.kind, v.name, v.description, v.status, v.chief_user_id, v.created_at, v.updated_at,
	COALESCE((SELECT string_agg(ve.user_id, ',' ORDER BY ve.user_id) FROM venue_editors ve WHERE ve.venue_id = v.id), ''),
	(SELECT COUNT(*) FROM manuscripts m WHERE m.locked_venue_id = v.id) +
	(SELECT COUNT(*) FROM manuscript_pool p WHERE p.venue_id = v.id)
`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanVenue(row rowScanner) (Venue, error) {
	var (
		venue   Venue
		chief   sql.NullString
		editors string
	)
	if err := row.Scan(
		&venue.ID,
		&venue.Code,
		&venue.Kind,
		&venue.Name,
		&venue.Description,
		&venue.Status,
		&chief,
		&venue.CreatedAt,
		&venue.UpdatedAt,
		&editors,
		&venue.ManuscriptCount,
	); err != nil {
		return Venue{}, err
	}
	if chief.Valid {
		venue.ChiefUserID = &chief.String
	}
	venue.EditorIDs = splitList(editors)
	return venue, nil
}

func (s *PostgresStore) ListVenues(ctx context.Context, kind string) ([]Venue, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+venueColumns+`
		FROM venues v
		WHERE ($1 = '' OR v.kind = $1)
		ORDER BY v.kind, v.name
	`, kind)
	if err != nil {
		return nil, fmt.Errorf("list venues: %w", err)
	}
	defer rows.Close()

	items := make([]Venue, 0)
	for rows.Next() {
		venue, err := scanVenue(rows)
		if err != nil {
			return nil, fmt.Errorf("scan venue: %w", err)
		}
		items = append(items, venue)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate venues: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) GetVenue(ctx context.Context, venueID string) (Venue, error) {
	return scanVenue(s.db.QueryRowContext(ctx, `SELECT `+venueColumns+` FROM venues v WHERE v.id=$1`, venueID))
}

func (s *PostgresStore) InsertVenue(ctx context.Context, venue Venue) error {
	status := venue.Status
	if status == "" {
		status = "active"
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO venues (id, code, kind, name, description, status)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, venue.ID, venue.Code, venue.Kind, venue.Name, venue.Description, status)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrUniqueViolation
		}
		return fmt.Errorf("insert venue: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpdateVenue(ctx context.Context, venueID, name, description, status string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE venues SET name=$2, description=$3, status=$4, updated_at=NOW() WHERE id=$1
	`, venueID, name, description, status)
	if err != nil {
		return fmt.Errorf("update venue: %w", err)
	}
	return requireAffected(result, "update venue")
}

// DeleteVenue removes a venue that owns no manuscripts and has no staff.
func (s *PostgresStore) DeleteVenue(ctx context.Context, venueID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin delete venue: %w", err)
	}
	defer rollback(tx)

	var (
		chief sql.NullString
		owned int
	)
	err = tx.QueryRowContext(ctx, `
		SELECT chief_user_id,
			(SELECT COUNT(*) FROM manuscripts WHERE locked_venue_id = $1) +
			(SELECT COUNT(*) FROM manuscript_pool WHERE venue_id = $1) +
			(SELECT COUNT(*) FROM venue_editors WHERE venue_id = $1)
		FROM venues WHERE id=$1
		FOR UPDATE
	`, venueID).Scan(&chief, &owned)
	if err != nil {
		return err
	}
	if chief.Valid || owned > 0 {
		return ErrVenueNotEmpty
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM venues WHERE id=$1`, venueID); err != nil {
		return fmt.Errorf("delete venue: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit delete venue: %w", err)
	}
	return nil
}

// SetVenueChief assigns or clears the editor-in-chief. A user can run only one
// venue; assigning a second one is a unique violation.
func (s *PostgresStore) SetVenueChief(ctx context.Context, venueID string, userID *string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin set chief: %w", err)
	}
	defer rollback(tx)

	result, err := tx.ExecContext(ctx, `UPDATE venues SET chief_user_id=$2, updated_at=NOW() WHERE id=$1`, venueID, userID)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrUniqueViolation
		}
		if isForeignKeyViolation(err) {
			return sql.ErrNoRows
		}
		return fmt.Errorf("set venue chief: %w", err)
	}
	if err := requireAffected(result, "set venue chief"); err != nil {
		return err
	}
	if userID != nil {
		if err := promoteRole(ctx, tx, *userID, "editor_in_chief", "author", "editor"); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit set chief: %w", err)
	}
	return nil
}

func (s *PostgresStore) AddVenueEditor(ctx context.Context, venueID, userID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin add editor: %w", err)
	}
	defer rollback(tx)

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO venue_editors (venue_id, user_id) VALUES ($1, $2)
		ON CONFLICT (venue_id, user_id) DO NOTHING
	`, venueID, userID); err != nil {
		if isForeignKeyViolation(err) {
			return sql.ErrNoRows
		}
		return fmt.Errorf("add venue editor: %w", err)
	}
	if err := promoteRole(ctx, tx, userID, "editor", "author"); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit add editor: %w", err)
	}
	return nil
}

func (s *PostgresStore) RemoveVenueEditor(ctx context.Context, venueID, userID string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM venue_editors WHERE venue_id=$1 AND user_id=$2`, venueID, userID)
	if err != nil {
		return fmt.Errorf("remove venue editor: %w", err)
	}
	return requireAffected(result, "remove venue editor")
}

// promoteRole raises a user's role to role when it is currently one of from.
func promoteRole(ctx context.Context, tx *sql.Tx, userID, role string, from ...string) error {
	result, err := tx.ExecContext(ctx, `UPDATE users SET role=$2 WHERE id=$1 AND role = ANY($3)`, userID, role, from)
	if err != nil {
		return fmt.Errorf("promote role: %w", err)
	}
	if affected, _ := result.RowsAffected(); affected > 0 {
		return nil
	}
	var exists bool
	if err := tx.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM users WHERE id=$1)`, userID).Scan(&exists); err != nil {
		return fmt.Errorf("check user: %w", err)
	}
	if !exists {
		return sql.ErrNoRows
	}
	return nil
}

func requireAffected(result sql.Result, op string) error {
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s rows: %w", op, err)
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func splitList(value string) []string {
	if value == "" {
		return nil
	}
	return strings.Split(value, ",")
}
