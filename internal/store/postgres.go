package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"

	"manuscript/api/internal/identity"
	"manuscript/api/internal/rbac"
)

var (
	ErrUniqueViolation = errors.New("unique constraint violated")
	ErrVenueNotEmpty   = errors.New("venue still owns manuscripts or staff")
)

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func isForeignKeyViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23503"
}

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// EnsureUser inserts the user or refreshes its name, email and role.
func (s *PostgresStore) EnsureUser(ctx context.Context, user User) (User, error) {
	role := string(rbac.Normalize(user.Role))
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO users (id, display_name, email, role)
		VALUES ($1, $2, NULLIF($3, ''), $4)
		ON CONFLICT (id) DO UPDATE SET display_name=EXCLUDED.display_name, email=EXCLUDED.email, role=EXCLUDED.role
		RETURNING id, display_name, COALESCE(email, ''), role, created_at
	`, user.ID, user.DisplayName, user.Email, role).Scan(&user.ID, &user.DisplayName, &user.Email, &user.Role, &user.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return User{}, ErrUniqueViolation
		}
		return User{}, fmt.Errorf("ensure user: %w", err)
	}
	return user, nil
}

func (s *PostgresStore) GetUser(ctx context.Context, userID string) (User, error) {
	var user User
	err := s.db.QueryRowContext(ctx, `
		SELECT id, display_name, COALESCE(email, ''), role, created_at FROM users WHERE id=$1
	`, userID).Scan(&user.ID, &user.DisplayName, &user.Email, &user.Role, &user.CreatedAt)
	if err != nil {
		return User{}, err
	}
	return user, nil
}

// GetMember loads a user with the venue memberships that make up their scope.
func (s *PostgresStore) GetMember(ctx context.Context, userID string) (identity.Registered, error) {
	user, err := s.GetUser(ctx, userID)
	if err != nil {
		return identity.Registered{}, err
	}
	member := identity.Registered{
		ID:    user.ID,
		Name:  user.DisplayName,
		Email: user.Email,
		Role:  rbac.Normalize(user.Role),
	}

	err = s.db.QueryRowContext(ctx, `SELECT id FROM venues WHERE chief_user_id=$1`, userID).Scan(&member.ManagedVenue)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return identity.Registered{}, fmt.Errorf("read managed venue: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT venue_id FROM venue_editors WHERE user_id=$1 ORDER BY venue_id
	`, userID)
	if err != nil {
		return identity.Registered{}, fmt.Errorf("list reviewer venues: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var venueID string
		if err := rows.Scan(&venueID); err != nil {
			return identity.Registered{}, fmt.Errorf("scan reviewer venue: %w", err)
		}
		member.ReviewerVenues = append(member.ReviewerVenues, venueID)
	}
	if err := rows.Err(); err != nil {
		return identity.Registered{}, fmt.Errorf("iterate reviewer venues: %w", err)
	}
	return member, nil
}

func rollback(tx *sql.Tx) {
	_ = tx.Rollback()
}
