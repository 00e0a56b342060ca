package store

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"regexp"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"manuscript/api/internal/workflow"
)

// openTestDB applies all migrations to a fresh public schema. Tests are
// skipped unless MANUSCRIPT_TEST_DATABASE_URL is set.
func openTestDB(t *testing.T) (*PostgresStore, context.Context) {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	dsn := strings.TrimSpace(os.Getenv("MANUSCRIPT_TEST_DATABASE_URL"))
	if dsn == "" {
		t.Skip("MANUSCRIPT_TEST_DATABASE_URL is not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	t.Cleanup(cancel)

	db, err := Open(ctx, dsn)
	if err != nil {
		t.Fatalf("open postgres: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	if _, err := db.ExecContext(ctx, `DROP SCHEMA IF EXISTS public CASCADE; CREATE SCHEMA public;`); err != nil {
		t.Fatalf("reset schema: %v", err)
	}
	if _, err := ApplyMigrations(ctx, db, migrationsDir()); err != nil {
		t.Fatalf("apply migrations: %v", err)
	}
	return NewPostgresStore(db), ctx
}

func seedVenues(t *testing.T, ctx context.Context, s *PostgresStore, kind string, ids ...string) {
	t.Helper()
	for _, id := range ids {
		if err := s.InsertVenue(ctx, Venue{ID: id, Code: strings.ToUpper(id), Kind: kind, Name: "Venue " + id}); err != nil {
			t.Fatalf("insert venue %s: %v", id, err)
		}
	}
}

func seedManuscript(t *testing.T, ctx context.Context, s *PostgresStore, id, hash string, pool ...string) {
	t.Helper()
	err := s.InsertManuscript(ctx, Manuscript{
		ID:       id,
		Title:    "Manuscript " + id,
		FileURL:  "blob://" + hash + ".pdf",
		FileHash: hash,
		FileExt:  ".pdf",
		Status:   string(workflow.StatusPending),
		Pool:     pool,
	})
	if err != nil {
		t.Fatalf("insert manuscript %s: %v", id, err)
	}
}

func TestMigrationsRoundTripPostgres(t *testing.T) {
	s, ctx := openTestDB(t)
	db := s.DB()

	if err := applyDownMigrations(ctx, db, migrationsDir()); err != nil {
		t.Fatalf("apply down migrations: %v", err)
	}
	if _, err := db.ExecContext(ctx, `DELETE FROM schema_migrations`); err != nil {
		t.Fatalf("clear schema_migrations: %v", err)
	}
	if _, err := ApplyMigrations(ctx, db, migrationsDir()); err != nil {
		t.Fatalf("apply up migrations (pass 2): %v", err)
	}
}

func TestApplyTransitionAdmitAndExhaust(t *testing.T) {
	s, ctx := openTestDB(t)
	seedVenues(t, ctx, s, "journal", "j1", "j2", "j3")
	seedManuscript(t, ctx, s, "m1", "hash-a", "j1", "j2", "j3")
	seedManuscript(t, ctx, s, "m2", "hash-b", "j1", "j2")

	admitted, err := s.ApplyTransition(ctx, "m1", func(current Manuscript) (Transition, error) {
		next, err := workflow.Journal{ID: "j2"}.Admit(current.State())
		if err != nil {
			return Transition{}, err
		}
		return Transition{
			Next:     next,
			Approved: true,
			Log:      &FormalReviewLog{VenueID: "j2", VenueKind: "journal", ActorUserID: "u1", ActorName: "Editor", Action: "approved"},
		}, nil
	})
	if err != nil {
		t.Fatalf("admit: %v", err)
	}
	if admitted.Status != "published" || admitted.LockedVenueID == nil || *admitted.LockedVenueID != "j2" || len(admitted.Pool) != 0 {
		t.Fatalf("unexpected admitted manuscript: %+v", admitted)
	}
	if admitted.LastApprovedAt == nil {
		t.Fatal("lastApprovedAt not set")
	}

	reject := func(venueID string) Manuscript {
		updated, err := s.ApplyTransition(ctx, "m2", func(current Manuscript) (Transition, error) {
			rejection, err := workflow.Journal{ID: venueID}.Reject(current.State())
			if err != nil {
				return Transition{}, err
			}
			return Transition{
				Next: rejection.State,
				Log:  &FormalReviewLog{VenueID: venueID, VenueKind: "journal", ActorUserID: "u1", ActorName: "Editor", Action: "rejected"},
			}, nil
		})
		if err != nil {
			t.Fatalf("reject %s: %v", venueID, err)
		}
		return updated
	}
	if got := reject("j1"); got.Status != "pending" || len(got.Pool) != 1 {
		t.Fatalf("after first reject: %+v", got)
	}
	if got := reject("j2"); got.Status != "rejected" || len(got.Pool) != 0 {
		t.Fatalf("after second reject: %+v", got)
	}
	logs, err := s.ListFormalLogs(ctx, "m2")
	if err != nil {
		t.Fatalf("list formal logs: %v", err)
	}
	if len(logs) != 2 {
		t.Fatalf("formal logs = %d, want 2 (exhaustion writes none)", len(logs))
	}
}

func TestDuplicateDetectionPostgres(t *testing.T) {
	s, ctx := openTestDB(t)
	seedVenues(t, ctx, s, "journal", "j1", "j2")
	seedManuscript(t, ctx, s, "m1", "same", "j1")
	seedManuscript(t, ctx, s, "m2", "same", "j2")
	seedManuscript(t, ctx, s, "m3", "other", "j1")

	for id, want := range map[string]bool{"m1": true, "m2": true, "m3": false} {
		m, err := s.GetManuscript(ctx, id)
		if err != nil {
			t.Fatalf("get %s: %v", id, err)
		}
		got, err := s.HasDuplicate(ctx, id, m.FileHash)
		if err != nil {
			t.Fatalf("HasDuplicate(%s): %v", id, err)
		}
		if got != want {
			t.Fatalf("HasDuplicate(%s) = %v, want %v", id, got, want)
		}
	}
}

func TestFormalLogImmutability(t *testing.T) {
	s, ctx := openTestDB(t)
	seedVenues(t, ctx, s, "journal", "j1")
	seedManuscript(t, ctx, s, "m1", "hash", "j1")

	if _, err := s.ApplyTransition(ctx, "m1", func(current Manuscript) (Transition, error) {
		next, err := workflow.HardReject(current.State())
		return Transition{Next: next, Log: &FormalReviewLog{ActorUserID: "admin", ActorName: "Admin", Action: "rejected"}}, err
	}); err != nil {
		t.Fatalf("hard reject: %v", err)
	}

	_, err := s.DB().ExecContext(ctx, `UPDATE formal_review_logs SET feedback='edited' WHERE manuscript_id='m1'`)
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) || pgErr.SQLState() != "55000" {
		t.Fatalf("update error = %v, want SQLSTATE 55000", err)
	}
	_, err = s.DB().ExecContext(ctx, `DELETE FROM formal_review_logs WHERE manuscript_id='m1'`)
	if !errors.As(err, &pgErr) || pgErr.SQLState() != "55000" {
		t.Fatalf("delete error = %v, want SQLSTATE 55000", err)
	}

	if err := s.DeleteManuscript(ctx, "m1"); err != nil {
		t.Fatalf("delete manuscript: %v", err)
	}
	if _, err := s.GetManuscript(ctx, "m1"); !errors.Is(err, sql.ErrNoRows) {
		t.Fatalf("get deleted manuscript error = %v", err)
	}
}

func TestToggleEventLikePostgres(t *testing.T) {
	s, ctx := openTestDB(t)
	seedVenues(t, ctx, s, "journal", "j1")
	seedManuscript(t, ctx, s, "m1", "hash", "j1")
	if _, err := s.InsertReviewEvent(ctx, ReviewEvent{ID: "e1", ManuscriptID: "m1", Thread: ThreadDiscussion, Body: "hi", ActorName: "Guest-1", ActorIPHash: "abc"}); err != nil {
		t.Fatalf("insert event: %v", err)
	}

	key := LikeKey{GuestIPHash: "abc"}
	for i, want := range []bool{true, false, true} {
		liked, err := s.ToggleEventLike(ctx, "e1", key)
		if err != nil {
			t.Fatalf("toggle %d: %v", i, err)
		}
		if liked != want {
			t.Fatalf("toggle %d liked = %v, want %v", i, liked, want)
		}
	}
}

func applyDownMigrations(ctx context.Context, db *sql.DB, dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	pattern := regexp.MustCompile(`^(\d+)_.*\.down\.sql$`)
	var downs []string
	for _, entry := range entries {
		if !entry.IsDir() && pattern.MatchString(entry.Name()) {
			downs = append(downs, entry.Name())
		}
	}
	sort.Sort(sort.Reverse(sort.StringSlice(downs)))
	for _, name := range downs {
		sqlBytes, err := os.ReadFile(dir + string(os.PathSeparator) + name)
		if err != nil {
			return err
		}
		if text := strings.TrimSpace(string(sqlBytes)); text != "" {
			if _, err := db.ExecContext(ctx, text); err != nil {
				return err
			}
		}
	}
	return nil
}
