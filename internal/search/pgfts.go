package search

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// PgFTS implements Searcher using PostgreSQL full-text search as a fallback.
type PgFTS struct {
	db *sql.DB
}

func NewPgFTS(db *sql.DB) *PgFTS {
	return &PgFTS{db: db}
}

// Healthy always returns true; without Postgres nothing else works either.
func (p *PgFTS) Healthy() bool {
	return true
}

// Search runs a UNION ALL over published manuscripts and their public
// discussion using plainto_tsquery and ts_rank, with ts_headline snippets.
func (p *PgFTS) Search(ctx context.Context, q Query) ([]Result, int, error) {
	if strings.TrimSpace(q.Text) == "" {
		return nil, 0, nil
	}

	limit := q.Limit
	if limit <= 0 {
		limit = 20
	}
	offset := q.Offset
	if offset < 0 {
		offset = 0
	}

	tsQuery := "plainto_tsquery('english', $1)"
	args := []any{q.Text}
	argN := 2

	var subQueries []string

	if q.FilterType == "" || q.FilterType == ResultManuscript {
		where := "m.fts @@ " + tsQuery + " AND m.status = 'published'"
		if q.FilterVenueID != "" {
			where += fmt.Sprintf(" AND m.locked_venue_id = $%d", argN)
			args = append(args, q.FilterVenueID)
			argN++
		}
		subQueries = append(subQueries, fmt.Sprintf(`
			SELECT 'manuscript'::text AS type, m.id, m.title,
				ts_headline('english', coalesce(m.abstract, ''), %s, 'MaxFragments=1,MaxWords=30') AS snippet,
				m.id AS manuscript_id, coalesce(m.locked_venue_id, '') AS venue_id,
				ts_rank(m.fts, %s) AS rank
			FROM manuscripts m
			WHERE %s`, tsQuery, tsQuery, where))
	}

	if q.FilterType == "" || q.FilterType == ResultComment {
		where := "e.fts @@ " + tsQuery + " AND e.thread = 'discussion' AND m.status = 'published'"
		if q.FilterVenueID != "" {
			where += fmt.Sprintf(" AND m.locked_venue_id = $%d", argN)
			args = append(args, q.FilterVenueID)
			argN++
		}
		subQueries = append(subQueries, fmt.Sprintf(`
			SELECT 'comment'::text AS type, e.id, e.actor_name AS title,
				ts_headline('english', coalesce(e.body, ''), %s, 'MaxFragments=1,MaxWords=30') AS snippet,
				e.manuscript_id, coalesce(m.locked_venue_id, '') AS venue_id,
				ts_rank(e.fts, %s) AS rank
			FROM review_events e
			JOIN manuscripts m ON m.id = e.manuscript_id
			WHERE %s`, tsQuery, tsQuery, where))
	}

	if len(subQueries) == 0 {
		return nil, 0, nil
	}

	countSQL := fmt.Sprintf("SELECT count(*) FROM (%s) sub",
		strings.Join(subQueries, " UNION ALL "))

	dataSQL := fmt.Sprintf(`SELECT type, id, title, snippet, manuscript_id, venue_id
		FROM (%s) sub
		ORDER BY rank DESC
		LIMIT %d OFFSET %d`,
		strings.Join(subQueries, " UNION ALL "),
		limit, offset)

	var total int
	if err := p.db.QueryRowContext(ctx, countSQL, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("pgfts count: %w", err)
	}

	rows, err := p.db.QueryContext(ctx, dataSQL, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("pgfts query: %w", err)
	}
	defer rows.Close()

	var results []Result
	for rows.Next() {
		var r Result
		var typ string
		if err := rows.Scan(&typ, &r.ID, &r.Title, &r.Snippet, &r.ManuscriptID, &r.VenueID); err != nil {
			return nil, 0, fmt.Errorf("pgfts scan: %w", err)
		}
		r.Type = ResultType(typ)
		results = append(results, r)
	}
	return results, total, rows.Err()
}

// LoadAllRecords returns every searchable record for a full reindex.
func (p *PgFTS) LoadAllRecords(ctx context.Context) ([]ManuscriptRecord, []CommentRecord, error) {
	docRows, err := p.db.QueryContext(ctx, `
		SELECT id, title, author_line, abstract, subject, coalesce(locked_venue_id, ''), status
		FROM manuscripts
		WHERE status = 'published'
	`)
	if err != nil {
		return nil, nil, fmt.Errorf("load manuscripts: %w", err)
	}
	defer docRows.Close()

	manuscripts := make([]ManuscriptRecord, 0)
	for docRows.Next() {
		var d ManuscriptRecord
		if err := docRows.Scan(&d.ID, &d.Title, &d.AuthorLine, &d.Abstract, &d.Subject, &d.VenueID, &d.Status); err != nil {
			return nil, nil, fmt.Errorf("scan manuscript: %w", err)
		}
		manuscripts = append(manuscripts, d)
	}
	if err := docRows.Err(); err != nil {
		return nil, nil, fmt.Errorf("iterate manuscripts: %w", err)
	}

	commentRows, err := p.db.QueryContext(ctx, `
		SELECT e.id, e.manuscript_id, coalesce(m.locked_venue_id, ''), e.body, e.actor_name
		FROM review_events e
		JOIN manuscripts m ON m.id = e.manuscript_id
		WHERE e.thread = 'discussion' AND m.status = 'published'
	`)
	if err != nil {
		return nil, nil, fmt.Errorf("load comments: %w", err)
	}
	defer commentRows.Close()

	comments := make([]CommentRecord, 0)
	for commentRows.Next() {
		var c CommentRecord
		if err := commentRows.Scan(&c.ID, &c.ManuscriptID, &c.VenueID, &c.Body, &c.ActorName); err != nil {
			return nil, nil, fmt.Errorf("scan comment: %w", err)
		}
		comments = append(comments, c)
	}
	if err := commentRows.Err(); err != nil {
		return nil, nil, fmt.Errorf("iterate comments: %w", err)
	}
	return manuscripts, comments, nil
}
