package search

import (
	"context"

	"go.uber.org/zap"
)

type indexBackend interface {
	Searcher
	Indexer
}

type recordLoader interface {
	Searcher
	LoadAllRecords(ctx context.Context) ([]ManuscriptRecord, []CommentRecord, error)
}

// Service is the facade that tries Meilisearch first and falls back to PG FTS.
type Service struct {
	primary  indexBackend
	fallback recordLoader
	logger   *zap.Logger
}

// NewService creates a search service. meili may be nil when Meilisearch is
// not configured.
func NewService(meili *Meili, pgfts *PgFTS, logger *zap.Logger) *Service {
	s := &Service{fallback: pgfts, logger: logger}
	if meili != nil {
		s.primary = meili
	}
	return s
}

func (s *Service) primaryReady() bool {
	return s.primary != nil && s.primary.Healthy()
}

// Search tries Meilisearch if healthy, otherwise falls back to PG FTS.
func (s *Service) Search(ctx context.Context, q Query) Response {
	if s.primaryReady() {
		results, total, err := s.primary.Search(ctx, q)
		if err == nil {
			return Response{Results: nonNil(results), Total: total, Query: q.Text}
		}
		s.logger.Warn("meilisearch error, falling back to pgfts", zap.Error(err))
	}

	results, total, err := s.fallback.Search(ctx, q)
	if err != nil {
		s.logger.Error("pgfts search failed", zap.Error(err))
		return Response{Results: []Result{}, Total: 0, Query: q.Text}
	}
	return Response{Results: nonNil(results), Total: total, Query: q.Text}
}

// IndexManuscript indexes a published manuscript in the background.
func (s *Service) IndexManuscript(doc ManuscriptRecord) {
	s.async("index manuscript", doc.ID, func() error { return s.primary.IndexManuscript(doc) })
}

func (s *Service) IndexComment(c CommentRecord) {
	s.async("index comment", c.ID, func() error { return s.primary.IndexComment(c) })
}

func (s *Service) DeleteManuscript(id string) {
	s.async("delete manuscript", id, func() error { return s.primary.DeleteManuscript(id) })
}

func (s *Service) DeleteComment(id string) {
	s.async("delete comment", id, func() error { return s.primary.DeleteComment(id) })
}

func (s *Service) async(op, id string, fn func() error) {
	if !s.primaryReady() {
		return
	}
	go func() {
		if err := fn(); err != nil {
			s.logger.Warn("search "+op+" failed", zap.String("id", id), zap.Error(err))
		}
	}()
}

// ReindexAllFromPG pushes every searchable record from PostgreSQL into
// Meilisearch.
func (s *Service) ReindexAllFromPG(ctx context.Context) {
	if !s.primaryReady() || s.fallback == nil {
		return
	}
	manuscripts, comments, err := s.fallback.LoadAllRecords(ctx)
	if err != nil {
		s.logger.Warn("search reindex load failed", zap.Error(err))
		return
	}
	if err := s.primary.IndexManuscripts(manuscripts); err != nil {
		s.logger.Warn("search reindex manuscripts", zap.Error(err))
	}
	if err := s.primary.IndexComments(comments); err != nil {
		s.logger.Warn("search reindex comments", zap.Error(err))
	}
}

func nonNil(r []Result) []Result {
	if r == nil {
		return []Result{}
	}
	return r
}
