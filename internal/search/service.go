package search

import (
	"context"
	"log/slog"
)

type indexer interface {
	Searcher
	IndexConfessions(records []ConfessionRecord) error
	DeleteConfession(id int64) error
}

type loader interface {
	Searcher
	LoadApproved(ctx context.Context) ([]ConfessionRecord, error)
}

// Service is the facade that tries Meilisearch first and falls back to PG FTS.
type Service struct {
	primary  indexer
	fallback loader
}

// NewService creates a search service. meili may be nil if Meilisearch is not configured.
func NewService(meili *Meili, pgfts *PgFTS) *Service {
	s := &Service{}
	if meili != nil {
		s.primary = meili
	}
	if pgfts != nil {
		s.fallback = pgfts
	}
	return s
}

func (s *Service) primaryHealthy() bool {
	return s.primary != nil && s.primary.Healthy()
}

func (s *Service) Search(q Query) Response {
	if s.primaryHealthy() {
		results, total, err := s.primary.Search(q)
		if err == nil {
			return Response{Results: nonNil(results), Total: total, Query: q.Text}
		}
		slog.Warn("search_primary_failed", "error", err)
	}
	if s.fallback == nil {
		return Response{Results: []Result{}, Query: q.Text}
	}

	results, total, err := s.fallback.Search(q)
	if err != nil {
		slog.Error("search_fallback_failed", "error", err)
		return Response{Results: []Result{}, Total: 0, Query: q.Text}
	}
	return Response{Results: nonNil(results), Total: total, Query: q.Text}
}

// IndexConfession indexes an approved confession (fire-and-forget).
func (s *Service) IndexConfession(record ConfessionRecord) {
	if !s.primaryHealthy() {
		return
	}
	go func() {
		if err := s.primary.IndexConfessions([]ConfessionRecord{record}); err != nil {
			slog.Warn("search_index_failed", "confession_id", record.ID, "error", err)
		}
	}()
}

// DeleteConfession removes a confession from the index (fire-and-forget).
func (s *Service) DeleteConfession(id int64) {
	if !s.primaryHealthy() {
		return
	}
	go func() {
		if err := s.primary.DeleteConfession(id); err != nil {
			slog.Warn("search_delete_failed", "confession_id", id, "error", err)
		}
	}()
}

// ReindexAll pushes every approved confession from Postgres into Meilisearch.
func (s *Service) ReindexAll(ctx context.Context) {
	if !s.primaryHealthy() || s.fallback == nil {
		return
	}
	records, err := s.fallback.LoadApproved(ctx)
	if err != nil {
		slog.Error("search_reindex_load_failed", "error", err)
		return
	}
	if err := s.primary.IndexConfessions(records); err != nil {
		slog.Error("search_reindex_failed", "error", err)
		return
	}
	slog.Info("search_reindexed", "confessions", len(records))
}

func nonNil(r []Result) []Result {
	if r == nil {
		return []Result{}
	}
	return r
}
