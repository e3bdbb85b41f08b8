package search

import (
	"context"
	"strings"

	"go.uber.org/zap"
)

// Service tries the index first and falls back to the database.
type Service struct {
	index    *Meili
	fallback Searcher
	logger   *zap.Logger
}

// NewService creates a search service. index may be nil.
func NewService(index *Meili, fallback Searcher, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{index: index, fallback: fallback, logger: logger}
}

// Search returns matches for q, never nil.
func (s *Service) Search(ctx context.Context, q Query) ([]Result, error) {
	q.Text = strings.TrimSpace(q.Text)
	if q.Text == "" {
		return []Result{}, nil
	}
	if s.index != nil && s.index.Healthy() {
		results, err := s.index.Search(ctx, q)
		if err == nil {
			return nonNil(results), nil
		}
		s.logger.Warn("meilisearch search failed, falling back to database", zap.Error(err))
	}
	results, err := s.fallback.Search(ctx, q)
	if err != nil {
		return nil, err
	}
	return nonNil(results), nil
}

// Backend names the searcher that would serve the next query.
func (s *Service) Backend() string {
	if s.index != nil && s.index.Healthy() {
		return "meilisearch"
	}
	return "database"
}

func nonNil(r []Result) []Result {
	if r == nil {
		return []Result{}
	}
	return r
}
