package search

import (
	"context"
	"strings"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"go.uber.org/zap"

	"docsync/api/internal/content"
	"docsync/api/internal/rbac"
)

// Fallback is the substring search that answers when Meilisearch cannot.
type Fallback interface {
	AuthorizeTeam(ctx context.Context, userID, teamID string, action rbac.Action) error
	SearchByTeam(ctx context.Context, userID, teamID, query string) ([]content.DocumentSummary, error)
}

// Service tries Meilisearch first and falls back to the content store.
type Service struct {
	meili    *Meili
	fallback Fallback
	logger   *zap.Logger
}

// NewService creates a search service. meili may be nil if Meilisearch is not
// configured.
func NewService(meili *Meili, fallback Fallback, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{meili: meili, fallback: fallback, logger: logger.Named("search")}
}

func (s *Service) Search(ctx context.Context, userID string, q Query) (Response, error) {
	q.Text = strings.TrimSpace(q.Text)
	if err := validation.Validate(q.Text, validation.Required); err != nil {
		return Response{}, &content.ValidationError{Err: validation.Errors{"q": err}}
	}
	if err := s.fallback.AuthorizeTeam(ctx, userID, q.TeamID, rbac.ActionRead); err != nil {
		return Response{}, err
	}

	if s.meili != nil && s.meili.Healthy() {
		results, total, err := s.meili.Search(q)
		if err == nil {
			return Response{Results: results, Total: total, Query: q.Text, Source: SourceRanked}, nil
		}
		s.logger.Warn("meilisearch error, falling back to database", zap.Error(err))
	}

	items, err := s.fallback.SearchByTeam(ctx, userID, q.TeamID, q.Text)
	if err != nil {
		return Response{}, err
	}
	results := make([]Result, 0, len(items))
	for _, item := range items {
		results = append(results, Result{ID: item.ID, TeamID: item.TeamID, Title: item.Title, URL: item.URL})
	}
	total := len(results)
	results = page(results, q.Offset, q.Limit)
	return Response{Results: results, Total: total, Query: q.Text, Source: SourceDatabase}, nil
}

func page(results []Result, offset, limit int) []Result {
	if offset < 0 {
		offset = 0
	}
	if offset >= len(results) {
		return []Result{}
	}
	results = results[offset:]
	if limit > 0 && limit < len(results) {
		results = results[:limit]
	}
	return results
}
