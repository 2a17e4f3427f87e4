// Package query serves recommendations out of the vector index: neighbors of
// an already-indexed product, or neighbors of an ad-hoc text query embedded on
// the fly. Read-only; it never writes to either store.
package query

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/shopstack/recsync/engine/domain"
	"github.com/shopstack/recsync/engine/semantic"
)

// Searcher is the slice of the vector index the query paths need.
type Searcher interface {
	SearchByID(ctx context.Context, id int64, topK int, filters map[string]string) ([]semantic.Hit, error)
	SearchByIDs(ctx context.Context, ids []int64, topK int, filters map[string]string) ([]semantic.Hit, error)
	SearchByVector(ctx context.Context, vector []float32, topK int, excludeID int64, filters map[string]string) ([]semantic.Hit, error)
}

// Embedder turns query text into a vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Service answers similarity queries.
type Service struct {
	index  Searcher
	embed  Embedder
	logger *slog.Logger
}

// New creates a query Service.
func New(index Searcher, embed Embedder, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{index: index, embed: embed, logger: logger}
}

// SimilarTo returns up to topK products similar to the given product, never
// including the product itself. Fails with domain.ErrNotFound when the product
// has not been indexed yet.
func (s *Service) SimilarTo(ctx context.Context, productID int64, topK int, filters map[string]string) ([]domain.Recommendation, error) {
	if err := domain.ValidateLimit(topK); err != nil {
		return nil, err
	}
	hits, err := s.index.SearchByID(ctx, productID, topK, filters)
	if err != nil {
		return nil, err
	}
	s.logger.Debug("similar-to query served", "product_id", productID, "results", len(hits))
	return recommendations(hits), nil
}

// SimilarToMany returns up to topK products similar to a set of products
// taken together, never including any of the inputs. Fails with
// domain.ErrNotFound when any input product has not been indexed yet.
func (s *Service) SimilarToMany(ctx context.Context, productIDs []int64, topK int, filters map[string]string) ([]domain.Recommendation, error) {
	if err := domain.ValidateLimit(topK); err != nil {
		return nil, err
	}
	if len(productIDs) == 0 {
		return nil, domain.NewValidationError("product_ids", "", domain.ErrInvalidProductID)
	}
	hits, err := s.index.SearchByIDs(ctx, productIDs, topK, filters)
	if err != nil {
		return nil, err
	}
	s.logger.Debug("similar-to-list query served", "product_ids", len(productIDs), "results", len(hits))
	return recommendations(hits), nil
}

// Search embeds free text and returns up to topK nearest products. An empty
// query fails at the embedding step, not here.
func (s *Service) Search(ctx context.Context, text string, topK int, filters map[string]string) ([]domain.Recommendation, error) {
	if err := domain.ValidateLimit(topK); err != nil {
		return nil, err
	}
	vector, err := s.embed.Embed(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("query: embed search text: %w", err)
	}
	hits, err := s.index.SearchByVector(ctx, vector, topK, 0, filters)
	if err != nil {
		return nil, err
	}
	s.logger.Debug("text search served", "results", len(hits))
	return recommendations(hits), nil
}

// recommendations maps raw index hits onto the API shape. Hit payloads carry
// strings only; missing fields come back empty rather than erroring.
func recommendations(hits []semantic.Hit) []domain.Recommendation {
	out := make([]domain.Recommendation, len(hits))
	for i, h := range hits {
		out[i] = domain.Recommendation{
			ProductID:   h.ID,
			Name:        h.Fields["name"],
			Category:    h.Fields["category"],
			Brand:       h.Fields["brand"],
			Type:        h.Fields["type"],
			Description: h.Fields["description"],
			Score:       h.Score,
		}
	}
	return out
}
