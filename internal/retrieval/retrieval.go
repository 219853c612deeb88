// Package retrieval looks up knowledge passages relevant to a query.
package retrieval

import (
	"context"

	"github.com/loomlock/companion/internal/domain"
)

// Retriever returns the passages most relevant to query, best first.
type Retriever interface {
	Search(ctx context.Context, query string) ([]domain.Passage, error)
}

// Noop is used when no retrieval service is configured.
type Noop struct{}

func (Noop) Search(context.Context, string) ([]domain.Passage, error) { return nil, nil }
