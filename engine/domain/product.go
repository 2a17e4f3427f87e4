// Package domain holds the core product model and the error kinds shared by
// the sync and query services.
package domain

import (
	"fmt"
	"time"
)

// Product is a row in the relational catalog. Rows are created and updated by
// an external catalog process; this service only flips the indexing columns.
type Product struct {
	ID          int64      `json:"product_id"`
	Name        string     `json:"name"`
	Category    string     `json:"category"`
	Brand       string     `json:"brand"`
	Type        string     `json:"type"`
	Description string     `json:"description"`
	Indexed     bool       `json:"qdrant_indexed"`
	IndexedAt   *time.Time `json:"qdrant_indexed_at,omitempty"`
}

// EmbeddingText renders the product fields into the single string fed to the
// embedding model. The rendering is stable: same product, same text.
func (p Product) EmbeddingText() string {
	return fmt.Sprintf("Product: %s | Brand: %s | Category: %s | Type: %s | Description: %s",
		p.Name, p.Brand, p.Category, p.Type, p.Description)
}

// Payload returns the denormalized metadata stored alongside the vector so
// query responses need no second catalog lookup.
func (p Product) Payload() map[string]any {
	return map[string]any{
		"product_id":  p.ID,
		"name":        p.Name,
		"category":    p.Category,
		"brand":       p.Brand,
		"type":        p.Type,
		"description": p.Description,
	}
}

// Recommendation is a single ranked query hit, built from a vector point's
// payload and similarity score.
type Recommendation struct {
	ProductID   int64   `json:"product_id"`
	Name        string  `json:"name"`
	Category    string  `json:"category"`
	Brand       string  `json:"brand"`
	Type        string  `json:"type"`
	Description string  `json:"description"`
	Score       float32 `json:"similarity_score"`
}
