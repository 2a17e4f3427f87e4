// Package catalog is the sole owner of all Postgres operations: reading
// pending products, writing back indexed status, and the sync history log.
package catalog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/shopstack/recsync/engine/domain"
	"github.com/shopstack/recsync/pkg/fn"
)

// Store wraps the relational product catalog.
type Store struct {
	db    *sql.DB
	retry fn.RetryOpts
}

// New opens a Postgres connection pool and verifies connectivity.
func New(databaseURL string) (*Store, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("catalog: open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(context.Background()); err != nil {
		return nil, fmt.Errorf("catalog: ping database: %w", err)
	}

	return NewWithDB(db), nil
}

// NewWithDB wraps an existing database handle.
func NewWithDB(db *sql.DB) *Store {
	return &Store{db: db, retry: fn.DefaultRetry}
}

// Close closes the connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

const productColumns = `product_id, name, category, brand, type, description, qdrant_indexed, qdrant_indexed_at`

func scanProducts(rows *sql.Rows) ([]domain.Product, error) {
	var out []domain.Product
	for rows.Next() {
		var p domain.Product
		var indexedAt sql.NullTime
		if err := rows.Scan(&p.ID, &p.Name, &p.Category, &p.Brand, &p.Type, &p.Description, &p.Indexed, &indexedAt); err != nil {
			return nil, fmt.Errorf("catalog: scan product: %w", err)
		}
		if indexedAt.Valid {
			t := indexedAt.Time
			p.IndexedAt = &t
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// FetchPending returns up to limit products not yet reflected in the vector
// index, oldest id first. An empty slice means nothing is pending.
func (s *Store) FetchPending(ctx context.Context, limit int) ([]domain.Product, error) {
	query := `SELECT ` + productColumns + `
	          FROM products
	          WHERE qdrant_indexed = FALSE OR qdrant_indexed IS NULL
	          ORDER BY product_id
	          LIMIT $1`
	return fn.Do(ctx, s.retry, func(ctx context.Context) ([]domain.Product, error) {
		rows, err := s.db.QueryContext(ctx, query, limit)
		if err != nil {
			return nil, fmt.Errorf("catalog: fetch pending: %w", err)
		}
		defer rows.Close()
		return scanProducts(rows)
	})
}

// FetchAll returns up to limit products regardless of indexed status, oldest
// id first. Used for forced re-indexing.
func (s *Store) FetchAll(ctx context.Context, limit int) ([]domain.Product, error) {
	query := `SELECT ` + productColumns + `
	          FROM products
	          ORDER BY product_id
	          LIMIT $1`
	return fn.Do(ctx, s.retry, func(ctx context.Context) ([]domain.Product, error) {
		rows, err := s.db.QueryContext(ctx, query, limit)
		if err != nil {
			return nil, fmt.Errorf("catalog: fetch all: %w", err)
		}
		defer rows.Close()
		return scanProducts(rows)
	})
}

// MarkIndexed flips qdrant_indexed for exactly the given ids in one atomic
// statement. Rows already indexed are untouched, so the first successful
// mark's timestamp is never overwritten and re-marking is a no-op.
func (s *Store) MarkIndexed(ctx context.Context, ids []int64) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	query := `UPDATE products
	          SET qdrant_indexed = TRUE, qdrant_indexed_at = NOW()
	          WHERE product_id = ANY($1) AND (qdrant_indexed = FALSE OR qdrant_indexed IS NULL)`
	return fn.Do(ctx, s.retry, func(ctx context.Context) (int64, error) {
		res, err := s.db.ExecContext(ctx, query, pq.Array(ids))
		if err != nil {
			return 0, fmt.Errorf("catalog: mark indexed: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return 0, fmt.Errorf("catalog: mark indexed rows: %w", err)
		}
		return n, nil
	})
}

// TestConnection verifies database connectivity. No side effects.
func (s *Store) TestConnection(ctx context.Context) error {
	_, err := fn.Do(ctx, s.retry, func(ctx context.Context) (struct{}, error) {
		var one int
		if err := s.db.QueryRowContext(ctx, `SELECT 1`).Scan(&one); err != nil {
			return struct{}{}, fmt.Errorf("catalog: connection test: %w", err)
		}
		return struct{}{}, nil
	})
	return err
}

// SyncRecord is one completed run as stored in sync_history.
type SyncRecord struct {
	SyncID      string    `json:"sync_id"`
	StartedAt   time.Time `json:"started_at"`
	CompletedAt time.Time `json:"completed_at"`
	Duration    float64   `json:"duration_seconds"`
	Total       int       `json:"total_products"`
	Processed   int       `json:"processed_products"`
	Failed      int       `json:"failed_products"`
	Status      string    `json:"status"`
}

// EnsureSchema creates the sync_history table if it does not exist. The
// products table is owned by the external catalog process and never created here.
func (s *Store) EnsureSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS sync_history (
			id SERIAL PRIMARY KEY,
			sync_id UUID UNIQUE NOT NULL,
			started_at TIMESTAMP NOT NULL,
			completed_at TIMESTAMP NOT NULL,
			duration_seconds FLOAT NOT NULL,
			total_products INT NOT NULL,
			processed_products INT NOT NULL,
			failed_products INT NOT NULL,
			status VARCHAR(20) NOT NULL,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)`)
	if err != nil {
		return fmt.Errorf("catalog: ensure schema: %w", err)
	}
	return nil
}

// RecordRun appends a completed run to sync_history.
func (s *Store) RecordRun(ctx context.Context, rec SyncRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sync_history
			(sync_id, started_at, completed_at, duration_seconds,
			 total_products, processed_products, failed_products, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		rec.SyncID, rec.StartedAt, rec.CompletedAt, rec.Duration,
		rec.Total, rec.Processed, rec.Failed, rec.Status)
	if err != nil {
		return fmt.Errorf("catalog: record run: %w", err)
	}
	return nil
}

// LastRun returns the most recent sync_history row, or nil if none exists.
func (s *Store) LastRun(ctx context.Context) (*SyncRecord, error) {
	var rec SyncRecord
	err := s.db.QueryRowContext(ctx, `
		SELECT sync_id, started_at, completed_at, duration_seconds,
		       total_products, processed_products, failed_products, status
		FROM sync_history
		ORDER BY started_at DESC
		LIMIT 1`).Scan(
		&rec.SyncID, &rec.StartedAt, &rec.CompletedAt, &rec.Duration,
		&rec.Total, &rec.Processed, &rec.Failed, &rec.Status)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("catalog: last run: %w", err)
	}
	return &rec, nil
}
