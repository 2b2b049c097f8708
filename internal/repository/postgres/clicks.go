package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"pricewatch/internal/domain"
)

// ClickStore records outbound clicks against a stored product identity.
// Because clicks reference products by id, the reconciliation store's
// collapse-into-one-row invariant keeps these counters attached across
// re-observations of the same listing.
type ClickStore struct {
	db *DB
}

func NewClickStore(db *DB) *ClickStore {
	return &ClickStore{db: db}
}

func (s *ClickStore) Record(ctx context.Context, productID int64) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO clicks (product_id, created_at) VALUES ($1, now())", productID)
	if err != nil {
		var pqErr *pq.Error
		// 23503 = foreign_key_violation: the product id does not exist.
		if errors.As(err, &pqErr) && pqErr.Code == "23503" {
			return domain.ErrNotFound
		}
		return fmt.Errorf("record click: %w", err)
	}
	return nil
}

// CountByProduct counts clicks for one product, optionally since a cutoff.
func (s *ClickStore) CountByProduct(ctx context.Context, productID int64, since time.Time) (int64, error) {
	query := "SELECT count(*) FROM clicks WHERE product_id = $1"
	args := []any{productID}
	if !since.IsZero() {
		query += " AND created_at >= $2"
		args = append(args, since)
	}

	var count int64
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&count); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, nil
		}
		return 0, fmt.Errorf("count clicks: %w", err)
	}
	return count, nil
}

// CountBySource counts clicks joined through products for one source.
func (s *ClickStore) CountBySource(ctx context.Context, source string, since time.Time) (int64, error) {
	query := `
		SELECT count(*)
		FROM clicks c
		JOIN products p ON p.id = c.product_id
		WHERE p.source = $1`
	args := []any{source}
	if !since.IsZero() {
		query += " AND c.created_at >= $2"
		args = append(args, since)
	}

	var count int64
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("count clicks by source: %w", err)
	}
	return count, nil
}
