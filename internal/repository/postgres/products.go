package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"

	"pricewatch/internal/domain"
)

// ProductStore is the reconciliation layer: a deduplicating upsert keyed by
// the (url, source) natural key over the products table.
type ProductStore struct {
	db *DB
}

func NewProductStore(db *DB) *ProductStore {
	return &ProductStore{db: db}
}

const productColumns = "id, name, price, url, rating, review_count, query, source, observed_at"

// Upsert writes one batch atomically. Existing rows matching an incoming
// (url, source) key are loaded in a single locking query and mutated in
// place, keeping their stored id; the rest are inserted. Racing inserts of
// the same key are resolved by the unique constraint, so two concurrent
// batches end up with one row and whichever commit applied last. Upsert is
// idempotent and all-or-nothing.
func (s *ProductStore) Upsert(ctx context.Context, items []domain.Product) ([]domain.Product, error) {
	incoming := dedupeBatch(items)
	if len(incoming) == 0 {
		return nil, nil
	}

	stored := make([]domain.Product, 0, len(incoming))
	err := s.db.Transaction(ctx, func(tx *sql.Tx) error {
		existing, err := lockExisting(ctx, tx, incoming)
		if err != nil {
			return err
		}

		updateStmt, err := tx.PrepareContext(ctx, `
			UPDATE products
			SET name = $2, price = $3, rating = $4, review_count = $5, query = $6, observed_at = $7
			WHERE id = $1`)
		if err != nil {
			return err
		}
		defer updateStmt.Close()

		insertStmt, err := tx.PrepareContext(ctx, `
			INSERT INTO products (name, price, url, rating, review_count, query, source, observed_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			ON CONFLICT (url, source) DO UPDATE SET
				name = EXCLUDED.name,
				price = EXCLUDED.price,
				rating = EXCLUDED.rating,
				review_count = EXCLUDED.review_count,
				query = EXCLUDED.query,
				observed_at = EXCLUDED.observed_at
			RETURNING id`)
		if err != nil {
			return err
		}
		defer insertStmt.Close()

		for _, item := range incoming {
			if id, ok := existing[item.Key()]; ok {
				if _, err := updateStmt.ExecContext(ctx, id,
					item.Name, item.Price, item.Rating, item.ReviewCount, item.Query, item.ObservedAt,
				); err != nil {
					return fmt.Errorf("update product %d: %w", id, err)
				}
				item.ID = id
			} else {
				var id int64
				if err := insertStmt.QueryRowContext(ctx,
					item.Name, item.Price, item.URL, item.Rating, item.ReviewCount,
					item.Query, item.Source, item.ObservedAt,
				).Scan(&id); err != nil {
					return fmt.Errorf("insert product %q: %w", item.URL, err)
				}
				item.ID = id
			}
			stored = append(stored, item)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("upsert batch of %d: %w", len(incoming), err)
	}
	return stored, nil
}

// lockExisting loads, in one query, every stored row whose (url, source)
// matches an incoming item, locking them against concurrent writers for the
// duration of the transaction.
func lockExisting(ctx context.Context, tx *sql.Tx, incoming []domain.Product) (map[domain.ProductKey]int64, error) {
	pairs := make([]string, 0, len(incoming))
	args := make([]any, 0, len(incoming)*2)
	for i, item := range incoming {
		pairs = append(pairs, fmt.Sprintf("($%d, $%d)", i*2+1, i*2+2))
		args = append(args, item.URL, item.Key().Source)
	}

	query := "SELECT id, url, source FROM products WHERE (url, source) IN (" +
		strings.Join(pairs, ", ") + ") FOR UPDATE"
	rows, err := tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("load existing products: %w", err)
	}
	defer rows.Close()

	existing := make(map[domain.ProductKey]int64, len(incoming))
	for rows.Next() {
		var id int64
		var url, source string
		if err := rows.Scan(&id, &url, &source); err != nil {
			return nil, err
		}
		existing[domain.ProductKey{URL: url, Source: source}] = id
	}
	return existing, rows.Err()
}

// dedupeBatch collapses within-batch duplicates of the same natural key,
// keeping the last occurrence, so one Upsert call never writes a key twice.
func dedupeBatch(items []domain.Product) []domain.Product {
	if len(items) == 0 {
		return nil
	}
	index := make(map[domain.ProductKey]int, len(items))
	out := make([]domain.Product, 0, len(items))
	for _, item := range items {
		item.Source = item.Key().Source
		if item.URL == "" || item.Source == "" {
			continue
		}
		if at, seen := index[item.Key()]; seen {
			out[at] = item
			continue
		}
		index[item.Key()] = len(out)
		out = append(out, item)
	}
	return out
}

// Query returns stored products matching the filter, newest observations
// first.
func (s *ProductStore) Query(ctx context.Context, filter domain.ProductFilter) ([]domain.Product, error) {
	query, args := buildProductQuery(filter)
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query products: %w", err)
	}
	defer rows.Close()

	var items []domain.Product
	for rows.Next() {
		var item domain.Product
		if err := rows.Scan(
			&item.ID, &item.Name, &item.Price, &item.URL, &item.Rating,
			&item.ReviewCount, &item.Query, &item.Source, &item.ObservedAt,
		); err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

// buildProductQuery translates a filter into SQL. Every whitespace token of
// the search text must match the stored name or the stored query
// case-insensitively; price bounds are inclusive; absent filters add no
// predicate.
func buildProductQuery(filter domain.ProductFilter) (string, []any) {
	var sb strings.Builder
	sb.WriteString("SELECT " + productColumns + " FROM products")

	var predicates []string
	var args []any
	arg := func(value any) string {
		args = append(args, value)
		return "$" + strconv.Itoa(len(args))
	}

	for _, token := range strings.Fields(filter.Search) {
		placeholder := arg("%" + token + "%")
		predicates = append(predicates,
			"(name ILIKE "+placeholder+" OR query ILIKE "+placeholder+")")
	}
	if source := strings.ToLower(strings.TrimSpace(filter.Source)); source != "" {
		predicates = append(predicates, "source = "+arg(source))
	}
	if filter.MinPrice > 0 {
		predicates = append(predicates, "price >= "+arg(filter.MinPrice))
	}
	if filter.MaxPrice > 0 {
		predicates = append(predicates, "price <= "+arg(filter.MaxPrice))
	}

	if len(predicates) > 0 {
		sb.WriteString(" WHERE " + strings.Join(predicates, " AND "))
	}
	sb.WriteString(" ORDER BY observed_at DESC, id")
	if filter.Limit > 0 {
		sb.WriteString(" LIMIT " + arg(filter.Limit))
	}
	return sb.String(), args
}
