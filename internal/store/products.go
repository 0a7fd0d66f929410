package store

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
)

const productColumns = `id, slug, title, description, price_minor, currency, download_url, active, created_at, updated_at`

// ListActiveProducts returns all purchasable products ordered by title.
func (s *Store) ListActiveProducts(ctx context.Context, limit, offset int32) ([]Product, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(ctx, `SELECT `+productColumns+`
FROM products
WHERE active
ORDER BY title
LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var products []Product
	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, err
		}
		products = append(products, p)
	}
	return products, rows.Err()
}

// CountActiveProducts returns the number of purchasable products.
func (s *Store) CountActiveProducts(ctx context.Context) (int64, error) {
	var total int64
	err := s.db.QueryRow(ctx, `SELECT count(*) FROM products WHERE active`).Scan(&total)
	return total, err
}

// GetProductBySlug fetches a single product by its slug.
func (s *Store) GetProductBySlug(ctx context.Context, slug string) (Product, error) {
	row := s.db.QueryRow(ctx, `SELECT `+productColumns+`
FROM products
WHERE slug = $1`, slug)
	return scanProduct(row)
}

// GetProductByID fetches a single product by primary key.
func (s *Store) GetProductByID(ctx context.Context, id pgtype.UUID) (Product, error) {
	row := s.db.QueryRow(ctx, `SELECT `+productColumns+`
FROM products
WHERE id = $1`, id)
	return scanProduct(row)
}

func scanProduct(row pgx.Row) (Product, error) {
	var p Product
	err := row.Scan(
		&p.ID,
		&p.Slug,
		&p.Title,
		&p.Description,
		&p.PriceMinor,
		&p.Currency,
		&p.DownloadURL,
		&p.Active,
		&p.CreatedAt,
		&p.UpdatedAt,
	)
	return p, err
}
