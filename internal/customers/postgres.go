// Package customers provides the read-only customer stores that segments are
// evaluated against: a Postgres table and an NDJSON export in S3. Both
// implement segmentation.CustomerSource and campaign.CustomerLookup.
package customers

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/ignite/audience-pipeline/internal/domain"
)

// DefaultPageSize is how many customers a Postgres scan reads per query.
const DefaultPageSize = 5000

// PostgresSource reads customers from the customers table. Scans page by
// primary key so no cursor stays open while callers process a page.
type PostgresSource struct {
	db       *sql.DB
	pageSize int
}

// NewPostgresSource creates a Postgres-backed customer source.
func NewPostgresSource(db *sql.DB, pageSize int) *PostgresSource {
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	return &PostgresSource{db: db, pageSize: pageSize}
}

// Scan calls fn for every customer in id order.
func (s *PostgresSource) Scan(ctx context.Context, fn func(domain.Customer) error) error {
	after := ""
	for {
		page, err := s.page(ctx, after)
		if err != nil {
			return err
		}
		for _, c := range page {
			if err := fn(c); err != nil {
				return err
			}
		}
		if len(page) < s.pageSize {
			return nil
		}
		after = page[len(page)-1].ID
	}
}

func (s *PostgresSource) page(ctx context.Context, after string) ([]domain.Customer, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, attributes
		FROM customers
		WHERE id > $1
		ORDER BY id
		LIMIT $2
	`, after, s.pageSize)
	if err != nil {
		return nil, fmt.Errorf("scan customers: %w", err)
	}
	defer rows.Close()

	out := make([]domain.Customer, 0, s.pageSize)
	for rows.Next() {
		var (
			id    string
			attrs []byte
		)
		if err := rows.Scan(&id, &attrs); err != nil {
			return nil, fmt.Errorf("scan customer: %w", err)
		}
		c, err := decode(id, attrs)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// Lookup returns one customer by id.
func (s *PostgresSource) Lookup(ctx context.Context, id string) (domain.Customer, bool, error) {
	var attrs []byte
	err := s.db.QueryRowContext(ctx, `SELECT attributes FROM customers WHERE id = $1`, id).Scan(&attrs)
	if err == sql.ErrNoRows {
		return domain.Customer{}, false, nil
	}
	if err != nil {
		return domain.Customer{}, false, fmt.Errorf("lookup customer: %w", err)
	}
	c, err := decode(id, attrs)
	if err != nil {
		return domain.Customer{}, false, err
	}
	return c, true, nil
}

func decode(id string, attrs []byte) (domain.Customer, error) {
	c := domain.Customer{ID: id}
	if len(attrs) == 0 {
		return c, nil
	}
	if err := json.Unmarshal(attrs, &c.Attributes); err != nil {
		return c, fmt.Errorf("decode attributes of customer %s: %w", id, err)
	}
	return c, nil
}
