package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ignite/audience-pipeline/internal/domain"
	"github.com/ignite/audience-pipeline/internal/service/segment"
)

// SegmentRepo implements segment.Repository against PostgreSQL.
type SegmentRepo struct{ db *sql.DB }

// NewSegmentRepo creates a Postgres-backed segment repository.
func NewSegmentRepo(db *sql.DB) *SegmentRepo { return &SegmentRepo{db: db} }

const segmentColumns = `id, name, COALESCE(description,''), rules, estimated_count,
	       estimated_at, created_at, updated_at`

func scanSegment(row interface{ Scan(...any) error }, s *domain.Segment) error {
	var rules []byte
	if err := row.Scan(&s.ID, &s.Name, &s.Description, &rules, &s.EstimatedCount,
		&s.EstimatedAt, &s.CreatedAt, &s.UpdatedAt); err != nil {
		return err
	}
	s.Rules = json.RawMessage(rules)
	return nil
}

func (r *SegmentRepo) Create(ctx context.Context, s *domain.Segment) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO segments
			(id, name, description, rules, estimated_count, estimated_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, s.ID, s.Name, s.Description, []byte(s.Rules), s.EstimatedCount, s.EstimatedAt, s.CreatedAt, s.UpdatedAt)
	if err != nil {
		return fmt.Errorf("create segment: %w", err)
	}
	return nil
}

func (r *SegmentRepo) Get(ctx context.Context, id string) (*domain.Segment, error) {
	s := &domain.Segment{}
	err := scanSegment(r.db.QueryRowContext(ctx, `
		SELECT `+segmentColumns+`
		FROM segments
		WHERE id = $1
	`, id), s)
	if err == sql.ErrNoRows {
		return nil, segment.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get segment: %w", err)
	}
	return s, nil
}

func (r *SegmentRepo) List(ctx context.Context, f segment.ListFilter) ([]domain.Segment, int, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}

	where := ""
	args := []interface{}{}
	if f.Search != "" {
		where = " WHERE name ILIKE $1"
		args = append(args, containsPattern(f.Search))
	}

	var total int
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM segments`+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count segments: %w", err)
	}

	q := `SELECT ` + segmentColumns + ` FROM segments` + where +
		fmt.Sprintf(" ORDER BY created_at DESC, id LIMIT $%d OFFSET $%d", len(args)+1, len(args)+2)
	args = append(args, limit, f.Offset)

	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list segments: %w", err)
	}
	defer rows.Close()

	var out []domain.Segment
	for rows.Next() {
		var s domain.Segment
		if err := scanSegment(rows, &s); err != nil {
			return nil, 0, fmt.Errorf("scan segment: %w", err)
		}
		out = append(out, s)
	}
	return out, total, rows.Err()
}

func (r *SegmentRepo) ReplaceRules(ctx context.Context, id string, rules json.RawMessage, estimate int, at time.Time) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE segments
		SET rules = $2, estimated_count = $3, estimated_at = $4, updated_at = $4
		WHERE id = $1
	`, id, []byte(rules), estimate, at)
	if err != nil {
		return fmt.Errorf("replace segment rules: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return segment.ErrNotFound
	}
	return nil
}

func (r *SegmentRepo) UpdateEstimate(ctx context.Context, id string, estimate int, at time.Time) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE segments SET estimated_count = $2, estimated_at = $3
		WHERE id = $1
	`, id, estimate, at)
	if err != nil {
		return fmt.Errorf("update segment estimate: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return segment.ErrNotFound
	}
	return nil
}
