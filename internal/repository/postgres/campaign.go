package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/ignite/audience-pipeline/internal/delivery"
	"github.com/ignite/audience-pipeline/internal/domain"
	"github.com/ignite/audience-pipeline/internal/service/campaign"
)

// CampaignRepo implements campaign.Repository against PostgreSQL.
type CampaignRepo struct{ db *sql.DB }

// NewCampaignRepo creates a Postgres-backed campaign repository.
func NewCampaignRepo(db *sql.DB) *CampaignRepo { return &CampaignRepo{db: db} }

const campaignColumns = `id, name, subject, body, segment_id, total_recipients, sent,
	       dispatched_at, created_at, updated_at`

func scanCampaign(row interface{ Scan(...any) error }, c *domain.Campaign) error {
	return row.Scan(
		&c.ID, &c.Name, &c.Template.Subject, &c.Template.Body, &c.SegmentID,
		&c.Stats.TotalRecipients, &c.Stats.Sent, &c.DispatchedAt, &c.CreatedAt, &c.UpdatedAt,
	)
}

func (r *CampaignRepo) Get(ctx context.Context, id string) (*domain.Campaign, error) {
	c := &domain.Campaign{}
	err := scanCampaign(r.db.QueryRowContext(ctx, `
		SELECT `+campaignColumns+`
		FROM campaigns
		WHERE id = $1
	`, id), c)
	if err == sql.ErrNoRows {
		return nil, campaign.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get campaign: %w", err)
	}
	return c, nil
}

func (r *CampaignRepo) List(ctx context.Context, f campaign.ListFilter) ([]domain.Campaign, int, error) {
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
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM campaigns`+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count campaigns: %w", err)
	}

	q := `SELECT ` + campaignColumns + ` FROM campaigns` + where +
		fmt.Sprintf(" ORDER BY created_at DESC, id LIMIT $%d OFFSET $%d", len(args)+1, len(args)+2)
	args = append(args, limit, f.Offset)

	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list campaigns: %w", err)
	}
	defer rows.Close()

	var out []domain.Campaign
	for rows.Next() {
		var c domain.Campaign
		if err := scanCampaign(rows, &c); err != nil {
			return nil, 0, fmt.Errorf("scan campaign: %w", err)
		}
		out = append(out, c)
	}
	return out, total, rows.Err()
}

func (r *CampaignRepo) Create(ctx context.Context, c *domain.Campaign) (string, error) {
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO campaigns
			(id, name, subject, body, segment_id, total_recipients, sent, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, 0, 0, $6, $7)
	`, c.ID, c.Name, c.Template.Subject, c.Template.Body, c.SegmentID, c.CreatedAt, c.UpdatedAt)
	if err != nil {
		return "", fmt.Errorf("create campaign: %w", err)
	}
	return c.ID, nil
}

func (r *CampaignRepo) MarkDispatched(ctx context.Context, id string, at time.Time) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE campaigns
		SET dispatched_at = COALESCE(dispatched_at, $2), updated_at = $2
		WHERE id = $1
	`, id, at)
	if err != nil {
		return fmt.Errorf("mark dispatched: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return campaign.ErrNotFound
	}
	return nil
}

// CreateDeliveries locks the campaign row so concurrent dispatches of the
// same campaign serialize on the recount.
func (r *CampaignRepo) CreateDeliveries(ctx context.Context, campaignID string, customerIDs []string, at time.Time) (int, int, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, 0, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var locked string
	err = tx.QueryRowContext(ctx, `SELECT id FROM campaigns WHERE id = $1 FOR UPDATE`, campaignID).Scan(&locked)
	if err == sql.ErrNoRows {
		return 0, 0, campaign.ErrNotFound
	}
	if err != nil {
		return 0, 0, fmt.Errorf("lock campaign: %w", err)
	}

	created := 0
	if len(customerIDs) > 0 {
		ids := make([]string, len(customerIDs))
		for i := range ids {
			ids[i] = uuid.New().String()
		}
		res, err := tx.ExecContext(ctx, `
			INSERT INTO delivery_records (id, campaign_id, customer_id, status, created_at, updated_at)
			SELECT rec.id, $1, rec.customer_id, 'queued', $4, $4
			FROM unnest($2::uuid[], $3::text[]) AS rec(id, customer_id)
			ON CONFLICT (campaign_id, customer_id) DO NOTHING
		`, campaignID, pq.Array(ids), pq.Array(customerIDs), at)
		if err != nil {
			return 0, 0, fmt.Errorf("insert deliveries: %w", err)
		}
		n, _ := res.RowsAffected()
		created = int(n)
	}

	var total int
	if err := tx.QueryRowContext(ctx, `
		UPDATE campaigns
		SET total_recipients = (SELECT COUNT(*) FROM delivery_records WHERE campaign_id = $1),
		    updated_at = $2
		WHERE id = $1
		RETURNING total_recipients
	`, campaignID, at).Scan(&total); err != nil {
		return 0, 0, fmt.Errorf("recount recipients: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, 0, fmt.Errorf("commit deliveries: %w", err)
	}
	return created, total, nil
}

func (r *CampaignRepo) StatusCounts(ctx context.Context, campaignID string) (delivery.StatusCounts, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT status, COUNT(*)
		FROM delivery_records
		WHERE campaign_id = $1
		GROUP BY status
	`, campaignID)
	if err != nil {
		return nil, fmt.Errorf("count statuses: %w", err)
	}
	defer rows.Close()

	counts := delivery.StatusCounts{}
	for rows.Next() {
		var (
			status domain.DeliveryStatus
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan status count: %w", err)
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

// containsPattern builds a LIKE pattern matching s anywhere, with s's own
// wildcards taken literally.
func containsPattern(s string) string {
	return "%" + likeEscaper.Replace(s) + "%"
}

func (r *CampaignRepo) ListDeliveries(ctx context.Context, campaignID string, f campaign.DeliveryFilter) ([]domain.DeliveryRecord, int, error) {
	where := " WHERE campaign_id = $1"
	args := []interface{}{campaignID}
	if f.Status != "" {
		args = append(args, f.Status)
		where += fmt.Sprintf(" AND status = $%d", len(args))
	}
	if f.Search != "" {
		args = append(args, containsPattern(f.Search))
		where += fmt.Sprintf(" AND customer_id LIKE $%d", len(args))
	}

	var total int
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM delivery_records`+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count deliveries: %w", err)
	}

	q := `SELECT ` + recordColumns + ` FROM delivery_records` + where + ` ORDER BY created_at, id`
	if f.Limit > 0 {
		args = append(args, f.Limit, f.Offset)
		q += fmt.Sprintf(" LIMIT $%d OFFSET $%d", len(args)-1, len(args))
	}

	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list deliveries: %w", err)
	}
	defer rows.Close()

	out, err := scanRecords(rows)
	if err != nil {
		return nil, 0, err
	}
	return out, total, nil
}
