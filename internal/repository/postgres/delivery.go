package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/ignite/audience-pipeline/internal/delivery"
	"github.com/ignite/audience-pipeline/internal/domain"
)

// DeliveryRepo implements delivery.Repository against PostgreSQL.
// Transitions are compare-and-swap on the stored status; the campaign
// counter moves in the same transaction.
type DeliveryRepo struct{ db *sql.DB }

// NewDeliveryRepo creates a Postgres-backed delivery record repository.
func NewDeliveryRepo(db *sql.DB) *DeliveryRepo { return &DeliveryRepo{db: db} }

const recordColumns = `id, campaign_id, customer_id, status, sent_at, delivered_at, opened_at,
	       clicked_at, failed_at, failure_reason, created_at, updated_at`

func scanRecord(row interface{ Scan(...any) error }, rec *domain.DeliveryRecord) error {
	return row.Scan(
		&rec.ID, &rec.CampaignID, &rec.CustomerID, &rec.Status,
		&rec.SentAt, &rec.DeliveredAt, &rec.OpenedAt, &rec.ClickedAt, &rec.FailedAt,
		&rec.FailureReason, &rec.CreatedAt, &rec.UpdatedAt,
	)
}

func scanRecords(rows *sql.Rows) ([]domain.DeliveryRecord, error) {
	var out []domain.DeliveryRecord
	for rows.Next() {
		var rec domain.DeliveryRecord
		if err := scanRecord(rows, &rec); err != nil {
			return nil, fmt.Errorf("scan delivery record: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (r *DeliveryRepo) GetRecord(ctx context.Context, id string) (*domain.DeliveryRecord, error) {
	rec := &domain.DeliveryRecord{}
	err := scanRecord(r.db.QueryRowContext(ctx, `
		SELECT `+recordColumns+`
		FROM delivery_records
		WHERE id = $1
	`, id), rec)
	if err == sql.ErrNoRows {
		return nil, delivery.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get delivery record: %w", err)
	}
	return rec, nil
}

func (r *DeliveryRepo) FindRecord(ctx context.Context, campaignID, customerID string) (*domain.DeliveryRecord, error) {
	rec := &domain.DeliveryRecord{}
	err := scanRecord(r.db.QueryRowContext(ctx, `
		SELECT `+recordColumns+`
		FROM delivery_records
		WHERE campaign_id = $1 AND customer_id = $2
	`, campaignID, customerID), rec)
	if err == sql.ErrNoRows {
		return nil, delivery.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find delivery record: %w", err)
	}
	return rec, nil
}

// ApplyTransition takes row locks in the same order as
// CampaignRepo.CreateDeliveries, campaign before record, so a transition
// that moves the counter can run alongside a re-dispatch of its campaign.
// Deadlock and serialization aborts surface as delivery.ErrConflict and
// are retried by the service.
func (r *DeliveryRepo) ApplyTransition(ctx context.Context, next *domain.DeliveryRecord, expected domain.DeliveryStatus, delta delivery.StatsDelta) error {
	err := r.applyTransition(ctx, next, expected, delta)
	if isTxAbort(err) {
		return fmt.Errorf("%w: %v", delivery.ErrConflict, err)
	}
	return err
}

func (r *DeliveryRepo) applyTransition(ctx context.Context, next *domain.DeliveryRecord, expected domain.DeliveryStatus, delta delivery.StatsDelta) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if !delta.IsZero() {
		var locked string
		err := tx.QueryRowContext(ctx,
			`SELECT id FROM campaigns WHERE id = $1 FOR UPDATE`, next.CampaignID,
		).Scan(&locked)
		if err == sql.ErrNoRows {
			return delivery.ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("lock campaign: %w", err)
		}
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE delivery_records
		SET status = $3, sent_at = $4, delivered_at = $5, opened_at = $6,
		    clicked_at = $7, failed_at = $8, failure_reason = $9, updated_at = $10
		WHERE id = $1 AND status = $2
	`, next.ID, expected, next.Status, next.SentAt, next.DeliveredAt, next.OpenedAt,
		next.ClickedAt, next.FailedAt, next.FailureReason, next.UpdatedAt)
	if err != nil {
		return fmt.Errorf("update delivery record: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		var exists bool
		if err := tx.QueryRowContext(ctx,
			`SELECT EXISTS(SELECT 1 FROM delivery_records WHERE id = $1)`, next.ID,
		).Scan(&exists); err != nil {
			return fmt.Errorf("check delivery record: %w", err)
		}
		if !exists {
			return delivery.ErrNotFound
		}
		return delivery.ErrConflict
	}

	if !delta.IsZero() {
		res, err := tx.ExecContext(ctx, `
			UPDATE campaigns
			SET sent = sent + $2, updated_at = $3
			WHERE id = $1 AND sent + $2 >= 0 AND sent + $2 <= total_recipients
		`, next.CampaignID, delta.Sent, next.UpdatedAt)
		if err != nil {
			return fmt.Errorf("update campaign stats: %w", err)
		}
		n, _ := res.RowsAffected()
		if n == 0 {
			return delivery.ErrStatsInvariant
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transition: %w", err)
	}
	return nil
}

// isTxAbort reports a deadlock_detected or serialization_failure.
func isTxAbort(err error) bool {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) {
		return false
	}
	return pqErr.Code == "40P01" || pqErr.Code == "40001"
}

func (r *DeliveryRepo) ListStale(ctx context.Context, status domain.DeliveryStatus, cutoff time.Time, limit int) ([]domain.DeliveryRecord, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+recordColumns+`
		FROM delivery_records
		WHERE status = $1 AND updated_at < $2
		ORDER BY updated_at, id
		LIMIT $3
	`, status, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("list stale records: %w", err)
	}
	defer rows.Close()
	return scanRecords(rows)
}

func (r *DeliveryRepo) ListQueued(ctx context.Context, campaignID string, limit int) ([]domain.DeliveryRecord, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+recordColumns+`
		FROM delivery_records
		WHERE campaign_id = $1 AND status = 'queued'
		ORDER BY created_at, id
		LIMIT $2
	`, campaignID, limit)
	if err != nil {
		return nil, fmt.Errorf("list queued records: %w", err)
	}
	defer rows.Close()
	return scanRecords(rows)
}

func (r *DeliveryRepo) CampaignsWithQueued(ctx context.Context, limit int) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT c.id
		FROM campaigns c
		WHERE c.dispatched_at IS NOT NULL
		  AND EXISTS (SELECT 1 FROM delivery_records d WHERE d.campaign_id = c.id AND d.status = 'queued')
		ORDER BY c.dispatched_at, c.id
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list campaigns with queued records: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan campaign id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (r *DeliveryRepo) Touch(ctx context.Context, id string, expected domain.DeliveryStatus, at time.Time) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE delivery_records SET updated_at = $3
		WHERE id = $1 AND status = $2
	`, id, expected, at)
	if err != nil {
		return fmt.Errorf("touch delivery record: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return delivery.ErrConflict
	}
	return nil
}
