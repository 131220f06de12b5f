package campaign

import (
	"context"
	"fmt"
	"time"

	"github.com/ignite/audience-pipeline/internal/pkg/logger"
	"github.com/ignite/audience-pipeline/internal/pkg/metrics"
	"github.com/ignite/audience-pipeline/internal/segmentation"
)

// DispatchResult reports what a dispatch did.
type DispatchResult struct {
	CampaignID      string `json:"campaign_id"`
	Created         int    `json:"created"`
	TotalRecipients int    `json:"total_recipients"`
}

// Dispatch expands the campaign's segment into recipients.
//
// The segment is evaluated against live customer data and one queued
// delivery record is created per matching customer that does not already
// have one. Existing records are never touched, so retrying after a partial
// failure, or racing another dispatch, only fills in what is missing.
// total_recipients always equals the campaign's record count afterwards.
// Dispatch never calls the transport.
func (s *Service) Dispatch(ctx context.Context, id string) (*DispatchResult, error) {
	c, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	tree, err := s.resolveSegment(ctx, c.SegmentID)
	if err != nil {
		return nil, err
	}

	now := s.now().UTC()
	res := &DispatchResult{CampaignID: c.ID}
	start := time.Now()
	batch := make([]string, 0, s.batchSize)
	flush := func() error {
		created, total, err := s.repo.CreateDeliveries(ctx, c.ID, batch, now)
		if err != nil {
			return fmt.Errorf("create deliveries: %w", err)
		}
		metrics.DispatchRecordsTotal.WithLabelValues("created").Add(float64(created))
		metrics.DispatchRecordsTotal.WithLabelValues("existing").Add(float64(len(batch) - created))
		res.Created += created
		res.TotalRecipients = total
		batch = batch[:0]
		return nil
	}

	for customerID, err := range segmentation.Select(ctx, tree, s.source) {
		if err != nil {
			return nil, fmt.Errorf("select audience: %w", err)
		}
		batch = append(batch, customerID)
		if len(batch) == s.batchSize {
			if err := flush(); err != nil {
				return nil, err
			}
		}
	}
	// the final flush also recounts when nothing matched
	if err := flush(); err != nil {
		return nil, err
	}
	// only a dispatch whose audience was fully expanded counts as dispatched;
	// a failed one stays pending and the sender leaves its records alone
	if err := s.repo.MarkDispatched(ctx, c.ID, now); err != nil {
		return nil, fmt.Errorf("mark dispatched: %w", err)
	}
	metrics.ObserveScan("dispatch", time.Since(start))

	logger.Info("campaign dispatched",
		"campaign_id", c.ID, "created", res.Created, "total_recipients", res.TotalRecipients)
	return res, nil
}
