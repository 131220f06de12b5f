package worker

import (
	"context"
	"time"

	"github.com/ignite/audience-pipeline/internal/delivery"
	"github.com/ignite/audience-pipeline/internal/domain"
	"github.com/ignite/audience-pipeline/internal/pkg/distlock"
	"github.com/ignite/audience-pipeline/internal/pkg/logger"
)

// DefaultSweepInterval is how often the sweeper looks for stuck records.
const DefaultSweepInterval = 2 * time.Minute

// StaleSweeper is the part of the delivery service the sweeper drives.
type StaleSweeper interface {
	SweepStale(ctx context.Context, p delivery.StalePolicy) (delivery.SweepResult, error)
}

// SweepWorker periodically fails or requeues delivery records that stopped
// making progress. Only one process sweeps at a time.
type SweepWorker struct {
	svc       StaleSweeper
	policy    delivery.StalePolicy
	interval  time.Duration
	lock      distlock.DistLock
	onRequeue func(ctx context.Context, recs []domain.DeliveryRecord)
}

// SweepOption configures a SweepWorker.
type SweepOption func(*SweepWorker)

// WithRequeueHook is called with the records a sweep put back in line,
// typically to kick the sender.
func WithRequeueHook(fn func(ctx context.Context, recs []domain.DeliveryRecord)) SweepOption {
	return func(w *SweepWorker) { w.onRequeue = fn }
}

// WithSweepLock makes the sweeper skip passes while another process holds l.
func WithSweepLock(l distlock.DistLock) SweepOption {
	return func(w *SweepWorker) { w.lock = l }
}

func NewSweepWorker(svc StaleSweeper, policy delivery.StalePolicy, interval time.Duration, opts ...SweepOption) *SweepWorker {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	w := &SweepWorker{svc: svc, policy: policy, interval: interval}
	for _, o := range opts {
		o(w)
	}
	return w
}

// Start runs the sweep loop. It blocks until ctx is cancelled.
func (w *SweepWorker) Start(ctx context.Context) {
	logger.Info("stale sweeper started", "interval", w.interval.String(),
		"queued_action", string(w.policy.Queued.Action), "sent_action", string(w.policy.Sent.Action))

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info("stale sweeper stopping")
			return
		case <-ticker.C:
			if _, _, err := w.RunOnce(ctx); err != nil && ctx.Err() == nil {
				logger.Error("stale sweep failed", "error", err)
			}
		}
	}
}

// RunOnce performs one sweep. ran is false when another process held the
// sweep lock.
func (w *SweepWorker) RunOnce(ctx context.Context) (res delivery.SweepResult, ran bool, err error) {
	sweep := func(ctx context.Context) error {
		sctx, cancel := context.WithTimeout(ctx, w.interval)
		defer cancel()
		res, err = w.svc.SweepStale(sctx, w.policy)
		return err
	}
	if w.lock != nil {
		ran, err = distlock.WithLock(ctx, w.lock, sweep)
	} else {
		ran, err = true, sweep(ctx)
	}
	if !ran {
		return res, false, err
	}

	if res.Failed > 0 || len(res.Requeued) > 0 {
		logger.Info("stale records swept", "failed", res.Failed, "requeued", len(res.Requeued))
	}
	if len(res.Requeued) > 0 && w.onRequeue != nil {
		w.onRequeue(ctx, res.Requeued)
	}
	return res, true, err
}
