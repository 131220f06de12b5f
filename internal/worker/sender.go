package worker

import (
	"context"
	"errors"
	"fmt"
	"html"
	"regexp"
	"strings"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/ignite/audience-pipeline/internal/delivery"
	"github.com/ignite/audience-pipeline/internal/domain"
	"github.com/ignite/audience-pipeline/internal/mailing"
	"github.com/ignite/audience-pipeline/internal/pkg/circuitbreaker"
	"github.com/ignite/audience-pipeline/internal/pkg/distlock"
	"github.com/ignite/audience-pipeline/internal/pkg/logger"
	"github.com/ignite/audience-pipeline/internal/pkg/metrics"
	"github.com/ignite/audience-pipeline/internal/pkg/retry"
	"github.com/ignite/audience-pipeline/internal/tracking"
)

const maxReasonLen = 500

var linkRe = regexp.MustCompile(`href=["'](https?://[^"']+)["']`)

// QueueSource lists delivery records waiting to be sent.
type QueueSource interface {
	CampaignsWithQueued(ctx context.Context, limit int) ([]string, error)
	ListQueued(ctx context.Context, campaignID string, limit int) ([]domain.DeliveryRecord, error)
}

// CampaignGetter loads a campaign's template.
type CampaignGetter interface {
	Get(ctx context.Context, id string) (*domain.Campaign, error)
}

// CustomerLookup loads a recipient's attributes.
type CustomerLookup interface {
	Lookup(ctx context.Context, id string) (domain.Customer, bool, error)
}

// StatusReporter applies the outcome of a send to its delivery record.
type StatusReporter interface {
	Apply(ctx context.Context, ev domain.DeliveryEvent) (delivery.Result, error)
}

// SenderConfig tunes the sender worker.
type SenderConfig struct {
	Interval         time.Duration
	CampaignsPerPass int
	BatchSize        int
	Concurrency      int
	RatePerSecond    float64
	Burst            int
	FromName         string
	FromEmail        string
	Retry            retry.Policy
	Breaker          circuitbreaker.Config

	// LockRefresh is how often the per-campaign lock is extended while a
	// batch is being sent. Keep it well under the lock TTL.
	LockRefresh time.Duration
}

// DefaultSenderConfig returns conservative sender settings.
func DefaultSenderConfig() SenderConfig {
	return SenderConfig{
		Interval:         10 * time.Second,
		CampaignsPerPass: 20,
		BatchSize:        500,
		Concurrency:      8,
		RatePerSecond:    14,
		Burst:            14,
		LockRefresh:      30 * time.Second,
		Retry:            retry.DefaultPolicy(),
		Breaker:          circuitbreaker.DefaultConfig("transport"),
	}
}

// SendStats counts what one sender pass did.
type SendStats struct {
	Campaigns int
	Sent      int
	Failed    int
	Deferred  int
}

// Sender turns queued delivery records into outbound messages. Dispatch
// only creates records; this worker is the only caller of the transport.
// Each campaign is worked under its own distributed lock so several worker
// processes never send the same record twice.
type Sender struct {
	cfg       SenderConfig
	queue     QueueSource
	campaigns CampaignGetter
	customers CustomerLookup
	renderer  *mailing.Renderer
	transport Transport
	reporter  StatusReporter
	locks     *distlock.Factory
	links     *tracking.Links
	limiter   *rate.Limiter
	breaker   *circuitbreaker.Breaker
	kick      chan struct{}
}

// SenderOption configures a Sender.
type SenderOption func(*Sender)

// WithTrackingLinks adds an open-tracking pixel to every message body and
// routes its http(s) links through the click redirect.
func WithTrackingLinks(l *tracking.Links) SenderOption { return func(s *Sender) { s.links = l } }

// NewSender creates a sender worker.
func NewSender(cfg SenderConfig, queue QueueSource, campaigns CampaignGetter, customers CustomerLookup,
	renderer *mailing.Renderer, transport Transport, reporter StatusReporter, locks *distlock.Factory, opts ...SenderOption) *Sender {
	def := DefaultSenderConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.CampaignsPerPass <= 0 {
		cfg.CampaignsPerPass = def.CampaignsPerPass
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = def.Concurrency
	}
	if cfg.LockRefresh <= 0 {
		cfg.LockRefresh = def.LockRefresh
	}
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry = def.Retry
	}
	if cfg.Breaker.Name == "" {
		cfg.Breaker = def.Breaker
	}

	limit := rate.Inf
	if cfg.RatePerSecond > 0 {
		limit = rate.Limit(cfg.RatePerSecond)
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = cfg.Concurrency
	}

	s := &Sender{
		cfg:       cfg,
		queue:     queue,
		campaigns: campaigns,
		customers: customers,
		renderer:  renderer,
		transport: transport,
		reporter:  reporter,
		locks:     locks,
		limiter:   rate.NewLimiter(limit, burst),
		breaker: circuitbreaker.New(cfg.Breaker, func(err error) bool {
			return errors.Is(err, ErrRejected)
		}),
		kick: make(chan struct{}, 1),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Kick asks for a pass as soon as the current one finishes.
func (s *Sender) Kick() {
	select {
	case s.kick <- struct{}{}:
	default:
	}
}

// Start runs sender passes until ctx is cancelled.
func (s *Sender) Start(ctx context.Context) {
	logger.Info("sender started", "interval", s.cfg.Interval.String(), "concurrency", s.cfg.Concurrency)

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info("sender stopping")
			return
		case <-ticker.C:
		case <-s.kick:
		}
		if _, err := s.RunOnce(ctx); err != nil && ctx.Err() == nil {
			logger.Error("sender pass failed", "error", err)
		}
	}
}

// RunOnce works through every campaign with queued records whose lock it
// can take.
func (s *Sender) RunOnce(ctx context.Context) (SendStats, error) {
	var stats SendStats
	ids, err := s.queue.CampaignsWithQueued(ctx, s.cfg.CampaignsPerPass)
	if err != nil {
		return stats, fmt.Errorf("list campaigns with queued records: %w", err)
	}

	for _, id := range ids {
		var cs SendStats
		ran, err := s.withCampaignLock(ctx, id, func(ctx context.Context, lock distlock.DistLock) error {
			var err error
			cs, err = s.sendCampaign(ctx, id, lock)
			return err
		})
		stats.Sent += cs.Sent
		stats.Failed += cs.Failed
		stats.Deferred += cs.Deferred
		if ran {
			stats.Campaigns++
		}
		if errors.Is(err, circuitbreaker.ErrOpen) {
			logger.Warn("transport unavailable, pausing sends", "campaign_id", id)
			return stats, nil
		}
		if err != nil {
			if ctx.Err() != nil {
				return stats, ctx.Err()
			}
			logger.Error("campaign send failed", "campaign_id", id, "error", err)
		}
	}
	return stats, nil
}

// withCampaignLock runs fn unlocked when no lock factory is configured,
// which is only safe with a single worker process. fn gets a nil lock then.
func (s *Sender) withCampaignLock(ctx context.Context, id string, fn func(context.Context, distlock.DistLock) error) (bool, error) {
	if s.locks == nil {
		return true, fn(ctx, nil)
	}
	l := s.locks.For("campaign:" + id)
	return distlock.WithLock(ctx, l, func(ctx context.Context) error { return fn(ctx, l) })
}

// sendCampaign sends one batch of a campaign's queued records. The lock is
// refreshed between records; once it is lost no further records are started
// and the rest stay queued for whoever holds it now.
func (s *Sender) sendCampaign(ctx context.Context, campaignID string, lock distlock.DistLock) (SendStats, error) {
	c, err := s.campaigns.Get(ctx, campaignID)
	if err != nil {
		return SendStats{}, fmt.Errorf("load campaign: %w", err)
	}
	recs, err := s.queue.ListQueued(ctx, campaignID, s.cfg.BatchSize)
	if err != nil {
		return SendStats{}, fmt.Errorf("list queued records: %w", err)
	}

	var sent, failed, deferred atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.Concurrency)

	// the zero time makes the first record confirm the lock
	var (
		lockErr   error
		refreshed time.Time
	)
	for i := range recs {
		rec := recs[i]
		if err := s.limiter.Wait(gctx); err != nil {
			deferred.Add(int64(len(recs) - i))
			break
		}
		if lock != nil && time.Since(refreshed) >= s.cfg.LockRefresh {
			if err := lock.Refresh(gctx); err != nil {
				lockErr = fmt.Errorf("refresh campaign lock: %w", err)
				deferred.Add(int64(len(recs) - i))
				break
			}
			refreshed = time.Now()
		}
		g.Go(func() error {
			outcome, err := s.sendOne(gctx, c, rec)
			switch outcome {
			case domain.DeliverySent:
				sent.Add(1)
			case domain.DeliveryFailed:
				failed.Add(1)
			default:
				deferred.Add(1)
			}
			return err
		})
	}
	err = g.Wait()
	if err == nil {
		err = lockErr
	}

	stats := SendStats{Sent: int(sent.Load()), Failed: int(failed.Load()), Deferred: int(deferred.Load())}
	logger.Info("campaign batch sent", "campaign_id", campaignID,
		"sent", stats.Sent, "failed", stats.Failed, "deferred", stats.Deferred)
	return stats, err
}

// sendOne returns the status the record moved to, or "" when it was left
// queued. A non-nil error stops the rest of the campaign's batch.
func (s *Sender) sendOne(ctx context.Context, c *domain.Campaign, rec domain.DeliveryRecord) (domain.DeliveryStatus, error) {
	cust, ok, err := s.customers.Lookup(ctx, rec.CustomerID)
	if err != nil {
		return "", fmt.Errorf("lookup customer %s: %w", rec.CustomerID, err)
	}
	if !ok {
		return s.fail(ctx, rec, "customer not found")
	}
	to := cust.Email()
	if to == "" {
		return s.fail(ctx, rec, "customer has no email address")
	}

	msg, err := s.compose(c, rec, cust, to)
	if err != nil {
		return s.fail(ctx, rec, err.Error())
	}

	start := time.Now()
	var res *domain.SendResult
	err = retry.Do(ctx, s.cfg.Retry, func() error {
		err := s.breaker.Execute(ctx, func(ctx context.Context) error {
			r, err := s.transport.Send(ctx, msg)
			if err != nil {
				return err
			}
			res = r
			return nil
		})
		if errors.Is(err, ErrRejected) || errors.Is(err, circuitbreaker.ErrOpen) {
			return retry.Permanent(err)
		}
		return err
	})

	switch {
	case err == nil:
		metrics.ObserveSend("sent", time.Since(start))
		at := res.SentAt
		if at.IsZero() {
			at = time.Now().UTC()
		}
		return s.report(ctx, domain.DeliveryEvent{RecordID: rec.ID, Status: domain.DeliverySent, Timestamp: at})
	case errors.Is(err, circuitbreaker.ErrOpen):
		metrics.SenderMessagesTotal.WithLabelValues("deferred").Inc()
		return "", err
	case ctx.Err() != nil:
		return "", ctx.Err()
	default:
		metrics.ObserveSend("failed", time.Since(start))
		return s.fail(ctx, rec, err.Error())
	}
}

func (s *Sender) compose(c *domain.Campaign, rec domain.DeliveryRecord, cust domain.Customer, to string) (*domain.OutboundMessage, error) {
	out, err := s.renderer.RenderFor(c, cust)
	if err != nil {
		return nil, fmt.Errorf("render: %w", err)
	}
	for _, w := range out.Warnings {
		logger.Debug("template variable missing", "campaign_id", c.ID, "customer_id", cust.ID, "variable", w.Variable)
	}
	body := out.Body
	if s.links != nil {
		body = s.trackBody(body, rec.ID)
	}
	return &domain.OutboundMessage{
		RecordID:   rec.ID,
		CampaignID: c.ID,
		CustomerID: cust.ID,
		To:         to,
		FromName:   s.cfg.FromName,
		FromEmail:  s.cfg.FromEmail,
		Subject:    out.Subject,
		Body:       body,
	}, nil
}

// trackBody rewrites every http(s) link to the click redirect and adds the
// open pixel before </body>, or at the end when there is none.
func (s *Sender) trackBody(body, recordID string) string {
	body = linkRe.ReplaceAllStringFunc(body, func(match string) string {
		parts := linkRe.FindStringSubmatch(match)
		if len(parts) < 2 || strings.Contains(parts[1], "/track/") {
			return match
		}
		return `href="` + s.links.ClickURL(recordID, html.UnescapeString(parts[1])) + `"`
	})

	pixel := `<img src="` + s.links.OpenURL(recordID) + `" width="1" height="1" alt="" style="display:none">`
	if idx := strings.LastIndex(strings.ToLower(body), "</body>"); idx >= 0 {
		return body[:idx] + pixel + body[idx:]
	}
	return body + pixel
}

// truncateReason cuts reason to at most maxReasonLen bytes without splitting
// a multi-byte rune.
func truncateReason(reason string) string {
	if len(reason) <= maxReasonLen {
		return reason
	}
	cut := maxReasonLen
	for cut > 0 && !utf8.RuneStart(reason[cut]) {
		cut--
	}
	return reason[:cut]
}

func (s *Sender) fail(ctx context.Context, rec domain.DeliveryRecord, reason string) (domain.DeliveryStatus, error) {
	reason = truncateReason(reason)
	return s.report(ctx, domain.DeliveryEvent{
		RecordID: rec.ID, Status: domain.DeliveryFailed, FailureReason: reason, Timestamp: time.Now().UTC(),
	})
}

// report applies a send outcome. The record may have moved on since it was
// listed, e.g. failed by the stale sweeper; that is logged, not an error.
func (s *Sender) report(ctx context.Context, ev domain.DeliveryEvent) (domain.DeliveryStatus, error) {
	_, err := s.reporter.Apply(ctx, ev)
	switch {
	case err == nil:
		metrics.SenderMessagesTotal.WithLabelValues(string(ev.Status)).Inc()
		return ev.Status, nil
	case errors.Is(err, delivery.ErrInvalidTransition), errors.Is(err, delivery.ErrNotFound):
		logger.Warn("send outcome not applied", "record_id", ev.RecordID, "status", string(ev.Status), "error", err)
		return "", nil
	default:
		return "", fmt.Errorf("report %s for record %s: %w", ev.Status, ev.RecordID, err)
	}
}
