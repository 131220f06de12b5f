package worker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/audience-pipeline/internal/delivery"
	"github.com/ignite/audience-pipeline/internal/domain"
	"github.com/ignite/audience-pipeline/internal/mailing"
	"github.com/ignite/audience-pipeline/internal/pkg/circuitbreaker"
	"github.com/ignite/audience-pipeline/internal/pkg/distlock"
	"github.com/ignite/audience-pipeline/internal/pkg/retry"
	"github.com/ignite/audience-pipeline/internal/repository/memory"
	"github.com/ignite/audience-pipeline/internal/service/campaign"
	"github.com/ignite/audience-pipeline/internal/tracking"
)

var base = time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)

type customerMap map[string]domain.Customer

func (m customerMap) Lookup(_ context.Context, id string) (domain.Customer, bool, error) {
	c, ok := m[id]
	return c, ok, nil
}

// fakeTransport records every message and answers with respond.
type fakeTransport struct {
	mu      sync.Mutex
	sent    []*domain.OutboundMessage
	calls   map[string]int
	respond func(msg *domain.OutboundMessage, attempt int) error
}

func (f *fakeTransport) Send(_ context.Context, msg *domain.OutboundMessage) (*domain.SendResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.calls == nil {
		f.calls = make(map[string]int)
	}
	f.calls[msg.CustomerID]++
	if f.respond != nil {
		if err := f.respond(msg, f.calls[msg.CustomerID]); err != nil {
			return nil, err
		}
	}
	f.sent = append(f.sent, msg)
	return &domain.SendResult{MessageID: "m-" + msg.RecordID, SentAt: base.Add(time.Minute)}, nil
}

func (f *fakeTransport) callsFor(customerID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[customerID]
}

type senderEnv struct {
	mr        *miniredis.Miniredis
	store     *memory.Store
	deliv     *delivery.Service
	transport *fakeTransport
	locks     *distlock.Factory
	customers customerMap
}

func newSenderEnv(t *testing.T, customers ...domain.Customer) *senderEnv {
	t.Helper()
	ctx := context.Background()

	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	store := memory.NewStore()
	id, err := store.Campaigns().Create(ctx, &domain.Campaign{
		ID:   "camp-1",
		Name: "Spring",
		Template: domain.MessageTemplate{
			Subject: "Hello {{ name }}",
			Body: `<html><body><p>Hi {{ name }}</p>` +
				`<a href="https://shop.example/sale?src=mail&amp;id=7">Sale</a> ` +
				`<a href="mailto:help@shop.example">Help</a></body></html>`,
		},
		CreatedAt: base,
	})
	require.NoError(t, err)
	require.NoError(t, store.Campaigns().MarkDispatched(ctx, id, base))

	byID := customerMap{}
	ids := make([]string, 0, len(customers))
	for _, c := range customers {
		byID[c.ID] = c
		ids = append(ids, c.ID)
	}
	_, _, err = store.Campaigns().CreateDeliveries(ctx, id, ids, base)
	require.NoError(t, err)

	return &senderEnv{
		mr:        mr,
		store:     store,
		deliv:     delivery.NewService(store.Deliveries()),
		transport: &fakeTransport{},
		locks:     distlock.NewFactory(rdb, nil, "test:", time.Minute),
		customers: byID,
	}
}

func (e *senderEnv) sender(cfg SenderConfig, opts ...SenderOption) *Sender {
	return NewSender(cfg, e.store.Deliveries(), e.store.Campaigns(), e.customers,
		mailing.NewRenderer(), e.transport, e.deliv, e.locks, opts...)
}

func (e *senderEnv) statuses(t *testing.T) map[string]domain.DeliveryRecord {
	t.Helper()
	recs, _, err := e.store.Campaigns().ListDeliveries(context.Background(), "camp-1", campaign.DeliveryFilter{})
	require.NoError(t, err)
	out := make(map[string]domain.DeliveryRecord, len(recs))
	for _, r := range recs {
		out[r.CustomerID] = r
	}
	return out
}

func person(id, email string) domain.Customer {
	attrs := map[string]any{"name": "Customer " + id}
	if email != "" {
		attrs["email"] = email
	}
	return domain.Customer{ID: id, Attributes: attrs}
}

func fastRetry(attempts int) retry.Policy {
	return retry.Policy{MaxAttempts: attempts, InitialInterval: time.Millisecond, MaxInterval: time.Millisecond, Multiplier: 1}
}

func TestSender_SendsQueuedRecords(t *testing.T) {
	e := newSenderEnv(t, person("c1", "a@example.com"), person("c2", "b@example.com"), person("c3", ""))
	links := tracking.NewLinks("https://t.example.com", "secret")
	s := e.sender(SenderConfig{FromName: "Shop", FromEmail: "news@example.com"}, WithTrackingLinks(links))

	stats, err := s.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, SendStats{Campaigns: 1, Sent: 2, Failed: 1}, stats)

	recs := e.statuses(t)
	assert.Equal(t, domain.DeliverySent, recs["c1"].Status)
	require.NotNil(t, recs["c1"].SentAt)
	assert.Equal(t, base.Add(time.Minute), *recs["c1"].SentAt)
	assert.Equal(t, domain.DeliverySent, recs["c2"].Status)
	assert.Equal(t, domain.DeliveryFailed, recs["c3"].Status)
	assert.Equal(t, "customer has no email address", recs["c3"].FailureReason)

	require.Len(t, e.transport.sent, 2)
	for _, msg := range e.transport.sent {
		assert.Equal(t, "Hello Customer "+msg.CustomerID, msg.Subject)
		assert.Equal(t, "news@example.com", msg.FromEmail)
		assert.Equal(t, "camp-1", msg.CampaignID)
		assert.Contains(t, msg.Body, links.OpenURL(msg.RecordID))
	}

	c, err := e.store.Campaigns().Get(context.Background(), "camp-1")
	require.NoError(t, err)
	assert.Equal(t, 2, c.Stats.Sent)

	stats, err = s.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, SendStats{}, stats, "nothing left to send")
}

func TestSender_RewritesLinksForClickTracking(t *testing.T) {
	e := newSenderEnv(t, person("c1", "a@example.com"))
	links := tracking.NewLinks("https://t.example.com", "secret")

	_, err := e.sender(SenderConfig{}, WithTrackingLinks(links)).RunOnce(context.Background())
	require.NoError(t, err)
	require.Len(t, e.transport.sent, 1)
	msg := e.transport.sent[0]

	click := links.ClickURL(msg.RecordID, "https://shop.example/sale?src=mail&id=7")
	assert.Contains(t, msg.Body, `<a href="`+click+`">Sale</a>`)
	assert.Contains(t, msg.Body, "/track/click/")
	assert.NotContains(t, msg.Body, `href="https://shop.example`)
	assert.Contains(t, msg.Body, `href="mailto:help@shop.example"`, "non-http links are left alone")

	pixel := strings.Index(msg.Body, links.OpenURL(msg.RecordID))
	require.GreaterOrEqual(t, pixel, 0)
	assert.Less(t, pixel, strings.Index(msg.Body, "</body>"), "pixel goes inside the body")
}

func TestSender_UntrackedBodyIsUnchanged(t *testing.T) {
	e := newSenderEnv(t, person("c1", "a@example.com"))

	_, err := e.sender(SenderConfig{}).RunOnce(context.Background())
	require.NoError(t, err)
	require.Len(t, e.transport.sent, 1)
	body := e.transport.sent[0].Body
	assert.Contains(t, body, `href="https://shop.example/sale?src=mail&amp;id=7"`)
	assert.NotContains(t, body, "/track/")
}

func TestTruncateReason(t *testing.T) {
	assert.Equal(t, "short", truncateReason("short"))

	ascii := strings.Repeat("x", maxReasonLen+10)
	assert.Len(t, truncateReason(ascii), maxReasonLen)

	// 3-byte runes: byte maxReasonLen lands inside one
	wide := strings.Repeat("€", maxReasonLen)
	got := truncateReason(wide)
	assert.True(t, utf8.ValidString(got))
	assert.LessOrEqual(t, len(got), maxReasonLen)
	assert.Equal(t, maxReasonLen/3*3, len(got))
}

func TestSender_MultibyteFailureReasonStaysValidUTF8(t *testing.T) {
	e := newSenderEnv(t, person("c1", "a@example.com"))
	e.transport.respond = func(*domain.OutboundMessage, int) error {
		return fmt.Errorf("%w: %s", ErrRejected, strings.Repeat("адрес отклонён ", 60))
	}

	stats, err := e.sender(SenderConfig{Retry: fastRetry(1)}).RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Failed)

	rec := e.statuses(t)["c1"]
	assert.Equal(t, domain.DeliveryFailed, rec.Status)
	assert.True(t, utf8.ValidString(rec.FailureReason))
	assert.LessOrEqual(t, len(rec.FailureReason), maxReasonLen)
	assert.NotEmpty(t, rec.FailureReason)
}

// stealingGetter drops the campaign lock as soon as the sender loads the
// campaign, as if it had expired and been taken by another worker.
type stealingGetter struct {
	CampaignGetter
	mr  *miniredis.Miniredis
	key string
}

func (g stealingGetter) Get(ctx context.Context, id string) (*domain.Campaign, error) {
	g.mr.Del(g.key)
	return g.CampaignGetter.Get(ctx, id)
}

func TestSender_StopsWhenCampaignLockIsLost(t *testing.T) {
	e := newSenderEnv(t, person("c1", "a@example.com"), person("c2", "b@example.com"), person("c3", "c@example.com"))
	getter := stealingGetter{CampaignGetter: e.store.Campaigns(), mr: e.mr, key: "lock:test:campaign:camp-1"}
	s := NewSender(SenderConfig{Concurrency: 1, LockRefresh: time.Nanosecond}, e.store.Deliveries(), getter,
		e.customers, mailing.NewRenderer(), e.transport, e.deliv, e.locks)

	stats, err := s.RunOnce(context.Background())
	require.NoError(t, err, "a lost lock is logged, not fatal to the pass")
	assert.Equal(t, SendStats{Campaigns: 1, Deferred: 3}, stats)
	assert.Empty(t, e.transport.sent)
	for _, r := range e.statuses(t) {
		assert.Equal(t, domain.DeliveryQueued, r.Status)
	}
}

func TestSender_RefreshesCampaignLockDuringBatch(t *testing.T) {
	e := newSenderEnv(t, person("c1", "a@example.com"), person("c2", "b@example.com"), person("c3", "c@example.com"))
	rdb := redis.NewClient(&redis.Options{Addr: e.mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	e.locks = distlock.NewFactory(rdb, nil, "test:", time.Second)

	// three sends take 1.2s of lock time, longer than the 1s TTL
	var held []bool
	e.transport.respond = func(*domain.OutboundMessage, int) error {
		e.mr.FastForward(400 * time.Millisecond)
		held = append(held, e.mr.Exists("lock:test:campaign:camp-1"))
		return nil
	}
	s := e.sender(SenderConfig{Concurrency: 1, LockRefresh: time.Nanosecond})

	stats, err := s.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, stats.Sent)
	assert.Equal(t, []bool{true, true, true}, held)
}

func TestSender_RejectionFailsOnlyThatRecord(t *testing.T) {
	e := newSenderEnv(t, person("c1", "bad@example.com"), person("c2", "ok@example.com"))
	e.transport.respond = func(msg *domain.OutboundMessage, _ int) error {
		if msg.CustomerID == "c1" {
			return errors.Join(ErrRejected, errors.New("address blocked"))
		}
		return nil
	}
	s := e.sender(SenderConfig{Retry: fastRetry(3)})

	stats, err := s.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Sent)
	assert.Equal(t, 1, stats.Failed)
	assert.Equal(t, 1, e.transport.callsFor("c1"), "rejections are not retried")

	recs := e.statuses(t)
	assert.Equal(t, domain.DeliveryFailed, recs["c1"].Status)
	assert.Contains(t, recs["c1"].FailureReason, "message rejected")
	assert.Equal(t, domain.DeliverySent, recs["c2"].Status)
}

func TestSender_RetriesTransientErrors(t *testing.T) {
	e := newSenderEnv(t, person("c1", "a@example.com"))
	e.transport.respond = func(_ *domain.OutboundMessage, attempt int) error {
		if attempt < 3 {
			return errors.New("throttled")
		}
		return nil
	}
	s := e.sender(SenderConfig{Retry: fastRetry(3), Breaker: circuitbreaker.Config{Name: "retry-test", MinRequests: 100}})

	stats, err := s.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Sent)
	assert.Equal(t, 3, e.transport.callsFor("c1"))
	assert.Equal(t, domain.DeliverySent, e.statuses(t)["c1"].Status)
}

func TestSender_ExhaustedRetriesFailRecord(t *testing.T) {
	e := newSenderEnv(t, person("c1", "a@example.com"))
	e.transport.respond = func(*domain.OutboundMessage, int) error { return errors.New("timeout") }
	s := e.sender(SenderConfig{Retry: fastRetry(2), Breaker: circuitbreaker.Config{Name: "exhaust-test", MinRequests: 100}})

	stats, err := s.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Failed)
	assert.Equal(t, 2, e.transport.callsFor("c1"))

	rec := e.statuses(t)["c1"]
	assert.Equal(t, domain.DeliveryFailed, rec.Status)
	assert.Contains(t, rec.FailureReason, "timeout")
}

func TestSender_OpenBreakerLeavesRecordsQueued(t *testing.T) {
	e := newSenderEnv(t, person("c1", "a@example.com"), person("c2", "b@example.com"), person("c3", "c@example.com"))
	e.transport.respond = func(*domain.OutboundMessage, int) error { return errors.New("service unavailable") }
	s := e.sender(SenderConfig{
		Concurrency: 1,
		Retry:       fastRetry(1),
		Breaker:     circuitbreaker.Config{Name: "open-test", MinRequests: 1, FailureRatio: 1, Timeout: time.Minute},
	})

	stats, err := s.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Failed, "the call that tripped the breaker fails its record")
	assert.Equal(t, 2, stats.Deferred)

	queued := 0
	for _, r := range e.statuses(t) {
		if r.Status == domain.DeliveryQueued {
			queued++
		}
	}
	assert.Equal(t, 2, queued)

	e.transport.mu.Lock()
	calls := 0
	for _, n := range e.transport.calls {
		calls += n
	}
	e.transport.mu.Unlock()
	assert.Equal(t, 1, calls, "no sends while the breaker is open")
}

func TestSender_MissingCustomerFails(t *testing.T) {
	e := newSenderEnv(t, person("c1", "a@example.com"))
	_, _, err := e.store.Campaigns().CreateDeliveries(context.Background(), "camp-1", []string{"ghost"}, base)
	require.NoError(t, err)

	stats, err := e.sender(SenderConfig{}).RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Sent)
	assert.Equal(t, 1, stats.Failed)
	assert.Equal(t, "customer not found", e.statuses(t)["ghost"].FailureReason)
}

func TestSender_SkipsCampaignLockedElsewhere(t *testing.T) {
	e := newSenderEnv(t, person("c1", "a@example.com"))
	holder := e.locks.For("campaign:camp-1")
	ok, err := holder.Acquire(context.Background())
	require.NoError(t, err)
	require.True(t, ok)

	stats, err := e.sender(SenderConfig{}).RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, stats.Campaigns)
	assert.Empty(t, e.transport.sent)
	assert.Equal(t, domain.DeliveryQueued, e.statuses(t)["c1"].Status)

	require.NoError(t, holder.Release(context.Background()))
	stats, err = e.sender(SenderConfig{}).RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Sent)
}

func TestSender_Kick(t *testing.T) {
	e := newSenderEnv(t, person("c1", "a@example.com"))
	s := e.sender(SenderConfig{Interval: time.Hour})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Start(ctx)
		close(done)
	}()
	s.Kick()
	s.Kick()

	require.Eventually(t, func() bool {
		rec, err := e.store.Deliveries().FindRecord(context.Background(), "camp-1", "c1")
		return err == nil && rec.Status == domain.DeliverySent
	}, 2*time.Second, 10*time.Millisecond)
	cancel()
	<-done
}

func TestLogTransport(t *testing.T) {
	res, err := LogTransport{}.Send(context.Background(), &domain.OutboundMessage{RecordID: "r1", To: "a@example.com"})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(res.MessageID, "log-"))
	assert.False(t, res.SentAt.IsZero())
}
