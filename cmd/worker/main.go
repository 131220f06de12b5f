package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sony/gobreaker"

	"github.com/ignite/audience-pipeline/internal/app"
	"github.com/ignite/audience-pipeline/internal/config"
	"github.com/ignite/audience-pipeline/internal/domain"
	"github.com/ignite/audience-pipeline/internal/pkg/circuitbreaker"
	"github.com/ignite/audience-pipeline/internal/pkg/logger"
	"github.com/ignite/audience-pipeline/internal/pkg/metrics"
	"github.com/ignite/audience-pipeline/internal/pkg/retry"
	"github.com/ignite/audience-pipeline/internal/tracking"
	"github.com/ignite/audience-pipeline/internal/worker"
)

func main() {
	configPath := flag.String("config", "config/config.yaml", "path to the YAML config file")
	metricsAddr := flag.String("metrics-addr", ":9091", "listen address for /metrics")
	flag.Parse()

	log.Println("Starting audience pipeline worker...")

	cfg, err := config.LoadFromEnv(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := app.New(ctx, cfg)
	if err != nil {
		log.Fatalf("Failed to initialize: %v", err)
	}
	defer a.Close()

	metrics.RegisterWorkerMetrics()

	transport, err := newTransport(ctx, cfg)
	if err != nil {
		log.Fatalf("Failed to create transport: %v", err)
	}

	var senderOpts []worker.SenderOption
	if cfg.Tracking.BaseURL != "" {
		senderOpts = append(senderOpts, worker.WithTrackingLinks(tracking.NewLinks(cfg.Tracking.BaseURL, cfg.Tracking.Secret)))
	}
	sender := worker.NewSender(senderConfig(cfg.Sender), a.Records, a.Campaigns, a.Customers,
		a.Renderer, transport, a.Deliveries, a.Locks, senderOpts...)
	go sender.Start(ctx)
	log.Printf("Sender started (transport=%s, concurrency=%d)", cfg.Sender.Transport, cfg.Sender.Concurrency)

	sweeper := a.SweepWorker(func(context.Context, []domain.DeliveryRecord) { sender.Kick() })
	go sweeper.Start(ctx)
	log.Printf("Stale sweeper started (every %s)", cfg.Delivery.SweepInterval())

	var consumer *tracking.Consumer
	if cfg.SQS.DeliveryQueueURL != "" {
		sqsClient, err := a.SQSClient(ctx)
		if err != nil {
			log.Fatalf("Failed to create SQS client: %v", err)
		}
		consumer = tracking.NewConsumer(sqsClient, cfg.SQS.DeliveryQueueURL, a.Deliveries,
			tracking.WithReceive(int32(cfg.SQS.BatchSize), int32(cfg.SQS.WaitSeconds)))
		consumer.Start(ctx)
		log.Println("Delivery-event consumer started")
	} else {
		log.Println("SQS_DELIVERY_QUEUE_URL not set; delivery events only arrive via the API callback")
	}

	metricsSrv := &http.Server{Addr: *metricsAddr, Handler: promhttp.Handler(), ReadTimeout: 5 * time.Second}
	go func() {
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("Metrics server error: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down worker...")
	cancel()
	if consumer != nil {
		consumer.Stop()
	}
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	metricsSrv.Shutdown(shutdownCtx)

	log.Println("Worker stopped")
}

func newTransport(ctx context.Context, cfg *config.Config) (worker.Transport, error) {
	if cfg.Sender.Transport != "ses" {
		return worker.LogTransport{}, nil
	}
	client, err := worker.NewSESClient(ctx, cfg.SES.Region, cfg.SES.AccessKey, cfg.SES.SecretKey)
	if err != nil {
		return nil, err
	}
	return worker.NewSESTransport(client, cfg.SES.ConfigurationSet), nil
}

func senderConfig(c config.SenderConfig) worker.SenderConfig {
	breaker := circuitbreaker.DefaultConfig("transport")
	if c.BreakerFailureRatio > 0 {
		breaker.FailureRatio = c.BreakerFailureRatio
	}
	if c.BreakerMinRequests > 0 {
		breaker.MinRequests = uint32(c.BreakerMinRequests)
	}
	if c.BreakerTimeoutSeconds > 0 {
		breaker.Timeout = time.Duration(c.BreakerTimeoutSeconds) * time.Second
	}
	breaker.OnStateChange = func(name string, from, to gobreaker.State) {
		logger.Warn("transport breaker state change", "breaker", name, "from", from.String(), "to", to.String())
	}
	pol := retry.DefaultPolicy()
	pol.MaxAttempts = c.MaxAttempts

	return worker.SenderConfig{
		Interval:         c.Interval(),
		CampaignsPerPass: c.CampaignsPerPass,
		BatchSize:        c.BatchSize,
		Concurrency:      c.Concurrency,
		RatePerSecond:    c.RatePerSecond,
		Burst:            c.Burst,
		FromName:         c.FromName,
		FromEmail:        c.FromEmail,
		Retry:            pol,
		Breaker:          breaker,
		LockRefresh:      c.LockRefresh(),
	}
}
