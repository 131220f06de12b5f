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

	"github.com/ignite/audience-pipeline/internal/api"
	"github.com/ignite/audience-pipeline/internal/app"
	"github.com/ignite/audience-pipeline/internal/config"
	"github.com/ignite/audience-pipeline/internal/pkg/metrics"
	"github.com/ignite/audience-pipeline/internal/tracking"
)

func main() {
	configPath := flag.String("config", "config/config.yaml", "path to the YAML config file")
	sweep := flag.Bool("sweep", true, "run the stale-record sweeper in this process")
	flag.Parse()

	log.Println("Starting audience pipeline API server...")

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

	metrics.RegisterAPIMetrics()

	opts := []api.HandlersOption{api.WithHealthCheck(a.DB.PingContext)}
	if cfg.Tracking.BaseURL != "" {
		var pub tracking.EventPublisher = tracking.NewDirectPublisher(a.Deliveries)
		if cfg.SQS.DeliveryQueueURL != "" {
			sqsClient, err := a.SQSClient(ctx)
			if err != nil {
				log.Fatalf("Failed to create SQS client: %v", err)
			}
			pub = tracking.NewPublisher(sqsClient, cfg.SQS.DeliveryQueueURL)
		}
		links := tracking.NewLinks(cfg.Tracking.BaseURL, cfg.Tracking.Secret)
		opts = append(opts, api.WithTracking(tracking.NewHandler(pub, links).Routes()))
		log.Println("Open/click tracking enabled")
	}

	h := api.NewHandlers(a.Segments, a.Campaign, a.Deliveries, opts...)
	server := &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      api.SetupRoutes(h, cfg.Server.CORSOrigins),
		ReadTimeout:  cfg.Server.ReadTimeout(),
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	if *sweep {
		go a.SweepWorker(nil).Start(ctx)
		log.Printf("Stale sweeper started (every %s)", cfg.Delivery.SweepInterval())
	}

	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGTERM)

	go func() {
		log.Printf("Starting server on %s", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	<-done
	log.Println("Shutting down...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server shutdown error: %v", err)
	}
	log.Println("Server stopped")
}
