// Package app wires configuration into the stores and services shared by
// the server and worker binaries.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"

	"github.com/ignite/audience-pipeline/internal/config"
	"github.com/ignite/audience-pipeline/internal/customers"
	"github.com/ignite/audience-pipeline/internal/delivery"
	"github.com/ignite/audience-pipeline/internal/domain"
	"github.com/ignite/audience-pipeline/internal/mailing"
	"github.com/ignite/audience-pipeline/internal/pkg/distlock"
	"github.com/ignite/audience-pipeline/internal/pkg/logger"
	"github.com/ignite/audience-pipeline/internal/pkg/retry"
	"github.com/ignite/audience-pipeline/internal/repository/postgres"
	"github.com/ignite/audience-pipeline/internal/segmentation"
	"github.com/ignite/audience-pipeline/internal/service/campaign"
	"github.com/ignite/audience-pipeline/internal/service/segment"
	"github.com/ignite/audience-pipeline/internal/worker"
)

// CustomerStore is a customer source that can also load one customer.
type CustomerStore interface {
	segmentation.CustomerSource
	Lookup(ctx context.Context, id string) (domain.Customer, bool, error)
}

// App holds the long-lived dependencies of a process.
type App struct {
	Config     *config.Config
	DB         *sql.DB
	Redis      *redis.Client
	Customers  CustomerStore
	Renderer   *mailing.Renderer
	Locks      *distlock.Factory
	Campaigns  *postgres.CampaignRepo
	Records    *postgres.DeliveryRepo
	Segments   *segment.Service
	Campaign   *campaign.Service
	Deliveries *delivery.Service
}

// ConfigureLogging applies the log section of cfg.
func ConfigureLogging(cfg config.LogConfig) error {
	level, err := logger.ParseLevel(cfg.Level)
	if err != nil {
		return err
	}
	logger.SetLevel(level)
	logger.SetRedactPII(cfg.Redact())
	return nil
}

// New connects to Postgres (and Redis when configured) and builds the
// services.
func New(ctx context.Context, cfg *config.Config) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if err := ConfigureLogging(cfg.Log); err != nil {
		return nil, err
	}
	if cfg.Database.URL == "" {
		return nil, errors.New("database.url (DATABASE_URL) is required")
	}

	db, err := sql.Open("postgres", cfg.Database.URL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	db.SetMaxIdleConns(cfg.Database.MaxIdleConns)
	db.SetConnMaxLifetime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	log.Println("Connected to database")

	a := &App{Config: cfg, DB: db, Renderer: mailing.NewRenderer()}
	a.Redis = openRedis(ctx, cfg.Redis.URL)
	a.Locks = distlock.NewFactory(a.Redis, db, "pipeline:", cfg.Sender.LockTTL())

	a.Customers, err = newCustomerStore(ctx, cfg.Customers, db)
	if err != nil {
		a.Close()
		return nil, err
	}

	schema, err := cfg.Rules.Schema()
	if err != nil {
		a.Close()
		return nil, err
	}
	policy, err := delivery.ParseAllFailedPolicy(cfg.Campaigns.AllFailedPolicy)
	if err != nil {
		a.Close()
		return nil, err
	}

	a.Campaigns = postgres.NewCampaignRepo(db)
	a.Records = postgres.NewDeliveryRepo(db)
	a.Segments = segment.NewService(postgres.NewSegmentRepo(db), segmentation.NewValidator(schema, cfg.Rules.Limits), a.Customers)
	a.Campaign = campaign.NewService(a.Campaigns, a.Segments, a.Customers,
		campaign.WithRenderer(a.Renderer),
		campaign.WithCustomerLookup(a.Customers),
		campaign.WithAllFailedPolicy(policy),
		campaign.WithDispatchBatchSize(cfg.Campaigns.DispatchBatchSize),
	)
	a.Deliveries = delivery.NewService(a.Records, delivery.WithConflictRetry(retry.Policy{
		MaxAttempts:     cfg.Delivery.ConflictRetries,
		InitialInterval: 5 * time.Millisecond,
		MaxInterval:     100 * time.Millisecond,
		Multiplier:      2,
	}))
	return a, nil
}

// SweepWorker builds the stale-record sweeper. onRequeue may be nil.
func (a *App) SweepWorker(onRequeue func(context.Context, []domain.DeliveryRecord)) *worker.SweepWorker {
	opts := []worker.SweepOption{worker.WithSweepLock(a.Locks.For("stale-sweeper"))}
	if onRequeue != nil {
		opts = append(opts, worker.WithRequeueHook(onRequeue))
	}
	return worker.NewSweepWorker(a.Deliveries, a.Config.Delivery.Stale, a.Config.Delivery.SweepInterval(), opts...)
}

// SQSClient builds an SQS client for the delivery-event queue.
func (a *App) SQSClient(ctx context.Context) (*sqs.Client, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(a.Config.SQS.Region))
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}
	return sqs.NewFromConfig(awsCfg), nil
}

// Close releases connections.
func (a *App) Close() {
	if a.Redis != nil {
		a.Redis.Close()
	}
	if a.DB != nil {
		a.DB.Close()
	}
}

// openRedis returns nil when Redis is not configured or unreachable, in
// which case locks fall back to Postgres advisory locks.
func openRedis(ctx context.Context, url string) *redis.Client {
	if url == "" {
		log.Println("Redis not configured, using PG advisory locks for distributed locking")
		return nil
	}
	var client *redis.Client
	opts, err := redis.ParseURL(url)
	if err != nil {
		client = redis.NewClient(&redis.Options{Addr: url})
	} else {
		client = redis.NewClient(opts)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		log.Printf("Warning: Redis connection failed: %v, falling back to PG advisory locks", err)
		client.Close()
		return nil
	}
	log.Println("Redis connected (distributed locking enabled)")
	return client
}

func newCustomerStore(ctx context.Context, cfg config.CustomersConfig, db *sql.DB) (CustomerStore, error) {
	switch cfg.Source {
	case "s3":
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.S3Region))
		if err != nil {
			return nil, fmt.Errorf("load AWS config: %w", err)
		}
		log.Printf("Customer source: s3://%s/%s", cfg.S3Bucket, cfg.S3Key)
		return customers.NewS3Source(s3.NewFromConfig(awsCfg), cfg.S3Bucket, cfg.S3Key), nil
	default:
		log.Println("Customer source: postgres customers table")
		return customers.NewPostgresSource(db, cfg.PageSize), nil
	}
}
