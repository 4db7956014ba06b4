package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/FACorreiaa/payee-enrichment/internal/domain/address"
	"github.com/FACorreiaa/payee-enrichment/internal/domain/batch"
	"github.com/FACorreiaa/payee-enrichment/internal/domain/classify"
	"github.com/FACorreiaa/payee-enrichment/internal/domain/matching"
	"github.com/FACorreiaa/payee-enrichment/internal/domain/merchant"
	"github.com/FACorreiaa/payee-enrichment/internal/domain/orchestrator"
	"github.com/FACorreiaa/payee-enrichment/internal/domain/supplier"
	"github.com/FACorreiaa/payee-enrichment/internal/domain/upload"
	"github.com/FACorreiaa/payee-enrichment/pkg/config"
	"github.com/FACorreiaa/payee-enrichment/pkg/cron"
	"github.com/FACorreiaa/payee-enrichment/pkg/db"
	"github.com/FACorreiaa/payee-enrichment/pkg/metrics"
	"github.com/FACorreiaa/payee-enrichment/pkg/storage"
	"github.com/FACorreiaa/payee-enrichment/pkg/workpool"
)

// Dependencies holds the whole component graph, wired once at startup and
// passed explicitly; no ambient globals after this.
type Dependencies struct {
	Config   *config.Config
	DB       *db.DB
	Logger   *slog.Logger
	Metrics  *metrics.Metrics
	Registry *prometheus.Registry

	// Repositories
	BatchRepo    *batch.Repository
	SupplierRepo *supplier.Repository
	MerchantRepo *merchant.Repository

	// Services
	SupplierCache    *supplier.Cache
	Matcher          *matching.Matcher
	ClassifyGateway  *classify.Gateway
	AddressValidator *address.Validator
	MerchantClient   *merchant.Client
	Coordinator      *merchant.Coordinator
	Poller           *merchant.Poller
	WebhookProcessor *merchant.WebhookProcessor
	Orchestrator     *orchestrator.Orchestrator
	UploadService    *upload.Service
	Exporter         *upload.Exporter
	FileStore        storage.Store
	Scheduler        *cron.Scheduler

	// Worker pools
	ClassifyPool *workpool.Pool
	SupplierPool *workpool.Pool
	AddressPool  *workpool.Pool
}

// InitDependencies builds the graph in stages: database, repositories,
// services, background workers.
func InitDependencies(cfg *config.Config, logger *slog.Logger) (*Dependencies, error) {
	deps := &Dependencies{
		Config:   cfg,
		Logger:   logger,
		Registry: prometheus.NewRegistry(),
	}
	deps.Metrics = metrics.New(deps.Registry)

	if err := deps.initDatabase(); err != nil {
		return nil, fmt.Errorf("failed to init database: %w", err)
	}
	if err := deps.initRepositories(); err != nil {
		return nil, fmt.Errorf("failed to init repositories: %w", err)
	}
	if err := deps.initServices(); err != nil {
		return nil, fmt.Errorf("failed to init services: %w", err)
	}

	logger.Info("all dependencies initialized")
	return deps, nil
}

func (d *Dependencies) initDatabase() error {
	database, err := db.New(db.Config{
		DSN:             d.Config.Database.DSN(),
		MaxConns:        25,
		MinConns:        5,
		MaxConnLifetime: 5 * time.Minute,
		MaxConnIdleTime: 10 * time.Minute,
	}, d.Logger)
	if err != nil {
		return err
	}
	d.DB = database

	if err := d.DB.RunMigrations(); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}

func (d *Dependencies) initRepositories() error {
	d.BatchRepo = batch.NewRepository(d.DB.Pool)
	d.SupplierRepo = supplier.NewRepository(d.DB.Pool)
	d.MerchantRepo = merchant.NewRepository(d.DB.Pool)
	return nil
}

func (d *Dependencies) initServices() error {
	cfg := d.Config

	// Supplier cache with its in-memory candidate index.
	index, err := supplier.NewIndex()
	if err != nil {
		return fmt.Errorf("failed to create supplier index: %w", err)
	}
	d.SupplierCache = supplier.NewCache(d.SupplierRepo, index, cfg.Supplier.CacheSize, d.Logger)

	// Per-provider limiters and stage pools.
	classifyLimiter := workpool.NewLimiter("classifier", cfg.Classifier.RatePerSec, cfg.Classifier.Burst, cfg.Pipeline.ClassifyWorkers, 10*time.Second)
	addressLimiter := workpool.NewLimiter("address", cfg.Address.RatePerSec, cfg.Address.Burst, cfg.Pipeline.AddressWorkers, 10*time.Second)
	merchantLimiter := workpool.NewLimiter("merchant", cfg.Merchant.RatePerSec, cfg.Merchant.Burst, cfg.Merchant.InflightCap, 30*time.Second)

	d.ClassifyPool = workpool.New("classify", cfg.Pipeline.ClassifyWorkers, cfg.Pipeline.QueueHighWater*2, cfg.Pipeline.QueueHighWater, d.Metrics)
	d.SupplierPool = workpool.New("supplier", cfg.Pipeline.SupplierWorkers, cfg.Pipeline.QueueHighWater*2, cfg.Pipeline.QueueHighWater, d.Metrics)
	d.AddressPool = workpool.New("address", cfg.Pipeline.AddressWorkers, cfg.Pipeline.QueueHighWater*2, cfg.Pipeline.QueueHighWater, d.Metrics)

	// Classifier gateway and the matcher using it for adjudication.
	provider := classify.NewHTTPProvider(cfg.Classifier.BaseURL, cfg.Classifier.APIKey, cfg.Classifier.Model)
	d.ClassifyGateway = classify.NewGateway(provider, classifyLimiter, cfg.Classifier.MaxAttempts, d.Metrics, d.Logger)
	d.Matcher = matching.NewMatcher(d.ClassifyGateway, cfg.Classifier.AIEnhanceThreshold, d.Logger)

	// Address validator with the optional repair pass.
	vendor := address.NewHTTPVendor(cfg.Address.BaseURL, cfg.Address.APIKey)
	d.AddressValidator = address.NewValidator(vendor, d.ClassifyGateway, addressLimiter, cfg.Address.SoftDeadline, cfg.Address.EnableRepair, d.Metrics, d.Logger)

	// Merchant integration is only wired when the stage is enabled; the
	// credentials are validated by config in that case.
	if cfg.Pipeline.EnableMerchant {
		signer, err := merchant.NewSigner(cfg.Merchant.ConsumerKey, cfg.Merchant.PrivateKey)
		if err != nil {
			return fmt.Errorf("failed to load merchant signing key: %w", err)
		}
		client := merchant.NewClient(cfg.Merchant.BaseURL(), cfg.Merchant.ClientID, signer, 5, cfg.Merchant.MinimumConfidenceThreshold())
		d.MerchantClient = client
		d.Coordinator = merchant.NewCoordinator(client, d.MerchantRepo, d.BatchRepo, merchantLimiter,
			cfg.Merchant.MaxAttempts, cfg.Merchant.HardDeadline, d.Metrics, d.Logger)
		d.Poller = merchant.NewPoller(d.Coordinator, d.MerchantRepo, cfg.Merchant.PollInitial, cfg.Merchant.PollMax, d.Logger)
		d.WebhookProcessor = merchant.NewWebhookProcessor(d.MerchantRepo, d.Coordinator, cfg.Merchant.WebhookSecret, d.Metrics, d.Logger)
	}

	var dispatcher orchestrator.MerchantDispatcher
	var searches orchestrator.SearchReader
	if d.Coordinator != nil {
		dispatcher = d.Coordinator
		searches = d.MerchantRepo
	}
	d.Orchestrator = orchestrator.New(
		d.BatchRepo, d.ClassifyGateway, d.Matcher, d.SupplierCache, d.AddressValidator,
		dispatcher, searches,
		orchestrator.Pools{Classify: d.ClassifyPool, Supplier: d.SupplierPool, Address: d.AddressPool},
		orchestrator.Config{
			Enabled: batch.Options{
				EnableClassify: cfg.Pipeline.EnableClassify,
				EnableFinexio:  cfg.Pipeline.EnableFinexio,
				EnableAddress:  cfg.Pipeline.EnableAddress,
				EnableMerchant: cfg.Pipeline.EnableMerchant,
			},
			ProgressiveBudget: cfg.Server.ProgressiveBudget,
			CandidateCap:      cfg.Supplier.CandidateCap,
		},
		d.Metrics, d.Logger,
	)

	// Upload boundary.
	store, err := storage.NewLocalStore(cfg.Upload.Dir, cfg.Upload.MaxSizeBytes)
	if err != nil {
		return fmt.Errorf("failed to init upload storage: %w", err)
	}
	d.FileStore = store
	d.UploadService = upload.NewService(store, d.BatchRepo, d.Orchestrator, d.Logger)
	d.Exporter = upload.NewExporter(d.BatchRepo)
	d.Scheduler = cron.NewScheduler(store, cfg.Upload.Retention, d.Logger)

	return nil
}

// Start launches the background workers: stage pools, merchant poller and
// the batch completion sweeper.
func (d *Dependencies) Start() error {
	d.ClassifyPool.Start()
	d.SupplierPool.Start()
	d.AddressPool.Start()

	// Warming 500k rows takes a while; candidate retrieval works off the
	// durable lookups until the index is ready.
	go func() {
		if err := d.SupplierCache.WarmIndex(context.Background()); err != nil {
			d.Logger.Error("supplier index warm-up failed", slog.Any("error", err))
		}
	}()

	d.Orchestrator.RunCompletionSweeps(15 * time.Second)
	if err := d.Scheduler.Start(); err != nil {
		return fmt.Errorf("failed to start maintenance scheduler: %w", err)
	}
	if d.Poller != nil {
		if err := d.Poller.Start(context.Background()); err != nil {
			return fmt.Errorf("failed to start merchant poller: %w", err)
		}
	}
	return nil
}

// Cleanup stops background work and closes the database.
func (d *Dependencies) Cleanup() {
	if d.Poller != nil {
		d.Poller.Stop()
	}
	if d.Scheduler != nil {
		<-d.Scheduler.Stop().Done()
	}
	d.Orchestrator.Stop()
	d.ClassifyPool.Stop()
	d.SupplierPool.Stop()
	d.AddressPool.Stop()
	if d.DB != nil {
		d.DB.Close()
	}
	d.Logger.Info("dependencies cleaned up")
}
