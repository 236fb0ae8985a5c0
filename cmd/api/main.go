package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	httptransport "github.com/spec-kit/caseflow/internal/api/http"
	"github.com/spec-kit/caseflow/internal/api/http/handlers"
	"github.com/spec-kit/caseflow/internal/auth"
	"github.com/spec-kit/caseflow/internal/classify"
	"github.com/spec-kit/caseflow/internal/config"
	"github.com/spec-kit/caseflow/internal/dispatch"
	"github.com/spec-kit/caseflow/internal/events"
	"github.com/spec-kit/caseflow/internal/ingest"
	"github.com/spec-kit/caseflow/internal/observability"
	"github.com/spec-kit/caseflow/internal/persistence"
	"github.com/spec-kit/caseflow/internal/repository"
	"github.com/spec-kit/caseflow/internal/service"
	"github.com/spec-kit/caseflow/internal/sla"
	"github.com/spec-kit/caseflow/internal/worker"
	"github.com/spec-kit/caseflow/internal/workflow"
	"github.com/spec-kit/caseflow/pkg/retry"
)

type caseStore interface {
	repository.CaseStore
	repository.CursorStore
	repository.MarkerStore
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger, err := observability.NewLogger(cfg.Logger)
	if err != nil {
		log.Fatalf("failed to init logger: %v", err)
	}
	defer logger.Sync() //nolint:errcheck

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	metrics := observability.NewMetrics(prometheus.DefaultRegisterer)
	readiness := map[string]handlers.Pinger{}

	store, closeStore, err := openStore(ctx, cfg, logger, readiness)
	if err != nil {
		logger.Fatal("failed to open case store", zap.Error(err))
	}
	defer closeStore()

	var markers repository.MarkerStore = store
	if redis := persistence.NewRedis(cfg.Redis, logger); redis != nil {
		defer redis.Close()
		readiness["redis"] = redis
		if cfg.Store.MarkerBackend == "redis" {
			markers = repository.NewRedisMarkerStore(redis.Client, "caseflow:marker", cfg.Store.MarkerTTL)
		}
	} else if cfg.Store.MarkerBackend == "redis" {
		logger.Fatal("WORKFLOW_MARKER_BACKEND=redis requires REDIS_ADDR")
	}

	policyFile, err := config.LoadPolicyFile(cfg.PolicyFile)
	if err != nil {
		logger.Fatal("failed to load policy file", zap.Error(err))
	}
	policy, err := sla.LoadPolicy(cfg.SLA, policyFile.SLA)
	if err != nil {
		logger.Fatal("invalid sla policy", zap.Error(err))
	}
	rules, err := workflow.FromSpecs(policyFile.Rules)
	if err != nil {
		logger.Fatal("invalid workflow rules", zap.Error(err))
	}
	slaEngine := sla.NewEngine(policy)
	dispatcher := events.NewInMemoryDispatcher()

	sender, closeSender, err := openSender(cfg, logger)
	if err != nil {
		logger.Fatal("failed to open outbound sender", zap.Error(err))
	}
	defer closeSender()

	queue := dispatch.NewQueue(sender, logger, metrics, dispatch.QueueConfig{
		Workers:        cfg.Dispatch.Workers,
		QueueSize:      cfg.Dispatch.QueueSize,
		AttemptTimeout: cfg.Dispatch.AttemptTimeout,
		Backoff: retry.BackoffConfig{
			InitialInterval: cfg.Dispatch.InitialBackoff,
			MaxInterval:     cfg.Dispatch.MaxBackoff,
			Multiplier:      2.0,
			Jitter:          true,
			MaxRetries:      cfg.Dispatch.MaxRetries,
		},
	})

	caseService := service.NewCaseService(service.CaseDependencies{
		Store:          store,
		SLA:            slaEngine,
		Dispatcher:     dispatcher,
		Outbox:         queue,
		Logger:         logger,
		Metrics:        metrics,
		Identity:       cfg.Matcher.OutboundIdentity,
		FromName:       cfg.Dispatch.FromName,
		UpdateAttempts: cfg.Store.UpdateAttempts,
		AutoCloseGrace: cfg.SLA.AutoCloseGrace,
	})

	// Deliveries keep their own context so in-flight sends finish after the
	// server context is cancelled.
	queueCtx, queueCancel := context.WithCancel(context.Background())
	defer queueCancel()
	queue.Start(queueCtx, caseService)

	engine, err := workflow.NewEngine(workflow.EngineDependencies{
		Rules:      rules,
		Actions:    caseService,
		Markers:    markers,
		Logger:     logger,
		Metrics:    metrics,
		MaxCascade: cfg.Workflow.MaxCascade,
	})
	if err != nil {
		logger.Fatal("failed to build workflow engine", zap.Error(err))
	}
	stopWorkflow := worker.StartWorkflowWorker(ctx, dispatcher, engine, cfg.Workflow.QueueSize, logger)

	var primary classify.Classifier
	if cfg.Classifier.URL != "" {
		primary = classify.NewHTTPClassifier(cfg.Classifier.URL, cfg.Classifier.Timeout)
	}
	normalizer := ingest.NewNormalizer(nil)
	matcher := ingest.NewMatcher(ingest.MatcherDependencies{
		Store:          store,
		Classifier:     classify.WithFallback(primary, nil, logger, metrics),
		SLA:            slaEngine,
		Dispatcher:     dispatcher,
		Logger:         logger,
		Metrics:        metrics,
		Identity:       cfg.Matcher.OutboundIdentity,
		Aliases:        cfg.Matcher.Aliases,
		Lookback:       cfg.Matcher.Lookback,
		UpdateAttempts: cfg.Store.UpdateAttempts,
	})

	var background sync.WaitGroup
	sweeper := sla.NewSweeper(sla.SweeperDependencies{
		Store:          store,
		Engine:         slaEngine,
		Dispatcher:     dispatcher,
		Logger:         logger,
		Metrics:        metrics,
		UpdateAttempts: cfg.Store.UpdateAttempts,
	})
	scheduler := worker.NewScheduler(sweeper, caseService, cfg.SLA.SweepInterval, logger)
	background.Add(1)
	go func() {
		defer background.Done()
		scheduler.Run(ctx)
	}()

	if cfg.Poller.Enabled {
		if err := os.MkdirAll(cfg.Poller.SpoolDir, 0o755); err != nil {
			logger.Fatal("failed to create spool directory", zap.Error(err))
		}
		source := ingest.NewSpoolSource(cfg.Poller.SpoolDir, normalizer, logger)
		poller := worker.NewPoller(worker.PollerDependencies{
			Source:    source,
			Cursors:   store,
			Skips:     store,
			Ingester:  matcher,
			Logger:    logger,
			Interval:  cfg.Poller.Interval,
			BatchSize: cfg.Poller.BatchSize,
		})
		background.Add(2)
		go func() {
			defer background.Done()
			if err := source.Watch(ctx); err != nil {
				logger.Warn("spool watcher stopped", zap.Error(err))
			}
		}()
		go func() {
			defer background.Done()
			poller.Run(ctx)
		}()
	}

	schema, err := ingest.NewSchemaValidator()
	if err != nil {
		logger.Fatal("failed to compile inbound schema", zap.Error(err))
	}
	tokens := auth.NewTokenManager(cfg.Auth.JWTSecret, cfg.Auth.AccessTokenTTLMinutes, cfg.Auth.Issuer)

	app := fiber.New(fiber.Config{AppName: cfg.App.Name})
	httptransport.RegisterMiddlewares(app, logger, metrics, cfg.App.RequestTimeout())
	httptransport.RegisterRoutes(app, httptransport.RouteConfig{
		Health:         handlers.NewHealthHandler(cfg.App.Name, cfg.App.Version, readiness),
		Cases:          handlers.NewCasesHandler(caseService),
		Inbound:        handlers.NewInboundHandler(matcher, schema, normalizer),
		AuthMiddleware: auth.NewAuthMiddleware(tokens),
		Gatherer:       prometheus.DefaultGatherer,
	})

	go func() {
		if err := app.Listen(cfg.App.Addr()); err != nil {
			logger.Fatal("fiber listen", zap.Error(err))
		}
	}()

	waitForShutdown(logger)

	if err := app.ShutdownWithTimeout(10 * time.Second); err != nil {
		logger.Warn("http shutdown", zap.Error(err))
	}
	cancel()
	background.Wait()
	stopWorkflow()
	queue.Close()
	logger.Info("shutdown complete")
}

func openStore(ctx context.Context, cfg *config.Config, logger *zap.Logger, readiness map[string]handlers.Pinger) (caseStore, func(), error) {
	clock := repository.WithClock(time.Now)
	switch cfg.Store.Driver {
	case "postgres":
		pg, err := persistence.NewPostgres(ctx, cfg.Postgres, logger)
		if err != nil {
			return nil, nil, err
		}
		readiness["postgres"] = pg
		return repository.NewPostgresCaseStore(pg.PoolHandle(), clock), pg.Close, nil
	case "sqlite":
		db, err := persistence.NewSQLite(cfg.SQLite, logger)
		if err != nil {
			return nil, nil, err
		}
		readiness["sqlite"] = db
		return repository.NewSQLiteCaseStore(db.DB, clock), func() { _ = db.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unsupported store driver %q", cfg.Store.Driver)
	}
}

func openSender(cfg *config.Config, logger *zap.Logger) (dispatch.Sender, func(), error) {
	switch cfg.Dispatch.Sender {
	case "amqp":
		sender, err := dispatch.NewAMQPSender(cfg.AMQP.URL, cfg.AMQP.Exchange, cfg.AMQP.RoutingKey, logger)
		if err != nil {
			return nil, nil, err
		}
		return sender, func() { _ = sender.Close() }, nil
	case "webhook":
		if cfg.Webhook.URL == "" {
			return nil, nil, fmt.Errorf("DISPATCH_SENDER=webhook requires DISPATCH_WEBHOOK_URL")
		}
		return dispatch.NewWebhookSender(cfg.Webhook.URL, cfg.Webhook.Token, cfg.Dispatch.AttemptTimeout), func() {}, nil
	case "", "log":
		return dispatch.NewLogSender(logger), func() {}, nil
	default:
		return nil, nil, fmt.Errorf("unknown DISPATCH_SENDER %q", cfg.Dispatch.Sender)
	}
}

func waitForShutdown(logger *zap.Logger) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	logger.Info("shutting down", zap.String("signal", sig.String()))
}
