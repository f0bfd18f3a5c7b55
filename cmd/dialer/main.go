// Command dialer is the single campaign-dialer binary. Which role it plays
// is selected by its first argument: serve, worker, ticker, or
// queue-drainer. Running multiple roles side by side is process
// supervision, composed externally (docker-compose, a process manager),
// not something the binary does for itself.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"campaign-dialer/internal/admission"
	"campaign-dialer/internal/api"
	"campaign-dialer/internal/clock"
	"campaign-dialer/internal/config"
	"campaign-dialer/internal/lifecycle"
	"campaign-dialer/internal/metrics"
	"campaign-dialer/internal/observability"
	"campaign-dialer/internal/persistence"
	"campaign-dialer/internal/provider"
	"campaign-dialer/internal/queue"
	"campaign-dialer/internal/queueproc"
	"campaign-dialer/internal/retryticker"
	"campaign-dialer/internal/schedule"
	"campaign-dialer/internal/slots"
	"campaign-dialer/internal/store/postgres"
	"campaign-dialer/internal/taskbus"
)

type deps struct {
	cfg       *config.Config
	logger    *zap.Logger
	db        *postgres.DB
	redis     *persistence.RedisClient
	bus       *taskbus.Bus
	registry  *slots.Registry
	queue     *queue.Queue
	oracle    *schedule.Oracle
	admission *admission.Controller
	provider  *provider.Client
	lifecycle *lifecycle.Machine
	processor *queueproc.Processor
	rec       *metrics.Recorder
}

func bootstrap(ctx context.Context) (*deps, func(), error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}

	logger, err := observability.NewLogger(cfg.LogLevel)
	if err != nil {
		logger = observability.NewDevelopmentLogger()
	}

	shutdownOtel, err := observability.SetupOpenTelemetry("campaign-dialer", logger)
	if err != nil {
		logger.Warn("otel setup failed, continuing without it", zap.Error(err))
		shutdownOtel = func() {}
	}

	db, err := postgres.New(ctx, cfg.PostgresURL, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("postgres: %w", err)
	}
	if err := db.RunMigrations(cfg.PostgresURL); err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("migrations: %w", err)
	}

	rdb, err := persistence.NewRedis(ctx, cfg.RedisURL)
	if err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("redis: %w", err)
	}

	bus, err := taskbus.Connect(cfg.NATSURL, logger, db)
	if err != nil {
		db.Close()
		rdb.Close()
		return nil, nil, fmt.Errorf("taskbus: %w", err)
	}

	registry := slots.New(rdb.Client, cfg.MaxConcurrentCalls, time.Duration(cfg.DuplicateCallWindowMinutes)*time.Minute)
	pendingQueue := queue.New(rdb.Client)
	oracle, err := schedule.NewOracle(cfg.RetryScheduleConfigPath)
	if err != nil {
		db.Close()
		rdb.Close()
		bus.Close(0)
		return nil, nil, fmt.Errorf("schedule oracle: %w", err)
	}

	adm := admission.New(registry)
	prov := provider.New(cfg.ProviderBaseURL)
	rec := metrics.NewRecorder(db, prometheus.DefaultRegisterer)

	lc := lifecycle.New(db, adm, bus, prov, oracle, pendingQueue, clock.Real(), logger, cfg.MaxRetryAttempts, rec)
	proc := queueproc.New(db, adm, pendingQueue, lc, logger)
	lc.SetKicker(proc)

	bus.SetRetryPolicy(taskbus.TaskInitiateCall, taskbus.RetryPolicy{MaxAttempts: 3, BaseDelay: 60 * time.Second})
	bus.SetRetryPolicy(taskbus.TaskRetryCall, taskbus.RetryPolicy{MaxAttempts: 3, BaseDelay: 60 * time.Second})

	deadLetterInitiate := func(ctx context.Context, payload json.RawMessage) {
		var p lifecycle.InitiateTaskPayload
		if err := json.Unmarshal(payload, &p); err != nil {
			logger.Error("dead letter hook: unmarshal initiate payload", zap.Error(err))
			return
		}
		if err := lc.FailDeadLettered(ctx, p.CallID); err != nil {
			logger.Error("dead letter hook: fail call record", zap.String("call_id", p.CallID.String()), zap.Error(err))
		}
	}
	bus.OnDeadLetter(taskbus.TaskInitiateCall, deadLetterInitiate)
	bus.OnDeadLetter(taskbus.TaskRetryCall, deadLetterInitiate)

	d := &deps{
		cfg:       cfg,
		logger:    logger,
		db:        db,
		redis:     rdb,
		bus:       bus,
		registry:  registry,
		queue:     pendingQueue,
		oracle:    oracle,
		admission: adm,
		provider:  prov,
		lifecycle: lc,
		processor: proc,
		rec:       rec,
	}

	cleanup := func() {
		shutdownOtel()
		bus.Close(time.Duration(cfg.ShutdownGraceSeconds) * time.Second)
		rdb.Close()
		db.Close()
		_ = logger.Sync()
	}

	return d, cleanup, nil
}

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "usage: dialer <serve|worker|ticker|queue-drainer>")
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	d, cleanup, err := bootstrap(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "bootstrap failed: %v\n", err)
		os.Exit(1)
	}
	defer cleanup()

	switch os.Args[1] {
	case "serve":
		runServe(ctx, d)
	case "worker":
		runWorker(ctx, d)
	case "ticker":
		runTicker(ctx, d)
	case "queue-drainer":
		runQueueDrainer(ctx, d)
	default:
		fmt.Fprintf(os.Stderr, "unknown role %q: want serve|worker|ticker|queue-drainer\n", os.Args[1])
		os.Exit(1)
	}
}

func runServe(ctx context.Context, d *deps) {
	h := api.NewHandlers(d.db, d.lifecycle, d.admission, d.rec, d.logger, d.cfg.MaxConcurrentCalls)

	app := fiber.New(fiber.Config{
		ReadTimeout:  d.cfg.ReadTimeout,
		WriteTimeout: d.cfg.WriteTimeout,
		IdleTimeout:  d.cfg.IdleTimeout,
	})
	api.SetupRoutes(app, d.logger, d.cfg.AuthToken, h)

	go d.processor.RunSafetyNet(ctx)

	go func() {
		if err := app.Listen(":" + d.cfg.Port); err != nil {
			d.logger.Fatal("serve: listener failed", zap.Error(err))
		}
	}()

	<-ctx.Done()
	d.logger.Info("serve: shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Duration(d.cfg.ShutdownGraceSeconds)*time.Second)
	defer cancel()
	if err := app.ShutdownWithContext(shutdownCtx); err != nil {
		d.logger.Error("serve: graceful shutdown failed", zap.Error(err))
	}
}

func runWorker(ctx context.Context, d *deps) {
	handleInitiate := func(ctx context.Context, payload json.RawMessage) error {
		var p lifecycle.InitiateTaskPayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return err
		}
		return d.lifecycle.HandleInitiateTask(ctx, p.CallID, p.CampaignID, p.Number)
	}

	if err := d.bus.Subscribe(taskbus.TaskInitiateCall, d.cfg.InitiateWorkers, handleInitiate); err != nil {
		d.logger.Fatal("worker: subscribe initiate", zap.Error(err))
	}
	if err := d.bus.Subscribe(taskbus.TaskRetryCall, d.cfg.RetryWorkers, handleInitiate); err != nil {
		d.logger.Fatal("worker: subscribe retry", zap.Error(err))
	}

	d.logger.Info("worker: subscribed to task classes",
		zap.Int("initiate_workers", d.cfg.InitiateWorkers),
		zap.Int("retry_workers", d.cfg.RetryWorkers))

	<-ctx.Done()
	d.logger.Info("worker: shutdown signal received, draining in-flight tasks")
}

func runTicker(ctx context.Context, d *deps) {
	t := retryticker.New(d.db, d.oracle, d.admission, d.lifecycle, clock.Real(), d.logger, d.cfg.MaxRetryAttempts)
	d.logger.Info("ticker: running")
	t.Run(ctx)
}

func runQueueDrainer(ctx context.Context, d *deps) {
	d.logger.Info("queue-drainer: running safety net sweep")
	d.processor.RunSafetyNet(ctx)
}
