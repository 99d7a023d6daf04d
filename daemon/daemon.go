// Package daemon runs the long lived side of the wallet: the gate sweeper,
// the reconciler for timed out operations, the event outbox worker and the
// ops http endpoint.
package daemon

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/AvaProtocol/ap-wallet/core/aaengine"
	"github.com/AvaProtocol/ap-wallet/core/apqueue"
	"github.com/AvaProtocol/ap-wallet/core/backup"
	"github.com/AvaProtocol/ap-wallet/core/config"
	"github.com/AvaProtocol/ap-wallet/core/migrator"
	"github.com/AvaProtocol/ap-wallet/metrics"
	"github.com/AvaProtocol/ap-wallet/migrations"
	"github.com/AvaProtocol/ap-wallet/pkg/logger"
	"github.com/AvaProtocol/ap-wallet/storage"
	"github.com/AvaProtocol/ap-wallet/version"
)

const (
	webhookTimeout   = 10 * time.Second
	outboxRetention  = 7 * 24 * time.Hour
	outboxCleanEvery = time.Hour
	reconcileTimeout = 2 * time.Minute
)

type Status string

const (
	initStatus     Status = "init"
	runningStatus  Status = "running"
	shutdownStatus Status = "shutdown"
)

// RunWithConfig loads the config at path and runs until SIGINT or SIGTERM.
func RunWithConfig(configPath string) error {
	cfg, err := config.NewConfig(configPath)
	if err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", configPath, err)
	}

	l, err := logger.New(cfg.Environment)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}

	return New(cfg, l).Start(context.Background())
}

type Daemon struct {
	config *config.Config
	logger logger.Logger

	db       storage.Storage
	queue    *apqueue.Queue
	worker   *apqueue.Worker
	registry *prometheus.Registry
	metrics  *metrics.EngineMetrics

	gate       *aaengine.ConcurrencyGate
	sweeper    *aaengine.Sweeper
	reconciler gocron.Scheduler
	backup     *backup.Service
	runtimes   map[string]*aaengine.Runtime
	http       *echo.Echo

	mu     sync.RWMutex
	status Status
}

func New(cfg *config.Config, l logger.Logger) *Daemon {
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())

	return &Daemon{
		config:   cfg,
		logger:   logger.EnsureLogger(l),
		registry: registry,
		metrics:  metrics.NewEngineMetrics(registry),
		runtimes: make(map[string]*aaengine.Runtime),
		status:   initStatus,
	}
}

func (d *Daemon) setStatus(s Status) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.status = s
}

func (d *Daemon) Status() Status {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.status
}

func (d *Daemon) initDB() error {
	var err error
	d.db, err = storage.NewWithPath(d.config.DbPath)
	if err != nil {
		return fmt.Errorf("failed to open storage at %s: %w", d.config.DbPath, err)
	}
	d.registry.MustRegister(metrics.NewGateCollector(d.db, aaengine.GatePrefix, d.logger))
	return nil
}

func (d *Daemon) migrate(ctx context.Context) error {
	m := migrator.NewMigrator(d.db, backup.NewService(d.logger, d.db, d.config.Backup.Dir), migrations.Migrations, d.logger)
	if err := m.Run(ctx); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}

// startOutbox delivers operation events to the webhook, or to the log when
// no webhook is configured.
func (d *Daemon) startOutbox() error {
	d.queue = apqueue.New(d.db, d.logger, &apqueue.QueueOption{Prefix: "events"})
	d.queue.MustStart()

	recovered, err := d.queue.Recover()
	if err != nil {
		return fmt.Errorf("failed to recover outbox: %w", err)
	}
	if recovered > 0 {
		d.logger.Info("requeued in progress events", "count", recovered)
	}

	d.worker = apqueue.NewWorker(d.queue)
	if d.config.NotifyURL != "" {
		d.worker.RegisterProcessor(aaengine.EventJobType, apqueue.NewWebhookProcessor(d.config.NotifyURL, webhookTimeout))
	} else {
		d.worker.RegisterProcessor(aaengine.EventJobType, &apqueue.LogProcessor{Logger: d.logger})
	}
	d.worker.MustStart()
	return d.queue.SchedulePeriodicCleanup(outboxCleanEvery, outboxRetention)
}

// startEngines builds one engine per configured network. A network whose
// node or bundler cannot be reached is skipped and logged.
func (d *Daemon) startEngines(ctx context.Context) {
	notifier := aaengine.NewOutboxNotifier(d.queue)
	for _, name := range d.networks() {
		rt, err := aaengine.Build(ctx, d.config, name, d.db, notifier, d.metrics, d.logger.With("network", name))
		if err != nil {
			d.logger.Error("skip network", "network", name, "error", err)
			continue
		}
		d.runtimes[name] = rt
	}
}

func (d *Daemon) networks() []string {
	names := make([]string, 0, len(d.config.Networks))
	for name := range d.config.Networks {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (d *Daemon) startSweeper() error {
	d.gate = aaengine.NewConcurrencyGate(d.db, d.config.Gate.StalenessThreshold, d.logger)
	d.sweeper = aaengine.NewSweeper(d.gate, d.config.Gate.SweepInterval, d.metrics, d.logger)
	return d.sweeper.Start()
}

func (d *Daemon) startReconciler() error {
	var err error
	d.reconciler, err = gocron.NewScheduler()
	if err != nil {
		return fmt.Errorf("failed to initialize reconciler: %w", err)
	}

	_, err = d.reconciler.NewJob(
		gocron.DurationJob(d.config.Gate.SweepInterval),
		gocron.NewTask(d.reconcileAll),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return fmt.Errorf("failed to create reconcile job: %w", err)
	}
	d.reconciler.Start()
	return nil
}

// reconcileAll gives every timed out operation one more receipt lookup round.
func (d *Daemon) reconcileAll() {
	for name, rt := range d.runtimes {
		pending, err := rt.Engine.PendingOperations()
		if err != nil {
			d.logger.Error("cannot list pending operations", "network", name, "error", err)
			continue
		}
		for _, rec := range pending {
			ctx, cancel := context.WithTimeout(context.Background(), reconcileTimeout)
			res, err := rt.Engine.Reconcile(ctx, rec.ID)
			cancel()
			if err != nil {
				d.logger.Debug("operation still pending", "operation_id", rec.ID, "network", name, "error", err)
				continue
			}
			d.logger.Info("reconciled operation", "operation_id", rec.ID, "network", name, "state", res.State)
		}
	}
}

// startBackup snapshots the database on the configured interval. A zero
// interval leaves backups to the backup command.
func (d *Daemon) startBackup() error {
	if d.config.Backup.Interval <= 0 {
		return nil
	}
	d.backup = backup.NewService(d.logger, d.db, d.config.Backup.Dir)
	return d.backup.StartPeriodicBackup(d.config.Backup.Interval)
}

func (d *Daemon) Start(ctx context.Context) error {
	d.logger.Info("starting wallet daemon", "version", version.Get(), "commit", version.Commit())

	if err := d.initDB(); err != nil {
		return err
	}
	defer d.db.Close()

	if err := d.migrate(ctx); err != nil {
		return err
	}
	if err := d.startOutbox(); err != nil {
		return err
	}
	d.startEngines(ctx)

	if err := d.startSweeper(); err != nil {
		return err
	}
	if err := d.startReconciler(); err != nil {
		return err
	}
	if err := d.startBackup(); err != nil {
		return err
	}
	d.startHttpServer()
	d.setStatus(runningStatus)

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sigs:
	case <-ctx.Done():
	}

	d.logger.Info("shutting down")
	d.setStatus(shutdownStatus)
	d.stop()
	return nil
}

func (d *Daemon) stop() {
	if d.http != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := d.http.Shutdown(shutdownCtx); err != nil {
			d.logger.Warn("http shutdown", "error", err)
		}
		cancel()
	}
	if d.reconciler != nil {
		if err := d.reconciler.Shutdown(); err != nil {
			d.logger.Warn("reconciler shutdown", "error", err)
		}
	}
	if d.backup != nil {
		d.backup.StopPeriodicBackup()
	}
	if d.sweeper != nil {
		if err := d.sweeper.Stop(); err != nil {
			d.logger.Warn("sweeper shutdown", "error", err)
		}
	}
	if d.queue != nil {
		if err := d.queue.Stop(); err != nil {
			d.logger.Warn("outbox shutdown", "error", err)
		}
	}
	for _, rt := range d.runtimes {
		rt.Close()
	}
}
