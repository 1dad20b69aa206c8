// Package daemon wires the runtime into one long-running process: file
// lock, store, orchestration loop, operator socket, inbox watcher,
// notification fan-out and the metrics endpoint.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/msageha/taskweave/internal/events"
	"github.com/msageha/taskweave/internal/gate"
	"github.com/msageha/taskweave/internal/graph"
	"github.com/msageha/taskweave/internal/invocation"
	"github.com/msageha/taskweave/internal/knowledge"
	"github.com/msageha/taskweave/internal/lock"
	"github.com/msageha/taskweave/internal/metrics"
	"github.com/msageha/taskweave/internal/model"
	"github.com/msageha/taskweave/internal/notify"
	"github.com/msageha/taskweave/internal/orchestrator"
	"github.com/msageha/taskweave/internal/requests"
	"github.com/msageha/taskweave/internal/safety"
	"github.com/msageha/taskweave/internal/store"
	"github.com/msageha/taskweave/internal/uds"
	"github.com/msageha/taskweave/internal/worker"
)

const (
	auditMaxBytes     = 10 * 1024 * 1024
	busBuffer         = 256
	stateCountsPeriod = 30 * time.Second
)

// ParseLogLevel maps a config level to zerolog; unknown levels are info.
func ParseLogLevel(s string) zerolog.Level {
	switch s {
	case "warning":
		return zerolog.WarnLevel
	case "":
		return zerolog.InfoLevel
	}
	lvl, err := zerolog.ParseLevel(s)
	if err != nil || lvl == zerolog.NoLevel {
		return zerolog.InfoLevel
	}
	return lvl
}

// Daemon is the taskweave runtime process.
type Daemon struct {
	root    string
	config  model.Config
	logger  zerolog.Logger
	logFile io.Closer

	fileLock *lock.FileLock
	server   *uds.Server

	registry  *prometheus.Registry
	collector *metrics.Collector
	store     store.Store
	orch      *orchestrator.Orchestrator
	bus       *events.Bus
	audit     *events.AuditLogger
	nc        *nats.Conn
	inbox     *Inbox

	cancel context.CancelFunc
}

// New creates a daemon logging to <root>/logs/daemon.log.
func New(root string, cfg model.Config) (*Daemon, error) {
	logPath := filepath.Join(root, "logs", "daemon.log")
	if err := os.MkdirAll(filepath.Dir(logPath), 0755); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}
	logFile, err := os.OpenFile(logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("open daemon log: %w", err)
	}
	return newDaemon(root, cfg, logFile, logFile), nil
}

func newDaemon(root string, cfg model.Config, w io.Writer, closer io.Closer) *Daemon {
	logger := zerolog.New(w).Level(ParseLogLevel(cfg.Logging.Level)).
		With().Timestamp().Str("component", "daemon").Logger()
	return &Daemon{
		root:     root,
		config:   cfg,
		logger:   logger,
		logFile:  closer,
		fileLock: lock.NewFileLock(filepath.Join(root, "locks", "daemon.lock")),
		server:   uds.NewServer(filepath.Join(root, uds.DefaultSocketName), logger),
	}
}

// build constructs every component from the config. Nothing is started.
func (d *Daemon) build() error {
	cfg := d.config
	logger := d.logger

	d.registry = prometheus.NewRegistry()
	d.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	d.collector = metrics.NewCollector(d.registry)

	st, err := d.openStore()
	if err != nil {
		return err
	}
	d.store = st

	workers := worker.NewRegistry()
	for name, wc := range cfg.Workers {
		workers.Register(name, worker.NewSubprocess(wc, cfg.Retry.Transport.RetryableExitCodes))
	}

	var fetcher gate.ContextFetcher
	if dir := d.path(cfg.Knowledge.Dir); dir != "" {
		fetcher = knowledge.New(dir)
	}
	g := gate.New(st, &d.config, fetcher, time.Duration(cfg.Limits.FetchTimeoutSec)*time.Second, logger)
	mon := safety.New(cfg.Limits, d.collector, logger)
	inv := invocation.NewManager(invocation.Options{
		MaxConcurrent:    cfg.Limits.MaxConcurrentInvocations,
		PriorityAgingSec: cfg.Queue.PriorityAgingSec,
		Retry:            cfg.Retry.Transport,
	}, workers, invocation.NewStepping(), mon, d.collector, logger)

	if err := d.buildNotifications(); err != nil {
		return err
	}

	d.orch = orchestrator.New(orchestrator.Options{
		Store:     st,
		Graph:     graph.New(),
		Gate:      g,
		Invoker:   inv,
		Processor: requests.New(g, logger),
		Safety:    mon,
		Notifier:  d.bus,
		Metrics:   d.collector,
		Logger:    logger,
	})
	d.inbox = NewInbox(filepath.Join(d.root, cfg.Daemon.InboxDir), d.root, d.orch, logger)
	d.logger.Info().Str("store", cfg.Store.Backend).Strs("workers", workers.Types()).
		Int("frameworks", len(cfg.Frameworks)).Msg("components_built")
	return nil
}

func (d *Daemon) openStore() (store.Store, error) {
	switch d.config.Store.Backend {
	case "memory":
		return store.NewMemoryStore(), nil
	case "yaml", "":
		st, err := store.OpenYAMLStore(d.root, d.config.Store.Dir, d.logger)
		if err != nil {
			return nil, fmt.Errorf("open store: %w", err)
		}
		return st, nil
	}
	return nil, fmt.Errorf("unknown store backend %q", d.config.Store.Backend)
}

// buildNotifications sets up the bus with the audit log, and NATS and
// desktop forwarding when configured.
func (d *Daemon) buildNotifications() error {
	d.bus = events.NewBus(busBuffer, d.logger)
	d.bus.OnDrop(func(k events.Kind) { d.collector.RecordDropped(string(k)) })

	audit, err := events.NewAuditLogger(filepath.Join(d.root, "audit", "events.jsonl"), auditMaxBytes)
	if err != nil {
		return fmt.Errorf("open audit log: %w", err)
	}
	d.audit = audit
	d.bus.Subscribe(audit.Record)

	if url := d.config.Notify.NATSURL; url != "" {
		nc, err := notify.Connect(url, d.logger)
		if err != nil {
			// The runtime works without NATS; notifications still reach the audit log.
			d.logger.Warn().Err(err).Msg("nats_unavailable")
		} else {
			d.nc = nc
			fwd := notify.NewNATSForwarder(nc, d.config.Notify.SubjectPrefix, d.logger)
			d.bus.Subscribe(fwd.Forward)
		}
	}
	if d.config.Notify.Desktop && notify.Supported() {
		d.bus.Subscribe(notify.NewDesktop(d.logger).Forward, events.KindHold, events.KindSafetyTrip)
	}
	return nil
}

func (d *Daemon) path(p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(d.root, p)
}

// Run starts the daemon and blocks until ctx is cancelled, a shutdown
// signal arrives or an operator requests shutdown.
func (d *Daemon) Run(ctx context.Context) error {
	if err := d.fileLock.TryLock(); err != nil {
		return fmt.Errorf("daemon lock: %w", err)
	}
	defer func() {
		_ = d.fileLock.Unlock()
		if d.logFile != nil {
			_ = d.logFile.Close()
		}
	}()
	d.logger.Info().Int("pid", os.Getpid()).Str("root", d.root).Msg("daemon_starting")

	if err := d.build(); err != nil {
		d.closeNotifications()
		return err
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGTERM, syscall.SIGINT)
	defer stop()
	ctx, d.cancel = context.WithCancel(ctx)
	defer d.cancel()

	if err := d.orch.Start(ctx); err != nil {
		d.closeNotifications()
		return fmt.Errorf("start orchestrator: %w", err)
	}
	d.registerHandlers()
	d.server.Observe(d.collector.RecordCommand)
	if err := d.server.Start(); err != nil {
		d.orch.Stop()
		d.closeNotifications()
		return fmt.Errorf("start UDS server: %w", err)
	}

	eg, gctx := errgroup.WithContext(ctx)
	eg.Go(func() error { return d.inbox.Run(gctx) })
	eg.Go(func() error { return d.stateCountsLoop(gctx) })
	if d.config.Metrics.Enabled {
		eg.Go(func() error { return metrics.Serve(gctx, d.config.Metrics.Addr, d.registry) })
		d.logger.Info().Str("addr", d.config.Metrics.Addr).Msg("metrics_listening")
	}
	d.logger.Info().Str("socket", filepath.Join(d.root, uds.DefaultSocketName)).Msg("daemon_ready")

	<-gctx.Done()
	d.logger.Info().Msg("shutdown_started")
	d.cancel()
	runErr := d.shutdown(eg)
	d.logger.Info().Msg("daemon_stopped")
	return runErr
}

func (d *Daemon) shutdown(eg *errgroup.Group) error {
	_ = d.server.Stop()

	timeout := time.Duration(d.config.Daemon.ShutdownTimeoutSec) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	done := make(chan error, 1)
	go func() {
		d.orch.Stop()
		done <- eg.Wait()
	}()

	var err error
	select {
	case err = <-done:
		d.logger.Info().Msg("drained")
	case <-time.After(timeout):
		d.logger.Warn().Dur("timeout", timeout).Msg("shutdown_timeout")
	}
	d.closeNotifications()
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	return err
}

func (d *Daemon) closeNotifications() {
	if d.bus != nil {
		d.bus.Close()
	}
	if d.audit != nil {
		_ = d.audit.Close()
	}
	if d.nc != nil {
		_ = d.nc.Drain()
	}
}

// Shutdown asks a running daemon to stop.
func (d *Daemon) Shutdown() {
	if d.cancel != nil {
		d.cancel()
	}
}

func (d *Daemon) stateCountsLoop(ctx context.Context) error {
	ticker := time.NewTicker(stateCountsPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			counts, err := d.orch.StateCounts()
			if err != nil {
				d.logger.Error().Err(err).Msg("state_counts_failed")
				continue
			}
			ev := d.logger.Debug()
			for s, n := range counts {
				ev = ev.Int(string(s), n)
			}
			ev.Msg("state_counts")
		}
	}
}
