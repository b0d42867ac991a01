// Package app wires the daemon together: storage, configuration, the
// scheduler and its loop, the coalescing timer, metrics and the control
// server.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"

	"project-governor/internal/api"
	"project-governor/internal/config"
	"project-governor/internal/heartbeat"
	"project-governor/internal/logger"
	"project-governor/internal/loop"
	"project-governor/internal/metrics"
	"project-governor/internal/network"
	"project-governor/internal/scheduler"
	"project-governor/internal/security"
	"project-governor/internal/storage"
)

const loopBacklog = 1024

type App struct {
	settings  config.Settings
	logger    *slog.Logger
	logCloser io.Closer

	store    *storage.Storage
	servers  *network.ServerProperties
	loop     *loop.Loop
	timer    *heartbeat.CronTimer
	recorder *metrics.Recorder
	sched    *scheduler.Scheduler
	audit    *security.AuditLogger
	control  *api.ControlServer

	addr     net.Addr
	started  bool
	loopDone chan struct{}
}

// New builds every component from settings. Persisted overrides in the
// database take precedence over settings.
func New(settings config.Settings, console io.Writer) (*App, error) {
	level, err := settings.Level()
	if err != nil {
		return nil, err
	}
	log, logCloser, err := logger.New(console, settings.LogDir, level)
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}

	a := &App{logger: log, logCloser: logCloser, loopDone: make(chan struct{})}
	if err := a.build(settings); err != nil {
		a.closeResources()
		return nil, err
	}
	return a, nil
}

func (a *App) build(settings config.Settings) error {
	var err error
	if settings.DBPath == "" || settings.DBPath == ":memory:" {
		a.store, err = storage.OpenMemory()
	} else {
		a.store, err = storage.Open(settings.DBPath)
	}
	if err != nil {
		return err
	}

	if err := config.NewConfigManager(a.store).Apply(&settings); err != nil {
		return fmt.Errorf("apply stored settings: %w", err)
	}
	if err := settings.Validate(); err != nil {
		return err
	}
	a.settings = settings

	a.servers = network.NewServerProperties(a.logger.With("component", "servers"), a.store)
	if err := a.servers.Load(); err != nil {
		// Learned hints are an optimisation; start without them.
		a.logger.Warn("Starting without server hints", "error", err)
	}

	a.loop = loop.New(a.logger.With("component", "loop"), loopBacklog)
	a.timer = heartbeat.NewCronTimer(a.logger.With("component", "heartbeat"), a.loop)
	a.recorder = metrics.NewRecorder()

	opts := append(settings.SchedulerOptions(),
		scheduler.WithLogger(a.logger.With("component", "scheduler")),
		scheduler.WithServerProperties(a.servers),
		scheduler.WithTimer(a.timer),
		scheduler.WithObserver(a.recorder),
	)
	a.sched = scheduler.New(opts...)

	a.audit = security.NewAuditLogger(a.logger.With("component", "audit"), settings.LogDir)
	a.control = api.NewControlServer(api.Deps{
		Logger:    a.logger.With("component", "api"),
		Loop:      a.loop,
		Scheduler: a.sched,
		Servers:   a.servers,
		Metrics:   a.recorder.Handler(),
		Audit:     a.audit,
	}, api.Config{
		Token:     settings.APIToken,
		RateLimit: settings.APIRateLimit,
		Burst:     settings.APIBurst,
	})

	throttle, coalesce := settings.ThrottleMode.Flags()
	a.logger.Info("Governor configured",
		"throttle", throttle,
		"coalesce", coalesce,
		"outstanding_limit_group", settings.OutstandingLimitGroup,
		"coalesce_period", settings.CoalescePeriod,
		"debug_checks", settings.DebugChecks)
	return nil
}

// Start runs the loop and the control server. ctx bounds the loop.
func (a *App) Start(ctx context.Context) error {
	a.started = true
	go func() {
		defer close(a.loopDone)
		a.loop.Run(ctx)
	}()

	addr, err := a.control.Start(a.settings.ListenAddr)
	if err != nil {
		a.loop.Close()
		return err
	}
	a.addr = addr
	a.logger.Info("Governor started", "addr", addr.String())
	return nil
}

// Addr is the control server's bound address, valid after Start.
func (a *App) Addr() net.Addr { return a.addr }

func (a *App) Logger() *slog.Logger { return a.logger }

// Token is the control token callers must send.
func (a *App) Token() string { return a.settings.APIToken }

// Shutdown stops accepting control calls, drains the loop, stops the timer
// and flushes storage.
func (a *App) Shutdown(ctx context.Context) error {
	var errs []error
	if err := a.control.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("control server: %w", err))
	}

	a.loop.Close()
	if a.started {
		select {
		case <-a.loopDone:
		case <-ctx.Done():
			errs = append(errs, fmt.Errorf("loop: %w", ctx.Err()))
		}
	}

	if err := a.store.Checkpoint(); err != nil {
		errs = append(errs, fmt.Errorf("checkpoint: %w", err))
	}
	a.logger.Info("Governor stopped")
	if err := a.closeResources(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (a *App) closeResources() error {
	var errs []error
	if a.timer != nil {
		a.timer.Close()
	}
	if a.audit != nil {
		errs = append(errs, a.audit.Close())
	}
	if a.store != nil {
		errs = append(errs, a.store.Close())
	}
	if a.logCloser != nil {
		errs = append(errs, a.logCloser.Close())
	}
	return errors.Join(errs...)
}
