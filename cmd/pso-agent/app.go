package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mikeyg42/psoagent/internal/api"
	"github.com/mikeyg42/psoagent/internal/backend"
	"github.com/mikeyg42/psoagent/internal/command"
	"github.com/mikeyg42/psoagent/internal/config"
	"github.com/mikeyg42/psoagent/internal/devices"
	"github.com/mikeyg42/psoagent/internal/devices/mediadev"
	"github.com/mikeyg42/psoagent/internal/media"
	"github.com/mikeyg42/psoagent/internal/metrics"
	"github.com/mikeyg42/psoagent/internal/orchestrator"
	"github.com/mikeyg42/psoagent/internal/presence"
	"github.com/mikeyg42/psoagent/internal/reconnect"
	"github.com/mikeyg42/psoagent/internal/scheduler"
	"github.com/mikeyg42/psoagent/internal/session"
	"github.com/mikeyg42/psoagent/internal/signaling"
	"github.com/mikeyg42/psoagent/internal/transport"
)

const previewInterval = time.Second

// Application struct that holds all components
type Application struct {
	config *config.Config
	logger *zap.Logger

	scheduler   *scheduler.Scheduler
	controller  *orchestrator.Controller
	processor   *command.Processor
	signaling   *signaling.Client
	coordinator *presence.Coordinator
	sleep       *presence.SleepDetector
	network     *presence.NetWatcher
	apiServer   *api.Server
}

func NewApplication(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*Application, error) {
	m := metrics.New()

	backendClient, err := backend.New(cfg.Backend, cfg.Operator.Email, backend.NewTokenSource(context.Background(), cfg.Backend), logger)
	if err != nil {
		return nil, err
	}

	camBackend, err := mediadev.New(cfg.Video, cfg.Devices.CaptureAudio, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create capture backend: %w", err)
	}
	selector := devices.NewSelector(camBackend, devices.Policy{
		Preferred: cfg.Devices.PreferredModel,
		Excluded:  cfg.Devices.ExcludedModel,
	}, logger)

	preview := media.NewFramePreview(previewInterval, m, logger)
	publisher := media.NewPublisher(preview, m, logger)
	dialer := &transport.SFUDialer{
		ICEServers:    cfg.Transport.ICEServers,
		CodecSelector: camBackend.CodecSelector(),
		Logger:        logger,
	}
	manager := transport.NewManager(dialer, publisher, media.NewDrainSink(m, logger), m, logger)

	state := session.New()
	sched := scheduler.New()
	wakeLock := presence.NewInhibitorLock(logger)

	controller := orchestrator.New(ctx, orchestrator.Deps{
		Operator:      cfg.Operator.Email,
		Policy:        reconnect.PolicyFromConfig(cfg.Retry),
		HealthEvery:   cfg.Health.Interval,
		IdleKeepAwake: cfg.Presence.IdleKeepAwake,
		Session:       state,
		Scheduler:     sched,
		Publisher:     publisher,
		Tracks:        selector,
		Credentials:   backendClient,
		Transport:     manager,
		Reporter:      backendClient,
		WakeLock:      wakeLock,
		Metrics:       m,
		Logger:        logger,
	})

	processor, err := command.New(command.Deps{
		Operator:     cfg.Operator.Email,
		ResumeWindow: cfg.Commands.ResumeWindow,
		DedupeSize:   cfg.Commands.DedupeSize,
		Controller:   controller,
		Session:      state,
		Pending:      backendClient,
		History:      backendClient,
		Metrics:      m,
		Logger:       logger,
	})
	if err != nil {
		sched.Close()
		return nil, fmt.Errorf("failed to create command processor: %w", err)
	}

	sig := signaling.New(signaling.Options{
		URL:              cfg.Signaling.URL,
		Token:            backendClient.TokenSource(),
		HandshakeTimeout: cfg.Signaling.HandshakeWait,
		MaxRedialDelay:   cfg.Signaling.MaxRedialDelay,
	}, m, logger)

	app := &Application{
		config:     cfg,
		logger:     logger,
		scheduler:  sched,
		controller: controller,
		processor:  processor,
		signaling:  sig,
	}

	app.coordinator = presence.NewCoordinator(presence.Deps{
		Operator:      cfg.Operator.Email,
		PresenceGroup: cfg.Signaling.PresenceGroup,
		CommandGroup:  cfg.CommandGroup(),
		IdleKeepAwake: cfg.Presence.IdleKeepAwake,
		Session:       state,
		Signaling:     sig,
		Presence:      backendClient,
		WakeLock:      wakeLock,
		Metrics:       m,
		Logger:        logger,
		OnRejoined:    app.resume,
	})
	app.sleep = presence.NewSleepDetector(cfg.Presence.SleepTick, cfg.Presence.SleepThreshold, app.coordinator.Post, logger)
	app.network = presence.NewNetWatcher(cfg.Presence.NetPoll, nil, app.coordinator.Post, logger)

	commandGroup := cfg.CommandGroup()
	sig.OnMessage(func(msg signaling.Message) {
		if msg.Group != commandGroup {
			return
		}
		processor.Deliver(msg.Payload)
	})
	sig.OnConnected(func() { app.coordinator.Post(presence.EventConnected) })

	if cfg.API.Enabled {
		app.apiServer = api.NewServer(cfg.API.Addr, api.Deps{
			Operator:   cfg.Operator.Email,
			Session:    state,
			Engine:     controller.Engine(),
			Preview:    preview,
			Visibility: app.coordinator,
			Signaling:  sig,
			Metrics:    m.Handler(),
			RateLimit:  cfg.API.RateLimit,
			Logger:     logger,
		})
	}
	return app, nil
}

// Run starts every background subsystem and blocks until ctx is cancelled or
// one of them fails.
func (app *Application) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		app.controller.SyncMetrics(ctx)
		return nil
	})
	g.Go(func() error { return app.processor.Run(ctx) })
	g.Go(func() error {
		app.coordinator.Run(ctx)
		return nil
	})
	g.Go(func() error {
		app.sleep.Run(ctx)
		return nil
	})
	g.Go(func() error {
		app.network.Run(ctx)
		return nil
	})

	// SIGCONT follows a stop of the whole process, which the sleep detector
	// may miss when the pause is short.
	g.Go(func() error {
		contChan := make(chan os.Signal, 1)
		signal.Notify(contChan, syscall.SIGCONT)
		defer signal.Stop(contChan)
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-contChan:
				app.coordinator.Post(presence.EventResumed)
			}
		}
	})

	g.Go(func() error {
		err := app.signaling.Connect(ctx, app.config.Operator.Email)
		if err != nil && ctx.Err() == nil && !errors.Is(err, signaling.ErrClosed) {
			return fmt.Errorf("signaling: %w", err)
		}
		return nil
	})
	// A permanent rejection after a drop leaves nothing to receive directives.
	g.Go(func() error {
		select {
		case <-ctx.Done():
			return nil
		case err := <-app.signaling.Failed():
			return fmt.Errorf("signaling redial: %w", err)
		}
	})

	if app.apiServer != nil {
		g.Go(func() error { return app.apiServer.Run(ctx) })
	}

	app.logger.Info("Agent running",
		zap.String("operator", app.config.Operator.Email),
		zap.String("command_group", app.config.CommandGroup()),
		zap.Bool("api", app.apiServer != nil))
	return g.Wait()
}

// resume runs after every rejoin that follows a fresh signaling connection.
func (app *Application) resume(ctx context.Context) {
	started, err := app.processor.Resume(ctx)
	if err != nil {
		app.logger.Warn("Resume failed", zap.Error(err))
		return
	}
	if started {
		app.logger.Info("Session resumed after reconnect")
	}
}

// Cleanup stops streaming, reports offline and closes the signaling link.
func (app *Application) Cleanup(ctx context.Context) {
	if err := app.controller.Close(ctx); err != nil {
		app.logger.Warn("Controller shutdown reported errors", zap.Error(err))
	}
	if err := app.coordinator.Close(ctx); err != nil {
		app.logger.Warn("Presence shutdown reported errors", zap.Error(err))
	}
	if err := app.signaling.Close(); err != nil {
		app.logger.Warn("Signaling close failed", zap.Error(err))
	}
	app.scheduler.Close()
	app.logger.Info("Agent stopped")
}
