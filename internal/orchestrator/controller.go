// Package orchestrator owns the streaming session: start, stop, the teardown
// chain and the reaction to room events.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mikeyg42/psoagent/internal/devices"
	"github.com/mikeyg42/psoagent/internal/health"
	"github.com/mikeyg42/psoagent/internal/media"
	"github.com/mikeyg42/psoagent/internal/metrics"
	"github.com/mikeyg42/psoagent/internal/reconnect"
	"github.com/mikeyg42/psoagent/internal/scheduler"
	"github.com/mikeyg42/psoagent/internal/session"
	"github.com/mikeyg42/psoagent/internal/transport"
)

// Stop reasons reported to the session-state service.
const (
	ReasonCommand    = "COMMAND"
	ReasonDisconnect = "DISCONNECT"
	ReasonShutdown   = "SHUTDOWN"
)

// Reconnection trigger reasons raised by room events.
const (
	triggerStartFailed      = "start-failed"
	triggerDisconnected     = "room-disconnected"
	triggerTrackUnpublished = "track-unpublished"
)

// SessionReporter is the session-state collaborator.
type SessionReporter interface {
	SetActive(ctx context.Context) error
	SetInactive(ctx context.Context, reason string) error
}

// WakeLock is released by the teardown chain.
type WakeLock interface {
	Release(ctx context.Context) error
}

type Deps struct {
	Operator      string
	Policy        reconnect.Policy
	HealthEvery   time.Duration
	IdleKeepAwake bool

	Session     *session.State
	Scheduler   *scheduler.Scheduler
	Publisher   *media.Publisher
	Tracks      reconnect.TrackSource
	Credentials reconnect.CredentialSource
	Transport   reconnect.Connector
	Reporter    SessionReporter
	WakeLock    WakeLock
	Metrics     *metrics.Metrics
	Logger      *zap.Logger
}

// Controller is the single owner of the session state. Start and Stop are
// serialized; Stop latches manual stop and aborts an in-flight start before
// waiting for it.
type Controller struct {
	deps    Deps
	session *session.State
	engine  *reconnect.Engine
	monitor *health.Monitor
	logger  *zap.Logger

	mu sync.Mutex

	startMu     sync.Mutex
	startCancel context.CancelFunc
}

func New(ctx context.Context, deps Deps) *Controller {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Controller{
		deps:    deps,
		session: deps.Session,
		logger:  logger.Named("orchestrator"),
	}
	c.engine = reconnect.New(ctx, reconnect.Deps{
		Policy:      deps.Policy,
		Session:     deps.Session,
		Scheduler:   deps.Scheduler,
		Publisher:   deps.Publisher,
		Transport:   deps.Transport,
		Credentials: deps.Credentials,
		Tracks:      deps.Tracks,
		Events:      c.events(),
		Identity:    c.identity,
		OnRecovered: c.recovered,
		Metrics:     deps.Metrics,
		Logger:      logger,
	})
	c.monitor = health.NewMonitor(deps.HealthEvery, deps.Session, deps.Scheduler, deps.Publisher, c.engine, logger)
	return c
}

func (c *Controller) Session() *session.State { return c.session }

func (c *Controller) Engine() *reconnect.Engine { return c.engine }

func (c *Controller) Monitor() *health.Monitor { return c.monitor }

// identity is the SFU participant id: operator plus a session suffix.
func (c *Controller) identity() string {
	sid := c.session.SessionID()
	if len(sid) > 8 {
		sid = sid[:8]
	}
	if sid == "" {
		return c.deps.Operator
	}
	return c.deps.Operator + "#" + sid
}

// Start begins a session. It clears the manual-stop latch and is a no-op
// while a session is active. Only permission denial and a missing camera are
// returned; transport failures are handed to the reconnection engine.
func (c *Controller) Start(ctx context.Context) error {
	c.session.ClearManualStop()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	c.startMu.Lock()
	c.startCancel = cancel
	c.startMu.Unlock()

	c.mu.Lock()
	defer c.mu.Unlock()
	defer func() {
		c.startMu.Lock()
		c.startCancel = nil
		c.startMu.Unlock()
	}()

	if c.session.Active() {
		c.logger.Debug("Start ignored, session already active", zap.String("phase", string(c.session.Phase())))
		return nil
	}
	if c.session.ManualStop() {
		c.logger.Info("Start aborted by a stop issued while waiting")
		return nil
	}

	sid := uuid.NewString()
	c.session.Begin(sid)
	logger := c.logger.With(zap.String("session", sid))
	logger.Info("Starting session")

	track := c.deps.Publisher.Track()
	if track == nil || track.Ended() {
		if old := c.deps.Publisher.TakeTrack(); old != nil {
			_ = old.Stop()
		}
		var err error
		if track, err = c.deps.Tracks.Acquire(ctx); err != nil {
			c.session.SetIdle()
			if c.session.ManualStop() {
				logger.Info("Start superseded by stop")
				return nil
			}
			if errors.Is(err, devices.ErrPermissionDenied) || errors.Is(err, devices.ErrNoCamera) {
				logger.Error("Camera unavailable", zap.Error(err))
				return err
			}
			logger.Error("Camera acquisition failed", zap.Error(err))
			return fmt.Errorf("acquire camera: %w", err)
		}
		c.deps.Publisher.SetTrack(track)
	}

	room, err := c.connect(ctx, track)
	if c.session.ManualStop() {
		// A stop landed while connecting; it found nothing current.
		if room != nil {
			_ = c.deps.Transport.Teardown(room, track)
		}
		if t := c.deps.Publisher.TakeTrack(); t != nil {
			_ = t.Stop()
		}
		c.session.SetIdle()
		logger.Info("Start superseded by stop")
		return nil
	}
	if err != nil {
		logger.Warn("Initial connect failed, handing off to reconnection", zap.Error(err))
		if !c.engine.Trigger(triggerStartFailed) {
			c.session.SetIdle()
		}
		return nil
	}

	c.deps.Publisher.Adopt(room, track)
	c.session.SetStreaming()
	c.monitor.Start()
	c.reportActive(ctx)
	logger.Info("Session streaming", zap.String("room", room.ID()))
	return nil
}

func (c *Controller) connect(ctx context.Context, track devices.Track) (transport.Room, error) {
	cred, err := c.deps.Credentials.Credential(ctx)
	if err != nil {
		return nil, fmt.Errorf("credential: %w", err)
	}
	opts := transport.Options{
		Identity: c.identity(),
		Timeout:  c.deps.Policy.ConnectTimeoutFor(0),
	}
	return c.deps.Transport.Connect(ctx, cred, track, opts, c.events())
}

// Stop ends the session. ReasonCommand latches manual stop before anything
// else. Calling Stop with nothing active has no side effects.
func (c *Controller) Stop(ctx context.Context, reason string) error {
	c.Interrupt(reason)

	c.mu.Lock()
	defer c.mu.Unlock()

	room, track := c.deps.Publisher.Current()
	if !c.session.Active() && room == nil && track == nil {
		c.logger.Debug("Stop ignored, nothing active", zap.String("reason", reason))
		return nil
	}

	logger := c.logger.With(zap.String("session", c.session.SessionID()), zap.String("reason", reason))
	logger.Info("Stopping session")

	c.deps.Scheduler.CancelAll()
	c.engine.Cancel()

	hooks := media.Hooks{
		FlipState: func(context.Context) error {
			c.session.SetIdle()
			return nil
		},
	}
	if c.deps.WakeLock != nil && !c.deps.IdleKeepAwake {
		hooks.ReleaseWakeLock = c.deps.WakeLock.Release
	}
	if c.deps.Reporter != nil {
		hooks.Notify = func(ctx context.Context) error {
			return c.deps.Reporter.SetInactive(ctx, reason)
		}
	}
	err := c.deps.Publisher.Teardown(ctx, hooks)
	if err != nil {
		logger.Warn("Teardown finished with errors", zap.Error(err))
	} else {
		logger.Info("Session stopped")
	}
	return err
}

// Interrupt is the first half of Stop: it latches manual stop for
// ReasonCommand and aborts an in-flight Start. It never waits.
func (c *Controller) Interrupt(reason string) {
	if reason == ReasonCommand {
		c.session.LatchManualStop()
	}
	c.startMu.Lock()
	if c.startCancel != nil {
		c.startCancel()
	}
	c.startMu.Unlock()
}

// Close stops any session for shutdown without latching manual stop, so a
// restart may resume it.
func (c *Controller) Close(ctx context.Context) error {
	return c.Stop(ctx, ReasonShutdown)
}

func (c *Controller) recovered(ctx context.Context, room transport.Room) {
	if !c.deps.Publisher.IsCurrent(room) || c.session.ManualStop() {
		return
	}
	c.monitor.Start()
	c.reportActive(ctx)
}

func (c *Controller) reportActive(ctx context.Context) {
	if c.deps.Reporter == nil {
		return
	}
	if err := c.deps.Reporter.SetActive(ctx); err != nil {
		c.logger.Warn("Failed to report active session", zap.Error(err))
	}
}

func (c *Controller) events() transport.Events {
	return transport.Events{
		OnStateChange:      c.onStateChange,
		OnTrackUnpublished: c.onTrackUnpublished,
		OnParticipant:      c.onParticipant,
	}
}

func (c *Controller) onStateChange(room transport.Room, state transport.ConnectionState) {
	if !c.deps.Publisher.IsCurrent(room) {
		return
	}
	logger := c.logger.With(zap.String("room", room.ID()), zap.Stringer("state", state))
	switch state {
	case transport.StateReconnecting:
		logger.Warn("Room reconnecting")
	case transport.StateDisconnected:
		if c.session.ManualStop() {
			logger.Debug("Room disconnected after manual stop")
			return
		}
		logger.Warn("Room disconnected")
		c.monitor.Stop()
		c.engine.Trigger(triggerDisconnected)
	default:
		logger.Debug("Room state changed")
	}
}

func (c *Controller) onTrackUnpublished(room transport.Room, trackID string) {
	if !c.deps.Publisher.IsCurrent(room) || c.session.ManualStop() {
		return
	}
	track := c.deps.Publisher.Track()
	if track == nil || track.ID() != trackID {
		return
	}
	c.logger.Warn("Local track unpublished by the SFU", zap.String("track", trackID))
	c.monitor.Stop()
	c.engine.Trigger(triggerTrackUnpublished)
}

func (c *Controller) onParticipant(room transport.Room, identity string, joined bool) {
	if !c.deps.Publisher.IsCurrent(room) {
		return
	}
	c.logger.Info("Participant update", zap.String("participant", identity), zap.Bool("joined", joined))
}

// SyncMetrics mirrors session phases into the streaming/retrying gauges until
// ctx is done.
func (c *Controller) SyncMetrics(ctx context.Context) {
	ch, unsubscribe := c.session.Subscribe()
	defer unsubscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case snap := <-ch:
			c.deps.Metrics.SetPhase(snap.Streaming, snap.Retrying)
		}
	}
}
