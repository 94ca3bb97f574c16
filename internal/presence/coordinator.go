// Package presence keeps the operator joined to the presence and command
// groups, republishes online presence, and holds a wake lock while the
// session needs the host awake.
package presence

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/mikeyg42/psoagent/internal/metrics"
	"github.com/mikeyg42/psoagent/internal/session"
)

// Event is something that requires a rejoin.
type Event string

const (
	EventConnected Event = "connected"
	EventVisible   Event = "visible"
	EventOnline    Event = "online"
	EventResumed   Event = "resumed"
	// EventWoke forces a signaling reconnect; the rejoin follows on
	// EventConnected.
	EventWoke Event = "woke"

	// visibilityLost only re-evaluates the wake lock.
	visibilityLost Event = "visibility-lost"
)

// Signaling is the part of the signaling client the coordinator drives.
type Signaling interface {
	JoinGroup(ctx context.Context, name string) error
	Notify(ctx context.Context, method string, params any) error
	// Reconnect starts a fresh connection in the background and returns.
	Reconnect() error
}

// Service is the presence backend.
type Service interface {
	SetOnline(ctx context.Context) error
	SetOffline(ctx context.Context) error
}

type Deps struct {
	Operator      string
	PresenceGroup string
	CommandGroup  string
	IdleKeepAwake bool

	Session   *session.State
	Signaling Signaling
	Presence  Service
	WakeLock  WakeLock
	Metrics   *metrics.Metrics
	Logger    *zap.Logger
	// OnRejoined runs after every successful rejoin triggered by a
	// connected event.
	OnRejoined func(ctx context.Context)
}

// Coordinator processes events one at a time from Run.
type Coordinator struct {
	deps   Deps
	events chan Event
	logger *zap.Logger

	mu      sync.Mutex
	visible bool
}

func NewCoordinator(deps Deps) *Coordinator {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Coordinator{
		deps:    deps,
		events:  make(chan Event, 16),
		logger:  logger.Named("presence"),
		visible: true,
	}
}

// Post queues ev for Run. Events beyond the buffer are dropped; each one
// leads to the same rejoin so a burst collapses safely.
func (c *Coordinator) Post(ev Event) {
	select {
	case c.events <- ev:
	default:
		c.logger.Debug("Presence event dropped, queue full", zap.String("event", string(ev)))
	}
}

func (c *Coordinator) Visible() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.visible
}

// SetVisible records console visibility. Regaining it posts a rejoin.
func (c *Coordinator) SetVisible(visible bool) {
	c.mu.Lock()
	was := c.visible
	c.visible = visible
	c.mu.Unlock()

	if visible && !was {
		c.Post(EventVisible)
		return
	}
	if !visible && was {
		c.Post(visibilityLost)
	}
}

// Rejoin joins both groups and republishes online. Every step runs even if
// an earlier one fails.
func (c *Coordinator) Rejoin(ctx context.Context, reason Event) error {
	var errs []error
	for _, group := range []string{c.deps.PresenceGroup, c.deps.CommandGroup} {
		if group == "" {
			continue
		}
		if err := c.deps.Signaling.JoinGroup(ctx, group); err != nil {
			errs = append(errs, fmt.Errorf("join %s: %w", group, err))
		}
	}
	params := map[string]string{"operator": c.deps.Operator, "status": "online"}
	if err := c.deps.Signaling.Notify(ctx, "presence.online", params); err != nil {
		errs = append(errs, fmt.Errorf("notify online: %w", err))
	}
	if c.deps.Presence != nil {
		if err := c.deps.Presence.SetOnline(ctx); err != nil {
			errs = append(errs, fmt.Errorf("set online: %w", err))
		}
	}
	err := errors.Join(errs...)
	if err != nil {
		c.logger.Warn("Rejoin incomplete", zap.String("reason", string(reason)), zap.Error(err))
	} else {
		c.logger.Info("Rejoined presence and command groups", zap.String("reason", string(reason)))
	}
	return err
}

// wantWakeLock: visible and (streaming or idle keep-awake).
func (c *Coordinator) wantWakeLock() bool {
	return c.Visible() && (c.deps.Session.IsStreaming() || c.deps.IdleKeepAwake)
}

// EvaluateWakeLock acquires or releases the lock to match the policy.
func (c *Coordinator) EvaluateWakeLock(ctx context.Context) {
	lock := c.deps.WakeLock
	if lock == nil {
		return
	}
	want := c.wantWakeLock()
	switch {
	case want && !lock.Held():
		if err := lock.Acquire(ctx); err != nil {
			c.logger.Warn("Failed to acquire wake lock", zap.Error(err))
		} else {
			c.logger.Info("Wake lock acquired")
		}
	case !want && lock.Held():
		if err := lock.Release(ctx); err != nil {
			c.logger.Warn("Failed to release wake lock", zap.Error(err))
		} else {
			c.logger.Info("Wake lock released")
		}
	}
	c.deps.Metrics.SetWakeLock(lock.Held())
}

func (c *Coordinator) handle(ctx context.Context, ev Event) {
	switch ev {
	case visibilityLost:
	case EventWoke:
		c.deps.Metrics.IncSleepDetected()
		if err := c.deps.Signaling.Reconnect(); err != nil {
			c.logger.Warn("Signaling reconnect after sleep failed", zap.Error(err))
		}
	case EventConnected:
		if c.Rejoin(ctx, ev) == nil && c.deps.OnRejoined != nil {
			c.deps.OnRejoined(ctx)
		}
	default:
		_ = c.Rejoin(ctx, ev)
	}
	c.EvaluateWakeLock(ctx)
}

// Run handles events, session changes and out-of-band wake lock releases
// until ctx is done.
func (c *Coordinator) Run(ctx context.Context) {
	snaps, unsubscribe := c.deps.Session.Subscribe()
	defer unsubscribe()

	var released <-chan struct{}
	if c.deps.WakeLock != nil {
		released = c.deps.WakeLock.Released()
	}
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-c.events:
			c.handle(ctx, ev)
		case <-snaps:
			c.EvaluateWakeLock(ctx)
		case <-released:
			c.logger.Warn("Wake lock released by the platform")
			c.EvaluateWakeLock(ctx)
		}
	}
}

// Close releases the wake lock and reports offline, best-effort.
func (c *Coordinator) Close(ctx context.Context) error {
	var errs []error
	if c.deps.WakeLock != nil {
		if err := c.deps.WakeLock.Release(ctx); err != nil {
			errs = append(errs, fmt.Errorf("release wake lock: %w", err))
		}
		c.deps.Metrics.SetWakeLock(false)
	}
	if c.deps.Presence != nil {
		if err := c.deps.Presence.SetOffline(ctx); err != nil {
			errs = append(errs, fmt.Errorf("set offline: %w", err))
		}
	}
	return errors.Join(errs...)
}
