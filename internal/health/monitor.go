// Package health samples the current room and capture track while streaming
// and hands drift to the reconnection engine.
package health

import (
	"time"

	"go.uber.org/zap"

	"github.com/mikeyg42/psoagent/internal/devices"
	"github.com/mikeyg42/psoagent/internal/scheduler"
	"github.com/mikeyg42/psoagent/internal/session"
	"github.com/mikeyg42/psoagent/internal/transport"
)

const (
	ReasonDisconnected = "health-disconnected"
	ReasonTrackEnded   = "health-track-ended"
)

// Current exposes the room/track pair under watch.
type Current interface {
	Current() (transport.Room, devices.Track)
}

// Trigger starts reconnection. It reports whether a new loop started.
type Trigger interface {
	Trigger(reason string) bool
}

// Monitor runs Tick on the health-timer key.
type Monitor struct {
	interval time.Duration
	session  *session.State
	sched    *scheduler.Scheduler
	current  Current
	engine   Trigger
	logger   *zap.Logger
}

func NewMonitor(interval time.Duration, st *session.State, sched *scheduler.Scheduler, current Current, engine Trigger, logger *zap.Logger) *Monitor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Monitor{
		interval: interval,
		session:  st,
		sched:    sched,
		current:  current,
		engine:   engine,
		logger:   logger.Named("health"),
	}
}

// Start (re)arms the periodic check, replacing any previous one.
func (m *Monitor) Start() {
	m.sched.Every(scheduler.KeyHealth, m.interval, func() { m.Tick() })
	m.logger.Debug("Health monitor started", zap.Duration("interval", m.interval))
}

func (m *Monitor) Stop() {
	if m.sched.Cancel(scheduler.KeyHealth) {
		m.logger.Debug("Health monitor stopped")
	}
}

// Tick inspects the current session once. It returns the trigger reason, or
// "" when nothing was wrong or a trigger was not allowed.
func (m *Monitor) Tick() string {
	if m.session.ManualStop() || !m.session.IsStreaming() {
		return ""
	}
	room, track := m.current.Current()

	var reason string
	switch {
	case room == nil || room.State() == transport.StateDisconnected:
		reason = ReasonDisconnected
	case track == nil || track.Ended():
		reason = ReasonTrackEnded
	default:
		return ""
	}

	// Stop before triggering so a slow trigger never overlaps the next tick.
	m.Stop()
	started := m.engine.Trigger(reason)
	m.logger.Warn("Health check failed",
		zap.String("reason", reason),
		zap.Bool("reconnect_started", started))
	return reason
}
