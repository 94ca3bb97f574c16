package reconnect

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mikeyg42/psoagent/internal/devices"
	"github.com/mikeyg42/psoagent/internal/media"
	"github.com/mikeyg42/psoagent/internal/metrics"
	"github.com/mikeyg42/psoagent/internal/scheduler"
	"github.com/mikeyg42/psoagent/internal/session"
	"github.com/mikeyg42/psoagent/internal/transport"
)

// Connector is the transport session manager.
type Connector interface {
	Connect(ctx context.Context, cred transport.Credential, track devices.Track, opts transport.Options, ev transport.Events) (transport.Room, error)
	Teardown(room transport.Room, track devices.Track) error
}

// CredentialSource issues a fresh transport credential per call.
type CredentialSource interface {
	Credential(ctx context.Context) (transport.Credential, error)
}

// TrackSource re-acquires a camera.
type TrackSource interface {
	Acquire(ctx context.Context) (devices.Track, error)
}

// Deps wires the engine to the components it drives.
type Deps struct {
	Policy      Policy
	Session     *session.State
	Scheduler   *scheduler.Scheduler
	Publisher   *media.Publisher
	Transport   Connector
	Credentials CredentialSource
	Tracks      TrackSource
	// Events are registered on every room the engine connects.
	Events transport.Events
	// Identity returns the SFU participant id for the next attempt.
	Identity func() string
	// OnRecovered runs after a recovered room is adopted. It must not call
	// back into Cancel or Trigger synchronously while holding caller locks.
	OnRecovered func(ctx context.Context, room transport.Room)
	Metrics     *metrics.Metrics
	Logger      *zap.Logger
}

// Engine owns the reconnection state machine. Only one retry loop runs at a
// time; Trigger while a loop runs is a no-op.
type Engine struct {
	deps   Deps
	base   context.Context
	logger *zap.Logger

	mu      sync.Mutex
	state   State
	attempt int
	gen     uint64
	reason  string
	abort   context.CancelFunc
}

// New returns an idle engine. Attempts run under ctx.
func New(ctx context.Context, deps Deps) *Engine {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if deps.Identity == nil {
		deps.Identity = func() string { return "" }
	}
	return &Engine{
		deps:   deps,
		base:   ctx,
		logger: logger.Named("reconnect"),
		state:  StateIdle,
	}
}

func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Attempt returns the index of the next attempt.
func (e *Engine) Attempt() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.attempt
}

// fireLocked applies ev. Invalid transitions are logged and ignored.
func (e *Engine) fireLocked(ev Event) bool {
	to, ok := Next(e.state, ev)
	if !ok {
		e.logger.Debug("Ignored event", zap.String("state", string(e.state)), zap.String("event", string(ev)))
		return false
	}
	if to != e.state {
		e.logger.Debug("Transition", zap.String("from", string(e.state)), zap.String("event", string(ev)), zap.String("to", string(to)))
	}
	e.state = to
	return true
}

// Trigger starts a retry loop. It reports false if a loop is already running
// or a manual stop is latched.
func (e *Engine) Trigger(reason string) bool {
	e.mu.Lock()
	// Stop latches before it cancels, so checking under the lock means a
	// trigger either sees the latch or is invalidated by that Cancel.
	if e.deps.Session.ManualStop() {
		e.mu.Unlock()
		e.deps.Metrics.IncReconnectTrigger(reason, false)
		e.logger.Debug("Trigger suppressed by manual stop", zap.String("reason", reason))
		return false
	}
	if e.state.Looping() || !e.fireLocked(EventTrigger) {
		e.mu.Unlock()
		e.deps.Metrics.IncReconnectTrigger(reason, false)
		return false
	}
	e.gen++
	gen := e.gen
	e.attempt = 0
	e.reason = reason
	// Session writes happen under the engine lock so a Cancel followed by a
	// teardown always has the last word.
	e.deps.Session.SetRetrying(0)
	e.mu.Unlock()

	e.deps.Metrics.IncReconnectTrigger(reason, true)
	e.logger.Info("Reconnection triggered", zap.String("reason", reason))
	e.schedule(gen, e.deps.Policy.Delay(0))
	return true
}

// Cancel stops any loop, clears the retry and health timers and resets the
// counters. It is safe in every state.
func (e *Engine) Cancel() {
	e.mu.Lock()
	e.gen++
	if e.abort != nil {
		e.abort()
		e.abort = nil
	}
	e.attempt = 0
	e.reason = ""
	e.fireLocked(EventCancel)
	e.mu.Unlock()

	e.deps.Scheduler.Cancel(scheduler.KeyRetry)
	e.deps.Scheduler.Cancel(scheduler.KeyHealth)
}

func (e *Engine) schedule(gen uint64, d time.Duration) {
	e.deps.Scheduler.After(scheduler.KeyRetry, d, func() { e.run(gen) })
}

// run performs one attempt of loop generation gen.
func (e *Engine) run(gen uint64) {
	e.mu.Lock()
	if gen != e.gen {
		e.mu.Unlock()
		return
	}
	if e.deps.Session.ManualStop() {
		// With no room there is nothing for the stop's teardown to flip.
		if e.deps.Publisher.Room() == nil {
			e.deps.Session.SetIdle()
		}
		e.mu.Unlock()
		e.logger.Info("Manual stop latched, abandoning reconnection")
		e.Cancel()
		return
	}
	if e.state == StateRetrying || e.state == StatePersistent {
		e.fireLocked(EventAttempt)
	}
	n := e.attempt
	ctx, abort := context.WithCancel(e.base)
	e.abort = abort
	e.deps.Session.SetRetrying(n + 1)
	e.mu.Unlock()
	defer abort()

	e.deps.Metrics.IncRetryAttempts()
	logger := e.logger.With(zap.Int("attempt", n), zap.Bool("degraded", e.deps.Policy.Degraded(n)))
	logger.Info("Reconnection attempt")

	room, track, err := e.try(ctx, n)

	e.mu.Lock()
	if gen != e.gen {
		e.mu.Unlock()
		if room != nil {
			logger.Info("Attempt finished after cancel, discarding room", zap.String("room", room.ID()))
			_ = e.deps.Transport.Teardown(room, track)
		}
		// A track acquired by this attempt after a stop emptied the session.
		if track != nil && !e.deps.Session.Active() && e.deps.Publisher.Track() == track {
			e.deps.Publisher.TakeTrack()
			_ = track.Stop()
		}
		return
	}

	if err == nil {
		e.fireLocked(EventSuccess)
		e.attempt = 0
		e.abort = nil
		// Adopted under the engine lock so a concurrent Cancel either sees the
		// room as current or invalidates this attempt.
		e.deps.Publisher.Adopt(room, track)
		e.deps.Session.SetStreaming()
		e.mu.Unlock()

		logger.Info("Reconnected", zap.String("room", room.ID()))
		if e.deps.OnRecovered != nil {
			e.deps.OnRecovered(e.base, room)
		}
		return
	}

	e.attempt = n + 1
	var delay time.Duration
	switch {
	case e.state == StatePersistent:
		e.fireLocked(EventFailure)
		delay = e.deps.Policy.PersistentDelay
	case e.attempt >= e.deps.Policy.MaxAttempts:
		e.fireLocked(EventExhausted)
		delay = e.deps.Policy.PersistentDelay
		logger.Warn("Bounded retries exhausted, switching to persistent mode")
	default:
		e.fireLocked(EventFailure)
		delay = e.deps.Policy.Delay(e.attempt)
	}
	e.abort = nil
	e.mu.Unlock()

	logger.Warn("Reconnection attempt failed", zap.Error(err), zap.Duration("next_in", delay))
	e.schedule(gen, delay)
}

// try tears down the previous room, replaces the track if needed, fetches a
// fresh credential and connects.
func (e *Engine) try(ctx context.Context, n int) (transport.Room, devices.Track, error) {
	if old := e.deps.Publisher.TakeRoom(); old != nil {
		if err := e.deps.Transport.Teardown(old, e.deps.Publisher.Track()); err != nil {
			e.logger.Debug("Previous room teardown", zap.Error(err))
		}
	}

	track := e.deps.Publisher.Track()
	if track == nil || track.Ended() || e.deps.Policy.Recreate(n) {
		var err error
		if track, err = e.recreate(ctx, n); err != nil {
			return nil, nil, err
		}
	}

	cred, err := e.deps.Credentials.Credential(ctx)
	if err != nil {
		return nil, track, fmt.Errorf("credential: %w", err)
	}

	opts := transport.Options{
		Identity: e.deps.Identity(),
		Timeout:  e.deps.Policy.ConnectTimeoutFor(n),
		Degraded: e.deps.Policy.Degraded(n),
	}
	room, err := e.deps.Transport.Connect(ctx, cred, track, opts, e.deps.Events)
	if err != nil {
		return nil, track, err
	}
	return room, track, nil
}

// recreate replaces the capture track. A live track is replaced only at the
// policy's recreate attempts, for a device that wedged without ending.
func (e *Engine) recreate(ctx context.Context, n int) (devices.Track, error) {
	if old := e.deps.Publisher.TakeTrack(); old != nil {
		e.logger.Info("Replacing capture track",
			zap.String("track", old.ID()),
			zap.Bool("ended", old.Ended()),
			zap.Int("attempt", n))
		if err := old.Stop(); err != nil {
			e.logger.Debug("Stopping old track", zap.Error(err))
		}
	}
	track, err := e.deps.Tracks.Acquire(ctx)
	if err != nil {
		if errors.Is(err, devices.ErrPermissionDenied) {
			e.logger.Error("Camera permission lost during reconnection", zap.Error(err))
		}
		return nil, fmt.Errorf("recreate track: %w", err)
	}
	e.deps.Publisher.SetTrack(track)
	return track, nil
}
