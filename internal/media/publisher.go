// Package media owns the local capture track for the current session and the
// local sinks around it: preview frames and remote audio.
package media

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/mikeyg42/psoagent/internal/devices"
	"github.com/mikeyg42/psoagent/internal/metrics"
	"github.com/mikeyg42/psoagent/internal/transport"
)

// PreviewSink shows the local track to the operator.
type PreviewSink interface {
	Attach(track devices.Track)
	Clear()
}

// Hooks are the teardown steps owned by other components. Nil hooks are
// skipped.
type Hooks struct {
	// ReleaseWakeLock runs only if the caller decided the lock must go.
	ReleaseWakeLock func(ctx context.Context) error
	FlipState       func(ctx context.Context) error
	Notify          func(ctx context.Context) error
}

// Publisher holds the current room/track pair. Every mutation reads then
// nulls the previous reference before anything new is stored.
type Publisher struct {
	preview PreviewSink
	metrics *metrics.Metrics
	logger  *zap.Logger

	mu    sync.Mutex
	room  transport.Room
	track devices.Track
}

func NewPublisher(preview PreviewSink, m *metrics.Metrics, logger *zap.Logger) *Publisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Publisher{preview: preview, metrics: m, logger: logger.Named("media")}
}

// Publish attaches track to room. It does not store either; Adopt does that
// once the caller knows the room is still wanted.
func (p *Publisher) Publish(ctx context.Context, room transport.Room, track devices.Track) error {
	if room == nil || track == nil {
		return errors.New("publish needs a room and a track")
	}
	if err := room.Publish(ctx, track); err != nil {
		return fmt.Errorf("publish %s to %s: %w", track.ID(), room.ID(), err)
	}
	p.logger.Debug("Track published", zap.String("track", track.ID()), zap.String("room", room.ID()))
	return nil
}

// Adopt stores room and track as current and attaches the preview. A track
// replaced by a different one is not stopped here; callers own that.
func (p *Publisher) Adopt(room transport.Room, track devices.Track) {
	p.mu.Lock()
	p.room = room
	p.track = track
	p.mu.Unlock()

	if p.preview != nil && track != nil {
		p.preview.Attach(track)
	}
}

// SetTrack replaces only the track, e.g. after re-acquiring a camera between
// attempts while no room is current.
func (p *Publisher) SetTrack(track devices.Track) {
	p.mu.Lock()
	p.track = track
	p.mu.Unlock()
}

// Take returns the current pair and clears it.
func (p *Publisher) Take() (transport.Room, devices.Track) {
	p.mu.Lock()
	defer p.mu.Unlock()
	room, track := p.room, p.track
	p.room, p.track = nil, nil
	return room, track
}

// TakeRoom clears and returns only the room; the track stays current.
func (p *Publisher) TakeRoom() transport.Room {
	p.mu.Lock()
	defer p.mu.Unlock()
	room := p.room
	p.room = nil
	return room
}

// TakeTrack clears and returns only the track.
func (p *Publisher) TakeTrack() devices.Track {
	p.mu.Lock()
	defer p.mu.Unlock()
	track := p.track
	p.track = nil
	return track
}

func (p *Publisher) Current() (transport.Room, devices.Track) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.room, p.track
}

func (p *Publisher) Room() transport.Room {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.room
}

func (p *Publisher) Track() devices.Track {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.track
}

// IsCurrent reports whether room is the current room.
func (p *Publisher) IsCurrent(room transport.Room) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return room != nil && p.room == room
}

type step struct {
	name string
	run  func(ctx context.Context) error
}

// Teardown runs the stop chain in its fixed order. Each step is isolated:
// errors and panics are logged and the next step runs anyway. The joined
// step errors are returned.
func (p *Publisher) Teardown(ctx context.Context, hooks Hooks) error {
	room, track := p.Take()

	steps := []step{
		{"unpublish", func(context.Context) error {
			if room == nil || track == nil {
				return nil
			}
			return room.Unpublish(track)
		}},
		{"stop-track", func(context.Context) error {
			if track == nil {
				return nil
			}
			return track.Stop()
		}},
		{"clear-preview", func(context.Context) error {
			if p.preview != nil {
				p.preview.Clear()
			}
			return nil
		}},
		{"release-wake-lock", hooks.ReleaseWakeLock},
		{"disconnect", func(context.Context) error {
			if room == nil {
				return nil
			}
			return room.Disconnect()
		}},
		{"flip-state", hooks.FlipState},
		{"notify", hooks.Notify},
	}

	var errs []error
	for _, s := range steps {
		if s.run == nil {
			continue
		}
		if err := p.runStep(ctx, s); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (p *Publisher) runStep(ctx context.Context, s step) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%s panicked: %v", s.name, r)
		}
		if err != nil {
			p.metrics.IncTeardownFailure(s.name)
			p.logger.Warn("Teardown step failed", zap.String("step", s.name), zap.Error(err))
		}
	}()
	if err := s.run(ctx); err != nil {
		return fmt.Errorf("%s: %w", s.name, err)
	}
	return nil
}
