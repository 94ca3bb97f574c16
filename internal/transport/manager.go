package transport

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"go.uber.org/zap"

	"github.com/mikeyg42/psoagent/internal/devices"
	"github.com/mikeyg42/psoagent/internal/metrics"
)

// Manager connects rooms and tears them down.
type Manager struct {
	dialer    Dialer
	publisher Publisher
	audio     AudioSink
	metrics   *metrics.Metrics
	logger    *zap.Logger
}

func NewManager(dialer Dialer, publisher Publisher, audio AudioSink, m *metrics.Metrics, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		dialer:    dialer,
		publisher: publisher,
		audio:     audio,
		metrics:   m,
		logger:    logger.Named("transport"),
	}
}

type connectResult struct {
	room Room
	err  error
}

// Connect dials, registers listeners, wires remote audio, publishes track and
// verifies the publication. The whole sequence runs under opts.Timeout; a
// room that shows up after the deadline is disconnected.
func (m *Manager) Connect(ctx context.Context, cred Credential, track devices.Track, opts Options, ev Events) (Room, error) {
	if track == nil {
		return nil, fmt.Errorf("%w: no local track", ErrPublishFailed)
	}
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	start := time.Now()
	done := make(chan connectResult, 1)
	go func() {
		room, err := m.connect(ctx, cred, track, opts, ev)
		done <- connectResult{room, err}
	}()

	select {
	case res := <-done:
		if res.err != nil {
			if errors.Is(res.err, context.DeadlineExceeded) {
				res.err = fmt.Errorf("%w after %s: %v", ErrConnectTimeout, opts.Timeout, res.err)
			}
			m.metrics.IncConnectFailure(failureKind(res.err))
			return nil, res.err
		}
		m.metrics.ObserveConnect(time.Since(start))
		m.logger.Info("Connected and published",
			zap.String("room", res.room.ID()),
			zap.String("track", track.ID()),
			zap.Bool("degraded", opts.Degraded),
			zap.Duration("elapsed", time.Since(start)))
		return res.room, nil

	case <-ctx.Done():
		go func() {
			if res := <-done; res.room != nil {
				_ = res.room.Disconnect()
			}
		}()
		err := ctx.Err()
		if errors.Is(err, context.DeadlineExceeded) {
			err = fmt.Errorf("%w after %s", ErrConnectTimeout, opts.Timeout)
		}
		m.metrics.IncConnectFailure(failureKind(err))
		return nil, err
	}
}

func (m *Manager) connect(ctx context.Context, cred Credential, track devices.Track, opts Options, ev Events) (Room, error) {
	room, err := m.dialer.Dial(ctx, cred, opts)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", cred.URL, err)
	}

	fail := func(err error) (Room, error) {
		if derr := room.Disconnect(); derr != nil {
			m.logger.Warn("Disconnecting half-built room failed", zap.Error(derr))
		}
		return nil, err
	}

	room.OnStateChange(func(s ConnectionState) {
		if ev.OnStateChange != nil {
			ev.OnStateChange(room, s)
		}
	})
	room.OnTrackUnpublished(func(id string) {
		if ev.OnTrackUnpublished != nil {
			ev.OnTrackUnpublished(room, id)
		}
	})
	room.OnParticipant(func(identity string, joined bool) {
		m.logger.Info("Participant changed", zap.String("identity", identity), zap.Bool("joined", joined))
		if ev.OnParticipant != nil {
			ev.OnParticipant(room, identity, joined)
		}
	})
	if m.audio != nil {
		room.OnRemoteAudio(m.audio.Attach)
		for _, ra := range room.RemoteAudio() {
			m.audio.Attach(ra)
		}
	}

	if err := m.publisher.Publish(ctx, room, track); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return fail(err)
		}
		return fail(fmt.Errorf("%w: %v", ErrPublishFailed, err))
	}
	if !slices.Contains(room.Publications(), track.ID()) {
		return fail(ErrPublishUnverified)
	}
	return room, nil
}

// Teardown unpublishes track from room and disconnects it. Both may be nil.
func (m *Manager) Teardown(room Room, track devices.Track) error {
	if room == nil {
		return nil
	}
	var errs []error
	if track != nil {
		if err := room.Unpublish(track); err != nil {
			errs = append(errs, fmt.Errorf("unpublish: %w", err))
		}
	}
	if err := room.Disconnect(); err != nil {
		errs = append(errs, fmt.Errorf("disconnect: %w", err))
	}
	return errors.Join(errs...)
}

func failureKind(err error) string {
	switch {
	case errors.Is(err, ErrConnectTimeout):
		return "timeout"
	case errors.Is(err, ErrPublishUnverified):
		return "unverified"
	case errors.Is(err, ErrPublishFailed):
		return "publish"
	case errors.Is(err, context.Canceled):
		return "cancelled"
	}
	return "dial"
}
