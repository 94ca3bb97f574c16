package devices

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// Selector primes permissions, enumerates cameras and opens the best one.
type Selector struct {
	backend Backend
	policy  Policy
	logger  *zap.Logger

	mu     sync.Mutex
	primed bool
}

func NewSelector(backend Backend, policy Policy, logger *zap.Logger) *Selector {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Selector{
		backend: backend,
		policy:  policy,
		logger:  logger.Named("devices"),
	}
}

// Acquire returns an open camera track. Only ErrPermissionDenied and
// ErrNoCamera are returned as failures the operator needs to see.
func (s *Selector) Acquire(ctx context.Context) (Track, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.primeLocked(ctx); err != nil {
		return nil, err
	}

	devs, err := s.backend.Enumerate(ctx)
	if err != nil {
		s.logger.Warn("Device enumeration failed, using platform default", zap.Error(err))
		devs = nil
	}

	for _, d := range s.policy.Candidates(devs) {
		track, err := s.backend.Open(ctx, d.ID)
		if err == nil {
			s.logger.Info("Camera opened", zap.String("label", d.Label), zap.String("device_id", d.ID))
			return track, nil
		}
		if errors.Is(err, ErrPermissionDenied) {
			return nil, err
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		s.logger.Warn("Camera candidate failed, trying next",
			zap.String("label", d.Label),
			zap.Bool("busy", errors.Is(err, ErrDeviceBusy)),
			zap.Error(err))
	}

	track, err := s.backend.Open(ctx, "")
	if err != nil {
		if errors.Is(err, ErrPermissionDenied) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", ErrNoCamera, err)
	}
	s.logger.Info("Platform default camera opened", zap.String("label", track.Label()))
	return track, nil
}

func (s *Selector) primeLocked(ctx context.Context) error {
	if s.primed {
		return nil
	}
	err := s.backend.Prime(ctx)
	switch {
	case err == nil:
	case errors.Is(err, ErrPermissionDenied):
		return err
	case errors.Is(err, ErrDeviceBusy):
		s.logger.Info("Device busy while priming permissions, continuing")
	default:
		// Anything else surfaces again, more precisely, when a device is opened.
		s.logger.Warn("Permission priming failed", zap.Error(err))
		return nil
	}
	s.primed = true
	return nil
}
