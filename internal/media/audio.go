package media

import (
	"errors"
	"io"
	"sync"

	"go.uber.org/zap"

	"github.com/mikeyg42/psoagent/internal/metrics"
	"github.com/mikeyg42/psoagent/internal/transport"
)

// DrainSink is the local sink for remote audio. The agent has no speaker
// output, so it reads RTP to keep the receiver flowing and accounts for
// packets and sequence gaps.
type DrainSink struct {
	metrics *metrics.Metrics
	logger  *zap.Logger

	mu       sync.Mutex
	attached map[string]bool
	wg       sync.WaitGroup
}

func NewDrainSink(m *metrics.Metrics, logger *zap.Logger) *DrainSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DrainSink{
		metrics:  m,
		logger:   logger.Named("remote-audio"),
		attached: make(map[string]bool),
	}
}

// Attach starts draining track. Repeated attaches of the same track are
// ignored.
func (s *DrainSink) Attach(track transport.RemoteAudio) {
	s.mu.Lock()
	if s.attached[track.ID()] {
		s.mu.Unlock()
		return
	}
	s.attached[track.ID()] = true
	s.mu.Unlock()

	s.logger.Info("Remote audio attached", zap.String("track", track.ID()))
	s.wg.Add(1)
	go s.drain(track)
}

// Attached reports how many tracks are being drained.
func (s *DrainSink) Attached() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.attached)
}

// Wait blocks until every drain loop has ended.
func (s *DrainSink) Wait() { s.wg.Wait() }

func (s *DrainSink) drain(track transport.RemoteAudio) {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		delete(s.attached, track.ID())
		s.mu.Unlock()
	}()

	var (
		started bool
		lastSeq uint16
		packets int
		lost    int
	)
	flush := func() {
		if packets > 0 || lost > 0 {
			s.metrics.AddRemoteAudio(packets, lost)
			packets, lost = 0, 0
		}
	}
	defer flush()

	for {
		pkt, _, err := track.ReadRTP()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				s.logger.Debug("Remote audio read ended", zap.String("track", track.ID()), zap.Error(err))
			}
			return
		}
		packets++
		if started {
			// uint16 arithmetic handles wraparound.
			if gap := pkt.SequenceNumber - lastSeq; gap > 1 && gap < 1<<15 {
				lost += int(gap - 1)
			}
		}
		started = true
		lastSeq = pkt.SequenceNumber
		if packets >= 50 {
			flush()
		}
	}
}
