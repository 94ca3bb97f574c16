package media

import (
	"bytes"
	"image"
	"image/jpeg"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/mediadevices"
	"go.uber.org/zap"

	"github.com/mikeyg42/psoagent/internal/devices"
	"github.com/mikeyg42/psoagent/internal/metrics"
)

// FrameSource is implemented by capture tracks that expose raw frames.
type FrameSource interface {
	VideoTrack() (*mediadevices.VideoTrack, bool)
}

// FramePreview keeps the most recent frame of the attached track as a JPEG.
// Frames are sampled at most once per interval.
type FramePreview struct {
	interval time.Duration
	quality  int
	metrics  *metrics.Metrics
	logger   *zap.Logger

	mu      sync.Mutex
	stop    chan struct{}
	trackID string

	latest atomic.Pointer[Frame]
}

// Frame is one encoded preview image.
type Frame struct {
	JPEG     []byte
	Captured time.Time
	TrackID  string
}

func NewFramePreview(interval time.Duration, m *metrics.Metrics, logger *zap.Logger) *FramePreview {
	if logger == nil {
		logger = zap.NewNop()
	}
	if interval <= 0 {
		interval = time.Second
	}
	return &FramePreview{
		interval: interval,
		quality:  70,
		metrics:  m,
		logger:   logger.Named("preview"),
	}
}

// Attach starts sampling track. Tracks without raw frames are ignored.
func (p *FramePreview) Attach(track devices.Track) {
	src, ok := track.(FrameSource)
	if !ok {
		p.logger.Debug("Track has no raw frames, preview disabled", zap.String("track", track.ID()))
		return
	}
	vt, ok := src.VideoTrack()
	if !ok {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.trackID == track.ID() && p.stop != nil {
		return
	}
	p.stopLocked()
	p.stop = make(chan struct{})
	p.trackID = track.ID()
	go p.run(vt, track.ID(), p.stop)
}

// Clear stops sampling and drops the last frame. It does not wait for the
// reader; the reader exits once its track is closed.
func (p *FramePreview) Clear() {
	p.mu.Lock()
	p.stopLocked()
	p.trackID = ""
	p.mu.Unlock()
	p.latest.Store(nil)
}

func (p *FramePreview) stopLocked() {
	if p.stop != nil {
		close(p.stop)
		p.stop = nil
	}
}

// Latest returns the most recent frame, or nil.
func (p *FramePreview) Latest() *Frame {
	return p.latest.Load()
}

func (p *FramePreview) run(vt *mediadevices.VideoTrack, trackID string, stop <-chan struct{}) {
	reader := vt.NewReader(false)
	var last time.Time
	for {
		select {
		case <-stop:
			return
		default:
		}

		img, release, err := reader.Read()
		if err != nil {
			p.logger.Debug("Preview reader stopped", zap.String("track", trackID), zap.Error(err))
			return
		}
		if now := time.Now(); now.Sub(last) >= p.interval {
			last = now
			p.store(img, trackID, now, stop)
		}
		if release != nil {
			release()
		}
	}
}

func (p *FramePreview) store(img image.Image, trackID string, at time.Time, stop <-chan struct{}) {
	if img == nil || img.Bounds().Empty() {
		return
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: p.quality}); err != nil {
		p.logger.Warn("Preview encode failed", zap.Error(err))
		return
	}
	select {
	case <-stop:
		// Cleared while encoding.
		return
	default:
	}
	p.latest.Store(&Frame{JPEG: buf.Bytes(), Captured: at, TrackID: trackID})
	p.metrics.IncPreviewFrames()
}
