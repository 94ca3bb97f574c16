// Package mediadev implements devices.Backend on top of pion/mediadevices.
// Camera and microphone drivers are registered by the binary with blank
// imports.
package mediadev

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/mikeyg42/psoagent/internal/config"
	"github.com/mikeyg42/psoagent/internal/devices"
)

// Backend opens cameras through mediadevices.GetUserMedia.
type Backend struct {
	video         config.VideoConfig
	captureAudio  bool
	codecSelector *mediadevices.CodecSelector
	logger        *zap.Logger
}

// New builds the VP8/Opus codec selector shared by every capture track and by
// the SFU media engine.
func New(video config.VideoConfig, captureAudio bool, logger *zap.Logger) (*Backend, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, fmt.Errorf("failed to create VP8 params: %w", err)
	}
	vpxParams.BitRate = video.BitRate
	vpxParams.KeyFrameInterval = video.KeyFrameInterval
	vpxParams.RateControlEndUsage = vpx.RateControlVBR
	vpxParams.Deadline = 200 * time.Millisecond

	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, fmt.Errorf("failed to create Opus params: %w", err)
	}
	opusParams.BitRate = video.AudioBitRate
	opusParams.Latency = opus.Latency20ms

	logger = logger.Named("mediadev")
	logger.Info("Codec selector configured",
		zap.Int("video_bitrate", vpxParams.BitRate),
		zap.Int("keyframe_interval", vpxParams.KeyFrameInterval),
		zap.Int("audio_bitrate", opusParams.BitRate))

	return &Backend{
		video:        video,
		captureAudio: captureAudio,
		codecSelector: mediadevices.NewCodecSelector(
			mediadevices.WithVideoEncoders(&vpxParams),
			mediadevices.WithAudioEncoders(&opusParams),
		),
		logger: logger,
	}, nil
}

// CodecSelector is populated into the SFU media engine so negotiated codecs
// match what the capture tracks can encode.
func (b *Backend) CodecSelector() *mediadevices.CodecSelector {
	return b.codecSelector
}

// primeRequest is one device class opened by Prime.
type primeRequest struct {
	kind        mediadevices.MediaDeviceType
	constraints mediadevices.MediaStreamConstraints
	// optional failures are logged instead of returned.
	optional bool
}

func (b *Backend) primeRequests() []primeRequest {
	reqs := []primeRequest{{
		kind:        mediadevices.VideoInput,
		constraints: mediadevices.MediaStreamConstraints{Video: func(*mediadevices.MediaTrackConstraints) {}},
	}}
	if b.captureAudio {
		reqs = append(reqs, primeRequest{
			kind:        mediadevices.AudioInput,
			constraints: mediadevices.MediaStreamConstraints{Audio: func(*mediadevices.MediaTrackConstraints) {}},
			optional:    true,
		})
	}
	return reqs
}

// Prime opens the default camera, and the microphone when audio is
// captured, releasing each straight away so the first real open is not the
// first permission request.
func (b *Backend) Prime(ctx context.Context) error {
	for _, req := range b.primeRequests() {
		if err := ctx.Err(); err != nil {
			return err
		}
		stream, err := mediadevices.GetUserMedia(req.constraints)
		if err != nil {
			err = classify(err)
			if req.optional {
				b.logger.Warn("Microphone priming failed", zap.Error(err))
				continue
			}
			return err
		}
		for _, t := range stream.GetTracks() {
			t.Close()
		}
	}
	return nil
}

func (b *Backend) Enumerate(ctx context.Context) ([]devices.Device, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var out []devices.Device
	for _, d := range mediadevices.EnumerateDevices() {
		if d.Kind != mediadevices.VideoInput {
			continue
		}
		out = append(out, devices.Device{ID: d.DeviceID, Label: d.Label})
	}
	return out, nil
}

func (b *Backend) Open(ctx context.Context, deviceID string) (devices.Track, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	stream, err := mediadevices.GetUserMedia(mediadevices.MediaStreamConstraints{
		Video: func(c *mediadevices.MediaTrackConstraints) {
			if deviceID != "" {
				c.DeviceID = prop.String(deviceID)
			}
			c.Width = prop.Int(b.video.Width)
			c.Height = prop.Int(b.video.Height)
			c.FrameRate = prop.Float(float64(b.video.FrameRate))
		},
		Codec: b.codecSelector,
	})
	if err != nil {
		return nil, classify(err)
	}
	videoTracks := stream.GetVideoTracks()
	if len(videoTracks) == 0 {
		return nil, fmt.Errorf("%w: stream has no video track", devices.ErrNoCamera)
	}

	track := &CaptureTrack{
		deviceID: deviceID,
		label:    b.labelFor(deviceID),
		video:    videoTracks[0],
	}
	track.video.OnEnded(func(err error) {
		track.ended.Store(true)
		b.logger.Warn("Capture track ended", zap.String("track_id", track.ID()), zap.Error(err))
	})

	if b.captureAudio {
		track.audio = b.openMicrophone()
	}
	return track, nil
}

// openMicrophone is best-effort; a missing microphone leaves a video-only
// track.
func (b *Backend) openMicrophone() mediadevices.Track {
	stream, err := mediadevices.GetUserMedia(mediadevices.MediaStreamConstraints{
		Audio: func(c *mediadevices.MediaTrackConstraints) {
			c.SampleRate = prop.Int(48000)
			c.ChannelCount = prop.Int(1)
			c.Latency = prop.Duration(20 * time.Millisecond)
		},
		Codec: b.codecSelector,
	})
	if err != nil {
		b.logger.Warn("Microphone unavailable, publishing video only", zap.Error(err))
		return nil
	}
	audio := stream.GetAudioTracks()
	if len(audio) == 0 {
		return nil
	}
	return audio[0]
}

func (b *Backend) labelFor(deviceID string) string {
	for _, d := range mediadevices.EnumerateDevices() {
		if d.Kind != mediadevices.VideoInput {
			continue
		}
		if deviceID == "" || d.DeviceID == deviceID {
			return d.Label
		}
	}
	return "default"
}

// classify maps driver failures onto the devices error taxonomy. Drivers
// usually flatten errno values into strings, so the message is checked too.
func classify(err error) error {
	msg := strings.ToLower(err.Error())
	switch {
	case errors.Is(err, unix.EACCES), errors.Is(err, unix.EPERM),
		strings.Contains(msg, unix.EACCES.Error()),
		strings.Contains(msg, unix.EPERM.Error()),
		strings.Contains(msg, "not allowed"):
		return fmt.Errorf("%w: %v", devices.ErrPermissionDenied, err)
	case errors.Is(err, unix.EBUSY),
		strings.Contains(msg, unix.EBUSY.Error()),
		strings.Contains(msg, "busy"):
		return fmt.Errorf("%w: %v", devices.ErrDeviceBusy, err)
	}
	return err
}

// CaptureTrack owns the camera track and, optionally, a microphone track.
type CaptureTrack struct {
	deviceID string
	label    string
	video    mediadevices.Track
	audio    mediadevices.Track

	ended    atomic.Bool
	stopOnce sync.Once
	stopErr  error
}

func (t *CaptureTrack) ID() string       { return t.video.ID() }
func (t *CaptureTrack) DeviceID() string { return t.deviceID }
func (t *CaptureTrack) Label() string    { return t.label }
func (t *CaptureTrack) Ended() bool      { return t.ended.Load() }

// VideoTrack exposes raw frames for the preview sink.
func (t *CaptureTrack) VideoTrack() (*mediadevices.VideoTrack, bool) {
	vt, ok := t.video.(*mediadevices.VideoTrack)
	return vt, ok
}

// LocalTracks returns the tracks to publish. videoOnly drops the microphone.
func (t *CaptureTrack) LocalTracks(videoOnly bool) []webrtc.TrackLocal {
	out := []webrtc.TrackLocal{t.video}
	if t.audio != nil && !videoOnly {
		out = append(out, t.audio)
	}
	return out
}

// Stop closes both device tracks. Later calls return the first result.
func (t *CaptureTrack) Stop() error {
	t.stopOnce.Do(func() {
		var errs []error
		if err := t.video.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close video: %w", err))
		}
		if t.audio != nil {
			if err := t.audio.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close audio: %w", err))
			}
		}
		t.ended.Store(true)
		t.stopErr = errors.Join(errs...)
	})
	return t.stopErr
}
