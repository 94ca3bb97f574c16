// Package transport owns the real-time media session ("room") with the SFU.
package transport

import (
	"context"
	"errors"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"

	"github.com/mikeyg42/psoagent/internal/devices"
)

var (
	// ErrConnectTimeout means the connect attempt exceeded its deadline.
	ErrConnectTimeout = errors.New("transport connect timed out")
	// ErrPublishFailed means the local track could not be attached to the room.
	ErrPublishFailed = errors.New("publishing local track failed")
	// ErrPublishUnverified means publish returned but the track is not in the
	// room's publication list.
	ErrPublishUnverified = errors.New("local track missing from publications")
)

// ConnectionState of a room, coarser than the peer connection state.
type ConnectionState int

const (
	StateConnecting ConnectionState = iota
	StateConnected
	StateReconnecting
	StateDisconnected
)

func (s ConnectionState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateDisconnected:
		return "disconnected"
	}
	return "unknown"
}

// Credential is short-lived and fetched fresh for every connect attempt.
type Credential struct {
	URL    string `json:"url"`
	Token  string `json:"token"`
	RoomID string `json:"roomId"`
}

// Options tune one connect attempt.
type Options struct {
	Identity string
	Timeout  time.Duration
	// Degraded disables congestion control and NACK feedback and publishes
	// video only.
	Degraded bool
}

// RemoteAudio is a remote participant's audio track. *webrtc.TrackRemote
// satisfies it.
type RemoteAudio interface {
	ID() string
	ReadRTP() (*rtp.Packet, interceptor.Attributes, error)
}

// AudioSink consumes remote audio. Attach may be called more than once for
// the same track.
type AudioSink interface {
	Attach(track RemoteAudio)
}

// LocalMedia is implemented by capture tracks that can be sent over WebRTC.
type LocalMedia interface {
	LocalTracks(videoOnly bool) []webrtc.TrackLocal
}

// Room is one connect/disconnect cycle with the SFU.
type Room interface {
	ID() string
	State() ConnectionState
	Publish(ctx context.Context, track devices.Track) error
	Unpublish(track devices.Track) error
	// Publications lists the IDs of local tracks currently being sent.
	Publications() []string
	RemoteAudio() []RemoteAudio

	OnStateChange(fn func(ConnectionState))
	OnTrackUnpublished(fn func(trackID string))
	OnParticipant(fn func(identity string, joined bool))
	OnRemoteAudio(fn func(RemoteAudio))

	// Disconnect is idempotent and fires no listeners.
	Disconnect() error
}

// Dialer opens a raw room. The Manager adds timeouts, listeners and publish
// verification on top.
type Dialer interface {
	Dial(ctx context.Context, cred Credential, opts Options) (Room, error)
}

// Publisher attaches a local track to a connected room.
type Publisher interface {
	Publish(ctx context.Context, room Room, track devices.Track) error
}

// Events receives room notifications tagged with the room they came from, so
// the receiver can ignore rooms that are no longer current.
type Events struct {
	OnStateChange      func(room Room, state ConnectionState)
	OnTrackUnpublished func(room Room, trackID string)
	OnParticipant      func(room Room, identity string, joined bool)
}
