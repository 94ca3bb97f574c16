// Package transporttest provides a scriptable in-memory Room and Dialer.
package transporttest

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/mikeyg42/psoagent/internal/devices"
	"github.com/mikeyg42/psoagent/internal/transport"
)

// Room records every call and lets tests fire room events.
type Room struct {
	RoomID string
	// PublishErr fails Publish; DropPublication makes Publish succeed
	// without the track showing up in Publications.
	PublishErr      error
	DropPublication bool
	UnpublishErr    error
	DisconnectErr   error
	Remote          []transport.RemoteAudio

	mu          sync.Mutex
	state       transport.ConnectionState
	published   []string
	calls       []string
	disconnects int
	onState     func(transport.ConnectionState)
	onUnpub     func(string)
	onPart      func(string, bool)
	onAudio     func(transport.RemoteAudio)
}

func NewRoom(id string) *Room {
	return &Room{RoomID: id, state: transport.StateConnected}
}

func (r *Room) record(call string) {
	r.mu.Lock()
	r.calls = append(r.calls, call)
	r.mu.Unlock()
}

// Calls returns the ordered list of Publish/Unpublish/Disconnect calls.
func (r *Room) Calls() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

func (r *Room) Disconnects() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.disconnects
}

func (r *Room) ID() string { return r.RoomID }

func (r *Room) State() transport.ConnectionState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

func (r *Room) Publish(ctx context.Context, track devices.Track) error {
	r.record("publish:" + track.ID())
	if err := ctx.Err(); err != nil {
		return err
	}
	if r.PublishErr != nil {
		return r.PublishErr
	}
	if !r.DropPublication {
		r.mu.Lock()
		r.published = append(r.published, track.ID())
		r.mu.Unlock()
	}
	return nil
}

func (r *Room) Unpublish(track devices.Track) error {
	r.record("unpublish:" + track.ID())
	r.mu.Lock()
	r.published = slices.DeleteFunc(r.published, func(id string) bool { return id == track.ID() })
	r.mu.Unlock()
	return r.UnpublishErr
}

func (r *Room) Publications() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.published...)
}

func (r *Room) RemoteAudio() []transport.RemoteAudio { return r.Remote }

func (r *Room) OnStateChange(fn func(transport.ConnectionState)) {
	r.mu.Lock()
	r.onState = fn
	r.mu.Unlock()
}

func (r *Room) OnTrackUnpublished(fn func(string)) {
	r.mu.Lock()
	r.onUnpub = fn
	r.mu.Unlock()
}

func (r *Room) OnParticipant(fn func(string, bool)) {
	r.mu.Lock()
	r.onPart = fn
	r.mu.Unlock()
}

func (r *Room) OnRemoteAudio(fn func(transport.RemoteAudio)) {
	r.mu.Lock()
	r.onAudio = fn
	r.mu.Unlock()
}

func (r *Room) Disconnect() error {
	r.record("disconnect")
	r.mu.Lock()
	r.disconnects++
	r.state = transport.StateDisconnected
	r.mu.Unlock()
	return r.DisconnectErr
}

// SetState changes the state and fires the state listener.
func (r *Room) SetState(s transport.ConnectionState) {
	r.mu.Lock()
	r.state = s
	fn := r.onState
	r.mu.Unlock()
	if fn != nil {
		fn(s)
	}
}

// FireTrackUnpublished simulates the SFU dropping a local publication.
func (r *Room) FireTrackUnpublished(id string) {
	r.mu.Lock()
	r.published = slices.DeleteFunc(r.published, func(p string) bool { return p == id })
	fn := r.onUnpub
	r.mu.Unlock()
	if fn != nil {
		fn(id)
	}
}

// FireRemoteAudio simulates a new remote audio track.
func (r *Room) FireRemoteAudio(a transport.RemoteAudio) {
	r.mu.Lock()
	fn := r.onAudio
	r.mu.Unlock()
	if fn != nil {
		fn(a)
	}
}

// FireParticipant simulates a participant joining or leaving.
func (r *Room) FireParticipant(identity string, joined bool) {
	r.mu.Lock()
	fn := r.onPart
	r.mu.Unlock()
	if fn != nil {
		fn(identity, joined)
	}
}

// DialFunc lets a test decide each dial's outcome.
type DialFunc func(ctx context.Context, n int, cred transport.Credential, opts transport.Options) (transport.Room, error)

// Dialer hands out Rooms. With no Func every dial succeeds with a new Room.
type Dialer struct {
	Func DialFunc

	mu    sync.Mutex
	dials []transport.Options
	creds []transport.Credential
	rooms []*Room
}

func (d *Dialer) Dial(ctx context.Context, cred transport.Credential, opts transport.Options) (transport.Room, error) {
	d.mu.Lock()
	n := len(d.dials)
	d.dials = append(d.dials, opts)
	d.creds = append(d.creds, cred)
	d.mu.Unlock()

	var (
		room transport.Room
		err  error
	)
	if d.Func != nil {
		room, err = d.Func(ctx, n, cred, opts)
	} else {
		room = NewRoom(fmt.Sprintf("room-%d", n+1))
	}
	if err != nil {
		return nil, err
	}
	if fr, ok := room.(*Room); ok {
		d.mu.Lock()
		d.rooms = append(d.rooms, fr)
		d.mu.Unlock()
	}
	return room, nil
}

// Dials returns the options of every dial attempt.
func (d *Dialer) Dials() []transport.Options {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]transport.Options(nil), d.dials...)
}

// Credentials returns the credential used for every dial attempt.
func (d *Dialer) Credentials() []transport.Credential {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]transport.Credential(nil), d.creds...)
}

// Rooms returns the fake rooms handed out so far.
func (d *Dialer) Rooms() []*Room {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*Room(nil), d.rooms...)
}

// DirectPublisher publishes straight onto the room.
type DirectPublisher struct{}

func (DirectPublisher) Publish(ctx context.Context, room transport.Room, track devices.Track) error {
	return room.Publish(ctx, track)
}
