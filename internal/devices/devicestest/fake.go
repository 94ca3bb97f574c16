// Package devicestest provides in-memory capture tracks and device backends.
package devicestest

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/mikeyg42/psoagent/internal/devices"
)

// Track is a devices.Track whose liveness is controlled by the test.
type Track struct {
	TrackID string
	Device  string

	ended atomic.Bool
	stops atomic.Int32
}

func NewTrack(id string) *Track {
	return &Track{TrackID: id, Device: "dev-" + id}
}

func (t *Track) ID() string       { return t.TrackID }
func (t *Track) DeviceID() string { return t.Device }
func (t *Track) Label() string    { return "fake " + t.TrackID }
func (t *Track) Ended() bool      { return t.ended.Load() }

// End simulates the device track ending underneath the publisher.
func (t *Track) End() { t.ended.Store(true) }

func (t *Track) Stop() error {
	t.stops.Add(1)
	t.ended.Store(true)
	return nil
}

// Stops reports how many times Stop was called.
func (t *Track) Stops() int { return int(t.stops.Load()) }

// Backend opens fresh fake tracks. OpenErr, when set, fails every open.
type Backend struct {
	mu      sync.Mutex
	Devices []devices.Device
	OpenErr error
	opened  []*Track
}

func (b *Backend) Prime(context.Context) error { return nil }

func (b *Backend) Enumerate(context.Context) ([]devices.Device, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.Devices, nil
}

func (b *Backend) Open(_ context.Context, deviceID string) (devices.Track, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.OpenErr != nil {
		return nil, b.OpenErr
	}
	t := NewTrack(fmt.Sprintf("track-%d", len(b.opened)+1))
	t.Device = deviceID
	b.opened = append(b.opened, t)
	return t, nil
}

// Opened returns every track handed out so far.
func (b *Backend) Opened() []*Track {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]*Track(nil), b.opened...)
}
