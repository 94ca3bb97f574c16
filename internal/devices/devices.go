// Package devices chooses and opens the capture camera.
package devices

import (
	"context"
	"errors"
	"strings"
)

var (
	// ErrPermissionDenied is fatal to a start attempt and is shown to the operator.
	ErrPermissionDenied = errors.New("camera or microphone permission denied")
	// ErrDeviceBusy means another process holds the device; try the next one.
	ErrDeviceBusy = errors.New("capture device busy")
	// ErrNoCamera means not even the platform default camera could be opened.
	ErrNoCamera = errors.New("no camera available")
)

// Device describes an enumerated video input.
type Device struct {
	ID    string
	Label string
}

// Track is a live capture handle bound to one physical device.
type Track interface {
	ID() string
	DeviceID() string
	Label() string
	// Ended reports whether the underlying device track has terminally ended.
	Ended() bool
	Stop() error
}

// Backend abstracts the platform media stack.
type Backend interface {
	// Prime requests access once and releases it straight away.
	Prime(ctx context.Context) error
	Enumerate(ctx context.Context) ([]Device, error)
	// Open opens deviceID, or the platform default when deviceID is empty.
	Open(ctx context.Context, deviceID string) (Track, error)
}

// Policy picks cameras by label. Matching is a case-insensitive substring
// match on the device label.
type Policy struct {
	Preferred string
	Excluded  string
}

func matches(label, model string) bool {
	return model != "" && strings.Contains(strings.ToLower(label), strings.ToLower(model))
}

// Candidates returns the devices to try in order: preferred model first, then
// the remaining devices in enumeration order. Excluded models never appear.
func (p Policy) Candidates(devs []Device) []Device {
	var preferred, rest []Device
	for _, d := range devs {
		switch {
		case matches(d.Label, p.Excluded):
		case matches(d.Label, p.Preferred):
			preferred = append(preferred, d)
		default:
			rest = append(rest, d)
		}
	}
	return append(preferred, rest...)
}

// Choose returns the first candidate. ok is false when the platform default
// should be used instead.
func (p Policy) Choose(devs []Device) (d Device, ok bool) {
	c := p.Candidates(devs)
	if len(c) == 0 {
		return Device{}, false
	}
	return c[0], true
}
