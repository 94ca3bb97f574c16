package transport_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/rtp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/mikeyg42/psoagent/internal/devices/devicestest"
	"github.com/mikeyg42/psoagent/internal/transport"
	"github.com/mikeyg42/psoagent/internal/transport/transporttest"
)

type audioStub struct{ id string }

func (a audioStub) ID() string { return a.id }
func (a audioStub) ReadRTP() (*rtp.Packet, interceptor.Attributes, error) {
	return nil, nil, errors.New("stub")
}

type recordingSink struct {
	mu  sync.Mutex
	ids []string
}

func (s *recordingSink) Attach(t transport.RemoteAudio) {
	s.mu.Lock()
	s.ids = append(s.ids, t.ID())
	s.mu.Unlock()
}

func (s *recordingSink) IDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.ids...)
}

var cred = transport.Credential{URL: "ws://sfu.test/ws", Token: "t", RoomID: "pso-1"}

func TestConnectPublishesAndWiresAudio(t *testing.T) {
	room := transporttest.NewRoom("pso-1")
	room.Remote = []transport.RemoteAudio{audioStub{"supervisor-audio"}}
	dialer := &transporttest.Dialer{Func: func(context.Context, int, transport.Credential, transport.Options) (transport.Room, error) {
		return room, nil
	}}
	sink := &recordingSink{}
	m := transport.NewManager(dialer, transporttest.DirectPublisher{}, sink, nil, zaptest.NewLogger(t))
	track := devicestest.NewTrack("cam")

	var states []transport.ConnectionState
	var unpublished []string
	got, err := m.Connect(context.Background(), cred, track, transport.Options{Timeout: time.Second}, transport.Events{
		OnStateChange:      func(_ transport.Room, s transport.ConnectionState) { states = append(states, s) },
		OnTrackUnpublished: func(_ transport.Room, id string) { unpublished = append(unpublished, id) },
	})
	require.NoError(t, err)
	assert.Same(t, room, got)
	assert.Equal(t, []string{"cam"}, room.Publications())

	room.FireRemoteAudio(audioStub{"late-joiner"})
	assert.Equal(t, []string{"supervisor-audio", "late-joiner"}, sink.IDs())

	room.SetState(transport.StateDisconnected)
	room.FireTrackUnpublished("cam")
	assert.Equal(t, []transport.ConnectionState{transport.StateDisconnected}, states)
	assert.Equal(t, []string{"cam"}, unpublished)
}

func TestConnectUnverifiedPublishDisconnects(t *testing.T) {
	room := transporttest.NewRoom("pso-1")
	room.DropPublication = true
	dialer := &transporttest.Dialer{Func: func(context.Context, int, transport.Credential, transport.Options) (transport.Room, error) {
		return room, nil
	}}
	m := transport.NewManager(dialer, transporttest.DirectPublisher{}, nil, nil, zaptest.NewLogger(t))

	_, err := m.Connect(context.Background(), cred, devicestest.NewTrack("cam"), transport.Options{}, transport.Events{})
	require.ErrorIs(t, err, transport.ErrPublishUnverified)
	assert.Equal(t, 1, room.Disconnects())
}

func TestConnectPublishFailure(t *testing.T) {
	room := transporttest.NewRoom("pso-1")
	room.PublishErr = errors.New("negotiation failed")
	dialer := &transporttest.Dialer{Func: func(context.Context, int, transport.Credential, transport.Options) (transport.Room, error) {
		return room, nil
	}}
	m := transport.NewManager(dialer, transporttest.DirectPublisher{}, nil, nil, zaptest.NewLogger(t))

	_, err := m.Connect(context.Background(), cred, devicestest.NewTrack("cam"), transport.Options{}, transport.Events{})
	require.ErrorIs(t, err, transport.ErrPublishFailed)
	assert.Equal(t, 1, room.Disconnects())
}

func TestConnectTimeout(t *testing.T) {
	late := transporttest.NewRoom("late")
	release := make(chan struct{})
	dialer := &transporttest.Dialer{Func: func(ctx context.Context, _ int, _ transport.Credential, _ transport.Options) (transport.Room, error) {
		// Ignores ctx on purpose to model a dialer stuck in a syscall.
		<-release
		return late, nil
	}}
	m := transport.NewManager(dialer, transporttest.DirectPublisher{}, nil, nil, zaptest.NewLogger(t))

	start := time.Now()
	_, err := m.Connect(context.Background(), cred, devicestest.NewTrack("cam"), transport.Options{Timeout: 20 * time.Millisecond}, transport.Events{})
	require.ErrorIs(t, err, transport.ErrConnectTimeout)
	assert.Less(t, time.Since(start), time.Second)

	close(release)
	require.Eventually(t, func() bool { return late.Disconnects() == 1 }, time.Second, 5*time.Millisecond,
		"a room that arrives after the deadline is disconnected")
}

func TestConnectDialError(t *testing.T) {
	dialer := &transporttest.Dialer{Func: func(context.Context, int, transport.Credential, transport.Options) (transport.Room, error) {
		return nil, errors.New("connection refused")
	}}
	m := transport.NewManager(dialer, transporttest.DirectPublisher{}, nil, nil, zaptest.NewLogger(t))

	_, err := m.Connect(context.Background(), cred, devicestest.NewTrack("cam"), transport.Options{}, transport.Events{})
	require.Error(t, err)
	assert.NotErrorIs(t, err, transport.ErrConnectTimeout)
}

func TestTeardownOrderAndNilSafety(t *testing.T) {
	m := transport.NewManager(&transporttest.Dialer{}, transporttest.DirectPublisher{}, nil, nil, zaptest.NewLogger(t))
	require.NoError(t, m.Teardown(nil, nil))

	room := transporttest.NewRoom("r")
	track := devicestest.NewTrack("cam")
	require.NoError(t, room.Publish(context.Background(), track))
	room.UnpublishErr = errors.New("already gone")

	err := m.Teardown(room, track)
	assert.Error(t, err)
	assert.Equal(t, []string{"publish:cam", "unpublish:cam", "disconnect"}, room.Calls())
}
