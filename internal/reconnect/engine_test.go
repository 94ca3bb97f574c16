package reconnect

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/mikeyg42/psoagent/internal/devices"
	"github.com/mikeyg42/psoagent/internal/devices/devicestest"
	"github.com/mikeyg42/psoagent/internal/media"
	"github.com/mikeyg42/psoagent/internal/scheduler"
	"github.com/mikeyg42/psoagent/internal/session"
	"github.com/mikeyg42/psoagent/internal/transport"
	"github.com/mikeyg42/psoagent/internal/transport/transporttest"
)

func TestDefaultPolicySchedule(t *testing.T) {
	p := DefaultPolicy()

	var prev time.Duration
	for n := 0; n <= 3; n++ {
		d := p.Delay(n)
		assert.GreaterOrEqual(t, d, prev, "attempt %d", n)
		assert.LessOrEqual(t, d, p.MaxDelay, "attempt %d", n)
		prev = d
	}
	assert.Equal(t, 500*time.Millisecond, p.Delay(0))
	assert.Equal(t, 4*time.Second, p.Delay(3))
	assert.Equal(t, 5*time.Second, p.Delay(9))

	assert.Equal(t, 10*time.Second, p.ConnectTimeoutFor(0))
	assert.Equal(t, 15*time.Second, p.ConnectTimeoutFor(1))
	assert.Equal(t, 30*time.Second, p.ConnectTimeoutFor(9))

	assert.False(t, p.Degraded(4))
	assert.True(t, p.Degraded(5))

	for n, want := range map[int]bool{0: false, 3: false, 4: true, 5: false, 8: true, 9: true, 10: false, 14: false} {
		assert.Equal(t, want, p.Recreate(n), "attempt %d", n)
	}
}

func TestTransitionTable(t *testing.T) {
	tests := []struct {
		from State
		ev   Event
		to   State
		ok   bool
	}{
		{StateIdle, EventTrigger, StateConnecting, true},
		{StateIdle, EventSuccess, "", false},
		{StateConnecting, EventSuccess, StateConnected, true},
		{StateConnecting, EventFailure, StateRetrying, true},
		{StateConnecting, EventExhausted, StatePersistent, true},
		{StateRetrying, EventAttempt, StateConnecting, true},
		{StateRetrying, EventTrigger, "", false},
		{StatePersistent, EventFailure, StatePersistent, true},
		{StatePersistent, EventSuccess, StateConnected, true},
		{StateConnected, EventTrigger, StateConnecting, true},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%s+%s", tt.from, tt.ev), func(t *testing.T) {
			to, ok := Next(tt.from, tt.ev)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.to, to)
		})
	}

	for _, s := range []State{StateIdle, StateConnecting, StateRetrying, StatePersistent, StateConnected} {
		to, ok := Next(s, EventCancel)
		assert.True(t, ok, "cancel must be valid in %s", s)
		assert.Equal(t, StateIdle, to)
	}
}

type credSource struct {
	n atomic.Int32
}

func (c *credSource) Credential(context.Context) (transport.Credential, error) {
	n := c.n.Add(1)
	return transport.Credential{URL: "ws://sfu.test", Token: fmt.Sprintf("tok-%d", n), RoomID: "pso"}, nil
}

type fixture struct {
	engine    *Engine
	session   *session.State
	sched     *scheduler.Scheduler
	publisher *media.Publisher
	dialer    *transporttest.Dialer
	backend   *devicestest.Backend
	creds     *credSource
	recovered atomic.Int32
}

var testPolicy = Policy{
	MaxAttempts:        6,
	BaseDelay:          time.Millisecond,
	MaxDelay:           4 * time.Millisecond,
	Multiplier:         2,
	ConnectTimeout:     200 * time.Millisecond,
	ConnectTimeoutStep: 10 * time.Millisecond,
	MaxConnectTimeout:  300 * time.Millisecond,
	DegradeFrom:        2,
	RecreateAt:         3,
	PersistentDelay:    5 * time.Millisecond,
}

func newFixture(t *testing.T, dial transporttest.DialFunc) *fixture {
	t.Helper()
	logger := zaptest.NewLogger(t)

	f := &fixture{
		session:   session.New(),
		sched:     scheduler.New(),
		publisher: media.NewPublisher(nil, nil, logger),
		dialer:    &transporttest.Dialer{Func: dial},
		backend:   &devicestest.Backend{},
		creds:     &credSource{},
	}
	mgr := transport.NewManager(f.dialer, f.publisher, nil, nil, logger)
	f.engine = New(context.Background(), Deps{
		Policy:      testPolicy,
		Session:     f.session,
		Scheduler:   f.sched,
		Publisher:   f.publisher,
		Transport:   mgr,
		Credentials: f.creds,
		Tracks:      devices.NewSelector(f.backend, devices.Policy{}, logger),
		Identity:    func() string { return "pso@example.com" },
		OnRecovered: func(context.Context, transport.Room) { f.recovered.Add(1) },
		Logger:      logger,
	})
	t.Cleanup(func() {
		f.engine.Cancel()
		f.sched.Close()
	})
	return f
}

func failFirst(n int) transporttest.DialFunc {
	return func(_ context.Context, i int, _ transport.Credential, _ transport.Options) (transport.Room, error) {
		if i < n {
			return nil, errors.New("sfu unreachable")
		}
		return transporttest.NewRoom(fmt.Sprintf("room-%d", i)), nil
	}
}

func TestTriggerRecoversAndResets(t *testing.T) {
	f := newFixture(t, failFirst(2))
	oldRoom := transporttest.NewRoom("old")
	track := devicestest.NewTrack("cam")
	require.NoError(t, oldRoom.Publish(context.Background(), track))
	f.publisher.Adopt(oldRoom, track)

	require.True(t, f.engine.Trigger("disconnected"))

	require.Eventually(t, func() bool { return f.engine.State() == StateConnected }, 2*time.Second, time.Millisecond)
	assert.True(t, f.session.IsStreaming())
	assert.Zero(t, f.engine.Attempt())
	assert.EqualValues(t, 1, f.recovered.Load())

	room, current := f.publisher.Current()
	require.NotNil(t, room)
	assert.Equal(t, "room-2", room.ID())
	assert.Same(t, track, current, "a live track is reused")

	assert.Equal(t, []string{"publish:cam", "unpublish:cam", "disconnect"}, oldRoom.Calls(),
		"the previous room is torn down before the first attempt")

	seen := map[string]bool{}
	for _, c := range f.dialer.Credentials() {
		assert.False(t, seen[c.Token], "credential %s reused", c.Token)
		seen[c.Token] = true
	}
	assert.Len(t, seen, 3)
}

func TestTriggerDedupesWhileLooping(t *testing.T) {
	release := make(chan struct{})
	f := newFixture(t, func(ctx context.Context, _ int, _ transport.Credential, _ transport.Options) (transport.Room, error) {
		select {
		case <-release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		return transporttest.NewRoom("r"), nil
	})
	f.publisher.SetTrack(devicestest.NewTrack("cam"))

	require.True(t, f.engine.Trigger("disconnected"))
	assert.False(t, f.engine.Trigger("track-ended"))
	assert.False(t, f.engine.Trigger("disconnected"))

	require.Eventually(t, func() bool { return len(f.dialer.Dials()) == 1 }, time.Second, time.Millisecond)
	close(release)
	require.Eventually(t, func() bool { return f.engine.State() == StateConnected }, time.Second, time.Millisecond)
	assert.Len(t, f.dialer.Dials(), 1)

	assert.True(t, f.engine.Trigger("disconnected"), "a new failure after recovery starts a new loop")
}

func TestManualStopSuppressesTrigger(t *testing.T) {
	f := newFixture(t, failFirst(0))
	f.session.LatchManualStop()

	assert.False(t, f.engine.Trigger("disconnected"))
	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, f.dialer.Dials())
	assert.Equal(t, StateIdle, f.engine.State())
}

func TestManualStopAbortsScheduledAttempt(t *testing.T) {
	f := newFixture(t, failFirst(1000))
	f.publisher.SetTrack(devicestest.NewTrack("cam"))
	require.True(t, f.engine.Trigger("disconnected"))
	require.Eventually(t, func() bool { return len(f.dialer.Dials()) >= 1 }, time.Second, time.Millisecond)

	f.session.LatchManualStop()
	require.Eventually(t, func() bool { return f.engine.State() == StateIdle }, time.Second, time.Millisecond)
	assert.False(t, f.session.Active(), "an abandoned loop with no room leaves the session idle")
	assert.True(t, f.session.ManualStop())
	n := len(f.dialer.Dials())
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, n, len(f.dialer.Dials()))
}

func TestExhaustionEntersPersistentMode(t *testing.T) {
	f := newFixture(t, failFirst(1000))
	f.publisher.SetTrack(devicestest.NewTrack("cam"))
	require.True(t, f.engine.Trigger("disconnected"))

	require.Eventually(t, func() bool { return len(f.dialer.Dials()) >= testPolicy.MaxAttempts+2 }, 2*time.Second, time.Millisecond)
	assert.Equal(t, StatePersistent, f.engine.State())
	assert.True(t, f.session.Snapshot().Retrying)

	dials := f.dialer.Dials()
	assert.False(t, dials[0].Degraded)
	assert.False(t, dials[1].Degraded)
	assert.True(t, dials[2].Degraded)
	assert.Equal(t, 200*time.Millisecond, dials[0].Timeout)
	assert.Equal(t, 210*time.Millisecond, dials[1].Timeout)
	assert.Equal(t, "pso@example.com", dials[0].Identity)

	f.engine.Cancel()
	assert.Equal(t, StateIdle, f.engine.State())
	assert.Zero(t, f.engine.Attempt())
	assert.False(t, f.sched.Pending(scheduler.KeyRetry))

	time.Sleep(20 * time.Millisecond)
	n := len(f.dialer.Dials())
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, n, len(f.dialer.Dials()), "cancelled loops never fire again")
}

func TestCancelDiscardsLateRoom(t *testing.T) {
	late := transporttest.NewRoom("late")
	entered := make(chan struct{})
	release := make(chan struct{})
	f := newFixture(t, func(context.Context, int, transport.Credential, transport.Options) (transport.Room, error) {
		close(entered)
		<-release
		return late, nil
	})
	f.publisher.SetTrack(devicestest.NewTrack("cam"))
	require.True(t, f.engine.Trigger("disconnected"))

	<-entered
	f.engine.Cancel()
	close(release)

	require.Eventually(t, func() bool { return late.Disconnects() >= 1 }, time.Second, time.Millisecond)
	assert.Nil(t, f.publisher.Room(), "a room connected after cancel is never adopted")
	assert.Equal(t, StateIdle, f.engine.State())
	assert.Zero(t, f.recovered.Load())
}

func TestCancelClearsHealthTimer(t *testing.T) {
	f := newFixture(t, failFirst(0))
	f.sched.Every(scheduler.KeyHealth, time.Hour, func() {})

	f.engine.Cancel()
	f.engine.Cancel()
	assert.False(t, f.sched.Pending(scheduler.KeyHealth))
	assert.Equal(t, StateIdle, f.engine.State())
}

func TestEndedTrackReplacedBeforeFirstAttempt(t *testing.T) {
	f := newFixture(t, failFirst(0))
	dead := devicestest.NewTrack("dead")
	dead.End()
	f.publisher.SetTrack(dead)

	require.True(t, f.engine.Trigger("health-track-ended"))
	require.Eventually(t, func() bool { return f.engine.State() == StateConnected }, time.Second, time.Millisecond)

	opened := f.backend.Opened()
	require.Len(t, opened, 1)
	_, current := f.publisher.Current()
	assert.Same(t, opened[0], current)
	assert.False(t, current.Ended(), "a recovered session never adopts an ended track")
	assert.Equal(t, 1, dead.Stops())
	require.Len(t, f.dialer.Dials(), 1, "recovered on attempt 0")
}

func TestTrackEndingMidLoopReplacedNextAttempt(t *testing.T) {
	cam := devicestest.NewTrack("cam")
	f := newFixture(t, func(_ context.Context, i int, _ transport.Credential, _ transport.Options) (transport.Room, error) {
		if i == 0 {
			cam.End()
			return nil, errors.New("sfu unreachable")
		}
		return transporttest.NewRoom("fresh"), nil
	})
	f.publisher.SetTrack(cam)

	require.True(t, f.engine.Trigger("room-disconnected"))
	require.Eventually(t, func() bool { return f.engine.State() == StateConnected }, time.Second, time.Millisecond)

	require.Len(t, f.backend.Opened(), 1)
	assert.Same(t, f.backend.Opened()[0], f.publisher.Track())
	assert.Equal(t, 1, cam.Stops())
}

func TestLiveTrackReplacedAtRecreateAttempt(t *testing.T) {
	f := newFixture(t, failFirst(testPolicy.RecreateAt))
	cam := devicestest.NewTrack("cam")
	f.publisher.SetTrack(cam)

	require.True(t, f.engine.Trigger("room-disconnected"))
	require.Eventually(t, func() bool { return f.engine.State() == StateConnected }, time.Second, time.Millisecond)

	opened := f.backend.Opened()
	require.Len(t, opened, 1, "replaced once, at the recreate attempt")
	assert.Same(t, opened[0], f.publisher.Track())
	assert.Equal(t, 1, cam.Stops())
}

func TestMissingTrackAcquiredOnFirstAttempt(t *testing.T) {
	f := newFixture(t, failFirst(0))

	require.True(t, f.engine.Trigger("start-failed"))
	require.Eventually(t, func() bool { return f.engine.State() == StateConnected }, time.Second, time.Millisecond)
	require.Len(t, f.backend.Opened(), 1)
	assert.Same(t, f.backend.Opened()[0], f.publisher.Track())
}
