package command

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"

	"github.com/mikeyg42/psoagent/internal/session"
)

type controller struct {
	mu         sync.Mutex
	calls      []string
	interrupts int
	startErr   error

	// session, when set, carries the manual-stop latch like the real
	// controller does.
	session *session.State
	// hold, when set, keeps Start running until an interrupt arrives.
	hold     chan struct{}
	holdOnce sync.Once
}

func (c *controller) Start(ctx context.Context) error {
	if c.session != nil {
		c.session.ClearManualStop()
	}
	c.record("start")
	if c.hold != nil {
		select {
		case <-c.hold:
		case <-ctx.Done():
		}
	}
	return c.startErr
}

func (c *controller) Stop(_ context.Context, reason string) error {
	if c.session != nil && reason == "COMMAND" {
		c.session.LatchManualStop()
	}
	c.record("stop:" + reason)
	return nil
}

func (c *controller) Interrupt(reason string) {
	if c.session != nil && reason == "COMMAND" {
		c.session.LatchManualStop()
	}
	c.mu.Lock()
	c.interrupts++
	c.mu.Unlock()
	if c.hold != nil {
		c.holdOnce.Do(func() { close(c.hold) })
	}
}

func (c *controller) Interrupts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.interrupts
}

func (c *controller) record(s string) {
	c.mu.Lock()
	c.calls = append(c.calls, s)
	c.mu.Unlock()
}

func (c *controller) Calls() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.calls...)
}

type pendingService struct {
	mu     sync.Mutex
	queue  []PendingCommand
	acked  []string
	ackErr error
	// during runs inside Pending, before it returns.
	during func()
}

func (s *pendingService) Pending(context.Context) ([]PendingCommand, error) {
	if s.during != nil {
		s.during()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]PendingCommand(nil), s.queue...), nil
}

func (s *pendingService) Acknowledge(_ context.Context, ids []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.acked = append(s.acked, ids...)
	return s.ackErr
}

func (s *pendingService) Acked() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.acked...)
}

type history struct {
	last *LastSession
	err  error
}

func (h history) LastSession(context.Context) (*LastSession, error) { return h.last, h.err }

// gatedHistory parks LastSession until release is closed.
type gatedHistory struct {
	last    *LastSession
	entered chan struct{}
	release chan struct{}
}

func newGatedHistory(last *LastSession) *gatedHistory {
	return &gatedHistory{last: last, entered: make(chan struct{}, 1), release: make(chan struct{})}
}

func (h *gatedHistory) LastSession(ctx context.Context) (*LastSession, error) {
	h.entered <- struct{}{}
	select {
	case <-h.release:
		return h.last, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func newProcessor(t *testing.T, ctrl Controller, pending PendingSource) *Processor {
	t.Helper()
	p, err := New(Deps{
		Operator:   "pso@example.com",
		Controller: ctrl,
		Pending:    pending,
		Logger:     zaptest.NewLogger(t),
	})
	require.NoError(t, err)
	return p
}

func at(s string) Timestamp {
	ts, _ := time.Parse(time.RFC3339, s)
	return Timestamp{ts}
}

func TestNormalize(t *testing.T) {
	tests := []struct {
		raw   string
		want  Directive
		known bool
	}{
		{"START", Start, true},
		{"  start\n", Start, true},
		{"Stop", Stop, true},
		{"", Stop, false},
		{"RESTART", Stop, false},
		{"pause", Stop, false},
	}
	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			assert.Equal(t, tt.want, Normalize(tt.raw))
			assert.Equal(t, tt.known, Known(tt.raw))
		})
	}
}

func TestShouldResume(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	ago := func(d time.Duration) *time.Time {
		ts := now.Add(-d)
		return &ts
	}
	window := 5 * time.Minute

	tests := []struct {
		name string
		last *LastSession
		want bool
	}{
		{"left open", &LastSession{StartedAt: ago(time.Hour)}, true},
		{"operator command", &LastSession{StoppedAt: ago(time.Minute), StopReason: "COMMAND"}, false},
		{"recent disconnect", &LastSession{StoppedAt: ago(2 * time.Minute), StopReason: "DISCONNECT"}, true},
		{"stale disconnect", &LastSession{StoppedAt: ago(10 * time.Minute), StopReason: "DISCONNECT"}, false},
		{"lower-case disconnect", &LastSession{StoppedAt: ago(time.Minute), StopReason: "disconnect"}, true},
		{"unknown reason", &LastSession{StoppedAt: ago(time.Minute), StopReason: "TIMEOUT"}, false},
		{"empty reason", &LastSession{StoppedAt: ago(time.Minute)}, false},
		{"no last session", nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ShouldResume(tt.last, now, window))
		})
	}
}

func TestBackfillAppliesInTimestampOrder(t *testing.T) {
	ctrl := &controller{}
	svc := &pendingService{queue: []PendingCommand{
		{ID: "b", Command: "start", Timestamp: at("2026-03-01T10:05:00Z")},
		{ID: "a", Command: "STOP", Timestamp: at("2026-03-01T10:00:00Z")},
	}}
	p := newProcessor(t, ctrl, svc)

	require.NoError(t, p.Backfill(context.Background()))
	assert.Equal(t, []string{"stop:COMMAND", "start"}, ctrl.Calls())
	assert.Equal(t, []string{"a", "b"}, svc.Acked())

	require.NoError(t, p.Backfill(context.Background()))
	assert.Equal(t, []string{"stop:COMMAND", "start"}, ctrl.Calls(), "redelivered commands are not applied again")
	assert.Equal(t, []string{"a", "b", "a", "b"}, svc.Acked())
}

func TestProcessAcknowledgesAfterFailure(t *testing.T) {
	ctrl := &controller{startErr: errors.New("camera denied")}
	svc := &pendingService{ackErr: errors.New("backend down")}
	p := newProcessor(t, ctrl, svc)

	p.Process(context.Background(), PendingCommand{ID: "x", Command: "START"})
	assert.Equal(t, []string{"start"}, ctrl.Calls())
	assert.Equal(t, []string{"x"}, svc.Acked())
}

func TestUnknownDirectiveStops(t *testing.T) {
	ctrl := &controller{}
	p := newProcessor(t, ctrl, &pendingService{})

	p.Process(context.Background(), PendingCommand{ID: "x", Command: "reboot"})
	assert.Equal(t, []string{"stop:COMMAND"}, ctrl.Calls())
}

func TestHandleMessageShapes(t *testing.T) {
	ctrl := &controller{}
	svc := &pendingService{}
	p := newProcessor(t, ctrl, svc)
	ctx := context.Background()

	require.NoError(t, p.HandleMessage(ctx, []byte(`{"command":"START","timestamp":"2026-03-01T10:00:00Z","id":"c1"}`)))
	require.NoError(t, p.HandleMessage(ctx, []byte(`{"employeeEmail":"PSO@example.com","command":"stop"}`)))
	require.NoError(t, p.HandleMessage(ctx, []byte(`{"employeeEmail":"other@example.com","command":"START"}`)))
	require.NoError(t, p.HandleMessage(ctx, []byte(`{"command":"START","timestamp":1772359200000,"id":"c1"}`)))

	assert.Equal(t, []string{"start", "stop:COMMAND"}, ctrl.Calls())
	assert.Equal(t, []string{"c1", "c1"}, svc.Acked())

	assert.Error(t, p.HandleMessage(ctx, []byte(`{"id":"c2"}`)))
	assert.Error(t, p.HandleMessage(ctx, []byte(`not json`)))
}

func TestTimestampFormats(t *testing.T) {
	var cmd PendingCommand
	require.NoError(t, json.Unmarshal([]byte(`{"id":"a","command":"START","timestamp":1772359200000}`), &cmd))
	assert.Equal(t, time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC), cmd.Timestamp.Time)

	require.NoError(t, json.Unmarshal([]byte(`{"id":"a","command":"START","timestamp":"2026-03-01T10:00:00.5Z"}`), &cmd))
	assert.Equal(t, 500*time.Millisecond, time.Duration(cmd.Timestamp.Nanosecond()))

	assert.Error(t, json.Unmarshal([]byte(`{"timestamp":"yesterday"}`), &cmd))
}

func TestRunQueuesPushesDuringBackfill(t *testing.T) {
	defer goleak.VerifyNone(t)

	ctrl := &controller{}
	svc := &pendingService{queue: []PendingCommand{
		{ID: "old", Command: "STOP", Timestamp: at("2026-03-01T10:00:00Z")},
	}}
	p := newProcessor(t, ctrl, svc)
	svc.during = func() {
		p.Deliver([]byte(`{"command":"START","id":"live"}`))
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	require.Eventually(t, func() bool { return len(ctrl.Calls()) == 2 }, time.Second, time.Millisecond)
	assert.Equal(t, []string{"stop:COMMAND", "start"}, ctrl.Calls(), "backfill is applied before live pushes")

	p.Deliver([]byte(`{"command":"STOP","id":"live-2"}`))
	require.Eventually(t, func() bool { return len(ctrl.Calls()) == 3 }, time.Second, time.Millisecond)

	cancel()
	require.NoError(t, <-done)
	assert.Equal(t, []string{"old", "live", "live-2"}, svc.Acked())
}

func TestResume(t *testing.T) {
	stopped := time.Date(2026, 3, 1, 11, 58, 0, 0, time.UTC)
	now := func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) }

	tests := []struct {
		name       string
		history    history
		manualStop bool
		want       bool
		wantErr    bool
	}{
		{"recent disconnect", history{last: &LastSession{StoppedAt: &stopped, StopReason: "DISCONNECT"}}, false, true, false},
		{"command stop", history{last: &LastSession{StoppedAt: &stopped, StopReason: "COMMAND"}}, false, false, false},
		{"local manual stop wins", history{last: &LastSession{}}, true, false, false},
		{"history unavailable", history{err: errors.New("503")}, false, false, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctrl := &controller{}
			st := session.New()
			if tt.manualStop {
				st.LatchManualStop()
			}
			p, err := New(Deps{
				Operator:   "pso@example.com",
				Controller: ctrl,
				Session:    st,
				History:    tt.history,
				Now:        now,
				Logger:     zaptest.NewLogger(t),
			})
			require.NoError(t, err)
			require.NoError(t, p.Backfill(context.Background()))

			resumed, err := p.Resume(context.Background())
			if tt.wantErr {
				require.Error(t, err)
			} else {
				require.NoError(t, err)
			}
			assert.Equal(t, tt.want, resumed)
			if tt.want {
				assert.Equal(t, []string{"start"}, ctrl.Calls())
			} else {
				assert.Empty(t, ctrl.Calls())
			}
		})
	}
}

func TestCommandStopDuringResumeLookupWins(t *testing.T) {
	st := session.New()
	ctrl := &controller{session: st}
	hist := newGatedHistory(&LastSession{})
	p, err := New(Deps{
		Operator:   "pso@example.com",
		Controller: ctrl,
		Session:    st,
		Pending:    &pendingService{},
		History:    hist,
		Logger:     zaptest.NewLogger(t),
	})
	require.NoError(t, err)
	require.NoError(t, p.Backfill(context.Background()))

	type result struct {
		resumed bool
		err     error
	}
	done := make(chan result, 1)
	go func() {
		resumed, err := p.Resume(context.Background())
		done <- result{resumed, err}
	}()

	<-hist.entered
	p.Process(context.Background(), PendingCommand{ID: "s1", Command: "STOP"})
	close(hist.release)

	res := <-done
	require.NoError(t, res.err)
	assert.False(t, res.resumed)
	assert.Equal(t, []string{"stop:COMMAND"}, ctrl.Calls())
	assert.True(t, st.ManualStop(), "a command stop stays latched")
}

func TestResumeWaitsForFirstBackfill(t *testing.T) {
	defer goleak.VerifyNone(t)

	st := session.New()
	ctrl := &controller{session: st}
	release := make(chan struct{})
	svc := &pendingService{
		queue:  []PendingCommand{{ID: "s1", Command: "STOP", Timestamp: at("2026-03-01T10:00:00Z")}},
		during: func() { <-release },
	}
	hist := newGatedHistory(&LastSession{})
	close(hist.release)
	p, err := New(Deps{
		Operator:   "pso@example.com",
		Controller: ctrl,
		Session:    st,
		Pending:    svc,
		History:    hist,
		Logger:     zaptest.NewLogger(t),
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	runDone := make(chan error, 1)
	go func() { runDone <- p.Run(ctx) }()

	resumed := make(chan bool, 1)
	go func() {
		ok, _ := p.Resume(ctx)
		resumed <- ok
	}()

	select {
	case <-hist.entered:
		t.Fatal("resume looked up history before the backfill finished")
	case <-time.After(30 * time.Millisecond):
	}
	close(release)

	assert.False(t, <-resumed, "the backfilled stop wins")
	assert.Equal(t, []string{"stop:COMMAND"}, ctrl.Calls())
	assert.True(t, st.ManualStop())

	cancel()
	require.NoError(t, <-runDone)
}

func TestLiveStopInterruptsStartInProgress(t *testing.T) {
	defer goleak.VerifyNone(t)

	ctrl := &controller{hold: make(chan struct{})}
	svc := &pendingService{}
	p := newProcessor(t, ctrl, svc)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	p.Deliver([]byte(`{"command":"START","id":"go"}`))
	require.Eventually(t, func() bool { return len(ctrl.Calls()) == 1 }, time.Second, time.Millisecond)

	p.Deliver([]byte(`{"command":"STOP","id":"halt"}`))
	require.Eventually(t, func() bool { return len(ctrl.Calls()) == 2 }, time.Second, time.Millisecond,
		"the stop is not stuck behind the start")
	assert.Equal(t, []string{"start", "stop:COMMAND"}, ctrl.Calls())
	require.Eventually(t, func() bool { return len(svc.Acked()) == 2 }, time.Second, time.Millisecond)
	n := ctrl.Interrupts()

	p.Deliver([]byte(`{"command":"STOP","id":"halt"}`))
	p.Deliver([]byte(`{"employeeEmail":"other@example.com","command":"STOP"}`))
	require.Eventually(t, func() bool { return len(svc.Acked()) == 3 }, time.Second, time.Millisecond)
	assert.Equal(t, n, ctrl.Interrupts(), "redelivered and foreign stops never interrupt")

	cancel()
	require.NoError(t, <-done)
}
