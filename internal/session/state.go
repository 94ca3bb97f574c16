// Package session holds the single SessionState of the agent and fans out
// changes to observers.
package session

import (
	"sync"
)

// Phase is the transient phase of the current logical session. Streaming and
// retrying are mutually exclusive by construction.
type Phase string

const (
	PhaseIdle      Phase = "idle"
	PhaseStreaming Phase = "streaming"
	PhaseRetrying  Phase = "retrying"
)

// Snapshot is an immutable copy of the state.
type Snapshot struct {
	Phase      Phase  `json:"phase"`
	Streaming  bool   `json:"isStreaming"`
	Retrying   bool   `json:"isRetrying"`
	RetryCount int    `json:"retryCount"`
	ManualStop bool   `json:"manualStop"`
	SessionID  string `json:"sessionId,omitempty"`
}

// State is owned by the orchestrator controller; other components read it or
// subscribe to it.
type State struct {
	mu         sync.RWMutex
	phase      Phase
	retryCount int
	manualStop bool
	sessionID  string

	subMu  sync.Mutex
	subs   map[int]chan Snapshot
	nextID int
}

func New() *State {
	return &State{
		phase: PhaseIdle,
		subs:  make(map[int]chan Snapshot),
	}
}

func (s *State) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshotLocked()
}

func (s *State) snapshotLocked() Snapshot {
	return Snapshot{
		Phase:      s.phase,
		Streaming:  s.phase == PhaseStreaming,
		Retrying:   s.phase == PhaseRetrying,
		RetryCount: s.retryCount,
		ManualStop: s.manualStop,
		SessionID:  s.sessionID,
	}
}

func (s *State) Phase() Phase {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.phase
}

func (s *State) IsStreaming() bool { return s.Phase() == PhaseStreaming }

// Active reports whether a session is current, streaming or retrying.
func (s *State) Active() bool { return s.Phase() != PhaseIdle }

func (s *State) ManualStop() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.manualStop
}

func (s *State) SessionID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sessionID
}

// LatchManualStop sets the manual-stop flag. It stays set until ClearManualStop.
func (s *State) LatchManualStop() {
	s.update(func() bool {
		if s.manualStop {
			return false
		}
		s.manualStop = true
		return true
	})
}

// ClearManualStop is only called by an explicit start.
func (s *State) ClearManualStop() {
	s.update(func() bool {
		if !s.manualStop {
			return false
		}
		s.manualStop = false
		return true
	})
}

// Begin records a new session id; the phase is unchanged.
func (s *State) Begin(sessionID string) {
	s.update(func() bool {
		s.sessionID = sessionID
		return true
	})
}

func (s *State) SetStreaming() {
	s.update(func() bool {
		if s.phase == PhaseStreaming && s.retryCount == 0 {
			return false
		}
		s.phase = PhaseStreaming
		s.retryCount = 0
		return true
	})
}

func (s *State) SetRetrying(count int) {
	s.update(func() bool {
		if s.phase == PhaseRetrying && s.retryCount == count {
			return false
		}
		s.phase = PhaseRetrying
		s.retryCount = count
		return true
	})
}

// SetIdle ends the session. The manual-stop flag is left alone.
func (s *State) SetIdle() {
	s.update(func() bool {
		if s.phase == PhaseIdle && s.retryCount == 0 && s.sessionID == "" {
			return false
		}
		s.phase = PhaseIdle
		s.retryCount = 0
		s.sessionID = ""
		return true
	})
}

func (s *State) update(fn func() bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if fn() {
		s.publish(s.snapshotLocked())
	}
}

// Subscribe returns a channel that always holds the latest snapshot; slow
// readers only miss intermediate values. The returned func unsubscribes.
func (s *State) Subscribe() (<-chan Snapshot, func()) {
	ch := make(chan Snapshot, 1)
	ch <- s.Snapshot()

	s.subMu.Lock()
	id := s.nextID
	s.nextID++
	s.subs[id] = ch
	s.subMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.subMu.Lock()
			delete(s.subs, id)
			s.subMu.Unlock()
		})
	}
}

func (s *State) publish(snap Snapshot) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	for _, ch := range s.subs {
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- snap:
		default:
		}
	}
}
