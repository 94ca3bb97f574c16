// Package scheduler keeps the agent's long-lived timers, keyed by purpose, so
// a deliberate stop can clear all of them in one call.
package scheduler

import (
	"sync"
	"time"
)

// Key names a scheduled task. Scheduling under a key replaces whatever was
// there before.
type Key string

const (
	KeyRetry  Key = "retry-timer"
	KeyHealth Key = "health-timer"
)

type task struct {
	gen   uint64
	timer *time.Timer
	stop  chan struct{}
}

// Scheduler is safe for concurrent use. A task that was cancelled or
// replaced never runs, even if its timer already fired.
type Scheduler struct {
	mu    sync.Mutex
	gen   uint64
	tasks map[Key]*task
	wg    sync.WaitGroup
}

func New() *Scheduler {
	return &Scheduler{tasks: make(map[Key]*task)}
}

// After runs fn once after d.
func (s *Scheduler) After(key Key, d time.Duration, fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.cancelLocked(key)
	s.gen++
	t := &task{gen: s.gen}
	t.timer = time.AfterFunc(d, func() {
		if !s.claim(key, t.gen, true) {
			return
		}
		fn()
	})
	s.tasks[key] = t
}

// Every runs fn every d until the key is cancelled or replaced. Runs never
// overlap.
func (s *Scheduler) Every(key Key, d time.Duration, fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.cancelLocked(key)
	s.gen++
	t := &task{gen: s.gen, stop: make(chan struct{})}
	s.tasks[key] = t

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(d)
		defer ticker.Stop()
		for {
			select {
			case <-t.stop:
				return
			case <-ticker.C:
				if !s.claim(key, t.gen, false) {
					return
				}
				fn()
			}
		}
	}()
}

// claim reports whether the task generation is still current; one-shot
// tasks are removed when claimed.
func (s *Scheduler) claim(key Key, gen uint64, once bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[key]
	if !ok || t.gen != gen {
		return false
	}
	if once {
		delete(s.tasks, key)
	}
	return true
}

// Pending reports whether a task is scheduled under key.
func (s *Scheduler) Pending(key Key) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.tasks[key]
	return ok
}

// Cancel removes the task under key. It reports whether one was scheduled.
func (s *Scheduler) Cancel(key Key) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancelLocked(key)
}

// CancelAll clears every task atomically with respect to other scheduler
// calls.
func (s *Scheduler) CancelAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key := range s.tasks {
		s.cancelLocked(key)
	}
}

func (s *Scheduler) cancelLocked(key Key) bool {
	t, ok := s.tasks[key]
	if !ok {
		return false
	}
	delete(s.tasks, key)
	if t.timer != nil {
		t.timer.Stop()
	}
	if t.stop != nil {
		close(t.stop)
	}
	return true
}

// Close cancels everything and waits for periodic task goroutines to exit.
// It must not be called from inside a task.
func (s *Scheduler) Close() {
	s.CancelAll()
	s.wg.Wait()
}
