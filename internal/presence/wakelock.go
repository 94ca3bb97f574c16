package presence

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"sync"

	"go.uber.org/zap"
)

// WakeLock keeps the host awake while held. Released delivers a value each
// time the platform drops the lock without Release being called.
type WakeLock interface {
	Acquire(ctx context.Context) error
	Release(ctx context.Context) error
	Held() bool
	Released() <-chan struct{}
}

// InhibitorLock holds a sleep inhibitor child process for as long as the lock
// is held: systemd-inhibit on Linux, caffeinate on macOS. On other platforms
// it only tracks the held flag.
type InhibitorLock struct {
	// Command builds the inhibitor process. Nil means no process is needed.
	Command func() *exec.Cmd
	logger  *zap.Logger

	mu       sync.Mutex
	cmd      *exec.Cmd
	held     bool
	exited   chan struct{}
	released chan struct{}
}

func NewInhibitorLock(logger *zap.Logger) *InhibitorLock {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &InhibitorLock{
		Command:  platformInhibitor(),
		logger:   logger.Named("wakelock"),
		released: make(chan struct{}, 1),
	}
}

func platformInhibitor() func() *exec.Cmd {
	switch runtime.GOOS {
	case "linux":
		return func() *exec.Cmd {
			return exec.Command("systemd-inhibit",
				"--what=idle:sleep",
				"--who=pso-agent",
				"--why=Live monitoring session",
				"--mode=block",
				"sleep", "infinity")
		}
	case "darwin":
		return func() *exec.Cmd { return exec.Command("caffeinate", "-di") }
	default:
		return nil
	}
}

func (l *InhibitorLock) Held() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.held
}

func (l *InhibitorLock) Released() <-chan struct{} { return l.released }

// Acquire starts the inhibitor. It is a no-op while held.
func (l *InhibitorLock) Acquire(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if l.Command == nil {
		l.held = true
		return nil
	}

	cmd := l.Command()
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start sleep inhibitor %s: %w", cmd.Path, err)
	}
	exited := make(chan struct{})
	l.cmd = cmd
	l.exited = exited
	l.held = true
	l.logger.Debug("Wake lock acquired", zap.Int("pid", cmd.Process.Pid))

	go l.wait(cmd, exited)
	return nil
}

func (l *InhibitorLock) wait(cmd *exec.Cmd, exited chan struct{}) {
	err := cmd.Wait()
	close(exited)

	l.mu.Lock()
	outOfBand := l.cmd == cmd
	if outOfBand {
		l.cmd = nil
		l.held = false
	}
	l.mu.Unlock()

	if outOfBand {
		l.logger.Warn("Sleep inhibitor exited unexpectedly", zap.Error(err))
		select {
		case l.released <- struct{}{}:
		default:
		}
	}
}

// Release stops the inhibitor and waits for it to exit. It is a no-op when
// not held.
func (l *InhibitorLock) Release(ctx context.Context) error {
	l.mu.Lock()
	if !l.held {
		l.mu.Unlock()
		return nil
	}
	cmd, exited := l.cmd, l.exited
	l.cmd = nil
	l.held = false
	l.mu.Unlock()

	if cmd == nil {
		return nil
	}
	if err := cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		l.logger.Debug("Killing sleep inhibitor", zap.Error(err))
	}
	select {
	case <-exited:
		l.logger.Debug("Wake lock released")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for sleep inhibitor to exit: %w", ctx.Err())
	}
}
