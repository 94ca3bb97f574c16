package presence

import (
	"context"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"
)

// SleepDetector infers host suspension from the wall-clock gap between
// ticks. The monotonic clock stops while suspended on some platforms, so
// readings are stripped to wall time.
type SleepDetector struct {
	tick      time.Duration
	threshold time.Duration
	emit      func(Event)
	logger    *zap.Logger

	mu   sync.Mutex
	last time.Time
}

func NewSleepDetector(tick, threshold time.Duration, emit func(Event), logger *zap.Logger) *SleepDetector {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SleepDetector{tick: tick, threshold: threshold, emit: emit, logger: logger.Named("sleep")}
}

// Observe records a tick at now and reports whether a sleep was detected.
func (d *SleepDetector) Observe(now time.Time) bool {
	now = now.Round(0)
	d.mu.Lock()
	last := d.last
	d.last = now
	d.mu.Unlock()

	if last.IsZero() {
		return false
	}
	gap := now.Sub(last)
	if gap <= d.threshold {
		return false
	}
	d.logger.Warn("Host sleep detected", zap.Duration("gap", gap))
	d.emit(EventWoke)
	return true
}

func (d *SleepDetector) Run(ctx context.Context) {
	ticker := time.NewTicker(d.tick)
	defer ticker.Stop()
	d.Observe(time.Now())
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			d.Observe(now)
		}
	}
}

// NetWatcher polls for a usable network interface and emits EventOnline on
// each offline to online transition.
type NetWatcher struct {
	every  time.Duration
	probe  func() bool
	emit   func(Event)
	logger *zap.Logger

	mu     sync.Mutex
	online bool
	seen   bool
}

// NewNetWatcher polls probe every interval; a nil probe checks the host
// interfaces.
func NewNetWatcher(every time.Duration, probe func() bool, emit func(Event), logger *zap.Logger) *NetWatcher {
	if probe == nil {
		probe = HostOnline
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &NetWatcher{every: every, probe: probe, emit: emit, logger: logger.Named("netwatch")}
}

// HostOnline reports whether any non-loopback interface is up with an
// address.
func HostOnline() bool {
	ifaces, err := net.Interfaces()
	if err != nil {
		return false
	}
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err == nil && len(addrs) > 0 {
			return true
		}
	}
	return false
}

// Check probes once and reports whether the network just came back.
func (w *NetWatcher) Check() bool {
	online := w.probe()
	w.mu.Lock()
	was, seen := w.online, w.seen
	w.online, w.seen = online, true
	w.mu.Unlock()

	if seen && was != online {
		w.logger.Info("Network changed", zap.Bool("online", online))
	}
	if seen && !was && online {
		w.emit(EventOnline)
		return true
	}
	return false
}

func (w *NetWatcher) Run(ctx context.Context) {
	ticker := time.NewTicker(w.every)
	defer ticker.Stop()
	w.Check()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.Check()
		}
	}
}
