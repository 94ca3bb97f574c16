// Package metrics holds the agent's Prometheus collectors on a private
// registry. Every method is safe on a nil *Metrics so components can run
// without instrumentation in tests.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "pso_agent"

// Metrics holds counters and gauges for the streaming agent.
type Metrics struct {
	registry *prometheus.Registry

	streaming          prometheus.Gauge
	retrying           prometheus.Gauge
	retryAttempts      prometheus.Counter
	reconnectTriggers  *prometheus.CounterVec
	connectDuration    prometheus.Histogram
	connectFailures    *prometheus.CounterVec
	teardownFailures   *prometheus.CounterVec
	commandsProcessed  *prometheus.CounterVec
	remoteAudioPackets prometheus.Counter
	remoteAudioLost    prometheus.Counter
	previewFrames      prometheus.Counter
	wakeLockHeld       prometheus.Gauge
	signalingConnected prometheus.Gauge
	sleepsDetected     prometheus.Counter
}

// New creates and registers the agent metrics.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		streaming: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "streaming",
			Help:      "1 while a session is publishing media",
		}),
		retrying: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "retrying",
			Help:      "1 while the reconnection engine is retrying",
		}),
		retryAttempts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retry_attempts_total",
			Help:      "Reconnection attempts started",
		}),
		reconnectTriggers: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconnect_triggers_total",
			Help:      "Reconnection triggers by reason and whether a loop was started",
		}, []string{"reason", "accepted"}),
		connectDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "connect_duration_seconds",
			Help:      "Time to connect and publish to the SFU",
			Buckets:   []float64{0.25, 0.5, 1, 2, 5, 10, 20, 30},
		}),
		connectFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connect_failures_total",
			Help:      "Failed connect attempts by kind",
		}, []string{"kind"}),
		teardownFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "teardown_step_failures_total",
			Help:      "Teardown steps that failed or panicked",
		}, []string{"step"}),
		commandsProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commands_processed_total",
			Help:      "Directives processed by directive and outcome",
		}, []string{"directive", "outcome"}),
		remoteAudioPackets: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "remote_audio_packets_total",
			Help:      "RTP packets received on remote audio tracks",
		}),
		remoteAudioLost: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "remote_audio_packets_lost_total",
			Help:      "RTP sequence gaps seen on remote audio tracks",
		}),
		previewFrames: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "preview_frames_total",
			Help:      "Frames encoded for the local preview",
		}),
		wakeLockHeld: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "wake_lock_held",
			Help:      "1 while the sleep inhibitor is held",
		}),
		signalingConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "signaling_connected",
			Help:      "1 while the signaling websocket is connected",
		}),
		sleepsDetected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "host_sleeps_detected_total",
			Help:      "Timer gaps long enough to mean the host was suspended",
		}),
	}

	registry.MustRegister(
		m.streaming,
		m.retrying,
		m.retryAttempts,
		m.reconnectTriggers,
		m.connectDuration,
		m.connectFailures,
		m.teardownFailures,
		m.commandsProcessed,
		m.remoteAudioPackets,
		m.remoteAudioLost,
		m.previewFrames,
		m.wakeLockHeld,
		m.signalingConnected,
		m.sleepsDetected,
	)
	return m
}

// Registry exposes the private registry, mostly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func boolGauge(g prometheus.Gauge, v bool) {
	if v {
		g.Set(1)
		return
	}
	g.Set(0)
}

// SetPhase mirrors the session phase into the streaming/retrying gauges.
func (m *Metrics) SetPhase(streaming, retrying bool) {
	if m == nil {
		return
	}
	boolGauge(m.streaming, streaming)
	boolGauge(m.retrying, retrying)
}

func (m *Metrics) IncRetryAttempts() {
	if m == nil {
		return
	}
	m.retryAttempts.Inc()
}

func (m *Metrics) IncReconnectTrigger(reason string, accepted bool) {
	if m == nil {
		return
	}
	a := "false"
	if accepted {
		a = "true"
	}
	m.reconnectTriggers.WithLabelValues(reason, a).Inc()
}

func (m *Metrics) ObserveConnect(d time.Duration) {
	if m == nil {
		return
	}
	m.connectDuration.Observe(d.Seconds())
}

func (m *Metrics) IncConnectFailure(kind string) {
	if m == nil {
		return
	}
	m.connectFailures.WithLabelValues(kind).Inc()
}

func (m *Metrics) IncTeardownFailure(step string) {
	if m == nil {
		return
	}
	m.teardownFailures.WithLabelValues(step).Inc()
}

func (m *Metrics) IncCommand(directive, outcome string) {
	if m == nil {
		return
	}
	m.commandsProcessed.WithLabelValues(directive, outcome).Inc()
}

func (m *Metrics) AddRemoteAudio(packets, lost int) {
	if m == nil {
		return
	}
	m.remoteAudioPackets.Add(float64(packets))
	m.remoteAudioLost.Add(float64(lost))
}

func (m *Metrics) IncPreviewFrames() {
	if m == nil {
		return
	}
	m.previewFrames.Inc()
}

func (m *Metrics) SetWakeLock(held bool) {
	if m == nil {
		return
	}
	boolGauge(m.wakeLockHeld, held)
}

func (m *Metrics) SetSignalingConnected(connected bool) {
	if m == nil {
		return
	}
	boolGauge(m.signalingConnected, connected)
}

func (m *Metrics) IncSleepDetected() {
	if m == nil {
		return
	}
	m.sleepsDetected.Inc()
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
