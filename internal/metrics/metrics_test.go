package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.SetPhase(true, false)
		m.IncRetryAttempts()
		m.IncReconnectTrigger("disconnected", true)
		m.ObserveConnect(time.Second)
		m.IncConnectFailure("timeout")
		m.IncTeardownFailure("unpublish")
		m.IncCommand("STOP", "applied")
		m.AddRemoteAudio(10, 1)
		m.IncPreviewFrames()
		m.SetWakeLock(true)
		m.SetSignalingConnected(true)
		m.IncSleepDetected()
	})
	assert.Nil(t, m.Registry())
}

func scrape(t *testing.T, m *Metrics) string {
	t.Helper()
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	return rec.Body.String()
}

func TestCountersAndGauges(t *testing.T) {
	m := New()

	m.SetPhase(false, true)
	m.IncReconnectTrigger("track-ended", true)
	m.IncReconnectTrigger("track-ended", false)
	m.IncReconnectTrigger("track-ended", false)
	m.AddRemoteAudio(100, 3)

	body := scrape(t, m)
	assert.Contains(t, body, "pso_agent_retrying 1")
	assert.Contains(t, body, "pso_agent_streaming 0")
	assert.Contains(t, body, `pso_agent_reconnect_triggers_total{accepted="false",reason="track-ended"} 2`)
	assert.Contains(t, body, "pso_agent_remote_audio_packets_lost_total 3")
}

func TestHandlerServesRegistry(t *testing.T) {
	m := New()
	m.IncRetryAttempts()

	assert.True(t, strings.Contains(scrape(t, m), "pso_agent_retry_attempts_total 1"))
}
