package api

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"

	"github.com/mikeyg42/psoagent/internal/media"
	"github.com/mikeyg42/psoagent/internal/metrics"
	"github.com/mikeyg42/psoagent/internal/reconnect"
	"github.com/mikeyg42/psoagent/internal/session"
)

type engineStub struct {
	state   reconnect.State
	attempt int
}

func (e engineStub) State() reconnect.State { return e.state }
func (e engineStub) Attempt() int           { return e.attempt }

type previewStub struct{ frame *media.Frame }

func (p previewStub) Latest() *media.Frame { return p.frame }

type visibility struct {
	mu   sync.Mutex
	seen []bool
}

func (v *visibility) SetVisible(b bool) {
	v.mu.Lock()
	v.seen = append(v.seen, b)
	v.mu.Unlock()
}

type signalingStub bool

func (s signalingStub) Connected() bool { return bool(s) }

func newTestServer(t *testing.T, deps Deps) http.Handler {
	t.Helper()
	deps.Logger = zaptest.NewLogger(t)
	return NewServer("127.0.0.1:0", deps).Routes()
}

func do(h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	h.ServeHTTP(rec, req)
	return rec
}

func TestHealthz(t *testing.T) {
	h := newTestServer(t, Deps{})
	rec := do(h, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestStatus(t *testing.T) {
	st := session.New()
	st.Begin("0b7a1f3c-1111-2222-3333-444455556666")
	st.SetRetrying(3)
	captured := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	h := newTestServer(t, Deps{
		Operator:  "pso@example.com",
		Session:   st,
		Engine:    engineStub{state: reconnect.StateRetrying, attempt: 3},
		Preview:   previewStub{frame: &media.Frame{JPEG: []byte{0xff, 0xd8}, Captured: captured}},
		Signaling: signalingStub(true),
	})

	rec := do(h, http.MethodGet, "/v1/status", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp StatusResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "pso@example.com", resp.Operator)
	assert.True(t, resp.Session.Retrying)
	assert.Equal(t, 3, resp.Session.RetryCount)
	assert.Equal(t, string(reconnect.StateRetrying), resp.ReconnectState)
	assert.Equal(t, 3, resp.ReconnectAttempt)
	assert.True(t, resp.SignalingConnected)
	require.NotNil(t, resp.PreviewAt)
	assert.True(t, captured.Equal(*resp.PreviewAt))
}

func TestPreview(t *testing.T) {
	tests := []struct {
		name    string
		preview PreviewSource
		want    int
	}{
		{"disabled", nil, http.StatusNotFound},
		{"nothing captured", previewStub{}, http.StatusNotFound},
		{"frame", previewStub{frame: &media.Frame{JPEG: []byte{0xff, 0xd8, 0xff}, Captured: time.Now()}}, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newTestServer(t, Deps{Preview: tt.preview})
			rec := do(h, http.MethodGet, "/v1/preview.jpg", "")
			assert.Equal(t, tt.want, rec.Code)
			if tt.want == http.StatusOK {
				assert.Equal(t, "image/jpeg", rec.Header().Get("Content-Type"))
				assert.Equal(t, "no-store", rec.Header().Get("Cache-Control"))
				assert.Equal(t, []byte{0xff, 0xd8, 0xff}, rec.Body.Bytes())
			}
		})
	}
}

func TestVisibility(t *testing.T) {
	vis := &visibility{}
	h := newTestServer(t, Deps{Visibility: vis})

	tests := []struct {
		body string
		want int
	}{
		{`{"visible":false}`, http.StatusNoContent},
		{`{"visible":true}`, http.StatusNoContent},
		{`{}`, http.StatusBadRequest},
		{`{"visible":"yes"}`, http.StatusBadRequest},
		{`{"visible":true,"extra":1}`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		rec := do(h, http.MethodPut, "/v1/visibility", tt.body)
		assert.Equal(t, tt.want, rec.Code, tt.body)
	}
	assert.Equal(t, []bool{false, true}, vis.seen)

	rec := do(h, http.MethodPost, "/v1/visibility", `{"visible":true}`)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestMetricsRoute(t *testing.T) {
	m := metrics.New()
	m.SetWakeLock(true)
	h := newTestServer(t, Deps{Metrics: m.Handler()})

	rec := do(h, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "pso_")
}

func TestRateLimit(t *testing.T) {
	h := newTestServer(t, Deps{RateLimit: 2})

	for i := 0; i < 2; i++ {
		assert.Equal(t, http.StatusOK, do(h, http.MethodGet, "/v1/status", "").Code)
	}
	rec := do(h, http.MethodGet, "/v1/status", "")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "60", rec.Header().Get("Retry-After"))

	assert.Equal(t, http.StatusOK, do(h, http.MethodGet, "/healthz", "").Code, "health is not limited")
}

func TestServeShutsDownOnCancel(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	srv := NewServer(ln.Addr().String(), Deps{Logger: zaptest.NewLogger(t)})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, ln) }()

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + ln.Addr().String() + "/healthz")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down")
	}
	http.DefaultClient.CloseIdleConnections()
}
