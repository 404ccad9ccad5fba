package api

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawlkit/internal/scheduler"
)

type fakeController struct {
	mu      sync.Mutex
	state   scheduler.State
	removed []string
	live    map[string]bool
}

func newFakeController() *fakeController {
	return &fakeController{state: scheduler.StateRunning, live: map[string]bool{}}
}

func (c *fakeController) Pause() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = scheduler.StatePaused
}

func (c *fakeController) Unpause() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = scheduler.StateRunning
}

func (c *fakeController) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = scheduler.StateStopped
}

func (c *fakeController) Remove(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.removed = append(c.removed, key)
	return c.live[key]
}

func (c *fakeController) Status() scheduler.Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return scheduler.Status{
		State:   c.state.String(),
		Drain:   scheduler.MoreWork.String(),
		Pending: 3,
		Live:    len(c.live),
	}
}

func newTestServer(ctrl Controller) *Server {
	return NewServer(ctrl, nil, nil, Config{}, zap.NewNop())
}

func do(t *testing.T, s *Server, method, target string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(method, target, nil))
	return rec
}

func decodeStatus(t *testing.T, rec *httptest.ResponseRecorder) scheduler.Status {
	t.Helper()
	var st scheduler.Status
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &st))
	return st
}

func TestServer_Status(t *testing.T) {
	t.Parallel()

	rec := do(t, newTestServer(newFakeController()), http.MethodGet, "/v1/status")

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	st := decodeStatus(t, rec)
	require.Equal(t, "running", st.State)
	require.Equal(t, "more_work", st.Drain)
	require.Equal(t, 3, st.Pending)
}

func TestServer_PauseUnpauseStop(t *testing.T) {
	t.Parallel()

	ctrl := newFakeController()
	s := newTestServer(ctrl)

	rec := do(t, s, http.MethodPost, "/v1/pause")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "paused", decodeStatus(t, rec).State)

	rec = do(t, s, http.MethodPost, "/v1/unpause")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "running", decodeStatus(t, rec).State)

	rec = do(t, s, http.MethodPost, "/v1/stop")
	require.Equal(t, http.StatusAccepted, rec.Code)
	require.Equal(t, "stopped", decodeStatus(t, rec).State)

	require.Equal(t, http.StatusMethodNotAllowed, do(t, s, http.MethodGet, "/v1/pause").Code)
}

func TestServer_RemoveTask(t *testing.T) {
	t.Parallel()

	ctrl := newFakeController()
	ctrl.live["7"] = true
	ctrl.live["https://example.com/a/b.zip"] = true
	s := newTestServer(ctrl)

	rec := do(t, s, http.MethodDelete, "/v1/tasks/7")
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"key":"7","removed":true}`, rec.Body.String())

	rec = do(t, s, http.MethodDelete, "/v1/tasks/missing")
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"key":"missing","removed":false}`, rec.Body.String())

	rec = do(t, s, http.MethodDelete, "/v1/tasks?key="+url.QueryEscape("https://example.com/a/b.zip"))
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"key":"https://example.com/a/b.zip","removed":true}`, rec.Body.String())

	rec = do(t, s, http.MethodDelete, "/v1/tasks")
	require.Equal(t, http.StatusBadRequest, rec.Code)

	require.Equal(t, []string{"7", "missing", "https://example.com/a/b.zip"}, ctrl.removed)
}

func TestServer_ReadyzReflectsStop(t *testing.T) {
	t.Parallel()

	ctrl := newFakeController()
	s := newTestServer(ctrl)

	require.Equal(t, http.StatusOK, do(t, s, http.MethodGet, "/readyz").Code)
	require.Equal(t, http.StatusOK, do(t, s, http.MethodGet, "/healthz").Code)
	ctrl.Stop()
	require.Equal(t, http.StatusServiceUnavailable, do(t, s, http.MethodGet, "/readyz").Code)
	require.Equal(t, http.StatusOK, do(t, s, http.MethodGet, "/healthz").Code)
}

func TestServer_Metrics(t *testing.T) {
	t.Parallel()

	require.Equal(t, http.StatusNotFound, do(t, newTestServer(newFakeController()), http.MethodGet, "/metrics").Code)

	reg := prometheus.NewRegistry()
	counter := prometheus.NewCounter(prometheus.CounterOpts{Name: "crawlkit_test_total", Help: "test"})
	reg.MustRegister(counter)
	counter.Inc()
	s := NewServer(newFakeController(), promhttp.HandlerFor(reg, promhttp.HandlerOpts{}), nil, Config{}, zap.NewNop())

	rec := do(t, s, http.MethodGet, "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "crawlkit_test_total 1")
}

func TestServer_APIKeyMiddleware(t *testing.T) {
	t.Parallel()

	s := NewServer(newFakeController(), nil, nil, Config{APIKey: "secret"}, zap.NewNop())

	require.Equal(t, http.StatusForbidden, do(t, s, http.MethodGet, "/healthz").Code)
	require.Equal(t, http.StatusOK, do(t, s, http.MethodGet, "/healthz?api_key=secret").Code)

	req := httptest.NewRequest(http.MethodGet, "/v1/status", nil)
	req.Header.Set("X-API-Key", "secret")
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
}

type panicController struct{ *fakeController }

func (panicController) Status() scheduler.Status { panic("boom") }

func TestServer_RecoversFromPanic(t *testing.T) {
	t.Parallel()

	rec := do(t, newTestServer(panicController{newFakeController()}), http.MethodGet, "/v1/status")
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	require.Contains(t, rec.Body.String(), "internal server error")
}

func TestRequestIDMiddlewareSetsHeader(t *testing.T) {
	t.Parallel()

	rec := do(t, newTestServer(newFakeController()), http.MethodGet, "/healthz")
	require.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

func TestResponseWriterHijackBehavior(t *testing.T) {
	t.Parallel()

	rw := &responseWriter{ResponseWriter: httptest.NewRecorder()}
	if _, _, err := rw.Hijack(); err == nil || err.Error() != "hijacker not supported" {
		t.Fatalf("expected unsupported hijacker error, got %v", err)
	}

	h := &hijackableRecorder{ResponseRecorder: httptest.NewRecorder()}
	rw = &responseWriter{ResponseWriter: h}
	conn, buf, err := rw.Hijack()
	if err != nil {
		t.Fatalf("expected successful hijack, got %v", err)
	}
	if err := conn.Close(); err != nil {
		t.Fatalf("close hijacked conn: %v", err)
	}
	if err := h.CloseClient(); err != nil {
		t.Fatalf("close hijacked client: %v", err)
	}
	if buf == nil {
		t.Fatal("expected buf to be non-nil")
	}
}

type hijackableRecorder struct {
	*httptest.ResponseRecorder
	client net.Conn
}

func (h *hijackableRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	server, client := net.Pipe()
	h.client = client
	return server, bufio.NewReadWriter(bufio.NewReader(client), bufio.NewWriter(client)), nil
}

func (h *hijackableRecorder) CloseClient() error {
	if h.client != nil {
		if err := h.client.Close(); err != nil {
			return fmt.Errorf("close hijacker client: %w", err)
		}
	}
	return nil
}
