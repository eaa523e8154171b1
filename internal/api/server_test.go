package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/energizer-project/netchan/internal/config"
	"github.com/energizer-project/netchan/internal/db"
	"github.com/energizer-project/netchan/internal/events"
	"github.com/energizer-project/netchan/internal/metrics"
	"github.com/energizer-project/netchan/internal/netchan"
	"github.com/energizer-project/netchan/internal/network"
)

type fakeEndpoint struct {
	id       string
	commands []string
	sideband [][]byte
	err      error
}

func (f *fakeEndpoint) ID() string { return f.id }

func (f *fakeEndpoint) Status() network.ChannelStatus {
	return network.ChannelStatus{ID: f.id, Role: "client", Connected: true, SessionID: 7}
}

func (f *fakeEndpoint) SendCommand(text string) error {
	if f.err != nil {
		return f.err
	}
	f.commands = append(f.commands, text)
	return nil
}

func (f *fakeEndpoint) QueueSideband(data []byte) error {
	if f.err != nil {
		return f.err
	}
	f.sideband = append(f.sideband, data)
	return nil
}

type fakeSource struct {
	eps []*fakeEndpoint
}

func (s *fakeSource) Endpoints() []network.Endpoint {
	out := make([]network.Endpoint, len(s.eps))
	for i, ep := range s.eps {
		out[i] = ep
	}
	return out
}

func (s *fakeSource) Endpoint(id string) (network.Endpoint, bool) {
	for _, ep := range s.eps {
		if ep.id == id {
			return ep, true
		}
	}
	return nil, false
}

type fakeSessions struct{ limit int }

func (f *fakeSessions) Recent(limit int) ([]db.Session, error) {
	f.limit = limit
	return []db.Session{{ID: 1, ChannelID: "srv", ConnectedAt: time.Unix(0, 0)}}, nil
}

func newTestServer(eps ...*fakeEndpoint) (*Server, *events.EventBus) {
	bus := events.NewEventBus()
	return NewServer(config.DefaultConfig(), bus, &fakeSource{eps: eps}, config.RoleClient), bus
}

func do(t *testing.T, h http.Handler, method, path, body string, local bool) *httptest.ResponseRecorder {
	t.Helper()
	var r *http.Request
	if body != "" {
		r = httptest.NewRequest(method, path, strings.NewReader(body))
		r.Header.Set("Content-Type", "application/json")
	} else {
		r = httptest.NewRequest(method, path, nil)
	}
	if local {
		r.RemoteAddr = "127.0.0.1:40000"
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	return out
}

func TestPing(t *testing.T) {
	s, _ := newTestServer()
	w := do(t, s.Handler(), http.MethodGet, "/api/public/ping", "", false)

	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, Version, body["version"])
	assert.Equal(t, "client", body["role"])
	assert.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))
}

func TestChannels(t *testing.T) {
	s, _ := newTestServer(&fakeEndpoint{id: "10.0.0.1:27960"})
	h := s.Handler()

	w := do(t, h, http.MethodGet, "/api/channels", "", false)
	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.Equal(t, float64(1), body["total"])

	w = do(t, h, http.MethodGet, "/api/channels/10.0.0.1:27960", "", false)
	require.Equal(t, http.StatusOK, w.Code)
	body = decode(t, w)
	assert.Equal(t, float64(7), body["session_id"])
	assert.Equal(t, "not_queued", body["sideband"])

	w = do(t, h, http.MethodGet, "/api/channels/nope", "", false)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = do(t, h, http.MethodGet, "/api/missing", "", false)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestSendCommand(t *testing.T) {
	ep := &fakeEndpoint{id: "srv"}
	s, _ := newTestServer(ep)
	h := s.Handler()

	w := do(t, h, http.MethodPost, "/api/channels/srv/commands", `{"text":"say hi"}`, false)
	assert.Equal(t, http.StatusForbidden, w.Code, "remote callers cannot feed a channel")
	assert.Empty(t, ep.commands)

	w = do(t, h, http.MethodPost, "/api/channels/srv/commands", `{"text":"say hi"}`, true)
	assert.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, []string{"say hi"}, ep.commands)

	w = do(t, h, http.MethodPost, "/api/channels/srv/commands", `{}`, true)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(t, h, http.MethodPost, "/api/channels/other/commands", `{"text":"x"}`, true)
	assert.Equal(t, http.StatusNotFound, w.Code)

	ep.err = network.ErrQueueFull
	w = do(t, h, http.MethodPost, "/api/channels/srv/commands", `{"text":"x"}`, true)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestQueueSideband(t *testing.T) {
	ep := &fakeEndpoint{id: "srv"}
	s, _ := newTestServer(ep)
	h := s.Handler()

	// "3q2+7w==" is base64 for DE AD BE EF.
	w := do(t, h, http.MethodPost, "/api/channels/srv/sideband", `{"data":"3q2+7w=="}`, true)
	require.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, [][]byte{{0xDE, 0xAD, 0xBE, 0xEF}}, ep.sideband)
	assert.Equal(t, float64(4), decode(t, w)["length"])

	ep.err = fmt.Errorf("%w: 40000 bytes", netchan.ErrBinaryMessageTooLarge)
	w = do(t, h, http.MethodPost, "/api/channels/srv/sideband", `{"data":"AA=="}`, true)
	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
}

func TestSessions(t *testing.T) {
	s, _ := newTestServer()

	w := do(t, s.Handler(), http.MethodGet, "/api/sessions", "", false)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	sessions := &fakeSessions{}
	s.Sessions = sessions
	h := s.Handler()

	w = do(t, h, http.MethodGet, "/api/sessions?limit=9999", "", false)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, maxSessionLimit, sessions.limit)
	assert.Equal(t, float64(1), decode(t, w)["total"])

	w = do(t, h, http.MethodGet, "/api/sessions?limit=zero", "", false)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestEventCounts(t *testing.T) {
	s, bus := newTestServer()
	require.NoError(t, bus.EmitSync(context.Background(), events.Event{Type: events.EventDesync}))

	w := do(t, s.Handler(), http.MethodGet, "/api/events", "", false)
	require.Equal(t, http.StatusOK, w.Code)
	counts := decode(t, w)["events"].(map[string]interface{})
	assert.Equal(t, float64(1), counts["desync"])
}

func TestMetricsEndpoint(t *testing.T) {
	s, _ := newTestServer()
	w := do(t, s.Handler(), http.MethodGet, "/metrics", "", false)
	assert.Equal(t, http.StatusNotFound, w.Code, "not mounted without a collector")

	collector := metrics.NewCollector()
	s.Metrics = collector.Handler()
	w = do(t, s.Handler(), http.MethodGet, "/metrics", "", false)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "netchan_channels_connected")
}

func TestRateLimiter(t *testing.T) {
	rl := NewRateLimiter(1)
	now := time.Now()

	assert.True(t, rl.Allow("a", now))
	assert.True(t, rl.Allow("a", now))
	assert.False(t, rl.Allow("a", now), "burst is twice the rate")
	assert.True(t, rl.Allow("b", now), "buckets are per client")
	assert.True(t, rl.Allow("a", now.Add(time.Second)))

	assert.True(t, NewRateLimiter(0).Allow("a", now))
}

func TestRateLimitMiddleware(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.ApplicationData.API.RateLimitRPS = 1
	s := NewServer(cfg, events.NewEventBus(), &fakeSource{}, config.RoleServer)
	h := s.Handler()

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		codes = append(codes, do(t, h, http.MethodGet, "/api/public/ping", "", false).Code)
	}
	assert.Equal(t, []int{http.StatusOK, http.StatusOK, http.StatusTooManyRequests}, codes)
}

func TestLoadTLSGeneratesCertificate(t *testing.T) {
	dir := t.TempDir()
	apiCfg := config.APIConfig{
		TLSCertFile: dir + "/api.crt",
		TLSKeyFile:  dir + "/api.key",
	}

	tlsCfg, err := loadTLS(apiCfg)
	require.NoError(t, err)
	require.Len(t, tlsCfg.Certificates, 1)
	assert.FileExists(t, apiCfg.TLSCertFile)

	// A second load reuses the files.
	again, err := loadTLS(apiCfg)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(tlsCfg.Certificates[0].Certificate[0], again.Certificates[0].Certificate[0]))
}
