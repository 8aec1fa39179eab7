package bridge

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/workspace/devbridge/internal/config"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.Port = 0
	cfg.StaleSessionThreshold = time.Hour
	return cfg
}

func TestHandleHealth_ReportsZeroConnectionsInitially(t *testing.T) {
	s, err := New(testConfig(t))
	require.NoError(t, err)
	t.Cleanup(func() { s.audit.Close() })

	router := httptest.NewServer(http.HandlerFunc(s.handleHealth))
	defer router.Close()

	resp, err := http.Get(router.URL)
	require.NoError(t, err)
	defer resp.Body.Close()

	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, float64(0), body["connections"])
}

func TestHandleAgentWS_RegistersSessionAndAppliesContentUpdate(t *testing.T) {
	s, err := New(testConfig(t))
	require.NoError(t, err)
	t.Cleanup(func() { s.audit.Close() })

	wsSrv := httptest.NewServer(http.HandlerFunc(s.handleAgentWS))
	defer wsSrv.Close()

	wsURL := "ws" + strings.TrimPrefix(wsSrv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if s.registry.Count() > 0 {
			break
		}
		time.Sleep(2 * time.Millisecond)
	}
	require.Equal(t, 1, s.registry.Count())

	frame, _ := json.Marshal(map[string]any{
		"type":   "browser-data",
		"source": "content",
		"tabId":  4,
		"url":    "https://example.com",
		"data": map[string]any{
			"title":       "Example",
			"pageContent": "<html>hi</html>",
		},
	})
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, frame))

	deadline = time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if snap, ok := s.cache.Get(4); ok && snap.HasPageContent {
			assert.Equal(t, "Example", snap.Title)
			assert.Equal(t, "https://example.com", snap.URL)
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("content update was never applied to the cache")
}

func TestHandleCleanupConnections_ReturnsActiveCount(t *testing.T) {
	s, err := New(testConfig(t))
	require.NoError(t, err)
	t.Cleanup(func() { s.audit.Close() })

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/cleanup-connections", nil)
	s.handleCleanupConnections(rec, req)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, float64(0), body["activeConnections"])
}

func TestRateLimited_RejectsOverBurst(t *testing.T) {
	cfg := testConfig(t)
	cfg.RPCRateLimit = 1
	cfg.RPCRateBurst = 1
	s, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { s.audit.Close() })

	calls := 0
	handler := s.rateLimited(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusOK)
	})

	for i := 0; i < 2; i++ {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/mcp", nil)
		req.RemoteAddr = "9.9.9.9:1234"
		handler(rec, req)
	}
	assert.Equal(t, 1, calls, "second immediate request from the same address should be rate limited")
}

func TestHandleSetLogLevel_UpdatesLevelVar(t *testing.T) {
	s, err := New(testConfig(t))
	require.NoError(t, err)
	t.Cleanup(func() { s.audit.Close() })

	body := strings.NewReader(`{"level":"debug"}`)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/debug/log-level", body)
	s.handleSetLogLevel(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestHandleDebugRequests_ReflectsRPCActivity(t *testing.T) {
	s, err := New(testConfig(t))
	require.NoError(t, err)
	t.Cleanup(func() { s.audit.Close() })

	body, _ := json.Marshal(map[string]any{"jsonrpc": "2.0", "id": 1, "method": "tools/list"})
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/mcp", strings.NewReader(string(body)))
	s.rpc.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	rec2 := httptest.NewRecorder()
	req2 := httptest.NewRequest(http.MethodGet, "/debug/requests", nil)
	s.handleDebugRequests(rec2, req2)

	var out struct {
		Requests []map[string]any `json:"requests"`
	}
	require.NoError(t, json.Unmarshal(rec2.Body.Bytes(), &out))
	require.Len(t, out.Requests, 1)
	assert.Equal(t, "tools/list", out.Requests[0]["Method"])
}

func TestIsOriginAllowed_WildcardSubdomain(t *testing.T) {
	allowed := []string{"https://*.example.com"}
	assert.True(t, isOriginAllowed("https://foo.example.com", allowed))
	assert.False(t, isOriginAllowed("https://evil.com", allowed))
}
