package rpc

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

	"github.com/workspace/devbridge/internal/agentsession"
	"github.com/workspace/devbridge/internal/multiplex"
	"github.com/workspace/devbridge/internal/pagination"
	"github.com/workspace/devbridge/internal/resource"
	"github.com/workspace/devbridge/internal/shape"
	"github.com/workspace/devbridge/internal/snapshot"
)

// testBridge wires a real agentsession.Session + multiplex.Multiplexer pair
// over an in-process WebSocket, matching how production wires an rpc.Server,
// so tools/call round trips exercise the full F-dispatch path.
type testBridge struct {
	server   *Server
	cache    *snapshot.Cache
	registry *agentsession.Registry
	mux      *multiplex.Multiplexer
	peer     *websocket.Conn
}

func newTestBridge(t *testing.T) *testBridge {
	t.Helper()
	registry := agentsession.NewRegistry()
	cache := snapshot.New()
	mux := multiplex.New(registry, cache)

	upgrader := websocket.Upgrader{}
	connCh := make(chan *websocket.Conn, 1)
	wsSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		connCh <- c
	}))
	t.Cleanup(wsSrv.Close)

	wsURL := "ws" + strings.TrimPrefix(wsSrv.URL, "http")
	clientConn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = clientConn.Close() })

	serverConn := <-connCh
	session := agentsession.New("sess-1", serverConn, agentsession.Handlers{
		OnResponse: mux.HandleResponse,
		OnError:    mux.HandleError,
	}, agentsession.Config{PingInterval: time.Hour}, nil)
	session.Start()
	t.Cleanup(func() { session.Close("test done") })
	registry.Register(session)

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if _, ok := registry.Current(); ok {
			break
		}
		time.Sleep(2 * time.Millisecond)
	}

	reader := resource.New(cache)
	pages := pagination.New()
	server := New(mux, cache, reader, pages, 0, 0, nil)

	return &testBridge{server: server, cache: cache, registry: registry, mux: mux, peer: clientConn}
}

func (b *testBridge) post(t *testing.T, req Request) *Response {
	t.Helper()
	body, err := json.Marshal(req)
	require.NoError(t, err)
	httpReq := httptest.NewRequest(http.MethodPost, "/mcp", strings.NewReader(string(body)))
	rec := httptest.NewRecorder()
	b.server.ServeHTTP(rec, httpReq)

	if rec.Code == http.StatusNoContent {
		return nil
	}
	var resp Response
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return &resp
}

func (b *testBridge) readActionRequest(t *testing.T) map[string]any {
	t.Helper()
	_, data, err := b.peer.ReadMessage()
	require.NoError(t, err)
	var frame map[string]any
	require.NoError(t, json.Unmarshal(data, &frame))
	return frame
}

func toolCallRequest(id, name string, args any) Request {
	argBytes, _ := json.Marshal(args)
	params, _ := json.Marshal(map[string]any{"name": name, "arguments": json.RawMessage(argBytes)})
	return Request{JSONRPC: "2.0", ID: json.RawMessage(id), Method: "tools/call", Params: params}
}

func TestHandle_Initialize(t *testing.T) {
	b := newTestBridge(t)
	resp := b.post(t, Request{JSONRPC: "2.0", ID: json.RawMessage(`1`), Method: "initialize"})
	require.NotNil(t, resp)
	require.Nil(t, resp.Error)
	m := resp.Result.(map[string]any)
	assert.Equal(t, "2024-11-05", m["protocolVersion"])
}

func TestHandle_NotificationsInitializedHasNoBody(t *testing.T) {
	b := newTestBridge(t)
	resp := b.post(t, Request{JSONRPC: "2.0", Method: "notifications/initialized"})
	assert.Nil(t, resp)
}

func TestHandle_ToolsList(t *testing.T) {
	b := newTestBridge(t)
	resp := b.post(t, Request{JSONRPC: "2.0", ID: json.RawMessage(`1`), Method: "tools/list"})
	require.NotNil(t, resp)
	require.Nil(t, resp.Error)
	m := resp.Result.(map[string]any)
	tools := m["tools"].([]any)
	assert.Len(t, tools, len(ToolSchemas))
}

func TestHandle_UnknownMethod(t *testing.T) {
	b := newTestBridge(t)
	resp := b.post(t, Request{JSONRPC: "2.0", ID: json.RawMessage(`1`), Method: "bogus/method"})
	require.NotNil(t, resp)
	require.NotNil(t, resp.Error)
	assert.Equal(t, CodeMethodNotFound, resp.Error.Code)
}

func TestHandle_MalformedBodyIsParseError(t *testing.T) {
	b := newTestBridge(t)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/mcp", strings.NewReader("{not json"))
	b.server.ServeHTTP(rec, req)
	var resp Response
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotNil(t, resp.Error)
	assert.Equal(t, CodeParseError, resp.Error.Code)
}

func TestToolsCall_GetPageContent_RoundTrip(t *testing.T) {
	b := newTestBridge(t)

	done := make(chan *Response, 1)
	go func() {
		req := toolCallRequest("1", "get_page_content", map[string]any{"tabId": 5})
		done <- b.post(t, req)
	}()

	frame := b.readActionRequest(t)
	assert.Equal(t, "getPageContent", frame["action"])
	assert.NotContains(t, frame, "type")
	assert.NotContains(t, frame, "params")
	correlationID := frame["requestId"].(string)

	reply, _ := json.Marshal(map[string]any{
		"type":      "response",
		"requestId": correlationID,
		"data": map[string]any{
			"url":         "https://example.com",
			"title":       "Example",
			"pageContent": "<html>hi</html>",
			"textContent": "hi",
		},
	})
	require.NoError(t, b.peer.WriteMessage(websocket.TextMessage, reply))

	var resp *Response
	select {
	case resp = <-done:
	case <-time.After(time.Second):
		t.Fatal("tools/call did not complete")
	}
	require.NotNil(t, resp)
	require.Nil(t, resp.Error)

	text := extractToolText(t, resp)
	var body map[string]any
	require.NoError(t, json.Unmarshal([]byte(text), &body))
	assert.Equal(t, "hi", body["content"])
	assert.Equal(t, "Example", body["title"])

	snap, ok := b.cache.Get(5)
	require.True(t, ok)
	assert.True(t, snap.HasPageContent)
}

func TestToolsCall_NoActiveTabFallsBackToLowestCachedTabID(t *testing.T) {
	b := newTestBridge(t)
	b.cache.ApplyContentUpdate(9, "content", "sess", snapshot.ContentUpdate{}, nil)
	b.cache.ApplyActionReply(9, "sess", snapshot.ActionReplyUpdate{Action: "getConsoleMessages", ConsoleLog: []shape.ConsoleMessage{{Level: "error", Text: "boom"}}})

	req := toolCallRequest("1", "get_console_messages", map[string]any{})
	resp := b.post(t, req)
	require.NotNil(t, resp)
	require.Nil(t, resp.Error)
}

func TestToolsCall_ConsoleMessages_FiltersAndPaginates(t *testing.T) {
	b := newTestBridge(t)
	var msgs []shape.ConsoleMessage
	for i := 0; i < 5; i++ {
		msgs = append(msgs, shape.ConsoleMessage{Level: "error", Text: "boom"})
	}
	for i := 0; i < 5; i++ {
		msgs = append(msgs, shape.ConsoleMessage{Level: "log", Text: "noise"})
	}
	b.cache.ApplyActionReply(3, "sess", snapshot.ActionReplyUpdate{Action: "getConsoleMessages", ConsoleLog: msgs})

	req := toolCallRequest("1", "get_console_messages", map[string]any{"tabId": 3, "pageSize": 2})
	resp := b.post(t, req)
	require.NotNil(t, resp)
	require.Nil(t, resp.Error)

	text := extractToolText(t, resp)
	var body struct {
		Data       []json.RawMessage `json:"data"`
		Count      int               `json:"count"`
		Total      int               `json:"total"`
		HasMore    bool              `json:"hasMore"`
		NextCursor *string           `json:"nextCursor"`
		Message    string            `json:"message"`
	}
	require.NoError(t, json.Unmarshal([]byte(text), &body))
	assert.Equal(t, 5, body.Total)
	assert.Equal(t, 2, body.Count)
	assert.True(t, body.HasMore)
	require.NotNil(t, body.NextCursor)
	assert.Contains(t, body.Message, "2")
	assert.Contains(t, body.Message, "5")
}

func TestToolsCall_ExecuteJavascript_RequiresCode(t *testing.T) {
	b := newTestBridge(t)
	req := toolCallRequest("1", "execute_javascript", map[string]any{"tabId": 1})
	resp := b.post(t, req)
	require.NotNil(t, resp)
	require.NotNil(t, resp.Error)
	assert.Equal(t, CodeInvalidParams, resp.Error.Code)
}

func TestToolsCall_NoPeerConnected(t *testing.T) {
	registry := agentsession.NewRegistry()
	cache := snapshot.New()
	mux := multiplex.New(registry, cache)
	reader := resource.New(cache)
	pages := pagination.New()
	server := New(mux, cache, reader, pages, 0, 0, nil)

	body, _ := json.Marshal(toolCallRequest("1", "get_page_content", map[string]any{"tabId": 1}))
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/mcp", strings.NewReader(string(body)))
	server.ServeHTTP(rec, req)

	var resp Response
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotNil(t, resp.Error)
	assert.Equal(t, CodeInternal, resp.Error.Code)
}

func TestResourcesRead_ServesFromCache(t *testing.T) {
	b := newTestBridge(t)
	content := "<html>cached</html>"
	b.cache.ApplyContentUpdate(2, "content", "sess", snapshot.ContentUpdate{PageContent: &content}, nil)

	params, _ := json.Marshal(map[string]any{"uri": "tab/2/content"})
	resp := b.post(t, Request{JSONRPC: "2.0", ID: json.RawMessage(`1`), Method: "resources/read", Params: params})
	require.NotNil(t, resp)
	require.Nil(t, resp.Error)
	assert.Equal(t, content, resp.Result)
}

func TestResourcesRead_UnknownTabIsNotFound(t *testing.T) {
	b := newTestBridge(t)
	params, _ := json.Marshal(map[string]any{"uri": "tab/404/content"})
	resp := b.post(t, Request{JSONRPC: "2.0", ID: json.RawMessage(`1`), Method: "resources/read", Params: params})
	require.NotNil(t, resp)
	require.NotNil(t, resp.Error)
	assert.Equal(t, CodeInternal, resp.Error.Code)
}

type fakeAuditRecorder struct {
	calls  []string
	tabIDs []*int
}

func (f *fakeAuditRecorder) Record(method, action string, tabID *int, success bool, errorTag string, d time.Duration) {
	f.calls = append(f.calls, method+":"+action)
	f.tabIDs = append(f.tabIDs, tabID)
}

func TestHandle_RecordsAuditEntry(t *testing.T) {
	b := newTestBridge(t)
	rec := &fakeAuditRecorder{}
	b.server.SetAuditRecorder(rec)

	b.post(t, Request{JSONRPC: "2.0", ID: json.RawMessage(`1`), Method: "tools/list"})
	require.Len(t, rec.calls, 1)
	assert.Equal(t, "tools/list:", rec.calls[0])
	assert.Nil(t, rec.tabIDs[0])
}

func TestHandle_RecordsResolvedTabIDForToolsCall(t *testing.T) {
	b := newTestBridge(t)
	b.cache.ApplyActionReply(3, "sess", snapshot.ActionReplyUpdate{Action: "getConsoleMessages", ConsoleLog: []shape.ConsoleMessage{{Level: "error", Text: "boom"}}})
	rec := &fakeAuditRecorder{}
	b.server.SetAuditRecorder(rec)

	b.post(t, toolCallRequest("1", "get_console_messages", map[string]any{"tabId": 3}))
	require.Len(t, rec.tabIDs, 1)
	require.NotNil(t, rec.tabIDs[0])
	assert.Equal(t, 3, *rec.tabIDs[0])
}

func extractToolText(t *testing.T, resp *Response) string {
	t.Helper()
	b, err := json.Marshal(resp.Result)
	require.NoError(t, err)
	var wrapped struct {
		Content []struct {
			Text string `json:"text"`
		} `json:"content"`
	}
	require.NoError(t, json.Unmarshal(b, &wrapped))
	require.NotEmpty(t, wrapped.Content)
	return wrapped.Content[0].Text
}
