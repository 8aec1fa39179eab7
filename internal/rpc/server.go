package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/workspace/devbridge/internal/buffers"
	"github.com/workspace/devbridge/internal/coreerr"
	"github.com/workspace/devbridge/internal/multiplex"
	"github.com/workspace/devbridge/internal/pagination"
	"github.com/workspace/devbridge/internal/resource"
	"github.com/workspace/devbridge/internal/shape"
	"github.com/workspace/devbridge/internal/snapshot"
)

// dispatcher is the subset of multiplex.Multiplexer the handler depends on.
type dispatcher interface {
	Dispatch(ctx context.Context, action string, tabID *int, params json.RawMessage, overrideTimeout *time.Duration) (json.RawMessage, error)
}

var _ dispatcher = (*multiplex.Multiplexer)(nil)

// AuditRecorder receives one entry per completed JSON-RPC call (supplemental
// dispatch audit log; optional, wired by internal/bridge to internal/audit).
type AuditRecorder interface {
	Record(method, action string, tabID *int, success bool, errorTag string, d time.Duration)
}

// Server implements the client JSON-RPC handler of spec §4.G as an
// http.Handler mounted at POST /mcp.
type Server struct {
	mux       dispatcher
	cache     *snapshot.Cache
	resources *resource.Reader
	pages     *pagination.Store
	logger    *slog.Logger
	audit     AuditRecorder

	serverName    string
	serverVersion string

	requestBodyLimit  int
	responseBodyLimit int
}

// SetAuditRecorder wires an audit sink that is notified after every
// completed call. Pass nil to disable auditing.
func (s *Server) SetAuditRecorder(a AuditRecorder) {
	s.audit = a
}

// New constructs a Server. requestBodyLimit/responseBodyLimit bound network
// body shaping (spec §6.3 MAX_REQUEST_BODY/MAX_RESPONSE_BODY, default
// 10,000 bytes each); pass 0 to use the default.
func New(mux dispatcher, cache *snapshot.Cache, resources *resource.Reader, pages *pagination.Store, requestBodyLimit, responseBodyLimit int, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if requestBodyLimit <= 0 {
		requestBodyLimit = 10_000
	}
	if responseBodyLimit <= 0 {
		responseBodyLimit = 10_000
	}
	return &Server{
		mux:               mux,
		cache:             cache,
		resources:         resources,
		pages:             pages,
		logger:            logger,
		serverName:        "devbridge",
		serverVersion:     "0.1.0",
		requestBodyLimit:  requestBodyLimit,
		responseBodyLimit: responseBodyLimit,
	}
}

// maxRequestBodyBytes bounds how much of an inbound HTTP request this
// handler will read, independent of the network-body shaping limits above.
const maxRequestBodyBytes = 4 << 20

// ServeHTTP implements the single POST /mcp endpoint (spec §6.1).
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req Request
	dec := json.NewDecoder(io.LimitReader(r.Body, maxRequestBodyBytes))
	if err := dec.Decode(&req); err != nil {
		s.writeJSON(w, http.StatusOK, errorResponse(nil, CodeParseError, "malformed JSON-RPC request: "+err.Error(), nil))
		return
	}

	resp, hasResponse := s.Handle(r.Context(), req)
	if !hasResponse {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("rpc: failed to encode response", "error", err)
	}
}

// Handle routes one decoded JSON-RPC request (spec §4.G). The bool return
// is false only for notifications/initialized, which has no response body
// (HTTP 204).
func (s *Server) Handle(ctx context.Context, req Request) (*Response, bool) {
	start := time.Now()
	resp, hasResponse, tabID := s.dispatch(ctx, req)
	if s.audit != nil && req.Method != "notifications/initialized" {
		success := resp == nil || resp.Error == nil
		errTag := ""
		if resp != nil && resp.Error != nil {
			if t, ok := resp.Error.Data.(map[string]string); ok {
				errTag = t["tag"]
			}
		}
		s.audit.Record(req.Method, toolNameFromRequest(req), tabID, success, errTag, time.Since(start))
	}
	return resp, hasResponse
}

// toolNameFromRequest extracts the tool name from a tools/call request for
// audit logging, best-effort.
func toolNameFromRequest(req Request) string {
	if req.Method != "tools/call" {
		return ""
	}
	var p struct {
		Name string `json:"name"`
	}
	if err := json.Unmarshal(req.Params, &p); err != nil {
		return ""
	}
	return p.Name
}

// dispatch routes one decoded request to its handler. The *int return is
// the tab ID the handler resolved, if any, for audit attribution; only
// tools/call populates it.
func (s *Server) dispatch(ctx context.Context, req Request) (*Response, bool, *int) {
	switch req.Method {
	case "initialize":
		return successResponse(req.ID, s.handleInitialize()), true, nil
	case "notifications/initialized":
		return nil, false, nil
	case "tools/list":
		return successResponse(req.ID, map[string]any{"tools": ToolSchemas}), true, nil
	case "resources/list":
		return successResponse(req.ID, map[string]any{"resources": s.resources.List()}), true, nil
	case "resources/read":
		return s.handleResourcesRead(req), true, nil
	case "tools/call":
		resp, tabID := s.handleToolsCall(ctx, req)
		return resp, true, tabID
	default:
		return errorResponse(req.ID, CodeMethodNotFound, fmt.Sprintf("unknown method: %q", req.Method), nil), true, nil
	}
}

func (s *Server) handleInitialize() any {
	return map[string]any{
		"protocolVersion": "2024-11-05",
		"serverInfo":      map[string]any{"name": s.serverName, "version": s.serverVersion},
		"capabilities":    map[string]any{"tools": map[string]any{}, "resources": map[string]any{}},
	}
}

func (s *Server) handleResourcesRead(req Request) *Response {
	var p struct {
		URI string `json:"uri"`
	}
	if err := json.Unmarshal(req.Params, &p); err != nil || p.URI == "" {
		return errorResponse(req.ID, CodeInvalidParams, "resources/read requires a uri", nil)
	}
	val, err := s.resources.Read(p.URI)
	if err != nil {
		return &Response{JSONRPC: "2.0", ID: req.ID, Error: mapErr(err)}
	}
	return successResponse(req.ID, val)
}

func (s *Server) handleToolsCall(ctx context.Context, req Request) (*Response, *int) {
	var call struct {
		Name      string          `json:"name"`
		Arguments json.RawMessage `json:"arguments"`
	}
	if err := json.Unmarshal(req.Params, &call); err != nil {
		return errorResponse(req.ID, CodeInvalidParams, "malformed tools/call params: "+err.Error(), nil), nil
	}

	result, tabID, err := s.dispatchTool(ctx, call.Name, call.Arguments)
	if err != nil {
		return &Response{JSONRPC: "2.0", ID: req.ID, Error: mapErr(err)}, tabID
	}

	b, marshalErr := json.Marshal(result)
	if marshalErr != nil {
		return &Response{JSONRPC: "2.0", ID: req.ID, Error: &RPCError{Code: CodeInternal, Message: marshalErr.Error()}}, tabID
	}
	return successResponse(req.ID, mcp.NewToolResultText(string(b))), tabID
}

// dispatchTool routes a tools/call to its handler and also returns the tab
// ID the handler resolved, if any, so the caller can attribute it on the
// audit log (supplemental dispatch audit log; spec §4.G).
func (s *Server) dispatchTool(ctx context.Context, name string, rawArgs json.RawMessage) (any, *int, error) {
	switch name {
	case "get_page_content":
		return s.callGetPageContent(ctx, rawArgs)
	case "get_dom_snapshot":
		return s.callGetDOMSnapshot(ctx, rawArgs)
	case "get_console_messages":
		var a getConsoleMessagesArgs
		if err := decodeArgs(rawArgs, &a); err != nil {
			return nil, nil, err
		}
		return s.callGetConsoleMessages(a)
	case "get_network_requests":
		var a getNetworkRequestsArgs
		if err := decodeArgs(rawArgs, &a); err != nil {
			return nil, nil, err
		}
		return s.callGetNetworkRequests(a)
	case "capture_screenshot":
		return s.callCaptureScreenshot(ctx, rawArgs)
	case "execute_javascript":
		return s.callExecuteJavascript(ctx, rawArgs)
	case "get_performance_metrics":
		return s.callGetPerformanceMetrics(ctx, rawArgs)
	case "get_accessibility_tree":
		return s.callGetAccessibilityTree(ctx, rawArgs)
	case "get_browser_tabs":
		return s.callGetBrowserTabs(ctx)
	case "attach_debugger":
		return s.callAttachDebugger(ctx, rawArgs)
	case "detach_debugger":
		return s.callDetachDebugger(ctx, rawArgs)
	default:
		return nil, nil, coreerr.UnknownMethodErr("tools/call: " + name)
	}
}

func (s *Server) resolveTabID(explicit *int) (int, bool) {
	if explicit != nil {
		return *explicit, true
	}
	avail := s.cache.ListAvailable()
	if len(avail) == 0 {
		return 0, false
	}
	return avail[0].TabID, true
}

func noActiveTabErr() error {
	return coreerr.InvalidParamsErr("no tabId provided and no active tabs")
}

func (s *Server) callGetPageContent(ctx context.Context, raw json.RawMessage) (any, *int, error) {
	var a getPageContentArgs
	if err := decodeArgs(raw, &a); err != nil {
		return nil, nil, err
	}
	tabID, ok := s.resolveTabID(a.TabID)
	if !ok {
		return nil, nil, noActiveTabErr()
	}

	payload, err := s.mux.Dispatch(ctx, "getPageContent", &tabID, nil, nil)
	if err != nil {
		return nil, &tabID, err
	}

	var reply struct {
		URL         string `json:"url"`
		Title       string `json:"title"`
		PageContent string `json:"pageContent"`
		TextContent string `json:"textContent"`
	}
	if err := json.Unmarshal(payload, &reply); err != nil {
		return nil, &tabID, coreerr.Wrap(coreerr.AgentError, "malformed getPageContent reply", err)
	}

	includeHTML := boolOrDefault(a.IncludeHTML, false)
	includeMetadata := boolOrDefault(a.IncludeMetadata, true)
	maxLen := intOrDefault(a.MaxTextLength, 30_000)

	body := reply.TextContent
	if includeHTML || body == "" {
		body = reply.PageContent
	}
	truncated, originalLen, wasTruncated := buffers.TruncateText(body, maxLen)

	out := map[string]any{
		"content":        truncated,
		"originalLength": originalLen,
		"truncated":      wasTruncated,
	}
	if includeMetadata {
		out["url"] = reply.URL
		out["title"] = reply.Title
	}
	return out, &tabID, nil
}

func (s *Server) callGetDOMSnapshot(ctx context.Context, raw json.RawMessage) (any, *int, error) {
	var a getDOMSnapshotArgs
	if err := decodeArgs(raw, &a); err != nil {
		return nil, nil, err
	}
	tabID, ok := s.resolveTabID(a.TabID)
	if !ok {
		return nil, nil, noActiveTabErr()
	}

	payload, err := s.mux.Dispatch(ctx, "getDOMSnapshot", &tabID, nil, nil)
	if err != nil {
		return nil, &tabID, err
	}

	var reply struct {
		DOM *shape.DOMElement `json:"dom"`
	}
	if unmarshalErr := json.Unmarshal(payload, &reply); unmarshalErr != nil || reply.DOM == nil {
		return nil, &tabID, coreerr.Wrap(coreerr.AgentError, "malformed getDOMSnapshot reply", unmarshalErr)
	}

	filter := domFilterFrom(a)
	result, found, visited, truncated := shape.FilterDOM(reply.DOM, filter)
	if !found {
		return nil, &tabID, coreerr.NotFoundErr("selector matched no element")
	}
	return map[string]any{
		"dom":       result,
		"nodeCount": visited,
		"truncated": truncated,
	}, &tabID, nil
}

func (s *Server) callGetConsoleMessages(a getConsoleMessagesArgs) (any, *int, error) {
	tabID, ok := s.resolveTabID(a.TabID)
	if !ok {
		return nil, nil, noActiveTabErr()
	}

	var messages []shape.ConsoleMessage
	if snap, ok := s.cache.Get(tabID); ok {
		messages = snap.ConsoleLog
	}

	filter := shape.ConsoleFilter{Levels: a.LogLevels, SearchTerm: a.SearchTerm, SinceTimestamp: a.Since}
	filtered := shape.FilterConsole(messages, filter)

	boxed := make([]any, len(filtered))
	for i, m := range filtered {
		boxed[i] = m
	}

	pageSize := clampPageSize(intOrDefault(a.PageSize, 50))
	page, nextCursor, total := s.paginate(boxed, pageSize, a.Cursor)
	return buildPaginated(page, total, nextCursor, filter), &tabID, nil
}

func (s *Server) callGetNetworkRequests(a getNetworkRequestsArgs) (any, *int, error) {
	tabID, ok := s.resolveTabID(a.TabID)
	if !ok {
		return nil, nil, noActiveTabErr()
	}

	var requests []shape.NetworkRequest
	if snap, ok := s.cache.Get(tabID); ok {
		requests = snap.NetworkActivity
	}

	filter := shape.NetworkFilter{
		Method:                a.Method,
		Status:                []int(a.Status),
		ResourceType:          []string(a.ResourceType),
		Domain:                a.Domain,
		FailedOnly:            a.FailedOnly,
		IncludeRequestBodies:  a.IncludeRequestBodies,
		IncludeResponseBodies: a.IncludeResponseBodies,
		RequestBodyLimit:      s.requestBodyLimit,
		ResponseBodyLimit:     s.responseBodyLimit,
	}
	filtered := shape.FilterNetwork(requests, filter)

	boxed := make([]any, len(filtered))
	for i, r := range filtered {
		boxed[i] = r
	}

	pageSize := clampPageSize(intOrDefault(a.PageSize, 50))
	page, nextCursor, total := s.paginate(boxed, pageSize, a.Cursor)
	return buildPaginated(page, total, nextCursor, filter), &tabID, nil
}

func (s *Server) callCaptureScreenshot(ctx context.Context, raw json.RawMessage) (any, *int, error) {
	var a captureScreenshotArgs
	if err := decodeArgs(raw, &a); err != nil {
		return nil, nil, err
	}
	tabID, ok := s.resolveTabID(a.TabID)
	if !ok {
		return nil, nil, noActiveTabErr()
	}

	params, _ := json.Marshal(map[string]any{"format": a.Format, "quality": a.Quality})
	payload, err := s.mux.Dispatch(ctx, "captureScreenshot", &tabID, params, nil)
	if err != nil {
		return nil, &tabID, err
	}
	return passthroughReply(payload), &tabID, nil
}

func (s *Server) callExecuteJavascript(ctx context.Context, raw json.RawMessage) (any, *int, error) {
	var a executeJavascriptArgs
	if err := decodeArgs(raw, &a); err != nil {
		return nil, nil, err
	}
	if a.Code == "" {
		return nil, nil, coreerr.InvalidParamsErr("code is required")
	}
	tabID, ok := s.resolveTabID(a.TabID)
	if !ok {
		return nil, nil, noActiveTabErr()
	}

	params, _ := json.Marshal(map[string]any{"code": a.Code})
	payload, err := s.mux.Dispatch(ctx, "executeScript", &tabID, params, nil)
	if err != nil {
		return nil, &tabID, err
	}
	return passthroughReply(payload), &tabID, nil
}

func (s *Server) callGetPerformanceMetrics(ctx context.Context, raw json.RawMessage) (any, *int, error) {
	var a tabOnlyArgs
	if err := decodeArgs(raw, &a); err != nil {
		return nil, nil, err
	}
	tabID, ok := s.resolveTabID(a.TabID)
	if !ok {
		return nil, nil, noActiveTabErr()
	}
	payload, err := s.mux.Dispatch(ctx, "getPerformanceMetrics", &tabID, nil, nil)
	if err != nil {
		return nil, &tabID, err
	}
	return passthroughReply(payload), &tabID, nil
}

func (s *Server) callGetAccessibilityTree(ctx context.Context, raw json.RawMessage) (any, *int, error) {
	var a getAccessibilityTreeArgs
	if err := decodeArgs(raw, &a); err != nil {
		return nil, nil, err
	}
	tabID, ok := s.resolveTabID(a.TabID)
	if !ok {
		return nil, nil, noActiveTabErr()
	}

	var override *time.Duration
	if a.Timeout != nil {
		d := time.Duration(*a.Timeout) * time.Millisecond
		override = &d
	}
	payload, err := s.mux.Dispatch(ctx, "getAccessibilityTree", &tabID, nil, override)
	if err != nil {
		return nil, &tabID, err
	}
	return passthroughReply(payload), &tabID, nil
}

func (s *Server) callGetBrowserTabs(ctx context.Context) (any, *int, error) {
	payload, err := s.mux.Dispatch(ctx, "getAllTabs", nil, nil, nil)
	if err != nil {
		return nil, nil, err
	}
	return passthroughReply(payload), nil, nil
}

func (s *Server) callAttachDebugger(ctx context.Context, raw json.RawMessage) (any, *int, error) {
	var a tabOnlyArgs
	if err := decodeArgs(raw, &a); err != nil {
		return nil, nil, err
	}
	if a.TabID == nil {
		return nil, nil, coreerr.InvalidParamsErr("tabId is required")
	}
	payload, err := s.mux.Dispatch(ctx, "attachDebugger", a.TabID, nil, nil)
	if err != nil {
		return nil, a.TabID, err
	}
	return passthroughReply(payload), a.TabID, nil
}

func (s *Server) callDetachDebugger(ctx context.Context, raw json.RawMessage) (any, *int, error) {
	var a tabOnlyArgs
	if err := decodeArgs(raw, &a); err != nil {
		return nil, nil, err
	}
	if a.TabID == nil {
		return nil, nil, coreerr.InvalidParamsErr("tabId is required")
	}
	payload, err := s.mux.Dispatch(ctx, "detachDebugger", a.TabID, nil, nil)
	if err != nil {
		return nil, a.TabID, err
	}
	return passthroughReply(payload), a.TabID, nil
}

func passthroughReply(payload json.RawMessage) any {
	var v any
	if err := json.Unmarshal(payload, &v); err != nil {
		return string(payload)
	}
	return v
}

func (s *Server) paginate(list []any, pageSize int, cursor string) (page []any, nextCursor string, total int) {
	total = len(list)
	if cursor == "" {
		page, nextCursor = s.pages.Open(list, pageSize)
		return page, nextCursor, total
	}
	page, nextCursor, found := s.pages.Next(cursor, pageSize)
	if !found {
		page, nextCursor = s.pages.Open(list, pageSize)
	}
	return page, nextCursor, total
}

type paginatedResult struct {
	Data       []any   `json:"data"`
	Count      int     `json:"count"`
	Total      int     `json:"total"`
	HasMore    bool    `json:"hasMore"`
	NextCursor *string `json:"nextCursor"`
	Filters    any     `json:"filters,omitempty"`
	Message    string  `json:"message"`
}

func buildPaginated(page []any, total int, nextCursor string, filters any) paginatedResult {
	var cursorPtr *string
	if nextCursor != "" {
		cursorPtr = &nextCursor
	}
	return paginatedResult{
		Data:       page,
		Count:      len(page),
		Total:      total,
		HasMore:    nextCursor != "",
		NextCursor: cursorPtr,
		Filters:    filters,
		Message:    fmt.Sprintf("returned %d of %d matching result(s)", len(page), total),
	}
}

// mapErr translates a core error into a JSON-RPC error object per spec §7's
// tag-to-code mapping.
func mapErr(err error) *RPCError {
	tag, ok := coreerr.TagOf(err)
	if !ok {
		return &RPCError{Code: CodeInternal, Message: err.Error()}
	}
	switch tag {
	case coreerr.InvalidParams:
		return &RPCError{Code: CodeInvalidParams, Message: err.Error()}
	case coreerr.UnknownMethod:
		return &RPCError{Code: CodeMethodNotFound, Message: err.Error()}
	default:
		return &RPCError{Code: CodeInternal, Message: err.Error(), Data: map[string]string{"tag": string(tag)}}
	}
}
