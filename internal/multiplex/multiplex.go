// Package multiplex implements the request multiplexer of spec §4.F: it
// turns a client-facing call into a correlated action-request frame sent to
// the current agent session, and resolves the matching reply (or times it
// out) back to the caller.
package multiplex

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/workspace/devbridge/internal/agentsession"
	"github.com/workspace/devbridge/internal/coreerr"
	"github.com/workspace/devbridge/internal/shape"
	"github.com/workspace/devbridge/internal/snapshot"
)

// Default and bound timeouts for dispatched actions (spec §4.F).
const (
	DefaultTimeout             = 10 * time.Second
	AccessibilityTreeTimeout   = 30 * time.Second
	DOMSnapshotTimeout         = 20 * time.Second
	MinCallerTimeout           = 5 * time.Second
	MaxCallerTimeout           = 120 * time.Second
)

// defaultTimeoutFor returns the baseline per-action timeout before any
// caller override is applied.
func defaultTimeoutFor(action string) time.Duration {
	switch action {
	case "getAccessibilityTree":
		return AccessibilityTreeTimeout
	case "getDOMSnapshot":
		return DOMSnapshotTimeout
	default:
		return DefaultTimeout
	}
}

// ResolveTimeout applies the spec's clamp rule: a caller override replaces
// the action's default but is clamped to [MinCallerTimeout, MaxCallerTimeout].
func ResolveTimeout(action string, override *time.Duration) time.Duration {
	if override == nil {
		return defaultTimeoutFor(action)
	}
	d := *override
	if d < MinCallerTimeout {
		d = MinCallerTimeout
	}
	if d > MaxCallerTimeout {
		d = MaxCallerTimeout
	}
	return d
}

// sessionSource is the subset of agentsession.Registry the multiplexer
// depends on, narrowed for testability.
type sessionSource interface {
	Current() (*agentsession.Session, bool)
}

type replyResult struct {
	ok      bool
	payload json.RawMessage
	errText string
}

type pendingCall struct {
	action    string
	tabID     *int
	sessionID string
	replyCh   chan replyResult
}

// Multiplexer owns the pending-call table correlating outbound
// action-request frames with their inbound reply frames.
type Multiplexer struct {
	sessions sessionSource
	cache    *snapshot.Cache

	mu      sync.Mutex
	pending map[string]*pendingCall

	newCorrelationID func() string
}

// New constructs a Multiplexer backed by the given session registry and
// snapshot cache (for step 7's post-reply seeding).
func New(sessions sessionSource, cache *snapshot.Cache) *Multiplexer {
	return &Multiplexer{
		sessions:         sessions,
		cache:            cache,
		pending:          make(map[string]*pendingCall),
		newCorrelationID: func() string { return uuid.NewString() },
	}
}

// actionRequestFrame is the outbound wire shape sent to the agent (spec
// §6.2: `{action, requestId, …params}`, flat — params are merged into the
// top-level object, not nested under a "params" key, and there is no
// "type" wrapper).
type actionRequestFrame struct {
	RequestID string
	Action    string
	TabID     *int
	Params    json.RawMessage
}

// MarshalJSON flattens Params' keys alongside action/requestId/tabId. A
// Params collision with a reserved key (action, requestId, tabId) loses to
// the reserved key.
func (f actionRequestFrame) MarshalJSON() ([]byte, error) {
	out := map[string]json.RawMessage{}
	if len(f.Params) > 0 {
		var fields map[string]json.RawMessage
		if err := json.Unmarshal(f.Params, &fields); err != nil {
			return nil, fmt.Errorf("action request params must be a JSON object: %w", err)
		}
		for k, v := range fields {
			out[k] = v
		}
	}

	actionJSON, err := json.Marshal(f.Action)
	if err != nil {
		return nil, err
	}
	out["action"] = actionJSON

	requestIDJSON, err := json.Marshal(f.RequestID)
	if err != nil {
		return nil, err
	}
	out["requestId"] = requestIDJSON

	if f.TabID != nil {
		tabIDJSON, err := json.Marshal(*f.TabID)
		if err != nil {
			return nil, err
		}
		out["tabId"] = tabIDJSON
	}

	return json.Marshal(out)
}

// Dispatch sends action to the current agent session and blocks until its
// reply arrives, the per-action deadline elapses, or ctx is cancelled (spec
// §4.F steps 1-6). On a successful reply whose action seeds the snapshot
// cache, Dispatch performs that seed (step 7) before returning.
func (m *Multiplexer) Dispatch(ctx context.Context, action string, tabID *int, params json.RawMessage, overrideTimeout *time.Duration) (json.RawMessage, error) {
	timeout := ResolveTimeout(action, overrideTimeout)

	payload, sessionID, err := m.dispatchOnce(ctx, action, tabID, params, timeout)
	if err != nil {
		if tag, ok := coreerr.TagOf(err); ok && tag == coreerr.PeerGone {
			// The selected session was evicted mid-flight: retry once against
			// whichever session is current now (spec §4.F retry-on-eviction-race).
			payload, sessionID, err = m.dispatchOnce(ctx, action, tabID, params, timeout)
		}
	}
	if err != nil {
		return nil, err
	}

	if tabID != nil {
		m.seedCache(*tabID, sessionID, action, payload)
	}
	return payload, nil
}

func (m *Multiplexer) dispatchOnce(ctx context.Context, action string, tabID *int, params json.RawMessage, timeout time.Duration) (json.RawMessage, string, error) {
	session, ok := m.sessions.Current()
	if !ok {
		return nil, "", coreerr.NoPeerErr()
	}

	correlationID := m.newCorrelationID()
	call := &pendingCall{action: action, tabID: tabID, sessionID: session.ID(), replyCh: make(chan replyResult, 1)}

	m.mu.Lock()
	m.pending[correlationID] = call
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		delete(m.pending, correlationID)
		m.mu.Unlock()
	}()

	frame := actionRequestFrame{RequestID: correlationID, Action: action, TabID: tabID, Params: params}
	if err := session.Send(frame); err != nil {
		return nil, session.ID(), err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case res := <-call.replyCh:
		if !res.ok {
			return nil, session.ID(), coreerr.AgentErrorErr(res.errText)
		}
		return res.payload, session.ID(), nil
	case <-session.Done():
		// The routed session closed or began evicting mid-call: fail fast
		// rather than waiting out the full per-action timeout (spec §4.F
		// step 6(c)).
		return nil, session.ID(), coreerr.PeerGoneErr()
	case <-timer.C:
		return nil, session.ID(), coreerr.TimeoutErr(action, timeout.String(), timeout.String())
	case <-ctx.Done():
		return nil, session.ID(), ctx.Err()
	}
}

// HandleResponse resolves a pending call from an inbound "response" frame.
// Wired as an agentsession.Handlers.OnResponse callback.
func (m *Multiplexer) HandleResponse(_ *agentsession.Session, requestID string, data json.RawMessage) {
	m.resolve(requestID, replyResult{ok: true, payload: data})
}

// HandleError resolves a pending call from an inbound "error" frame. Wired
// as an agentsession.Handlers.OnError callback.
func (m *Multiplexer) HandleError(_ *agentsession.Session, requestID string, errText string) {
	m.resolve(requestID, replyResult{ok: false, errText: errText})
}

func (m *Multiplexer) resolve(correlationID string, res replyResult) {
	m.mu.Lock()
	call, ok := m.pending[correlationID]
	m.mu.Unlock()
	if !ok {
		return // late or unknown reply; dispatchOnce already gave up.
	}
	select {
	case call.replyCh <- res:
	default:
	}
}

// PendingCount reports the number of in-flight calls, for diagnostics.
func (m *Multiplexer) PendingCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}

func (m *Multiplexer) seedCache(tabID int, sessionID, action string, payload json.RawMessage) {
	update, ok := actionReplyUpdateFor(action, payload)
	if !ok {
		return
	}
	m.cache.ApplyActionReply(tabID, sessionID, update)
}

// actionReplyUpdateFor decodes a raw reply payload into the cache seed
// shape for the actions that the snapshot cache tracks (spec §4.D
// apply-action-reply). Actions with no cached representation (e.g.
// attach/detach debugger) return ok=false.
func actionReplyUpdateFor(action string, payload json.RawMessage) (snapshot.ActionReplyUpdate, bool) {
	switch action {
	case "getPageContent":
		var v struct {
			PageContent string `json:"pageContent"`
		}
		if err := json.Unmarshal(payload, &v); err != nil {
			return snapshot.ActionReplyUpdate{}, false
		}
		return snapshot.ActionReplyUpdate{Action: action, PageContent: &v.PageContent}, true
	case "getDOMSnapshot", "getConsoleMessages", "getNetworkData", "getPerformanceMetrics", "getAccessibilityTree", "captureScreenshot":
		return decodeRichActionReply(action, payload)
	default:
		return snapshot.ActionReplyUpdate{}, false
	}
}

func decodeRichActionReply(action string, payload json.RawMessage) (snapshot.ActionReplyUpdate, bool) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(payload, &raw); err != nil {
		return snapshot.ActionReplyUpdate{}, false
	}
	update := snapshot.ActionReplyUpdate{Action: action}
	switch action {
	case "getDOMSnapshot":
		if v, ok := raw["dom"]; ok {
			var dom shape.DOMElement
			if err := json.Unmarshal(v, &dom); err == nil {
				update.DOMSnapshot = &dom
			}
		}
	case "getConsoleMessages":
		if v, ok := raw["messages"]; ok {
			_ = json.Unmarshal(v, &update.ConsoleLog)
		}
	case "getNetworkData":
		if v, ok := raw["requests"]; ok {
			_ = json.Unmarshal(v, &update.NetworkActivity)
		}
	case "getPerformanceMetrics":
		if v, ok := raw["metrics"]; ok {
			update.PerformanceMetrics = v
		}
	case "getAccessibilityTree":
		if v, ok := raw["tree"]; ok {
			update.AccessibilityTree = v
		}
	case "captureScreenshot":
		if v, ok := raw["imageData"]; ok {
			var encoded string
			if err := json.Unmarshal(v, &encoded); err == nil {
				update.ScreenshotBlob = []byte(encoded)
			}
		}
	}
	return update, true
}

