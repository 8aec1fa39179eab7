// Package snapshot implements the per-tab snapshot cache of spec §4.D: the
// last-seen browser data for each tab, updated atomically by the agent
// session's reader and read by everything else in the process.
package snapshot

import (
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/workspace/devbridge/internal/shape"
)

// RingBufferCap bounds the debugger event ring buffer per tab (spec §4.D).
const RingBufferCap = 100

// DebuggerEvent is one entry in a tab's debugger/devtools ring buffer.
type DebuggerEvent struct {
	Source    string          `json:"source"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp time.Time       `json:"timestamp"`
}

// TabSnapshot is the immutable last-known record for one tab (spec §3).
// Once constructed, a TabSnapshot is never mutated; updates build and install
// a new record, so concurrent readers never observe a half-updated snapshot
// (spec §8 property 7).
type TabSnapshot struct {
	TabID int

	URL   string
	Title string

	HasPageContent bool
	PageContent    string

	HasDOMSnapshot bool
	DOMSnapshot    *shape.DOMElement

	HasConsoleLog bool
	ConsoleLog    []shape.ConsoleMessage

	HasNetworkActivity bool
	NetworkActivity    []shape.NetworkRequest

	HasPerformanceMetrics bool
	PerformanceMetrics    json.RawMessage

	HasAccessibilityTree bool
	AccessibilityTree    json.RawMessage

	HasScreenshot bool
	ScreenshotBlob []byte

	DebuggerEvents []DebuggerEvent

	// LastSession is a diagnostics-only field (supplemental, grounded on
	// original_source/rust-server's per-connection tab tracking): the agent
	// session id that last wrote this snapshot. Never exposed through
	// resources/read.
	LastSession string

	LastUpdated time.Time
}

// ContentUpdate is the payload of a source="content" snapshot-update frame.
// Every field is independently optional; a nil field leaves the prior
// snapshot's value for that field untouched, while a non-nil field replaces
// it even when empty.
type ContentUpdate struct {
	URL                 *string
	Title               *string
	PageContent         *string
	DOMSnapshot         *shape.DOMElement
	ConsoleLog          []shape.ConsoleMessage
	NetworkActivity     []shape.NetworkRequest
	PerformanceMetrics  json.RawMessage
	AccessibilityTree   json.RawMessage
}

// ActionReplyUpdate is the payload a successful action reply seeds into the
// cache (spec §4.D apply-action-reply / §4.F step 7).
type ActionReplyUpdate struct {
	Action              string
	PageContent         *string
	DOMSnapshot         *shape.DOMElement
	ConsoleLog          []shape.ConsoleMessage
	NetworkActivity     []shape.NetworkRequest
	PerformanceMetrics  json.RawMessage
	AccessibilityTree   json.RawMessage
	ScreenshotBlob      []byte
}

// ResourceDescriptor is one entry of Cache.ListAvailable, naming a tab and
// the resource kinds it currently has data for (spec §4.D list-available,
// consumed by H and resources/list).
type ResourceDescriptor struct {
	TabID int
	Kinds []string
	URL   string
	Title string
}

// Cache owns the tab-id -> snapshot mapping. Safe for concurrent readers and
// a single concurrent writer stream, per spec §5 ("D is writable only by E's
// reader task, plus the one post-reply D-write done by F").
type Cache struct {
	mu   sync.RWMutex
	tabs map[int]*TabSnapshot
	now  func() time.Time
}

// New creates an empty snapshot cache.
func New() *Cache {
	return &Cache{tabs: make(map[int]*TabSnapshot), now: time.Now}
}

// Get returns the current snapshot for tabID, or (nil, false) if the tab has
// never been seen. The returned pointer is an immutable record; callers must
// not mutate it.
func (c *Cache) Get(tabID int) (*TabSnapshot, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s, ok := c.tabs[tabID]
	return s, ok
}

// ListAvailable enumerates tabs with at least one cached resource kind,
// sorted by tab id for deterministic output.
func (c *Cache) ListAvailable() []ResourceDescriptor {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]ResourceDescriptor, 0, len(c.tabs))
	for id, s := range c.tabs {
		var kinds []string
		if s.HasPageContent {
			kinds = append(kinds, "content")
		}
		if s.HasDOMSnapshot {
			kinds = append(kinds, "dom")
		}
		if s.HasConsoleLog {
			kinds = append(kinds, "console")
		}
		if len(kinds) == 0 {
			continue
		}
		out = append(out, ResourceDescriptor{TabID: id, Kinds: kinds, URL: s.URL, Title: s.Title})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TabID < out[j].TabID })
	return out
}

func (c *Cache) cloneOrNew(tabID int) TabSnapshot {
	if existing, ok := c.tabs[tabID]; ok {
		return *existing
	}
	return TabSnapshot{TabID: tabID}
}

// ApplyContentUpdate merges a snapshot-update frame into the named tab's
// snapshot (spec §4.D). source="content" updates the full content fields and
// identity fields; source="devtools"/"debugger" appends to the ring buffer.
func (c *Cache) ApplyContentUpdate(tabID int, source string, sessionID string, update ContentUpdate, rawEvent json.RawMessage) {
	c.mu.Lock()
	defer c.mu.Unlock()

	next := c.cloneOrNew(tabID)
	next.LastSession = sessionID

	switch source {
	case "content":
		if update.URL != nil {
			next.URL = *update.URL
		}
		if update.Title != nil {
			next.Title = *update.Title
		}
		if update.PageContent != nil {
			next.PageContent = *update.PageContent
			next.HasPageContent = true
		}
		if update.DOMSnapshot != nil {
			next.DOMSnapshot = update.DOMSnapshot
			next.HasDOMSnapshot = true
		}
		if update.ConsoleLog != nil {
			next.ConsoleLog = update.ConsoleLog
			next.HasConsoleLog = true
		}
		if update.NetworkActivity != nil {
			next.NetworkActivity = update.NetworkActivity
			next.HasNetworkActivity = true
		}
		if update.PerformanceMetrics != nil {
			next.PerformanceMetrics = update.PerformanceMetrics
			next.HasPerformanceMetrics = true
		}
		if update.AccessibilityTree != nil {
			next.AccessibilityTree = update.AccessibilityTree
			next.HasAccessibilityTree = true
		}
		next.LastUpdated = c.now()
	case "devtools", "debugger":
		next.DebuggerEvents = appendRingBuffer(next.DebuggerEvents, DebuggerEvent{
			Source:    source,
			Payload:   rawEvent,
			Timestamp: c.now(),
		})
	}

	c.tabs[tabID] = &next
}

// ApplyActionReply seeds the cache from a successful action reply payload
// (spec §4.D apply-action-reply).
func (c *Cache) ApplyActionReply(tabID int, sessionID string, update ActionReplyUpdate) {
	c.mu.Lock()
	defer c.mu.Unlock()

	next := c.cloneOrNew(tabID)
	next.LastSession = sessionID

	switch update.Action {
	case "getPageContent":
		if update.PageContent != nil {
			next.PageContent = *update.PageContent
			next.HasPageContent = true
		}
	case "getDOMSnapshot":
		if update.DOMSnapshot != nil {
			next.DOMSnapshot = update.DOMSnapshot
			next.HasDOMSnapshot = true
		}
	case "getConsoleMessages":
		if update.ConsoleLog != nil {
			next.ConsoleLog = update.ConsoleLog
			next.HasConsoleLog = true
		}
	case "getNetworkData":
		if update.NetworkActivity != nil {
			next.NetworkActivity = update.NetworkActivity
			next.HasNetworkActivity = true
		}
	case "getPerformanceMetrics":
		if update.PerformanceMetrics != nil {
			next.PerformanceMetrics = update.PerformanceMetrics
			next.HasPerformanceMetrics = true
		}
	case "getAccessibilityTree":
		if update.AccessibilityTree != nil {
			next.AccessibilityTree = update.AccessibilityTree
			next.HasAccessibilityTree = true
		}
	case "captureScreenshot":
		if update.ScreenshotBlob != nil {
			next.ScreenshotBlob = update.ScreenshotBlob
			next.HasScreenshot = true
		}
	default:
		return
	}
	next.LastUpdated = c.now()
	c.tabs[tabID] = &next
}

// Evict removes a tab's snapshot entirely (explicit cleanup, spec §3).
func (c *Cache) Evict(tabID int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.tabs, tabID)
}

func appendRingBuffer(buf []DebuggerEvent, event DebuggerEvent) []DebuggerEvent {
	buf = append(buf, event)
	if len(buf) > RingBufferCap {
		buf = buf[len(buf)-RingBufferCap:]
	}
	return buf
}
