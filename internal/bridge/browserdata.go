package bridge

import (
	"encoding/json"

	"github.com/workspace/devbridge/internal/shape"
	"github.com/workspace/devbridge/internal/snapshot"
)

// contentPayload is the wire shape of a source="content" browser-data
// frame's data field (spec §4.D). Every field is optional; an absent field
// leaves the corresponding snapshot field untouched.
type contentPayload struct {
	Title              *string                `json:"title"`
	PageContent        *string                `json:"pageContent"`
	DOMSnapshot        *shape.DOMElement      `json:"domSnapshot"`
	ConsoleLog         []shape.ConsoleMessage `json:"consoleLog"`
	NetworkActivity    []shape.NetworkRequest `json:"networkActivity"`
	PerformanceMetrics json.RawMessage        `json:"performanceMetrics"`
	AccessibilityTree  json.RawMessage        `json:"accessibilityTree"`
}

// decodeContentUpdate turns a browser-data frame's raw data payload into the
// snapshot cache's ContentUpdate shape. url comes from the frame envelope
// itself (spec §6.2), not the data payload.
func decodeContentUpdate(url string, data json.RawMessage) snapshot.ContentUpdate {
	var p contentPayload
	if len(data) > 0 {
		_ = json.Unmarshal(data, &p)
	}
	update := snapshot.ContentUpdate{
		Title:              p.Title,
		PageContent:        p.PageContent,
		DOMSnapshot:        p.DOMSnapshot,
		ConsoleLog:         p.ConsoleLog,
		NetworkActivity:    p.NetworkActivity,
		PerformanceMetrics: p.PerformanceMetrics,
		AccessibilityTree:  p.AccessibilityTree,
	}
	if url != "" {
		update.URL = &url
	}
	return update
}
