package rpc

import (
	"encoding/json"
	"time"

	"github.com/workspace/devbridge/internal/coreerr"
	"github.com/workspace/devbridge/internal/shape"
)

// flexIntList accepts either a bare int or a JSON array of ints (a
// string-encoded number is rejected), matching the "scalar or list" params the tool schemas allow for
// status and resourceType (spec §6.3).
type flexIntList []int

func (f *flexIntList) UnmarshalJSON(data []byte) error {
	var single int
	if err := json.Unmarshal(data, &single); err == nil {
		*f = []int{single}
		return nil
	}
	var list []int
	if err := json.Unmarshal(data, &list); err == nil {
		*f = list
		return nil
	}
	return coreerr.InvalidParamsErr("expected an integer or array of integers")
}

type flexStringList []string

func (f *flexStringList) UnmarshalJSON(data []byte) error {
	var single string
	if err := json.Unmarshal(data, &single); err == nil {
		*f = []string{single}
		return nil
	}
	var list []string
	if err := json.Unmarshal(data, &list); err == nil {
		*f = list
		return nil
	}
	return coreerr.InvalidParamsErr("expected a string or array of strings")
}

type getPageContentArgs struct {
	TabID           *int `json:"tabId"`
	IncludeMetadata *bool `json:"includeMetadata"`
	IncludeHTML     *bool `json:"includeHtml"`
	MaxTextLength   *int `json:"maxTextLength"`
}

type getDOMSnapshotArgs struct {
	TabID          *int    `json:"tabId"`
	Selector       string  `json:"selector"`
	MaxNodes       *int    `json:"maxNodes"`
	MaxDepth       *int    `json:"maxDepth"`
	IncludeStyles  *bool   `json:"includeStyles"`
	ExcludeScripts *bool   `json:"excludeScripts"`
	ExcludeStyles  *bool   `json:"excludeStyles"`
}

type getConsoleMessagesArgs struct {
	TabID      *int            `json:"tabId"`
	LogLevels  []string        `json:"logLevels"`
	SearchTerm string          `json:"searchTerm"`
	Since      *time.Time      `json:"since"`
	PageSize   *int            `json:"pageSize"`
	Cursor     string          `json:"cursor"`
}

type getNetworkRequestsArgs struct {
	TabID                 *int           `json:"tabId"`
	Method                string         `json:"method"`
	Status                flexIntList    `json:"status"`
	ResourceType          flexStringList `json:"resourceType"`
	Domain                string         `json:"domain"`
	FailedOnly            bool           `json:"failedOnly"`
	PageSize              *int           `json:"pageSize"`
	Cursor                string         `json:"cursor"`
	IncludeResponseBodies bool           `json:"includeResponseBodies"`
	IncludeRequestBodies  bool           `json:"includeRequestBodies"`
}

type captureScreenshotArgs struct {
	TabID   *int   `json:"tabId"`
	Format  string `json:"format"`
	Quality *int   `json:"quality"`
}

type executeJavascriptArgs struct {
	TabID *int   `json:"tabId"`
	Code  string `json:"code"`
}

type tabOnlyArgs struct {
	TabID *int `json:"tabId"`
}

type getAccessibilityTreeArgs struct {
	TabID   *int `json:"tabId"`
	Timeout *int `json:"timeout"`
}

func decodeArgs(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return coreerr.InvalidParamsErr("malformed arguments: " + err.Error())
	}
	return nil
}

func intOrDefault(p *int, def int) int {
	if p == nil {
		return def
	}
	return *p
}

func boolOrDefault(p *bool, def bool) bool {
	if p == nil {
		return def
	}
	return *p
}

func clampPageSize(n int) int {
	if n <= 0 {
		return 50
	}
	if n > 200 {
		return 200
	}
	return n
}

// domFilterFrom builds a shape.DOMFilter from decoded get_dom_snapshot args.
func domFilterFrom(a getDOMSnapshotArgs) shape.DOMFilter {
	excludeScripts := boolOrDefault(a.ExcludeScripts, true)
	excludeStyles := boolOrDefault(a.ExcludeStyles, true)
	includeStyles := boolOrDefault(a.IncludeStyles, false)
	return shape.DOMFilter{
		Selector:           a.Selector,
		ExcludeScripts:     excludeScripts,
		ExcludeStyles:      excludeStyles,
		StripComputedStyle: !includeStyles,
		MaxNodes:           intOrDefault(a.MaxNodes, shape.DefaultMaxDOMNodes),
		MaxDepth:           intOrDefault(a.MaxDepth, shape.DefaultMaxDepth),
	}
}
