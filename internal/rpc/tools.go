package rpc

import (
	"encoding/json"

	"github.com/mark3labs/mcp-go/mcp"
)

// toolSchema builds an mcp.Tool whose input schema is exactly the raw JSON
// literal given, mirroring how the pack's mcp-go clients read back
// RawInputSchema in preference to the structured InputSchema field.
func toolSchema(name, description, schemaJSON string) mcp.Tool {
	return mcp.Tool{
		Name:           name,
		Description:    description,
		RawInputSchema: json.RawMessage(schemaJSON),
	}
}

// ToolSchemas is the static list returned by tools/list (spec §6.3).
var ToolSchemas = []mcp.Tool{
	toolSchema("get_page_content", "Return the page content of a browser tab.", `{
		"type": "object",
		"properties": {
			"tabId": {"type": "integer"},
			"includeMetadata": {"type": "boolean", "default": true},
			"includeHtml": {"type": "boolean", "default": false},
			"maxTextLength": {"type": "integer", "default": 30000}
		}
	}`),
	toolSchema("get_dom_snapshot", "Return a (optionally selector-scoped) DOM snapshot of a browser tab.", `{
		"type": "object",
		"properties": {
			"tabId": {"type": "integer"},
			"selector": {"type": "string"},
			"maxDepth": {"type": "integer", "default": 5, "maximum": 15},
			"maxNodes": {"type": "integer", "default": 500, "maximum": 2000},
			"includeStyles": {"type": "boolean", "default": false},
			"excludeScripts": {"type": "boolean", "default": true},
			"excludeStyles": {"type": "boolean", "default": true}
		}
	}`),
	toolSchema("get_console_messages", "Return filtered, paginated console log messages for a browser tab.", `{
		"type": "object",
		"properties": {
			"tabId": {"type": "integer"},
			"logLevels": {"type": "array", "items": {"type": "string", "enum": ["error","warn","info","log","debug"]}},
			"searchTerm": {"type": "string"},
			"since": {"type": "string"},
			"pageSize": {"type": "integer", "default": 50, "maximum": 200},
			"cursor": {"type": "string"}
		}
	}`),
	toolSchema("get_network_requests", "Return filtered, paginated network requests for a browser tab.", `{
		"type": "object",
		"properties": {
			"tabId": {"type": "integer"},
			"method": {"type": "string"},
			"status": {},
			"resourceType": {},
			"domain": {"type": "string"},
			"failedOnly": {"type": "boolean", "default": false},
			"pageSize": {"type": "integer", "default": 50, "maximum": 200},
			"cursor": {"type": "string"},
			"includeResponseBodies": {"type": "boolean", "default": false},
			"includeRequestBodies": {"type": "boolean", "default": false}
		}
	}`),
	toolSchema("capture_screenshot", "Capture a screenshot of a browser tab.", `{
		"type": "object",
		"properties": {
			"tabId": {"type": "integer"},
			"format": {"type": "string", "enum": ["png","jpeg"]},
			"quality": {"type": "integer", "minimum": 0, "maximum": 100}
		}
	}`),
	toolSchema("execute_javascript", "Execute JavaScript in a browser tab and return the result.", `{
		"type": "object",
		"properties": {
			"tabId": {"type": "integer"},
			"code": {"type": "string"}
		},
		"required": ["code"]
	}`),
	toolSchema("get_performance_metrics", "Return browser performance metrics for a tab.", `{
		"type": "object",
		"properties": {
			"tabId": {"type": "integer"}
		}
	}`),
	toolSchema("get_accessibility_tree", "Return the accessibility tree for a browser tab.", `{
		"type": "object",
		"properties": {
			"tabId": {"type": "integer"},
			"timeout": {"type": "integer", "minimum": 5000, "maximum": 120000}
		}
	}`),
	toolSchema("get_browser_tabs", "List all open browser tabs.", `{
		"type": "object",
		"properties": {}
	}`),
	toolSchema("attach_debugger", "Attach the debugger protocol to a browser tab.", `{
		"type": "object",
		"properties": {
			"tabId": {"type": "integer"}
		},
		"required": ["tabId"]
	}`),
	toolSchema("detach_debugger", "Detach the debugger protocol from a browser tab.", `{
		"type": "object",
		"properties": {
			"tabId": {"type": "integer"}
		},
		"required": ["tabId"]
	}`),
}
