// Package buffers provides deterministic, bounded-size shaping primitives:
// text truncation, DOM-tree truncation, and JSON-size measurement. These are
// pure functions with no dependency on any other component (spec §4.A).
package buffers

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
)

// truncateMarkerFormat is appended after a truncated string, noting the
// original length so callers (and humans reading logs) know how much was cut.
const truncateMarkerFormat = "\n...[truncated, original length: %d]"

// truncateMarkerPattern recognizes a string that already carries a marker
// produced by TruncateText, so that re-truncation is a no-op (idempotency,
// spec §8 property 5) rather than truncating the marker itself away.
var truncateMarkerPattern = regexp.MustCompile(`\n\.\.\.\[truncated, original length: (\d+)\]$`)

// TruncateText returns the first limit runes of s, followed by a marker
// noting the original rune count, if s is longer than limit. It is
// deterministic and idempotent: re-applying TruncateText to its own output
// with the same limit returns the output unchanged.
func TruncateText(s string, limit int) (truncated string, originalLength int, wasTruncated bool) {
	if m := truncateMarkerPattern.FindStringSubmatch(s); m != nil {
		if n, err := strconv.Atoi(m[1]); err == nil {
			return s, n, true
		}
	}

	runes := []rune(s)
	originalLength = len(runes)
	if limit < 0 {
		limit = 0
	}
	if originalLength <= limit {
		return s, originalLength, false
	}
	head := string(runes[:limit])
	marker := fmt.Sprintf(truncateMarkerFormat, originalLength)
	return head + marker, originalLength, true
}

// DOMNode is the minimal tree shape truncation operates over. Callers (the
// shape engine) convert their richer snapshot types into this shape and
// back.
type DOMNode struct {
	Tag      string     `json:"tag,omitempty"`
	Attrs    any        `json:"attrs,omitempty"`
	Text     string     `json:"text,omitempty"`
	Children []*DOMNode `json:"children,omitempty"`

	// Truncated and RemainingSiblings are set only on the synthetic
	// placeholder node inserted where a walk stopped.
	Truncated         bool `json:"truncated,omitempty"`
	RemainingSiblings int  `json:"remainingSiblings,omitempty"`
}

// TruncateTree performs a depth-first walk of root, halting once
// visitedCount reaches maxNodes. Where the walk stops, a placeholder node
// `{truncated: true, remainingSiblings: k}` replaces the remainder of that
// node's sibling list. The returned tree is a new structure; root is never
// mutated in place.
func TruncateTree(root *DOMNode, maxNodes int) (result *DOMNode, visitedCount int, wasTruncated bool) {
	if root == nil || maxNodes <= 0 {
		return nil, 0, root != nil
	}
	visited := 0
	truncatedAny := false

	var walk func(n *DOMNode) *DOMNode
	walk = func(n *DOMNode) *DOMNode {
		if visited >= maxNodes {
			truncatedAny = true
			return nil
		}
		visited++
		out := &DOMNode{Tag: n.Tag, Attrs: n.Attrs, Text: n.Text}
		if len(n.Children) == 0 {
			return out
		}
		out.Children = make([]*DOMNode, 0, len(n.Children))
		for i, child := range n.Children {
			if visited >= maxNodes {
				remaining := len(n.Children) - i
				out.Children = append(out.Children, &DOMNode{Truncated: true, RemainingSiblings: remaining})
				truncatedAny = true
				break
			}
			out.Children = append(out.Children, walk(child))
		}
		return out
	}

	result = walk(root)
	return result, visited, truncatedAny
}

// SizeOf returns the length of x's JSON encoding. It is used only for
// diagnostics (size-capping decisions use explicit limits, never SizeOf) per
// spec §4.A.
func SizeOf(x any) int {
	b, err := json.Marshal(x)
	if err != nil {
		return 0
	}
	return len(b)
}
