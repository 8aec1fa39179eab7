package shape

import (
	"strings"

	"github.com/workspace/devbridge/internal/buffers"
)

// DOMElement is the raw tree shape fed into FilterDOM — a deserialized DOM
// snapshot as received from the browser agent (spec §3, §4.C).
type DOMElement struct {
	Tag           string            `json:"tag"`
	Attrs         map[string]string `json:"attrs,omitempty"`
	Text          string            `json:"text,omitempty"`
	Children      []*DOMElement     `json:"children,omitempty"`
	ComputedStyle map[string]string `json:"computedStyle,omitempty"`
}

// DefaultMaxDOMNodes and MaxDOMNodesCeiling are spec §4.C's default and hard
// ceiling for node-count truncation.
const (
	DefaultMaxDOMNodes = 500
	MaxDOMNodesCeiling = 2000
)

// DOMFilter holds the ordered filter stages of spec §4.C.
type DOMFilter struct {
	// Selector, if non-empty, must be of the form "#id", ".class", or a bare
	// tag name. Any other form is not supported (spec §4.C, §9).
	Selector string

	ExcludeScripts bool // default true
	ExcludeStyles  bool // default true

	StripComputedStyle bool // true unless includeStyles was requested

	MaxNodes int // default 500, clamped to [1, 2000]
	MaxDepth int // default 5, clamped to [1, 15]
}

// DefaultMaxDepth and MaxDepthCeiling are spec §6.3's default and hard
// ceiling for maxDepth.
const (
	DefaultMaxDepth = 5
	MaxDepthCeiling = 15
)

func clampMaxDepth(n int) int {
	if n <= 0 {
		return DefaultMaxDepth
	}
	if n > MaxDepthCeiling {
		return MaxDepthCeiling
	}
	return n
}

// ParsedSelector is the result of parsing a §4.C selector string.
type ParsedSelector struct {
	Kind  SelectorKind
	Value string
}

type SelectorKind int

const (
	SelectorNone SelectorKind = iota
	SelectorID
	SelectorClass
	SelectorTag
)

// ParseSelector recognizes exactly the three forms spec §4.C and §9 allow:
// "#id", ".class", or a bare tag name. Combinators, pseudo-classes, and
// attribute selectors are deliberately not supported.
func ParseSelector(s string) ParsedSelector {
	s = strings.TrimSpace(s)
	switch {
	case s == "":
		return ParsedSelector{Kind: SelectorNone}
	case strings.HasPrefix(s, "#"):
		return ParsedSelector{Kind: SelectorID, Value: s[1:]}
	case strings.HasPrefix(s, "."):
		return ParsedSelector{Kind: SelectorClass, Value: s[1:]}
	default:
		return ParsedSelector{Kind: SelectorTag, Value: s}
	}
}

func (p ParsedSelector) matches(n *DOMElement) bool {
	switch p.Kind {
	case SelectorID:
		return n.Attrs["id"] == p.Value
	case SelectorClass:
		for _, c := range strings.Fields(n.Attrs["class"]) {
			if c == p.Value {
				return true
			}
		}
		return false
	case SelectorTag:
		return strings.EqualFold(n.Tag, p.Value)
	default:
		return false
	}
}

// findSubtree performs the depth-first descent of spec §4.C stage (i),
// returning the first matching subtree.
func findSubtree(n *DOMElement, sel ParsedSelector) *DOMElement {
	if n == nil {
		return nil
	}
	if sel.matches(n) {
		return n
	}
	for _, child := range n.Children {
		if found := findSubtree(child, sel); found != nil {
			return found
		}
	}
	return nil
}

func isPrunedTag(tag string, excludeScripts, excludeStyles bool) bool {
	lower := strings.ToLower(tag)
	return (excludeScripts && lower == "script") || (excludeStyles && lower == "style")
}

// pruneAndConvert applies stages (ii) and (iii), converting the raw tree
// into the generic buffers.DOMNode shape stage (iv) operates on. depth
// counts from 0 at the (possibly selector-narrowed) root; descent stops
// once depth reaches maxDepth, dropping any deeper children (spec §6.3
// maxDepth).
func pruneAndConvert(n *DOMElement, f DOMFilter, depth, maxDepth int) *buffers.DOMNode {
	if n == nil {
		return nil
	}
	out := &buffers.DOMNode{Tag: n.Tag, Text: n.Text}
	if len(n.Attrs) > 0 {
		out.Attrs = n.Attrs
	}
	if !f.StripComputedStyle && len(n.ComputedStyle) > 0 {
		attrs := map[string]any{}
		if n.Attrs != nil {
			attrs["attrs"] = n.Attrs
		}
		attrs["computedStyle"] = n.ComputedStyle
		out.Attrs = attrs
	}

	if depth >= maxDepth {
		return out
	}

	for _, child := range n.Children {
		if isPrunedTag(child.Tag, f.ExcludeScripts, f.ExcludeStyles) {
			continue
		}
		out.Children = append(out.Children, pruneAndConvert(child, f, depth+1, maxDepth))
	}
	return out
}

// ToBufferNode converts a raw DOMElement tree into the generic
// buffers.DOMNode shape with no pruning or stripping applied, for callers
// (the resource reader) that truncate a cached tree without re-running the
// full filter pipeline.
func ToBufferNode(n *DOMElement) *buffers.DOMNode {
	if n == nil {
		return nil
	}
	out := &buffers.DOMNode{Tag: n.Tag, Text: n.Text}
	if len(n.Attrs) > 0 {
		out.Attrs = n.Attrs
	}
	for _, child := range n.Children {
		out.Children = append(out.Children, ToBufferNode(child))
	}
	return out
}

func clampMaxNodes(n int) int {
	if n <= 0 {
		return DefaultMaxDOMNodes
	}
	if n > MaxDOMNodesCeiling {
		return MaxDOMNodesCeiling
	}
	return n
}

// FilterDOM runs the full §4.C pipeline: selector resolution, script/style
// pruning, computed-style stripping, then node-count truncation. found is
// false only when a selector was given and nothing matched.
func FilterDOM(root *DOMElement, f DOMFilter) (result *buffers.DOMNode, found bool, visited int, truncated bool) {
	scope := root
	sel := ParseSelector(f.Selector)
	if sel.Kind != SelectorNone {
		scope = findSubtree(root, sel)
		if scope == nil {
			return nil, false, 0, false
		}
	}

	if isPrunedTag(scope.Tag, f.ExcludeScripts, f.ExcludeStyles) {
		return nil, true, 0, false
	}

	converted := pruneAndConvert(scope, f, 0, clampMaxDepth(f.MaxDepth))
	result, visited, truncated = buffers.TruncateTree(converted, clampMaxNodes(f.MaxNodes))
	return result, true, visited, truncated
}
