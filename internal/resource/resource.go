// Package resource implements the resource reader of spec §4.H: resolving
// tab/{id}/{kind} URIs against the snapshot cache.
package resource

import (
	"fmt"
	"regexp"
	"strconv"

	"github.com/workspace/devbridge/internal/buffers"
	"github.com/workspace/devbridge/internal/coreerr"
	"github.com/workspace/devbridge/internal/shape"
	"github.com/workspace/devbridge/internal/snapshot"
)

// MaxHTML and MaxDOMNodes bound the content and dom resource kinds (spec
// §6.3 configuration).
const (
	MaxHTML           = 50_000
	MaxDOMNodes       = 500
	ConsoleWindowSize = 100
)

var uriPattern = regexp.MustCompile(`^tab/(\d+)/(content|dom|console)$`)

// ConsoleResult is the shape returned for a console resource read (spec
// §4.H): the most recent ConsoleWindowSize messages plus a limited flag.
type ConsoleResult struct {
	Messages []shape.ConsoleMessage `json:"messages"`
	Count    int                    `json:"count"`
	Limited  bool                   `json:"limited"`
}

// Descriptor is one resources/list entry (spec §6.1 resources/list).
type Descriptor struct {
	URI  string `json:"uri"`
	Name string `json:"name"`
	Kind string `json:"kind"`
}

// Reader resolves resource URIs against a snapshot cache.
type Reader struct {
	cache *snapshot.Cache
}

// New constructs a Reader backed by cache.
func New(cache *snapshot.Cache) *Reader {
	return &Reader{cache: cache}
}

// ParseURI validates uri is of the exact form tab/{integer}/{kind} and
// returns its parts. Returns INVALID-URI otherwise.
func ParseURI(uri string) (tabID int, kind string, err error) {
	m := uriPattern.FindStringSubmatch(uri)
	if m == nil {
		return 0, "", coreerr.InvalidURIErr(uri)
	}
	tabID, convErr := strconv.Atoi(m[1])
	if convErr != nil {
		return 0, "", coreerr.InvalidURIErr(uri)
	}
	return tabID, m[2], nil
}

// Read resolves uri against the cache and returns the shaped resource body
// (spec §4.H). Returns NOT-FOUND for an unknown tab, or for a content or dom
// kind the tab has no data for; a console read of a known tab always
// succeeds, with an empty window if no messages are cached.
func (r *Reader) Read(uri string) (any, error) {
	tabID, kind, err := ParseURI(uri)
	if err != nil {
		return nil, err
	}

	snap, ok := r.cache.Get(tabID)
	if !ok {
		return nil, coreerr.NotFoundErr(fmt.Sprintf("tab %d", tabID))
	}

	switch kind {
	case "content":
		if !snap.HasPageContent {
			return nil, coreerr.NotFoundErr(fmt.Sprintf("page content for tab %d", tabID))
		}
		truncated, _, _ := buffers.TruncateText(snap.PageContent, MaxHTML)
		return truncated, nil
	case "dom":
		if !snap.HasDOMSnapshot {
			return nil, coreerr.NotFoundErr(fmt.Sprintf("dom snapshot for tab %d", tabID))
		}
		node, _, _ := buffers.TruncateTree(shape.ToBufferNode(snap.DOMSnapshot), MaxDOMNodes)
		return node, nil
	case "console":
		return shapeConsoleWindow(snap), nil
	default:
		return nil, coreerr.InvalidURIErr(uri)
	}
}

func shapeConsoleWindow(snap *snapshot.TabSnapshot) ConsoleResult {
	messages := snap.ConsoleLog
	limited := false
	if len(messages) > ConsoleWindowSize {
		messages = messages[len(messages)-ConsoleWindowSize:]
		limited = true
	}
	return ConsoleResult{Messages: messages, Count: len(messages), Limited: limited}
}

// List enumerates every currently-readable resource across all cached tabs
// (spec §6.1 resources/list), derived from the snapshot cache.
func (r *Reader) List() []Descriptor {
	out := make([]Descriptor, 0)
	for _, desc := range r.cache.ListAvailable() {
		for _, kind := range desc.Kinds {
			out = append(out, Descriptor{
				URI:  fmt.Sprintf("tab/%d/%s", desc.TabID, kind),
				Name: fmt.Sprintf("Tab %d %s (%s)", desc.TabID, kind, desc.Title),
				Kind: kind,
			})
		}
	}
	return out
}
