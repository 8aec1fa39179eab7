package shape

import (
	"net/url"
	"sort"
	"strings"
)

// NetworkRequest is one entry of a tab's network-activity buffer (spec §3).
type NetworkRequest struct {
	Method       string `json:"method"`
	Status       int    `json:"status"`
	URL          string `json:"url"`
	ResourceType string `json:"resourceType"`
	RequestBody  string `json:"requestBody,omitempty"`
	ResponseBody string `json:"responseBody,omitempty"`
}

// NetworkFilter holds the optional, ANDed filters spec §4.C defines for
// network requests.
type NetworkFilter struct {
	Method       string
	Status       []int
	ResourceType []string
	Domain       string
	FailedOnly   bool

	IncludeRequestBodies  bool
	IncludeResponseBodies bool
	RequestBodyLimit      int
	ResponseBodyLimit     int
}

// hasStructuralFilter reports whether any axis other than FailedOnly is
// configured. Per spec §4.C, failed-first sorting applies when no
// structural filter is active OR failedOnly is set.
func (f NetworkFilter) hasStructuralFilter() bool {
	return f.Method != "" || len(f.Status) > 0 || len(f.ResourceType) > 0 || f.Domain != ""
}

// isFailed matches spec §4.C's failed-only predicate: status >= 400, or
// status 0/missing (treated as failed — the browser never got a response).
func isFailed(status int) bool {
	return status == 0 || status >= 400
}

func hostOf(rawURL string) (string, bool) {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return "", false
	}
	return u.Hostname(), true
}

func matchesFilter(r NetworkRequest, f NetworkFilter) bool {
	if f.Method != "" && !strings.EqualFold(r.Method, f.Method) {
		return false
	}
	if len(f.Status) > 0 {
		match := false
		for _, s := range f.Status {
			if s == r.Status {
				match = true
				break
			}
		}
		if !match {
			return false
		}
	}
	if len(f.ResourceType) > 0 {
		match := false
		for _, rt := range f.ResourceType {
			if strings.EqualFold(rt, r.ResourceType) {
				match = true
				break
			}
		}
		if !match {
			return false
		}
	}
	if f.Domain != "" {
		host, ok := hostOf(r.URL)
		if !ok || !strings.Contains(host, f.Domain) {
			return false
		}
	}
	if f.FailedOnly && !isFailed(r.Status) {
		return false
	}
	return true
}

// BodyField is the shape of a request or response body in the output: either
// the (possibly truncated) body text, or an omission placeholder.
type BodyField struct {
	Body         string `json:"body,omitempty"`
	Omitted      bool   `json:"omitted,omitempty"`
	OriginalSize int    `json:"originalSize,omitempty"`
	Truncated    bool   `json:"truncated,omitempty"`
}

// ShapedNetworkRequest is a NetworkRequest after body shaping has replaced
// the raw body strings with BodyField placeholders/truncated text.
type ShapedNetworkRequest struct {
	Method       string    `json:"method"`
	Status       int       `json:"status"`
	URL          string    `json:"url"`
	ResourceType string    `json:"resourceType"`
	RequestBody  BodyField `json:"requestBody"`
	ResponseBody BodyField `json:"responseBody"`
}

func shapeBody(body string, include bool, limit int) BodyField {
	if !include {
		return BodyField{Omitted: true, OriginalSize: len(body)}
	}
	if limit <= 0 || len(body) <= limit {
		return BodyField{Body: body, OriginalSize: len(body)}
	}
	return BodyField{Body: body[:limit], OriginalSize: len(body), Truncated: true}
}

// FilterNetwork applies f to requests: filtering, failed-first stable
// sorting (per spec §4.C), and body shaping. Input order is preserved among
// ties during the stable sort.
func FilterNetwork(requests []NetworkRequest, f NetworkFilter) []ShapedNetworkRequest {
	filtered := make([]NetworkRequest, 0, len(requests))
	for _, r := range requests {
		if matchesFilter(r, f) {
			filtered = append(filtered, r)
		}
	}

	if !f.hasStructuralFilter() || f.FailedOnly {
		sort.SliceStable(filtered, func(i, j int) bool {
			fi, fj := isFailed(filtered[i].Status), isFailed(filtered[j].Status)
			return fi && !fj
		})
	}

	out := make([]ShapedNetworkRequest, 0, len(filtered))
	for _, r := range filtered {
		out = append(out, ShapedNetworkRequest{
			Method:       r.Method,
			Status:       r.Status,
			URL:          r.URL,
			ResourceType: r.ResourceType,
			RequestBody:  shapeBody(r.RequestBody, f.IncludeRequestBodies, f.RequestBodyLimit),
			ResponseBody: shapeBody(r.ResponseBody, f.IncludeResponseBodies, f.ResponseBodyLimit),
		})
	}
	return out
}
