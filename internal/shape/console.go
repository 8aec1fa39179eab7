// Package shape implements the stateless filter/shape engine of spec §4.C:
// multi-axis filters over console messages, network requests, and DOM
// snapshots, plus body redaction. Every function here is a pure function of
// its inputs — no component state, no I/O.
package shape

import (
	"strings"
	"time"
)

// ConsoleMessage is one entry of a tab's console-log buffer (spec §3).
type ConsoleMessage struct {
	Level     string    `json:"level"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

// ConsoleFilter holds the optional, ANDed filters spec §4.C defines for
// console messages. A nil Levels means the default {error, warn}.
type ConsoleFilter struct {
	Levels        []string
	SearchTerm    string
	SinceTimestamp *time.Time
}

// DefaultConsoleLevels is applied when a filter specifies no levels.
var DefaultConsoleLevels = []string{"error", "warn"}

// FilterConsole applies f to messages, preserving input order. Composing two
// filter configurations sequentially is equivalent to ANDing their
// predicates (spec §8 property 6); this function is itself already the
// conjunction of all configured axes.
func FilterConsole(messages []ConsoleMessage, f ConsoleFilter) []ConsoleMessage {
	levels := f.Levels
	if len(levels) == 0 {
		levels = DefaultConsoleLevels
	}
	levelSet := make(map[string]struct{}, len(levels))
	for _, l := range levels {
		levelSet[strings.ToLower(l)] = struct{}{}
	}

	search := strings.ToLower(f.SearchTerm)

	out := make([]ConsoleMessage, 0, len(messages))
	for _, m := range messages {
		if _, ok := levelSet[strings.ToLower(m.Level)]; !ok {
			continue
		}
		if search != "" && !strings.Contains(strings.ToLower(m.Text), search) {
			continue
		}
		if f.SinceTimestamp != nil && m.Timestamp.Before(*f.SinceTimestamp) {
			continue
		}
		out = append(out, m)
	}
	return out
}
