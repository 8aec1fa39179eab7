// Package pagination implements the TTL'd cursor store described in spec
// §4.B: opaque cursors over frozen result slices, one-shot per page.
package pagination

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultTTL is how long an unused cursor survives before the sweep evicts
// it (spec §3, §4.B).
const DefaultTTL = 5 * time.Minute

type entry struct {
	frozen     []any
	nextOffset int
	createdAt  time.Time
}

// Store is a TTL'd mapping from cursor id to a frozen result slice plus
// offset. The zero value is not usable; use New.
type Store struct {
	mu      sync.Mutex
	entries map[string]*entry
	ttl     time.Duration
	now     func() time.Time
}

// New creates an empty cursor store with the default 5-minute TTL.
func New() *Store {
	return &Store{
		entries: make(map[string]*entry),
		ttl:     DefaultTTL,
		now:     time.Now,
	}
}

// NewWithClock is used by tests to control the notion of "now".
func NewWithClock(ttl time.Duration, now func() time.Time) *Store {
	return &Store{
		entries: make(map[string]*entry),
		ttl:     ttl,
		now:     now,
	}
}

// Open returns the first limit elements of list. If list is longer, a fresh
// cursor is allocated pointing at offset limit for the next page.
func (s *Store) Open(list []any, limit int) (page []any, nextCursor string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sweepLocked()

	page, hasMore := slicePage(list, 0, limit)
	if !hasMore {
		return page, ""
	}

	id := uuid.NewString()
	s.entries[id] = &entry{frozen: list, nextOffset: limit, createdAt: s.now()}
	return page, id
}

// Next advances the stored offset by limit, returning the next page and,
// if more remain, a freshly allocated cursor for the page after that. The
// cursor consumed by this call is always removed (one-shot per page),
// whether or not a successor cursor is allocated.
func (s *Store) Next(cursorID string, limit int) (page []any, nextCursor string, found bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sweepLocked()

	e, ok := s.entries[cursorID]
	if !ok {
		return nil, "", false
	}
	delete(s.entries, cursorID)

	page, hasMore := slicePage(e.frozen, e.nextOffset, limit)
	if !hasMore {
		return page, "", true
	}

	id := uuid.NewString()
	s.entries[id] = &entry{frozen: e.frozen, nextOffset: e.nextOffset + limit, createdAt: s.now()}
	return page, id, true
}

func slicePage(list []any, offset, limit int) (page []any, hasMore bool) {
	if offset >= len(list) {
		return []any{}, false
	}
	end := offset + limit
	if end >= len(list) {
		return list[offset:], false
	}
	return list[offset:end], true
}

// sweepLocked removes entries older than the TTL. Called with mu held, on
// every Open/Next per spec §4.B.
func (s *Store) sweepLocked() {
	cutoff := s.now().Add(-s.ttl)
	for id, e := range s.entries {
		if e.createdAt.Before(cutoff) {
			delete(s.entries, id)
		}
	}
}

// Len reports the number of live cursors. Exposed for tests and the
// operator-facing health endpoint.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}
