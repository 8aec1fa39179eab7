package pagination

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func intList(n int) []any {
	out := make([]any, n)
	for i := range out {
		out[i] = i
	}
	return out
}

func TestOpen_NoNextPage(t *testing.T) {
	s := New()
	page, cursor := s.Open(intList(10), 50)
	assert.Len(t, page, 10)
	assert.Empty(t, cursor)
}

func TestOpenAndNext_S2Pagination(t *testing.T) {
	s := New()
	list := intList(120)

	page1, c1 := s.Open(list, 50)
	assert.Len(t, page1, 50)
	assert.Equal(t, 0, page1[0])
	assert.Equal(t, 49, page1[49])
	require.NotEmpty(t, c1)

	page2, c2, found := s.Next(c1, 50)
	require.True(t, found)
	assert.Len(t, page2, 50)
	assert.Equal(t, 50, page2[0])
	require.NotEmpty(t, c2)

	page3, c3, found := s.Next(c2, 50)
	require.True(t, found)
	assert.Len(t, page3, 20)
	assert.Equal(t, 119, page3[19])
	assert.Empty(t, c3)
}

func TestNext_UnknownCursorNotFound(t *testing.T) {
	s := New()
	page, next, found := s.Next("does-not-exist", 10)
	assert.False(t, found)
	assert.Nil(t, page)
	assert.Empty(t, next)
}

func TestNext_OneShotPerPage(t *testing.T) {
	s := New()
	_, c1 := s.Open(intList(100), 10)
	_, _, found := s.Next(c1, 10)
	require.True(t, found)

	// c1 was consumed by the first Next; reusing it must fail.
	_, _, found = s.Next(c1, 10)
	assert.False(t, found)
}

func TestSweep_ExpiresOldCursors(t *testing.T) {
	now := time.Now()
	s := NewWithClock(10*time.Millisecond, func() time.Time { return now })
	_, c1 := s.Open(intList(100), 10)
	require.NotEmpty(t, c1)

	now = now.Add(20 * time.Millisecond)
	_, _, found := s.Next(c1, 10)
	assert.False(t, found)
	assert.Equal(t, 0, s.Len())
}

func TestCursorsAreUnique(t *testing.T) {
	s := New()
	seen := map[string]bool{}
	for i := 0; i < 50; i++ {
		_, c := s.Open(intList(1000), 1)
		require.NotEmpty(t, c)
		assert.False(t, seen[c])
		seen[c] = true
	}
}
