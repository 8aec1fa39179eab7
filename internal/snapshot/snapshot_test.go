package snapshot

import (
	"encoding/json"
	"strconv"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/workspace/devbridge/internal/shape"
)

func strptr(s string) *string { return &s }

func TestApplyContentUpdate_CreatesAndMergesFields(t *testing.T) {
	c := New()

	c.ApplyContentUpdate(7, "content", "sess-1", ContentUpdate{
		URL:   strptr("https://example.com"),
		Title: strptr("Example"),
	}, nil)

	snap, ok := c.Get(7)
	require.True(t, ok)
	assert.Equal(t, "https://example.com", snap.URL)
	assert.Equal(t, "Example", snap.Title)
	assert.False(t, snap.HasPageContent)

	c.ApplyContentUpdate(7, "content", "sess-1", ContentUpdate{
		PageContent: strptr("<html></html>"),
	}, nil)

	snap2, ok := c.Get(7)
	require.True(t, ok)
	assert.Equal(t, "https://example.com", snap2.URL) // untouched field retained
	assert.True(t, snap2.HasPageContent)
	assert.Equal(t, "<html></html>", snap2.PageContent)
}

func TestApplyContentUpdate_DebuggerRingBuffer(t *testing.T) {
	c := New()
	for i := 0; i < 150; i++ {
		c.ApplyContentUpdate(1, "debugger", "sess", ContentUpdate{}, json.RawMessage(`{"n":`+itoa(i)+`}`))
	}
	snap, ok := c.Get(1)
	require.True(t, ok)
	assert.Len(t, snap.DebuggerEvents, RingBufferCap)
	// oldest dropped: first kept event should be n=50 (150-100)
	assert.Contains(t, string(snap.DebuggerEvents[0].Payload), `"n":50`)
	assert.Contains(t, string(snap.DebuggerEvents[len(snap.DebuggerEvents)-1].Payload), `"n":149`)
}

func itoa(n int) string { return strconv.Itoa(n) }

func TestApplyActionReply_CachesByAction(t *testing.T) {
	c := New()
	c.ApplyActionReply(3, "sess", ActionReplyUpdate{Action: "getPageContent", PageContent: strptr("hi")})

	snap, ok := c.Get(3)
	require.True(t, ok)
	assert.True(t, snap.HasPageContent)
	assert.Equal(t, "hi", snap.PageContent)
	assert.False(t, snap.HasDOMSnapshot)
}

func TestListAvailable_OnlyTabsWithData(t *testing.T) {
	c := New()
	c.ApplyActionReply(1, "s", ActionReplyUpdate{Action: "getPageContent", PageContent: strptr("a")})
	c.ApplyActionReply(2, "s", ActionReplyUpdate{Action: "getDOMSnapshot", DOMSnapshot: &shape.DOMElement{Tag: "html"}})
	// tab 3 is never updated: must not appear
	out := c.ListAvailable()
	require.Len(t, out, 2)
	assert.Equal(t, 1, out[0].TabID)
	assert.Equal(t, 2, out[1].TabID)
}

func TestGet_UnknownTab(t *testing.T) {
	c := New()
	_, ok := c.Get(999)
	assert.False(t, ok)
}

func TestSnapshotAtomicity_ConcurrentReadWrite(t *testing.T) {
	c := New()
	c.ApplyContentUpdate(1, "content", "s", ContentUpdate{URL: strptr("https://a")}, nil)

	var wg sync.WaitGroup
	stop := make(chan struct{})
	wg.Add(2)

	go func() {
		defer wg.Done()
		for i := 0; i < 500; i++ {
			c.ApplyContentUpdate(1, "content", "s", ContentUpdate{Title: strptr("t" + itoa(i))}, nil)
		}
		close(stop)
	}()

	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
				snap, ok := c.Get(1)
				if ok {
					// A reader must always see a fully-formed record: URL was
					// set before any concurrent Title writes began.
					assert.Equal(t, "https://a", snap.URL)
				}
			}
		}
	}()

	wg.Wait()
}
