package audit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecord_AndRecent(t *testing.T) {
	log, err := Open(10)
	require.NoError(t, err)
	defer log.Close()

	tabID := 3
	log.Record("tools/call", "getPageContent", &tabID, true, "", 15*time.Millisecond)
	log.Record("tools/call", "getConsoleMessages", nil, false, "TIMEOUT", 3*time.Second)

	entries, err := log.Recent(0)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "getConsoleMessages", entries[0].Action)
	assert.False(t, entries[0].Success)
	assert.Equal(t, "TIMEOUT", entries[0].ErrorTag)
	assert.Equal(t, "getPageContent", entries[1].Action)
	require.NotNil(t, entries[1].TabID)
	assert.Equal(t, 3, *entries[1].TabID)
}

func TestRecord_TrimsToCapacity(t *testing.T) {
	log, err := Open(3)
	require.NoError(t, err)
	defer log.Close()

	for i := 0; i < 10; i++ {
		log.Record("tools/call", "getAllTabs", nil, true, "", time.Millisecond)
	}

	entries, err := log.Recent(0)
	require.NoError(t, err)
	assert.Len(t, entries, 3)
}

func TestRecent_RespectsLimit(t *testing.T) {
	log, err := Open(10)
	require.NoError(t, err)
	defer log.Close()

	for i := 0; i < 5; i++ {
		log.Record("tools/call", "getAllTabs", nil, true, "", time.Millisecond)
	}

	entries, err := log.Recent(2)
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}
