package playback

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTrackerAccumulatesPerItemAndIndex(t *testing.T) {
	tr := NewTracker(24000)

	require.NoError(t, tr.OnPlayedBytes("item_1", 0, 4800))
	require.NoError(t, tr.OnPlayedBytes("item_1", 0, 4800))
	require.NoError(t, tr.OnPlayedBytes("item_1", 1, 100))
	require.NoError(t, tr.OnPlayedBytes("item_2", 0, 48000))

	assert.Equal(t, int64(9600), tr.PlayedBytes("item_1", 0))
	assert.Equal(t, int64(100), tr.PlayedBytes("item_1", 1))
	assert.Equal(t, int64(200), tr.PlayedMS("item_1", 0))
	assert.Equal(t, int64(1000), tr.PlayedMS("item_2", 0))
	assert.Equal(t, int64(0), tr.PlayedMS("missing", 0))

	id, idx, ok := tr.Current()
	require.True(t, ok)
	assert.Equal(t, "item_2", id)
	assert.Equal(t, 0, idx)

	tr.ClearCurrent()
	_, _, ok = tr.Current()
	assert.False(t, ok)
	assert.Equal(t, int64(48000), tr.PlayedBytes("item_2", 0))
}

func TestTrackerRejectsInvalidRecords(t *testing.T) {
	tr := NewTracker(0)

	assert.ErrorIs(t, tr.OnPlayedBytes("", 0, 10), ErrInvalidRecord)
	assert.ErrorIs(t, tr.OnPlayedBytes("item", -1, 10), ErrInvalidRecord)
	assert.ErrorIs(t, tr.OnPlayedBytes("item", 0, -10), ErrInvalidRecord)
	assert.Equal(t, int64(0), tr.PlayedBytes("item", 0))
}

func TestTrackerNilIsNoop(t *testing.T) {
	var tr *Tracker
	assert.NoError(t, tr.OnPlayedBytes("item", 0, 10))
	assert.Equal(t, int64(0), tr.PlayedMS("item", 0))
}

func TestTrackerConcurrentWriters(t *testing.T) {
	tr := NewTracker(24000)
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				_ = tr.OnPlayedBytes("item", 0, 2)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int64(3200), tr.PlayedBytes("item", 0))
}

func TestTrackerFinishClearsOnlyMatchingItem(t *testing.T) {
	tr := NewTracker(24000)
	require.NoError(t, tr.OnPlayedBytes("a1", 0, 4800))

	tr.Finish("other")
	id, _, ok := tr.Current()
	require.True(t, ok)
	assert.Equal(t, "a1", id)

	tr.Finish("a1")
	_, _, ok = tr.Current()
	assert.False(t, ok)
	assert.Equal(t, int64(100), tr.PlayedMS("a1", 0))
}
