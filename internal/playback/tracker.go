// Package playback records how much synthesized audio reached the client for
// each upstream content item, so an interrupted utterance can be truncated at
// the position the user actually heard.
package playback

import (
	"errors"
	"fmt"
	"strings"
	"sync"
)

const (
	DefaultSampleRate = 24000
	bytesPerSample    = 2 // pcm16 mono
)

var ErrInvalidRecord = errors.New("invalid playback record")

type key struct {
	itemID       string
	contentIndex int
}

// Tracker is written by the orchestrator and read by the upstream provider
// when it truncates an interrupted response.
type Tracker struct {
	mu         sync.Mutex
	sampleRate int
	played     map[key]int64
	last       key
	hasLast    bool
}

func NewTracker(sampleRate int) *Tracker {
	if sampleRate <= 0 {
		sampleRate = DefaultSampleRate
	}
	return &Tracker{
		sampleRate: sampleRate,
		played:     make(map[key]int64),
	}
}

// OnPlayedBytes appends byteLength played bytes to (itemID, contentIndex).
func (t *Tracker) OnPlayedBytes(itemID string, contentIndex int, byteLength int) error {
	if t == nil {
		return nil
	}
	itemID = strings.TrimSpace(itemID)
	if itemID == "" || contentIndex < 0 || byteLength < 0 {
		return fmt.Errorf("%w: item=%q index=%d bytes=%d", ErrInvalidRecord, itemID, contentIndex, byteLength)
	}
	k := key{itemID: itemID, contentIndex: contentIndex}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.played[k] += int64(byteLength)
	t.last = k
	t.hasLast = true
	return nil
}

// PlayedBytes returns the cumulative played bytes for (itemID, contentIndex).
func (t *Tracker) PlayedBytes(itemID string, contentIndex int) int64 {
	if t == nil {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.played[key{itemID: strings.TrimSpace(itemID), contentIndex: contentIndex}]
}

// PlayedMS converts the played bytes for (itemID, contentIndex) to milliseconds.
func (t *Tracker) PlayedMS(itemID string, contentIndex int) int64 {
	if t == nil {
		return 0
	}
	samples := t.PlayedBytes(itemID, contentIndex) / bytesPerSample
	return samples * 1000 / int64(t.sampleRate)
}

// Current returns the item most recently played, if any.
func (t *Tracker) Current() (itemID string, contentIndex int, ok bool) {
	if t == nil {
		return "", 0, false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.last.itemID, t.last.contentIndex, t.hasLast
}

// ClearCurrent forgets the most recent item without touching the totals.
func (t *Tracker) ClearCurrent() {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.last = key{}
	t.hasLast = false
}

// Finish forgets itemID as the current item once its audio is complete, so a
// later barge-in does not truncate an utterance that already ended.
func (t *Tracker) Finish(itemID string) {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.hasLast && t.last.itemID == strings.TrimSpace(itemID) {
		t.last = key{}
		t.hasLast = false
	}
}
