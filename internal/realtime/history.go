package realtime

import (
	"strings"

	"github.com/ent0n29/prepai/internal/transcript"
)

// historyBook mirrors the upstream conversation so that providers can emit
// full HistoryUpdated snapshots. It is owned by a single read loop.
type historyBook struct {
	items []transcript.Item
	index map[string]int
}

func newHistoryBook() *historyBook {
	return &historyBook{index: make(map[string]int)}
}

func (h *historyBook) upsert(it transcript.Item) {
	if strings.TrimSpace(it.ID) == "" {
		return
	}
	if i, ok := h.index[it.ID]; ok {
		prev := h.items[i]
		if it.Role == "" {
			it.Role = prev.Role
		}
		if it.Status == "" {
			it.Status = prev.Status
		}
		if len(it.Content) == 0 || it.Text() == "" {
			it.Content = prev.Content
		}
		h.items[i] = it
		return
	}
	h.index[it.ID] = len(h.items)
	h.items = append(h.items, it)
}

// setTranscript replaces the text of one item, creating it if needed.
func (h *historyBook) setTranscript(id string, role transcript.Role, text string, status transcript.ItemStatus) {
	it := transcript.Item{
		ID:      id,
		Role:    role,
		Status:  status,
		Content: []transcript.Content{{Type: "audio", Transcript: text}},
	}
	if i, ok := h.index[id]; ok {
		if it.Role == "" {
			it.Role = h.items[i].Role
		}
		h.items[i] = it
		return
	}
	h.upsert(it)
}

// appendTranscript accumulates a streaming transcript delta.
func (h *historyBook) appendTranscript(id string, role transcript.Role, delta string) {
	text := delta
	if i, ok := h.index[id]; ok {
		text = h.items[i].Text() + delta
	}
	h.setTranscript(id, role, text, transcript.StatusInProgress)
}

func (h *historyBook) setStatus(id string, status transcript.ItemStatus) bool {
	i, ok := h.index[id]
	if !ok {
		return false
	}
	h.items[i].Status = status
	return true
}

func (h *historyBook) text(id string) string {
	if i, ok := h.index[id]; ok {
		return h.items[i].Text()
	}
	return ""
}

func (h *historyBook) snapshot() []transcript.Item {
	out := make([]transcript.Item, len(h.items))
	for i, it := range h.items {
		it.Content = append([]transcript.Content(nil), it.Content...)
		out[i] = it
	}
	return out
}
