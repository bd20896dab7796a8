// Package transcript turns upstream conversation history into an ordered,
// deduplicated transcript that can be rendered as plain text.
package transcript

import (
	"strings"
	"sync"
	"time"
)

type Role string

const (
	RoleUser  Role = "user"
	RoleAgent Role = "agent"
)

// ItemStatus mirrors the upstream lifecycle of a conversation item.
type ItemStatus string

const (
	StatusInProgress ItemStatus = "in_progress"
	StatusCompleted  ItemStatus = "completed"
	StatusIncomplete ItemStatus = "incomplete"
)

// Content is one part of an upstream item. Transcript is preferred over Text
// when both are present.
type Content struct {
	Type       string `json:"type"`
	Text       string `json:"text,omitempty"`
	Transcript string `json:"transcript,omitempty"`
}

// Item is a role-tagged content item as reported by the upstream model.
type Item struct {
	ID      string     `json:"id"`
	Role    Role       `json:"role"`
	Status  ItemStatus `json:"status"`
	Content []Content  `json:"content"`
}

// Text joins the item's content, preferring transcripts over raw text.
func (it Item) Text() string {
	parts := make([]string, 0, len(it.Content))
	for _, c := range it.Content {
		text := strings.TrimSpace(c.Transcript)
		if text == "" {
			text = strings.TrimSpace(c.Text)
		}
		if text != "" {
			parts = append(parts, text)
		}
	}
	return strings.Join(parts, " ")
}

// Entry is one materialized utterance.
type Entry struct {
	ItemID  string    `json:"item_id"`
	Role    Role      `json:"role"`
	Speaker string    `json:"speaker"`
	Text    string    `json:"text"`
	At      time.Time `json:"timestamp"`
}

// Header describes the session in the rendered transcript.
type Header struct {
	Title      string
	AgentName  string
	Scenario   string
	StartedAt  time.Time
	UserLabel  string
	EmptyLabel string
}

// Assembler is owned by one orchestrator. The mutex only guards reads from
// request handlers that render while the session is live.
type Assembler struct {
	mu        sync.Mutex
	header    Header
	watermark int
	entries   []Entry
	now       func() time.Time
}

func NewAssembler(h Header) *Assembler {
	if strings.TrimSpace(h.UserLabel) == "" {
		h.UserLabel = "User"
	}
	if strings.TrimSpace(h.AgentName) == "" {
		h.AgentName = "Assistant"
	}
	if strings.TrimSpace(h.EmptyLabel) == "" {
		h.EmptyLabel = NoConversation
	}
	return &Assembler{
		header:  h,
		entries: make([]Entry, 0, 32),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Ingest consumes a full upstream history snapshot. The watermark only moves
// across a contiguous run of finished items, so an in-progress item holds it
// back and is reconsidered on the next call. Items below the watermark are
// only revisited when their text changed upstream. A repeated item id replaces
// the earlier entry and moves to the end.
func (a *Assembler) Ingest(items []Item) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.watermark > len(items) {
		// Upstream history shrank; start over on the new list.
		a.watermark = 0
	}

	for i := 0; i < a.watermark; i++ {
		a.materialize(items[i])
	}

	advancing := true
	for i := a.watermark; i < len(items); i++ {
		it := items[i]
		if it.Status == StatusInProgress {
			advancing = false
			continue
		}
		if advancing {
			a.watermark = i + 1
		}
		a.materialize(it)
	}
}

// materialize appends or replaces the entry for it. Unchanged items keep
// their position and timestamp.
func (a *Assembler) materialize(it Item) {
	text := it.Text()
	if text == "" || strings.TrimSpace(it.ID) == "" {
		return
	}
	for i := range a.entries {
		if a.entries[i].ItemID != it.ID {
			continue
		}
		if a.entries[i].Text == text {
			return
		}
		a.entries = append(a.entries[:i], a.entries[i+1:]...)
		break
	}
	a.entries = append(a.entries, Entry{
		ItemID:  it.ID,
		Role:    it.Role,
		Speaker: a.speaker(it.Role),
		Text:    text,
		At:      a.now(),
	})
}

func (a *Assembler) speaker(role Role) string {
	if role == RoleAgent {
		return a.header.AgentName
	}
	return a.header.UserLabel
}

// Len returns the number of materialized entries.
func (a *Assembler) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.entries)
}

// Watermark returns how many upstream items were fully processed.
func (a *Assembler) Watermark() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.watermark
}

// Entries returns a copy of all entries in transcript order.
func (a *Assembler) Entries() []Entry {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]Entry, len(a.entries))
	copy(out, a.entries)
	return out
}

// Latest returns up to n trailing entries.
func (a *Assembler) Latest(n int) []Entry {
	a.mu.Lock()
	defer a.mu.Unlock()
	if n <= 0 || n > len(a.entries) {
		n = len(a.entries)
	}
	out := make([]Entry, n)
	copy(out, a.entries[len(a.entries)-n:])
	return out
}
