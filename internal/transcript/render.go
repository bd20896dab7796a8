package transcript

import (
	"strings"
)

// NoConversation is rendered when nothing was said.
const NoConversation = "No conversation recorded."

const (
	separator   = "=================================================="
	footer      = "End of Transcript"
	clockLayout = "15:04:05"
	startLayout = "2006-01-02 15:04:05 MST"
)

// Render produces the line-oriented transcript persisted with the session.
func (a *Assembler) Render() string {
	a.mu.Lock()
	defer a.mu.Unlock()

	if len(a.entries) == 0 {
		return a.header.EmptyLabel
	}

	var b strings.Builder
	title := strings.TrimSpace(a.header.Title)
	if title == "" {
		title = "Session"
	}
	b.WriteString(title)
	b.WriteString(": ")
	b.WriteString(a.header.AgentName)
	b.WriteByte('\n')
	if scenario := strings.TrimSpace(a.header.Scenario); scenario != "" {
		b.WriteString("Scenario: ")
		b.WriteString(scenario)
		b.WriteByte('\n')
	}
	if !a.header.StartedAt.IsZero() {
		b.WriteString("Started: ")
		b.WriteString(a.header.StartedAt.UTC().Format(startLayout))
		b.WriteByte('\n')
	}
	b.WriteString(separator)
	b.WriteString("\n\n")

	for _, e := range a.entries {
		b.WriteByte('[')
		b.WriteString(e.At.UTC().Format(clockLayout))
		b.WriteString("] ")
		b.WriteString(strings.ToUpper(e.Speaker))
		b.WriteString(":\n")
		b.WriteString(e.Text)
		b.WriteString("\n\n")
	}

	b.WriteString(separator)
	b.WriteByte('\n')
	b.WriteString(footer)
	b.WriteByte('\n')
	return b.String()
}
